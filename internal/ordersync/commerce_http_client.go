package ordersync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type CommerceHTTPClientOptions struct {
	BaseURL    string
	AccessToken string
	HTTPClient *http.Client
	UserAgent  string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// HTTPCommerceClient talks to the commerce platform's REST API. Transient
// 429/5xx responses are retried here with capped exponential backoff because
// these calls sit outside the reconciler's create/update retry loop.
type HTTPCommerceClient struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
	userAgent   string
	maxRetries  int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

func NewHTTPCommerceClient(opts CommerceHTTPClientOptions) *HTTPCommerceClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8082"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &HTTPCommerceClient{
		baseURL:     baseURL,
		accessToken: strings.TrimSpace(opts.AccessToken),
		httpClient:  httpClient,
		userAgent:   strings.TrimSpace(opts.UserAgent),
		maxRetries:  maxRetries,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
	}
}

// commerceEnvelope is the {success, ...}|{success:false, error, message}
// response shape shared by the write endpoints.
type commerceEnvelope struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
	Order   *ForeignOrder   `json:"order,omitempty"`
	Orders  []ForeignOrder  `json:"orders,omitempty"`
	Refund  json.RawMessage `json:"refund,omitempty"`
}

type commerceStatusError struct {
	StatusCode int
	Message    string
}

func (e *commerceStatusError) Error() string {
	return fmt.Sprintf("commerce http %d: %s", e.StatusCode, e.Message)
}

func (c *HTTPCommerceClient) GetOrder(ctx context.Context, orderID string) (*ForeignOrder, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	envelope, status, err := c.do(ctx, http.MethodGet, "/v1/orders/"+url.PathEscape(orderID), nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if envelope.Order == nil {
		return nil, fmt.Errorf("commerce order response missing order body")
	}
	return envelope.Order, nil
}

func (c *HTTPCommerceClient) CalculateRefund(ctx context.Context, orderID string, lineItems []RefundLineItem) (*RefundCalculation, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	payload := struct {
		LineItems []RefundLineItem `json:"lineItems,omitempty"`
	}{LineItems: lineItems}
	envelope, _, err := c.do(ctx, http.MethodPost, "/v1/orders/"+url.PathEscape(orderID)+"/refunds/calculate", payload)
	if err != nil {
		return nil, err
	}
	var calc RefundCalculation
	if len(envelope.Refund) > 0 {
		if err := json.Unmarshal(envelope.Refund, &calc); err != nil {
			return nil, fmt.Errorf("malformed refund calculation: %v", err)
		}
	}
	if calc.OrderID == "" {
		calc.OrderID = orderID
	}
	return &calc, nil
}

func (c *HTTPCommerceClient) CreateRefund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if strings.TrimSpace(req.OrderID) == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	envelope, _, err := c.do(ctx, http.MethodPost, "/v1/orders/"+url.PathEscape(req.OrderID)+"/refunds", req)
	if err != nil {
		return nil, err
	}
	var result RefundResult
	if len(envelope.Refund) > 0 {
		if err := json.Unmarshal(envelope.Refund, &result); err != nil {
			return nil, fmt.Errorf("malformed refund response: %v", err)
		}
	}
	return &result, nil
}

func (c *HTTPCommerceClient) UpdateAddress(ctx context.Context, orderID string, address Address) error {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	payload := struct {
		Address Address `json:"shipping_address"`
	}{Address: address}
	_, _, err := c.do(ctx, http.MethodPut, "/v1/orders/"+url.PathEscape(orderID)+"/address", payload)
	return err
}

func (c *HTTPCommerceClient) TriggerFulfillment(ctx context.Context, orderID, locationID string, notify bool) error {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	payload := struct {
		LocationID string `json:"location_id,omitempty"`
		Notify     bool   `json:"notify,omitempty"`
	}{LocationID: strings.TrimSpace(locationID), Notify: notify}
	_, _, err := c.do(ctx, http.MethodPost, "/v1/orders/"+url.PathEscape(orderID)+"/fulfillments", payload)
	return err
}

func (c *HTTPCommerceClient) ListOrdersUpdatedSince(ctx context.Context, since time.Time, limit int) ([]ForeignOrder, error) {
	if limit <= 0 {
		limit = 50
	}
	query := url.Values{}
	if !since.IsZero() {
		query.Set("updated_at_min", since.UTC().Format(time.RFC3339))
	}
	query.Set("limit", strconv.Itoa(limit))
	envelope, _, err := c.do(ctx, http.MethodGet, "/v1/orders?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return envelope.Orders, nil
}

func (c *HTTPCommerceClient) do(ctx context.Context, method, path string, payload any) (commerceEnvelope, int, error) {
	var bodyBytes []byte
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return commerceEnvelope{}, 0, err
		}
		bodyBytes = data
	}

	for attempt := 0; ; attempt++ {
		var reqBody io.Reader
		if bodyBytes != nil {
			reqBody = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
		if err != nil {
			return commerceEnvelope{}, 0, err
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.accessToken != "" {
			req.Header.Set("X-Access-Token", c.accessToken)
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1)); waitErr != nil {
					return commerceEnvelope{}, 0, waitErr
				}
				continue
			}
			return commerceEnvelope{}, 0, err
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return commerceEnvelope{}, resp.StatusCode, readErr
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1)); waitErr != nil {
				return commerceEnvelope{}, resp.StatusCode, waitErr
			}
			continue
		}

		if method == http.MethodGet && resp.StatusCode == http.StatusNotFound {
			return commerceEnvelope{}, resp.StatusCode, nil
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			message := strings.TrimSpace(string(respBody))
			var parsed commerceEnvelope
			if json.Unmarshal(respBody, &parsed) == nil && parsed.Message != "" {
				message = parsed.Message
			}
			return commerceEnvelope{}, resp.StatusCode, &commerceStatusError{StatusCode: resp.StatusCode, Message: message}
		}

		var envelope commerceEnvelope
		if len(respBody) > 0 {
			if err := json.Unmarshal(respBody, &envelope); err != nil {
				return commerceEnvelope{}, resp.StatusCode, fmt.Errorf("malformed commerce response: %v", err)
			}
		}
		if method != http.MethodGet && !envelope.Success {
			message := envelope.Message
			if message == "" {
				message = envelope.Error
			}
			if message == "" {
				message = "commerce operation reported failure"
			}
			return commerceEnvelope{}, resp.StatusCode, fmt.Errorf("commerce operation failed: %s", message)
		}
		return envelope, resp.StatusCode, nil
	}
}

func (c *HTTPCommerceClient) retryDelay(attempt int) time.Duration {
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}
