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

type CRMAccessTokenProvider func(ctx context.Context) (string, error)

type CRMHTTPClientOptions struct {
	BaseURL       string
	TokenProvider CRMAccessTokenProvider
	HTTPClient    *http.Client
	UserAgent     string
}

// HTTPCRMClient talks to the CRM REST API. It performs no retries of its
// own: retry policy belongs to the reconciler, which needs the classified
// error to decide.
type HTTPCRMClient struct {
	baseURL       string
	tokenProvider CRMAccessTokenProvider
	httpClient    *http.Client
	userAgent     string
}

func NewHTTPCRMClient(opts CRMHTTPClientOptions) *HTTPCRMClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8081"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &HTTPCRMClient{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		userAgent:     strings.TrimSpace(opts.UserAgent),
	}
}

type crmDealPayload struct {
	ID            string        `json:"id,omitempty"`
	Title         string        `json:"title"`
	OrderID       string        `json:"orderId"`
	Amount        float64       `json:"amount"`
	StageID       string        `json:"stageId"`
	PaymentStatus PaymentStatus `json:"paymentStatus"`
	Discount      float64       `json:"discount"`
	Tax           float64       `json:"tax"`
	Shipping      float64       `json:"shipping"`
	Delivery      string        `json:"deliveryMethod,omitempty"`
	LineRows      []LineRow     `json:"lineRows,omitempty"`
}

func dealPayloadFromFields(fields DealFields) crmDealPayload {
	return crmDealPayload{
		Title:         fields.Title,
		OrderID:       fields.OrderID,
		Amount:        fields.Amount,
		StageID:       fields.StageID,
		PaymentStatus: fields.PaymentStatus,
		Discount:      fields.Discount,
		Tax:           fields.Tax,
		Shipping:      fields.Shipping,
		Delivery:      fields.DeliveryMethod,
	}
}

func (c *HTTPCRMClient) FindDealByOrderID(ctx context.Context, orderID string) (*Deal, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	path := "/v1/deals?orderId=" + url.QueryEscape(orderID)
	body, status, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	var result struct {
		Deals []Deal `json:"deals"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &RemoteError{Kind: KindUnknown, Message: "malformed deal search response: " + err.Error()}
	}
	for i := range result.Deals {
		if result.Deals[i].OrderID == orderID {
			return &result.Deals[i], nil
		}
	}
	return nil, nil
}

func (c *HTTPCRMClient) CreateDeal(ctx context.Context, fields DealFields) (string, error) {
	body, _, err := c.do(ctx, http.MethodPost, "/v1/deals", dealPayloadFromFields(fields))
	if err != nil {
		return "", err
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &created); err != nil || strings.TrimSpace(created.ID) == "" {
		return "", &RemoteError{Kind: KindUnknown, Message: "create response missing deal id"}
	}
	return created.ID, nil
}

func (c *HTTPCRMClient) UpdateDeal(ctx context.Context, dealID string, fields DealFields) error {
	if strings.TrimSpace(dealID) == "" {
		return fmt.Errorf("%w: deal id is required", ErrInvalidInput)
	}
	payload := dealPayloadFromFields(fields)
	payload.ID = dealID
	_, _, err := c.do(ctx, http.MethodPut, "/v1/deals/"+url.PathEscape(dealID), payload)
	return err
}

func (c *HTTPCRMClient) SetLineRows(ctx context.Context, dealID string, rows []LineRow) error {
	if strings.TrimSpace(dealID) == "" {
		return fmt.Errorf("%w: deal id is required", ErrInvalidInput)
	}
	if rows == nil {
		rows = []LineRow{}
	}
	payload := struct {
		Rows []LineRow `json:"rows"`
	}{Rows: rows}
	_, _, err := c.do(ctx, http.MethodPut, "/v1/deals/"+url.PathEscape(dealID)+"/rows", payload)
	return err
}

func (c *HTTPCRMClient) GetDeal(ctx context.Context, dealID string) (*Deal, error) {
	if strings.TrimSpace(dealID) == "" {
		return nil, fmt.Errorf("%w: deal id is required", ErrInvalidInput)
	}
	body, status, err := c.do(ctx, http.MethodGet, "/v1/deals/"+url.PathEscape(dealID), nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, ErrNotFound
	}
	var deal Deal
	if err := json.Unmarshal(body, &deal); err != nil {
		return nil, &RemoteError{Kind: KindUnknown, Message: "malformed deal response: " + err.Error()}
	}
	return &deal, nil
}

func (c *HTTPCRMClient) LinkContact(ctx context.Context, dealID, email, phone string) error {
	if strings.TrimSpace(dealID) == "" {
		return fmt.Errorf("%w: deal id is required", ErrInvalidInput)
	}
	payload := struct {
		Email string `json:"email,omitempty"`
		Phone string `json:"phone,omitempty"`
	}{Email: strings.TrimSpace(email), Phone: strings.TrimSpace(phone)}
	_, _, err := c.do(ctx, http.MethodPost, "/v1/deals/"+url.PathEscape(dealID)+"/contact", payload)
	return err
}

// do issues one request and converts non-2xx responses into *RemoteError via
// the classifier. 404 on GET is reported through the status, not an error.
func (c *HTTPCRMClient) do(ctx context.Context, method, path string, payload any) ([]byte, int, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, err
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, 0, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokenProvider != nil {
		token, err := c.tokenProvider(ctx)
		if err != nil {
			return nil, 0, err
		}
		if token = strings.TrimSpace(token); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, &RemoteError{Kind: KindNetwork, Message: err.Error()}
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, resp.StatusCode, &RemoteError{Kind: KindNetwork, Message: readErr.Error()}
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return respBody, resp.StatusCode, nil
	}
	if method == http.MethodGet && resp.StatusCode == http.StatusNotFound {
		return nil, resp.StatusCode, nil
	}
	return nil, resp.StatusCode, remoteErrorFromResponse(resp.StatusCode, respBody)
}

// remoteErrorFromResponse decodes the CRM error body ({code, description}
// or {error, message}) and classifies it. Classification by string content
// is confined here and in Classify; callers only see the tagged kind.
func remoteErrorFromResponse(status int, body []byte) *RemoteError {
	code := strconv.Itoa(status)
	description := strings.TrimSpace(string(body))
	var parsed struct {
		Code        string         `json:"code"`
		Description string         `json:"description"`
		Error       string         `json:"error"`
		Message     string         `json:"message"`
		Details     map[string]any `json:"details"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		if strings.TrimSpace(parsed.Code) != "" {
			code = parsed.Code
		} else if strings.TrimSpace(parsed.Error) != "" {
			code = parsed.Error
		}
		if strings.TrimSpace(parsed.Description) != "" {
			description = parsed.Description
		} else if strings.TrimSpace(parsed.Message) != "" {
			description = parsed.Message
		}
	}
	classified := Classify(code, description)
	if parsed.Details != nil {
		classified.Details = parsed.Details
	}
	return &classified
}
