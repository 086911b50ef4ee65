package ordersync

import (
	"context"
	"time"
)

// RefundCalculation is the commerce platform's answer to "what would this
// refund amount to", requested before the refund itself.
type RefundCalculation struct {
	OrderID    string  `json:"orderId"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency,omitempty"`
	Restock    bool    `json:"restock,omitempty"`
	Transacted bool    `json:"transacted,omitempty"`
}

type RefundRequest struct {
	OrderID     string   `json:"orderId"`
	Amount      *float64 `json:"amount,omitempty"`
	Reason      string   `json:"reason,omitempty"`
	Notify      bool     `json:"notify,omitempty"`
	LineItems   []RefundLineItem `json:"lineItems,omitempty"`
	Calculation *RefundCalculation `json:"calculation,omitempty"`
}

type RefundLineItem struct {
	ID       string `json:"id"`
	Quantity int    `json:"quantity"`
}

type RefundResult struct {
	RefundID string  `json:"refundId"`
	Amount   float64 `json:"amount"`
}

// CommerceClient is the commerce-platform contract. GetOrder returns
// (nil, nil) for an unknown order. Failed operations surface the remote
// message; network failures carry the HTTP status when one was received.
type CommerceClient interface {
	GetOrder(ctx context.Context, orderID string) (*ForeignOrder, error)
	CalculateRefund(ctx context.Context, orderID string, lineItems []RefundLineItem) (*RefundCalculation, error)
	CreateRefund(ctx context.Context, req RefundRequest) (*RefundResult, error)
	UpdateAddress(ctx context.Context, orderID string, address Address) error
	TriggerFulfillment(ctx context.Context, orderID, locationID string, notify bool) error
	// ListOrdersUpdatedSince powers the backfill sweep.
	ListOrdersUpdatedSince(ctx context.Context, since time.Time, limit int) ([]ForeignOrder, error)
}

type noopCommerceClient struct{}

func (noopCommerceClient) GetOrder(ctx context.Context, orderID string) (*ForeignOrder, error) {
	return nil, nil
}

func (noopCommerceClient) CalculateRefund(ctx context.Context, orderID string, lineItems []RefundLineItem) (*RefundCalculation, error) {
	return nil, &RemoteError{Kind: KindUnknown, Message: "commerce client not configured"}
}

func (noopCommerceClient) CreateRefund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	return nil, &RemoteError{Kind: KindUnknown, Message: "commerce client not configured"}
}

func (noopCommerceClient) UpdateAddress(ctx context.Context, orderID string, address Address) error {
	return &RemoteError{Kind: KindUnknown, Message: "commerce client not configured"}
}

func (noopCommerceClient) TriggerFulfillment(ctx context.Context, orderID, locationID string, notify bool) error {
	return &RemoteError{Kind: KindUnknown, Message: "commerce client not configured"}
}

func (noopCommerceClient) ListOrdersUpdatedSince(ctx context.Context, since time.Time, limit int) ([]ForeignOrder, error) {
	return nil, nil
}
