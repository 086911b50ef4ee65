package ordersync

import "context"

// Deal is the CRM-side record joined to a commerce order through the
// OrderID cross-reference field. The id is assigned by the CRM and unknown
// until a create succeeds or a lookup finds the deal.
type Deal struct {
	ID            string        `json:"id"`
	OrderID       string        `json:"orderId"`
	Title         string        `json:"title,omitempty"`
	Amount        float64       `json:"amount"`
	StageID       string        `json:"stageId,omitempty"`
	PaymentStatus PaymentStatus `json:"paymentStatus,omitempty"`
	LineRows      []LineRow     `json:"lineRows,omitempty"`
}

// CRMClient is the remote CRM contract the reconciler drives. Failures
// surface as *RemoteError so the retry policy can act on the classification.
type CRMClient interface {
	// FindDealByOrderID returns nil with no error when no deal carries the
	// cross-reference value.
	FindDealByOrderID(ctx context.Context, orderID string) (*Deal, error)
	CreateDeal(ctx context.Context, fields DealFields) (string, error)
	UpdateDeal(ctx context.Context, dealID string, fields DealFields) error
	// SetLineRows replaces the full row set; an empty slice clears it.
	SetLineRows(ctx context.Context, dealID string, rows []LineRow) error
	// GetDeal is the post-write verification read.
	GetDeal(ctx context.Context, dealID string) (*Deal, error)
	// LinkContact attaches the counterparty contact; best-effort from the
	// reconciler's point of view.
	LinkContact(ctx context.Context, dealID, email, phone string) error
}

type noopCRMClient struct{}

func (noopCRMClient) FindDealByOrderID(ctx context.Context, orderID string) (*Deal, error) {
	return nil, nil
}

func (noopCRMClient) CreateDeal(ctx context.Context, fields DealFields) (string, error) {
	return "", &RemoteError{Kind: KindUnknown, Message: "crm client not configured"}
}

func (noopCRMClient) UpdateDeal(ctx context.Context, dealID string, fields DealFields) error {
	return &RemoteError{Kind: KindUnknown, Message: "crm client not configured"}
}

func (noopCRMClient) SetLineRows(ctx context.Context, dealID string, rows []LineRow) error {
	return nil
}

func (noopCRMClient) GetDeal(ctx context.Context, dealID string) (*Deal, error) {
	return nil, ErrNotFound
}

func (noopCRMClient) LinkContact(ctx context.Context, dealID, email, phone string) error {
	return nil
}
