package ordersync

import (
	"fmt"
	"strings"
)

// DealFields is the flat field set written to the CRM deal. OrderID is the
// cross-reference field joining the deal to the commerce order.
type DealFields struct {
	Title          string
	OrderID        string
	Amount         float64
	StageID        string
	PaymentStatus  PaymentStatus
	Discount       float64
	Tax            float64
	Shipping       float64
	DeliveryMethod string
	ContactEmail   string
	ContactPhone   string
}

// LineRow is one product row on the deal. Rows are always written as a full
// set, never appended.
type LineRow struct {
	Title    string  `json:"title"`
	SKU      string  `json:"sku,omitempty"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
}

// MappedDeal is the mapper output: fields plus the full line-row set.
// An empty LineRows means every item was removed and existing rows must be
// cleared on update, not left alone.
type MappedDeal struct {
	Fields   DealFields
	LineRows []LineRow
}

// MapOrder projects a foreign order onto CRM deal fields and line rows.
// Deterministic and total over well-formed orders; no I/O.
//
// The amount is recomputed from active line items rather than taken from the
// order's nominal total, so partial refunds and cancellations converge.
func MapOrder(order ForeignOrder, stages *StageSet) MappedDeal {
	if stages == nil {
		stages = DefaultStageSet()
	}
	shipping := order.ShippingFee()

	amount := 0.0
	rows := make([]LineRow, 0, len(order.LineItems))
	for _, item := range order.LineItems {
		qty := item.ActiveQuantity()
		if qty <= 0 {
			continue
		}
		amount += parseAmount(item.Price)*float64(qty) - parseAmount(item.TotalDiscount)
		rows = append(rows, LineRow{
			Title:    item.Title,
			SKU:      item.SKU,
			Quantity: qty,
			Price:    parseAmount(item.Price),
		})
	}
	amount += shipping
	if shipping != 0 {
		rows = append(rows, LineRow{Title: "Shipping", Quantity: 1, Price: shipping})
	}

	title := strings.TrimSpace(order.Name)
	if title == "" {
		title = "Order " + order.ID
	}

	fields := DealFields{
		Title:          title,
		OrderID:        order.ID,
		Amount:         amount,
		StageID:        stages.StageID(stageForFinancialStatus(order.FinancialStatus)),
		PaymentStatus:  paymentForFinancialStatus(order.FinancialStatus),
		Discount:       parseAmount(order.TotalDiscounts),
		Tax:            parseAmount(order.TotalTax),
		Shipping:       shipping,
		DeliveryMethod: order.DeliveryMethod,
		ContactEmail:   strings.TrimSpace(order.Email),
		ContactPhone:   strings.TrimSpace(order.Phone),
	}
	return MappedDeal{Fields: fields, LineRows: rows}
}

// ValidateFields checks required fields and collects warnings. A zero or
// negative amount is a warning, not an error: such orders still sync.
func ValidateFields(fields DealFields) ([]string, error) {
	if strings.TrimSpace(fields.OrderID) == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(fields.Title) == "" {
		return nil, fmt.Errorf("%w: deal title is required", ErrInvalidInput)
	}
	var warnings []string
	if fields.Amount <= 0 {
		warnings = append(warnings, fmt.Sprintf("non-positive amount %.2f for order %s", fields.Amount, fields.OrderID))
	}
	if fields.StageID == "" {
		warnings = append(warnings, "empty stage id; check stage configuration")
	}
	return warnings, nil
}
