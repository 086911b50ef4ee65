package ordersync

import (
	"strconv"
	"strings"
	"time"
)

// ForeignOrder is the commerce-platform order representation as delivered in
// webhook payloads. Monetary values arrive as decimal strings.
type ForeignOrder struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	Email             string          `json:"email,omitempty"`
	Phone             string          `json:"phone,omitempty"`
	FinancialStatus   string          `json:"financial_status"`
	FulfillmentStatus string          `json:"fulfillment_status,omitempty"`
	Currency          string          `json:"currency,omitempty"`
	TotalPrice        string          `json:"total_price,omitempty"`
	TotalDiscounts    string          `json:"total_discounts,omitempty"`
	TotalTax          string          `json:"total_tax,omitempty"`
	CreatedAt         string          `json:"created_at,omitempty"`
	UpdatedAt         string          `json:"updated_at,omitempty"`
	DeliveryMethod    string          `json:"delivery_method,omitempty"`
	LineItems         []OrderLineItem `json:"line_items"`
	ShippingLines     []ShippingLine  `json:"shipping_lines,omitempty"`
	ShippingPriceSet  *MoneySet       `json:"total_shipping_price_set,omitempty"`
	ShippingPrice     *string         `json:"shipping_price,omitempty"`
	ShippingAddress   *Address        `json:"shipping_address,omitempty"`
}

type OrderLineItem struct {
	ID              string `json:"id,omitempty"`
	Title           string `json:"title,omitempty"`
	SKU             string `json:"sku,omitempty"`
	Price           string `json:"price"`
	Quantity        int    `json:"quantity"`
	CurrentQuantity *int   `json:"current_quantity,omitempty"`
	TotalDiscount   string `json:"total_discount,omitempty"`
}

// ActiveQuantity is the quantity still in force after partial refunds or
// cancellations. A missing current_quantity means nothing was removed.
func (i OrderLineItem) ActiveQuantity() int {
	if i.CurrentQuantity == nil {
		return i.Quantity
	}
	return *i.CurrentQuantity
}

type ShippingLine struct {
	Title           string  `json:"title,omitempty"`
	Price           string  `json:"price,omitempty"`
	DiscountedPrice *string `json:"discounted_price,omitempty"`
}

type MoneySet struct {
	ShopMoney Money `json:"shop_money"`
}

type Money struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency_code,omitempty"`
}

type Address struct {
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Address1  string `json:"address1,omitempty"`
	Address2  string `json:"address2,omitempty"`
	City      string `json:"city,omitempty"`
	Province  string `json:"province,omitempty"`
	Country   string `json:"country,omitempty"`
	Zip       string `json:"zip,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

// CreatedTime and UpdatedTime return zero times for missing or malformed
// timestamps; callers treat that as "unavailable".
func (o ForeignOrder) CreatedTime() time.Time {
	return parseOrderTime(o.CreatedAt)
}

func (o ForeignOrder) UpdatedTime() time.Time {
	return parseOrderTime(o.UpdatedAt)
}

func parseOrderTime(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts
		}
	}
	return time.Time{}
}

// parseAmount tolerates empty and malformed decimal strings by returning 0;
// the mapper records a warning separately when the resulting amount is zero.
func parseAmount(value string) float64 {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	amount, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	return amount
}

// shippingFeeAccessors is the ordered candidate list for the shipping fee;
// the first accessor returning a non-nil value wins.
var shippingFeeAccessors = []func(ForeignOrder) *float64{
	func(o ForeignOrder) *float64 {
		if o.ShippingPriceSet == nil || strings.TrimSpace(o.ShippingPriceSet.ShopMoney.Amount) == "" {
			return nil
		}
		amount := parseAmount(o.ShippingPriceSet.ShopMoney.Amount)
		return &amount
	},
	func(o ForeignOrder) *float64 {
		if o.ShippingPrice == nil {
			return nil
		}
		amount := parseAmount(*o.ShippingPrice)
		return &amount
	},
	func(o ForeignOrder) *float64 {
		for _, line := range o.ShippingLines {
			if line.DiscountedPrice != nil {
				amount := parseAmount(*line.DiscountedPrice)
				return &amount
			}
		}
		return nil
	},
	func(o ForeignOrder) *float64 {
		for _, line := range o.ShippingLines {
			if strings.TrimSpace(line.Price) != "" {
				amount := parseAmount(line.Price)
				return &amount
			}
		}
		return nil
	},
}

// ShippingFee resolves the order's shipping fee through the accessor chain.
func (o ForeignOrder) ShippingFee() float64 {
	for _, accessor := range shippingFeeAccessors {
		if amount := accessor(o); amount != nil {
			return *amount
		}
	}
	return 0
}
