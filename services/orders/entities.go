package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/shopspring/decimal"

	"github.com/burhankhatib/lanaline/pkg/docstore"
)

// Document types
const (
	TypeCheckout = "checkout"
	TypeProduct  = "product"
	TypeUser     = "user"
)

// OrderStatus is the lifecycle state of a checkout document.
type OrderStatus string

const (
	StatusPending    OrderStatus = "pending"
	StatusProcessing OrderStatus = "processing"
	StatusShipped    OrderStatus = "shipped"
	StatusDelivered  OrderStatus = "delivered"
	StatusCancelled  OrderStatus = "cancelled"
	StatusRefunded   OrderStatus = "refunded"
)

var orderStatuses = []OrderStatus{
	StatusPending, StatusProcessing, StatusShipped, StatusDelivered, StatusCancelled, StatusRefunded,
}

// ParseOrderStatus accepts only the known statuses.
func ParseOrderStatus(s string) (OrderStatus, error) {
	for _, st := range orderStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// ReleasesStock reports whether moving an order into s gives its stock back.
func (s OrderStatus) ReleasesStock() bool {
	return s == StatusCancelled || s == StatusRefunded
}

var (
	ErrInvalidRequest       = errors.New("invalid request")
	ErrInvalidStatus        = errors.New("invalid order status")
	ErrOrderNotFound        = errors.New("order not found")
	ErrProductUnavailable   = errors.New("product unavailable")
	ErrNoStockItems         = errors.New("order has no items with product references")
	ErrActionNotAllowed     = errors.New("action not allowed for the current order status")
	ErrStockRejected        = errors.New("stock update rejected")
	ErrStockRestoreFailed   = errors.New("failed to restore stock")
	ErrInventoryUnavailable = errors.New("inventory service unavailable")
	ErrWorkflowFailed       = errors.New("order workflow failed")
)

// StockRejectedError carries the inventory service's answer to a refused adjustment.
type StockRejectedError struct {
	StatusCode int
	Message    string
}

func (e *StockRejectedError) Error() string {
	return fmt.Sprintf("stock update rejected (%d): %s", e.StatusCode, e.Message)
}

func (e *StockRejectedError) Unwrap() error { return ErrStockRejected }

// StockPolicy decides when stock leaves the shelf.
type StockPolicy string

const (
	// PolicyOnConfirm decrements stock when an operator confirms the order.
	PolicyOnConfirm StockPolicy = "on_confirm"
	// PolicyOnCheckout decrements stock before the order is created.
	PolicyOnCheckout StockPolicy = "on_checkout"
)

// Address is a postal address as stored on users and orders.
type Address struct {
	Street     string `json:"street" binding:"required"`
	City       string `json:"city" binding:"required"`
	State      string `json:"state" binding:"required"`
	PostalCode string `json:"postalCode" binding:"required"`
	Country    string `json:"country" binding:"required"`
}

// CheckoutItem is one cart line as submitted by the storefront.
type CheckoutItem struct {
	ProductID string `json:"productId" binding:"required"`
	Quantity  int    `json:"quantity" binding:"required,min=1"`
}

// CheckoutRequest is the body of POST /api/orders.
type CheckoutRequest struct {
	UserID          string         `json:"userId" binding:"required"`
	FirstName       string         `json:"firstName"`
	LastName        string         `json:"lastName"`
	Email           string         `json:"email" binding:"omitempty,email"`
	Phone           string         `json:"phone"`
	Items           []CheckoutItem `json:"items" binding:"required,min=1,dive"`
	ShippingAddress Address        `json:"shippingAddress"`
	PaymentMethod   string         `json:"paymentMethod" binding:"required,oneof=credit_card paypal bank_transfer cash_on_delivery"`
}

// LocalizedString holds the per-language variants of a product title. Older documents
// store a plain string, which is read as English.
type LocalizedString struct {
	EN string `json:"en,omitempty"`
	AR string `json:"ar,omitempty"`
}

func (l *LocalizedString) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		l.EN = s
		return nil
	}
	type plain LocalizedString
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*l = LocalizedString(p)
	return nil
}

// SpecialPrice is a price override, optionally limited to a time window.
type SpecialPrice struct {
	Price     float64    `json:"price"`
	StartDate *time.Time `json:"startDate,omitempty"`
	EndDate   *time.Time `json:"endDate,omitempty"`
}

// activeAt reports whether the special price applies at t.
func (s *SpecialPrice) activeAt(t time.Time) bool {
	if s == nil || s.Price <= 0 {
		return false
	}
	if s.StartDate != nil && t.Before(*s.StartDate) {
		return false
	}
	if s.EndDate != nil && t.After(*s.EndDate) {
		return false
	}
	return true
}

// Product is the part of a product document checkout reads.
type Product struct {
	ID             string          `json:"_id"`
	Title          LocalizedString `json:"title"`
	SKU            string          `json:"sku"`
	RegularPrice   float64         `json:"regularPrice"`
	GlobalDiscount float64         `json:"globalDiscount"`
	SpecialPrice   *SpecialPrice   `json:"specialPrice,omitempty"`
	Stock          int             `json:"stock"`
	Visibility     string          `json:"visibility"`
}

// Visible reports whether the product can be bought. A missing visibility counts as visible.
func (p Product) Visible() bool {
	return p.Visibility != "hidden"
}

// EffectivePrice is the unit price at t: an active special price wins, otherwise the regular
// price less the global discount percentage.
func (p Product) EffectivePrice(t time.Time) decimal.Decimal {
	if p.SpecialPrice.activeAt(t) {
		return decimal.NewFromFloat(p.SpecialPrice.Price).Round(2)
	}
	price := decimal.NewFromFloat(p.RegularPrice)
	if p.GlobalDiscount > 0 && p.GlobalDiscount <= 100 {
		discount := price.Mul(decimal.NewFromFloat(p.GlobalDiscount)).Div(decimal.NewFromInt(100))
		price = price.Sub(discount)
	}
	return price.Round(2)
}

// OrderLine is an item of a checkout document with the price paid.
type OrderLine struct {
	Key      string             `json:"_key"`
	Product  docstore.Reference `json:"product"`
	Quantity int                `json:"quantity"`
	Price    float64            `json:"price"`
	SKU      string             `json:"sku,omitempty"`
}

// Order is a checkout document.
type Order struct {
	ID               string              `json:"_id"`
	Type             string              `json:"_type"`
	Revision         string              `json:"_rev,omitempty"`
	OrderNumber      string              `json:"orderNumber"`
	User             *docstore.Reference `json:"user,omitempty"`
	Items            []OrderLine         `json:"items"`
	TotalAmount      float64             `json:"totalAmount"`
	Status           OrderStatus         `json:"status"`
	StockDecremented bool                `json:"stockDecremented"`
	ShippingAddress  Address             `json:"shippingAddress"`
	PaymentMethod    string              `json:"paymentMethod"`
	CreatedAt        string              `json:"createdAt,omitempty"`
	UpdatedAt        string              `json:"updatedAt,omitempty"`
}

// StockItems returns the product ids and quantities of the lines holding a product
// reference. A line without quantity counts as one unit.
func (o *Order) StockItems() ([]string, []int) {
	ids := make([]string, 0, len(o.Items))
	quantities := make([]int, 0, len(o.Items))
	for _, line := range o.Items {
		if line.Product.Ref == "" {
			continue
		}
		q := line.Quantity
		if q <= 0 {
			q = 1
		}
		ids = append(ids, line.Product.Ref)
		quantities = append(quantities, q)
	}
	return ids, quantities
}

// Total sums price times quantity over the lines, rounded to cents.
func Total(lines []OrderLine) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(decimal.NewFromFloat(l.Price).Mul(decimal.NewFromInt(int64(l.Quantity))))
	}
	return total.Round(2)
}

// Customer is a user document.
type Customer struct {
	ID         string               `json:"_id"`
	Type       string               `json:"_type"`
	Revision   string               `json:"_rev,omitempty"`
	UserID     string               `json:"userId"`
	FirstName  string               `json:"firstName,omitempty"`
	LastName   string               `json:"lastName,omitempty"`
	Email      string               `json:"email,omitempty"`
	Phone      string               `json:"phone,omitempty"`
	Address    Address              `json:"address"`
	Country    string               `json:"country,omitempty"`
	Currency   string               `json:"currency"`
	Orders     []docstore.Reference `json:"orders"`
	TotalSpent float64              `json:"totalSpent"`
	CreatedAt  string               `json:"createdAt,omitempty"`
	UpdatedAt  string               `json:"updatedAt,omitempty"`
}

// NewOrderNumber formats a human readable order number. It is not unique under load;
// documents are keyed by their _id.
func NewOrderNumber(now time.Time) string {
	return fmt.Sprintf("ORD-%d-%d", now.UnixMilli(), rand.IntN(1000))
}

// OrderAction is an operator action offered for an order.
type OrderAction struct {
	Name  string `json:"name"`
	Label string `json:"label"`
}

// Available actions
const (
	ActionConfirm      = "confirm"
	ActionUpdateStatus = "update-status"
)

// ActionsFor lists the actions an operator may run on o.
func ActionsFor(o *Order) []OrderAction {
	var actions []OrderAction
	if o.Status == StatusPending {
		actions = append(actions, OrderAction{Name: ActionConfirm, Label: "Confirm Order & Update Stock"})
	}
	return append(actions, OrderAction{Name: ActionUpdateStatus, Label: fmt.Sprintf("Process Status: %s", o.Status)})
}

// StatusChange is the body of POST /api/admin/orders/:id/status.
type StatusChange struct {
	Status string `json:"status" binding:"required"`
}

// CheckoutResult is returned after an order is placed.
type CheckoutResult struct {
	OrderID     string      `json:"orderId"`
	OrderNumber string      `json:"orderNumber"`
	TotalAmount float64     `json:"totalAmount"`
	Status      OrderStatus `json:"status"`
}

// SagaStatusRequest is the payload of the order status saga branch.
type SagaStatusRequest struct {
	OrderID          string      `json:"orderId" binding:"required"`
	Status           OrderStatus `json:"status" binding:"required"`
	PreviousStatus   OrderStatus `json:"previousStatus"`
	StockDecremented bool        `json:"stockDecremented"`
	// PreviousStockDecremented is restored by the compensation.
	PreviousStockDecremented bool   `json:"previousStockDecremented"`
	TraceID                  string `json:"traceId,omitempty"`
	SpanID                   string `json:"spanId,omitempty"`
}

// SagaStockRequest is the payload sent to the inventory saga branches.
type SagaStockRequest struct {
	OrderID    string   `json:"orderId"`
	ProductIDs []string `json:"productIds"`
	Quantities []int    `json:"quantities"`
	TraceID    string   `json:"traceId,omitempty"`
	SpanID     string   `json:"spanId,omitempty"`
}
