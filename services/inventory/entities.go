package main

import (
	"errors"
	"fmt"
	"math"

	"github.com/burhankhatib/lanaline/pkg/docstore"
)

// StockAction is the direction of a stock adjustment.
type StockAction string

const (
	ActionDecrement StockAction = "decrement"
	ActionIncrement StockAction = "increment"
)

// Valid reports whether a is a known action.
func (a StockAction) Valid() bool {
	return a == ActionDecrement || a == ActionIncrement
}

var (
	ErrMismatchedItems   = errors.New("productIds and quantities must be non-empty arrays of the same length")
	ErrInvalidAction     = errors.New("invalid stock action")
	ErrInvalidItem       = errors.New("invalid product id or quantity")
	ErrProductNotFound   = errors.New("product not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrStockConflict     = errors.New("stock changed while the adjustment was being applied")
	ErrMissingWriteToken = errors.New("document store write token is not configured")
)

// ItemError points at the first invalid item of a request.
type ItemError struct {
	Index int
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("invalid product id or quantity at index %d", e.Index)
}

func (e *ItemError) Unwrap() error { return ErrInvalidItem }

// ProductNotFoundError names the missing product.
type ProductNotFoundError struct {
	ProductID string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %s not found", e.ProductID)
}

func (e *ProductNotFoundError) Unwrap() error { return ErrProductNotFound }

// StockError describes a product that cannot cover the requested quantity.
type StockError struct {
	ProductID   string
	ProductName string
	Available   int
	Requested   int
}

func (e *StockError) Error() string {
	return fmt.Sprintf("Insufficient stock for product: %s. Available: %d, Requested: %d",
		e.ProductName, e.Available, e.Requested)
}

func (e *StockError) Unwrap() error { return ErrInsufficientStock }

// StockUpdateRequest is the body of POST /api/manage-stock. Quantities are decoded as
// numbers so fractional values can be rejected per item.
type StockUpdateRequest struct {
	ProductIDs []string    `json:"productIds"`
	Quantities []float64   `json:"quantities"`
	Action     StockAction `json:"action"`
}

// StockLine is one validated product and quantity.
type StockLine struct {
	ProductID string
	Quantity  int
}

// Validate checks the request shape and returns its lines in request order.
func (r StockUpdateRequest) Validate() ([]StockLine, error) {
	if len(r.ProductIDs) == 0 || len(r.ProductIDs) != len(r.Quantities) {
		return nil, ErrMismatchedItems
	}
	if !r.Action.Valid() {
		return nil, ErrInvalidAction
	}

	lines := make([]StockLine, len(r.ProductIDs))
	for i, id := range r.ProductIDs {
		q := r.Quantities[i]
		if id == "" || q <= 0 || q != math.Trunc(q) || q > math.MaxInt32 {
			return nil, &ItemError{Index: i}
		}
		lines[i] = StockLine{ProductID: id, Quantity: int(q)}
	}
	return lines, nil
}

// mergeLines sums quantities of repeated products, keeping first-seen order.
func mergeLines(lines []StockLine) []StockLine {
	index := make(map[string]int, len(lines))
	out := make([]StockLine, 0, len(lines))
	for _, l := range lines {
		if i, ok := index[l.ProductID]; ok {
			out[i].Quantity += l.Quantity
			continue
		}
		index[l.ProductID] = len(out)
		out = append(out, l)
	}
	return out
}

// ProductStock is the part of a product document stock management reads.
type ProductStock struct {
	ID       string
	Name     string
	Revision string
	Stock    int
}

// productStockFromDocument reads stock, treating an absent or non-numeric value as 0.
// The display name prefers the English title, then name, then the id.
func productStockFromDocument(doc docstore.Document) ProductStock {
	stock, _ := doc.Int("stock")
	return ProductStock{
		ID:       doc.ID(),
		Name:     displayName(doc),
		Revision: doc.Rev(),
		Stock:    stock,
	}
}

func displayName(doc docstore.Document) string {
	switch title := doc["title"].(type) {
	case map[string]any:
		if en, ok := title["en"].(string); ok && en != "" {
			return en
		}
	case string:
		if title != "" {
			return title
		}
	}
	if name := doc.String("name"); name != "" {
		return name
	}
	return doc.ID()
}

// Adjustment is a single stock patch about to be committed.
type Adjustment struct {
	ProductID string
	Quantity  int
	// Revision guards decrements against concurrent writes; empty for increments.
	Revision string
}

// AdjustmentResult is returned after a successful commit.
type AdjustmentResult struct {
	Action StockAction
	// Count is the number of items in the request, repeated ids included.
	Count   int
	Details []docstore.MutationResult
}

// SagaStockRequest is the payload of the saga branch endpoints.
type SagaStockRequest struct {
	OrderID    string    `json:"orderId" binding:"required"`
	ProductIDs []string  `json:"productIds"`
	Quantities []float64 `json:"quantities"`
	// dtm does not forward W3C trace headers to branches
	TraceID string `json:"traceId,omitempty"`
	SpanID  string `json:"spanId,omitempty"`
}

func (r SagaStockRequest) toUpdate(action StockAction) StockUpdateRequest {
	return StockUpdateRequest{ProductIDs: r.ProductIDs, Quantities: r.Quantities, Action: action}
}
