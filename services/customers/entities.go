package main

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Document types and the status excluded from spend.
const (
	TypeCheckout    = "checkout"
	TypeUser        = "user"
	StatusCancelled = "cancelled"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrLockTimeout  = errors.New("timed out waiting for the spend lock")
)

// WebhookPayload is the document-change notification the store sends.
type WebhookPayload struct {
	Type   string `json:"_type"`
	ID     string `json:"_id"`
	Status string `json:"status,omitempty"`
}

// SpendSummary is the result of recomputing a user's spend.
type SpendSummary struct {
	UserID      string  `json:"userId"`
	TotalOrders int     `json:"totalOrders"`
	TotalSpent  float64 `json:"totalSpent"`
}

// SumTotals adds order totals exactly and rounds to cents.
func SumTotals(totals []float64) decimal.Decimal {
	sum := decimal.Zero
	for _, t := range totals {
		sum = sum.Add(decimal.NewFromFloat(t))
	}
	return sum.Round(2)
}
