package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// APIError is a non-2xx answer from one of the services.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed with %d: %s", e.StatusCode, e.Message)
}

// OrderView is the part of an order document the CLI prints.
type OrderView struct {
	ID               string  `json:"_id"`
	OrderNumber      string  `json:"orderNumber"`
	Status           string  `json:"status"`
	TotalAmount      float64 `json:"totalAmount"`
	StockDecremented bool    `json:"stockDecremented"`
}

type actionResponse struct {
	Message string    `json:"message"`
	Order   OrderView `json:"order"`
}

// UserStats is the answer of the recalculate action.
type UserStats struct {
	TotalOrders int     `json:"totalOrders"`
	TotalSpent  float64 `json:"totalSpent"`
}

// AdminClient calls the admin endpoints of the orders and customers services.
type AdminClient struct {
	orders    *resty.Client
	customers *resty.Client
}

// NewAdminClient creates a client sending apiKey as X-API-KEY to both services.
func NewAdminClient(ordersURL, customersURL, apiKey string) *AdminClient {
	newClient := func(baseURL string) *resty.Client {
		return resty.New().
			SetBaseURL(baseURL).
			SetHeader("Content-Type", "application/json").
			SetHeader("X-API-KEY", apiKey).
			SetTimeout(30 * time.Second)
	}
	return &AdminClient{orders: newClient(ordersURL), customers: newClient(customersURL)}
}

// ConfirmOrder moves a pending order to processing and takes its stock.
func (c *AdminClient) ConfirmOrder(ctx context.Context, orderID string) (string, *OrderView, error) {
	var out actionResponse
	if err := do(c.orders.R().SetContext(ctx).SetPathParam("id", orderID), http.MethodPost, "/api/admin/orders/{id}/confirm", &out); err != nil {
		return "", nil, err
	}
	return out.Message, &out.Order, nil
}

// UpdateStatus sets the order status.
func (c *AdminClient) UpdateStatus(ctx context.Context, orderID, status string) (string, *OrderView, error) {
	var out actionResponse
	req := c.orders.R().
		SetContext(ctx).
		SetPathParam("id", orderID).
		SetBody(map[string]string{"status": status})
	if err := do(req, http.MethodPost, "/api/admin/orders/{id}/status", &out); err != nil {
		return "", nil, err
	}
	return out.Message, &out.Order, nil
}

// RecalculateStats rebuilds a user's totalSpent.
func (c *AdminClient) RecalculateStats(ctx context.Context, userID string) (*UserStats, error) {
	var out UserStats
	if err := do(c.customers.R().SetContext(ctx).SetPathParam("id", userID), http.MethodPost, "/api/admin/users/{id}/recalculate", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func do(req *resty.Request, method, path string, out any) error {
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", path, err)
	}

	if resp.IsError() {
		var body struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(resp.Body(), &body)
		if body.Message == "" {
			body.Message = http.StatusText(resp.StatusCode())
		}
		return &APIError{StatusCode: resp.StatusCode(), Message: body.Message}
	}

	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("failed to decode response of %s: %w", path, err)
	}
	return nil
}
