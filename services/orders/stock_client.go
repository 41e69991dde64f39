package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// StockClient adjusts product stock through the inventory service.
type StockClient interface {
	Decrement(ctx context.Context, productIDs []string, quantities []int) error
	Increment(ctx context.Context, productIDs []string, quantities []int) error
}

type stockRequest struct {
	ProductIDs []string `json:"productIds"`
	Quantities []int    `json:"quantities"`
	Action     string   `json:"action"`
}

type stockResponse struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// HTTPStockClient calls POST /api/manage-stock.
type HTTPStockClient struct {
	client *resty.Client
}

// NewHTTPStockClient creates a client for the inventory service at baseURL.
func NewHTTPStockClient(baseURL string) *HTTPStockClient {
	return &HTTPStockClient{
		client: resty.New().
			SetBaseURL(baseURL).
			SetHeader("Content-Type", "application/json").
			SetTimeout(15 * time.Second),
	}
}

func (c *HTTPStockClient) Decrement(ctx context.Context, productIDs []string, quantities []int) error {
	return c.adjust(ctx, "decrement", productIDs, quantities)
}

func (c *HTTPStockClient) Increment(ctx context.Context, productIDs []string, quantities []int) error {
	return c.adjust(ctx, "increment", productIDs, quantities)
}

func (c *HTTPStockClient) adjust(ctx context.Context, action string, productIDs []string, quantities []int) error {
	req := c.client.R().
		SetContext(ctx).
		SetBody(stockRequest{ProductIDs: productIDs, Quantities: quantities, Action: action})
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := req.Post("/api/manage-stock")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInventoryUnavailable, err)
	}

	var body stockResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		log.WithError(err).WithField("status", resp.StatusCode()).Debug("Inventory response is not JSON")
	}
	if body.Message == "" {
		body.Message = http.StatusText(resp.StatusCode())
	}

	switch code := resp.StatusCode(); {
	case code >= 200 && code < 300:
		return nil
	case code >= 400 && code < 500:
		return &StockRejectedError{StatusCode: code, Message: body.Message}
	default:
		return fmt.Errorf("%w: %s returned %d: %s", ErrInventoryUnavailable, action, code, body.Message)
	}
}
