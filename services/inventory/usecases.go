package main

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/burhankhatib/lanaline/pkg/docstore"
)

// InventoryUseCase holds the stock adjustment rules.
type InventoryUseCase struct {
	repository  ProductRepository
	tracer      trace.Tracer
	writable    bool
	adjustments metric.Int64Counter
	rejections  metric.Int64Counter
}

// NewInventoryUseCase creates the use case. writable is false when the store has no
// write credential, in which case every adjustment fails with ErrMissingWriteToken.
func NewInventoryUseCase(
	repository ProductRepository,
	tracer trace.Tracer,
	meter metric.Meter,
	writable bool,
) (*InventoryUseCase, error) {
	adjustments, err := meter.Int64Counter("inventory.stock.adjustments",
		metric.WithDescription("Committed stock adjustments"))
	if err != nil {
		return nil, err
	}
	rejections, err := meter.Int64Counter("inventory.stock.rejections",
		metric.WithDescription("Decrements rejected for insufficient stock"))
	if err != nil {
		return nil, err
	}

	return &InventoryUseCase{
		repository:  repository,
		tracer:      tracer,
		writable:    writable,
		adjustments: adjustments,
		rejections:  rejections,
	}, nil
}

// AdjustStock validates req and applies it atomically. A decrement is rejected as a
// whole when any product is missing or short; nothing is written in that case.
func (uc *InventoryUseCase) AdjustStock(ctx context.Context, req StockUpdateRequest) (*AdjustmentResult, error) {
	ctx, span := uc.tracer.Start(ctx, "inventory.adjust_stock")
	defer span.End()

	if !uc.writable {
		return nil, ErrMissingWriteToken
	}

	lines, err := req.Validate()
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("stock.action", string(req.Action)),
		attribute.Int("stock.items", len(lines)),
	)

	merged := mergeLines(lines)
	ids := make([]string, len(merged))
	for i, l := range merged {
		ids[i] = l.ProductID
	}

	products, err := uc.repository.GetProducts(ctx, ids)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	adjustments := make([]Adjustment, 0, len(merged))
	for _, l := range merged {
		p, ok := products[l.ProductID]
		if !ok {
			log.WithField("product_id", l.ProductID).Warn("❌ [STOCK] Product not found")
			return nil, &ProductNotFoundError{ProductID: l.ProductID}
		}

		adj := Adjustment{ProductID: l.ProductID, Quantity: l.Quantity}
		if req.Action == ActionDecrement {
			if p.Stock < l.Quantity {
				uc.rejections.Add(ctx, 1)
				log.WithFields(log.Fields{
					"product_id": p.ID,
					"available":  p.Stock,
					"requested":  l.Quantity,
				}).Warn("❌ [DECREASE] Insufficient stock")
				return nil, &StockError{ProductID: p.ID, ProductName: p.Name, Available: p.Stock, Requested: l.Quantity}
			}
			adj.Revision = p.Revision
		}
		adjustments = append(adjustments, adj)
	}

	res, err := uc.repository.ApplyAdjustments(ctx, req.Action, adjustments)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit failed")
		if req.Action == ActionDecrement && errors.Is(err, docstore.ErrConflict) {
			uc.rejections.Add(ctx, 1)
			return nil, fmt.Errorf("%w: %v", ErrStockConflict, err)
		}
		return nil, err
	}

	uc.adjustments.Add(ctx, int64(len(adjustments)), metric.WithAttributes(attribute.String("action", string(req.Action))))
	log.WithFields(log.Fields{
		"action":   req.Action,
		"products": len(adjustments),
	}).Infof("✅ [STOCK] %sed stock", req.Action)

	return &AdjustmentResult{Action: req.Action, Count: len(lines), Details: res.Results}, nil
}
