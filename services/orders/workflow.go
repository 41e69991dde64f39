package main

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// StatusWorkflow moves an order to a new status together with its stock side effect.
type StatusWorkflow interface {
	// Confirm takes the order's stock (unless already taken) and moves it to processing.
	Confirm(ctx context.Context, order *Order) error
	// Transition sets status, restoring stock first when status releases it.
	Transition(ctx context.Context, order *Order, status OrderStatus) error
}

// DirectWorkflow calls the inventory service and patches the order itself, compensating
// the stock change when the order write fails.
type DirectWorkflow struct {
	repo  Repository
	stock StockClient
}

// NewDirectWorkflow creates a DirectWorkflow.
func NewDirectWorkflow(repo Repository, stock StockClient) *DirectWorkflow {
	return &DirectWorkflow{repo: repo, stock: stock}
}

func (w *DirectWorkflow) Confirm(ctx context.Context, order *Order) error {
	ids, quantities := order.StockItems()
	logger := log.WithFields(log.Fields{"order_id": order.ID, "order_number": order.OrderNumber})

	decremented := false
	if !order.StockDecremented {
		if err := w.stock.Decrement(ctx, ids, quantities); err != nil {
			logger.WithError(err).Warn("❌ [CONFIRM] Stock decrement refused")
			return fmt.Errorf("failed to decrement stock: %w", err)
		}
		decremented = true
		logger.Info("📦 [CONFIRM] Stock decremented")
	}

	err := w.repo.UpdateOrderStatus(ctx, OrderStatusUpdate{
		ID:               order.ID,
		Revision:         order.Revision,
		Status:           StatusProcessing,
		StockDecremented: true,
	})
	if err == nil {
		return nil
	}

	if decremented {
		if rerr := w.stock.Increment(ctx, ids, quantities); rerr != nil {
			logger.WithError(rerr).Error("❌ [CONFIRM] Stock could not be given back after a failed status update")
			return fmt.Errorf("%w (stock not restored: %v)", err, rerr)
		}
		logger.Info("↩️ [CONFIRM] Stock given back after a failed status update")
	}
	return err
}

func (w *DirectWorkflow) Transition(ctx context.Context, order *Order, status OrderStatus) error {
	ids, quantities := order.StockItems()
	logger := log.WithFields(log.Fields{"order_id": order.ID, "from": order.Status, "to": status})

	restore := status.ReleasesStock() && order.StockDecremented && len(ids) > 0
	if restore {
		if err := w.stock.Increment(ctx, ids, quantities); err != nil {
			logger.WithError(err).Error("❌ [STATUS] Stock restoration failed, status left unchanged")
			return fmt.Errorf("%w: %w", ErrStockRestoreFailed, err)
		}
		logger.Info("📦 [STATUS] Stock restored")
	}

	err := w.repo.UpdateOrderStatus(ctx, OrderStatusUpdate{
		ID:               order.ID,
		Revision:         order.Revision,
		Status:           status,
		StockDecremented: order.StockDecremented && !restore,
	})
	if err == nil {
		return nil
	}

	if restore {
		if rerr := w.stock.Decrement(ctx, ids, quantities); rerr != nil {
			logger.WithError(rerr).Error("❌ [STATUS] Restored stock could not be taken back after a failed status update")
			return fmt.Errorf("%w (restored stock not taken back: %v)", err, rerr)
		}
	}
	return err
}
