package main

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/burhankhatib/lanaline/pkg/docstore"
)

// OrderUseCase holds the order business logic.
type OrderUseCase struct {
	repo     Repository
	stock    StockClient
	workflow StatusWorkflow
	policy   StockPolicy
	currency string
	tracer   trace.Tracer
	now      func() time.Time

	ordersCreated metric.Int64Counter
	statusChanges metric.Int64Counter
}

// Options are the order policies read from configuration.
type Options struct {
	Policy   StockPolicy
	Currency string
}

// NewOrderUseCase creates an OrderUseCase.
func NewOrderUseCase(repo Repository, stock StockClient, workflow StatusWorkflow, tracer trace.Tracer, meter metric.Meter, opts Options) (*OrderUseCase, error) {
	switch opts.Policy {
	case PolicyOnConfirm, PolicyOnCheckout:
	case "":
		opts.Policy = PolicyOnConfirm
	default:
		return nil, fmt.Errorf("unknown stock policy %q", opts.Policy)
	}
	if opts.Currency == "" {
		opts.Currency = "AED"
	}

	created, err := meter.Int64Counter("orders.created", metric.WithDescription("Orders placed"))
	if err != nil {
		return nil, fmt.Errorf("creating orders counter: %w", err)
	}
	changes, err := meter.Int64Counter("orders.status_changes", metric.WithDescription("Order status changes by operators"))
	if err != nil {
		return nil, fmt.Errorf("creating status counter: %w", err)
	}

	return &OrderUseCase{
		repo:          repo,
		stock:         stock,
		workflow:      workflow,
		policy:        opts.Policy,
		currency:      opts.Currency,
		tracer:        tracer,
		now:           time.Now,
		ordersCreated: created,
		statusChanges: changes,
	}, nil
}

// PlaceOrder prices the cart, creates the user on their first order and stores a pending
// order linked to them.
func (uc *OrderUseCase) PlaceOrder(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	ctx, span := uc.tracer.Start(ctx, "place_order")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", req.UserID), attribute.Int("items", len(req.Items)))

	now := uc.now()
	lines, err := uc.priceItems(ctx, req.Items, now)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	customer, err := uc.repo.FindCustomer(ctx, req.UserID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if customer == nil {
		customer = &Customer{
			UserID:    req.UserID,
			FirstName: req.FirstName,
			LastName:  req.LastName,
			Email:     req.Email,
			Phone:     req.Phone,
			Address:   req.ShippingAddress,
			Country:   req.ShippingAddress.Country,
			Currency:  uc.currency,
		}
	}

	order := &Order{
		OrderNumber:     NewOrderNumber(now),
		Items:           lines,
		TotalAmount:     Total(lines).InexactFloat64(),
		Status:          StatusPending,
		ShippingAddress: req.ShippingAddress,
		PaymentMethod:   req.PaymentMethod,
	}
	logger := log.WithFields(log.Fields{"order_number": order.OrderNumber, "user_id": req.UserID})

	if uc.policy == PolicyOnCheckout {
		ids, quantities := order.StockItems()
		if err := uc.stock.Decrement(ctx, ids, quantities); err != nil {
			span.RecordError(err)
			logger.WithError(err).Warn("❌ [CHECKOUT] Stock decrement refused")
			return nil, fmt.Errorf("failed to decrement stock: %w", err)
		}
		order.StockDecremented = true
	}

	if err := uc.repo.PlaceOrder(ctx, customer, order); err != nil {
		span.RecordError(err)
		if order.StockDecremented {
			ids, quantities := order.StockItems()
			if rerr := uc.stock.Increment(ctx, ids, quantities); rerr != nil {
				logger.WithError(rerr).Error("❌ [CHECKOUT] Stock could not be given back for an order that was not stored")
			}
		}
		return nil, err
	}

	uc.ordersCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("stock_policy", string(uc.policy))))
	logger.WithFields(log.Fields{"order_id": order.ID, "total": order.TotalAmount}).Info("✅ [CHECKOUT] Order created")

	return &CheckoutResult{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		TotalAmount: order.TotalAmount,
		Status:      order.Status,
	}, nil
}

// priceItems snapshots price and SKU of every cart line. Missing and hidden products are
// rejected.
func (uc *OrderUseCase) priceItems(ctx context.Context, items []CheckoutItem, now time.Time) ([]OrderLine, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: the cart is empty", ErrInvalidRequest)
	}

	ids := make([]string, 0, len(items))
	for i, item := range items {
		if item.ProductID == "" || item.Quantity < 1 {
			return nil, fmt.Errorf("%w: invalid item at index %d", ErrInvalidRequest, i)
		}
		ids = append(ids, item.ProductID)
	}

	products, err := uc.repo.GetProducts(ctx, ids)
	if err != nil {
		return nil, err
	}

	lines := make([]OrderLine, 0, len(items))
	for _, item := range items {
		p, ok := products[item.ProductID]
		if !ok {
			return nil, fmt.Errorf("%w: product %s not found", ErrProductUnavailable, item.ProductID)
		}
		if !p.Visible() {
			return nil, fmt.Errorf("%w: product %s is not for sale", ErrProductUnavailable, item.ProductID)
		}
		lines = append(lines, OrderLine{
			Key:      docstore.NewKey(),
			Product:  docstore.NewReference(p.ID),
			Quantity: item.Quantity,
			Price:    p.EffectivePrice(now).InexactFloat64(),
			SKU:      p.SKU,
		})
	}
	return lines, nil
}

// GetOrder returns an order by document id.
func (uc *OrderUseCase) GetOrder(ctx context.Context, id string) (*Order, error) {
	return uc.repo.GetOrder(ctx, id)
}

// Actions lists what an operator can do with the order.
func (uc *OrderUseCase) Actions(ctx context.Context, id string) ([]OrderAction, error) {
	order, err := uc.repo.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	return ActionsFor(order), nil
}

// ConfirmOrder moves a pending order to processing, taking its stock.
func (uc *OrderUseCase) ConfirmOrder(ctx context.Context, id string) (*Order, error) {
	ctx, span := uc.tracer.Start(ctx, "confirm_order")
	defer span.End()
	span.SetAttributes(attribute.String("order_id", id))

	order, err := uc.repo.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if order.Status != StatusPending {
		return nil, fmt.Errorf("%w: order %s is %s", ErrActionNotAllowed, order.OrderNumber, order.Status)
	}
	if ids, _ := order.StockItems(); len(ids) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoStockItems, order.OrderNumber)
	}

	log.WithFields(log.Fields{"order_id": id, "order_number": order.OrderNumber}).Info("➡️ [CONFIRM] Confirming order")
	if err := uc.workflow.Confirm(ctx, order); err != nil {
		span.RecordError(err)
		return nil, err
	}

	uc.statusChanges.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(StatusProcessing))))
	log.WithField("order_id", id).Info("✅ [CONFIRM] Order confirmed")
	return uc.repo.GetOrder(ctx, id)
}

// UpdateStatus sets any known status. Cancelling or refunding an order whose stock was
// taken restores the stock first; when that fails the status is left alone.
func (uc *OrderUseCase) UpdateStatus(ctx context.Context, id, status string) (*Order, error) {
	ctx, span := uc.tracer.Start(ctx, "update_order_status")
	defer span.End()
	span.SetAttributes(attribute.String("order_id", id), attribute.String("status", status))

	target, err := ParseOrderStatus(status)
	if err != nil {
		return nil, err
	}
	order, err := uc.repo.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{"order_id": id, "from": order.Status, "to": target}).Info("➡️ [STATUS] Updating order status")
	if err := uc.workflow.Transition(ctx, order, target); err != nil {
		span.RecordError(err)
		return nil, err
	}

	uc.statusChanges.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(target))))
	log.WithFields(log.Fields{"order_id": id, "status": target}).Info("✅ [STATUS] Order status updated")
	return uc.repo.GetOrder(ctx, id)
}

// ApplySagaStatus is the order branch of a status saga. The compensation puts back the
// status and stock flag the order had before the saga.
func (uc *OrderUseCase) ApplySagaStatus(ctx context.Context, req SagaStatusRequest, compensate bool) error {
	update := OrderStatusUpdate{ID: req.OrderID, Status: req.Status, StockDecremented: req.StockDecremented}
	if compensate {
		if req.PreviousStatus == "" {
			// nothing to restore
			return nil
		}
		update.Status = req.PreviousStatus
		update.StockDecremented = req.PreviousStockDecremented
	}

	if _, err := ParseOrderStatus(string(update.Status)); err != nil {
		return err
	}
	return uc.repo.UpdateOrderStatus(ctx, update)
}
