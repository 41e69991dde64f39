package main

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/burhankhatib/lanaline/pkg/changefeed"
)

// SpendUseCase keeps user.totalSpent equal to the sum of the user's non-cancelled orders.
type SpendUseCase struct {
	repo       Repository
	locker     Locker
	tracer     trace.Tracer
	recomputes metric.Int64Counter
}

// NewSpendUseCase creates a SpendUseCase. A nil locker disables locking.
func NewSpendUseCase(repo Repository, locker Locker, tracer trace.Tracer, meter metric.Meter) (*SpendUseCase, error) {
	if locker == nil {
		locker = NopLocker{}
	}
	recomputes, err := meter.Int64Counter("customers.spend.recomputations", metric.WithDescription("Total spent recomputations"))
	if err != nil {
		return nil, fmt.Errorf("creating recompute counter: %w", err)
	}
	return &SpendUseCase{repo: repo, locker: locker, tracer: tracer, recomputes: recomputes}, nil
}

// RecalculateForOrder recomputes the spend of the user owning orderID.
func (uc *SpendUseCase) RecalculateForOrder(ctx context.Context, orderID string) (*SpendSummary, error) {
	ctx, span := uc.tracer.Start(ctx, "recalculate_for_order")
	defer span.End()
	span.SetAttributes(attribute.String("order_id", orderID))

	userID, err := uc.repo.FindUserForOrder(ctx, orderID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return uc.Recalculate(ctx, userID)
}

// Recalculate rebuilds totalSpent from scratch. Runs for the same user hold the same lock.
func (uc *SpendUseCase) Recalculate(ctx context.Context, userID string) (*SpendSummary, error) {
	ctx, span := uc.tracer.Start(ctx, "recalculate_spend")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID))

	if err := uc.repo.UserExists(ctx, userID); err != nil {
		return nil, err
	}

	unlock, err := uc.locker.Lock(ctx, "user-spend:"+userID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer unlock()

	totals, err := uc.repo.OrderTotals(ctx, userID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	total := SumTotals(totals).InexactFloat64()

	if err := uc.repo.SetTotalSpent(ctx, userID, total); err != nil {
		span.RecordError(err)
		return nil, err
	}

	uc.recomputes.Add(ctx, 1)
	log.WithFields(log.Fields{"user_id": userID, "orders": len(totals), "total_spent": total}).
		Info("✅ [SPEND] Total spent updated")

	return &SpendSummary{UserID: userID, TotalOrders: len(totals), TotalSpent: total}, nil
}

// HandleEvent applies a change feed event. Events for documents other than orders and
// orders without a user are skipped.
func (uc *SpendUseCase) HandleEvent(ctx context.Context, ev changefeed.Event) error {
	if ev.Type != TypeCheckout {
		return nil
	}

	var err error
	if ev.User != "" {
		_, err = uc.Recalculate(ctx, ev.User)
	} else {
		_, err = uc.RecalculateForOrder(ctx, ev.ID)
	}
	if errors.Is(err, ErrUserNotFound) {
		log.WithFields(log.Fields{"order_id": ev.ID, "user_id": ev.User}).Warn("⚠️ [SPEND] Order has no user, skipping")
		return nil
	}
	return err
}
