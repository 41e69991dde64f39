package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dtm-labs/client/dtmcli"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/burhankhatib/lanaline/pkg/sagabarrier"
)

// ErrWorkflowRolledBack means a saga branch refused its work and dtm compensated the rest.
var ErrWorkflowRolledBack = errors.New("order workflow rolled back")

// DTMSagaWorkflow runs status changes that touch stock as dtm sagas: an inventory branch
// and an order status branch, each with its compensation.
type DTMSagaWorkflow struct {
	repo         Repository
	dtmServer    string
	serviceURL   string
	inventoryURL string
	branchKey    string
	tracer       trace.Tracer
}

// NewDTMSagaWorkflow creates the saga workflow. serviceURL is where dtm reaches this
// service, inventoryURL the inventory service. dtm sends branchKey with every branch call.
func NewDTMSagaWorkflow(repo Repository, dtmServer, serviceURL, inventoryURL, branchKey string, tracer trace.Tracer) *DTMSagaWorkflow {
	return &DTMSagaWorkflow{
		repo:         repo,
		dtmServer:    dtmServer,
		serviceURL:   strings.TrimRight(serviceURL, "/"),
		inventoryURL: strings.TrimRight(inventoryURL, "/"),
		branchKey:    branchKey,
		tracer:       tracer,
	}
}

func (w *DTMSagaWorkflow) Confirm(ctx context.Context, order *Order) error {
	ids, quantities := order.StockItems()

	return w.submit(ctx, "confirm", order, func(saga *dtmcli.Saga, traceID, spanID string) {
		if !order.StockDecremented {
			saga.Add(
				w.inventoryURL+"/api/inventory/saga/decrement",
				w.inventoryURL+"/api/inventory/saga/increment",
				&SagaStockRequest{OrderID: order.ID, ProductIDs: ids, Quantities: quantities, TraceID: traceID, SpanID: spanID},
			)
		}
		saga.Add(
			w.serviceURL+"/api/orders/saga/status",
			w.serviceURL+"/api/orders/saga/status/compensate",
			&SagaStatusRequest{
				OrderID:                  order.ID,
				Status:                   StatusProcessing,
				PreviousStatus:           order.Status,
				StockDecremented:         true,
				PreviousStockDecremented: order.StockDecremented,
				TraceID:                  traceID,
				SpanID:                   spanID,
			},
		)
	})
}

func (w *DTMSagaWorkflow) Transition(ctx context.Context, order *Order, status OrderStatus) error {
	ids, quantities := order.StockItems()
	restore := status.ReleasesStock() && order.StockDecremented && len(ids) > 0
	if !restore {
		// nothing to coordinate
		return w.repo.UpdateOrderStatus(ctx, OrderStatusUpdate{
			ID:               order.ID,
			Revision:         order.Revision,
			Status:           status,
			StockDecremented: order.StockDecremented,
		})
	}

	return w.submit(ctx, "transition", order, func(saga *dtmcli.Saga, traceID, spanID string) {
		saga.Add(
			w.inventoryURL+"/api/inventory/saga/increment",
			w.inventoryURL+"/api/inventory/saga/decrement",
			&SagaStockRequest{OrderID: order.ID, ProductIDs: ids, Quantities: quantities, TraceID: traceID, SpanID: spanID},
		).Add(
			w.serviceURL+"/api/orders/saga/status",
			w.serviceURL+"/api/orders/saga/status/compensate",
			&SagaStatusRequest{
				OrderID:                  order.ID,
				Status:                   status,
				PreviousStatus:           order.Status,
				StockDecremented:         false,
				PreviousStockDecremented: order.StockDecremented,
				TraceID:                  traceID,
				SpanID:                   spanID,
			},
		)
	})
}

func (w *DTMSagaWorkflow) submit(ctx context.Context, operation string, order *Order, build func(saga *dtmcli.Saga, traceID, spanID string)) error {
	gid, err := newGid(w.dtmServer)
	if err != nil {
		return err
	}

	ctx, span := w.tracer.Start(ctx, "dtm.saga."+operation)
	defer span.End()
	span.SetAttributes(
		attribute.String("dtm.gid", gid),
		attribute.String("dtm.operation", operation),
		attribute.String("order_id", order.ID),
	)

	logger := log.WithFields(log.Fields{"gid": gid, "order_id": order.ID, "operation": operation})
	logger.Info("🚀 Starting SAGA")

	traceID, spanID := traceIDs(ctx)
	saga := dtmcli.NewSaga(w.dtmServer, gid)
	build(saga, traceID, spanID)
	saga.WaitResult = true
	if w.branchKey != "" {
		saga.BranchHeaders = map[string]string{sagabarrier.BranchKeyHeader: w.branchKey}
	}

	if err := saga.Submit(); err != nil {
		span.RecordError(err)
		if rolledBack(err) {
			logger.WithError(err).Warn("↩️ SAGA rolled back")
			return fmt.Errorf("%w: %v", ErrWorkflowRolledBack, err)
		}
		logger.WithError(err).Error("❌ SAGA failed")
		return fmt.Errorf("%w: %v", ErrWorkflowFailed, err)
	}

	logger.Info("✅ SAGA finished")
	return nil
}

// rolledBack reports whether dtm answered the submit with a FAILURE result. dtmcli returns
// the response body as the error text.
func rolledBack(err error) bool {
	if errors.Is(err, dtmcli.ErrFailure) {
		return true
	}
	var body struct {
		Result string `json:"dtm_result"`
	}
	if json.Unmarshal([]byte(err.Error()), &body) != nil {
		return false
	}
	return body.Result == dtmcli.ResultFailure
}

// newGid asks dtm for a global transaction id. MustGenGid panics when dtm is unreachable.
func newGid(server string) (gid string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: generating gid: %v", ErrWorkflowFailed, r)
		}
	}()
	return dtmcli.MustGenGid(server), nil
}

// traceIDs returns the ids of the current span; dtm does not forward trace headers.
func traceIDs(ctx context.Context) (string, string) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}
