package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/dtm-labs/client/dtmcli"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/burhankhatib/lanaline/pkg/sagabarrier"
	"github.com/burhankhatib/lanaline/pkg/telemetry"
)

const (
	msgMissingToken   = "Configuration error: API token is missing for stock management."
	msgInvalidItems   = "Invalid productIds or quantities. They must be arrays of the same length."
	msgInvalidAction  = `Invalid action. Must be "decrement" or "increment".`
	msgStockConflict  = "Insufficient stock to perform decrement. The operation failed due to stock constraints."
	msgUpdateFailed   = "Error updating stock."
	msgInvalidItemFmt = "Invalid productId or quantity for item at index %d."
	msgNotFoundFmt    = "Product with ID %s not found."
)

// InventoryHandler serves the stock endpoints.
type InventoryHandler struct {
	useCase   *InventoryUseCase
	barrier   sagabarrier.Barrier
	tracer    trace.Tracer
	branchKey string
}

// NewInventoryHandler creates the handler. The saga branch endpoints are only served
// when barrier is not nil, and require branchKey when it is set.
func NewInventoryHandler(useCase *InventoryUseCase, barrier sagabarrier.Barrier, tracer trace.Tracer, branchKey string) *InventoryHandler {
	return &InventoryHandler{
		useCase:   useCase,
		barrier:   barrier,
		tracer:    tracer,
		branchKey: branchKey,
	}
}

// RegisterRoutes mounts every inventory route on r.
func (h *InventoryHandler) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", h.HealthCheck)
	r.POST("/api/manage-stock", h.ManageStock)

	if h.barrier == nil {
		return
	}
	saga := r.Group("/api/inventory/saga", telemetry.RequireKey(sagabarrier.BranchKeyHeader, h.branchKey))
	saga.POST("/decrement", h.SagaDecrement)
	saga.POST("/increment", h.SagaIncrement)
}

// ManageStock increments or decrements the stock of several products in one transaction.
func (h *InventoryHandler) ManageStock(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "manage_stock")
	defer span.End()

	var req StockUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		// the write credential is checked before the body
		if !h.useCase.writable {
			c.JSON(http.StatusInternalServerError, gin.H{"message": msgMissingToken})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"message": msgInvalidItems})
		return
	}

	res, err := h.useCase.AdjustStock(ctx, req)
	if err != nil {
		span.RecordError(err)
		status, body := stockErrorResponse(err)
		if status >= http.StatusInternalServerError {
			log.WithError(err).Error("❌ [STOCK] Error updating stock")
		}
		c.JSON(status, body)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": fmt.Sprintf("Stock %sed successfully for %d products.", res.Action, res.Count),
		"details": res.Details,
	})
}

func stockErrorResponse(err error) (int, gin.H) {
	var (
		itemErr     *ItemError
		notFoundErr *ProductNotFoundError
		stockErr    *StockError
	)
	switch {
	case errors.Is(err, ErrMissingWriteToken):
		return http.StatusInternalServerError, gin.H{"message": msgMissingToken}
	case errors.Is(err, ErrMismatchedItems):
		return http.StatusBadRequest, gin.H{"message": msgInvalidItems}
	case errors.Is(err, ErrInvalidAction):
		return http.StatusBadRequest, gin.H{"message": msgInvalidAction}
	case errors.As(err, &itemErr):
		return http.StatusBadRequest, gin.H{"message": fmt.Sprintf(msgInvalidItemFmt, itemErr.Index)}
	case errors.As(err, &notFoundErr):
		return http.StatusNotFound, gin.H{"message": fmt.Sprintf(msgNotFoundFmt, notFoundErr.ProductID)}
	case errors.As(err, &stockErr):
		return http.StatusBadRequest, gin.H{"message": stockErr.Error()}
	case errors.Is(err, ErrStockConflict):
		return http.StatusBadRequest, gin.H{"message": msgStockConflict}
	}
	return http.StatusInternalServerError, gin.H{"message": msgUpdateFailed, "error": err.Error()}
}

// SagaDecrement is the saga action reserving stock for an order.
func (h *InventoryHandler) SagaDecrement(c *gin.Context) {
	h.sagaBranch(c, "saga_decrement_stock", ActionDecrement)
}

// SagaIncrement is the saga compensation (or cancellation action) returning stock.
func (h *InventoryHandler) SagaIncrement(c *gin.Context) {
	h.sagaBranch(c, "saga_increment_stock", ActionIncrement)
}

func (h *InventoryHandler) sagaBranch(c *gin.Context, operation string, action StockAction) {
	var req SagaStockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	ctx, span := startSpanFromPayload(c.Request.Context(), h.tracer, operation, req)
	defer span.End()
	span.SetAttributes(
		attribute.String("order_id", req.OrderID),
		attribute.String("dtm.gid", c.Query("gid")),
		attribute.String("dtm.op", c.Query("op")),
	)

	log.WithFields(log.Fields{"order_id": req.OrderID, "gid": c.Query("gid"), "op": c.Query("op")}).
		Infof("➡️ [SAGA %s] Stock branch", action)

	busi := func(*sql.Tx) error {
		_, err := h.useCase.AdjustStock(ctx, req.toUpdate(action))
		return err
	}

	if err := h.barrier.Call(c.Request.URL.Query(), busi); err != nil {
		span.RecordError(err)
		if isBusinessFailure(err) {
			log.WithFields(log.Fields{"order_id": req.OrderID, "error": err}).Warn("❌ [SAGA] Stock branch failed")
			c.JSON(http.StatusConflict, gin.H{"dtm_result": dtmcli.ResultFailure, "message": err.Error()})
			return
		}
		log.WithFields(log.Fields{"order_id": req.OrderID, "error": err}).Error("❌ [SAGA] Stock branch error, dtm will retry")
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}

	log.WithField("order_id", req.OrderID).Infof("✅ [SAGA %s] Success", action)
	c.JSON(http.StatusOK, gin.H{"dtm_result": dtmcli.ResultSuccess})
}

// isBusinessFailure reports errors that retrying cannot fix; dtm rolls the saga back.
func isBusinessFailure(err error) bool {
	return errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrStockConflict) ||
		errors.Is(err, ErrProductNotFound) ||
		errors.Is(err, ErrInvalidItem) ||
		errors.Is(err, ErrMismatchedItems) ||
		errors.Is(err, sagabarrier.ErrInvalidBranch)
}

// HealthCheck reports liveness.
func (h *InventoryHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "inventory-service"})
}

// startSpanFromPayload continues the request's trace, falling back to the trace ids
// carried in the saga payload.
func startSpanFromPayload(ctx context.Context, tracer trace.Tracer, operation string, req SagaStockRequest) (context.Context, trace.Span) {
	if req.TraceID != "" && req.SpanID != "" && !trace.SpanContextFromContext(ctx).IsValid() {
		traceID, errT := trace.TraceIDFromHex(req.TraceID)
		spanID, errS := trace.SpanIDFromHex(req.SpanID)
		if errT == nil && errS == nil {
			ctx = trace.ContextWithRemoteSpanContext(ctx, trace.NewSpanContext(trace.SpanContextConfig{
				TraceID:    traceID,
				SpanID:     spanID,
				TraceFlags: trace.FlagsSampled,
				Remote:     true,
			}))
		}
	}
	return tracer.Start(ctx, operation)
}
