package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/dtm-labs/client/dtmcli"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/burhankhatib/lanaline/pkg/docstore"
	"github.com/burhankhatib/lanaline/pkg/sagabarrier"
	"github.com/burhankhatib/lanaline/pkg/telemetry"
)

// OrderHandler serves checkout, admin actions and the order saga branch.
type OrderHandler struct {
	useCase   *OrderUseCase
	barrier   sagabarrier.Barrier
	tracer    trace.Tracer
	adminKey  string
	branchKey string
}

// NewOrderHandler creates the handler. An empty adminKey leaves the admin routes open.
// The saga branch routes are only served when barrier is not nil, behind branchKey.
func NewOrderHandler(useCase *OrderUseCase, barrier sagabarrier.Barrier, tracer trace.Tracer, adminKey, branchKey string) *OrderHandler {
	return &OrderHandler{
		useCase:   useCase,
		barrier:   barrier,
		tracer:    tracer,
		adminKey:  adminKey,
		branchKey: branchKey,
	}
}

// RegisterRoutes mounts every order route on r.
func (h *OrderHandler) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", h.HealthCheck)

	r.POST("/api/orders", h.PlaceOrder)
	r.GET("/api/orders/:id", h.GetOrder)

	admin := r.Group("/api/admin/orders", telemetry.RequireKey("X-API-KEY", h.adminKey))
	admin.GET("/:id/actions", h.Actions)
	admin.POST("/:id/confirm", h.Confirm)
	admin.POST("/:id/status", h.UpdateStatus)

	if h.barrier == nil {
		return
	}
	saga := r.Group("/api/orders/saga", telemetry.RequireKey(sagabarrier.BranchKeyHeader, h.branchKey))
	saga.POST("/status", h.SagaStatus)
	saga.POST("/status/compensate", h.SagaStatusCompensate)
}

// PlaceOrder creates an order from the checkout form.
func (h *OrderHandler) PlaceOrder(c *gin.Context) {
	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid order request.", "error": err.Error()})
		return
	}

	res, err := h.useCase.PlaceOrder(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "❌ [CHECKOUT] Error creating order", err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// GetOrder returns the order document.
func (h *OrderHandler) GetOrder(c *gin.Context) {
	order, err := h.useCase.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "❌ Error fetching order", err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// Actions lists the operator actions for the order.
func (h *OrderHandler) Actions(c *gin.Context) {
	actions, err := h.useCase.Actions(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "❌ Error listing order actions", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"actions": actions})
}

// Confirm runs "Confirm Order & Update Stock".
func (h *OrderHandler) Confirm(c *gin.Context) {
	order, err := h.useCase.ConfirmOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "❌ [CONFIRM] Error confirming order", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Order confirmed and stock updated.", "order": order})
}

// UpdateStatus runs "Process Status".
func (h *OrderHandler) UpdateStatus(c *gin.Context) {
	var req StatusChange
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "A status is required."})
		return
	}

	order, err := h.useCase.UpdateStatus(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		h.fail(c, "❌ [STATUS] Error updating order status", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Order status updated to " + string(order.Status) + ".", "order": order})
}

func (h *OrderHandler) fail(c *gin.Context, msg string, err error) {
	status, body := orderErrorResponse(err)
	entry := telemetry.Logger(c.Request.Context()).WithError(err).WithField("order_id", c.Param("id"))
	if status >= http.StatusInternalServerError {
		entry.Error(msg)
	} else {
		entry.Warn(msg)
	}
	c.JSON(status, body)
}

func orderErrorResponse(err error) (int, gin.H) {
	var rejected *StockRejectedError
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrInvalidStatus),
		errors.Is(err, ErrProductUnavailable), errors.Is(err, ErrNoStockItems):
		return http.StatusBadRequest, gin.H{"message": err.Error()}
	case errors.Is(err, ErrOrderNotFound):
		return http.StatusNotFound, gin.H{"message": "Order not found."}
	case errors.Is(err, ErrStockRestoreFailed):
		return http.StatusBadGateway, gin.H{"message": "Failed to restore stock. The order status was not changed.", "error": err.Error()}
	case errors.As(err, &rejected):
		return http.StatusConflict, gin.H{"message": rejected.Message}
	case errors.Is(err, ErrActionNotAllowed):
		return http.StatusConflict, gin.H{"message": err.Error()}
	case errors.Is(err, docstore.ErrConflict):
		return http.StatusConflict, gin.H{"message": "The order was changed by someone else. Reload and try again."}
	case errors.Is(err, ErrWorkflowRolledBack):
		return http.StatusConflict, gin.H{"message": "The order workflow was rolled back.", "error": err.Error()}
	case errors.Is(err, ErrInventoryUnavailable), errors.Is(err, ErrWorkflowFailed):
		return http.StatusBadGateway, gin.H{"message": "Inventory update failed.", "error": err.Error()}
	}
	return http.StatusInternalServerError, gin.H{"message": "Error processing order.", "error": err.Error()}
}

// SagaStatus is the saga action setting the order status.
func (h *OrderHandler) SagaStatus(c *gin.Context) {
	h.sagaBranch(c, "saga_order_status", false)
}

// SagaStatusCompensate puts the previous status back.
func (h *OrderHandler) SagaStatusCompensate(c *gin.Context) {
	h.sagaBranch(c, "saga_order_status_compensate", true)
}

func (h *OrderHandler) sagaBranch(c *gin.Context, operation string, compensate bool) {
	var req SagaStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	ctx, span := startSpanFromPayload(c.Request.Context(), h.tracer, operation, req.TraceID, req.SpanID)
	defer span.End()
	span.SetAttributes(
		attribute.String("order_id", req.OrderID),
		attribute.String("dtm.gid", c.Query("gid")),
		attribute.Bool("compensate", compensate),
	)
	logger := log.WithFields(log.Fields{"order_id": req.OrderID, "gid": c.Query("gid"), "compensate": compensate})
	logger.Info("➡️ [SAGA] Order status branch")

	busi := func(*sql.Tx) error {
		return h.useCase.ApplySagaStatus(ctx, req, compensate)
	}

	if err := h.barrier.Call(c.Request.URL.Query(), busi); err != nil {
		span.RecordError(err)
		if !compensate && (errors.Is(err, ErrOrderNotFound) || errors.Is(err, ErrInvalidStatus) || errors.Is(err, sagabarrier.ErrInvalidBranch)) {
			logger.WithError(err).Warn("❌ [SAGA] Order status branch failed")
			c.JSON(http.StatusConflict, gin.H{"dtm_result": dtmcli.ResultFailure, "message": err.Error()})
			return
		}
		logger.WithError(err).Error("❌ [SAGA] Order status branch error, dtm will retry")
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}

	logger.Info("✅ [SAGA] Order status branch done")
	c.JSON(http.StatusOK, gin.H{"dtm_result": dtmcli.ResultSuccess})
}

// HealthCheck reports liveness.
func (h *OrderHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "orders-service"})
}

// startSpanFromPayload continues the saga's trace when the request carries none.
func startSpanFromPayload(ctx context.Context, tracer trace.Tracer, operation, traceID, spanID string) (context.Context, trace.Span) {
	if traceID != "" && spanID != "" && !trace.SpanContextFromContext(ctx).IsValid() {
		tid, errT := trace.TraceIDFromHex(traceID)
		sid, errS := trace.SpanIDFromHex(spanID)
		if errT == nil && errS == nil {
			ctx = trace.ContextWithRemoteSpanContext(ctx, trace.NewSpanContext(trace.SpanContextConfig{
				TraceID:    tid,
				SpanID:     sid,
				TraceFlags: trace.FlagsSampled,
				Remote:     true,
			}))
		}
	}
	return tracer.Start(ctx, operation)
}
