package main

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"

	"github.com/burhankhatib/lanaline/pkg/telemetry"
)

// CustomerHandler serves the document webhook and the user stats action.
type CustomerHandler struct {
	useCase       *SpendUseCase
	tracer        trace.Tracer
	webhookSecret string
	adminKey      string
}

// NewCustomerHandler creates the handler. Empty secrets disable the matching check.
func NewCustomerHandler(useCase *SpendUseCase, tracer trace.Tracer, webhookSecret, adminKey string) *CustomerHandler {
	return &CustomerHandler{
		useCase:       useCase,
		tracer:        tracer,
		webhookSecret: webhookSecret,
		adminKey:      adminKey,
	}
}

// RegisterRoutes mounts every customer route on r.
func (h *CustomerHandler) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", h.HealthCheck)
	r.POST("/api/webhooks/documents", telemetry.RequireKey("X-Webhook-Secret", h.webhookSecret), h.DocumentChanged)
	r.POST("/api/admin/users/:id/recalculate", telemetry.RequireKey("X-API-KEY", h.adminKey), h.Recalculate)
}

// DocumentChanged recomputes the spend of the user behind a changed order.
func (h *CustomerHandler) DocumentChanged(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "document_webhook")
	defer span.End()

	var payload WebhookPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		telemetry.Logger(ctx).WithError(err).Error("❌ [WEBHOOK] Error processing webhook")
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Error processing webhook"})
		return
	}
	if payload.Type != TypeCheckout {
		c.JSON(http.StatusOK, gin.H{"message": "Not a checkout document"})
		return
	}

	summary, err := h.useCase.RecalculateForOrder(ctx, payload.ID)
	if errors.Is(err, ErrUserNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"message": "User not found"})
		return
	}
	if err != nil {
		span.RecordError(err)
		telemetry.Logger(ctx).WithError(err).WithField("order_id", payload.ID).Error("❌ [WEBHOOK] Error processing webhook")
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Error processing webhook"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Success", "userId": summary.UserID, "totalSpent": summary.TotalSpent})
}

// Recalculate is the operator action rebuilding one user's stats.
func (h *CustomerHandler) Recalculate(c *gin.Context) {
	summary, err := h.useCase.Recalculate(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrUserNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"message": "User not found"})
		return
	}
	if err != nil {
		telemetry.Logger(c.Request.Context()).WithError(err).Error("❌ [SPEND] Error recalculating user stats")
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Error recalculating user stats", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"totalOrders": summary.TotalOrders, "totalSpent": summary.TotalSpent})
}

// HealthCheck reports liveness.
func (h *CustomerHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "customers-service"})
}
