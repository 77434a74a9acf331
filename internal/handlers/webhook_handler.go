package handlers

import (
	"crypto/subtle"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/skillshub-cm/mobile-backend/internal/services"
	"github.com/skillshub-cm/mobile-backend/pkg/paymentgateway"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

// WebhookHandler receives payment processor notifications
type WebhookHandler struct {
	reconciler services.ReconciliationService
	authKey    string
	logger     *zap.Logger
}

// NewWebhookHandler creates a new WebhookHandler. An empty authKey accepts
// unauthenticated notifications.
func NewWebhookHandler(reconciler services.ReconciliationService, authKey string, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		reconciler: reconciler,
		authKey:    authKey,
		logger:     logger,
	}
}

// HandleNotification handles POST /payments/webhook. Anything but a 200 makes
// the processor deliver again, so only failures worth retrying get a 5xx.
func (h *WebhookHandler) HandleNotification(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read request body"})
		return
	}

	parsed, err := paymentgateway.ParseWebhook(body)
	if err != nil {
		h.logger.Warn("Unparseable webhook", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if h.authKey != "" && subtle.ConstantTimeCompare([]byte(parsed.AuthKey), []byte(h.authKey)) != 1 {
		h.logger.Warn("Webhook with invalid auth key",
			zap.String("reference", parsed.Reference),
			zap.String("client_ip", c.ClientIP()),
		)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid webhook auth key"})
		return
	}

	result, err := h.reconciler.Reconcile(c.Request.Context(), services.Notification{
		EventID:          parsed.EventID,
		EventType:        parsed.EventType,
		Reference:        parsed.Reference,
		GatewayRequestID: parsed.GatewayRequestID,
		Status:           parsed.Status,
		Payload:          body,
	})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"received":  true,
		"reference": result.Reference,
		"outcome":   result.Outcome,
		"status":    result.Status,
	})
}
