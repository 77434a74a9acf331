package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/skillshub-cm/mobile-backend/internal/middleware"
	"github.com/skillshub-cm/mobile-backend/internal/models"
	"github.com/skillshub-cm/mobile-backend/internal/services"
	"go.uber.org/zap"
)

// PaymentHandler handles payment-related HTTP requests
type PaymentHandler struct {
	paymentService services.PaymentService
	logger         *zap.Logger
}

// NewPaymentHandler creates a new PaymentHandler
func NewPaymentHandler(paymentService services.PaymentService, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{
		paymentService: paymentService,
		logger:         logger,
	}
}

// InitiatePaymentRequest is the body of POST /payments
type InitiatePaymentRequest struct {
	Amount             decimal.Decimal `json:"amount"`
	PayerIdentity      string          `json:"payerIdentity"`
	MobileWalletNumber string          `json:"mobileWalletNumber"`
	Memo               string          `json:"memo"`
}

// InitiatePayment handles POST /payments
func (h *PaymentHandler) InitiatePayment(c *gin.Context) {
	var req InitiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	payer, err := callerScope(c, req.PayerIdentity)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	result, err := h.paymentService.Initiate(c.Request.Context(), services.InitiateRequest{
		PayerIdentity: payer,
		WalletNumber:  req.MobileWalletNumber,
		Amount:        req.Amount,
		Memo:          req.Memo,
	})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	status := http.StatusAccepted
	if result.Status == models.StatusSucceeded {
		status = http.StatusCreated
	}
	c.JSON(status, result)
}

// ListPayments handles GET /payments
func (h *PaymentHandler) ListPayments(c *gin.Context) {
	payer, err := callerScope(c, c.Query("payerIdentity"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	payments, err := h.paymentService.ListPayments(c.Request.Context(), payer, page, limit)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, payments)
}

// GetPayment handles GET /payments/:reference
func (h *PaymentHandler) GetPayment(c *gin.Context) {
	tx, err := h.paymentService.GetPayment(c.Request.Context(), middleware.PayerIdentity(c), c.Param("reference"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

// GetEntitlement handles GET /entitlements/me
func (h *PaymentHandler) GetEntitlement(c *gin.Context) {
	entitlement, err := h.paymentService.GetEntitlement(c.Request.Context(), middleware.PayerIdentity(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, entitlement)
}

// callerScope returns the identity a request acts for. A caller may name
// only itself; an empty value means the token's identity.
func callerScope(c *gin.Context, requested string) (string, error) {
	identity := middleware.PayerIdentity(c)
	requested = strings.TrimSpace(requested)
	if requested == "" {
		return identity, nil
	}
	if identity != "" && requested != identity {
		return "", services.ErrForbidden
	}
	return requested, nil
}

// writeError maps service errors to status codes
func writeError(c *gin.Context, logger *zap.Logger, err error) {
	var validation *services.ValidationError
	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": validation.Error(), "field": validation.Field})
	case errors.Is(err, services.ErrInvalidPayload):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrPaymentDeclined):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrUserNotFound),
		errors.Is(err, services.ErrTransactionNotFound),
		errors.Is(err, services.ErrUnknownTransaction):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrGatewayUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		logger.Error("Request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}
