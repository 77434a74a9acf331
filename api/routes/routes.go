package routes

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/skillshub-cm/mobile-backend/internal/config"
	"github.com/skillshub-cm/mobile-backend/internal/handlers"
	"github.com/skillshub-cm/mobile-backend/internal/middleware"
	"github.com/skillshub-cm/mobile-backend/internal/services"
	"github.com/skillshub-cm/mobile-backend/internal/telemetry"
	"go.uber.org/zap"
)

// Dependencies are the services the router exposes
type Dependencies struct {
	Payments       services.PaymentService
	Reconciliation services.ReconciliationService
	Resolver       middleware.IdentityResolver
	// Idempotency is optional; nil disables Idempotency-Key handling
	Idempotency middleware.IdempotencyStore
	// Health reports whether the store is reachable; nil means always healthy
	Health func(ctx context.Context) error
	Logger *zap.Logger
}

// SetupRouter sets up the router
func SetupRouter(cfg *config.Config, deps Dependencies) *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(telemetry.TracingMiddleware())
	router.Use(middleware.CORSMiddleware(cfg))
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.LoggerMiddleware(deps.Logger))

	paymentHandler := handlers.NewPaymentHandler(deps.Payments, deps.Logger)
	webhookHandler := handlers.NewWebhookHandler(deps.Reconciliation, cfg.Gateway.WebhookAuthKey, deps.Logger)

	auth := middleware.RequireIdentity(deps.Resolver, deps.Logger)
	initiate := []gin.HandlerFunc{auth}
	if deps.Idempotency != nil {
		initiate = append(initiate, middleware.Idempotency(deps.Idempotency, deps.Logger))
	}
	initiate = append(initiate, paymentHandler.InitiatePayment)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Public routes
	public := router.Group("/api/v1")
	{
		public.GET("/health", func(c *gin.Context) {
			if deps.Health != nil {
				if err := deps.Health(c.Request.Context()); err != nil {
					c.JSON(http.StatusServiceUnavailable, gin.H{
						"status": "unavailable",
						"error":  err.Error(),
					})
					return
				}
			}
			c.JSON(http.StatusOK, gin.H{
				"status": "ok",
			})
		})

		// The processor cannot present a bearer token; notifications carry an auth key instead
		public.POST("/payments/webhook", webhookHandler.HandleNotification)
	}

	// Protected routes
	protected := router.Group("/api/v1")
	{
		protected.POST("/payments", initiate...)
		protected.GET("/payments", auth, paymentHandler.ListPayments)
		protected.GET("/payments/:reference", auth, paymentHandler.GetPayment)
		protected.GET("/entitlements/me", auth, paymentHandler.GetEntitlement)
	}

	// Paths the released mobile client still calls
	legacy := router.Group("/process")
	{
		legacy.POST("/payment", initiate...)
		legacy.POST("/tranzak-webhook", webhookHandler.HandleNotification)
	}

	return router
}
