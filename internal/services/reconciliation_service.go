package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/skillshub-cm/mobile-backend/internal/models"
	"github.com/skillshub-cm/mobile-backend/internal/repositories"
	"github.com/skillshub-cm/mobile-backend/internal/telemetry"
	"github.com/skillshub-cm/mobile-backend/pkg/paymentgateway"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var _ ReconciliationService = (*ReconciliationServiceImpl)(nil)

// ReconciliationConfig holds reconciliation rules
type ReconciliationConfig struct {
	// VerifyUnconfirmed re-queries the gateway before trusting a success
	// notification whose request id does not match the stored one
	VerifyUnconfirmed bool
	GatewayTimeout    time.Duration
}

// ReconciliationServiceImpl implements ReconciliationService
type ReconciliationServiceImpl struct {
	transactions repositories.TransactionRepository
	webhooks     repositories.WebhookEventRepository
	gateway      paymentgateway.Gateway
	transitions  *TransitionService
	cfg          ReconciliationConfig
	logger       *zap.Logger
}

// NewReconciliationService creates a new ReconciliationServiceImpl
func NewReconciliationService(
	transactions repositories.TransactionRepository,
	webhooks repositories.WebhookEventRepository,
	gateway paymentgateway.Gateway,
	transitions *TransitionService,
	cfg ReconciliationConfig,
	logger *zap.Logger,
) *ReconciliationServiceImpl {
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 15 * time.Second
	}
	return &ReconciliationServiceImpl{
		transactions: transactions,
		webhooks:     webhooks,
		gateway:      gateway,
		transitions:  transitions,
		cfg:          cfg,
		logger:       logger,
	}
}

// definitiveStatus maps the notification statuses that settle a transaction.
// Everything else (REQUEST.INITIATED, PENDING, ...) is informational.
func definitiveStatus(status string) (models.TransactionStatus, bool) {
	switch status {
	case "SUCCESSFUL", "COMPLETED":
		return models.StatusSucceeded, true
	case "FAILED", "CANCELLED", "CANCELED":
		return models.StatusFailed, true
	}
	return "", false
}

// Reconcile applies one notification. Every call is recorded in the webhook audit trail.
func (s *ReconciliationServiceImpl) Reconcile(ctx context.Context, n Notification) (result *ReconcileResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "ReconciliationService.Reconcile",
		attribute.String("payment.reference", n.Reference),
		attribute.String("webhook.status", n.Status),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	n.Reference = strings.TrimSpace(n.Reference)
	n.Status = strings.ToUpper(strings.TrimSpace(n.Status))

	defer func() { s.record(ctx, n, result, err) }()

	if n.Reference == "" {
		return nil, ErrInvalidPayload
	}

	tx, err := s.transactions.FindByReference(ctx, n.Reference)
	if errors.Is(err, repositories.ErrNotFound) {
		s.logger.Warn("Notification for unknown reference",
			zap.String("reference", n.Reference),
			zap.String("status", n.Status),
		)
		return nil, ErrUnknownTransaction
	}
	if err != nil {
		return nil, fmt.Errorf("load transaction: %w", err)
	}

	if tx.Status.IsTerminal() {
		return s.acknowledgeTerminal(ctx, tx)
	}

	target, ok := definitiveStatus(n.Status)
	if !ok {
		s.logger.Info("Ignoring non-definitive notification",
			zap.String("reference", tx.Reference),
			zap.String("status", n.Status),
			zap.String("event_type", n.EventType),
		)
		return &ReconcileResult{Reference: tx.Reference, Outcome: models.OutcomeIgnored, Status: tx.Status}, nil
	}

	update := repositories.StatusUpdate{Status: target}
	if target == models.StatusFailed {
		update.FailureReason = "gateway reported " + n.Status
	}

	if target == models.StatusSucceeded && !confirms(tx, n.GatewayRequestID) {
		verified, outcome, err := s.verify(ctx, tx, n.GatewayRequestID)
		if err != nil {
			return nil, err
		}
		if verified == nil {
			return &ReconcileResult{Reference: tx.Reference, Outcome: outcome, Status: tx.Status}, nil
		}
		update = *verified
	}

	stored, changed, err := s.transitions.Transition(ctx, tx, update, "webhook")
	if err != nil {
		return nil, err
	}
	if !changed {
		return &ReconcileResult{Reference: stored.Reference, Outcome: models.OutcomeDuplicate, Status: stored.Status}, nil
	}
	return &ReconcileResult{Reference: stored.Reference, Outcome: models.OutcomeApplied, Status: stored.Status}, nil
}

// acknowledgeTerminal is the no-op for settled transactions, except that a
// success whose entitlement never committed gets it applied now
func (s *ReconciliationServiceImpl) acknowledgeTerminal(ctx context.Context, tx *models.Transaction) (*ReconcileResult, error) {
	if !tx.NeedsEntitlementRepair() {
		return &ReconcileResult{Reference: tx.Reference, Outcome: models.OutcomeDuplicate, Status: tx.Status}, nil
	}

	applied, err := s.transitions.ApplyEntitlement(ctx, tx)
	if err != nil {
		return nil, err
	}
	if !applied {
		// a concurrent delivery applied it between our read and now
		return &ReconcileResult{Reference: tx.Reference, Outcome: models.OutcomeDuplicate, Status: tx.Status}, nil
	}
	telemetry.EntitlementRepaired.Inc()
	return &ReconcileResult{Reference: tx.Reference, Outcome: models.OutcomeRepaired, Status: tx.Status}, nil
}

// confirms reports whether requestID is one the gateway issued for tx
func confirms(tx *models.Transaction, requestID string) bool {
	if requestID == "" {
		return false
	}
	for _, id := range tx.KnownRequestIDs() {
		if id == requestID {
			return true
		}
	}
	return false
}

// verify asks the gateway whether an unconfirmed success is real. It returns
// the update to apply, or nil with the outcome to report when nothing should change.
func (s *ReconciliationServiceImpl) verify(ctx context.Context, tx *models.Transaction, notifiedID string) (*repositories.StatusUpdate, models.WebhookOutcome, error) {
	if !s.cfg.VerifyUnconfirmed {
		return &repositories.StatusUpdate{Status: models.StatusSucceeded}, "", nil
	}

	requestID := tx.LatestRequestID()
	if requestID == "" {
		requestID = notifiedID
	}
	if requestID == "" {
		s.logger.Warn("Cannot verify success notification without a gateway request id",
			zap.String("reference", tx.Reference),
		)
		return nil, models.OutcomeUnverified, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()
	start := time.Now()
	status, err := s.gateway.RefreshStatus(callCtx, requestID)
	observeGateway("refresh_status", start, err)
	if err != nil {
		s.logger.Warn("Status re-query failed", zap.String("reference", tx.Reference), zap.Error(err))
		return nil, "", fmt.Errorf("%w: verify %s: %v", ErrGatewayUnavailable, tx.Reference, err)
	}

	if status.Reference != "" && status.Reference != tx.Reference {
		s.logger.Warn("Gateway request id belongs to another transaction",
			zap.String("reference", tx.Reference),
			zap.String("request_id", requestID),
			zap.String("gateway_reference", status.Reference),
		)
		return nil, models.OutcomeRejected, nil
	}

	update := &repositories.StatusUpdate{}
	if tx.GatewayRequestID == "" {
		update.GatewayRequestID = requestID
	}
	switch status.Status {
	case paymentgateway.StatusSucceeded:
		update.Status = models.StatusSucceeded
	case paymentgateway.StatusFailed:
		update.Status = models.StatusFailed
		update.FailureReason = "gateway reported " + status.VendorStatus
	default:
		s.logger.Info("Success notification not confirmed by gateway",
			zap.String("reference", tx.Reference),
			zap.String("gateway_status", string(status.Status)),
		)
		return nil, models.OutcomeUnverified, nil
	}
	return update, "", nil
}

func (s *ReconciliationServiceImpl) record(ctx context.Context, n Notification, result *ReconcileResult, err error) {
	eventID := n.EventID
	if eventID == "" {
		eventID = uuid.NewString()
	}
	event := models.NewWebhookEvent(eventID, n.Payload)
	event.EventType = n.EventType
	event.Reference = n.Reference
	event.GatewayRequestID = n.GatewayRequestID
	event.Status = n.Status

	switch {
	case result != nil:
		event.Outcome = result.Outcome
	case errors.Is(err, ErrInvalidPayload), errors.Is(err, ErrUnknownTransaction):
		event.Outcome = models.OutcomeRejected
	default:
		event.Outcome = models.OutcomeFailed
	}
	if err != nil {
		event.Error = err.Error()
	}
	telemetry.WebhooksReceived.WithLabelValues(string(event.Outcome)).Inc()

	if recordErr := s.webhooks.Record(context.WithoutCancel(ctx), event); recordErr != nil {
		s.logger.Warn("Failed to record webhook event",
			zap.String("reference", n.Reference),
			zap.Error(recordErr),
		)
	}
}
