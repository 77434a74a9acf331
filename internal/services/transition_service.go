package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/skillshub-cm/mobile-backend/internal/events"
	"github.com/skillshub-cm/mobile-backend/internal/models"
	"github.com/skillshub-cm/mobile-backend/internal/repositories"
	"github.com/skillshub-cm/mobile-backend/internal/telemetry"
	"go.uber.org/zap"
)

// TransitionService is the only writer of transaction status. Every move goes
// through a compare-and-swap on the status last read, so two concurrent
// callers can never both leave the same state.
type TransitionService struct {
	transactions repositories.TransactionRepository
	entitlements repositories.EntitlementRepository
	publisher    events.Publisher
	logger       *zap.Logger
	now          func() time.Time
}

// NewTransitionService creates a new TransitionService
func NewTransitionService(transactions repositories.TransactionRepository, entitlements repositories.EntitlementRepository, publisher events.Publisher, logger *zap.Logger) *TransitionService {
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &TransitionService{
		transactions: transactions,
		entitlements: entitlements,
		publisher:    publisher,
		logger:       logger,
		now:          time.Now,
	}
}

// Transition moves current to update.Status. It returns the stored transaction
// and whether this call made the change. A move the state machine does not
// allow (including any move out of a terminal state) is a no-op, not an error.
// A lost race is retried once against a fresh read; losing twice yields
// ErrPersistenceConflict.
func (s *TransitionService) Transition(ctx context.Context, current *models.Transaction, update repositories.StatusUpdate, source string) (*models.Transaction, bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		if !current.Status.CanTransitionTo(update.Status) {
			return current, false, nil
		}

		if update.Status.IsTerminal() {
			completedAt := s.now()
			update.CompletedAt = &completedAt
		}

		updated, err := s.transactions.CompareAndSetStatus(ctx, current.Reference, current.Status, update)
		if err == nil {
			// the status is durable now; the caller going away must not cut off its side effects
			s.committed(context.WithoutCancel(ctx), current, updated, source)
			return updated, true, nil
		}
		if !errors.Is(err, repositories.ErrConflict) {
			return nil, false, fmt.Errorf("transition %s to %s: %w", current.Reference, update.Status, err)
		}

		s.logger.Info("Status changed underneath transition, re-reading",
			zap.String("reference", current.Reference),
			zap.String("expected", string(current.Status)),
			zap.String("to_state", string(update.Status)),
		)
		fresh, err := s.transactions.FindByReference(ctx, current.Reference)
		if err != nil {
			return nil, false, fmt.Errorf("re-read %s: %w", current.Reference, err)
		}
		current = fresh
	}

	if !current.Status.CanTransitionTo(update.Status) {
		return current, false, nil
	}
	return nil, false, fmt.Errorf("transition %s to %s: %w", current.Reference, update.Status, ErrPersistenceConflict)
}

// RecordRequestID stores a gateway request id on a transaction that stays INITIATED
func (s *TransitionService) RecordRequestID(ctx context.Context, reference, gatewayRequestID string) error {
	if gatewayRequestID == "" {
		return nil
	}
	_, err := s.transactions.CompareAndSetStatus(ctx, reference, models.StatusInitiated, repositories.StatusUpdate{
		Status:           models.StatusInitiated,
		GatewayRequestID: gatewayRequestID,
	})
	if errors.Is(err, repositories.ErrConflict) {
		// someone else moved it on and the id no longer matters for polling
		return nil
	}
	return err
}

// ApplyEntitlement performs the success side effect for tx. The entitlement
// store is keyed by reference, so calling it again for the same transaction
// writes nothing. It reports whether this call changed the entitlement.
func (s *TransitionService) ApplyEntitlement(ctx context.Context, tx *models.Transaction) (bool, error) {
	at := s.now()
	if tx.CompletedAt != nil {
		at = *tx.CompletedAt
	}

	applied, err := s.entitlements.Apply(ctx, tx.PayerIdentity, tx.Reference, at)
	if err != nil {
		telemetry.EntitlementPending.Inc()
		s.logger.Error("ENTITLEMENT NOT APPLIED for successful payment, left for repair",
			zap.String("reference", tx.Reference),
			zap.String("payer", tx.PayerIdentity),
			zap.Error(err),
		)
		return false, fmt.Errorf("apply entitlement for %s: %w", tx.Reference, err)
	}

	if err := s.transactions.MarkEntitlementApplied(ctx, tx.Reference); err != nil {
		// The entitlement itself is in place; the next repair pass only re-marks.
		s.logger.Warn("Failed to mark entitlement applied",
			zap.String("reference", tx.Reference),
			zap.Error(err),
		)
		return applied, nil
	}
	tx.EntitlementApplied = true

	if applied {
		s.logger.Info("Entitlement applied",
			zap.String("reference", tx.Reference),
			zap.String("payer", tx.PayerIdentity),
		)
	}
	return applied, nil
}

func (s *TransitionService) committed(ctx context.Context, from, to *models.Transaction, source string) {
	telemetry.StateTransitions.WithLabelValues(string(from.Status), string(to.Status)).Inc()
	s.logger.Info("Payment state transition",
		zap.String("reference", to.Reference),
		zap.String("from_state", string(from.Status)),
		zap.String("to_state", string(to.Status)),
		zap.String("source", source),
	)

	if to.Status == models.StatusSucceeded {
		// failure is logged and counted inside; the transition itself stands
		_, _ = s.ApplyEntitlement(ctx, to)
	}

	event := events.StateChanged{
		EventID:       uuid.NewString(),
		Reference:     to.Reference,
		PayerIdentity: to.PayerIdentity,
		Amount:        to.Amount.String(),
		Currency:      to.Currency,
		State:         string(to.Status),
		PreviousState: string(from.Status),
		Source:        source,
		Timestamp:     s.now(),
	}
	if err := s.publisher.PublishStateChanged(ctx, event); err != nil {
		s.logger.Warn("Failed to publish state change",
			zap.String("reference", to.Reference),
			zap.Error(err),
		)
	}
}
