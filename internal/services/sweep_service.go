package services

import (
	"context"
	"errors"
	"time"

	"github.com/skillshub-cm/mobile-backend/internal/models"
	"github.com/skillshub-cm/mobile-backend/internal/repositories"
	"github.com/skillshub-cm/mobile-backend/internal/telemetry"
	"github.com/skillshub-cm/mobile-backend/pkg/paymentgateway"
	"go.uber.org/zap"
)

var _ SweepService = (*SweepServiceImpl)(nil)

// SweepConfig controls the background reconciliation pass
type SweepConfig struct {
	Interval       time.Duration
	StaleAfter     time.Duration
	ExpireAfter    time.Duration
	BatchSize      int
	GatewayTimeout time.Duration
}

// SweepServiceImpl polls the gateway for transactions no webhook has settled
// and repairs successes whose entitlement write failed
type SweepServiceImpl struct {
	transactions repositories.TransactionRepository
	gateway      paymentgateway.Gateway
	transitions  *TransitionService
	cfg          SweepConfig
	logger       *zap.Logger
	now          func() time.Time
}

// NewSweepService creates a new SweepServiceImpl
func NewSweepService(transactions repositories.TransactionRepository, gateway paymentgateway.Gateway, transitions *TransitionService, cfg SweepConfig, logger *zap.Logger) *SweepServiceImpl {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if cfg.ExpireAfter <= 0 {
		cfg.ExpireAfter = 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 15 * time.Second
	}
	return &SweepServiceImpl{
		transactions: transactions,
		gateway:      gateway,
		transitions:  transitions,
		cfg:          cfg,
		logger:       logger,
		now:          time.Now,
	}
}

// Run sweeps every Interval until ctx is cancelled
func (s *SweepServiceImpl) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("Reconciliation sweep started", zap.Duration("interval", s.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Reconciliation sweep stopped")
			return
		case <-ticker.C:
			report, err := s.SweepOnce(ctx)
			if err != nil {
				s.logger.Error("Sweep failed", zap.Error(err))
				continue
			}
			if report.Checked > 0 || report.Repaired > 0 {
				s.logger.Info("Sweep finished",
					zap.Int("checked", report.Checked),
					zap.Int("resolved", report.Resolved),
					zap.Int("expired", report.Expired),
					zap.Int("repaired", report.Repaired),
					zap.Int("errors", report.Errors),
				)
			}
		}
	}
}

// SweepOnce resolves one batch of stale transactions, then repairs pending entitlements
func (s *SweepServiceImpl) SweepOnce(ctx context.Context) (report *SweepReport, err error) {
	ctx, span := telemetry.StartSpan(ctx, "SweepService.SweepOnce")
	defer func() { telemetry.EndSpan(span, err) }()

	report = &SweepReport{}
	stale, err := s.transactions.FindStale(ctx, s.now().Add(-s.cfg.StaleAfter), s.cfg.BatchSize)
	if err != nil {
		return nil, err
	}

	for _, tx := range stale {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Checked++
		s.resolve(ctx, tx, report)
	}

	if err := s.repair(ctx, report); err != nil {
		return report, err
	}
	return report, nil
}

// RepairEntitlements applies every pending entitlement without polling the gateway
func (s *SweepServiceImpl) RepairEntitlements(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{}
	if err := s.repair(ctx, report); err != nil {
		return report, err
	}
	return report, nil
}

func (s *SweepServiceImpl) resolve(ctx context.Context, tx *models.Transaction, report *SweepReport) {
	requestID := tx.LatestRequestID()
	if requestID == "" {
		if s.now().Sub(tx.CreatedAt) < s.cfg.ExpireAfter {
			return
		}
		_, changed, err := s.transitions.Transition(ctx, tx, repositories.StatusUpdate{
			Status:        models.StatusFailed,
			FailureReason: "expired",
		}, "sweep")
		s.count(report, tx, "expired", changed, err)
		if changed {
			report.Expired++
		}
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	start := time.Now()
	status, err := s.gateway.RefreshStatus(callCtx, requestID)
	cancel()
	observeGateway("refresh_status", start, err)
	if err != nil {
		report.Errors++
		telemetry.SweepResults.WithLabelValues("error").Inc()
		s.logger.Warn("Sweep status refresh failed",
			zap.String("reference", tx.Reference),
			zap.String("request_id", requestID),
			zap.Error(err),
		)
		return
	}

	var update repositories.StatusUpdate
	switch status.Status {
	case paymentgateway.StatusSucceeded:
		update = repositories.StatusUpdate{Status: models.StatusSucceeded}
	case paymentgateway.StatusFailed:
		update = repositories.StatusUpdate{Status: models.StatusFailed, FailureReason: "gateway reported " + status.VendorStatus}
	case paymentgateway.StatusPending, paymentgateway.StatusRedirectRequired:
		if tx.Status != models.StatusInitiated {
			return
		}
		update = repositories.StatusUpdate{Status: models.StatusPendingRedirect}
	default:
		return
	}

	_, changed, err := s.transitions.Transition(ctx, tx, update, "sweep")
	s.count(report, tx, "resolved", changed, err)
	if changed && update.Status.IsTerminal() {
		report.Resolved++
	}
}

func (s *SweepServiceImpl) count(report *SweepReport, tx *models.Transaction, result string, changed bool, err error) {
	if err != nil {
		report.Errors++
		telemetry.SweepResults.WithLabelValues("error").Inc()
		s.logger.Error("Sweep transition failed", zap.String("reference", tx.Reference), zap.Error(err))
		return
	}
	if changed {
		telemetry.SweepResults.WithLabelValues(result).Inc()
	}
}

func (s *SweepServiceImpl) repair(ctx context.Context, report *SweepReport) error {
	pending, err := s.transactions.FindPendingEntitlements(ctx, s.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, tx := range pending {
		if _, err := s.transitions.ApplyEntitlement(ctx, tx); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			report.Errors++
			continue
		}
		report.Repaired++
		telemetry.EntitlementRepaired.Inc()
		telemetry.SweepResults.WithLabelValues("repaired").Inc()
	}
	return nil
}
