package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/skillshub-cm/mobile-backend/internal/models"
	"github.com/skillshub-cm/mobile-backend/internal/repositories"
	"github.com/skillshub-cm/mobile-backend/internal/telemetry"
	"github.com/skillshub-cm/mobile-backend/pkg/paymentgateway"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var _ PaymentService = (*PaymentServiceImpl)(nil)

const referenceAttempts = 3

// DefaultMaxAmount bounds a single charge when PaymentConfig.MaxAmount is unset.
// It stays well inside NUMERIC(18,2) and Decimal128.
var DefaultMaxAmount = decimal.NewFromInt(1_000_000_000)

// PaymentConfig holds the rules Initiate applies
type PaymentConfig struct {
	Currency               string
	MinorUnits             int // decimal places the currency allows; XAF has none
	MaxAmount              decimal.Decimal
	RequireRegisteredPayer bool
	GatewayTimeout         time.Duration
}

// PaymentServiceImpl implements PaymentService
type PaymentServiceImpl struct {
	transactions repositories.TransactionRepository
	entitlements repositories.EntitlementRepository
	users        repositories.UserRepository
	gateway      paymentgateway.Gateway
	transitions  *TransitionService
	cfg          PaymentConfig
	logger       *zap.Logger
	newReference func() string
}

// NewPaymentService creates a new PaymentServiceImpl
func NewPaymentService(
	transactions repositories.TransactionRepository,
	entitlements repositories.EntitlementRepository,
	users repositories.UserRepository,
	gateway paymentgateway.Gateway,
	transitions *TransitionService,
	cfg PaymentConfig,
	logger *zap.Logger,
) *PaymentServiceImpl {
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 15 * time.Second
	}
	if !cfg.MaxAmount.IsPositive() {
		cfg.MaxAmount = DefaultMaxAmount
	}
	return &PaymentServiceImpl{
		transactions: transactions,
		entitlements: entitlements,
		users:        users,
		gateway:      gateway,
		transitions:  transitions,
		cfg:          cfg,
		logger:       logger,
		newReference: NewReference,
	}
}

// NewReference generates a transaction reference
func NewReference() string {
	return "PAY" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:20]
}

// Initiate validates the request, records an INITIATED transaction and charges the gateway
func (s *PaymentServiceImpl) Initiate(ctx context.Context, req InitiateRequest) (result *InitiateResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "PaymentService.Initiate")
	defer func() { telemetry.EndSpan(span, err) }()

	req.PayerIdentity = strings.TrimSpace(req.PayerIdentity)
	req.WalletNumber = strings.TrimSpace(req.WalletNumber)
	req.Memo = strings.TrimSpace(req.Memo)

	if err := s.validate(req); err != nil {
		telemetry.PaymentsInitiated.WithLabelValues("invalid").Inc()
		return nil, err
	}

	wallet, err := s.resolveWallet(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := s.entitlements.Ensure(ctx, req.PayerIdentity); err != nil {
		return nil, fmt.Errorf("ensure entitlement: %w", err)
	}

	tx, err := s.createTransaction(ctx, req, wallet)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("payment.reference", tx.Reference))

	// From here on the transaction exists; a client disconnect must not undo
	// anything we learn from the gateway.
	persistCtx := context.WithoutCancel(ctx)

	charge, err := s.charge(ctx, tx)
	if err != nil {
		return s.chargeFailed(persistCtx, tx, err)
	}

	switch charge.Status {
	case paymentgateway.StatusSucceeded:
		return s.settle(persistCtx, tx, repositories.StatusUpdate{
			Status:           models.StatusSucceeded,
			GatewayRequestID: charge.GatewayRequestID,
		})

	case paymentgateway.StatusPending:
		return s.settle(persistCtx, tx, repositories.StatusUpdate{
			Status:           models.StatusPendingRedirect,
			GatewayRequestID: charge.GatewayRequestID,
		})

	case paymentgateway.StatusFailed:
		return s.settle(persistCtx, tx, repositories.StatusUpdate{
			Status:           models.StatusFailed,
			GatewayRequestID: charge.GatewayRequestID,
			FailureReason:    "declined by gateway: " + charge.VendorStatus,
		})
	}

	// REDIRECT_REQUIRED or a status we do not recognise: hand the payer a hosted page
	redirect, err := s.redirect(ctx, tx)
	if err != nil {
		if charge.GatewayRequestID == "" {
			return s.chargeFailed(persistCtx, tx, err)
		}
		// The charge request exists at the gateway and may still complete, so
		// however the redirect failed the row stays open for the webhook or sweep.
		if recordErr := s.transitions.RecordRequestID(persistCtx, tx.Reference, charge.GatewayRequestID); recordErr != nil {
			s.logger.Warn("Failed to record gateway request id", zap.String("reference", tx.Reference), zap.Error(recordErr))
		}
		return s.leftInitiated(tx, err)
	}
	return s.settle(persistCtx, tx, repositories.StatusUpdate{
		Status:            models.StatusPendingRedirect,
		GatewayRequestID:  charge.GatewayRequestID,
		RedirectRequestID: redirect.GatewayRequestID,
		RedirectURL:       redirect.RedirectURL,
	})
}

func (s *PaymentServiceImpl) validate(req InitiateRequest) error {
	if !req.Amount.IsPositive() {
		return validationError("amount", "must be greater than zero")
	}
	if !req.Amount.Equal(req.Amount.Truncate(int32(s.cfg.MinorUnits))) {
		return validationError("amount", fmt.Sprintf("allows at most %d decimal places in %s", s.cfg.MinorUnits, s.cfg.Currency))
	}
	if req.Amount.GreaterThan(s.cfg.MaxAmount) {
		return validationError("amount", "must not exceed "+s.cfg.MaxAmount.String())
	}
	if req.PayerIdentity == "" {
		return validationError("payerIdentity", "is required")
	}
	if req.Memo == "" {
		return validationError("memo", "is required")
	}
	return nil
}

// resolveWallet finds the number to charge, checking the payer is registered when required
func (s *PaymentServiceImpl) resolveWallet(ctx context.Context, req InitiateRequest) (string, error) {
	wallet := req.WalletNumber

	user, err := s.findUser(ctx, req.PayerIdentity)
	switch {
	case err == nil:
		if wallet == "" {
			wallet = user.Phone
		}
	case errors.Is(err, repositories.ErrNotFound):
		if s.cfg.RequireRegisteredPayer {
			s.logger.Warn("Payment attempted by unregistered payer", zap.String("payer", req.PayerIdentity))
			telemetry.PaymentsInitiated.WithLabelValues("user_not_found").Inc()
			return "", ErrUserNotFound
		}
		if wallet == "" && !strings.Contains(req.PayerIdentity, "@") {
			wallet = req.PayerIdentity
		}
	default:
		return "", fmt.Errorf("look up payer: %w", err)
	}

	if wallet == "" {
		return "", validationError("mobileWalletNumber", "is required when the payer has no phone on file")
	}
	return wallet, nil
}

func (s *PaymentServiceImpl) findUser(ctx context.Context, identity string) (*models.User, error) {
	user, err := s.users.FindByEmail(ctx, identity)
	if errors.Is(err, repositories.ErrNotFound) {
		return s.users.FindByPhone(ctx, identity)
	}
	return user, err
}

func (s *PaymentServiceImpl) createTransaction(ctx context.Context, req InitiateRequest, wallet string) (*models.Transaction, error) {
	for attempt := 1; ; attempt++ {
		tx := &models.Transaction{
			Reference:     s.newReference(),
			PayerIdentity: req.PayerIdentity,
			WalletNumber:  wallet,
			Memo:          req.Memo,
			Amount:        models.NewAmount(req.Amount),
			Currency:      s.cfg.Currency,
			Status:        models.StatusInitiated,
		}
		err := s.transactions.Create(ctx, tx)
		if err == nil {
			s.logger.Info("Payment initiated",
				zap.String("reference", tx.Reference),
				zap.String("payer", tx.PayerIdentity),
				zap.String("amount", tx.Amount.String()),
			)
			return tx, nil
		}
		if !errors.Is(err, repositories.ErrDuplicate) || attempt >= referenceAttempts {
			return nil, fmt.Errorf("create transaction: %w", err)
		}
		s.logger.Warn("Reference collision, regenerating", zap.String("reference", tx.Reference))
	}
}

func (s *PaymentServiceImpl) charge(ctx context.Context, tx *models.Transaction) (*paymentgateway.ChargeResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()

	start := time.Now()
	result, err := s.gateway.Charge(callCtx, paymentgateway.ChargeRequest{
		Reference:    tx.Reference,
		Amount:       tx.Amount.Decimal,
		Currency:     tx.Currency,
		WalletNumber: tx.WalletNumber,
		Memo:         tx.Memo,
	})
	observeGateway("charge", start, err)
	return result, err
}

func (s *PaymentServiceImpl) redirect(ctx context.Context, tx *models.Transaction) (*paymentgateway.RedirectResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()

	start := time.Now()
	result, err := s.gateway.ChargeWithRedirect(callCtx, paymentgateway.RedirectRequest{
		Reference: tx.Reference,
		Amount:    tx.Amount.Decimal,
		Currency:  tx.Currency,
		Memo:      tx.Memo,
	})
	observeGateway("charge_with_redirect", start, err)
	return result, err
}

// chargeFailed maps a gateway error. A definitive refusal or an unreadable
// answer fails the transaction; anything else leaves it INITIATED because the
// money may still move.
func (s *PaymentServiceImpl) chargeFailed(ctx context.Context, tx *models.Transaction, gatewayErr error) (*InitiateResult, error) {
	if errors.Is(gatewayErr, paymentgateway.ErrRejected) || errors.Is(gatewayErr, paymentgateway.ErrMalformedResponse) {
		return s.settle(ctx, tx, repositories.StatusUpdate{
			Status:        models.StatusFailed,
			FailureReason: gatewayErr.Error(),
		})
	}
	return s.leftInitiated(tx, gatewayErr)
}

func (s *PaymentServiceImpl) leftInitiated(tx *models.Transaction, gatewayErr error) (*InitiateResult, error) {
	telemetry.PaymentsInitiated.WithLabelValues("gateway_unavailable").Inc()
	s.logger.Warn("Gateway call did not complete, transaction left INITIATED",
		zap.String("reference", tx.Reference),
		zap.Error(gatewayErr),
	)
	return nil, fmt.Errorf("%w: reference %s: %v", ErrGatewayUnavailable, tx.Reference, gatewayErr)
}

// settle applies the immediate outcome and reports whatever state the
// transaction ends up in, which may be one a webhook reached first
func (s *PaymentServiceImpl) settle(ctx context.Context, tx *models.Transaction, update repositories.StatusUpdate) (*InitiateResult, error) {
	stored, _, err := s.transitions.Transition(ctx, tx, update, "initiate")
	if err != nil {
		s.logger.Error("Failed to record charge outcome",
			zap.String("reference", tx.Reference),
			zap.String("to_state", string(update.Status)),
			zap.Error(err),
		)
		return nil, fmt.Errorf("record charge outcome: %w", err)
	}

	telemetry.PaymentsInitiated.WithLabelValues(strings.ToLower(string(stored.Status))).Inc()
	if stored.Status == models.StatusFailed {
		return nil, fmt.Errorf("%w: reference %s", ErrPaymentDeclined, stored.Reference)
	}
	return &InitiateResult{
		Reference:   stored.Reference,
		Status:      stored.Status,
		RedirectURL: stored.RedirectURL,
	}, nil
}

// ListPayments lists a payer's transactions, newest first
func (s *PaymentServiceImpl) ListPayments(ctx context.Context, payerIdentity string, page, limit int) ([]*models.Transaction, error) {
	if strings.TrimSpace(payerIdentity) == "" {
		return nil, validationError("payerIdentity", "is required")
	}
	return s.transactions.FindByPayer(ctx, payerIdentity, page, limit)
}

// GetPayment returns the payer's transaction with reference
func (s *PaymentServiceImpl) GetPayment(ctx context.Context, payerIdentity, reference string) (*models.Transaction, error) {
	tx, err := s.transactions.FindByReference(ctx, reference)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	if tx.PayerIdentity != payerIdentity {
		return nil, ErrTransactionNotFound
	}
	return tx, nil
}

// GetEntitlement returns the payer's entitlement, unpaid if none exists yet
func (s *PaymentServiceImpl) GetEntitlement(ctx context.Context, payerIdentity string) (*models.Entitlement, error) {
	entitlement, err := s.entitlements.FindByPayer(ctx, payerIdentity)
	if errors.Is(err, repositories.ErrNotFound) {
		return &models.Entitlement{PayerIdentity: payerIdentity}, nil
	}
	return entitlement, err
}

func observeGateway(operation string, start time.Time, err error) {
	result := "ok"
	switch {
	case errors.Is(err, paymentgateway.ErrUnavailable), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		result = "unavailable"
	case err != nil:
		result = "error"
	}
	telemetry.GatewayLatency.WithLabelValues(operation, result).Observe(time.Since(start).Seconds())
}
