package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkout-service/config"
	"checkout-service/internal/auditlog"
	"checkout-service/internal/gateway"
	"checkout-service/internal/models"
	"checkout-service/internal/money"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	cachedOrderTTL   = 24 * time.Hour
	lockPollInterval = 250 * time.Millisecond
)

// VerifyRequest asks for a client-reported payment to be verified and turned into an order
type VerifyRequest struct {
	Reference      string             `json:"reference" binding:"required"`
	IdempotencyKey string             `json:"idempotency_key"`
	Intent         models.OrderIntent `json:"order_data"`
	ExpectedAmount decimal.Decimal    `json:"expected_amount"`
}

// VerificationService checks payments with the gateway and finalizes orders
type VerificationService struct {
	orders   OrderStore
	payments PaymentStore
	gateway  Gateway
	writer   *OrderWriter
	audit    AuditLog
	events   EventPublisher
	guard    FinalizeGuard
	cfg      config.VerificationConfig
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *zap.Logger
}

// NewVerificationService creates a new verification service. guard may be nil.
func NewVerificationService(
	orders OrderStore,
	payments PaymentStore,
	gw Gateway,
	writer *OrderWriter,
	audit AuditLog,
	events EventPublisher,
	guard FinalizeGuard,
	cfg config.VerificationConfig,
) *VerificationService {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	return &VerificationService{
		orders:   orders,
		payments: payments,
		gateway:  gw,
		writer:   writer,
		audit:    audit,
		events:   events,
		guard:    guard,
		cfg:      cfg,
		sleep:    sleepContext,
		logger:   util.GetLogger(),
	}
}

// VerifyAndFinalize verifies reference with the gateway and creates the order for the
// idempotency key at most once. Repeated calls with the same key return the stored order.
func (s *VerificationService) VerifyAndFinalize(ctx context.Context, req VerifyRequest) (*FinalizeResult, error) {
	ctx, span := util.StartSpan(ctx, "VerificationService.VerifyAndFinalize", util.ReferenceAttr(req.Reference))
	defer span.End()

	if req.Reference == "" || req.IdempotencyKey == "" {
		return nil, models.NewPaymentError(models.CodeInvalidRequest, req.Reference, false,
			errors.New("reference and idempotency key are required"))
	}
	if !money.Transactable(req.ExpectedAmount) {
		return nil, models.NewPaymentError(models.CodeAmountBelowMinimum, req.Reference, false,
			fmt.Errorf("expected amount %s", req.ExpectedAmount))
	}
	if !req.Intent.Total.Equal(req.ExpectedAmount) {
		return nil, models.NewPaymentError(models.CodeInvalidRequest, req.Reference, false,
			fmt.Errorf("order total %s does not match expected amount %s", req.Intent.Total, req.ExpectedAmount))
	}

	if res, err := s.existingOrder(ctx, req.IdempotencyKey); err != nil || res != nil {
		return res, err
	}

	if s.guard != nil {
		lockKey := "finalize:" + req.IdempotencyKey
		token, acquired, err := s.guard.AcquireLock(ctx, lockKey, s.cfg.LockTTL)
		switch {
		case err != nil:
			s.logger.Warn("Finalize lock unavailable, relying on store constraint",
				zap.String("idempotency_key", req.IdempotencyKey), zap.Error(err))
		case acquired:
			defer func() {
				if err := s.guard.ReleaseLock(context.Background(), lockKey, token); err != nil {
					s.logger.Warn("Failed to release finalize lock", zap.String("lock", lockKey), zap.Error(err))
				}
			}()
			// The previous holder may have finished between our check and the lock.
			if res, err := s.existingOrder(ctx, req.IdempotencyKey); err != nil || res != nil {
				return res, err
			}
		default:
			if res, err := s.waitForOrder(ctx, req.IdempotencyKey); err != nil || res != nil {
				return res, err
			}
		}
	}

	tx, attempts, err := s.verifyWithRetry(ctx, req.Reference)
	if err != nil {
		util.SpanError(span, err)
		s.recordVerificationFailure(ctx, req, attempts, err)
		return nil, models.NewPaymentError(models.CodeVerificationFailed, req.Reference, false, err)
	}

	if !tx.Successful() {
		util.VerificationFailuresTotal.WithLabelValues("not_successful").Inc()
		s.logger.Warn("Payment not successful",
			zap.String("reference", req.Reference),
			zap.String("gateway_status", tx.Status))
		if err := s.payments.MarkPaymentFailed(ctx, req.Reference); err != nil {
			s.logger.Error("Failed to mark payment failed", zap.String("reference", req.Reference), zap.Error(err))
		}
		return nil, models.NewPaymentError(models.CodePaymentNotSuccessful, req.Reference, false,
			fmt.Errorf("gateway status %s", tx.Status))
	}

	if !money.Equal(tx.AmountMinor, req.ExpectedAmount) {
		s.recordAmountMismatch(ctx, req, tx)
		return nil, models.NewPaymentError(models.CodeAmountMismatch, req.Reference, true,
			fmt.Errorf("charged %d minor units, expected %s", tx.AmountMinor, req.ExpectedAmount.StringFixed(2)))
	}

	verified := VerifiedPayment{
		Reference:   tx.Reference,
		AmountMinor: tx.AmountMinor,
		Email:       tx.Email,
		PaidAt:      tx.PaidAt,
	}
	if verified.Reference == "" {
		verified.Reference = req.Reference
	}
	if verified.Email == "" {
		verified.Email = req.Intent.CustomerInfo.Email
	}

	res, err := s.writer.CreateOrderIfAbsent(ctx, req.IdempotencyKey, verified, req.Intent)
	if err != nil {
		util.SpanError(span, err)
		util.VerificationFailuresTotal.WithLabelValues("order_write").Inc()
		s.logger.Error("Verified payment could not be finalized",
			zap.String("reference", req.Reference),
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.Error(err))
		return nil, models.NewPaymentError(models.CodeVerificationFailed, req.Reference, true, err)
	}

	if s.guard != nil {
		if err := s.guard.CacheOrderID(ctx, req.IdempotencyKey, res.OrderID, cachedOrderTTL); err != nil {
			s.logger.Warn("Failed to cache order id", zap.String("order_id", res.OrderID), zap.Error(err))
		}
	}

	return res, nil
}

// existingOrder returns the finalize result for a key that already has an order
func (s *VerificationService) existingOrder(ctx context.Context, key string) (*FinalizeResult, error) {
	if s.guard != nil {
		orderID, ok, err := s.guard.GetCachedOrderID(ctx, key)
		if err != nil {
			s.logger.Warn("Idempotency cache lookup failed", zap.String("idempotency_key", key), zap.Error(err))
		} else if ok {
			util.DuplicateFinalizeTotal.Inc()
			return &FinalizeResult{OrderID: orderID, AlreadyExists: true}, nil
		}
	}

	order, err := s.orders.GetOrderByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency: %w", err)
	}
	if order == nil {
		return nil, nil
	}
	util.DuplicateFinalizeTotal.Inc()
	return &FinalizeResult{OrderID: order.ID, AlreadyExists: true}, nil
}

// waitForOrder polls for the order another caller is finalizing. A nil result after
// LockWait means the caller proceeds and the store constraint settles any race.
func (s *VerificationService) waitForOrder(ctx context.Context, key string) (*FinalizeResult, error) {
	deadline := time.Now().Add(s.cfg.LockWait)
	for time.Now().Before(deadline) {
		if err := s.sleep(ctx, lockPollInterval); err != nil {
			return nil, err
		}
		order, err := s.orders.GetOrderByIdempotencyKey(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to check idempotency: %w", err)
		}
		if order != nil {
			util.DuplicateFinalizeTotal.Inc()
			return &FinalizeResult{OrderID: order.ID, AlreadyExists: true}, nil
		}
	}
	return nil, nil
}

// verifyWithRetry calls the gateway up to MaxAttempts times, backing off 1s, 2s, 4s...
// after each transient failure. Permanent errors are not retried.
func (s *VerificationService) verifyWithRetry(ctx context.Context, reference string) (*gateway.Transaction, int, error) {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		start := time.Now()
		tx, err := s.gateway.VerifyTransaction(ctx, reference)
		util.GatewayVerifyLatency.Observe(time.Since(start).Seconds())
		if err == nil {
			util.GatewayVerifyAttemptsTotal.WithLabelValues("ok").Inc()
			return tx, attempt, nil
		}
		lastErr = err

		if !gateway.IsTransient(err) {
			util.GatewayVerifyAttemptsTotal.WithLabelValues("permanent_error").Inc()
			s.logger.Warn("Gateway verification failed permanently",
				zap.String("reference", reference),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return nil, attempt, err
		}

		util.GatewayVerifyAttemptsTotal.WithLabelValues("transient_error").Inc()
		backoff := s.cfg.BaseBackoff << (attempt - 1)
		s.logger.Warn("Gateway verification failed, backing off",
			zap.String("reference", reference),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		if err := s.sleep(ctx, backoff); err != nil {
			return nil, attempt, fmt.Errorf("verification interrupted: %w", err)
		}
	}
	return nil, s.cfg.MaxAttempts, fmt.Errorf("gateway verification failed after %d attempts: %w", s.cfg.MaxAttempts, lastErr)
}

// recordVerificationFailure outlives the request: a buyer disconnecting during the
// backoff must still leave a ledger entry.
func (s *VerificationService) recordVerificationFailure(ctx context.Context, req VerifyRequest, attempts int, cause error) {
	ctx = context.WithoutCancel(ctx)
	util.VerificationFailuresTotal.WithLabelValues("gateway_error").Inc()
	s.logger.Error("Payment verification failed",
		zap.String("reference", req.Reference),
		zap.String("idempotency_key", req.IdempotencyKey),
		zap.Int("attempts", attempts),
		zap.Error(cause))

	entry := &auditlog.FailedVerification{
		Reference:      req.Reference,
		IdempotencyKey: req.IdempotencyKey,
		Attempts:       attempts,
		Error:          cause.Error(),
		CreatedAt:      time.Now(),
	}
	if err := s.audit.RecordFailedVerification(ctx, entry); err != nil {
		s.logger.Error("Failed to record failed verification", zap.String("reference", req.Reference), zap.Error(err))
	}

	s.publishAnomaly(ctx, models.AnomalyVerificationFailed, req, cause.Error())
}

func (s *VerificationService) recordAmountMismatch(ctx context.Context, req VerifyRequest, tx *gateway.Transaction) {
	ctx = context.WithoutCancel(ctx)
	util.AmountMismatchTotal.Inc()
	util.VerificationFailuresTotal.WithLabelValues("amount_mismatch").Inc()

	expected, err := money.ToMinor(req.ExpectedAmount)
	if err != nil {
		expected = -1
	}
	s.logger.Error("Payment amount mismatch",
		zap.String("reference", req.Reference),
		zap.Int64("expected_minor", expected),
		zap.Int64("actual_minor", tx.AmountMinor))

	entry := &auditlog.AmountMismatch{
		Reference:      req.Reference,
		IdempotencyKey: req.IdempotencyKey,
		ExpectedMinor:  expected,
		ActualMinor:    tx.AmountMinor,
		Source:         "verify",
		CreatedAt:      time.Now(),
	}
	if err := s.audit.RecordAmountMismatch(ctx, entry); err != nil {
		s.logger.Error("Failed to record amount mismatch", zap.String("reference", req.Reference), zap.Error(err))
	}

	s.publishAnomaly(ctx, models.AnomalyAmountMismatch, req,
		fmt.Sprintf("expected %d, charged %d", expected, tx.AmountMinor))
}

func (s *VerificationService) publishAnomaly(ctx context.Context, kind string, req VerifyRequest, detail string) {
	event := &models.PaymentAnomalyEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.NewString(),
			EventType: models.EventTypePaymentAnomaly,
			Timestamp: time.Now(),
		},
		Kind:           kind,
		Reference:      req.Reference,
		IdempotencyKey: req.IdempotencyKey,
		Detail:         detail,
	}
	if err := s.events.PublishPaymentAnomaly(ctx, event); err != nil {
		s.logger.Error("Failed to publish PaymentAnomaly event", zap.String("reference", req.Reference), zap.Error(err))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
