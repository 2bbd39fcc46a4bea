// Package coordinator drives one checkout payment from submission to an order.
// Three channels race to finalize an attempt: the gateway's success callback, its
// close callback, and a polling loop. Only the channel holding the attempt's Lock
// talks to the verification endpoint; the others no-op.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"checkout-service/config"
	"checkout-service/internal/client"
	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// ErrAttemptNotFound is returned for an unknown attempt id
var ErrAttemptNotFound = errors.New("payment attempt not found")

// API is the part of the checkout service the coordinator calls
type API interface {
	InitializePayment(ctx context.Context, reference, idempotencyKey string, intent models.OrderIntent) (*client.InitializeResult, error)
	VerifyPayment(ctx context.Context, reference, idempotencyKey string, intent models.OrderIntent) (*client.FinalizeResult, error)
	LookupTransaction(ctx context.Context, q client.LookupQuery) (*client.Transaction, error)
}

// Level of a buyer-facing notice
type Level string

const (
	LevelSuccess Level = "success"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Presenter is the buyer-facing side of checkout
type Presenter interface {
	Notify(level Level, message string)
	ClearCart()
	Navigate(target string)
	// Settled is called once per channel that reached a verdict
	Settled(outcome Outcome)
}

// OutcomeKind classifies how an attempt settled
type OutcomeKind string

const (
	OutcomeCompleted         OutcomeKind = "completed"
	OutcomeNotSuccessful     OutcomeKind = "not_successful"
	OutcomePendingResolution OutcomeKind = "pending_resolution"
	OutcomeFailed            OutcomeKind = "failed"
	OutcomeCancelled         OutcomeKind = "cancelled"
	OutcomeUnknown           OutcomeKind = "unknown"
	OutcomeSkipped           OutcomeKind = "skipped"
)

// Outcome is the verdict one channel reached for an attempt
type Outcome struct {
	Kind          OutcomeKind
	AttemptID     string
	Channel       string
	OrderID       string
	AlreadyExists bool
	Err           error
}

// Channel names
const (
	ChannelCallback = "callback"
	ChannelClose    = "close"
	ChannelPoll     = "poll"
	ChannelRetry    = "retry"
)

// Coordinator owns the lifecycle of payment attempts
type Coordinator struct {
	api      API
	store    AttemptStore
	ui       Presenter
	lock     *Lock
	validate *validator.Validate
	cfg      config.ClientConfig
	now      func() time.Time
	logger   *zap.Logger

	mu      sync.Mutex
	pollers map[string]*poller
}

// New creates a coordinator
func New(api API, store AttemptStore, ui Presenter, cfg config.ClientConfig) *Coordinator {
	if cfg.ReferencePrefix == "" {
		cfg.ReferencePrefix = "mkt"
	}
	if cfg.MaxPollAttempts <= 0 {
		cfg.MaxPollAttempts = 20
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 6 * time.Second
	}
	return &Coordinator{
		api:      api,
		store:    store,
		ui:       ui,
		lock:     NewLock(),
		validate: models.NewValidator(),
		cfg:      cfg,
		now:      time.Now,
		logger:   util.GetLogger(),
		pollers:  make(map[string]*poller),
	}
}

// Start validates the checkout, creates an attempt, opens the gateway transaction and
// schedules polling. The returned result carries the gateway's payment URL.
func (c *Coordinator) Start(ctx context.Context, intent models.OrderIntent) (*Attempt, *client.InitializeResult, error) {
	if intent.Currency == "" {
		intent.Currency = c.cfg.Currency
	}
	if err := intent.Validate(c.validate); err != nil {
		c.ui.Notify(LevelError, "Please check your order details: "+err.Error())
		return nil, nil, err
	}

	attempt := NewAttempt(c.cfg.ReferencePrefix, intent, c.now())
	if err := c.store.Save(ctx, attempt); err != nil {
		return nil, nil, fmt.Errorf("failed to save attempt: %w", err)
	}

	res, err := c.api.InitializePayment(ctx, attempt.Reference, attempt.IdempotencyKey, intent)
	if err != nil {
		attempt.Status = StatusFailed
		attempt.LastError = err.Error()
		c.save(ctx, attempt)
		c.ui.Notify(LevelError, "Could not start payment. Please try again.")
		return attempt, nil, fmt.Errorf("failed to initialize payment: %w", err)
	}

	c.logger.Info("Payment attempt started",
		zap.String("attempt_id", attempt.ID),
		zap.String("amount", attempt.Amount().StringFixed(2)))

	c.startPolling(ctx, attempt.ID)
	return attempt, res, nil
}

// HandleSuccess is the gateway's success callback. The gateway sends the reference as
// "reference" or "trxref".
func (c *Coordinator) HandleSuccess(ctx context.Context, attemptID string, payload map[string]string) Outcome {
	reference := payload["reference"]
	if reference == "" {
		reference = payload["trxref"]
	}
	return c.resolve(ctx, attemptID, reference, ChannelCallback)
}

// HandleClose is the gateway's close callback. Closing the payment UI does not mean the
// buyer did not pay, so it waits CloseRecheckDelay and looks the transaction up once
// before cancelling.
func (c *Coordinator) HandleClose(ctx context.Context, attemptID string) Outcome {
	timer := time.NewTimer(c.cfg.CloseRecheckDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return Outcome{Kind: OutcomeSkipped, AttemptID: attemptID, Channel: ChannelClose, Err: ctx.Err()}
	case <-timer.C:
	}

	attempt, err := c.store.Get(ctx, attemptID)
	if err != nil || attempt == nil {
		return Outcome{Kind: OutcomeSkipped, AttemptID: attemptID, Channel: ChannelClose, Err: err}
	}

	tx, err := c.lookup(ctx, attempt)
	if err != nil {
		// No verdict either way; polling keeps looking.
		c.logger.Warn("Close re-check lookup failed", zap.String("attempt_id", attemptID), zap.Error(err))
		return Outcome{Kind: OutcomeSkipped, AttemptID: attemptID, Channel: ChannelClose, Err: err}
	}
	if tx.Successful() {
		return c.resolve(ctx, attemptID, tx.Reference, ChannelClose)
	}

	return c.cancel(ctx, attemptID)
}

// Retry re-runs verification for a retained attempt
func (c *Coordinator) Retry(ctx context.Context, attemptID string) (Outcome, error) {
	attempt, err := c.store.Get(ctx, attemptID)
	if err != nil {
		return Outcome{}, err
	}
	if attempt == nil {
		return Outcome{}, ErrAttemptNotFound
	}
	if attempt.Status == StatusCompleted {
		return Outcome{Kind: OutcomeCompleted, AttemptID: attemptID, Channel: ChannelRetry, OrderID: attempt.OrderID, AlreadyExists: true}, nil
	}

	return c.resolve(ctx, attemptID, attempt.Reference, ChannelRetry), nil
}

// Attempts lists retained attempts
func (c *Coordinator) Attempts(ctx context.Context) ([]Attempt, error) {
	return c.store.List(ctx)
}

// Discard forgets an attempt and stops its polling
func (c *Coordinator) Discard(ctx context.Context, attemptID string) error {
	c.stopPolling(attemptID)
	return c.store.Delete(ctx, attemptID)
}

// Stop cancels every polling loop
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, p := range c.pollers {
		p.cancel()
		delete(c.pollers, id)
	}
}

// resolve is the single entry point every channel goes through to finalize an attempt
func (c *Coordinator) resolve(ctx context.Context, attemptID, reference, channel string) Outcome {
	if !c.lock.TryAcquire(attemptID) {
		c.logger.Info("Attempt already being finalized, skipping",
			zap.String("attempt_id", attemptID),
			zap.String("channel", channel))
		return Outcome{Kind: OutcomeSkipped, AttemptID: attemptID, Channel: channel}
	}
	defer c.lock.Release(attemptID)

	attempt, err := c.store.Get(ctx, attemptID)
	if err != nil {
		c.logger.Error("Failed to load attempt", zap.String("attempt_id", attemptID), zap.Error(err))
		return Outcome{Kind: OutcomeSkipped, AttemptID: attemptID, Channel: channel, Err: err}
	}
	// Another channel finished the attempt while this one was waiting on the network.
	if attempt == nil || attempt.Status == StatusCompleted {
		return Outcome{Kind: OutcomeSkipped, AttemptID: attemptID, Channel: channel}
	}
	if reference == "" {
		reference = attempt.Reference
	}

	attempt.Status = StatusVerifying
	if channel == ChannelRetry {
		attempt.Status = StatusRetrying
	}
	c.save(ctx, attempt)

	res, err := c.api.VerifyPayment(ctx, reference, attempt.IdempotencyKey, attempt.Intent)
	outcome := Outcome{AttemptID: attemptID, Channel: channel, Err: err}

	var pe *models.PaymentError
	switch {
	case err == nil:
		outcome.Kind = OutcomeCompleted
		outcome.OrderID = res.OrderID
		outcome.AlreadyExists = res.AlreadyExists
		c.complete(ctx, attempt, res)

	case errors.As(err, &pe) && errors.Is(err, models.ErrPaymentNotSuccessful):
		outcome.Kind = OutcomeNotSuccessful
		c.stopPolling(attemptID)
		attempt.Status = StatusFailed
		attempt.LastError = err.Error()
		c.save(ctx, attempt)
		c.ui.Notify(LevelError, "Payment was not successful. You have not been charged; please try again.")

	case errors.As(err, &pe) && mayHaveCharged(pe, attempt, channel):
		outcome.Kind = OutcomePendingResolution
		c.stopPolling(attemptID)
		attempt.Status = StatusFailed
		attempt.Charged = true
		attempt.LastError = err.Error()
		c.save(ctx, attempt)
		c.ui.Notify(LevelWarning, "Payment received, order pending manual resolution. Reference: "+attempt.Reference)

	case errors.As(err, &pe):
		outcome.Kind = OutcomeFailed
		c.stopPolling(attemptID)
		attempt.Status = StatusFailed
		attempt.LastError = err.Error()
		c.save(ctx, attempt)
		c.ui.Notify(LevelError, "We could not confirm your payment. You can retry verification.")

	default:
		// Transport failure: the server may or may not have finalized. Keep the attempt
		// pending so polling or a retry can settle it.
		outcome.Kind = OutcomeUnknown
		attempt.Status = StatusPending
		attempt.LastError = err.Error()
		c.save(ctx, attempt)
		c.ui.Notify(LevelWarning, "Could not reach the server to confirm your payment. We will keep checking.")
	}

	c.logger.Info("Attempt resolved",
		zap.String("attempt_id", attemptID),
		zap.String("channel", channel),
		zap.String("outcome", string(outcome.Kind)),
		zap.Error(err))
	c.ui.Settled(outcome)
	return outcome
}

// mayHaveCharged reports whether a failed verification could have taken the buyer's
// money. Every channel but retry reaches resolve only after the gateway reported success.
func mayHaveCharged(pe *models.PaymentError, attempt *Attempt, channel string) bool {
	if pe.Charged || attempt.Charged {
		return true
	}
	return pe.Code == models.CodeVerificationFailed && channel != ChannelRetry
}

func (c *Coordinator) complete(ctx context.Context, attempt *Attempt, res *client.FinalizeResult) {
	c.stopPolling(attempt.ID)

	attempt.Status = StatusCompleted
	attempt.OrderID = res.OrderID
	attempt.LastError = ""

	c.ui.ClearCart()
	if err := c.store.Delete(ctx, attempt.ID); err != nil {
		c.logger.Error("Failed to clear attempt", zap.String("attempt_id", attempt.ID), zap.Error(err))
		c.save(ctx, attempt)
	}

	if res.AlreadyExists {
		c.ui.Notify(LevelInfo, "Your order was already placed.")
	} else {
		c.ui.Notify(LevelSuccess, "Payment confirmed. Your order has been placed.")
	}
	c.ui.Navigate(c.cfg.ConfirmationTarget + "?order=" + url.QueryEscape(res.OrderID))
}

// cancel marks a still-pending attempt cancelled. It takes the Lock so it never races a
// channel that is finalizing.
func (c *Coordinator) cancel(ctx context.Context, attemptID string) Outcome {
	if !c.lock.TryAcquire(attemptID) {
		return Outcome{Kind: OutcomeSkipped, AttemptID: attemptID, Channel: ChannelClose}
	}
	defer c.lock.Release(attemptID)

	attempt, err := c.store.Get(ctx, attemptID)
	if err != nil || attempt == nil || attempt.Status != StatusPending {
		return Outcome{Kind: OutcomeSkipped, AttemptID: attemptID, Channel: ChannelClose, Err: err}
	}

	c.stopPolling(attemptID)
	attempt.Status = StatusCancelled
	c.save(ctx, attempt)
	c.ui.Notify(LevelInfo, "Payment cancelled.")

	outcome := Outcome{Kind: OutcomeCancelled, AttemptID: attemptID, Channel: ChannelClose}
	c.ui.Settled(outcome)
	return outcome
}

func (c *Coordinator) lookup(ctx context.Context, attempt *Attempt) (*client.Transaction, error) {
	return c.api.LookupTransaction(ctx, client.LookupQuery{
		Reference: attempt.Reference,
		Email:     attempt.Intent.CustomerInfo.Email,
		Amount:    attempt.Amount(),
	})
}

func (c *Coordinator) save(ctx context.Context, attempt *Attempt) {
	attempt.UpdatedAt = c.now()
	if err := c.store.Save(ctx, attempt); err != nil {
		c.logger.Error("Failed to save attempt",
			zap.String("attempt_id", attempt.ID),
			zap.String("status", string(attempt.Status)),
			zap.Error(err))
	}
}
