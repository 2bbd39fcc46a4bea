package worker

import (
	"context"
	"fmt"
	"time"

	"checkout-service/internal/service"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

const leaderLockKey = "reconciliation:leader"

// Reconciler runs one reconciliation sweep
type Reconciler interface {
	Reconcile(ctx context.Context, windowDays int) (*service.ReconcileResult, error)
}

// LeaderLock elects one sweeping replica
type LeaderLock interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, lockKey, token string) error
	ExtendLock(ctx context.Context, lockKey, token string, ttl time.Duration) (bool, error)
}

// ReconciliationWorker runs the sweep on a schedule. Only the replica holding the
// leader lock sweeps on a given tick.
type ReconciliationWorker struct {
	reconciler Reconciler
	lock       LeaderLock
	interval   time.Duration
	windowDays int
	logger     *zap.Logger
}

// NewReconciliationWorker creates a new reconciliation worker
func NewReconciliationWorker(reconciler Reconciler, lock LeaderLock, interval time.Duration, windowDays int) *ReconciliationWorker {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &ReconciliationWorker{
		reconciler: reconciler,
		lock:       lock,
		interval:   interval,
		windowDays: windowDays,
		logger:     util.GetLogger(),
	}
}

// Start blocks running sweeps every interval until ctx is cancelled
func (w *ReconciliationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting reconciliation worker", zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Reconciliation worker stopping")
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil {
				w.logger.Error("Scheduled reconciliation failed", zap.Error(err))
			}
		}
	}
}

// RunOnce sweeps if this replica wins the leader lock. ran is false when another
// replica holds it.
func (w *ReconciliationWorker) RunOnce(ctx context.Context) (ran bool, err error) {
	ttl := w.interval
	token, acquired, err := w.lock.AcquireLock(ctx, leaderLockKey, ttl)
	if err != nil {
		return false, fmt.Errorf("failed to acquire leader lock: %w", err)
	}
	if !acquired {
		w.logger.Debug("Reconciliation leader lock held elsewhere")
		return false, nil
	}
	defer func() {
		if err := w.lock.ReleaseLock(context.Background(), leaderLockKey, token); err != nil {
			w.logger.Warn("Failed to release leader lock", zap.Error(err))
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.keepLeadership(runCtx, cancel, token, ttl)

	result, err := w.reconciler.Reconcile(runCtx, w.windowDays)
	if err != nil {
		return true, err
	}
	w.logger.Info("Scheduled reconciliation complete",
		zap.String("run_id", result.RunID),
		zap.Int("checked", result.Checked),
		zap.Int("issues", result.IssuesFound),
		zap.Int("repairs", len(result.Repairs)))
	return true, nil
}

// keepLeadership extends the lock while a sweep runs and cancels the sweep if the
// lock is lost.
func (w *ReconciliationWorker) keepLeadership(ctx context.Context, cancel context.CancelFunc, token string, ttl time.Duration) {
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := w.lock.ExtendLock(ctx, leaderLockKey, token, ttl)
			if err != nil {
				w.logger.Warn("Failed to extend leader lock", zap.Error(err))
				continue
			}
			if !ok {
				w.logger.Warn("Lost reconciliation leader lock, aborting sweep")
				cancel()
				return
			}
		}
	}
}
