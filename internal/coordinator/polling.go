package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// startPolling schedules the lookup loop for an attempt. It starts after PollStartDelay
// whether or not any callback fires.
func (c *Coordinator) startPolling(parent context.Context, attemptID string) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	p := &poller{cancel: cancel}

	c.mu.Lock()
	if prev, ok := c.pollers[attemptID]; ok {
		prev.cancel()
	}
	c.pollers[attemptID] = p
	c.mu.Unlock()

	go c.poll(ctx, attemptID, p)
}

// poller is one polling loop. A restarted attempt gets a new one, so a finishing loop
// can tell whether the map still points at it.
type poller struct {
	cancel context.CancelFunc
}

// stopPolling cancels the loop. A lookup already in flight completes and its result
// is dropped by the Lock and status checks in resolve.
func (c *Coordinator) stopPolling(attemptID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pollers[attemptID]; ok {
		p.cancel()
		delete(c.pollers, attemptID)
	}
}

// Polling reports whether an attempt still has an active polling loop
func (c *Coordinator) Polling(attemptID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pollers[attemptID]
	return ok
}

func (c *Coordinator) poll(ctx context.Context, attemptID string, p *poller) {
	start := time.NewTimer(c.cfg.PollStartDelay)
	defer start.Stop()
	select {
	case <-ctx.Done():
		return
	case <-start.C:
	}

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for n := 1; n <= c.cfg.MaxPollAttempts; n++ {
		if n > 1 {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
		if ctx.Err() != nil {
			return
		}

		attempt, err := c.store.Get(ctx, attemptID)
		if err != nil {
			c.logger.Warn("Polling could not load attempt", zap.String("attempt_id", attemptID), zap.Error(err))
			continue
		}
		if attempt == nil {
			return
		}

		tx, err := c.lookup(ctx, attempt)
		if err != nil {
			c.logger.Warn("Polling lookup failed",
				zap.String("attempt_id", attemptID),
				zap.Int("poll", n),
				zap.Error(err))
			continue
		}
		if !tx.Successful() || ctx.Err() != nil {
			continue
		}

		outcome := c.resolve(ctx, attemptID, tx.Reference, ChannelPoll)
		if outcome.Kind != OutcomeUnknown && outcome.Kind != OutcomeSkipped {
			return
		}
	}

	// Stopped during the last lookup; whoever stopped the loop owns the verdict.
	if ctx.Err() != nil {
		return
	}
	c.exhausted(ctx, attemptID, p)
}

// exhausted leaves the attempt as it is. The buyer may still have paid, so this is
// neither a failure nor a cancellation.
func (c *Coordinator) exhausted(ctx context.Context, attemptID string, p *poller) {
	c.mu.Lock()
	if c.pollers[attemptID] == p {
		delete(c.pollers, attemptID)
	}
	c.mu.Unlock()

	attempt, err := c.store.Get(ctx, attemptID)
	if err != nil || attempt == nil {
		return
	}
	if attempt.Status != StatusPending {
		return
	}

	c.logger.Warn("Polling exhausted without a verdict",
		zap.String("attempt_id", attemptID),
		zap.Int("polls", c.cfg.MaxPollAttempts))
	c.ui.Notify(LevelWarning, "Payment status unknown. If you were charged your order will appear shortly; you can retry verification with reference "+attempt.Reference+".")
	c.ui.Settled(Outcome{Kind: OutcomeUnknown, AttemptID: attemptID, Channel: ChannelPoll})
}
