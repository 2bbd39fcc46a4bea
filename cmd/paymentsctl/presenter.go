package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"checkout-service/internal/coordinator"
)

// terminal presents checkout progress on a text stream
type terminal struct {
	mu      sync.Mutex
	out     io.Writer
	settled chan coordinator.Outcome
}

func newTerminal(out io.Writer) *terminal {
	return &terminal{out: out, settled: make(chan coordinator.Outcome, 16)}
}

func (t *terminal) Notify(level coordinator.Level, message string) {
	t.printf("[%s] %s\n", strings.ToUpper(string(level)), message)
}

func (t *terminal) ClearCart() {
	t.printf("Cart cleared.\n")
}

func (t *terminal) Navigate(target string) {
	t.printf("Continue at %s\n", target)
}

func (t *terminal) Settled(outcome coordinator.Outcome) {
	select {
	case t.settled <- outcome:
	default:
	}
}

func (t *terminal) printf(format string, args ...interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format, args...)
}

// waitForVerdict blocks until a channel settles attemptID for good. A transport
// failure on the callback path is not final because polling continues.
func (t *terminal) waitForVerdict(ctx context.Context, attemptID string) (coordinator.Outcome, error) {
	for {
		select {
		case <-ctx.Done():
			return coordinator.Outcome{}, ctx.Err()
		case o := <-t.settled:
			if o.AttemptID != attemptID {
				continue
			}
			if o.Kind == coordinator.OutcomeUnknown && o.Channel != coordinator.ChannelPoll {
				continue
			}
			return o, nil
		}
	}
}
