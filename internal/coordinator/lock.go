package coordinator

import "sync"

// Lock lets one channel at a time finalize a given payment. Channels that find it
// held give up instead of waiting.
type Lock struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLock creates an empty lock table
func NewLock() *Lock {
	return &Lock{held: make(map[string]struct{})}
}

// TryAcquire takes the lock for paymentID and reports whether it succeeded
func (l *Lock) TryAcquire(paymentID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[paymentID]; ok {
		return false
	}
	l.held[paymentID] = struct{}{}
	return true
}

// Release frees the lock for paymentID
func (l *Lock) Release(paymentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, paymentID)
}

// Held reports whether paymentID is locked
func (l *Lock) Held(paymentID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[paymentID]
	return ok
}
