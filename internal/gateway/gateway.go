// Package gateway holds the payment gateway adapters. The gateway is the
// authority on whether a transaction reference was paid and for how much.
package gateway

import (
	"errors"
	"fmt"
	"time"
)

// Transaction statuses as normalised by the adapters
const (
	StatusSuccess    = "success"
	StatusFailed     = "failed"
	StatusAbandoned  = "abandoned"
	StatusPending    = "pending"
	StatusProcessing = "processing"
)

// ErrTransactionNotFound is returned when the gateway has no record of a reference
var ErrTransactionNotFound = errors.New("transaction not found")

// Transaction is the gateway's authoritative view of a payment
type Transaction struct {
	Reference   string
	Status      string
	AmountMinor int64
	Currency    string
	Email       string
	PaidAt      time.Time
}

// Successful reports whether the gateway settled the charge
func (t *Transaction) Successful() bool {
	return t != nil && t.Status == StatusSuccess
}

// InitializeRequest opens a transaction for a client-generated reference
type InitializeRequest struct {
	Reference   string
	Email       string
	AmountMinor int64
	Currency    string
	CallbackURL string
	Metadata    map[string]string
}

// InitializeResponse carries what the buyer's payment UI needs
type InitializeResponse struct {
	Reference        string
	AuthorizationURL string
	AccessCode       string
}

// Error is a failed gateway call
type Error struct {
	Op         string
	StatusCode int
	Message    string
	// Transient is true for network failures, timeouts, 429 and 5xx answers
	Transient bool
	Err       error
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("gateway %s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("gateway %s: status %d: %s", e.Op, e.StatusCode, e.Message)
}

// IsTransient reports whether a failed call is worth retrying
func IsTransient(err error) bool {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Transient
	}
	return false
}

func transientStatus(code int) bool {
	return code == 429 || code >= 500
}
