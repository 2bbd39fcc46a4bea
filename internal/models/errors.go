package models

import (
	"errors"
	"fmt"
)

var (
	// ErrPaymentNotSuccessful means the gateway did not report the charge as successful
	ErrPaymentNotSuccessful = errors.New("payment not successful")
	// ErrAmountMismatch means the charged amount differs from the order total
	ErrAmountMismatch = errors.New("payment amount mismatch")
	// ErrVerificationFailed means the gateway could not be reached or answered with an error
	ErrVerificationFailed = errors.New("payment verification failed")
	// ErrAmountBelowMinimum means the amount is under the smallest transactable amount
	ErrAmountBelowMinimum = errors.New("amount below minimum transactable amount")
	// ErrInvalidCheckout means the checkout form or cart failed validation
	ErrInvalidCheckout = errors.New("invalid checkout")
)

// Error codes carried over the wire
const (
	CodePaymentNotSuccessful = "payment_not_successful"
	CodeAmountMismatch       = "amount_mismatch"
	CodeVerificationFailed   = "verification_failed"
	CodeAmountBelowMinimum   = "amount_below_minimum"
	CodeInvalidRequest       = "invalid_request"
)

// PaymentError describes a verification failure together with whether the buyer was charged
type PaymentError struct {
	Code      string
	Reference string
	// Charged is true when the gateway reported the payment as successful
	Charged bool
	Err     error
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s (reference=%s): %v", e.Code, e.Reference, e.Err)
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

// NewPaymentError wraps cause under the sentinel matching code
func NewPaymentError(code, reference string, charged bool, cause error) *PaymentError {
	sentinel := SentinelForCode(code)
	err := sentinel
	if cause != nil && !errors.Is(cause, sentinel) {
		err = fmt.Errorf("%w: %w", sentinel, cause)
	}
	return &PaymentError{Code: code, Reference: reference, Charged: charged, Err: err}
}

// SentinelForCode maps a wire code back to its sentinel error
func SentinelForCode(code string) error {
	switch code {
	case CodePaymentNotSuccessful:
		return ErrPaymentNotSuccessful
	case CodeAmountMismatch:
		return ErrAmountMismatch
	case CodeAmountBelowMinimum:
		return ErrAmountBelowMinimum
	case CodeInvalidRequest:
		return ErrInvalidCheckout
	default:
		return ErrVerificationFailed
	}
}

// IsCharged reports whether err says the buyer may already have paid
func IsCharged(err error) bool {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Charged
	}
	return false
}
