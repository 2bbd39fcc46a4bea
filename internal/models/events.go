package models

import "time"

// Event types
const (
	EventTypeOrderPlaced       = "ORDER_PLACED"
	EventTypePaymentConfirmed  = "PAYMENT_CONFIRMED"
	EventTypePaymentAnomaly    = "PAYMENT_ANOMALY"
	EventTypePaymentReconciled = "PAYMENT_RECONCILED"
)

// Anomaly kinds carried by PaymentAnomalyEvent
const (
	AnomalyAmountMismatch     = "amount_mismatch"
	AnomalyVerificationFailed = "verification_failed"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderPlacedEvent published when the order writer creates a new order
type OrderPlacedEvent struct {
	BaseEvent
	OrderID          string `json:"order_id"`
	CustomerID       string `json:"customer_id"`
	SellerID         string `json:"seller_id"`
	Total            string `json:"total"`
	PaymentReference string `json:"payment_reference"`
}

// PaymentConfirmedEvent published once a payment is verified and attached to an order
type PaymentConfirmedEvent struct {
	BaseEvent
	OrderID     string    `json:"order_id"`
	Reference   string    `json:"reference"`
	AmountMinor int64     `json:"amount_minor"`
	PaidAt      time.Time `json:"paid_at"`
}

// PaymentAnomalyEvent published when a money-affecting disagreement is recorded
type PaymentAnomalyEvent struct {
	BaseEvent
	Kind           string `json:"kind"`
	Reference      string `json:"reference"`
	IdempotencyKey string `json:"idempotency_key"`
	Detail         string `json:"detail"`
}

// PaymentReconciledEvent published when the sweep repairs a payment
type PaymentReconciledEvent struct {
	BaseEvent
	Reference string `json:"reference"`
	OrderID   string `json:"order_id"`
	Action    string `json:"action"`
}
