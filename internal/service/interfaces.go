package service

import (
	"context"
	"time"

	"checkout-service/internal/auditlog"
	"checkout-service/internal/gateway"
	"checkout-service/internal/models"
)

// OrderStore persists orders. CreateOrderWithPayment must be backed by a uniqueness
// guarantee on the idempotency key.
type OrderStore interface {
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	GetOrderByPaymentReference(ctx context.Context, reference string) (*models.Order, error)
	CreateOrderWithPayment(ctx context.Context, order *models.Order, items []models.OrderItem, payment *models.Payment) (bool, error)
	IncrementDiscountUsage(ctx context.Context, code string) error
}

// PaymentStore persists payment audit rows
type PaymentStore interface {
	CreatePendingPayment(ctx context.Context, payment *models.Payment) error
	GetPaymentByReference(ctx context.Context, reference string) (*models.Payment, error)
	ListPaymentsByStatusSince(ctx context.Context, statuses []string, since time.Time) ([]models.Payment, error)
	MarkPaymentCompleted(ctx context.Context, reference, orderID string, verifiedAt time.Time) (bool, error)
	MarkPaymentFailed(ctx context.Context, reference string) error
}

// Gateway is the payment gateway adapter contract
type Gateway interface {
	VerifyTransaction(ctx context.Context, reference string) (*gateway.Transaction, error)
	FindRecentTransaction(ctx context.Context, email string, amountMinor int64) (*gateway.Transaction, error)
	InitializeTransaction(ctx context.Context, req gateway.InitializeRequest) (*gateway.InitializeResponse, error)
}

// AuditLog is the append-only anomaly ledger
type AuditLog interface {
	RecordFailedVerification(ctx context.Context, entry *auditlog.FailedVerification) error
	RecordAmountMismatch(ctx context.Context, entry *auditlog.AmountMismatch) error
	RecordReconciliation(ctx context.Context, entries []auditlog.ReconciliationEntry) error
}

// EventPublisher publishes payment domain events
type EventPublisher interface {
	PublishOrderPlaced(ctx context.Context, event *models.OrderPlacedEvent) error
	PublishPaymentConfirmed(ctx context.Context, event *models.PaymentConfirmedEvent) error
	PublishPaymentAnomaly(ctx context.Context, event *models.PaymentAnomalyEvent) error
	PublishPaymentReconciled(ctx context.Context, event *models.PaymentReconciledEvent) error
}

// FinalizeGuard keeps concurrent finalize calls for one key from racing to the gateway.
// It is an optimisation; the store's unique constraint is what guarantees one order.
type FinalizeGuard interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, lockKey, token string) error
	CacheOrderID(ctx context.Context, idempotencyKey, orderID string, ttl time.Duration) error
	GetCachedOrderID(ctx context.Context, idempotencyKey string) (string, bool, error)
}

// OrderReader serves order detail reads
type OrderReader interface {
	GetOrderByID(ctx context.Context, id string) (*models.Order, error)
	GetOrderItemsByOrderID(ctx context.Context, orderID string) ([]models.OrderItem, error)
	GetOrderMessages(ctx context.Context, orderID string) ([]models.OrderMessage, error)
}
