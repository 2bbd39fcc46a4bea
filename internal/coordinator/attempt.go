package coordinator

import (
	"fmt"
	"strings"
	"time"

	"checkout-service/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status of a payment attempt
type Status string

const (
	StatusPending   Status = "pending"
	StatusVerifying Status = "verifying"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Attempt is one checkout submission. Its reference doubles as the gateway
// transaction reference and its intent never changes after creation.
type Attempt struct {
	ID             string             `json:"id"`
	Reference      string             `json:"reference"`
	IdempotencyKey string             `json:"idempotency_key"`
	Intent         models.OrderIntent `json:"intent"`
	Status         Status             `json:"status"`
	OrderID        string             `json:"order_id,omitempty"`
	// Charged is set when the server reported the buyer as paid but no order resulted
	Charged   bool      `json:"charged"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Amount is the total the buyer is paying
func (a *Attempt) Amount() decimal.Decimal {
	return a.Intent.Total
}

// NewAttempt snapshots intent into a pending attempt with a fresh reference and key
func NewAttempt(prefix string, intent models.OrderIntent, now time.Time) *Attempt {
	reference := NewReference(prefix, now)
	return &Attempt{
		ID:             reference,
		Reference:      reference,
		IdempotencyKey: uuid.NewString(),
		Intent:         intent,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// NewReference returns "<prefix>_<unix millis>_<random>"
func NewReference(prefix string, now time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
	return fmt.Sprintf("%s_%d_%s", prefix, now.UnixMilli(), random)
}
