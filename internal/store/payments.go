package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"checkout-service/internal/models"

	"github.com/lib/pq"
)

// CreatePendingPayment records a payment the buyer is about to make. Re-initialising the
// same reference is a no-op.
func (s *Store) CreatePendingPayment(ctx context.Context, payment *models.Payment) error {
	query := `
		INSERT INTO payments (reference, idempotency_key, customer_email, amount_minor, status, intent)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (reference) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query,
		payment.Reference, payment.IdempotencyKey, payment.CustomerEmail,
		payment.AmountMinor, payment.Status, payment.Intent)
	return err
}

// GetPaymentByReference retrieves a payment row, nil when absent
func (s *Store) GetPaymentByReference(ctx context.Context, reference string) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment, "SELECT * FROM payments WHERE reference = $1", reference)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// ListPaymentsByStatusSince returns payments in one of statuses created at or after since
func (s *Store) ListPaymentsByStatusSince(ctx context.Context, statuses []string, since time.Time) ([]models.Payment, error) {
	var payments []models.Payment
	err := s.db.SelectContext(ctx, &payments,
		"SELECT * FROM payments WHERE status = ANY($1) AND created_at >= $2 ORDER BY created_at",
		pq.Array(statuses), since)
	return payments, err
}

// MarkPaymentCompleted attaches a payment to its order. It only touches rows that are not
// completed yet and reports whether a row changed.
func (s *Store) MarkPaymentCompleted(ctx context.Context, reference, orderID string, verifiedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payments
		SET status = $2, order_id = $3, verified_at = $4, updated_at = NOW()
		WHERE reference = $1 AND status <> $2`,
		reference, models.PaymentStatusCompleted, orderID, verifiedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkPaymentFailed flags a pending payment the gateway rejected
func (s *Store) MarkPaymentFailed(ctx context.Context, reference string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE payments SET status = $2, updated_at = NOW()
		WHERE reference = $1 AND status = $3`,
		reference, models.PaymentStatusFailed, models.PaymentStatusPending)
	return err
}
