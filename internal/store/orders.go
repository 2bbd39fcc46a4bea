package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"checkout-service/internal/models"
)

// GetOrderByID retrieves an order by ID, nil when absent
func (s *Store) GetOrderByID(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByIdempotencyKey retrieves an order by idempotency key, nil when absent
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE idempotency_key = $1", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByPaymentReference retrieves the order paid by a gateway reference, nil when absent
func (s *Store) GetOrderByPaymentReference(ctx context.Context, reference string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order,
		"SELECT * FROM orders WHERE payment_reference = $1 ORDER BY created_at LIMIT 1", reference)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// CreateOrderWithPayment inserts the order, its items and the completed payment row in one
// transaction. The unique index on idempotency_key decides the winner between concurrent
// callers: a loser gets created=false and order is overwritten with the stored row.
func (s *Store) CreateOrderWithPayment(ctx context.Context, order *models.Order, items []models.OrderItem, payment *models.Payment) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO orders (id, customer_id, seller_id, total, currency, status, escrow_status,
			delivery_address, customer_info, payment_reference, idempotency_key, discount_code)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING created_at, updated_at`

	err = tx.GetContext(ctx, order, query,
		order.ID, order.CustomerID, order.SellerID, order.Total, order.Currency, order.Status,
		order.EscrowStatus, order.DeliveryAddress, order.CustomerInfo, order.PaymentReference,
		order.IdempotencyKey, order.DiscountCode)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		existing, getErr := s.GetOrderByIdempotencyKey(ctx, order.IdempotencyKey)
		if getErr != nil {
			return false, fmt.Errorf("failed to load existing order: %w", getErr)
		}
		if existing == nil {
			return false, fmt.Errorf("order for idempotency key %s vanished after conflict", order.IdempotencyKey)
		}
		*order = *existing
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert order: %w", err)
	}

	for i := range items {
		items[i].OrderID = order.ID
		err := tx.GetContext(ctx, &items[i].ID, `
			INSERT INTO order_items (order_id, product_id, name, quantity, unit_price)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id`,
			items[i].OrderID, items[i].ProductID, items[i].Name, items[i].Quantity, items[i].UnitPrice)
		if err != nil {
			return false, fmt.Errorf("failed to insert order item: %w", err)
		}
	}

	// The pending row written at initialisation is completed in place.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO payments (reference, idempotency_key, order_id, customer_email, amount_minor, status, verified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (reference) DO UPDATE
		SET order_id = EXCLUDED.order_id,
			status = EXCLUDED.status,
			verified_at = EXCLUDED.verified_at,
			updated_at = NOW()
		WHERE payments.order_id IS NULL`,
		payment.Reference, payment.IdempotencyKey, order.ID, payment.CustomerEmail,
		payment.AmountMinor, payment.Status, payment.VerifiedAt)
	if err != nil {
		return false, fmt.Errorf("failed to upsert payment: %w", err)
	}
	payment.OrderID = &order.ID

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit order: %w", err)
	}
	return true, nil
}

// GetOrderItemsByOrderID retrieves all items for an order
func (s *Store) GetOrderItemsByOrderID(ctx context.Context, orderID string) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", orderID)
	return items, err
}

// IncrementDiscountUsage bumps the usage counter of a discount code
func (s *Store) IncrementDiscountUsage(ctx context.Context, code string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE discount_codes SET usage_count = usage_count + 1 WHERE code = $1", code)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("discount code not found: %s", code)
	}
	return nil
}

// AddOrderMessages appends messages to an order's thread
func (s *Store) AddOrderMessages(ctx context.Context, orderID, sender string, bodies ...string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, body := range bodies {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO order_messages (order_id, sender, body) VALUES ($1, $2, $3)",
			orderID, sender, body); err != nil {
			return fmt.Errorf("failed to insert order message: %w", err)
		}
	}
	return tx.Commit()
}

// GetOrderMessages lists an order's thread oldest first
func (s *Store) GetOrderMessages(ctx context.Context, orderID string) ([]models.OrderMessage, error) {
	var msgs []models.OrderMessage
	err := s.db.SelectContext(ctx, &msgs,
		"SELECT * FROM order_messages WHERE order_id = $1 ORDER BY id", orderID)
	return msgs, err
}
