package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Order is the authoritative business record created once per idempotency key
type Order struct {
	ID               string          `db:"id" json:"id"`
	CustomerID       string          `db:"customer_id" json:"customer_id"`
	SellerID         string          `db:"seller_id" json:"seller_id"`
	Total            decimal.Decimal `db:"total" json:"total"`
	Currency         string          `db:"currency" json:"currency"`
	Status           string          `db:"status" json:"status"`
	EscrowStatus     string          `db:"escrow_status" json:"escrow_status"`
	DeliveryAddress  Address         `db:"delivery_address" json:"delivery_address"`
	CustomerInfo     CustomerInfo    `db:"customer_info" json:"customer_info"`
	PaymentReference string          `db:"payment_reference" json:"payment_reference"`
	IdempotencyKey   string          `db:"idempotency_key" json:"idempotency_key"`
	DiscountCode     string          `db:"discount_code" json:"discount_code,omitempty"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
}

// OrderItem is a line of an order, snapshotted from the cart
type OrderItem struct {
	ID        int64           `db:"id" json:"id"`
	OrderID   string          `db:"order_id" json:"order_id"`
	ProductID string          `db:"product_id" json:"product_id"`
	Name      string          `db:"name" json:"name"`
	Quantity  int             `db:"quantity" json:"quantity"`
	UnitPrice decimal.Decimal `db:"unit_price" json:"unit_price"`
}

// Payment is the server-side audit row for a gateway transaction
type Payment struct {
	Reference      string       `db:"reference" json:"reference"`
	IdempotencyKey string       `db:"idempotency_key" json:"idempotency_key"`
	OrderID        *string      `db:"order_id" json:"order_id,omitempty"`
	CustomerEmail  string       `db:"customer_email" json:"customer_email"`
	AmountMinor    int64        `db:"amount_minor" json:"amount_minor"`
	Status         string       `db:"status" json:"status"`
	Intent         *OrderIntent `db:"intent" json:"intent,omitempty"`
	VerifiedAt     *time.Time   `db:"verified_at" json:"verified_at,omitempty"`
	CreatedAt      time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at" json:"updated_at"`
}

// OrderMessage is an entry in an order's message thread
type OrderMessage struct {
	ID        int64     `db:"id" json:"id"`
	OrderID   string    `db:"order_id" json:"order_id"`
	Sender    string    `db:"sender" json:"sender"`
	Body      string    `db:"body" json:"body"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Order statuses
const (
	OrderStatusProcessing = "Processing"
	OrderStatusSent       = "Sent"
	OrderStatusReceived   = "Received"
	OrderStatusCompleted  = "Completed"
	OrderStatusCancelled  = "Cancelled"
	OrderStatusDisputed   = "Disputed"
)

// Escrow statuses
const (
	EscrowStatusHeld     = "held"
	EscrowStatusReleased = "released"
	EscrowStatusRefunded = "refunded"
)

// Payment statuses
const (
	PaymentStatusPending    = "pending"
	PaymentStatusProcessing = "processing"
	PaymentStatusCompleted  = "completed"
	PaymentStatusFailed     = "failed"
)

// MessageSenderSystem marks thread messages written by the platform
const MessageSenderSystem = "system"

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}

// CartItem is a product line as the buyer saw it at checkout
type CartItem struct {
	ProductID string          `json:"product_id" validate:"required"`
	SellerID  string          `json:"seller_id" validate:"required"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity" validate:"gte=1"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Address is the delivery destination
type Address struct {
	Line1   string `json:"line1" validate:"required"`
	Line2   string `json:"line2,omitempty"`
	City    string `json:"city" validate:"required"`
	State   string `json:"state"`
	Country string `json:"country"`
	Zone    string `json:"zone,omitempty"`
}

// CustomerInfo identifies the buyer
type CustomerInfo struct {
	Name  string `json:"name" validate:"required"`
	Email string `json:"email" validate:"required,email"`
	Phone string `json:"phone" validate:"required,phone"`
}

// OrderIntent is the snapshot of what the buyer is paying for
type OrderIntent struct {
	CustomerID      string          `json:"customer_id"`
	SellerID        string          `json:"seller_id" validate:"required"`
	Items           []CartItem      `json:"items" validate:"required,min=1,dive"`
	Total           decimal.Decimal `json:"total"`
	Currency        string          `json:"currency" validate:"required,len=3"`
	DeliveryAddress Address         `json:"delivery_address"`
	CustomerInfo    CustomerInfo    `json:"customer_info"`
	DiscountCode    string          `json:"discount_code,omitempty"`
}

// Value implements driver.Valuer for JSONB columns
func (a Address) Value() (driver.Value, error) { return jsonValue(a) }

// Scan implements sql.Scanner for JSONB columns
func (a *Address) Scan(src interface{}) error { return jsonScan(src, a) }

// Value implements driver.Valuer for JSONB columns
func (c CustomerInfo) Value() (driver.Value, error) { return jsonValue(c) }

// Scan implements sql.Scanner for JSONB columns
func (c *CustomerInfo) Scan(src interface{}) error { return jsonScan(src, c) }

// Value implements driver.Valuer for JSONB columns
func (i OrderIntent) Value() (driver.Value, error) { return jsonValue(i) }

// Scan implements sql.Scanner for JSONB columns
func (i *OrderIntent) Scan(src interface{}) error { return jsonScan(src, i) }

func jsonValue(v interface{}) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func jsonScan(src interface{}, dst interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported JSON column type %T", src)
	}
}
