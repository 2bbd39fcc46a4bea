package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"checkout-service/internal/auditlog"
	"checkout-service/internal/gateway"
	"checkout-service/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
)

// memStore is an in-memory OrderStore, PaymentStore and OrderReader with the same
// uniqueness rule as the Postgres store.
type memStore struct {
	mu           sync.Mutex
	ordersByKey  map[string]*models.Order
	ordersByID   map[string]*models.Order
	items        map[string][]models.OrderItem
	messages     map[string][]models.OrderMessage
	payments     map[string]*models.Payment
	discounts    map[string]int
	discountErr  error
	createdCount int
}

func newMemStore() *memStore {
	return &memStore{
		ordersByKey: make(map[string]*models.Order),
		ordersByID:  make(map[string]*models.Order),
		items:       make(map[string][]models.OrderItem),
		messages:    make(map[string][]models.OrderMessage),
		payments:    make(map[string]*models.Payment),
		discounts:   make(map[string]int),
	}
}

func (m *memStore) GetOrderByIdempotencyKey(_ context.Context, key string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.ordersByKey[key]; ok {
		cp := *o
		return &cp, nil
	}
	return nil, nil
}

func (m *memStore) GetOrderByPaymentReference(_ context.Context, reference string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.ordersByID {
		if o.PaymentReference == reference {
			cp := *o
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) CreateOrderWithPayment(_ context.Context, order *models.Order, items []models.OrderItem, payment *models.Payment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.ordersByKey[order.IdempotencyKey]; ok {
		*order = *existing
		return false, nil
	}

	order.CreatedAt = time.Now()
	order.UpdatedAt = order.CreatedAt
	stored := *order
	m.ordersByKey[order.IdempotencyKey] = &stored
	m.ordersByID[order.ID] = &stored
	m.items[order.ID] = append([]models.OrderItem(nil), items...)
	m.createdCount++

	orderID := order.ID
	if p, ok := m.payments[payment.Reference]; ok {
		if p.OrderID == nil {
			p.OrderID = &orderID
			p.Status = payment.Status
			p.VerifiedAt = payment.VerifiedAt
		}
	} else {
		cp := *payment
		cp.OrderID = &orderID
		cp.CreatedAt = time.Now()
		m.payments[payment.Reference] = &cp
	}
	return true, nil
}

func (m *memStore) IncrementDiscountUsage(_ context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.discountErr != nil {
		return m.discountErr
	}
	m.discounts[code]++
	return nil
}

func (m *memStore) CreatePendingPayment(_ context.Context, payment *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[payment.Reference]; ok {
		return nil
	}
	cp := *payment
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.payments[payment.Reference] = &cp
	return nil
}

func (m *memStore) GetPaymentByReference(_ context.Context, reference string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.payments[reference]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

func (m *memStore) ListPaymentsByStatusSince(_ context.Context, statuses []string, since time.Time) ([]models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Payment
	for _, p := range m.payments {
		if p.CreatedAt.Before(since) {
			continue
		}
		for _, s := range statuses {
			if p.Status == s {
				out = append(out, *p)
				break
			}
		}
	}
	return out, nil
}

func (m *memStore) MarkPaymentCompleted(_ context.Context, reference, orderID string, verifiedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[reference]
	if !ok || p.Status == models.PaymentStatusCompleted {
		return false, nil
	}
	p.Status = models.PaymentStatusCompleted
	p.OrderID = &orderID
	p.VerifiedAt = &verifiedAt
	return true, nil
}

func (m *memStore) MarkPaymentFailed(_ context.Context, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.payments[reference]; ok && p.Status == models.PaymentStatusPending {
		p.Status = models.PaymentStatusFailed
	}
	return nil
}

func (m *memStore) GetOrderByID(_ context.Context, id string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.ordersByID[id]; ok {
		cp := *o
		return &cp, nil
	}
	return nil, nil
}

func (m *memStore) GetOrderItemsByOrderID(_ context.Context, orderID string) ([]models.OrderItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[orderID], nil
}

func (m *memStore) GetOrderMessages(_ context.Context, orderID string) ([]models.OrderMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.messages[orderID], nil
}

// seedOrder stores an order without touching payment rows
func (m *memStore) seedOrder(order models.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ordersByKey[order.IdempotencyKey] = &order
	m.ordersByID[order.ID] = &order
}

func (m *memStore) orderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createdCount
}

func (m *memStore) paymentStatus(reference string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.payments[reference]; ok {
		return p.Status
	}
	return ""
}

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) VerifyTransaction(ctx context.Context, reference string) (*gateway.Transaction, error) {
	args := m.Called(ctx, reference)
	tx, _ := args.Get(0).(*gateway.Transaction)
	return tx, args.Error(1)
}

func (m *mockGateway) FindRecentTransaction(ctx context.Context, email string, amountMinor int64) (*gateway.Transaction, error) {
	args := m.Called(ctx, email, amountMinor)
	tx, _ := args.Get(0).(*gateway.Transaction)
	return tx, args.Error(1)
}

func (m *mockGateway) InitializeTransaction(ctx context.Context, req gateway.InitializeRequest) (*gateway.InitializeResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*gateway.InitializeResponse)
	return resp, args.Error(1)
}

// memAudit refuses writes on a finished context the way the Mongo driver does.
type memAudit struct {
	mu             sync.Mutex
	failures       []auditlog.FailedVerification
	mismatches     []auditlog.AmountMismatch
	reconciliation []auditlog.ReconciliationEntry
}

func (a *memAudit) RecordFailedVerification(ctx context.Context, entry *auditlog.FailedVerification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures = append(a.failures, *entry)
	return nil
}

func (a *memAudit) RecordAmountMismatch(ctx context.Context, entry *auditlog.AmountMismatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mismatches = append(a.mismatches, *entry)
	return nil
}

func (a *memAudit) RecordReconciliation(ctx context.Context, entries []auditlog.ReconciliationEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reconciliation = append(a.reconciliation, entries...)
	return nil
}

type memEvents struct {
	mu         sync.Mutex
	placed     []*models.OrderPlacedEvent
	confirmed  []*models.PaymentConfirmedEvent
	anomalies  []*models.PaymentAnomalyEvent
	reconciled []*models.PaymentReconciledEvent
	err        error
}

func (e *memEvents) PublishOrderPlaced(_ context.Context, event *models.OrderPlacedEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.placed = append(e.placed, event)
	return e.err
}

func (e *memEvents) PublishPaymentConfirmed(_ context.Context, event *models.PaymentConfirmedEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.confirmed = append(e.confirmed, event)
	return e.err
}

func (e *memEvents) PublishPaymentAnomaly(ctx context.Context, event *models.PaymentAnomalyEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.anomalies = append(e.anomalies, event)
	return e.err
}

func (e *memEvents) PublishPaymentReconciled(_ context.Context, event *models.PaymentReconciledEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reconciled = append(e.reconciled, event)
	return e.err
}

// memGuard mimics the redis lock and idempotency cache
type memGuard struct {
	mu    sync.Mutex
	locks map[string]string
	cache map[string]string
	next  int
}

func newMemGuard() *memGuard {
	return &memGuard{locks: make(map[string]string), cache: make(map[string]string)}
}

func (g *memGuard) AcquireLock(_ context.Context, lockKey string, _ time.Duration) (string, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, held := g.locks[lockKey]; held {
		return "", false, nil
	}
	g.next++
	token := string(rune('a' + g.next%26))
	g.locks[lockKey] = token
	return token, true, nil
}

func (g *memGuard) ReleaseLock(_ context.Context, lockKey, token string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.locks[lockKey] == token {
		delete(g.locks, lockKey)
	}
	return nil
}

func (g *memGuard) CacheOrderID(_ context.Context, key, orderID string, _ time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cache[key] = orderID
	return nil
}

func (g *memGuard) GetCachedOrderID(_ context.Context, key string) (string, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.cache[key]
	return id, ok, nil
}

var errTransient = &gateway.Error{Op: "verify", Message: "connection reset", Transient: true}

var errDiscountGone = errors.New("discount code not found: SAVE10")

func newIntent(total int64) models.OrderIntent {
	price := decimal.NewFromInt(total)
	return models.OrderIntent{
		CustomerID: "customer-1",
		SellerID:   "seller-1",
		Items: []models.CartItem{
			{ProductID: "p-1", SellerID: "seller-1", Name: "Kettle", Quantity: 1, UnitPrice: price},
		},
		Total:           price,
		Currency:        "NGN",
		DeliveryAddress: models.Address{Line1: "1 Marina", City: "Lagos"},
		CustomerInfo:    models.CustomerInfo{Name: "Ada", Email: "ada@example.com", Phone: "08012345678"},
	}
}

func successTx(reference string, amountMinor int64) *gateway.Transaction {
	return &gateway.Transaction{
		Reference:   reference,
		Status:      gateway.StatusSuccess,
		AmountMinor: amountMinor,
		Currency:    "NGN",
		Email:       "ada@example.com",
		PaidAt:      time.Now(),
	}
}
