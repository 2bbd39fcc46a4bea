package service

import (
	"context"
	"fmt"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// VerifiedPayment is a gateway transaction that passed status and amount checks
type VerifiedPayment struct {
	Reference   string
	AmountMinor int64
	Email       string
	PaidAt      time.Time
}

// FinalizeResult is the outcome of a finalize call
type FinalizeResult struct {
	OrderID       string `json:"order_id"`
	AlreadyExists bool   `json:"already_exists"`
}

// OrderWriter creates exactly one order per idempotency key
type OrderWriter struct {
	store  OrderStore
	events EventPublisher
	logger *zap.Logger
}

// NewOrderWriter creates a new order writer
func NewOrderWriter(store OrderStore, events EventPublisher) *OrderWriter {
	return &OrderWriter{
		store:  store,
		events: events,
		logger: util.GetLogger(),
	}
}

// CreateOrderIfAbsent returns the order already stored for key without writing anything,
// or creates the order, its items and the completed payment row together.
func (w *OrderWriter) CreateOrderIfAbsent(ctx context.Context, key string, payment VerifiedPayment, intent models.OrderIntent) (*FinalizeResult, error) {
	ctx, span := util.StartSpan(ctx, "OrderWriter.CreateOrderIfAbsent", util.ReferenceAttr(payment.Reference))
	defer span.End()

	existing, err := w.store.GetOrderByIdempotencyKey(ctx, key)
	if err != nil {
		util.SpanError(span, err)
		return nil, fmt.Errorf("failed to check idempotency: %w", err)
	}
	if existing != nil {
		util.DuplicateFinalizeTotal.Inc()
		w.logger.Info("Duplicate finalize detected",
			zap.String("idempotency_key", key),
			zap.String("order_id", existing.ID))
		return &FinalizeResult{OrderID: existing.ID, AlreadyExists: true}, nil
	}

	order := &models.Order{
		ID:               uuid.NewString(),
		CustomerID:       intent.CustomerID,
		SellerID:         intent.SellerID,
		Total:            intent.Total,
		Currency:         intent.Currency,
		Status:           models.OrderStatusProcessing,
		EscrowStatus:     models.EscrowStatusHeld,
		DeliveryAddress:  intent.DeliveryAddress,
		CustomerInfo:     intent.CustomerInfo,
		PaymentReference: payment.Reference,
		IdempotencyKey:   key,
		DiscountCode:     intent.DiscountCode,
	}

	items := make([]models.OrderItem, 0, len(intent.Items))
	for _, item := range intent.Items {
		items = append(items, models.OrderItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}

	verifiedAt := payment.PaidAt
	if verifiedAt.IsZero() {
		verifiedAt = time.Now()
	}
	row := &models.Payment{
		Reference:      payment.Reference,
		IdempotencyKey: key,
		CustomerEmail:  payment.Email,
		AmountMinor:    payment.AmountMinor,
		Status:         models.PaymentStatusCompleted,
		VerifiedAt:     &verifiedAt,
	}

	created, err := w.store.CreateOrderWithPayment(ctx, order, items, row)
	if err != nil {
		util.SpanError(span, err)
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	if !created {
		// Lost the race on the unique index; order now holds the winner.
		util.DuplicateFinalizeTotal.Inc()
		w.logger.Info("Concurrent finalize lost to existing order",
			zap.String("idempotency_key", key),
			zap.String("order_id", order.ID))
		return &FinalizeResult{OrderID: order.ID, AlreadyExists: true}, nil
	}

	util.OrdersCreatedTotal.Inc()
	w.logger.Info("Order created",
		zap.String("order_id", order.ID),
		zap.String("reference", payment.Reference),
		zap.String("idempotency_key", key))

	w.applySideEffects(ctx, order, payment)

	return &FinalizeResult{OrderID: order.ID}, nil
}

// applySideEffects runs the follow-ups of a new order. Failures are logged and never
// undo the order.
func (w *OrderWriter) applySideEffects(ctx context.Context, order *models.Order, payment VerifiedPayment) {
	if order.DiscountCode != "" {
		if err := w.store.IncrementDiscountUsage(ctx, order.DiscountCode); err != nil {
			util.SideEffectFailuresTotal.WithLabelValues("discount_usage").Inc()
			w.logger.Error("Failed to increment discount usage",
				zap.String("order_id", order.ID),
				zap.String("discount_code", order.DiscountCode),
				zap.Error(err))
		}
	}

	now := time.Now()
	placed := &models.OrderPlacedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.NewString(),
			EventType: models.EventTypeOrderPlaced,
			Timestamp: now,
		},
		OrderID:          order.ID,
		CustomerID:       order.CustomerID,
		SellerID:         order.SellerID,
		Total:            order.Total.StringFixed(2),
		PaymentReference: order.PaymentReference,
	}
	if err := w.events.PublishOrderPlaced(ctx, placed); err != nil {
		util.SideEffectFailuresTotal.WithLabelValues("order_placed_event").Inc()
		w.logger.Error("Failed to publish OrderPlaced event", zap.String("order_id", order.ID), zap.Error(err))
	}

	confirmed := &models.PaymentConfirmedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.NewString(),
			EventType: models.EventTypePaymentConfirmed,
			Timestamp: now,
		},
		OrderID:     order.ID,
		Reference:   payment.Reference,
		AmountMinor: payment.AmountMinor,
		PaidAt:      payment.PaidAt,
	}
	if err := w.events.PublishPaymentConfirmed(ctx, confirmed); err != nil {
		util.SideEffectFailuresTotal.WithLabelValues("payment_confirmed_event").Inc()
		w.logger.Error("Failed to publish PaymentConfirmed event", zap.String("order_id", order.ID), zap.Error(err))
	}
}
