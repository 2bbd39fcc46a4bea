package worker

import (
	"context"
	"fmt"

	"checkout-service/internal/broker"
	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ThreadStore is the storage the thread worker writes to
type ThreadStore interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
	AddOrderMessages(ctx context.Context, orderID, sender string, bodies ...string) error
}

// ThreadWorker writes the system messages that open an order's buyer/seller thread
type ThreadWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	store        ThreadStore
	logger       *zap.Logger
}

// NewThreadWorker creates a new thread worker
func NewThreadWorker(consumer *broker.Consumer, store ThreadStore) *ThreadWorker {
	w := &ThreadWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		store:        store,
		logger:       util.GetLogger(),
	}

	w.eventHandler.OnOrderPlaced(w.HandleOrderPlaced)
	w.eventHandler.OnPaymentConfirmed(w.HandlePaymentConfirmed)

	return w
}

// Start starts the worker
func (w *ThreadWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting thread worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *ThreadWorker) Stop() error {
	w.logger.Info("Stopping thread worker")
	return w.consumer.Close()
}

// HandleOrderPlaced posts the "Order placed" message
func (w *ThreadWorker) HandleOrderPlaced(ctx context.Context, event *models.OrderPlacedEvent) error {
	body := "Order placed"
	if total, err := decimal.NewFromString(event.Total); err == nil {
		body = fmt.Sprintf("Order placed. Total: %s", total.StringFixed(2))
	}
	return w.writeOnce(ctx, event.EventID, event.EventType, event.OrderID, body)
}

// HandlePaymentConfirmed posts the "Payment confirmed" message
func (w *ThreadWorker) HandlePaymentConfirmed(ctx context.Context, event *models.PaymentConfirmedEvent) error {
	body := fmt.Sprintf("Payment confirmed. Reference: %s", event.Reference)
	return w.writeOnce(ctx, event.EventID, event.EventType, event.OrderID, body)
}

func (w *ThreadWorker) writeOnce(ctx context.Context, eventID, eventType, orderID, body string) error {
	ctx, span := util.StartSpan(ctx, "ThreadWorker.writeOnce")
	defer span.End()

	processed, err := w.store.IsEventProcessed(ctx, eventID)
	if err != nil {
		return fmt.Errorf("failed to check event: %w", err)
	}
	if processed {
		w.logger.Debug("Event already processed", zap.String("event_id", eventID))
		return nil
	}

	if err := w.store.AddOrderMessages(ctx, orderID, models.MessageSenderSystem, body); err != nil {
		util.SideEffectFailuresTotal.WithLabelValues("thread_message").Inc()
		return fmt.Errorf("failed to add order message: %w", err)
	}

	if err := w.store.MarkEventProcessed(ctx, eventID, eventType); err != nil {
		w.logger.Error("Failed to mark event processed", zap.String("event_id", eventID), zap.Error(err))
	}

	w.logger.Info("Thread message written",
		zap.String("order_id", orderID),
		zap.String("event_type", eventType))
	return nil
}
