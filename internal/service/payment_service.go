package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"checkout-service/internal/gateway"
	"checkout-service/internal/models"
	"checkout-service/internal/money"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// InitializeRequest opens a gateway transaction for a checkout attempt
type InitializeRequest struct {
	Reference      string             `json:"reference" binding:"required"`
	IdempotencyKey string             `json:"idempotency_key"`
	Intent         models.OrderIntent `json:"order_data"`
}

// LookupQuery finds a transaction for an attempt. Reference wins when set; email and
// amount are the fallback for attempts whose reference the gateway never saw.
type LookupQuery struct {
	Reference   string
	Email       string
	AmountMinor int64
}

// OrderDetails is an order with its items and message thread
type OrderDetails struct {
	Order    *models.Order         `json:"order"`
	Items    []models.OrderItem    `json:"items"`
	Messages []models.OrderMessage `json:"messages"`
}

// PaymentService handles payment initialisation and read paths
type PaymentService struct {
	payments    PaymentStore
	orders      OrderReader
	gateway     Gateway
	callbackURL string
	logger      *zap.Logger
}

// NewPaymentService creates a new payment service
func NewPaymentService(payments PaymentStore, orders OrderReader, gw Gateway, callbackURL string) *PaymentService {
	return &PaymentService{
		payments:    payments,
		orders:      orders,
		gateway:     gw,
		callbackURL: callbackURL,
		logger:      util.GetLogger(),
	}
}

// Initialize records a pending payment with the order intent snapshot, then opens the
// transaction with the gateway. The pending row is what the reconciliation sweep later
// uses to find payments no channel finalized.
func (ps *PaymentService) Initialize(ctx context.Context, req InitializeRequest) (*gateway.InitializeResponse, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.Initialize", util.ReferenceAttr(req.Reference))
	defer span.End()

	if req.Reference == "" || req.IdempotencyKey == "" {
		return nil, models.NewPaymentError(models.CodeInvalidRequest, req.Reference, false,
			errors.New("reference and idempotency key are required"))
	}

	amountMinor, err := money.ToMinor(req.Intent.Total)
	if err != nil {
		return nil, models.NewPaymentError(models.CodeInvalidRequest, req.Reference, false, err)
	}
	if amountMinor < money.MinTransactableMinor {
		return nil, models.NewPaymentError(models.CodeAmountBelowMinimum, req.Reference, false,
			fmt.Errorf("total %s", req.Intent.Total))
	}

	intent := req.Intent
	payment := &models.Payment{
		Reference:      req.Reference,
		IdempotencyKey: req.IdempotencyKey,
		CustomerEmail:  req.Intent.CustomerInfo.Email,
		AmountMinor:    amountMinor,
		Status:         models.PaymentStatusPending,
		Intent:         &intent,
	}
	if err := ps.payments.CreatePendingPayment(ctx, payment); err != nil {
		util.SpanError(span, err)
		return nil, fmt.Errorf("failed to create payment: %w", err)
	}

	resp, err := ps.gateway.InitializeTransaction(ctx, gateway.InitializeRequest{
		Reference:   req.Reference,
		Email:       req.Intent.CustomerInfo.Email,
		AmountMinor: amountMinor,
		Currency:    req.Intent.Currency,
		CallbackURL: ps.callbackURL,
		Metadata: map[string]string{
			"idempotency_key": req.IdempotencyKey,
			"seller_id":       req.Intent.SellerID,
		},
	})
	if err != nil {
		util.SpanError(span, err)
		return nil, fmt.Errorf("failed to initialize transaction: %w", err)
	}

	ps.logger.Info("Payment initialized",
		zap.String("reference", req.Reference),
		zap.Int64("amount_minor", amountMinor))
	return resp, nil
}

// Lookup returns the gateway transaction matching q, nil when there is none
func (ps *PaymentService) Lookup(ctx context.Context, q LookupQuery) (*gateway.Transaction, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.Lookup", util.ReferenceAttr(q.Reference))
	defer span.End()

	if q.Reference != "" {
		tx, err := ps.gateway.VerifyTransaction(ctx, q.Reference)
		if err == nil {
			return tx, nil
		}
		if !errors.Is(err, gateway.ErrTransactionNotFound) {
			util.SpanError(span, err)
			return nil, fmt.Errorf("failed to look up reference: %w", err)
		}
	}

	if q.Email == "" || q.AmountMinor <= 0 {
		return nil, nil
	}
	tx, err := ps.gateway.FindRecentTransaction(ctx, strings.ToLower(q.Email), q.AmountMinor)
	if err != nil {
		util.SpanError(span, err)
		return nil, fmt.Errorf("failed to find recent transaction: %w", err)
	}
	return tx, nil
}

// GetPayment retrieves a payment row, nil when absent
func (ps *PaymentService) GetPayment(ctx context.Context, reference string) (*models.Payment, error) {
	return ps.payments.GetPaymentByReference(ctx, reference)
}

// GetOrder retrieves an order with its items and thread, nil when absent
func (ps *PaymentService) GetOrder(ctx context.Context, id string) (*OrderDetails, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.GetOrder")
	defer span.End()

	order, err := ps.orders.GetOrderByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	if order == nil {
		return nil, nil
	}
	items, err := ps.orders.GetOrderItemsByOrderID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get order items: %w", err)
	}
	msgs, err := ps.orders.GetOrderMessages(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get order messages: %w", err)
	}
	return &OrderDetails{Order: order, Items: items, Messages: msgs}, nil
}
