package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/auditlog"
	"checkout-service/internal/gateway"
	"checkout-service/internal/models"
	"checkout-service/internal/money"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultWindowDays = 7

// Reconciliation issue kinds
const (
	IssueStatusDrift    = "status_drift"
	IssueMissingOrder   = "missing_order"
	IssueAmountMismatch = "amount_mismatch"
	IssueGatewayError   = "gateway_error"
)

// Reconciliation repair actions
const (
	ActionStatusCompleted = "status_completed"
	ActionOrderCreated    = "order_created"
	ActionMarkedFailed    = "marked_failed"
)

// Issue is a discrepancy between the local payment row and the gateway
type Issue struct {
	Reference string `json:"reference"`
	Kind      string `json:"kind"`
	Detail    string `json:"detail"`
}

// Repair is a change the sweep applied
type Repair struct {
	Reference string `json:"reference"`
	OrderID   string `json:"order_id,omitempty"`
	Action    string `json:"action"`
}

// ReconcileResult summarises one sweep
type ReconcileResult struct {
	RunID       string   `json:"run_id"`
	Checked     int      `json:"checked"`
	IssuesFound int      `json:"issues_found"`
	Issues      []Issue  `json:"issues"`
	Repairs     []Repair `json:"repairs"`
}

// ReconciliationService compares recent non-completed payments with the gateway and
// repairs local state. It never changes money-affecting fields and never resolves an
// amount mismatch.
type ReconciliationService struct {
	payments PaymentStore
	orders   OrderStore
	gateway  Gateway
	writer   *OrderWriter
	audit    AuditLog
	events   EventPublisher
	now      func() time.Time
	logger   *zap.Logger
}

// NewReconciliationService creates a new reconciliation service
func NewReconciliationService(payments PaymentStore, orders OrderStore, gw Gateway, writer *OrderWriter, audit AuditLog, events EventPublisher) *ReconciliationService {
	return &ReconciliationService{
		payments: payments,
		orders:   orders,
		gateway:  gw,
		writer:   writer,
		audit:    audit,
		events:   events,
		now:      time.Now,
		logger:   util.GetLogger(),
	}
}

// Reconcile sweeps payments created in the last windowDays days that are not completed.
// Running it twice in a row applies each repair at most once.
func (rs *ReconciliationService) Reconcile(ctx context.Context, windowDays int) (*ReconcileResult, error) {
	ctx, span := util.StartSpan(ctx, "ReconciliationService.Reconcile")
	defer span.End()

	if windowDays <= 0 {
		windowDays = defaultWindowDays
	}
	since := rs.now().AddDate(0, 0, -windowDays)

	payments, err := rs.payments.ListPaymentsByStatusSince(ctx, []string{
		models.PaymentStatusPending,
		models.PaymentStatusProcessing,
		models.PaymentStatusFailed,
	}, since)
	if err != nil {
		util.SpanError(span, err)
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}

	util.ReconciliationRunsTotal.Inc()
	result := &ReconcileResult{RunID: uuid.NewString()}
	rs.logger.Info("Reconciliation started",
		zap.String("run_id", result.RunID),
		zap.Int("window_days", windowDays),
		zap.Int("candidates", len(payments)))

	for i := range payments {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result.Checked++
		rs.reconcilePayment(ctx, &payments[i], result)
	}
	result.IssuesFound = len(result.Issues)

	rs.writeLog(context.WithoutCancel(ctx), result, windowDays)

	rs.logger.Info("Reconciliation finished",
		zap.String("run_id", result.RunID),
		zap.Int("checked", result.Checked),
		zap.Int("issues", result.IssuesFound),
		zap.Int("repairs", len(result.Repairs)))
	return result, nil
}

func (rs *ReconciliationService) reconcilePayment(ctx context.Context, p *models.Payment, result *ReconcileResult) {
	tx, err := rs.gateway.VerifyTransaction(ctx, p.Reference)
	if errors.Is(err, gateway.ErrTransactionNotFound) {
		// Buyer never reached the gateway.
		return
	}
	if err != nil {
		rs.addIssue(result, p.Reference, IssueGatewayError, err.Error())
		return
	}

	if !tx.Successful() {
		if tx.Status == gateway.StatusFailed && p.Status == models.PaymentStatusPending {
			if err := rs.payments.MarkPaymentFailed(ctx, p.Reference); err != nil {
				rs.logger.Error("Failed to mark payment failed", zap.String("reference", p.Reference), zap.Error(err))
				return
			}
			rs.addRepair(ctx, result, p.Reference, "", ActionMarkedFailed)
		}
		return
	}

	if tx.AmountMinor != p.AmountMinor {
		detail := fmt.Sprintf("expected %d, charged %d", p.AmountMinor, tx.AmountMinor)
		rs.addIssue(result, p.Reference, IssueAmountMismatch, detail)
		util.AmountMismatchTotal.Inc()
		entry := &auditlog.AmountMismatch{
			Reference:      p.Reference,
			IdempotencyKey: p.IdempotencyKey,
			ExpectedMinor:  p.AmountMinor,
			ActualMinor:    tx.AmountMinor,
			Source:         "reconcile",
			CreatedAt:      rs.now(),
		}
		if err := rs.audit.RecordAmountMismatch(context.WithoutCancel(ctx), entry); err != nil {
			rs.logger.Error("Failed to record amount mismatch", zap.String("reference", p.Reference), zap.Error(err))
		}
		return
	}

	order, err := rs.findOrder(ctx, p)
	if err != nil {
		rs.addIssue(result, p.Reference, IssueGatewayError, err.Error())
		return
	}

	paidAt := tx.PaidAt
	if paidAt.IsZero() {
		paidAt = rs.now()
	}

	if order != nil {
		rs.addIssue(result, p.Reference, IssueStatusDrift,
			fmt.Sprintf("gateway success, local status %s", p.Status))
		updated, err := rs.payments.MarkPaymentCompleted(ctx, p.Reference, order.ID, paidAt)
		if err != nil {
			rs.logger.Error("Failed to repair payment status", zap.String("reference", p.Reference), zap.Error(err))
			return
		}
		if updated {
			rs.addRepair(ctx, result, p.Reference, order.ID, ActionStatusCompleted)
		}
		return
	}

	rs.addIssue(result, p.Reference, IssueMissingOrder, "gateway success with no order")
	if p.Intent == nil || !money.Equal(tx.AmountMinor, p.Intent.Total) {
		return
	}

	email := tx.Email
	if email == "" {
		email = p.CustomerEmail
	}
	res, err := rs.writer.CreateOrderIfAbsent(ctx, p.IdempotencyKey, VerifiedPayment{
		Reference:   p.Reference,
		AmountMinor: tx.AmountMinor,
		Email:       email,
		PaidAt:      paidAt,
	}, *p.Intent)
	if err != nil {
		rs.logger.Error("Failed to create missing order", zap.String("reference", p.Reference), zap.Error(err))
		return
	}
	if res.AlreadyExists {
		// Another path finalized the key in the meantime; attach this payment to it.
		updated, err := rs.payments.MarkPaymentCompleted(ctx, p.Reference, res.OrderID, paidAt)
		if err != nil {
			rs.logger.Error("Failed to repair payment status", zap.String("reference", p.Reference), zap.Error(err))
			return
		}
		if updated {
			rs.addRepair(ctx, result, p.Reference, res.OrderID, ActionStatusCompleted)
		}
		return
	}
	rs.addRepair(ctx, result, p.Reference, res.OrderID, ActionOrderCreated)
}

func (rs *ReconciliationService) findOrder(ctx context.Context, p *models.Payment) (*models.Order, error) {
	if p.IdempotencyKey != "" {
		order, err := rs.orders.GetOrderByIdempotencyKey(ctx, p.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("failed to get order by idempotency key: %w", err)
		}
		if order != nil {
			return order, nil
		}
	}
	order, err := rs.orders.GetOrderByPaymentReference(ctx, p.Reference)
	if err != nil {
		return nil, fmt.Errorf("failed to get order by reference: %w", err)
	}
	return order, nil
}

func (rs *ReconciliationService) addIssue(result *ReconcileResult, reference, kind, detail string) {
	util.ReconciliationIssuesTotal.WithLabelValues(kind).Inc()
	result.Issues = append(result.Issues, Issue{Reference: reference, Kind: kind, Detail: detail})
	rs.logger.Warn("Reconciliation issue",
		zap.String("run_id", result.RunID),
		zap.String("reference", reference),
		zap.String("kind", kind),
		zap.String("detail", detail))
}

func (rs *ReconciliationService) addRepair(ctx context.Context, result *ReconcileResult, reference, orderID, action string) {
	util.ReconciliationRepairsTotal.WithLabelValues(action).Inc()
	result.Repairs = append(result.Repairs, Repair{Reference: reference, OrderID: orderID, Action: action})
	rs.logger.Info("Reconciliation repair",
		zap.String("run_id", result.RunID),
		zap.String("reference", reference),
		zap.String("order_id", orderID),
		zap.String("action", action))

	event := &models.PaymentReconciledEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.NewString(),
			EventType: models.EventTypePaymentReconciled,
			Timestamp: rs.now(),
		},
		Reference: reference,
		OrderID:   orderID,
		Action:    action,
	}
	if err := rs.events.PublishPaymentReconciled(context.WithoutCancel(ctx), event); err != nil {
		rs.logger.Error("Failed to publish PaymentReconciled event", zap.String("reference", reference), zap.Error(err))
	}
}

func (rs *ReconciliationService) writeLog(ctx context.Context, result *ReconcileResult, windowDays int) {
	now := rs.now()
	entries := make([]auditlog.ReconciliationEntry, 0, len(result.Issues)+len(result.Repairs)+1)
	for _, issue := range result.Issues {
		entries = append(entries, auditlog.ReconciliationEntry{
			RunID:     result.RunID,
			Kind:      auditlog.KindIssue,
			Reference: issue.Reference,
			Action:    issue.Kind,
			Detail:    issue.Detail,
			CreatedAt: now,
		})
	}
	for _, repair := range result.Repairs {
		entries = append(entries, auditlog.ReconciliationEntry{
			RunID:     result.RunID,
			Kind:      auditlog.KindRepair,
			Reference: repair.Reference,
			OrderID:   repair.OrderID,
			Action:    repair.Action,
			CreatedAt: now,
		})
	}
	entries = append(entries, auditlog.ReconciliationEntry{
		RunID:     result.RunID,
		Kind:      auditlog.KindSummary,
		Detail:    fmt.Sprintf("window=%dd checked=%d issues=%d repairs=%d", windowDays, result.Checked, result.IssuesFound, len(result.Repairs)),
		CreatedAt: now,
	})

	if err := rs.audit.RecordReconciliation(ctx, entries); err != nil {
		rs.logger.Error("Failed to write reconciliation log", zap.String("run_id", result.RunID), zap.Error(err))
	}
}
