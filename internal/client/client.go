// Package client calls the checkout service HTTP API. Error responses carrying a
// payment error code come back as *models.PaymentError so callers can match the
// same sentinels the server uses.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// InitializeResult is what the buyer needs to open the gateway's payment UI
type InitializeResult struct {
	Reference        string `json:"reference"`
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
}

// FinalizeResult is the outcome of a verify call
type FinalizeResult struct {
	OrderID       string `json:"order_id"`
	AlreadyExists bool   `json:"already_exists"`
}

// LookupQuery finds a recent transaction. Reference is tried first when set.
type LookupQuery struct {
	Reference string
	Email     string
	Amount    decimal.Decimal
}

// Transaction is a gateway transaction as reported by the lookup endpoint
type Transaction struct {
	Reference string          `json:"reference"`
	Status    string          `json:"status"`
	Amount    decimal.Decimal `json:"amount"`
}

// Successful reports whether the gateway settled the charge
func (t *Transaction) Successful() bool {
	return t != nil && t.Status == "success"
}

// ReconcileSummary is the result of an on-demand sweep
type ReconcileSummary struct {
	RunID       string `json:"run_id"`
	Checked     int    `json:"checked"`
	IssuesFound int    `json:"issues_found"`
	Issues      []struct {
		Reference string `json:"reference"`
		Kind      string `json:"kind"`
		Detail    string `json:"detail"`
	} `json:"issues"`
	Repairs []struct {
		Reference string `json:"reference"`
		OrderID   string `json:"order_id"`
		Action    string `json:"action"`
	} `json:"repairs"`
}

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Reference string `json:"reference"`
	Charged   bool   `json:"charged"`
	Details   string `json:"details"`
}

type paymentBody struct {
	Reference      string             `json:"reference"`
	IdempotencyKey string             `json:"idempotency_key"`
	Intent         models.OrderIntent `json:"order_data"`
	ExpectedAmount decimal.Decimal    `json:"expected_amount"`
}

// APIClient is the checkout service client
type APIClient struct {
	http   *resty.Client
	logger *zap.Logger
}

// NewAPIClient creates a client for baseURL. timeout bounds each request.
func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	return &APIClient{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
		logger: util.GetLogger(),
	}
}

// InitializePayment records the attempt server-side and opens the gateway transaction
func (c *APIClient) InitializePayment(ctx context.Context, reference, idempotencyKey string, intent models.OrderIntent) (*InitializeResult, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", idempotencyKey).
		SetBody(paymentBody{Reference: reference, IdempotencyKey: idempotencyKey, Intent: intent}).
		SetResult(&InitializeResult{}).
		SetError(&errorBody{}).
		Post("/api/v1/payments/initialize")
	if err != nil {
		return nil, fmt.Errorf("initialize request failed: %w", err)
	}
	if resp.IsError() {
		return nil, responseError(resp)
	}
	return resp.Result().(*InitializeResult), nil
}

// VerifyPayment asks the server to verify reference and finalize the order for idempotencyKey
func (c *APIClient) VerifyPayment(ctx context.Context, reference, idempotencyKey string, intent models.OrderIntent) (*FinalizeResult, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", idempotencyKey).
		SetBody(paymentBody{
			Reference:      reference,
			IdempotencyKey: idempotencyKey,
			Intent:         intent,
			ExpectedAmount: intent.Total,
		}).
		SetResult(&FinalizeResult{}).
		SetError(&errorBody{}).
		Post("/api/v1/payments/verify")
	if err != nil {
		return nil, fmt.Errorf("verify request failed: %w", err)
	}
	if resp.IsError() {
		return nil, responseError(resp)
	}
	return resp.Result().(*FinalizeResult), nil
}

// LookupTransaction returns the matching transaction, nil when there is none
func (c *APIClient) LookupTransaction(ctx context.Context, q LookupQuery) (*Transaction, error) {
	params := map[string]string{}
	if q.Reference != "" {
		params["reference"] = q.Reference
	}
	if q.Email != "" {
		params["email"] = q.Email
	}
	if q.Amount.IsPositive() {
		params["amount"] = q.Amount.StringFixed(2)
	}

	var body struct {
		Transaction *Transaction `json:"transaction"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&body).
		SetError(&errorBody{}).
		Get("/api/v1/payments/lookup")
	if err != nil {
		return nil, fmt.Errorf("lookup request failed: %w", err)
	}
	if resp.IsError() {
		return nil, responseError(resp)
	}
	return body.Transaction, nil
}

// Reconcile runs a sweep over the last windowDays days, 0 for the server default
func (c *APIClient) Reconcile(ctx context.Context, windowDays int) (*ReconcileSummary, error) {
	req := c.http.R().
		SetContext(ctx).
		SetResult(&ReconcileSummary{}).
		SetError(&errorBody{})
	if windowDays > 0 {
		req.SetQueryParam("window_days", strconv.Itoa(windowDays))
	}
	resp, err := req.Post("/api/v1/admin/reconcile")
	if err != nil {
		return nil, fmt.Errorf("reconcile request failed: %w", err)
	}
	if resp.IsError() {
		return nil, responseError(resp)
	}
	return resp.Result().(*ReconcileSummary), nil
}

func responseError(resp *resty.Response) error {
	body, _ := resp.Error().(*errorBody)
	if body == nil || body.Code == "" {
		msg := http.StatusText(resp.StatusCode())
		if body != nil && body.Error != "" {
			msg = body.Error
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode(), msg)
	}

	cause := errors.New(body.Error)
	if body.Details != "" {
		cause = errors.New(body.Details)
	}
	return models.NewPaymentError(body.Code, body.Reference, body.Charged, cause)
}
