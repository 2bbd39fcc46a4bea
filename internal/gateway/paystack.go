package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"checkout-service/config"
	"checkout-service/internal/util"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// lookbackWindow bounds how far back FindRecentTransaction searches
const lookbackWindow = 24 * time.Hour

// PaystackClient talks to a Paystack-compatible REST API with the server-held secret key
type PaystackClient struct {
	http    *resty.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

type envelope struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
}

type paystackTransaction struct {
	Reference string     `json:"reference"`
	Status    string     `json:"status"`
	Amount    int64      `json:"amount"`
	Currency  string     `json:"currency"`
	PaidAt    *time.Time `json:"paid_at"`
	CreatedAt *time.Time `json:"created_at"`
	Customer  struct {
		Email string `json:"email"`
	} `json:"customer"`
}

type verifyResponse struct {
	envelope
	Data paystackTransaction `json:"data"`
}

type listResponse struct {
	envelope
	Data []paystackTransaction `json:"data"`
}

type initializeResponse struct {
	envelope
	Data struct {
		AuthorizationURL string `json:"authorization_url"`
		AccessCode       string `json:"access_code"`
		Reference        string `json:"reference"`
	} `json:"data"`
}

// NewPaystackClient creates a gateway client with the configured timeout and outbound rate limit
func NewPaystackClient(cfg config.GatewayConfig) *PaystackClient {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetAuthToken(cfg.SecretKey).
		SetHeader("Accept", "application/json")

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	return &PaystackClient{
		http:    client,
		limiter: rate.NewLimiter(limit, burst),
		logger:  util.GetLogger(),
	}
}

// VerifyTransaction returns the gateway's record for reference
func (c *PaystackClient) VerifyTransaction(ctx context.Context, reference string) (*Transaction, error) {
	ctx, span := util.StartSpan(ctx, "Paystack.VerifyTransaction", util.ReferenceAttr(reference))
	defer span.End()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &Error{Op: "verify", Message: err.Error(), Transient: true}
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("reference", reference).
		SetResult(&verifyResponse{}).
		SetError(&envelope{}).
		Get("/transaction/verify/{reference}")
	if err != nil {
		util.SpanError(span, err)
		return nil, &Error{Op: "verify", Message: err.Error(), Transient: true}
	}

	if resp.StatusCode() == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, reference)
	}
	if resp.IsError() {
		return nil, apiError("verify", resp)
	}

	body := resp.Result().(*verifyResponse)
	if !body.Status {
		return nil, &Error{Op: "verify", StatusCode: resp.StatusCode(), Message: body.Message}
	}
	return body.Data.toTransaction(), nil
}

// FindRecentTransaction returns the newest successful transaction for email and amount
// within the lookback window, or nil when there is none.
func (c *PaystackClient) FindRecentTransaction(ctx context.Context, email string, amountMinor int64) (*Transaction, error) {
	ctx, span := util.StartSpan(ctx, "Paystack.FindRecentTransaction")
	defer span.End()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &Error{Op: "list", Message: err.Error(), Transient: true}
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"status":  StatusSuccess,
			"amount":  strconv.FormatInt(amountMinor, 10),
			"from":    time.Now().Add(-lookbackWindow).UTC().Format(time.RFC3339),
			"perPage": "50",
		}).
		SetResult(&listResponse{}).
		SetError(&envelope{}).
		Get("/transaction")
	if err != nil {
		util.SpanError(span, err)
		return nil, &Error{Op: "list", Message: err.Error(), Transient: true}
	}
	if resp.IsError() {
		return nil, apiError("list", resp)
	}

	body := resp.Result().(*listResponse)
	var newest *Transaction
	for _, tx := range body.Data {
		if !strings.EqualFold(tx.Customer.Email, email) || tx.Amount != amountMinor || tx.Status != StatusSuccess {
			continue
		}
		candidate := tx.toTransaction()
		if newest == nil || candidate.PaidAt.After(newest.PaidAt) {
			newest = candidate
		}
	}

	if newest != nil {
		c.logger.Debug("Found recent transaction",
			zap.String("reference", newest.Reference),
			zap.Int64("amount", amountMinor))
	}
	return newest, nil
}

// InitializeTransaction opens a transaction under the client-generated reference
func (c *PaystackClient) InitializeTransaction(ctx context.Context, req InitializeRequest) (*InitializeResponse, error) {
	ctx, span := util.StartSpan(ctx, "Paystack.InitializeTransaction", util.ReferenceAttr(req.Reference))
	defer span.End()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &Error{Op: "initialize", Message: err.Error(), Transient: true}
	}

	payload := map[string]interface{}{
		"email":     req.Email,
		"amount":    req.AmountMinor,
		"reference": req.Reference,
		"currency":  req.Currency,
		"metadata":  req.Metadata,
	}
	if req.CallbackURL != "" {
		payload["callback_url"] = req.CallbackURL
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		SetResult(&initializeResponse{}).
		SetError(&envelope{}).
		Post("/transaction/initialize")
	if err != nil {
		util.SpanError(span, err)
		return nil, &Error{Op: "initialize", Message: err.Error(), Transient: true}
	}
	if resp.IsError() {
		return nil, apiError("initialize", resp)
	}

	body := resp.Result().(*initializeResponse)
	return &InitializeResponse{
		Reference:        body.Data.Reference,
		AuthorizationURL: body.Data.AuthorizationURL,
		AccessCode:       body.Data.AccessCode,
	}, nil
}

func (t paystackTransaction) toTransaction() *Transaction {
	tx := &Transaction{
		Reference:   t.Reference,
		Status:      t.Status,
		AmountMinor: t.Amount,
		Currency:    t.Currency,
		Email:       t.Customer.Email,
	}
	if t.PaidAt != nil {
		tx.PaidAt = *t.PaidAt
	} else if t.CreatedAt != nil {
		tx.PaidAt = *t.CreatedAt
	}
	return tx
}

func apiError(op string, resp *resty.Response) error {
	msg := resp.Status()
	if e, ok := resp.Error().(*envelope); ok && e.Message != "" {
		msg = e.Message
	}
	return &Error{
		Op:         op,
		StatusCode: resp.StatusCode(),
		Message:    msg,
		Transient:  transientStatus(resp.StatusCode()),
	}
}
