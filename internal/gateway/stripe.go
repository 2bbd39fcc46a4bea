package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"checkout-service/config"
	"checkout-service/internal/util"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/paymentintent"
	"golang.org/x/time/rate"
)

// StripeClient adapts Stripe PaymentIntents to the gateway contract. Stripe generates its
// own intent IDs, so the client reference and buyer email travel in intent metadata and
// lookups go through the search API.
type StripeClient struct {
	intents *paymentintent.Client
	limiter *rate.Limiter
}

// NewStripeClient creates a Stripe-backed gateway with the configured timeout
func NewStripeClient(cfg config.GatewayConfig) *StripeClient {
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		HTTPClient: &http.Client{Timeout: cfg.Timeout},
	})

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	return &StripeClient{
		intents: &paymentintent.Client{B: backend, Key: cfg.SecretKey},
		limiter: rate.NewLimiter(limit, burst),
	}
}

// VerifyTransaction finds the intent created for reference
func (c *StripeClient) VerifyTransaction(ctx context.Context, reference string) (*Transaction, error) {
	ctx, span := util.StartSpan(ctx, "Stripe.VerifyTransaction", util.ReferenceAttr(reference))
	defer span.End()

	pi, err := c.searchOne(ctx, "verify", fmt.Sprintf("metadata['reference']:'%s'", escapeQuery(reference)))
	if err != nil {
		util.SpanError(span, err)
		return nil, err
	}
	if pi == nil {
		return nil, searchMiss("verify", reference)
	}
	return intentToTransaction(pi), nil
}

// searchMiss is the error for a reference the search index does not know yet. Stripe
// indexes new intents with a delay, so the miss is worth retrying.
func searchMiss(op, reference string) error {
	return &Error{
		Op:        op,
		Message:   "no payment intent indexed for " + reference,
		Transient: true,
		Err:       ErrTransactionNotFound,
	}
}

// FindRecentTransaction returns the newest succeeded intent for email and amount, or nil
func (c *StripeClient) FindRecentTransaction(ctx context.Context, email string, amountMinor int64) (*Transaction, error) {
	ctx, span := util.StartSpan(ctx, "Stripe.FindRecentTransaction")
	defer span.End()

	query := fmt.Sprintf("status:'succeeded' AND amount:%d AND metadata['email']:'%s' AND created>%d",
		amountMinor, escapeQuery(strings.ToLower(email)), time.Now().Add(-lookbackWindow).Unix())
	pi, err := c.searchOne(ctx, "list", query)
	if err != nil {
		util.SpanError(span, err)
		return nil, err
	}
	if pi == nil {
		return nil, nil
	}
	return intentToTransaction(pi), nil
}

// InitializeTransaction creates the intent; the client secret is returned as the access code
func (c *StripeClient) InitializeTransaction(ctx context.Context, req InitializeRequest) (*InitializeResponse, error) {
	ctx, span := util.StartSpan(ctx, "Stripe.InitializeTransaction", util.ReferenceAttr(req.Reference))
	defer span.End()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &Error{Op: "initialize", Message: err.Error(), Transient: true}
	}

	params := &stripe.PaymentIntentParams{
		Amount:       stripe.Int64(req.AmountMinor),
		Currency:     stripe.String(strings.ToLower(req.Currency)),
		ReceiptEmail: stripe.String(req.Email),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.Reference)
	params.AddMetadata("reference", req.Reference)
	params.AddMetadata("email", strings.ToLower(req.Email))
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := c.intents.New(params)
	if err != nil {
		util.SpanError(span, err)
		return nil, stripeError("initialize", err)
	}
	return &InitializeResponse{Reference: req.Reference, AccessCode: pi.ClientSecret}, nil
}

func (c *StripeClient) searchOne(ctx context.Context, op, query string) (*stripe.PaymentIntent, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &Error{Op: op, Message: err.Error(), Transient: true}
	}

	params := &stripe.PaymentIntentSearchParams{
		SearchParams: stripe.SearchParams{
			Query:   query,
			Limit:   stripe.Int64(1),
			Context: ctx,
		},
	}
	params.AddExpand("data.latest_charge")

	iter := c.intents.Search(params)
	if iter.Next() {
		return iter.PaymentIntent(), nil
	}
	if err := iter.Err(); err != nil {
		return nil, stripeError(op, err)
	}
	return nil, nil
}

// intentToTransaction maps an intent. PaidAt is the latest charge's time and stays
// zero when the search result does not carry the charge.
func intentToTransaction(pi *stripe.PaymentIntent) *Transaction {
	tx := &Transaction{
		Reference:   pi.Metadata["reference"],
		Status:      stripeStatus(pi.Status),
		AmountMinor: pi.Amount,
		Currency:    strings.ToUpper(string(pi.Currency)),
		Email:       pi.Metadata["email"],
	}
	if ch := pi.LatestCharge; ch != nil && ch.Created > 0 {
		tx.PaidAt = time.Unix(ch.Created, 0)
	}
	return tx
}

func stripeStatus(s stripe.PaymentIntentStatus) string {
	switch s {
	case stripe.PaymentIntentStatusSucceeded:
		return StatusSuccess
	case stripe.PaymentIntentStatusCanceled:
		return StatusFailed
	case stripe.PaymentIntentStatusProcessing:
		return StatusProcessing
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		return StatusAbandoned
	default:
		return StatusPending
	}
}

func stripeError(op string, err error) error {
	var serr *stripe.Error
	if errors.As(err, &serr) {
		return &Error{
			Op:         op,
			StatusCode: serr.HTTPStatusCode,
			Message:    serr.Msg,
			Transient:  transientStatus(serr.HTTPStatusCode),
		}
	}
	return &Error{Op: op, Message: err.Error(), Transient: true}
}

func escapeQuery(s string) string {
	return strings.ReplaceAll(s, "'", "\\'")
}
