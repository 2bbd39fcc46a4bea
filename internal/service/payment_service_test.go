package service

import (
	"context"
	"errors"
	"testing"

	"checkout-service/internal/gateway"
	"checkout-service/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestInitializeRecordsPendingPayment(t *testing.T) {
	store := newMemStore()
	gw := new(mockGateway)
	svc := NewPaymentService(store, store, gw, "https://shop.example.com/callback")

	gw.On("InitializeTransaction", mock.Anything, mock.MatchedBy(func(req gateway.InitializeRequest) bool {
		return req.Reference == "mkt_1_a" &&
			req.AmountMinor == 15050 &&
			req.Email == "ada@example.com" &&
			req.Metadata["idempotency_key"] == "key-1" &&
			req.CallbackURL == "https://shop.example.com/callback"
	})).Return(&gateway.InitializeResponse{Reference: "mkt_1_a", AuthorizationURL: "https://pay.example.com/x"}, nil).Once()

	intent := newIntent(0)
	intent.Total = decimal.RequireFromString("150.50")

	resp, err := svc.Initialize(context.Background(), InitializeRequest{
		Reference:      "mkt_1_a",
		IdempotencyKey: "key-1",
		Intent:         intent,
	})
	require.NoError(t, err)
	assert.Equal(t, "https://pay.example.com/x", resp.AuthorizationURL)

	payment, err := svc.GetPayment(context.Background(), "mkt_1_a")
	require.NoError(t, err)
	require.NotNil(t, payment)
	assert.Equal(t, models.PaymentStatusPending, payment.Status)
	assert.Equal(t, int64(15050), payment.AmountMinor)
	require.NotNil(t, payment.Intent)
	assert.True(t, payment.Intent.Total.Equal(intent.Total))
	gw.AssertExpectations(t)
}

func TestInitializeRejectsSmallAmounts(t *testing.T) {
	store := newMemStore()
	gw := new(mockGateway)
	svc := NewPaymentService(store, store, gw, "")

	intent := newIntent(0)
	intent.Total = decimal.RequireFromString("0.50")

	_, err := svc.Initialize(context.Background(), InitializeRequest{Reference: "mkt_1_a", IdempotencyKey: "key-1", Intent: intent})

	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrAmountBelowMinimum))
	gw.AssertNotCalled(t, "InitializeTransaction", mock.Anything, mock.Anything)

	payment, err := svc.GetPayment(context.Background(), "mkt_1_a")
	require.NoError(t, err)
	assert.Nil(t, payment)
}

func TestLookup(t *testing.T) {
	byReference := successTx("mkt_1_a", 10000)
	byEmail := successTx("mkt_9_z", 10000)

	tests := []struct {
		name    string
		query   LookupQuery
		setup   func(gw *mockGateway)
		want    *gateway.Transaction
		wantErr bool
	}{
		{
			name:  "reference known to gateway",
			query: LookupQuery{Reference: "mkt_1_a", Email: "ada@example.com", AmountMinor: 10000},
			setup: func(gw *mockGateway) {
				gw.On("VerifyTransaction", mock.Anything, "mkt_1_a").Return(byReference, nil)
			},
			want: byReference,
		},
		{
			name:  "unknown reference falls back to email and amount",
			query: LookupQuery{Reference: "mkt_1_a", Email: "Ada@Example.com", AmountMinor: 10000},
			setup: func(gw *mockGateway) {
				gw.On("VerifyTransaction", mock.Anything, "mkt_1_a").Return(nil, gateway.ErrTransactionNotFound)
				gw.On("FindRecentTransaction", mock.Anything, "ada@example.com", int64(10000)).Return(byEmail, nil)
			},
			want: byEmail,
		},
		{
			name:  "no match",
			query: LookupQuery{Email: "ada@example.com", AmountMinor: 10000},
			setup: func(gw *mockGateway) {
				gw.On("FindRecentTransaction", mock.Anything, "ada@example.com", int64(10000)).Return(nil, nil)
			},
		},
		{
			name:  "gateway error on reference",
			query: LookupQuery{Reference: "mkt_1_a", Email: "ada@example.com", AmountMinor: 10000},
			setup: func(gw *mockGateway) {
				gw.On("VerifyTransaction", mock.Anything, "mkt_1_a").Return(nil, errTransient)
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			gw := new(mockGateway)
			tt.setup(gw)
			svc := NewPaymentService(store, store, gw, "")

			tx, err := svc.Lookup(context.Background(), tt.query)

			if tt.wantErr {
				require.Error(t, err)
				gw.AssertNotCalled(t, "FindRecentTransaction", mock.Anything, mock.Anything, mock.Anything)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, tx)
			gw.AssertExpectations(t)
		})
	}
}

func TestGetOrder(t *testing.T) {
	store := newMemStore()
	svc := NewPaymentService(store, store, new(mockGateway), "")
	writer := NewOrderWriter(store, &memEvents{})

	res, err := writer.CreateOrderIfAbsent(context.Background(), "key-1",
		VerifiedPayment{Reference: "mkt_1_a", AmountMinor: 10000}, newIntent(100))
	require.NoError(t, err)

	details, err := svc.GetOrder(context.Background(), res.OrderID)
	require.NoError(t, err)
	require.NotNil(t, details)
	assert.Equal(t, "mkt_1_a", details.Order.PaymentReference)
	assert.Len(t, details.Items, 1)

	missing, err := svc.GetOrder(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
