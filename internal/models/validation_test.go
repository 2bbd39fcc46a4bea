package models

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func validIntent() OrderIntent {
	return OrderIntent{
		CustomerID: "customer-1",
		SellerID:   "seller-1",
		Items: []CartItem{
			{ProductID: "p-1", SellerID: "seller-1", Name: "Kettle", Quantity: 2, UnitPrice: decimal.NewFromInt(50)},
		},
		Total:           decimal.NewFromInt(100),
		Currency:        "NGN",
		DeliveryAddress: Address{Line1: "1 Marina", City: "Lagos"},
		CustomerInfo:    CustomerInfo{Name: "Ada", Email: "ada@example.com", Phone: "0801 234 5678"},
	}
}

func TestOrderIntentValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(i *OrderIntent)
		wantErr bool
	}{
		{name: "valid", mutate: func(i *OrderIntent) {}},
		{name: "international phone", mutate: func(i *OrderIntent) { i.CustomerInfo.Phone = "+2348012345678" }},
		{name: "empty cart", mutate: func(i *OrderIntent) { i.Items = nil }, wantErr: true},
		{name: "mixed sellers", mutate: func(i *OrderIntent) {
			i.Items = append(i.Items, CartItem{ProductID: "p-2", SellerID: "seller-2", Quantity: 1})
		}, wantErr: true},
		{name: "zero total", mutate: func(i *OrderIntent) { i.Total = decimal.Zero }, wantErr: true},
		{name: "bad email", mutate: func(i *OrderIntent) { i.CustomerInfo.Email = "ada-at-example" }, wantErr: true},
		{name: "bad phone", mutate: func(i *OrderIntent) { i.CustomerInfo.Phone = "12ab" }, wantErr: true},
		{name: "zero quantity", mutate: func(i *OrderIntent) { i.Items[0].Quantity = 0 }, wantErr: true},
		{name: "missing city", mutate: func(i *OrderIntent) { i.DeliveryAddress.City = "" }, wantErr: true},
	}

	v := NewValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			intent := validIntent()
			tt.mutate(&intent)

			err := intent.Validate(v)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidCheckout), "got %v", err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestPaymentErrorWrapsSentinelAndCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewPaymentError(CodeVerificationFailed, "mkt_1_a", false, cause)

	assert.True(t, errors.Is(err, ErrVerificationFailed))
	assert.True(t, errors.Is(err, cause))
	assert.False(t, IsCharged(err))
	assert.True(t, IsCharged(NewPaymentError(CodeAmountMismatch, "mkt_1_a", true, nil)))
	assert.Equal(t, ErrAmountBelowMinimum, SentinelForCode(CodeAmountBelowMinimum))
}
