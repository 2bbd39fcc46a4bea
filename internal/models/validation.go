package models

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var phonePattern = regexp.MustCompile(`^\+?[0-9]{10,15}$`)

// NewValidator returns a validator with the checkout rules registered
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("phone", validatePhone)
	return v
}

// validatePhone accepts local and international numbers, ignoring spaces and dashes
func validatePhone(fl validator.FieldLevel) bool {
	phone := strings.NewReplacer(" ", "", "-", "").Replace(fl.Field().String())
	return phonePattern.MatchString(phone)
}

// Validate checks the intent before any money moves: a non-empty cart from a single
// seller, a positive total and well-formed buyer details.
func (i *OrderIntent) Validate(v *validator.Validate) error {
	if err := v.Struct(i); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCheckout, err)
	}
	for _, item := range i.Items {
		if item.SellerID != i.SellerID {
			return fmt.Errorf("%w: cart mixes sellers %s and %s", ErrInvalidCheckout, i.SellerID, item.SellerID)
		}
		if item.UnitPrice.IsNegative() {
			return fmt.Errorf("%w: negative price for %s", ErrInvalidCheckout, item.ProductID)
		}
	}
	if !i.Total.IsPositive() {
		return fmt.Errorf("%w: total must be positive", ErrInvalidCheckout)
	}
	return nil
}
