package controllers

import (
	"errors"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/stellar/go-stellar-sdk/keypair"
)

var registerOnce sync.Once

// RegisterValidators adds the stellar_address and stellar_amount tags to
// gin's binding validator. It is safe to call more than once.
func RegisterValidators() error {
	var err error
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			err = errors.New("gin binding validator is not go-playground/validator")
			return
		}
		if err = v.RegisterValidation("stellar_address", validStellarAddress); err != nil {
			return
		}
		err = v.RegisterValidation("stellar_amount", validStellarAmount)
	})
	return err
}

func validStellarAddress(fl validator.FieldLevel) bool {
	_, err := keypair.ParseAddress(fl.Field().String())
	return err == nil
}

// validStellarAmount accepts positive decimals with at most seven
// fractional digits.
func validStellarAmount(fl validator.FieldLevel) bool {
	d, err := decimal.NewFromString(fl.Field().String())
	if err != nil || !d.IsPositive() {
		return false
	}
	return d.Equal(d.Round(7))
}
