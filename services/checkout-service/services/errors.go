package services

import (
	"errors"
	"fmt"
)

// Kind classifies why a checkout did not settle.
type Kind string

const (
	KindInvalidAmount      Kind = "InvalidAmount"
	KindInvalidAddress     Kind = "InvalidAddress"
	KindEmptyCart          Kind = "EmptyCart"
	KindFeeUnavailable     Kind = "FeeUnavailable"
	KindAccountUnavailable Kind = "AccountUnavailable"
	KindUserRejected       Kind = "UserRejected"
	KindAgentUnavailable   Kind = "AgentUnavailable"
	KindRejectedByNetwork  Kind = "RejectedByNetwork"
	KindTimeout            Kind = "Timeout"
	KindTransportError     Kind = "TransportError"
	KindCheckoutInProgress Kind = "CheckoutInProgress"
	KindCancelled          Kind = "Cancelled"
	KindInternal           Kind = "Internal"
)

var userMessages = map[Kind]string{
	KindInvalidAmount:      "One or more items have an invalid price or quantity.",
	KindInvalidAddress:     "A seller or wallet address is not a valid Stellar account.",
	KindEmptyCart:          "Your cart is empty.",
	KindFeeUnavailable:     "Could not fetch the current network fee. Please try again.",
	KindAccountUnavailable: "Could not load your account. Make sure it exists and is funded.",
	KindUserRejected:       "The transaction was rejected in your wallet.",
	KindAgentUnavailable:   "Your wallet is unavailable. Reconnect it and try again.",
	KindRejectedByNetwork:  "The network rejected the payment.",
	KindTimeout:            "The payment outcome is unknown. Check your transaction history before trying again.",
	KindTransportError:     "Could not reach the network. Nothing was sent; please try again.",
	KindCheckoutInProgress: "A checkout is already in progress.",
	KindCancelled:          "Checkout cancelled.",
	KindInternal:           "Checkout failed. Please try again later.",
}

// UserMessage returns the text shown to the buyer for kind.
func (k Kind) UserMessage() string {
	if msg, ok := userMessages[k]; ok {
		return msg
	}
	return userMessages[KindInternal]
}

// CheckoutError is returned by every checkout component. Two CheckoutErrors
// match under errors.Is when their kinds are equal.
type CheckoutError struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *CheckoutError) Error() string {
	msg := string(e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CheckoutError) Unwrap() error {
	return e.Err
}

func (e *CheckoutError) Is(target error) bool {
	t, ok := target.(*CheckoutError)
	return ok && t.Kind == e.Kind
}

// NewError builds a CheckoutError of kind wrapping err.
func NewError(kind Kind, err error, format string, args ...any) *CheckoutError {
	return &CheckoutError{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: err}
}

var (
	ErrInvalidAmount      = &CheckoutError{Kind: KindInvalidAmount}
	ErrInvalidAddress     = &CheckoutError{Kind: KindInvalidAddress}
	ErrEmptyCart          = &CheckoutError{Kind: KindEmptyCart}
	ErrFeeUnavailable     = &CheckoutError{Kind: KindFeeUnavailable}
	ErrAccountUnavailable = &CheckoutError{Kind: KindAccountUnavailable}
	ErrUserRejected       = &CheckoutError{Kind: KindUserRejected}
	ErrAgentUnavailable   = &CheckoutError{Kind: KindAgentUnavailable}
	ErrRejectedByNetwork  = &CheckoutError{Kind: KindRejectedByNetwork}
	ErrTimeout            = &CheckoutError{Kind: KindTimeout}
	ErrTransportError     = &CheckoutError{Kind: KindTransportError}
	ErrCheckoutInProgress = &CheckoutError{Kind: KindCheckoutInProgress}
	ErrCancelled          = &CheckoutError{Kind: KindCancelled}
)

// KindOf extracts the kind of err, or fallback when err is not a CheckoutError.
func KindOf(err error, fallback Kind) Kind {
	var ce *CheckoutError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return fallback
}
