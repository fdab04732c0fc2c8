package controllers

import (
	"net/http"

	"github.com/stellardevsa/marketplace/services/checkout-service/services"
	apperrors "github.com/stellardevsa/marketplace/services/common/errors"
)

var kindStatus = map[services.Kind]int{
	services.KindInvalidAmount:      http.StatusBadRequest,
	services.KindInvalidAddress:     http.StatusBadRequest,
	services.KindEmptyCart:          http.StatusBadRequest,
	services.KindCheckoutInProgress: http.StatusConflict,
	services.KindCancelled:          http.StatusConflict,
	services.KindUserRejected:       http.StatusConflict,
	services.KindFeeUnavailable:     http.StatusServiceUnavailable,
	services.KindAccountUnavailable: http.StatusServiceUnavailable,
	services.KindAgentUnavailable:   http.StatusServiceUnavailable,
	services.KindTransportError:     http.StatusServiceUnavailable,
	services.KindRejectedByNetwork:  http.StatusBadGateway,
	services.KindTimeout:            http.StatusGatewayTimeout,
}

// checkoutError converts a checkout failure into the HTTP error rendered by
// the error middleware. The body carries the user message and kind.
func checkoutError(err error) *apperrors.Error {
	kind := services.KindOf(err, services.KindInternal)
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	return apperrors.New(status, kind.UserMessage(), err).WithKind(string(kind))
}
