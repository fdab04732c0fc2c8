package events

import (
	"github.com/stellardevsa/marketplace/services/checkout-service/models"
	"github.com/stellardevsa/marketplace/services/checkout-service/services"
)

// NewCheckoutEvent builds the domain event for a terminal snapshot. It
// reports false for attempts that are still running.
func NewCheckoutEvent(snap services.Snapshot) (models.CheckoutEvent, bool) {
	if !snap.State.Terminal() {
		return models.CheckoutEvent{}, false
	}

	payments := make([]models.PaymentSummary, 0, len(snap.Payments))
	for _, p := range snap.Payments {
		payments = append(payments, models.PaymentSummary{Payee: p.Destination, Amount: p.Amount})
	}

	event := models.CheckoutEvent{
		Event:         models.EventCheckoutSettled,
		AttemptID:     snap.ID,
		SessionID:     snap.SessionID,
		SignerAddress: snap.Signer,
		Flow:          string(snap.Flow),
		ItemCount:     snap.ItemCount,
		Payments:      payments,
		Asset:         snap.Asset,
		Timestamp:     snap.UpdatedAt,
	}
	if snap.Envelope != nil {
		event.TxHash = snap.Envelope.Hash
	}
	if snap.Result != nil {
		if snap.Result.Hash != "" {
			event.TxHash = snap.Result.Hash
		}
		event.Ledger = snap.Result.Ledger
	}
	if snap.State == services.StateFailed {
		event.Event = models.EventCheckoutFailed
		event.FailureKind = string(snap.Status.Reason)
	}
	return event, true
}
