package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stellardevsa/marketplace/services/checkout-service/models"
	"github.com/stellardevsa/marketplace/services/checkout-service/services"
)

// Recorder persists every attempt transition. It inserts the row on the
// first transition and updates it afterwards.
type Recorder struct {
	repo    AttemptRepository
	logger  *zap.Logger
	timeout time.Duration
}

func NewRecorder(repo AttemptRepository, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{repo: repo, logger: logger, timeout: 5 * time.Second}
}

// AttemptChanged implements services.Listener. Failures are logged; the
// attempt itself is never affected by the audit log.
func (r *Recorder) AttemptChanged(ctx context.Context, snap services.Snapshot) {
	id, err := uuid.Parse(snap.ID)
	if err != nil {
		r.logger.Warn("attempt id is not a uuid, not recording", zap.String("attempt_id", snap.ID))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if snap.Version == 1 {
		row := toModel(id, snap)
		err = r.repo.Create(ctx, &row)
	} else {
		err = r.repo.UpdateByID(ctx, id, updatesFor(snap))
	}
	if err != nil {
		r.logger.Error("recording checkout attempt failed",
			zap.String("attempt_id", snap.ID),
			zap.String("state", string(snap.State)),
			zap.Error(err),
		)
	}
}

func toModel(id uuid.UUID, snap services.Snapshot) models.CheckoutAttempt {
	row := models.CheckoutAttempt{
		ID:            id,
		SessionID:     snap.SessionID,
		SignerAddress: snap.Signer,
		Flow:          string(snap.Flow),
		State:         string(snap.State),
		Status:        snap.Status.String(),
		ItemCount:     snap.ItemCount,
		PayeeCount:    len(snap.Payments),
		Total:         snap.Total,
		Asset:         snap.Asset,
		CreatedAt:     snap.StartedAt,
		UpdatedAt:     snap.UpdatedAt,
	}
	applyOutcome(&row, snap)
	return row
}

func updatesFor(snap services.Snapshot) map[string]interface{} {
	var row models.CheckoutAttempt
	applyOutcome(&row, snap)

	updates := map[string]interface{}{
		"state":      string(snap.State),
		"status":     snap.Status.String(),
		"updated_at": snap.UpdatedAt,
	}
	if row.TxHash != nil {
		updates["tx_hash"] = *row.TxHash
	}
	if row.Ledger != nil {
		updates["ledger"] = *row.Ledger
	}
	if row.FailureKind != nil {
		updates["failure_kind"] = *row.FailureKind
		updates["failure_detail"] = *row.FailureDetail
	}
	return updates
}

func applyOutcome(row *models.CheckoutAttempt, snap services.Snapshot) {
	if snap.Envelope != nil {
		hash := snap.Envelope.Hash
		row.TxHash = &hash
	}
	if snap.Result != nil {
		if snap.Result.Hash != "" {
			hash := snap.Result.Hash
			row.TxHash = &hash
		}
		if snap.Result.Ledger != 0 {
			ledger := snap.Result.Ledger
			row.Ledger = &ledger
		}
	}
	if snap.Status.Phase == services.PhaseFailed {
		kind := string(snap.Status.Reason)
		detail := snap.FailureDetail
		row.FailureKind = &kind
		row.FailureDetail = &detail
	}
}
