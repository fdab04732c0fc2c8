package services

import (
	"context"
	"errors"
	"time"

	"github.com/stellardevsa/marketplace/services/checkout-service/models"
)

// Account is the ledger state the assembler needs about the source account.
type Account struct {
	Address  string
	Sequence int64
}

// AccountReader loads the current state of a ledger account.
type AccountReader interface {
	LoadAccount(ctx context.Context, address string) (Account, error)
}

// FeeOracle quotes the current per-operation base fee in stroops.
type FeeOracle interface {
	BaseFee(ctx context.Context) (int64, error)
}

// SigningAgent obtains an authorising signature for an envelope from the
// holder of signerAddress. It fails with ErrUserRejected or
// ErrAgentUnavailable and is never retried.
type SigningAgent interface {
	Sign(ctx context.Context, envelope UnsignedEnvelope, signerAddress string) (SignedEnvelope, error)
}

// Submitter sends a signed envelope to the network in one round trip.
// Failures are ErrRejectedByNetwork, ErrTimeout or ErrTransportError.
type Submitter interface {
	Submit(ctx context.Context, envelope SignedEnvelope) (SettlementResult, error)
}

// CartStore is the buyer's cart as seen by checkout.
type CartStore interface {
	Items(ctx context.Context, sessionID string) ([]models.LineItem, error)
	Clear(ctx context.Context, sessionID string) error
}

// ErrLockHeld is returned by Locker.TryLock when another holder owns the key.
var ErrLockHeld = errors.New("lock held")

// Lock is a held lock.
type Lock interface {
	Release(ctx context.Context) error
}

// Locker hands out exclusive, expiring locks without waiting.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// Listener observes attempt transitions. Calls happen on the attempt's
// goroutine, in order, and must not block for long.
type Listener interface {
	AttemptChanged(ctx context.Context, snap Snapshot)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, snap Snapshot)

func (f ListenerFunc) AttemptChanged(ctx context.Context, snap Snapshot) { f(ctx, snap) }
