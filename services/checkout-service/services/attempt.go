package services

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State is the position of an attempt in the checkout pipeline.
type State string

const (
	StateAggregating       State = "aggregating"
	StateAssembling        State = "assembling"
	StateAwaitingSignature State = "awaiting_signature"
	StateSubmitting        State = "submitting"
	StateSettled           State = "settled"
	StateFailed            State = "failed"
)

func (s State) Terminal() bool {
	return s == StateSettled || s == StateFailed
}

// Phase is the coarse, user-facing status of an attempt.
type Phase string

const (
	PhaseProcessing Phase = "processing"
	PhaseSucceeded  Phase = "succeeded"
	PhaseFailed     Phase = "failed"
)

// Status is what the storefront shows for an attempt.
type Status struct {
	Phase     Phase  `json:"phase"`
	ItemCount int    `json:"item_count,omitempty"`
	Reason    Kind   `json:"reason,omitempty"`
	Message   string `json:"message"`
}

// String renders processing, succeeded(n) or failed(kind).
func (s Status) String() string {
	switch s.Phase {
	case PhaseSucceeded:
		return fmt.Sprintf("succeeded(%d)", s.ItemCount)
	case PhaseFailed:
		return fmt.Sprintf("failed(%s)", s.Reason)
	default:
		return string(PhaseProcessing)
	}
}

func processingStatus() Status {
	return Status{Phase: PhaseProcessing, Message: "Processing checkout..."}
}

func succeededStatus(itemCount int) Status {
	return Status{
		Phase:     PhaseSucceeded,
		ItemCount: itemCount,
		Message:   fmt.Sprintf("Successfully purchased %d items!", itemCount),
	}
}

func failedStatus(kind Kind) Status {
	return Status{Phase: PhaseFailed, Reason: kind, Message: kind.UserMessage()}
}

// Flow tells whether an attempt pays for the cart or a single product.
type Flow string

const (
	FlowCart   Flow = "cart"
	FlowBuyNow Flow = "buy_now"
)

// Snapshot is a point-in-time copy of an attempt.
type Snapshot struct {
	ID            string            `json:"id"`
	SessionID     string            `json:"session_id"`
	Signer        string            `json:"signer_address"`
	Flow          Flow              `json:"flow"`
	State         State             `json:"state"`
	Status        Status            `json:"status"`
	ItemCount     int               `json:"item_count"`
	Payments      []Payment         `json:"payments"`
	Asset         string            `json:"asset"`
	Total         string            `json:"total"`
	Envelope      *UnsignedEnvelope `json:"envelope,omitempty"`
	Result        *SettlementResult `json:"result,omitempty"`
	FailureDetail string            `json:"failure_detail,omitempty"`
	Version       int               `json:"version"`
	StartedAt     time.Time         `json:"started_at"`
	SubmittedAt   *time.Time        `json:"submitted_at,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Attempt is the handle to one running or finished checkout.
type Attempt struct {
	ID        string
	SessionID string
	Signer    string
	Flow      Flow
	ItemCount int
	Amounts   []PayeeAmount
	Asset     Asset
	StartedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       State
	status      Status
	envelope    *UnsignedEnvelope
	result      *SettlementResult
	err         error
	version     int
	submittedAt *time.Time
	updatedAt   time.Time
	cancellable bool
	release     func()
	changed     chan struct{}
	done        chan struct{}
}

func newAttempt(parent context.Context, id, sessionID, signer string, flow Flow, itemCount int, amounts []PayeeAmount, asset Asset, now time.Time) *Attempt {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	return &Attempt{
		ID:          id,
		SessionID:   sessionID,
		Signer:      signer,
		Flow:        flow,
		ItemCount:   itemCount,
		Amounts:     amounts,
		Asset:       asset,
		StartedAt:   now,
		ctx:         ctx,
		cancel:      cancel,
		state:       StateAggregating,
		status:      processingStatus(),
		updatedAt:   now,
		cancellable: true,
		release:     func() {},
		changed:     make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func (a *Attempt) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Attempt) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Envelope returns the unsigned envelope once it has been assembled.
func (a *Attempt) Envelope() (UnsignedEnvelope, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.envelope == nil {
		return UnsignedEnvelope{}, false
	}
	return *a.envelope, true
}

// Result returns the settlement result once the network has answered.
func (a *Attempt) Result() (SettlementResult, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.result == nil {
		return SettlementResult{}, false
	}
	return *a.result, true
}

// Err returns the failure of a failed attempt.
func (a *Attempt) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Done is closed when the attempt reaches a terminal state.
func (a *Attempt) Done() <-chan struct{} {
	return a.done
}

// Changed returns a channel closed at the next transition.
func (a *Attempt) Changed() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.changed
}

// Wait blocks until the attempt is terminal or ctx is done.
func (a *Attempt) Wait(ctx context.Context) (Status, error) {
	select {
	case <-a.done:
		return a.Status(), nil
	case <-ctx.Done():
		return a.Status(), ctx.Err()
	}
}

// Cancel aborts the attempt if its envelope has not yet been handed to the
// network. It reports whether cancellation took effect.
func (a *Attempt) Cancel() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.cancellable {
		return false
	}
	a.cancellable = false
	a.cancel()
	return true
}

func (a *Attempt) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Attempt) snapshotLocked() Snapshot {
	payments := make([]Payment, 0, len(a.Amounts))
	for _, pa := range a.Amounts {
		payments = append(payments, Payment{
			Destination: pa.Payee,
			Amount:      pa.Amount.StringFixed(AmountPrecision),
			Asset:       a.Asset.String(),
		})
	}
	snap := Snapshot{
		ID:          a.ID,
		SessionID:   a.SessionID,
		Signer:      a.Signer,
		Flow:        a.Flow,
		State:       a.state,
		Status:      a.status,
		ItemCount:   a.ItemCount,
		Payments:    payments,
		Asset:       a.Asset.String(),
		Total:       Total(a.Amounts).StringFixed(AmountPrecision),
		Version:     a.version,
		StartedAt:   a.StartedAt,
		SubmittedAt: a.submittedAt,
		UpdatedAt:   a.updatedAt,
	}
	if a.envelope != nil {
		env := *a.envelope
		snap.Envelope = &env
	}
	if a.result != nil {
		res := *a.result
		snap.Result = &res
	}
	if a.err != nil {
		snap.FailureDetail = a.err.Error()
	}
	return snap
}

// transition applies mutate under the lock, bumps the version and wakes
// watchers. It returns the resulting snapshot.
func (a *Attempt) transition(now time.Time, mutate func()) Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	mutate()
	a.version++
	a.updatedAt = now
	close(a.changed)
	a.changed = make(chan struct{})
	if a.state.Terminal() {
		a.cancellable = false
		a.cancel()
		close(a.done)
	}
	return a.snapshotLocked()
}

// enterSubmission closes the cancellation window. It returns false when the
// attempt was cancelled first.
func (a *Attempt) enterSubmission() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ctx.Err() != nil {
		return false
	}
	a.cancellable = false
	return true
}
