package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stellar/go-stellar-sdk/keypair"
	"go.uber.org/zap"

	"github.com/stellardevsa/marketplace/services/checkout-service/models"
	"github.com/stellardevsa/marketplace/services/common/clock"
	"github.com/stellardevsa/marketplace/services/common/logger"
)

const (
	DefaultLockTTL   = 10 * time.Minute
	DefaultRetention = time.Hour

	cartEditLockTTL = 10 * time.Second
)

// Orchestrator runs checkout attempts: aggregate, assemble, sign, submit.
// At most one attempt runs per session and per signing account.
type Orchestrator struct {
	assembler *Assembler
	signer    SigningAgent
	submitter Submitter
	carts     CartStore
	locker    Locker

	listeners []Listener
	clock     clock.Clock
	logger    *zap.Logger
	lockTTL   time.Duration
	retention time.Duration
	newID     func() string

	mu       sync.Mutex
	attempts map[string]*Attempt
	wg       sync.WaitGroup
}

type Option func(*Orchestrator)

func WithListeners(l ...Listener) Option {
	return func(o *Orchestrator) { o.listeners = append(o.listeners, l...) }
}

func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithLockTTL bounds how long session and account locks survive a crashed
// process. It must exceed the signing timeout plus every Horizon round trip
// made under the account lock.
func WithLockTTL(d time.Duration) Option {
	return func(o *Orchestrator) { o.lockTTL = d }
}

// WithRetention sets how long finished attempts stay queryable.
func WithRetention(d time.Duration) Option {
	return func(o *Orchestrator) { o.retention = d }
}

func WithIDGenerator(f func() string) Option {
	return func(o *Orchestrator) { o.newID = f }
}

func NewOrchestrator(assembler *Assembler, signer SigningAgent, submitter Submitter, carts CartStore, locker Locker, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		assembler: assembler,
		signer:    signer,
		submitter: submitter,
		carts:     carts,
		locker:    locker,
		clock:     clock.NewSystem(),
		logger:    zap.NewNop(),
		lockTTL:   DefaultLockTTL,
		retention: DefaultRetention,
		newID:     uuid.NewString,
		attempts:  make(map[string]*Attempt),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// StartCheckout snapshots the session's cart and starts paying for it. The
// cart is cleared only if the payment settles. Validation failures and
// CheckoutInProgress are returned synchronously; later failures are
// reported through the attempt.
func (o *Orchestrator) StartCheckout(ctx context.Context, sessionID, signerAddress string) (*Attempt, error) {
	return o.start(ctx, FlowCart, sessionID, signerAddress, func(ctx context.Context) ([]models.LineItem, error) {
		return o.carts.Items(ctx, sessionID)
	})
}

// StartBuyNow pays for a single product. The cart is never touched.
func (o *Orchestrator) StartBuyNow(ctx context.Context, sessionID, signerAddress string, item models.LineItem) (*Attempt, error) {
	return o.start(ctx, FlowBuyNow, sessionID, signerAddress, func(context.Context) ([]models.LineItem, error) {
		return []models.LineItem{item}, nil
	})
}

// Attempt returns a live or recently finished attempt.
func (o *Orchestrator) Attempt(id string) (*Attempt, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.attempts[id]
	return a, ok
}

// EditCart runs edit while holding the session's checkout lock, so the cart
// cannot change between the snapshot a checkout pays for and the clear that
// follows settlement. It returns ErrCheckoutInProgress while a checkout or
// buy-now attempt for the session is running.
func (o *Orchestrator) EditCart(ctx context.Context, sessionID string, edit func(context.Context) error) error {
	l, err := o.locker.TryLock(ctx, sessionLockKey(sessionID), cartEditLockTTL)
	switch {
	case errors.Is(err, ErrLockHeld):
		return ErrCheckoutInProgress
	case err != nil:
		return NewError(KindInternal, err, "acquiring cart lock")
	}
	defer o.releaser(logger.For(ctx, o.logger).With(zap.String("session_id", sessionID)), l)()
	return edit(ctx)
}

// Wait blocks until every running attempt finishes or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sessionLockKey(sessionID string) string { return "checkout:session:" + sessionID }
func accountLockKey(address string) string   { return "checkout:account:" + address }

func (o *Orchestrator) start(ctx context.Context, flow Flow, sessionID, signer string, load func(context.Context) ([]models.LineItem, error)) (*Attempt, error) {
	log := logger.For(ctx, o.logger).With(zap.String("session_id", sessionID), zap.String("flow", string(flow)))

	if sessionID == "" {
		return nil, NewError(KindInternal, nil, "session id is required")
	}
	if _, err := keypair.ParseAddress(signer); err != nil {
		return nil, NewError(KindInvalidAddress, err, "signer %q", signer)
	}

	sessionLock, err := o.tryLock(ctx, sessionLockKey(sessionID))
	if err != nil {
		log.Info("checkout rejected", zap.Error(err))
		return nil, err
	}
	releaseSession := o.releaser(log, sessionLock)

	items, err := load(ctx)
	if err != nil {
		releaseSession()
		return nil, NewError(KindInternal, err, "reading cart")
	}
	if len(items) == 0 {
		releaseSession()
		return nil, ErrEmptyCart
	}
	amounts, err := Aggregate(items)
	if err != nil {
		releaseSession()
		log.Info("checkout rejected", zap.Error(err))
		return nil, err
	}

	accountLock, err := o.tryLock(ctx, accountLockKey(signer))
	if err != nil {
		releaseSession()
		log.Info("checkout rejected", zap.String("signer", signer), zap.Error(err))
		return nil, err
	}
	releaseAccount := o.releaser(log, accountLock)

	a := newAttempt(ctx, o.newID(), sessionID, signer, flow, len(items), amounts, o.assembler.Asset(), o.clock.Now())

	o.mu.Lock()
	o.pruneLocked(a.StartedAt)
	o.attempts[a.ID] = a
	o.mu.Unlock()

	log.Info("checkout started",
		zap.String("attempt_id", a.ID),
		zap.String("signer", signer),
		zap.Int("items", len(items)),
		zap.Int("payees", len(amounts)),
	)

	a.release = func() {
		releaseAccount()
		releaseSession()
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer a.release()
		o.run(a, log.With(zap.String("attempt_id", a.ID)))
	}()
	return a, nil
}

func (o *Orchestrator) tryLock(ctx context.Context, key string) (Lock, error) {
	l, err := o.locker.TryLock(ctx, key, o.lockTTL)
	switch {
	case errors.Is(err, ErrLockHeld):
		return nil, ErrCheckoutInProgress
	case err != nil:
		return nil, NewError(KindInternal, err, "acquiring %s", key)
	}
	return l, nil
}

func (o *Orchestrator) releaser(log *zap.Logger, l Lock) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := l.Release(ctx); err != nil {
				log.Warn("lock release failed", zap.Error(err))
			}
		})
	}
}

func (o *Orchestrator) pruneLocked(now time.Time) {
	for id, a := range o.attempts {
		snap := a.Snapshot()
		if snap.State.Terminal() && now.Sub(snap.UpdatedAt) > o.retention {
			delete(o.attempts, id)
		}
	}
}

func (o *Orchestrator) run(a *Attempt, log *zap.Logger) {
	ctx := a.ctx

	o.notify(a, a.transition(o.clock.Now(), func() { a.state = StateAssembling }))

	env, err := o.assembler.Assemble(ctx, a.Signer, a.Amounts)
	if err != nil {
		o.fail(a, log, err, KindInternal)
		return
	}
	o.notify(a, a.transition(o.clock.Now(), func() {
		a.state = StateAwaitingSignature
		a.envelope = &env
	}))
	log.Info("awaiting signature", zap.String("tx_hash", env.Hash), zap.Int64("sequence", env.Sequence))

	signed, err := o.signer.Sign(ctx, env, a.Signer)
	if !a.enterSubmission() {
		o.fail(a, log, NewError(KindCancelled, ctx.Err(), "cancelled before submission"), KindCancelled)
		return
	}
	if err != nil {
		o.fail(a, log, err, KindAgentUnavailable)
		return
	}

	// Past this point the envelope may reach the network, so nothing below
	// observes the attempt's cancellation.
	subCtx := context.WithoutCancel(ctx)
	now := o.clock.Now()
	o.notify(a, a.transition(now, func() {
		a.state = StateSubmitting
		a.submittedAt = &now
	}))

	res, err := o.submitter.Submit(subCtx, signed)
	if err != nil {
		o.fail(a, log, err, KindTimeout)
		return
	}
	if !res.Success {
		o.fail(a, log, NewError(KindRejectedByNetwork, nil, "%s", res.FailureReason), KindRejectedByNetwork)
		return
	}

	if a.Flow == FlowCart {
		if err := o.carts.Clear(subCtx, a.SessionID); err != nil {
			log.Error("payment settled but cart clear failed", zap.String("tx_hash", res.Hash), zap.Error(err))
		}
	}

	o.finish(a, func() {
		a.state = StateSettled
		a.result = &res
		a.status = succeededStatus(a.ItemCount)
	})
	log.Info("checkout settled", zap.String("tx_hash", res.Hash), zap.Int32("ledger", res.Ledger))
}

func (o *Orchestrator) fail(a *Attempt, log *zap.Logger, err error, fallback Kind) {
	kind := KindOf(err, fallback)
	if kind == KindTimeout {
		log.Warn("checkout outcome unknown", zap.Error(err))
	} else {
		log.Info("checkout failed", zap.String("kind", string(kind)), zap.Error(err))
	}

	o.finish(a, func() {
		a.state = StateFailed
		a.err = err
		a.status = failedStatus(kind)
		var ce *CheckoutError
		if errors.As(err, &ce) && kind == KindRejectedByNetwork && ce.Detail != "" {
			a.result = &SettlementResult{Success: false, FailureReason: ce.Detail}
		}
	})
}

// finish releases the attempt's locks and then applies the terminal
// transition, so a new attempt can start as soon as this one is observed done.
func (o *Orchestrator) finish(a *Attempt, mutate func()) {
	a.release()
	o.notify(a, a.transition(o.clock.Now(), mutate))
}

func (o *Orchestrator) notify(a *Attempt, snap Snapshot) {
	ctx := context.WithoutCancel(a.ctx)
	for _, l := range o.listeners {
		l.AttemptChanged(ctx, snap)
	}
}
