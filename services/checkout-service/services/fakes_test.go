package services_test

import (
	"context"
	"sync"
	"time"

	"github.com/stellardevsa/marketplace/services/checkout-service/models"
	"github.com/stellardevsa/marketplace/services/checkout-service/services"
)

// ---- account reader ----

type fakeAccounts struct {
	mu    sync.Mutex
	seq   int64
	err   error
	calls int
}

func (f *fakeAccounts) LoadAccount(ctx context.Context, address string) (services.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return services.Account{}, f.err
	}
	return services.Account{Address: address, Sequence: f.seq}, nil
}

func (f *fakeAccounts) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// ---- fee oracle ----

type fakeFees struct {
	mu    sync.Mutex
	fee   int64
	err   error
	calls int
}

func (f *fakeFees) BaseFee(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.fee, f.err
}

func (f *fakeFees) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// ---- signing agent ----

type fakeSigner struct {
	mu      sync.Mutex
	calls   int
	err     error
	release chan struct{} // when set, Sign blocks until closed or ctx is done
	entered chan struct{}
}

func (f *fakeSigner) Sign(ctx context.Context, env services.UnsignedEnvelope, signer string) (services.SignedEnvelope, error) {
	f.mu.Lock()
	f.calls++
	release, entered, err := f.release, f.entered, f.err
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return services.SignedEnvelope{}, services.NewError(services.KindAgentUnavailable, ctx.Err(), "signing aborted")
		}
	}
	if err != nil {
		return services.SignedEnvelope{}, err
	}
	return services.SignedEnvelope{Hash: env.Hash, XDR: env.XDR}, nil
}

func (f *fakeSigner) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// ---- submitter ----

type fakeSubmitter struct {
	mu        sync.Mutex
	res       *services.SettlementResult
	err       error
	submitted []services.SignedEnvelope
	ctxErr    error
}

func (f *fakeSubmitter) Submit(ctx context.Context, env services.SignedEnvelope) (services.SettlementResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, env)
	f.ctxErr = ctx.Err()
	if f.err != nil {
		return services.SettlementResult{}, f.err
	}
	if f.res != nil {
		return *f.res, nil
	}
	return services.SettlementResult{Success: true, Hash: env.Hash, Ledger: 4242}, nil
}

func (f *fakeSubmitter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

// ---- cart store ----

type fakeCarts struct {
	mu     sync.Mutex
	items  map[string][]models.LineItem
	clears map[string]int
	err    error
}

func newFakeCarts() *fakeCarts {
	return &fakeCarts{items: map[string][]models.LineItem{}, clears: map[string]int{}}
}

func (f *fakeCarts) Items(_ context.Context, sessionID string) ([]models.LineItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]models.LineItem(nil), f.items[sessionID]...), nil
}

func (f *fakeCarts) Clear(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears[sessionID]++
	delete(f.items, sessionID)
	return nil
}

func (f *fakeCarts) Cleared(sessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clears[sessionID]
}

func (f *fakeCarts) Len(sessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items[sessionID])
}

// ---- locker ----

type fakeLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

type fakeLock struct {
	l   *fakeLocker
	key string
}

func (l fakeLock) Release(context.Context) error {
	l.l.mu.Lock()
	defer l.l.mu.Unlock()
	delete(l.l.held, l.key)
	return nil
}

func (f *fakeLocker) TryLock(_ context.Context, key string, _ time.Duration) (services.Lock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held == nil {
		f.held = map[string]bool{}
	}
	if f.held[key] {
		return nil, services.ErrLockHeld
	}
	f.held[key] = true
	return fakeLock{l: f, key: key}, nil
}

func (f *fakeLocker) Held() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.held)
}

// ---- listener ----

type recordingListener struct {
	mu    sync.Mutex
	snaps []services.Snapshot
}

func (r *recordingListener) AttemptChanged(_ context.Context, snap services.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snap)
}

func (r *recordingListener) States() []services.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]services.State, 0, len(r.snaps))
	for _, s := range r.snaps {
		out = append(out, s.State)
	}
	return out
}
