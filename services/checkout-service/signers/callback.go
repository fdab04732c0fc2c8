package signers

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stellardevsa/marketplace/services/checkout-service/services"
)

const DefaultSignatureTimeout = 2 * time.Minute

// ErrNoPendingSignature is returned by Resolve and Reject when nothing is
// waiting for the given transaction hash.
var ErrNoPendingSignature = errors.New("no signature pending for transaction")

// CallbackAgent lets the buyer's browser wallet sign. Sign parks the request
// under the envelope hash; the storefront reads the unsigned XDR from the
// attempt, has the wallet sign it and hands the result back through Resolve
// or Reject.
type CallbackAgent struct {
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingSignature
}

type pendingSignature struct {
	env    services.UnsignedEnvelope
	signer string
	result chan signResult
}

type signResult struct {
	signed services.SignedEnvelope
	err    error
}

func NewCallbackAgent(timeout time.Duration, logger *zap.Logger) *CallbackAgent {
	if timeout <= 0 {
		timeout = DefaultSignatureTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CallbackAgent{
		timeout: timeout,
		logger:  logger,
		pending: make(map[string]*pendingSignature),
	}
}

// Sign implements services.SigningAgent.
func (a *CallbackAgent) Sign(ctx context.Context, env services.UnsignedEnvelope, signer string) (services.SignedEnvelope, error) {
	p := &pendingSignature{env: env, signer: signer, result: make(chan signResult, 1)}

	a.mu.Lock()
	if _, dup := a.pending[env.Hash]; dup {
		a.mu.Unlock()
		return services.SignedEnvelope{}, services.NewError(services.KindAgentUnavailable, nil, "transaction %s is already awaiting a signature", env.Hash)
	}
	a.pending[env.Hash] = p
	a.mu.Unlock()

	defer a.take(env.Hash)

	timer := time.NewTimer(a.timeout)
	defer timer.Stop()

	select {
	case r := <-p.result:
		return r.signed, r.err
	case <-timer.C:
		a.logger.Info("wallet signature timed out", zap.String("tx_hash", env.Hash), zap.Duration("timeout", a.timeout))
		return services.SignedEnvelope{}, services.NewError(services.KindAgentUnavailable, nil, "no signature within %s", a.timeout)
	case <-ctx.Done():
		return services.SignedEnvelope{}, services.NewError(services.KindCancelled, ctx.Err(), "signing cancelled")
	}
}

// Resolve delivers a wallet-signed envelope. An envelope that fails
// verification is refused and the request keeps waiting.
func (a *CallbackAgent) Resolve(hash, signedXDR string) error {
	p := a.lookup(hash)
	if p == nil {
		return ErrNoPendingSignature
	}
	signed, err := verifySigned(p.env, signedXDR)
	if err != nil {
		a.logger.Warn("wallet returned an invalid envelope", zap.String("tx_hash", hash), zap.Error(err))
		return err
	}
	return a.deliver(hash, signResult{signed: signed})
}

// Reject records that the buyer declined to sign.
func (a *CallbackAgent) Reject(hash, reason string) error {
	if reason == "" {
		reason = "declined in wallet"
	}
	return a.deliver(hash, signResult{err: services.NewError(services.KindUserRejected, nil, "%s", reason)})
}

// Pending reports whether a signature is awaited for hash.
func (a *CallbackAgent) Pending(hash string) bool {
	return a.lookup(hash) != nil
}

func (a *CallbackAgent) lookup(hash string) *pendingSignature {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending[hash]
}

func (a *CallbackAgent) take(hash string) *pendingSignature {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.pending[hash]
	delete(a.pending, hash)
	return p
}

// deliver hands r to the waiting Sign call. Only the first answer counts.
func (a *CallbackAgent) deliver(hash string, r signResult) error {
	p := a.take(hash)
	if p == nil {
		return ErrNoPendingSignature
	}
	p.result <- r
	return nil
}
