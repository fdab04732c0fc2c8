package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stellar/go-stellar-sdk/txnbuild"

	"github.com/stellardevsa/marketplace/services/common/clock"
)

const (
	DefaultValidityWindow = 30 * time.Second
	MaxValidityWindow     = 5 * time.Minute
)

// AssemblerConfig fixes the network and asset every envelope is built for.
type AssemblerConfig struct {
	NetworkPassphrase string
	Asset             Asset
	ValidityWindow    time.Duration
}

// Assembler turns payee amounts into one unsigned multi-payment envelope.
// Account state and fees are read fresh on every call.
type Assembler struct {
	accounts AccountReader
	fees     FeeOracle
	clock    clock.Clock
	cfg      AssemblerConfig
}

func NewAssembler(accounts AccountReader, fees FeeOracle, clk clock.Clock, cfg AssemblerConfig) (*Assembler, error) {
	if cfg.NetworkPassphrase == "" {
		return nil, errors.New("network passphrase is required")
	}
	if cfg.ValidityWindow == 0 {
		cfg.ValidityWindow = DefaultValidityWindow
	}
	if cfg.ValidityWindow < time.Second || cfg.ValidityWindow > MaxValidityWindow {
		return nil, fmt.Errorf("validity window %s outside [1s, %s]", cfg.ValidityWindow, MaxValidityWindow)
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Assembler{accounts: accounts, fees: fees, clock: clk, cfg: cfg}, nil
}

// Asset returns the asset payments are denominated in.
func (a *Assembler) Asset() Asset {
	return a.cfg.Asset
}

// NetworkPassphrase returns the network envelopes are built for.
func (a *Assembler) NetworkPassphrase() string {
	return a.cfg.NetworkPassphrase
}

// Assemble builds an envelope from source paying every entry of amounts, in
// order, within a validity window starting now.
func (a *Assembler) Assemble(ctx context.Context, source string, amounts []PayeeAmount) (UnsignedEnvelope, error) {
	if len(amounts) == 0 {
		return UnsignedEnvelope{}, ErrEmptyCart
	}

	acct, err := a.accounts.LoadAccount(ctx, source)
	if err != nil {
		if ctx.Err() != nil {
			return UnsignedEnvelope{}, NewError(KindCancelled, ctx.Err(), "loading account")
		}
		return UnsignedEnvelope{}, NewError(KindAccountUnavailable, err, "account %s", source)
	}

	fee, err := a.fees.BaseFee(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return UnsignedEnvelope{}, NewError(KindCancelled, ctx.Err(), "fetching fee")
		}
		return UnsignedEnvelope{}, NewError(KindFeeUnavailable, err, "base fee")
	}
	if fee < txnbuild.MinBaseFee {
		fee = txnbuild.MinBaseFee
	}

	asset := a.cfg.Asset.txnbuild()
	ops := make([]txnbuild.Operation, 0, len(amounts))
	payments := make([]Payment, 0, len(amounts))
	for _, pa := range amounts {
		amt := pa.Amount.StringFixed(AmountPrecision)
		ops = append(ops, &txnbuild.Payment{
			Destination: pa.Payee,
			Amount:      amt,
			Asset:       asset,
		})
		payments = append(payments, Payment{Destination: pa.Payee, Amount: amt, Asset: a.cfg.Asset.String()})
	}

	validUntil := a.clock.Now().Add(a.cfg.ValidityWindow)
	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        &txnbuild.SimpleAccount{AccountID: source, Sequence: acct.Sequence},
		IncrementSequenceNum: true,
		Operations:           ops,
		BaseFee:              fee,
		Preconditions: txnbuild.Preconditions{
			TimeBounds: txnbuild.NewTimebounds(0, validUntil.Unix()),
		},
	})
	if err != nil {
		return UnsignedEnvelope{}, NewError(KindInvalidAmount, err, "building transaction")
	}

	xdr, err := tx.Base64()
	if err != nil {
		return UnsignedEnvelope{}, NewError(KindInternal, err, "encoding envelope")
	}
	hash, err := tx.HashHex(a.cfg.NetworkPassphrase)
	if err != nil {
		return UnsignedEnvelope{}, NewError(KindInternal, err, "hashing envelope")
	}

	return UnsignedEnvelope{
		Source:            source,
		Sequence:          tx.SequenceNumber(),
		BaseFee:           fee,
		Payments:          payments,
		ValidUntil:        time.Unix(validUntil.Unix(), 0).UTC(),
		NetworkPassphrase: a.cfg.NetworkPassphrase,
		Hash:              hash,
		XDR:               xdr,
	}, nil
}
