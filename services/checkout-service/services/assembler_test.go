package services_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stellar/go-stellar-sdk/keypair"
	"github.com/stellar/go-stellar-sdk/network"
	"github.com/stellar/go-stellar-sdk/txnbuild"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellardevsa/marketplace/services/checkout-service/services"
	"github.com/stellardevsa/marketplace/services/common/clock"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newAssembler(t *testing.T, accts services.AccountReader, fees services.FeeOracle, asset services.Asset) *services.Assembler {
	t.Helper()
	a, err := services.NewAssembler(accts, fees, clock.NewManual(epoch), services.AssemblerConfig{
		NetworkPassphrase: network.TestNetworkPassphrase,
		Asset:             asset,
	})
	require.NoError(t, err)
	return a
}

func payee(amount string) services.PayeeAmount {
	return services.PayeeAmount{Payee: keypair.MustRandom().Address(), Amount: decimal.RequireFromString(amount)}
}

func TestAssemble_OnePaymentPerPayee(t *testing.T) {
	source := keypair.MustRandom().Address()
	accts := &fakeAccounts{seq: 1000}
	fees := &fakeFees{fee: 250}
	asm := newAssembler(t, accts, fees, services.Asset{})

	in := []services.PayeeAmount{payee("15"), payee("10")}
	env, err := asm.Assemble(context.Background(), source, in)
	require.NoError(t, err)

	assert.Equal(t, source, env.Source)
	assert.Equal(t, int64(1001), env.Sequence)
	assert.Equal(t, int64(250), env.BaseFee)
	assert.Equal(t, epoch.Add(30*time.Second), env.ValidUntil)
	require.Len(t, env.Payments, 2)
	assert.Equal(t, "15.0000000", env.Payments[0].Amount)
	assert.Equal(t, "XLM", env.Payments[0].Asset)

	gt, err := txnbuild.TransactionFromXDR(env.XDR)
	require.NoError(t, err)
	tx, ok := gt.Transaction()
	require.True(t, ok)

	assert.Equal(t, int64(1001), tx.SequenceNumber())
	assert.Equal(t, epoch.Add(30*time.Second).Unix(), tx.Timebounds().MaxTime)
	assert.Empty(t, tx.Signatures())

	ops := tx.Operations()
	require.Len(t, ops, 2)
	for i, op := range ops {
		p, ok := op.(*txnbuild.Payment)
		require.True(t, ok)
		assert.Equal(t, in[i].Payee, p.Destination)
		assert.Equal(t, in[i].Amount.StringFixed(7), p.Amount)
		assert.Equal(t, txnbuild.NativeAsset{}, p.Asset)
	}

	hash, err := tx.HashHex(network.TestNetworkPassphrase)
	require.NoError(t, err)
	assert.Equal(t, hash, env.Hash)
}

func TestAssemble_IssuedAsset(t *testing.T) {
	issuer := keypair.MustRandom().Address()
	asm := newAssembler(t, &fakeAccounts{seq: 1}, &fakeFees{fee: 100}, services.Asset{Code: "USDC", Issuer: issuer})

	env, err := asm.Assemble(context.Background(), keypair.MustRandom().Address(), []services.PayeeAmount{payee("2.5")})
	require.NoError(t, err)
	assert.Equal(t, "USDC:"+issuer, env.Payments[0].Asset)

	gt, err := txnbuild.TransactionFromXDR(env.XDR)
	require.NoError(t, err)
	tx, _ := gt.Transaction()
	p := tx.Operations()[0].(*txnbuild.Payment)
	assert.Equal(t, txnbuild.CreditAsset{Code: "USDC", Issuer: issuer}, p.Asset)
}

func TestAssemble_ReadsSequenceFreshEveryTime(t *testing.T) {
	accts := &fakeAccounts{seq: 10}
	asm := newAssembler(t, accts, &fakeFees{fee: 100}, services.Asset{})
	source := keypair.MustRandom().Address()

	first, err := asm.Assemble(context.Background(), source, []services.PayeeAmount{payee("1")})
	require.NoError(t, err)

	accts.mu.Lock()
	accts.seq = 11
	accts.mu.Unlock()

	second, err := asm.Assemble(context.Background(), source, []services.PayeeAmount{payee("1")})
	require.NoError(t, err)

	assert.Equal(t, int64(11), first.Sequence)
	assert.Equal(t, int64(12), second.Sequence)
	assert.Equal(t, 2, accts.Calls())
}

func TestAssemble_ClampsFeeToNetworkMinimum(t *testing.T) {
	asm := newAssembler(t, &fakeAccounts{seq: 1}, &fakeFees{fee: 10}, services.Asset{})

	env, err := asm.Assemble(context.Background(), keypair.MustRandom().Address(), []services.PayeeAmount{payee("1")})
	require.NoError(t, err)
	assert.Equal(t, int64(txnbuild.MinBaseFee), env.BaseFee)
}

func TestAssemble_Failures(t *testing.T) {
	source := keypair.MustRandom().Address()

	t.Run("empty", func(t *testing.T) {
		accts := &fakeAccounts{}
		_, err := newAssembler(t, accts, &fakeFees{}, services.Asset{}).Assemble(context.Background(), source, nil)
		assert.ErrorIs(t, err, services.ErrEmptyCart)
		assert.Equal(t, 0, accts.Calls())
	})

	t.Run("account unavailable", func(t *testing.T) {
		fees := &fakeFees{fee: 100}
		_, err := newAssembler(t, &fakeAccounts{err: errors.New("404")}, fees, services.Asset{}).
			Assemble(context.Background(), source, []services.PayeeAmount{payee("1")})
		assert.ErrorIs(t, err, services.ErrAccountUnavailable)
		assert.Equal(t, 0, fees.Calls())
	})

	t.Run("fee unavailable", func(t *testing.T) {
		_, err := newAssembler(t, &fakeAccounts{seq: 1}, &fakeFees{err: errors.New("fee_stats down")}, services.Asset{}).
			Assemble(context.Background(), source, []services.PayeeAmount{payee("1")})
		assert.ErrorIs(t, err, services.ErrFeeUnavailable)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := newAssembler(t, &fakeAccounts{err: context.Canceled}, &fakeFees{}, services.Asset{}).
			Assemble(ctx, source, []services.PayeeAmount{payee("1")})
		assert.ErrorIs(t, err, services.ErrCancelled)
	})
}

func TestNewAssembler_ValidatesWindow(t *testing.T) {
	_, err := services.NewAssembler(&fakeAccounts{}, &fakeFees{}, nil, services.AssemblerConfig{
		NetworkPassphrase: network.TestNetworkPassphrase,
		ValidityWindow:    time.Hour,
	})
	assert.Error(t, err)

	_, err = services.NewAssembler(&fakeAccounts{}, &fakeFees{}, nil, services.AssemblerConfig{})
	assert.Error(t, err)
}
