package services

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/stellar/go-stellar-sdk/txnbuild"
)

// Asset is the asset every payment of a checkout is denominated in. The zero
// value is the native asset (XLM).
type Asset struct {
	Code   string `json:"code"`
	Issuer string `json:"issuer,omitempty"`
}

func (a Asset) IsNative() bool {
	return a.Issuer == ""
}

func (a Asset) String() string {
	if a.IsNative() {
		return "XLM"
	}
	return a.Code + ":" + a.Issuer
}

func (a Asset) txnbuild() txnbuild.Asset {
	if a.IsNative() {
		return txnbuild.NativeAsset{}
	}
	return txnbuild.CreditAsset{Code: a.Code, Issuer: a.Issuer}
}

// PayeeAmount is the net amount owed to one payee.
type PayeeAmount struct {
	Payee  string
	Amount decimal.Decimal
}

// Payment is one transfer operation in an envelope.
type Payment struct {
	Destination string `json:"destination"`
	Amount      string `json:"amount"`
	Asset       string `json:"asset"`
}

// UnsignedEnvelope is a fully built transaction awaiting signature. XDR is
// the base64 wire form handed to signing agents unchanged.
type UnsignedEnvelope struct {
	Source            string    `json:"source"`
	Sequence          int64     `json:"sequence"`
	BaseFee           int64     `json:"base_fee"`
	Payments          []Payment `json:"payments"`
	ValidUntil        time.Time `json:"valid_until"`
	NetworkPassphrase string    `json:"network_passphrase"`
	Hash              string    `json:"hash"`
	XDR               string    `json:"xdr"`
}

// SignedEnvelope is an envelope carrying at least one signature.
type SignedEnvelope struct {
	Hash string `json:"hash"`
	XDR  string `json:"xdr"`
}

// SettlementResult is the network's answer to a submission.
type SettlementResult struct {
	Success       bool   `json:"success"`
	Hash          string `json:"hash"`
	Ledger        int32  `json:"ledger,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}
