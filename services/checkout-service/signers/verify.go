package signers

import (
	"errors"
	"fmt"

	"github.com/stellar/go-stellar-sdk/txnbuild"

	"github.com/stellardevsa/marketplace/services/checkout-service/services"
)

// ErrInvalidSignature means a signed envelope is not the transaction that was
// handed out for signing, or carries no signature.
var ErrInvalidSignature = errors.New("invalid signed envelope")

// verifySigned checks that signedXDR is env's transaction with at least one
// signature attached.
func verifySigned(env services.UnsignedEnvelope, signedXDR string) (services.SignedEnvelope, error) {
	generic, err := txnbuild.TransactionFromXDR(signedXDR)
	if err != nil {
		return services.SignedEnvelope{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	tx, ok := generic.Transaction()
	if !ok {
		return services.SignedEnvelope{}, fmt.Errorf("%w: fee bump envelopes are not accepted", ErrInvalidSignature)
	}

	hash, err := tx.HashHex(env.NetworkPassphrase)
	if err != nil {
		return services.SignedEnvelope{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if hash != env.Hash {
		return services.SignedEnvelope{}, fmt.Errorf("%w: hash %s, expected %s", ErrInvalidSignature, hash, env.Hash)
	}
	if len(tx.Signatures()) == 0 {
		return services.SignedEnvelope{}, fmt.Errorf("%w: no signatures", ErrInvalidSignature)
	}

	out, err := tx.Base64()
	if err != nil {
		return services.SignedEnvelope{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return services.SignedEnvelope{Hash: hash, XDR: out}, nil
}
