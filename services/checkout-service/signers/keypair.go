package signers

import (
	"context"
	"fmt"

	"github.com/stellar/go-stellar-sdk/keypair"
	"github.com/stellar/go-stellar-sdk/txnbuild"

	"github.com/stellardevsa/marketplace/services/checkout-service/services"
)

// KeypairAgent signs with a secret seed held by the service. Meant for
// development and testnet demos only.
type KeypairAgent struct {
	kp *keypair.Full
}

func NewKeypairAgent(seed string) (*KeypairAgent, error) {
	kp, err := keypair.ParseFull(seed)
	if err != nil {
		return nil, fmt.Errorf("parsing signer seed: %w", err)
	}
	return &KeypairAgent{kp: kp}, nil
}

// Address is the account this agent can sign for.
func (a *KeypairAgent) Address() string {
	return a.kp.Address()
}

// Sign implements services.SigningAgent.
func (a *KeypairAgent) Sign(ctx context.Context, env services.UnsignedEnvelope, signer string) (services.SignedEnvelope, error) {
	if err := ctx.Err(); err != nil {
		return services.SignedEnvelope{}, services.NewError(services.KindCancelled, err, "signing cancelled")
	}
	if signer != a.kp.Address() {
		return services.SignedEnvelope{}, services.NewError(services.KindAgentUnavailable, nil, "no key for %s", signer)
	}

	generic, err := txnbuild.TransactionFromXDR(env.XDR)
	if err != nil {
		return services.SignedEnvelope{}, services.NewError(services.KindAgentUnavailable, err, "decoding envelope")
	}
	tx, ok := generic.Transaction()
	if !ok {
		return services.SignedEnvelope{}, services.NewError(services.KindAgentUnavailable, nil, "unexpected fee bump envelope")
	}
	tx, err = tx.Sign(env.NetworkPassphrase, a.kp)
	if err != nil {
		return services.SignedEnvelope{}, services.NewError(services.KindAgentUnavailable, err, "signing")
	}
	out, err := tx.Base64()
	if err != nil {
		return services.SignedEnvelope{}, services.NewError(services.KindAgentUnavailable, err, "encoding signed envelope")
	}

	signed, err := verifySigned(env, out)
	if err != nil {
		return services.SignedEnvelope{}, services.NewError(services.KindAgentUnavailable, err, "keypair signer")
	}
	return signed, nil
}
