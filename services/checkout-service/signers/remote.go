package signers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stellardevsa/marketplace/services/checkout-service/services"
)

// RemoteAgent asks an HTTP wallet bridge to sign. The bridge answers
// POST {url}/sign with the signed envelope, a 4xx when the holder refuses,
// or anything else when it cannot help.
type RemoteAgent struct {
	url    string
	client *http.Client
}

type signRequest struct {
	XDR               string `json:"xdr"`
	Hash              string `json:"hash"`
	NetworkPassphrase string `json:"network_passphrase"`
	Signer            string `json:"signer"`
}

type signResponse struct {
	SignedXDR string `json:"signed_xdr"`
	Error     string `json:"error"`
}

func NewRemoteAgent(url string, timeout time.Duration) *RemoteAgent {
	if timeout <= 0 {
		timeout = DefaultSignatureTimeout
	}
	return &RemoteAgent{
		url:    strings.TrimRight(url, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

// Sign implements services.SigningAgent.
func (a *RemoteAgent) Sign(ctx context.Context, env services.UnsignedEnvelope, signer string) (services.SignedEnvelope, error) {
	body, err := json.Marshal(signRequest{
		XDR:               env.XDR,
		Hash:              env.Hash,
		NetworkPassphrase: env.NetworkPassphrase,
		Signer:            signer,
	})
	if err != nil {
		return services.SignedEnvelope{}, services.NewError(services.KindInternal, err, "encoding sign request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url+"/sign", bytes.NewReader(body))
	if err != nil {
		return services.SignedEnvelope{}, services.NewError(services.KindAgentUnavailable, err, "building sign request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return services.SignedEnvelope{}, services.NewError(services.KindCancelled, ctx.Err(), "signing cancelled")
		}
		return services.SignedEnvelope{}, services.NewError(services.KindAgentUnavailable, err, "calling wallet bridge")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return services.SignedEnvelope{}, services.NewError(services.KindAgentUnavailable, err, "reading wallet bridge response (%d)", resp.StatusCode)
	}

	var out signResponse
	switch {
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// Refusals may carry a reason; a body that is not JSON still counts
		// as a refusal.
		reason := fmt.Sprintf("wallet bridge refused (%d)", resp.StatusCode)
		if json.Unmarshal(raw, &out) == nil && out.Error != "" {
			reason = out.Error
		}
		return services.SignedEnvelope{}, services.NewError(services.KindUserRejected, nil, "%s", reason)
	case resp.StatusCode != http.StatusOK:
		return services.SignedEnvelope{}, services.NewError(services.KindAgentUnavailable, nil, "wallet bridge returned %d", resp.StatusCode)
	}

	if err := json.Unmarshal(raw, &out); err != nil {
		return services.SignedEnvelope{}, services.NewError(services.KindAgentUnavailable, err, "decoding wallet bridge response")
	}

	signed, err := verifySigned(env, out.SignedXDR)
	if err != nil {
		return services.SignedEnvelope{}, services.NewError(services.KindAgentUnavailable, err, "wallet bridge")
	}
	return signed, nil
}
