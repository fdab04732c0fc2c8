package providers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellardevsa/marketplace/services/checkout-service/providers"
	"github.com/stellardevsa/marketplace/services/checkout-service/services"
)

const (
	testAccount = "GCEZWKCA5VLDNRLN3RPRJMRZOX3Z6G5CHCGSNFHEYVXM3XOJMDS674JZ"
	problemBase = "https://stellar.org/horizon-errors/"
)

func writeProblem(w http.ResponseWriter, status int, kind string, extras map[string]interface{}) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"type":   problemBase + kind,
		"title":  kind,
		"status": status,
		"extras": extras,
	})
}

func newProvider(t *testing.T, handler http.HandlerFunc) (*providers.HorizonProvider, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p := providers.NewHorizonProvider(providers.HorizonConfig{
		URL:             srv.URL,
		Timeout:         time.Second,
		BreakerFailures: 3,
		BreakerCooldown: time.Minute,
	}, nil)
	return p, srv
}

func TestLoadAccount(t *testing.T) {
	p, _ := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/accounts/"+testAccount))
		_, _ = w.Write([]byte(`{"id":"` + testAccount + `","account_id":"` + testAccount + `","sequence":"123"}`))
	})

	acct, err := p.LoadAccount(context.Background(), testAccount)
	require.NoError(t, err)
	assert.Equal(t, int64(123), acct.Sequence)
	assert.Equal(t, testAccount, acct.Address)
}

func TestLoadAccount_HonoursContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	p, _ := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.LoadAccount(ctx, testAccount)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBaseFee(t *testing.T) {
	p, _ := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/fee_stats"))
		_, _ = w.Write([]byte(`{"last_ledger":"100","last_ledger_base_fee":"250"}`))
	})

	fee, err := p.BaseFee(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(250), fee)
}

func TestSubmit_Settled(t *testing.T) {
	p, _ := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "AAAA", r.PostForm.Get("tx"))
		_, _ = w.Write([]byte(`{"hash":"abc123","ledger":42,"successful":true}`))
	})

	res, err := p.Submit(context.Background(), services.SignedEnvelope{Hash: "abc123", XDR: "AAAA"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "abc123", res.Hash)
	assert.Equal(t, int32(42), res.Ledger)
}

func TestSubmit_ClassifiesFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   string
		extras map[string]interface{}
		want   services.Kind
		detail string
	}{
		{
			name:   "transaction failed",
			status: http.StatusBadRequest,
			kind:   "transaction_failed",
			extras: map[string]interface{}{"result_codes": map[string]interface{}{
				"transaction": "tx_failed",
				"operations":  []string{"op_success", "op_underfunded"},
			}},
			want:   services.KindRejectedByNetwork,
			detail: "tx_failed: op_success,op_underfunded",
		},
		{
			name:   "bad sequence",
			status: http.StatusBadRequest,
			kind:   "transaction_failed",
			extras: map[string]interface{}{"result_codes": map[string]interface{}{"transaction": "tx_bad_seq"}},
			want:   services.KindRejectedByNetwork,
			detail: "tx_bad_seq",
		},
		{
			name:   "malformed",
			status: http.StatusBadRequest,
			kind:   "transaction_malformed",
			want:   services.KindRejectedByNetwork,
			detail: "transaction_malformed",
		},
		{name: "horizon timeout", status: http.StatusGatewayTimeout, kind: "timeout", want: services.KindTimeout},
		{name: "server error", status: http.StatusInternalServerError, kind: "server_error", want: services.KindTimeout},
		{name: "unavailable", status: http.StatusServiceUnavailable, kind: "service_unavailable", want: services.KindTransportError},
		{name: "rate limited", status: http.StatusTooManyRequests, kind: "rate_limit_exceeded", want: services.KindTransportError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
				writeProblem(w, tt.status, tt.kind, tt.extras)
			})

			_, err := p.Submit(context.Background(), services.SignedEnvelope{Hash: "h", XDR: "AAAA"})
			require.Error(t, err)
			assert.Equal(t, tt.want, services.KindOf(err, ""))
			if tt.detail != "" {
				var ce *services.CheckoutError
				require.ErrorAs(t, err, &ce)
				assert.Equal(t, tt.detail, ce.Detail)
			}
		})
	}
}

func TestSubmit_UnreachableIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := providers.NewHorizonProvider(providers.HorizonConfig{URL: url, Timeout: time.Second, BreakerFailures: 2}, nil)

	for i := 0; i < 2; i++ {
		_, err := p.Submit(context.Background(), services.SignedEnvelope{Hash: "h", XDR: "AAAA"})
		assert.ErrorIs(t, err, services.ErrTransportError)
	}

	_, err := p.Submit(context.Background(), services.SignedEnvelope{Hash: "h", XDR: "AAAA"})
	assert.ErrorIs(t, err, services.ErrTransportError)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestSubmit_NoResponseIsTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	p := providers.NewHorizonProvider(providers.HorizonConfig{URL: srv.URL, Timeout: 50 * time.Millisecond}, nil)

	_, err := p.Submit(context.Background(), services.SignedEnvelope{Hash: "h", XDR: "AAAA"})
	assert.ErrorIs(t, err, services.ErrTimeout)
}

func TestSubmit_IgnoresCancelledContext(t *testing.T) {
	p, _ := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"hash":"abc123","ledger":7,"successful":true}`))
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := p.Submit(ctx, services.SignedEnvelope{Hash: "abc123", XDR: "AAAA"})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestTransactionStatus(t *testing.T) {
	p, _ := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/transactions/missing") {
			writeProblem(w, http.StatusNotFound, "not_found", nil)
			return
		}
		_, _ = w.Write([]byte(`{"hash":"abc123","ledger":99,"successful":true}`))
	})

	res, found, err := p.TransactionStatus(context.Background(), "abc123")
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, res.Success)
	assert.Equal(t, int32(99), res.Ledger)

	_, found, err = p.TransactionStatus(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, found)
}
