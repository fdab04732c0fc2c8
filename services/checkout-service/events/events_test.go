package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	awspkg "github.com/stellardevsa/marketplace/pkg/aws"
	"github.com/stellardevsa/marketplace/services/checkout-service/models"
	"github.com/stellardevsa/marketplace/services/checkout-service/services"
)

const payee = "GCEZWKCA5VLDNRLN3RPRJMRZOX3Z6G5CHCGSNFHEYVXM3XOJMDS674JZ"

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func settledSnapshot() services.Snapshot {
	submitted := t0.Add(20 * time.Second)
	return services.Snapshot{
		ID:          "a1",
		SessionID:   "s1",
		Signer:      payee,
		Flow:        services.FlowCart,
		State:       services.StateSettled,
		Status:      services.Status{Phase: services.PhaseSucceeded, ItemCount: 2},
		ItemCount:   2,
		Payments:    []services.Payment{{Destination: payee, Amount: "25.0000000", Asset: "XLM"}},
		Asset:       "XLM",
		Envelope:    &services.UnsignedEnvelope{Hash: "env-hash"},
		Result:      &services.SettlementResult{Success: true, Hash: "tx-hash", Ledger: 77},
		Version:     5,
		StartedAt:   t0,
		SubmittedAt: &submitted,
		UpdatedAt:   t0.Add(25 * time.Second),
	}
}

func TestNewCheckoutEvent(t *testing.T) {
	_, ok := NewCheckoutEvent(services.Snapshot{State: services.StateSubmitting})
	assert.False(t, ok)

	ev, ok := NewCheckoutEvent(settledSnapshot())
	require.True(t, ok)
	assert.Equal(t, models.EventCheckoutSettled, ev.Event)
	assert.Equal(t, "tx-hash", ev.TxHash)
	assert.Equal(t, int32(77), ev.Ledger)
	assert.Equal(t, []models.PaymentSummary{{Payee: payee, Amount: "25.0000000"}}, ev.Payments)

	failed := settledSnapshot()
	failed.State = services.StateFailed
	failed.Status = services.Status{Phase: services.PhaseFailed, Reason: services.KindTimeout}
	failed.Result = nil
	ev, ok = NewCheckoutEvent(failed)
	require.True(t, ok)
	assert.Equal(t, models.EventCheckoutFailed, ev.Event)
	assert.Equal(t, "Timeout", ev.FailureKind)
	assert.Equal(t, "env-hash", ev.TxHash)
}

// ---- SNS ----

type fakeSNS struct {
	topic string
	msg   []byte
	attrs map[string]string
	calls int
	err   error
}

func (f *fakeSNS) Publish(_ context.Context, topicArn string, message []byte, attributes map[string]string) error {
	f.calls++
	f.topic, f.msg, f.attrs = topicArn, message, attributes
	return f.err
}

var _ awspkg.SNSPublisher = (*fakeSNS)(nil)

func TestSNSListener_PublishesTerminalOnly(t *testing.T) {
	pub := &fakeSNS{}
	l := NewSNSListener(pub, "arn:aws:sns:us-east-1:000000000000:checkout-events", nil)

	l.AttemptChanged(context.Background(), services.Snapshot{State: services.StateAwaitingSignature})
	assert.Zero(t, pub.calls)

	l.AttemptChanged(context.Background(), settledSnapshot())
	require.Equal(t, 1, pub.calls)
	assert.Equal(t, "checkout.settled", pub.attrs["event_type"])
	assert.Equal(t, "cart", pub.attrs["flow"])

	var ev models.CheckoutEvent
	require.NoError(t, json.Unmarshal(pub.msg, &ev))
	assert.Equal(t, "a1", ev.AttemptID)
}

func TestSNSListener_ErrorIsSwallowed(t *testing.T) {
	pub := &fakeSNS{err: errors.New("throttled")}
	NewSNSListener(pub, "arn", nil).AttemptChanged(context.Background(), settledSnapshot())
	assert.Equal(t, 1, pub.calls)
}

// ---- Kafka ----

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestProducer_KeysBySession(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, nil)

	p.AttemptChanged(context.Background(), services.Snapshot{State: services.StateAssembling})
	p.AttemptChanged(context.Background(), settledSnapshot())

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "s1", string(w.msgs[0].Key))
	assert.Equal(t, "checkout.settled", string(w.msgs[0].Headers[0].Value))

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

// ---- metrics ----

type fakeRecorder struct {
	mu        sync.Mutex
	counts    []string
	latencies map[string]time.Duration
}

func (f *fakeRecorder) IsEnabled() bool { return true }

func (f *fakeRecorder) RecordCount(_ context.Context, name string, _ map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts = append(f.counts, name)
	return nil
}

func (f *fakeRecorder) RecordLatency(_ context.Context, name string, d time.Duration, _ map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latencies == nil {
		f.latencies = make(map[string]time.Duration)
	}
	f.latencies[name] = d
	return nil
}

func TestMetricsListener(t *testing.T) {
	rec := &fakeRecorder{}
	m := NewMetricsListener(rec, "checkout-service", nil)
	ctx := context.Background()

	m.AttemptChanged(ctx, services.Snapshot{ID: "a1", State: services.StateAssembling, Version: 1, StartedAt: t0, UpdatedAt: t0})
	m.AttemptChanged(ctx, services.Snapshot{ID: "a1", State: services.StateAwaitingSignature, Version: 2, UpdatedAt: t0.Add(time.Second)})
	m.AttemptChanged(ctx, services.Snapshot{ID: "a1", State: services.StateSubmitting, Version: 3, UpdatedAt: t0.Add(20 * time.Second)})
	m.AttemptChanged(ctx, settledSnapshot())
	m.Flush()

	assert.ElementsMatch(t, []string{awspkg.MetricCheckoutsStarted, awspkg.MetricCheckoutsSettled}, rec.counts)
	assert.Equal(t, 19*time.Second, rec.latencies[awspkg.MetricSignatureWait])
	assert.Equal(t, 25*time.Second, rec.latencies[awspkg.MetricCheckoutDuration])
	assert.Equal(t, 5*time.Second, rec.latencies[awspkg.MetricSubmissionLatency])
}

func TestMetricsListener_TimeoutIsAmbiguous(t *testing.T) {
	rec := &fakeRecorder{}
	m := NewMetricsListener(rec, "checkout-service", nil)

	snap := settledSnapshot()
	snap.State = services.StateFailed
	snap.Status = services.Status{Phase: services.PhaseFailed, Reason: services.KindTimeout}
	m.AttemptChanged(context.Background(), snap)
	m.Flush()

	assert.ElementsMatch(t, []string{awspkg.MetricCheckoutsFailed, awspkg.MetricAmbiguousOutcomes}, rec.counts)
}
