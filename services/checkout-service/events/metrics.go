package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	awspkg "github.com/stellardevsa/marketplace/pkg/aws"
	"github.com/stellardevsa/marketplace/services/checkout-service/services"
)

type MetricsRecorder interface {
	IsEnabled() bool
	RecordCount(ctx context.Context, metricName string, dimensions map[string]string) error
	RecordLatency(ctx context.Context, metricName string, duration time.Duration, dimensions map[string]string) error
}

// MetricsListener turns attempt transitions into CloudWatch metrics.
type MetricsListener struct {
	recorder MetricsRecorder
	service  string
	logger   *zap.Logger

	mu       sync.Mutex
	awaiting map[string]time.Time
	wg       sync.WaitGroup
}

func NewMetricsListener(recorder MetricsRecorder, service string, logger *zap.Logger) *MetricsListener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MetricsListener{
		recorder: recorder,
		service:  service,
		logger:   logger,
		awaiting: make(map[string]time.Time),
	}
}

type sample struct {
	name    string
	count   bool
	latency time.Duration
	dims    map[string]string
}

func (m *MetricsListener) AttemptChanged(_ context.Context, snap services.Snapshot) {
	if m.recorder == nil || !m.recorder.IsEnabled() {
		return
	}
	samples := m.samplesFor(snap)
	if len(samples) == 0 {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, s := range samples {
			var err error
			if s.count {
				err = m.recorder.RecordCount(ctx, s.name, s.dims)
			} else {
				err = m.recorder.RecordLatency(ctx, s.name, s.latency, s.dims)
			}
			if err != nil {
				m.logger.Warn("failed to record checkout metric", zap.String("metric", s.name), zap.Error(err))
			}
		}
	}()
}

// Flush waits for in-flight metric writes.
func (m *MetricsListener) Flush() {
	m.wg.Wait()
}

func (m *MetricsListener) samplesFor(snap services.Snapshot) []sample {
	dims := map[string]string{"Service": m.service, "Flow": string(snap.Flow)}

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []sample
	switch snap.State {
	case services.StateAssembling:
		if snap.Version == 1 {
			out = append(out, sample{name: awspkg.MetricCheckoutsStarted, count: true, dims: dims})
		}
	case services.StateAwaitingSignature:
		m.awaiting[snap.ID] = snap.UpdatedAt
	case services.StateSubmitting:
		if since, ok := m.awaiting[snap.ID]; ok {
			out = append(out, sample{name: awspkg.MetricSignatureWait, latency: snap.UpdatedAt.Sub(since), dims: dims})
		}
	case services.StateSettled:
		out = append(out,
			sample{name: awspkg.MetricCheckoutsSettled, count: true, dims: dims},
			sample{name: awspkg.MetricCheckoutDuration, latency: snap.UpdatedAt.Sub(snap.StartedAt), dims: dims},
		)
		if snap.SubmittedAt != nil {
			out = append(out, sample{name: awspkg.MetricSubmissionLatency, latency: snap.UpdatedAt.Sub(*snap.SubmittedAt), dims: dims})
		}
	case services.StateFailed:
		failed := map[string]string{"Service": m.service, "Flow": string(snap.Flow), "Reason": string(snap.Status.Reason)}
		out = append(out,
			sample{name: awspkg.MetricCheckoutsFailed, count: true, dims: failed},
			sample{name: awspkg.MetricCheckoutDuration, latency: snap.UpdatedAt.Sub(snap.StartedAt), dims: dims},
		)
		if snap.Status.Reason == services.KindTimeout {
			out = append(out, sample{name: awspkg.MetricAmbiguousOutcomes, count: true, dims: dims})
		}
	}
	if snap.State.Terminal() {
		delete(m.awaiting, snap.ID)
	}
	return out
}
