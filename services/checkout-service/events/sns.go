package events

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	awspkg "github.com/stellardevsa/marketplace/pkg/aws"
	"github.com/stellardevsa/marketplace/services/checkout-service/services"
)

// SNSListener publishes checkout.settled and checkout.failed to an SNS topic
// for order fulfilment and notifications downstream.
type SNSListener struct {
	publisher awspkg.SNSPublisher
	topicArn  string
	logger    *zap.Logger
}

func NewSNSListener(publisher awspkg.SNSPublisher, topicArn string, logger *zap.Logger) *SNSListener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SNSListener{publisher: publisher, topicArn: topicArn, logger: logger}
}

func (l *SNSListener) AttemptChanged(ctx context.Context, snap services.Snapshot) {
	event, ok := NewCheckoutEvent(snap)
	if !ok {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		l.logger.Error("failed to marshal checkout event", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	attrs := map[string]string{
		"event_type": event.Event,
		"flow":       event.Flow,
	}
	if err := l.publisher.Publish(ctx, l.topicArn, data, attrs); err != nil {
		l.logger.Error("failed to publish checkout event to SNS",
			zap.String("attempt_id", event.AttemptID),
			zap.String("event", event.Event),
			zap.Error(err),
		)
		return
	}
	l.logger.Debug("checkout event published", zap.String("attempt_id", event.AttemptID), zap.String("event", event.Event))
}
