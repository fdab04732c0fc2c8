package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/stellardevsa/marketplace/services/checkout-service/services"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes terminal checkout events to a Kafka topic, keyed by
// session so one buyer's events stay ordered.
type Producer struct {
	writer messageWriter
	logger *zap.Logger
}

func NewProducer(brokers []string, topic string, logger *zap.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return newProducer(writer, logger)
}

func newProducer(w messageWriter, logger *zap.Logger) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Producer{writer: w, logger: logger}
}

func (p *Producer) AttemptChanged(ctx context.Context, snap services.Snapshot) {
	event, ok := NewCheckoutEvent(snap)
	if !ok {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("failed to marshal checkout event", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(event.SessionID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Event)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("failed to send Kafka message",
			zap.String("attempt_id", event.AttemptID),
			zap.Error(err),
		)
	}
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
