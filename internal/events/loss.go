// Package events publishes asynchronous delivery bookkeeping (currently
// delivery losses) to an external retry policy. Nothing here resends
// messages; sinks only surface what the transport reported.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// LossReport describes one live push the transport gave up on.
type LossReport struct {
	Fingerprint string    `json:"fingerprint"`
	MessageID   string    `json:"message_id"`
	UserID      string    `json:"user_id"`
	PushedAt    time.Time `json:"pushed_at"`
	ReportedAt  time.Time `json:"reported_at"`
}

// Sink receives loss reports. Implementations must be safe for concurrent use.
type Sink interface {
	PublishLosses(ctx context.Context, reports []LossReport) error
}

// LogSink writes loss reports to the structured log. It is the default when
// no broker is configured.
type LogSink struct{}

func (LogSink) PublishLosses(_ context.Context, reports []LossReport) error {
	for _, r := range reports {
		log.Warn().
			Str("component", "delivery_loss").
			Str("fingerprint", r.Fingerprint).
			Str("message_id", r.MessageID).
			Str("user_id", r.UserID).
			Time("pushed_at", r.PushedAt).
			Msg("live push lost")
	}
	return nil
}

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes every loss report as one JSON record keyed by message
// ID, so reports for the same message land on the same partition.
type KafkaSink struct {
	w messageWriter
}

// NewKafkaSink returns a sink writing to topic on brokers.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{w: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}}
}

func (s *KafkaSink) PublishLosses(ctx context.Context, reports []LossReport) error {
	if len(reports) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(reports))
	for _, r := range reports {
		val, err := json.Marshal(r)
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(r.MessageID),
			Value: val,
			Time:  r.ReportedAt,
		})
	}
	return s.w.WriteMessages(ctx, msgs...)
}

// Close flushes and closes the underlying writer.
func (s *KafkaSink) Close() error { return s.w.Close() }
