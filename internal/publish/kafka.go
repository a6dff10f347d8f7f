// Package publish forwards freshly decoded observations to Kafka.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/kjstillabower/metar-service/internal/models"
	"github.com/kjstillabower/metar-service/internal/observability"
)

// Publisher delivers observations to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, obs models.Observation) error
	Close() error
}

// messageWriter is the subset of kafkago.Writer used here.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// KafkaPublisher produces one JSON message per observation.
type KafkaPublisher struct {
	writer messageWriter
	logger *zap.Logger
}

// NewKafkaPublisher creates a producer for topic on the given brokers.
func NewKafkaPublisher(brokers []string, topic string, writeTimeout time.Duration, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireOne,
		WriteTimeout: writeTimeout,
	}
	return &KafkaPublisher{writer: w, logger: logger}
}

// Publish serializes obs and writes it keyed by station, so every report
// for a station lands on the same partition.
func (p *KafkaPublisher) Publish(ctx context.Context, obs models.Observation) error {
	msg, err := serializeToMessage(obs)
	if err != nil {
		observability.PublishedObservationsTotal.WithLabelValues("error").Inc()
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		observability.PublishedObservationsTotal.WithLabelValues("error").Inc()
		p.logger.Warn("publish observation failed", zap.String("station", obs.Station), zap.Error(err))
		return fmt.Errorf("publish observation %s: %w", obs.Station, err)
	}
	observability.PublishedObservationsTotal.WithLabelValues("success").Inc()
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// serializeToMessage marshals an Observation into a Kafka message.
func serializeToMessage(obs models.Observation) (kafkago.Message, error) {
	data, err := json.Marshal(obs)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize observation: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(obs.Station),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "station", Value: []byte(obs.Station)},
			{Key: "issued_at", Value: []byte(obs.IssuedAt)},
		},
	}, nil
}
