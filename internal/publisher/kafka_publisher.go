package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

var errKafkaNotRunning = errors.New("kafka publisher not running")

// KafkaPublisher writes JSON messages keyed by Message.Key.
type KafkaPublisher struct {
	config KafkaConfig
	writer kafkaMessageWriter
}

func NewKafkaPublisher(config KafkaConfig) *KafkaPublisher {
	if config.Topic == "" {
		config.Topic = "solar.telemetry"
	}
	return &KafkaPublisher{config: config}
}

// newKafkaPublisherWithWriter wires the provided writer. It is used in tests.
func newKafkaPublisherWithWriter(config KafkaConfig, writer kafkaMessageWriter) *KafkaPublisher {
	p := NewKafkaPublisher(config)
	p.writer = writer
	return p
}

func (p *KafkaPublisher) Name() string { return "kafka" }

func (p *KafkaPublisher) Run(ctx context.Context) error {
	if p.writer != nil {
		return nil
	}
	if len(p.config.Brokers) == 0 {
		return fmt.Errorf("Publisher.Kafka: at least one broker is required")
	}
	if strings.TrimSpace(p.config.Topic) == "" {
		return fmt.Errorf("Publisher.Kafka: topic must not be empty")
	}
	p.writer = &kafka.Writer{
		Addr:     kafka.TCP(p.config.Brokers...),
		Topic:    p.config.Topic,
		Balancer: &kafka.Hash{},
	}
	slog.Info("Publisher.Kafka: initialized", "brokers", p.config.Brokers, "topic", p.config.Topic)
	return nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, msg Message) error {
	if p.writer == nil {
		return errKafkaNotRunning
	}
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.Key),
		Value: value,
		Time:  msg.Time,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(msg.Kind)},
		},
	})
}

func (p *KafkaPublisher) Stop(ctx context.Context) {
	if p.writer != nil {
		if err := p.writer.Close(); err != nil {
			slog.Warn("Publisher.Kafka: close failed", "err", err)
		}
	}
	slog.Info("Publisher.Kafka: stopped")
}
