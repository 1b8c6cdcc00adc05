// Package publisher fans readings, device state and actuation events out to
// external buses.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Message kinds.
const (
	KindReading = "reading"
	KindDevice  = "device"
	KindEvent   = "event"
)

// Message is one record published to every configured bus.
type Message struct {
	ID      string         `json:"id"`
	Kind    string         `json:"kind"`
	Key     string         `json:"key"`
	Time    time.Time      `json:"time"`
	Payload map[string]any `json:"payload"`
}

// NewMessage creates a message with a fresh id.
func NewMessage(kind, key string, t time.Time, payload map[string]any) Message {
	return Message{ID: uuid.New().String(), Kind: kind, Key: key, Time: t, Payload: payload}
}

// Topic returns "<prefix>/<kind>/<key>", or "<kind>/<key>" without a prefix.
func (m Message) Topic(prefix string) string {
	topic := m.Kind + "/" + m.Key
	if prefix != "" {
		topic = prefix + "/" + topic
	}
	return topic
}

// envelope returns the message as plain JSON values.
func (m Message) envelope() (map[string]any, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	return out, nil
}

// Publisher is one output bus.
type Publisher interface {
	Name() string
	Run(ctx context.Context) error
	Publish(ctx context.Context, msg Message) error
	Stop(ctx context.Context)
}

// Config selects and configures one publisher.
type Config struct {
	Type  string      `yaml:"type"` // mqtt, zmq or kafka
	MQTT  MQTTConfig  `yaml:"mqtt"`
	ZMQ   ZMQConfig   `yaml:"zmq"`
	Kafka KafkaConfig `yaml:"kafka"`
}

// Set fans messages out to several publishers.
type Set struct {
	publishers []Publisher
}

// NewSet groups already running publishers.
func NewSet(publishers ...Publisher) *Set {
	return &Set{publishers: publishers}
}

// Init builds and starts one publisher per config.
func Init(ctx context.Context, configs []*Config) (*Set, error) {
	set := &Set{publishers: make([]Publisher, 0, len(configs))}
	for _, config := range configs {
		var publisher Publisher
		switch config.Type {
		case "mqtt":
			publisher = NewMQTTPublisher(config.MQTT)
		case "zmq":
			publisher = NewZMQPublisher(config.ZMQ)
		case "kafka":
			publisher = NewKafkaPublisher(config.Kafka)
		default:
			set.Stop(ctx)
			return nil, fmt.Errorf("unknown publisher type %v", config.Type)
		}

		if err := publisher.Run(ctx); err != nil {
			set.Stop(ctx)
			return nil, fmt.Errorf("publisher: run %v publisher failed: %w", config.Type, err)
		}
		set.publishers = append(set.publishers, publisher)
	}
	return set, nil
}

// Len returns the number of publishers.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.publishers)
}

// Publish sends msg to every publisher. Failures are logged and joined; one
// failing bus does not keep the others from receiving the message.
func (s *Set) Publish(ctx context.Context, msg Message) error {
	if s == nil {
		return nil
	}
	var errs []error
	for _, p := range s.publishers {
		if err := p.Publish(ctx, msg); err != nil {
			slog.Warn("Publisher: publish failed", "publisher", p.Name(), "kind", msg.Kind, "key", msg.Key, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Stop stops every publisher.
func (s *Set) Stop(ctx context.Context) {
	if s == nil {
		return
	}
	for _, p := range s.publishers {
		p.Stop(ctx)
	}
}
