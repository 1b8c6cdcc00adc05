package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-zeromq/zmq4"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// ZMQConfig configures the ZeroMQ publisher.
type ZMQConfig struct {
	Endpoint    string `yaml:"endpoint"` // e.g. tcp://*:5563
	TopicPrefix string `yaml:"topic_prefix"`
}

var errZMQNotRunning = errors.New("zmq publisher not running")

// ZMQPublisher binds a PUB socket and sends two-frame messages:
// the topic, then the message encoded as a protobuf Struct.
type ZMQPublisher struct {
	config ZMQConfig

	mu     sync.Mutex
	sock   zmq4.Socket
	cancel context.CancelFunc
}

func NewZMQPublisher(config ZMQConfig) *ZMQPublisher {
	if config.Endpoint == "" {
		config.Endpoint = "tcp://*:5563"
	}
	if config.TopicPrefix == "" {
		config.TopicPrefix = "solar"
	}
	return &ZMQPublisher{config: config}
}

func (p *ZMQPublisher) Name() string { return "zmq" }

func (p *ZMQPublisher) Run(ctx context.Context) error {
	sockCtx, cancel := context.WithCancel(ctx)
	sock := zmq4.NewPub(sockCtx)
	if err := sock.Listen(p.config.Endpoint); err != nil {
		cancel()
		return fmt.Errorf("Publisher.ZMQ: listen on %s failed: %w", p.config.Endpoint, err)
	}

	p.mu.Lock()
	p.sock = sock
	p.cancel = cancel
	p.mu.Unlock()

	slog.Info("Publisher.ZMQ: initialized", "endpoint", p.config.Endpoint)
	return nil
}

func (p *ZMQPublisher) Publish(ctx context.Context, msg Message) error {
	data, err := EncodeStruct(msg)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sock == nil {
		return errZMQNotRunning
	}
	return p.sock.Send(zmq4.NewMsgFrom([]byte(msg.Topic(p.config.TopicPrefix)), data))
}

func (p *ZMQPublisher) Stop(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sock != nil {
		p.sock.Close()
		p.sock = nil
	}
	if p.cancel != nil {
		p.cancel()
	}
	slog.Info("Publisher.ZMQ: stopped")
}

// EncodeStruct encodes msg as a serialized google.protobuf.Struct.
func EncodeStruct(msg Message) ([]byte, error) {
	env, err := msg.envelope()
	if err != nil {
		return nil, err
	}
	st, err := structpb.NewStruct(env)
	if err != nil {
		return nil, fmt.Errorf("build struct: %w", err)
	}
	data, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshal struct: %w", err)
	}
	return data, nil
}

// DecodeStruct is the inverse of EncodeStruct.
func DecodeStruct(data []byte) (map[string]any, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshal struct: %w", err)
	}
	return st.AsMap(), nil
}
