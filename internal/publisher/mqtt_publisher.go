package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// MQTTConfig configures the MQTT publisher.
type MQTTConfig struct {
	URL            string        `yaml:"url"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	Keepalive      uint16        `yaml:"keepalive"`
	TopicPrefix    string        `yaml:"topic_prefix"`
	QoS            byte          `yaml:"qos"`
	Retain         bool          `yaml:"retain"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

var errMQTTNotRunning = errors.New("mqtt publisher not running")

// MQTTPublisher publishes JSON messages to an MQTT v5 broker.
type MQTTPublisher struct {
	config            MQTTConfig
	connectionManager *autopaho.ConnectionManager
}

func NewMQTTPublisher(config MQTTConfig) *MQTTPublisher {
	if config.Keepalive == 0 {
		config.Keepalive = 30
	}
	if config.TopicPrefix == "" {
		config.TopicPrefix = "solar"
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	return &MQTTPublisher{config: config}
}

func (p *MQTTPublisher) Name() string { return "mqtt" }

// Run connects to the broker. The connection manager keeps reconnecting in
// the background, so a broker that is down at start is only logged.
func (p *MQTTPublisher) Run(ctx context.Context) error {
	u, err := url.Parse(p.config.URL)
	if err != nil {
		return fmt.Errorf("Publisher.MQTT: parse mqtt url failed: %v, %w", p.config.URL, err)
	}

	clientConfig := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{u},
		KeepAlive:                     p.config.Keepalive,
		ConnectUsername:               p.config.Username,
		ConnectPassword:               []byte(p.config.Password),
		CleanStartOnInitialConnection: false,
		SessionExpiryInterval:         60,
		OnConnectionUp: func(connectionManager *autopaho.ConnectionManager, connAck *paho.Connack) {
			slog.Info("Publisher.MQTT: connected to server", "server", p.config.URL)
		},
		OnConnectError: func(err error) {
			slog.Error("Publisher.MQTT: connect failed", "err", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.config.ClientID,
			OnClientError: func(err error) {
				slog.Info("Publisher.MQTT: client error", "err", err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				if d.Properties != nil && d.Properties.ReasonString != "" {
					slog.Error("Publisher.MQTT: server requested disconnect", "reason", d.Properties.ReasonString)
				} else {
					slog.Error("Publisher.MQTT: server requested disconnect", "reasonCode", d.ReasonCode)
				}
			},
		},
	}

	p.connectionManager, err = autopaho.NewConnection(ctx, clientConfig)
	if err != nil {
		return fmt.Errorf("Publisher.MQTT: NewConnection failed: %w", err)
	}

	awaitCtx, cancel := context.WithTimeout(ctx, p.config.ConnectTimeout)
	defer cancel()
	if err := p.connectionManager.AwaitConnection(awaitCtx); err != nil {
		slog.Warn("Publisher.MQTT: not connected yet, retrying in background", "server", p.config.URL, "err", err)
		return nil
	}
	slog.Info("Publisher.MQTT: initialized", "server", p.config.URL)
	return nil
}

func (p *MQTTPublisher) Publish(ctx context.Context, msg Message) error {
	if p.connectionManager == nil {
		return errMQTTNotRunning
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	_, err = p.connectionManager.Publish(ctx, &paho.Publish{
		QoS:     p.config.QoS,
		Retain:  p.config.Retain,
		Topic:   msg.Topic(p.config.TopicPrefix),
		Payload: payload,
	})
	return err
}

func (p *MQTTPublisher) Stop(ctx context.Context) {
	if p.connectionManager != nil {
		if err := p.connectionManager.Disconnect(ctx); err != nil {
			slog.Warn("Publisher.MQTT: disconnect failed", "err", err)
		}
	}
	slog.Info("Publisher.MQTT: stopped")
}
