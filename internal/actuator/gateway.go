package actuator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/offgrid/solar-controller/internal/device"
)

// Config holds device gateway configuration
type Config struct {
	BaseURL      string // REST API base URL (http://gateway.local:8080/api/v1)
	WebSocketURL string // push stream of status changes, optional
	APIKey       string

	PingInterval time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	HTTPTimeout  time.Duration

	// Reconnection settings (exponential backoff)
	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
	BackoffMultiplier float64
	JitterPercent     float64
}

// DefaultConfig returns default gateway client configuration
func DefaultConfig() Config {
	return Config{
		PingInterval:      30 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadTimeout:       90 * time.Second,
		HTTPTimeout:       15 * time.Second,
		InitialRetryDelay: 1 * time.Second,
		MaxRetryDelay:     60 * time.Second,
		BackoffMultiplier: 2.0,
		JitterPercent:     0.25,
	}
}

// Gateway is the HTTP/WebSocket client of the device gateway.
type Gateway struct {
	config     Config
	httpClient *http.Client
	conn       *websocket.Conn
	sendChan   chan *Message
	stopChan   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	mu         sync.Mutex
	connected  bool

	currentRetryDelay time.Duration

	onStatus func(DeviceStatus)
}

// NewGateway creates a gateway client
func NewGateway(config Config) *Gateway {
	return &Gateway{
		config: config,
		httpClient: &http.Client{
			Timeout: config.HTTPTimeout,
		},
		sendChan:          make(chan *Message, 16),
		stopChan:          make(chan struct{}),
		currentRetryDelay: config.InitialRetryDelay,
	}
}

// =============================================================================
// Commands (Controller → Gateway)
// =============================================================================

type commandRequest struct {
	RequestID string      `json:"request_id"`
	Commands  []CodeValue `json:"commands"`
}

type commandResponse struct {
	Success bool   `json:"success"`
	Msg     string `json:"msg,omitempty"`
}

// SwitchBinary turns the device's control key on or off
func (g *Gateway) SwitchBinary(ctx context.Context, d *device.Device, on bool) bool {
	return g.sendCommand(ctx, d, CodeValue{Code: d.ControlKey, Value: on})
}

// SetNumeric writes an integer to the device's control key
func (g *Gateway) SetNumeric(ctx context.Context, d *device.Device, value int) bool {
	return g.sendCommand(ctx, d, CodeValue{Code: d.ControlKey, Value: value})
}

func (g *Gateway) sendCommand(ctx context.Context, d *device.Device, cmd CodeValue) bool {
	if cmd.Code == "" {
		slog.Error("Actuator.Gateway: device has no control key", "device", d.ID)
		return false
	}
	req := commandRequest{RequestID: uuid.New().String(), Commands: []CodeValue{cmd}}
	var resp commandResponse
	endpoint := "/devices/" + url.PathEscape(targetID(d)) + "/commands"
	if err := g.doJSON(ctx, http.MethodPost, endpoint, req, &resp); err != nil {
		slog.Error("Actuator.Gateway: command failed", "device", d.ID, "code", cmd.Code, "value", cmd.Value, "err", err)
		return false
	}
	if !resp.Success {
		slog.Error("Actuator.Gateway: command rejected", "device", d.ID, "code", cmd.Code, "value", cmd.Value, "msg", resp.Msg)
		return false
	}
	slog.Info("Actuator.Gateway: command confirmed", "device", d.ID, "code", cmd.Code, "value", cmd.Value)
	return true
}

type bulkStatusResponse struct {
	Success bool           `json:"success"`
	Msg     string         `json:"msg,omitempty"`
	Result  []DeviceStatus `json:"result"`
}

// GetBulkStatus fetches the parameter lists of several devices in one call
func (g *Gateway) GetBulkStatus(ctx context.Context, ids []string) ([]DeviceStatus, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := url.Values{}
	q.Set("device_ids", strings.Join(ids, ","))
	var resp bulkStatusResponse
	if err := g.doJSON(ctx, http.MethodGet, "/devices/status?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("bulk status rejected: %s", resp.Msg)
	}
	return resp.Result, nil
}

// doJSON sends a request with an optional JSON body and decodes the JSON response
func (g *Gateway) doJSON(ctx context.Context, method, endpoint string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.config.BaseURL+endpoint, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-API-Key", g.config.APIKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("gateway error %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
