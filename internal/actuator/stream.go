package actuator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// MessageType defines the type of a stream message
type MessageType string

const (
	// Gateway → controller
	MsgTypeStatus MessageType = "status"
	MsgTypeOnline MessageType = "online"
	MsgTypePing   MessageType = "ping"

	// Controller → gateway
	MsgTypePong MessageType = "pong"
)

// Message is one frame of the gateway status stream
type Message struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// OnlinePayload reports a device going on or off line.
type OnlinePayload struct {
	ID     string `json:"id"`
	Online bool   `json:"online"`
}

// SetStatusCallback registers the handler for pushed status changes
func (g *Gateway) SetStatusCallback(cb func(DeviceStatus)) {
	g.mu.Lock()
	g.onStatus = cb
	g.mu.Unlock()
}

// StartStream connects to the push stream and keeps reconnecting until
// ctx is cancelled or StopStream is called. It is a no-op without a WebSocketURL.
func (g *Gateway) StartStream(ctx context.Context) error {
	if g.config.WebSocketURL == "" {
		return nil
	}
	g.wg.Add(1)
	go g.connectionLoop(ctx)
	return nil
}

// StopStream disconnects and waits for the stream loops
func (g *Gateway) StopStream() {
	g.stopOnce.Do(func() { close(g.stopChan) })
	g.wg.Wait()
}

// IsConnected returns whether the stream is connected
func (g *Gateway) IsConnected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

// connectionLoop manages the stream connection with exponential backoff
func (g *Gateway) connectionLoop(ctx context.Context) {
	defer g.wg.Done()

	for {
		select {
		case <-g.stopChan:
			g.disconnect()
			return
		case <-ctx.Done():
			g.disconnect()
			return
		default:
		}

		if err := g.connect(ctx); err != nil {
			slog.Warn("Actuator.Stream: connect failed", "err", err)
			if !g.waitWithBackoff(ctx) {
				return
			}
			continue
		}

		g.currentRetryDelay = g.config.InitialRetryDelay

		g.runMessageLoops(ctx)

		g.disconnect()
		slog.Info("Actuator.Stream: disconnected, reconnecting")
		if !g.waitWithBackoff(ctx) {
			return
		}
	}
}

// waitWithBackoff waits for the current retry delay with jitter. It reports
// false when the wait was interrupted by shutdown.
func (g *Gateway) waitWithBackoff(ctx context.Context) bool {
	jitter := g.currentRetryDelay.Seconds() * g.config.JitterPercent * (rand.Float64()*2 - 1)
	delay := g.currentRetryDelay + time.Duration(jitter*float64(time.Second))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-g.stopChan:
		return false
	case <-ctx.Done():
		return false
	case <-timer.C:
	}

	g.currentRetryDelay = time.Duration(float64(g.currentRetryDelay) * g.config.BackoffMultiplier)
	if g.currentRetryDelay > g.config.MaxRetryDelay {
		g.currentRetryDelay = g.config.MaxRetryDelay
	}
	return true
}

// connect establishes the stream connection
func (g *Gateway) connect(ctx context.Context) error {
	wsURL := g.config.WebSocketURL
	if g.config.APIKey != "" {
		wsURL += "?api_key=" + url.QueryEscape(g.config.APIKey)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	g.mu.Lock()
	g.conn = conn
	g.connected = true
	g.mu.Unlock()

	slog.Info("Actuator.Stream: connected", "url", g.config.WebSocketURL)
	return nil
}

// disconnect closes the stream connection
func (g *Gateway) disconnect() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.conn != nil {
		g.conn.Close()
		g.conn = nil
	}
	g.connected = false
}

// runMessageLoops runs the read and write loops until either exits
func (g *Gateway) runMessageLoops(ctx context.Context) {
	var wg sync.WaitGroup
	done := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		g.readLoop(done)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		g.writeLoop(ctx, done)
	}()

	wg.Wait()
}

// readLoop reads frames from the stream
func (g *Gateway) readLoop(done chan struct{}) {
	defer close(done)

	for {
		g.mu.Lock()
		conn := g.conn
		g.mu.Unlock()

		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(g.config.ReadTimeout))

		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("Actuator.Stream: read error", "err", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Actuator.Stream: bad frame", "err", err)
			continue
		}

		g.handleMessage(&msg)
	}
}

// writeLoop sends queued frames and keepalive pings. Closing the connection
// on exit unblocks the read loop.
func (g *Gateway) writeLoop(ctx context.Context, done chan struct{}) {
	ticker := time.NewTicker(g.config.PingInterval)
	defer ticker.Stop()
	defer g.disconnect()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-g.stopChan:
			return

		case msg := <-g.sendChan:
			g.mu.Lock()
			conn := g.conn
			g.mu.Unlock()

			if conn == nil {
				return
			}

			data, err := json.Marshal(msg)
			if err != nil {
				slog.Error("Actuator.Stream: marshal failed", "err", err)
				continue
			}

			conn.SetWriteDeadline(time.Now().Add(g.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Warn("Actuator.Stream: write error", "err", err)
				return
			}

		case <-ticker.C:
			g.mu.Lock()
			conn := g.conn
			g.mu.Unlock()

			if conn == nil {
				return
			}

			conn.SetWriteDeadline(time.Now().Add(g.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Warn("Actuator.Stream: ping failed", "err", err)
				return
			}
		}
	}
}

// handleMessage dispatches an incoming frame
func (g *Gateway) handleMessage(msg *Message) {
	g.mu.Lock()
	onStatus := g.onStatus
	g.mu.Unlock()

	switch msg.Type {
	case MsgTypeStatus:
		var st DeviceStatus
		if err := json.Unmarshal(msg.Payload, &st); err != nil {
			slog.Warn("Actuator.Stream: bad status payload", "err", err)
			return
		}
		if onStatus != nil {
			onStatus(st)
		}

	case MsgTypeOnline:
		var p OnlinePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			slog.Warn("Actuator.Stream: bad online payload", "err", err)
			return
		}
		slog.Info("Actuator.Stream: device availability changed", "device", p.ID, "online", p.Online)

	case MsgTypePing:
		g.sendPong(msg.ID)

	default:
		slog.Debug("Actuator.Stream: unknown message type", "type", msg.Type)
	}
}

// sendPong answers a ping frame
func (g *Gateway) sendPong(pingID string) {
	payload, _ := json.Marshal(map[string]string{"ping_id": pingID})

	msg := &Message{
		Type:      MsgTypePong,
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}

	select {
	case g.sendChan <- msg:
	default:
		slog.Warn("Actuator.Stream: send queue full, dropping pong")
	}
}
