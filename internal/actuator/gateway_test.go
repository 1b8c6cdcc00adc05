package actuator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/offgrid/solar-controller/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRelay() *device.Device {
	d := device.New("hub:switch_2", "Relay 2", device.TypeSwitch)
	d.ControlKey = "switch_2"
	d.StateKey = "switch_2"
	d.GatewayID = "hub"
	return d
}

func newTestGateway(t *testing.T, h http.HandlerFunc) *Gateway {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL + "/api/v1"
	cfg.APIKey = "key"
	return NewGateway(cfg)
}

func TestSwitchBinarySendsCommand(t *testing.T) {
	var got commandRequest
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/devices/hub/commands", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("X-API-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"success":true}`))
	})

	ok := g.SwitchBinary(context.Background(), newRelay(), true)
	assert.True(t, ok)
	require.Len(t, got.Commands, 1)
	assert.Equal(t, "switch_2", got.Commands[0].Code)
	assert.Equal(t, true, got.Commands[0].Value)
	assert.NotEmpty(t, got.RequestID)
}

func TestSetNumericSendsValue(t *testing.T) {
	var got commandRequest
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/devices/pump/commands", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"success":true}`))
	})
	p := device.New("pump", "Pump", device.TypePump)
	p.ControlKey = "P"

	assert.True(t, g.SetNumeric(context.Background(), p, 35))
	require.Len(t, got.Commands, 1)
	assert.Equal(t, "P", got.Commands[0].Code)
	assert.Equal(t, 35.0, got.Commands[0].Value)
}

func TestCommandFailuresReturnFalse(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "hub") {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"success":false,"msg":"device offline"}`))
	})
	assert.False(t, g.SwitchBinary(context.Background(), newRelay(), false))

	p := device.New("pump", "Pump", device.TypePump)
	p.ControlKey = "P"
	assert.False(t, g.SetNumeric(context.Background(), p, 30))

	noKey := device.New("x", "x", device.TypeSwitch)
	assert.False(t, g.SwitchBinary(context.Background(), noKey, true))
}

func TestGetBulkStatus(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/devices/status", r.URL.Path)
		assert.Equal(t, "hub,pump", r.URL.Query().Get("device_ids"))
		_, _ = w.Write([]byte(`{"success":true,"result":[
			{"id":"hub","status":[{"code":"switch_1","value":true},{"code":"switch_2","value":false}]},
			{"id":"pump","status":[{"code":"Power","value":true},{"code":"P","value":40},{"code":"mode","value":6}]}
		]}`))
	})

	res, err := g.GetBulkStatus(context.Background(), []string{"hub", "pump"})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "pump", res[1].ID)
	assert.Len(t, res[1].Status, 3)
}

func TestGetBulkStatusError(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("bad key"))
	})
	_, err := g.GetBulkStatus(context.Background(), []string{"hub"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestExtractStatusDefaultsSwitchFromPower(t *testing.T) {
	m := ExtractStatus([]CodeValue{{Code: "Power", Value: true}, {Code: "P", Value: 30}, {Code: "", Value: 1}})
	assert.Equal(t, true, m["switch_1"])
	assert.Equal(t, 30, m["P"])
	assert.Len(t, m, 3)

	m = ExtractStatus([]CodeValue{{Code: "Power", Value: true}, {Code: "switch_1", Value: false}})
	assert.Equal(t, false, m["switch_1"], "explicit switch_1 wins")
}

func TestStreamDeliversStatus(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.URL.Query().Get("api_key"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		payload, _ := json.Marshal(DeviceStatus{ID: "hub", Status: []CodeValue{{Code: "switch_1", Value: true}}})
		_ = conn.WriteJSON(Message{Type: MsgTypeStatus, Timestamp: time.Now().UTC().Format(time.RFC3339), Payload: payload})
		// hold the connection until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.WebSocketURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	cfg.APIKey = "key"
	g := NewGateway(cfg)

	got := make(chan DeviceStatus, 1)
	g.SetStatusCallback(func(st DeviceStatus) { got <- st })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, g.StartStream(ctx))

	select {
	case st := <-got:
		assert.Equal(t, "hub", st.ID)
		assert.Equal(t, "switch_1", st.Status[0].Code)
	case <-time.After(5 * time.Second):
		t.Fatal("no status pushed")
	}
	assert.True(t, g.IsConnected())

	g.StopStream()
	assert.False(t, g.IsConnected())
}
