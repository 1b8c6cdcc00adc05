package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/offgrid/solar-controller/internal/device"
	"github.com/offgrid/solar-controller/internal/metrics"
	"github.com/offgrid/solar-controller/internal/state"
	"github.com/offgrid/solar-controller/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHistory struct {
	readings []*storage.Reading
	energy   map[string][]*storage.DailyEnergy
	err      error
	limit    int
}

func (f *fakeHistory) GetRecentReadings(limit int) ([]*storage.Reading, error) {
	f.limit = limit
	return f.readings, f.err
}

func (f *fakeHistory) GetDailyEnergy(day string) ([]*storage.DailyEnergy, error) {
	return f.energy[day], f.err
}

func newTestServer(t *testing.T) (*Server, *fakeHistory, *httptest.Server) {
	t.Helper()
	reg := device.NewRegistry()
	relay := device.New("hub:switch_1", "Lights", device.TypeSwitch)
	relay.StateKey, relay.LoadWatts = "switch_1", 60
	relay.Status.Set("switch_1", true)
	p := device.New("pump", "Pond pump", device.TypePump)
	p.ControlKey, p.StateKey = "P", "Power"
	p.Status.Merge(map[string]any{"Power": false, "P": 30})
	require.NoError(t, reg.Add(relay))
	require.NoError(t, reg.Add(p))

	now := time.Date(2024, 6, 2, 12, 0, 0, 0, time.Local)
	relay.Tick(now.Add(-time.Hour))
	relay.Tick(now)

	store := state.New()
	store.Update(map[string]any{state.KeyBatteryVoltage: 52.4, state.KeyWorkingMode: "Battery Mode"})

	hist := &fakeHistory{
		readings: []*storage.Reading{{ID: 7, Source: "primary"}},
		energy:   map[string][]*storage.DailyEnergy{"2024-06-01": {{DeviceID: "pump", Day: "2024-06-01", EnergyWh: 120}}},
	}
	s := &Server{Registry: reg, State: store, History: hist, Metrics: metrics.New(), AccessLog: io.Discard}
	s.now = func() time.Time { return now }

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, hist, srv
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthAndState(t *testing.T) {
	_, _, srv := newTestServer(t)

	var health map[string]string
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/healthz", &health))
	assert.Equal(t, "ok", health["status"])

	var st map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/v1/state", &st))
	assert.Equal(t, 52.4, st[state.KeyBatteryVoltage])
}

func TestDevices(t *testing.T) {
	_, _, srv := newTestServer(t)

	var resp devicesResponse
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/v1/devices", &resp))
	require.Len(t, resp.Devices, 2)
	assert.Equal(t, 1, resp.On)
	assert.Equal(t, 1, resp.Off)
	assert.Equal(t, 60.0, resp.ActiveWatts)

	var pumps devicesResponse
	getJSON(t, srv.URL+"/api/v1/devices?type=pump", &pumps)
	require.Len(t, pumps.Devices, 1)
	require.NotNil(t, pumps.Devices[0].Speed)
	assert.Equal(t, 30, *pumps.Devices[0].Speed)

	var one device.Snapshot
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/v1/devices/hub:switch_1", &one))
	assert.True(t, one.On)
	assert.InDelta(t, 60, one.TodayEnergyWh, 1e-9)

	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/v1/devices/nope", nil))
}

func TestReadings(t *testing.T) {
	_, hist, srv := newTestServer(t)

	var readings []storage.Reading
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/v1/readings?limit=5000", &readings))
	require.Len(t, readings, 1)
	assert.Equal(t, maxReadingLimit, hist.limit)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/v1/readings?limit=-1", nil))

	hist.err = errors.New("disk full")
	assert.Equal(t, http.StatusInternalServerError, getJSON(t, srv.URL+"/api/v1/readings", nil))
}

func TestEnergy(t *testing.T) {
	_, _, srv := newTestServer(t)

	var today []map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/v1/energy", &today))
	require.Len(t, today, 1)
	assert.Equal(t, "hub:switch_1", today[0]["device_id"])

	var past []storage.DailyEnergy
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/v1/energy?day=2024-06-01", &past))
	require.Len(t, past, 1)
	assert.Equal(t, 120.0, past[0].EnergyWh)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/v1/energy?day=yesterday", nil))
}

func TestMetricsRoute(t *testing.T) {
	_, _, srv := newTestServer(t)
	getJSON(t, srv.URL+"/healthz", nil)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.True(t, strings.Contains(string(body), `solar_http_requests_total{route="healthz",status="200"} 1`))
}
