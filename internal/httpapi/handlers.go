package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/offgrid/solar-controller/internal/device"
)

const (
	defaultReadingLimit = 50
	maxReadingLimit     = 1000
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("HTTPAPI: encode response failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// getState returns the shared state snapshot.
func (s *Server) getState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.State.Snapshot())
}

type devicesResponse struct {
	Devices     []device.Snapshot `json:"devices"`
	ActiveWatts float64           `json:"active_w"`
	On          int               `json:"on"`
	Off         int               `json:"off"`
}

func (s *Server) getDevices(w http.ResponseWriter, r *http.Request) {
	now := s.clock()
	all := s.Registry.All()
	if t := r.URL.Query().Get("type"); t != "" {
		all = s.Registry.ByType(device.ParseType(t))
	}
	resp := devicesResponse{
		Devices:     make([]device.Snapshot, 0, len(all)),
		ActiveWatts: s.Registry.ActivePower(),
		On:          len(s.Registry.On()),
		Off:         len(s.Registry.Off()),
	}
	for _, d := range all {
		resp.Devices = append(resp.Devices, d.Snapshot(now))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	d, ok := s.Registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, d.Snapshot(s.clock()))
}

func (s *Server) getReadings(w http.ResponseWriter, r *http.Request) {
	if s.History == nil {
		writeError(w, http.StatusServiceUnavailable, "history disabled")
		return
	}
	limit := defaultReadingLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxReadingLimit)
	}
	readings, err := s.History.GetRecentReadings(limit)
	if err != nil {
		slog.Error("HTTPAPI: load readings failed", "err", err)
		writeError(w, http.StatusInternalServerError, "load readings failed")
		return
	}
	writeJSON(w, http.StatusOK, readings)
}

func (s *Server) getEnergy(w http.ResponseWriter, r *http.Request) {
	day := r.URL.Query().Get("day")
	if day == "" {
		day = s.clock().Format("2006-01-02")
	} else if _, err := time.Parse("2006-01-02", day); err != nil {
		writeError(w, http.StatusBadRequest, "day must be YYYY-MM-DD")
		return
	}

	// today's totals are live in the registry
	if day == s.clock().Format("2006-01-02") || s.History == nil {
		type row struct {
			DeviceID   string  `json:"device_id"`
			Day        string  `json:"day"`
			RunSeconds float64 `json:"run_seconds"`
			EnergyWh   float64 `json:"energy_wh"`
		}
		rows := make([]row, 0, s.Registry.Len())
		for _, d := range s.Registry.All() {
			run, wh, devDay := d.Energy()
			if devDay != day {
				continue
			}
			rows = append(rows, row{DeviceID: d.ID, Day: day, RunSeconds: run, EnergyWh: wh})
		}
		writeJSON(w, http.StatusOK, rows)
		return
	}

	rows, err := s.History.GetDailyEnergy(day)
	if err != nil {
		slog.Error("HTTPAPI: load energy failed", "day", day, "err", err)
		writeError(w, http.StatusInternalServerError, "load energy failed")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}
