// Package httpapi serves the read-only status API.
package httpapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/offgrid/solar-controller/internal/device"
	"github.com/offgrid/solar-controller/internal/metrics"
	"github.com/offgrid/solar-controller/internal/state"
	"github.com/offgrid/solar-controller/internal/storage"
)

// History is the slice of storage the API reads.
type History interface {
	GetRecentReadings(limit int) ([]*storage.Reading, error)
	GetDailyEnergy(day string) ([]*storage.DailyEnergy, error)
}

// Server holds what the handlers read. History and Metrics may be nil.
type Server struct {
	Registry  *device.Registry
	State     *state.Store
	History   History
	Metrics   *metrics.Metrics
	AccessLog io.Writer

	now func() time.Time
}

// NewRouter registers every route.
func (s *Server) NewRouter() *mux.Router {
	r := mux.NewRouter()

	r.Handle("/healthz", s.Metrics.WrapHandler("healthz", http.HandlerFunc(s.healthHandler))).Methods("GET")
	r.Handle("/metrics", s.Metrics.Handler()).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Handle("/state", s.Metrics.WrapHandler("state", http.HandlerFunc(s.getState))).Methods("GET")
	api.Handle("/devices", s.Metrics.WrapHandler("devices", http.HandlerFunc(s.getDevices))).Methods("GET")
	api.Handle("/devices/{id}", s.Metrics.WrapHandler("device", http.HandlerFunc(s.getDevice))).Methods("GET")
	api.Handle("/readings", s.Metrics.WrapHandler("readings", http.HandlerFunc(s.getReadings))).Methods("GET")
	api.Handle("/energy", s.Metrics.WrapHandler("energy", http.HandlerFunc(s.getEnergy))).Methods("GET")

	return r
}

// Handler returns the router wrapped in access logging and panic recovery.
func (s *Server) Handler() http.Handler {
	out := s.AccessLog
	if out == nil {
		out = os.Stdout
	}
	logged := handlers.LoggingHandler(out, s.NewRouter())
	return handlers.RecoveryHandler(handlers.PrintRecoveryStack(false))(logged)
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTPAPI: listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("HTTPAPI: shutdown failed", "err", err)
		}
		slog.Info("HTTPAPI: stopped")
		return nil
	}
}

func (s *Server) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}
