package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/offgrid/solar-controller/internal/schedule"
	"github.com/offgrid/solar-controller/internal/state"
)

// Fetcher produces inverter readings.
type Fetcher interface {
	FetchReading(ctx context.Context) (*Reading, error)
}

// ReadingSink receives every successful reading (storage, publishers, metrics).
type ReadingSink func(ctx context.Context, r *Reading)

// FailureSink is told about every failed poll.
type FailureSink func(err error)

// Poller runs the telemetry poll loop. On failure the previous values stay in
// shared state so consumers keep the last known reading.
type Poller struct {
	fetcher   Fetcher
	store     *state.Store
	pacer     schedule.Pacer
	sinks     []ReadingSink
	onFailure FailureSink

	mu                  sync.RWMutex
	last                *Reading
	consecutiveFailures int
}

// NewPoller creates a poller publishing into store.
func NewPoller(fetcher Fetcher, store *state.Store, pacer schedule.Pacer, sinks ...ReadingSink) *Poller {
	return &Poller{fetcher: fetcher, store: store, pacer: pacer, sinks: sinks}
}

// OnFailure registers a callback for failed polls.
func (p *Poller) OnFailure(fn FailureSink) {
	p.onFailure = fn
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	slog.Info("Telemetry.Poller: started", "interval", p.pacer.Base)
	for {
		p.PollOnce(ctx)
		if !p.pacer.Wait(ctx) {
			slog.Info("Telemetry.Poller: stopped")
			return nil
		}
	}
}

// PollOnce performs a single fetch and publishes the result.
func (p *Poller) PollOnce(ctx context.Context) {
	reading, err := p.fetcher.FetchReading(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.mu.Lock()
		p.consecutiveFailures++
		n := p.consecutiveFailures
		p.mu.Unlock()
		slog.Error("Telemetry.Poller: no reading this cycle, keeping last known values",
			"err", err, "consecutive_failures", n)
		if p.onFailure != nil {
			p.onFailure(err)
		}
		return
	}

	p.store.Update(reading.StateValues())

	p.mu.Lock()
	p.last = reading
	p.consecutiveFailures = 0
	p.mu.Unlock()

	slog.Info("Telemetry.Poller: "+reading.Summary(), "source", reading.Source)
	for _, sink := range p.sinks {
		sink(ctx, reading)
	}
}

// Last returns the most recent successful reading and its age.
func (p *Poller) Last() (*Reading, time.Duration) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.last == nil {
		return nil, 0
	}
	return p.last, time.Since(p.last.FetchedAt)
}
