package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/offgrid/solar-controller/internal/schedule"
	"github.com/offgrid/solar-controller/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedFetcher struct {
	results []*Reading
	errs    []error
	i       int
}

func (s *scriptedFetcher) FetchReading(ctx context.Context) (*Reading, error) {
	i := s.i
	s.i++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	return s.results[i], nil
}

func floatPtr(f float64) *float64 { return &f }

func TestPollerKeepsLastKnownReading(t *testing.T) {
	first := &Reading{Source: SourcePrimary, WorkingState: "Battery Mode", BatteryVoltage: floatPtr(53.1), FetchedAt: time.Now()}
	fetcher := &scriptedFetcher{
		results: []*Reading{first, nil},
		errs:    []error{nil, &TransportError{Op: "queryDeviceLastData", Err: errors.New("timeout")}},
	}
	store := state.New()
	var delivered []*Reading
	var failures int
	p := NewPoller(fetcher, store, schedule.Pacer{Base: time.Second}, func(ctx context.Context, r *Reading) {
		delivered = append(delivered, r)
	})
	p.OnFailure(func(error) { failures++ })

	p.PollOnce(context.Background())
	p.PollOnce(context.Background())

	v, ok := store.Float(state.KeyBatteryVoltage)
	require.True(t, ok)
	assert.Equal(t, 53.1, v)
	mode, _ := store.String(state.KeyWorkingMode)
	assert.Equal(t, "Battery Mode", mode)

	assert.Len(t, delivered, 1)
	assert.Equal(t, 1, failures)
	last, _ := p.Last()
	assert.Same(t, first, last)
}

func TestPollerSkipsAbsentFields(t *testing.T) {
	store := state.New()
	store.Set(state.KeyPVTotalPower, 500.0)
	fetcher := &scriptedFetcher{results: []*Reading{{Source: SourceFallback, BatteryVoltage: floatPtr(50)}}}
	p := NewPoller(fetcher, store, schedule.Pacer{Base: time.Second})

	p.PollOnce(context.Background())

	pv, ok := store.Float(state.KeyPVTotalPower)
	require.True(t, ok, "absent field must not erase the previous value")
	assert.Equal(t, 500.0, pv)
	src, _ := store.String(state.KeyTelemetrySource)
	assert.Equal(t, SourceFallback, src)
}

func TestPollerRunStopsOnCancel(t *testing.T) {
	fetcher := &scriptedFetcher{results: []*Reading{{Source: SourcePrimary}}}
	p := NewPoller(fetcher, state.New(), schedule.Pacer{Base: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop")
	}
}
