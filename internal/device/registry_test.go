package device

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryAddRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(newSwitch("a")))

	err := r.Add(newSwitch("a"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateID))

	var dup *DuplicateIDError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "a", dup.ID)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryByPriorityIsStable(t *testing.T) {
	r := NewRegistry()
	for _, tc := range []struct {
		id       string
		priority int
	}{{"low-1", 2}, {"high", 0}, {"low-2", 2}, {"mid", 1}} {
		d := newSwitch(tc.id)
		d.Priority = tc.priority
		require.NoError(t, r.Add(d))
	}

	var ids []string
	for _, d := range r.ByPriority() {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"high", "mid", "low-1", "low-2"}, ids)

	// insertion order untouched
	assert.Equal(t, "low-1", r.All()[0].ID)
}

func TestRegistryPartitionsAndPower(t *testing.T) {
	r := NewRegistry()
	a := newSwitch("a")
	a.Status.Set("switch_1", true)
	b := newSwitch("b")
	b.Status.Set("switch_1", false)
	p := newPump("pump")
	p.Status.Set("P", 20)
	p.Status.Set("Power", true)
	for _, d := range []*Device{a, b, p} {
		require.NoError(t, r.Add(d))
	}

	assert.Len(t, r.On(), 2)
	assert.Len(t, r.Off(), 1)
	assert.Equal(t, "b", r.Off()[0].ID)

	assert.InDelta(t, 215, r.TotalPower(), 1e-9)
	assert.InDelta(t, 115, r.ActivePower(), 1e-9)
	assert.InDelta(t, 1000-215, r.AvailablePower(1000), 1e-9)
	assert.InDelta(t, DefaultPowerLimit-215, r.AvailablePower(0), 1e-9)
}

func TestRegistryLookups(t *testing.T) {
	r := NewRegistry()
	a := newSwitch("hub:switch_1")
	a.Name = "Pond lights"
	a.Description = "Garden pond lighting"
	a.GatewayID = "hub"
	b := newSwitch("hub:switch_2")
	b.GatewayID = "hub"
	c := newPump("pump")
	c.GatewayID = "pump-gw"
	for _, d := range []*Device{a, b, c} {
		require.NoError(t, r.Add(d))
	}

	got, ok := r.ByName("pond LIGHTS")
	require.True(t, ok)
	assert.Equal(t, "hub:switch_1", got.ID)

	assert.Len(t, r.ByDescription("pond"), 1)
	assert.Len(t, r.ByGateway("hub"), 2)
	assert.Equal(t, []string{"hub", "pump-gw"}, r.GatewayIDs())
	assert.Len(t, r.ByType(TypePump), 1)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}
