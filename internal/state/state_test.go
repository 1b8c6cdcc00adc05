package state

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreTypedGetters(t *testing.T) {
	s := New()
	s.Update(map[string]any{
		KeyBatteryVoltage: 52.5,
		KeyWorkingMode:    "Battery Mode",
		KeyPumpMode:       "6",
	})

	v, ok := s.Float(KeyBatteryVoltage)
	require.True(t, ok)
	assert.Equal(t, 52.5, v)

	mode, ok := s.String(KeyWorkingMode)
	require.True(t, ok)
	assert.Equal(t, "Battery Mode", mode)

	preset, ok := s.Int(KeyPumpMode)
	require.True(t, ok)
	assert.Equal(t, 6, preset)

	_, ok = s.Float(KeyAmbientTemp)
	assert.False(t, ok)
}

func TestStoreNilDeletes(t *testing.T) {
	s := New()
	s.Set(KeyAmbientTemp, 12.0)
	s.Set(KeyAmbientTemp, nil)
	_, ok := s.Get(KeyAmbientTemp)
	assert.False(t, ok)
}

func TestSnapshotIsCopy(t *testing.T) {
	s := New()
	s.Set("a", 1)
	snap := s.Snapshot()
	snap["a"] = 2
	v, _ := s.Int("a")
	assert.Equal(t, 1, v)
}

func TestStoreConcurrentAccess(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				s.Set(fmt.Sprintf("k%d", i), j)
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = s.Snapshot()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, s.Snapshot(), 8)
}
