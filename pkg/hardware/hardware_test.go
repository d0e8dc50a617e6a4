package hardware

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func simStation(amp, tuner bool) *Station {
	cfg := StationConfig{Simulate: true}
	if amp {
		ampCfg := DefaultAmplifierConfig("")
		ampCfg.CommandTimeout = 40 * time.Millisecond
		cfg.Amplifier = &ampCfg
	}
	if tuner {
		tunerCfg := DefaultTunerConfig("")
		tunerCfg.CommandTimeout = 40 * time.Millisecond
		tunerCfg.WakeSettle = time.Millisecond
		tunerCfg.RetryInterval = time.Millisecond
		cfg.Tuner = &tunerCfg
	}
	return NewStation(cfg)
}

func TestNewStation(t *testing.T) {
	t.Run("Both Devices", func(t *testing.T) {
		s := simStation(true, true)
		require.NotNil(t, s.Amplifier)
		require.NotNil(t, s.Tuner)
		assert.NotNil(t, s.AmpSim)
		assert.NotNil(t, s.TunerSim)
		assert.Equal(t, Disconnected, s.Amplifier.Status().State)
		assert.Equal(t, Disconnected, s.Tuner.Status().State)
	})

	t.Run("Amplifier Only", func(t *testing.T) {
		s := simStation(true, false)
		assert.NotNil(t, s.Amplifier)
		assert.Nil(t, s.Tuner)
		assert.Nil(t, s.TunerSim)
	})

	t.Run("Real Ports Have No Simulators", func(t *testing.T) {
		ampCfg := DefaultAmplifierConfig("/dev/ttyUSB0")
		s := NewStation(StationConfig{Amplifier: &ampCfg})
		assert.NotNil(t, s.Amplifier)
		assert.Nil(t, s.AmpSim)
	})
}

// connectStation connects every attached driver of s
func connectStation(t *testing.T, s *Station) {
	t.Helper()
	ctx := context.Background()
	if s.Amplifier != nil {
		require.NoError(t, s.Amplifier.Connect(ctx))
	}
	if s.Tuner != nil {
		require.NoError(t, s.Tuner.Connect(ctx))
	}
}

func TestStationClose(t *testing.T) {
	s := simStation(true, true)
	connectStation(t, s)
	assert.Equal(t, Ready, s.Amplifier.Status().State)
	assert.Equal(t, Ready, s.Tuner.Status().State)

	s.Close()
	assert.False(t, s.Amplifier.Connected())
	assert.False(t, s.Tuner.Connected())

	// double close
	s.Close()
}

func TestStationConcurrency(t *testing.T) {
	ctx := context.Background()
	s := simStation(true, true)
	connectStation(t, s)
	defer s.Close()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, err := s.Amplifier.Poll(ctx)
				assert.NoError(t, err)
			} else {
				_, err := s.Tuner.Poll(ctx)
				assert.NoError(t, err)
			}
			s.Amplifier.Status()
			s.Tuner.Reading()
		}(i)
	}
	wg.Wait()
}
