package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
	"go.uber.org/goleak"

	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/hardware"
	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/link"
	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/protocol"
	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/storage"
)

// memJournal keeps journaled events in memory
type memJournal struct {
	mu     sync.Mutex
	events []storage.Event
}

func (j *memJournal) RecordEvent(ev storage.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, ev)
	return nil
}

func (j *memJournal) Kind(kind string) []storage.Event {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []storage.Event
	for _, ev := range j.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

type rig struct {
	amp      *hardware.Amplifier
	ampSim   *hardware.MockAmplifier
	tuner    *hardware.Tuner
	tunerSim *hardware.MockTuner
	clock    *clockwork.FakeClock
	journal  *memJournal
	opts     Options
}

func newRig(withAmp, withTuner bool) *rig {
	r := &rig{
		clock:   clockwork.NewFakeClock(),
		journal: &memJournal{},
	}
	if withAmp {
		r.ampSim = hardware.NewMockAmplifier()
		cfg := hardware.DefaultAmplifierConfig("sim:amplifier")
		cfg.Factory = r.ampSim.Factory()
		cfg.CommandTimeout = 40 * time.Millisecond
		cfg.ProbeTimeout = 40 * time.Millisecond
		cfg.WakeInterval = 40 * time.Millisecond
		cfg.WakeAttempts = 10
		cfg.RetryInterval = 5 * time.Millisecond
		r.amp = hardware.NewAmplifier(cfg)
	}
	if withTuner {
		r.tunerSim = hardware.NewMockTuner()
		cfg := hardware.DefaultTunerConfig("sim:tuner")
		cfg.Factory = r.tunerSim.Factory()
		cfg.CommandTimeout = 40 * time.Millisecond
		cfg.WakeSettle = time.Millisecond
		cfg.RetryInterval = time.Millisecond
		r.tuner = hardware.NewTuner(cfg)
	}

	r.opts = DefaultOptions()
	r.opts.AmpInterval = 250 * time.Millisecond
	r.opts.TunerInterval = 30 * time.Second
	r.opts.TuneStandbyTimeout = 500 * time.Millisecond
	r.opts.SettlePeriod = 5 * time.Second
	r.opts.Clock = r.clock
	r.opts.Journal = r.journal
	return r
}

func (r *rig) controller(t *testing.T) *Controller {
	t.Helper()
	var amp AmplifierDriver
	var tuner TunerDriver
	if r.amp != nil {
		amp = r.amp
		t.Cleanup(r.amp.Disconnect)
	}
	if r.tuner != nil {
		tuner = r.tuner
		t.Cleanup(r.tuner.Disconnect)
	}
	return New(amp, tuner, r.opts)
}

func (r *rig) connected(t *testing.T) *Controller {
	t.Helper()
	c := r.controller(t)
	require.NoError(t, c.Connect(context.Background()))
	return c
}

func TestCombinePower(t *testing.T) {
	tests := []struct {
		name   string
		states []bool
		want   CombinedPower
	}{
		{"No Devices", nil, CombinedOff},
		{"One On", []bool{true}, CombinedOn},
		{"One Off", []bool{false}, CombinedOff},
		{"Both On", []bool{true, true}, CombinedOn},
		{"Both Off", []bool{false, false}, CombinedOff},
		{"Mixed", []bool{true, false}, Mixed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, combinePower(tt.states...))
		})
	}
}

func TestTopology(t *testing.T) {
	assert.Equal(t, Both, newRig(true, true).controller(t).Topology())
	assert.Equal(t, AmpOnly, newRig(true, false).controller(t).Topology())
	assert.Equal(t, TunerOnly, newRig(false, true).controller(t).Topology())
	assert.Equal(t, Neither, newRig(false, false).controller(t).Topology())
	assert.Equal(t, "amplifier_only", AmpOnly.String())
}

func TestStartupSync(t *testing.T) {
	t.Run("Tuner Follows Amplifier", func(t *testing.T) {
		r := newRig(true, true)
		r.tunerSim.SetPowered(false)
		c := r.connected(t)

		assert.True(t, r.tunerSim.PowerOn())
		assert.Equal(t, CombinedOn, c.CombinedPower())
		sync := r.journal.Kind(storage.KindSync)
		require.Len(t, sync, 1)
		assert.Equal(t, DeviceTuner, sync[0].Device)
		assert.Empty(t, sync[0].Error)
	})

	t.Run("Amplifier Follows Tuner", func(t *testing.T) {
		r := newRig(true, true)
		r.ampSim.SetPowered(false)
		cfg := hardware.DefaultAmplifierConfig("sim:amplifier")
		cfg.Factory = r.ampSim.Factory()
		cfg.CommandTimeout = 40 * time.Millisecond
		cfg.ProbeTimeout = 40 * time.Millisecond
		cfg.WakeInterval = 40 * time.Millisecond
		cfg.WakeOnConnect = false
		r.amp = hardware.NewAmplifier(cfg)

		c := r.connected(t)

		assert.True(t, r.ampSim.PowerOn())
		assert.Equal(t, 1, r.ampSim.WakeCount())
		assert.Equal(t, CombinedOn, c.CombinedPower())
	})

	t.Run("Never Converges To Off", func(t *testing.T) {
		r := newRig(true, true)
		c := r.connected(t)

		assert.True(t, r.ampSim.PowerOn())
		assert.True(t, r.tunerSim.PowerOn())
		assert.Equal(t, CombinedOn, c.CombinedPower())
		assert.Empty(t, r.journal.Kind(storage.KindSync))
	})

	t.Run("Disabled", func(t *testing.T) {
		r := newRig(true, true)
		r.opts.SyncOnStartup = false
		r.tunerSim.SetPowered(false)
		c := r.connected(t)

		assert.False(t, r.tunerSim.PowerOn())
		assert.Equal(t, Mixed, c.CombinedPower())
	})

	t.Run("Connect Failure Is Reported Per Device", func(t *testing.T) {
		r := newRig(true, true)
		r.tunerSim.SetMute(true)
		c := r.controller(t)

		err := c.Connect(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, hardware.ErrDeviceUnresponsive)
		assert.Contains(t, err.Error(), "tuner")
		assert.Equal(t, hardware.Ready, c.Snapshot().Amplifier.Status.State)
		assert.Equal(t, hardware.Disconnected, c.Snapshot().Tuner.Status.State)
	})
}

func TestCombinedPower(t *testing.T) {
	ctx := context.Background()

	t.Run("Off And On", func(t *testing.T) {
		r := newRig(true, true)
		c := r.connected(t)

		require.NoError(t, c.SetCombinedPower(ctx, false))
		assert.False(t, r.ampSim.PowerOn())
		assert.False(t, r.tunerSim.PowerOn())
		assert.Equal(t, CombinedOff, c.CombinedPower())

		require.NoError(t, c.SetCombinedPower(ctx, true))
		assert.True(t, r.ampSim.PowerOn())
		assert.True(t, r.tunerSim.PowerOn())
		assert.Equal(t, CombinedOn, c.Snapshot().Power)
	})

	t.Run("Toggle", func(t *testing.T) {
		r := newRig(true, true)
		c := r.connected(t)

		require.NoError(t, c.PowerToggle(ctx))
		assert.Equal(t, CombinedOff, c.CombinedPower())
		require.NoError(t, c.PowerToggle(ctx))
		assert.Equal(t, CombinedOn, c.CombinedPower())
	})

	t.Run("Mixed Toggles On", func(t *testing.T) {
		r := newRig(true, true)
		r.opts.SyncOnStartup = false
		r.tunerSim.SetPowered(false)
		c := r.connected(t)
		require.Equal(t, Mixed, c.CombinedPower())

		require.NoError(t, c.PowerToggle(ctx))
		assert.Equal(t, CombinedOn, c.CombinedPower())
	})

	t.Run("Partial Failure", func(t *testing.T) {
		r := newRig(true, true)
		c := r.connected(t)
		r.tunerSim.SetMute(true)

		err := c.SetCombinedPower(ctx, false)
		require.ErrorIs(t, err, ErrPartialPower)
		assert.ErrorIs(t, err, hardware.ErrDeviceUnresponsive)

		// no rollback
		assert.False(t, r.ampSim.PowerOn())
		assert.True(t, r.tunerSim.PowerOn())
		assert.Contains(t, c.ComboFault(), "partial power off")
		assert.Contains(t, c.Snapshot().ComboFault, "partial power off")

		faults := r.journal.Kind(storage.KindFault)
		require.NotEmpty(t, faults)
		assert.Equal(t, DeviceCombo, faults[len(faults)-1].Device)
	})

	t.Run("Single Device", func(t *testing.T) {
		r := newRig(false, true)
		c := r.connected(t)

		require.NoError(t, c.SetCombinedPower(ctx, false))
		assert.False(t, r.tunerSim.PowerOn())
		assert.Equal(t, CombinedOff, c.CombinedPower())
	})

	t.Run("No Devices", func(t *testing.T) {
		c := newRig(false, false).controller(t)
		assert.ErrorIs(t, c.SetCombinedPower(ctx, true), ErrNotConfigured)
		assert.Equal(t, CombinedOff, c.CombinedPower())
	})

	t.Run("Intents Are Journaled", func(t *testing.T) {
		r := newRig(true, true)
		c := r.connected(t)

		require.NoError(t, c.SetCombinedPower(ctx, false))
		intents := r.journal.Kind(storage.KindIntent)
		require.Len(t, intents, 2)
		assert.Equal(t, DeviceAmplifier, intents[0].Device)
		assert.Equal(t, DeviceTuner, intents[1].Device)
		assert.Equal(t, "power off", intents[0].Message)
	})
}

func TestTune(t *testing.T) {
	ctx := context.Background()

	t.Run("Standby Then Full Tune", func(t *testing.T) {
		r := newRig(true, true)
		r.ampSim.SetOperatingMode(protocol.Operate)
		c := r.connected(t)

		require.NoError(t, c.Tune(ctx))
		assert.Equal(t, protocol.Standby, r.ampSim.Mode())
		assert.Equal(t, 1, r.tunerSim.FullTunes())
	})

	t.Run("Standby Refused Sends Nothing To Tuner", func(t *testing.T) {
		r := newRig(true, true)
		r.ampSim.SetOperatingMode(protocol.Operate)
		r.ampSim.SetRefuseStandby(true)
		c := r.connected(t)
		before := len(r.tunerSim.Port().Writes())

		err := c.Tune(ctx)
		require.ErrorIs(t, err, ErrPrerequisiteNotMet)
		assert.Len(t, r.tunerSim.Port().Writes(), before)
		assert.Equal(t, 0, r.tunerSim.FullTunes())

		intents := r.journal.Kind(storage.KindIntent)
		require.NotEmpty(t, intents)
		assert.NotEmpty(t, intents[len(intents)-1].Error)
	})

	t.Run("Silent Amplifier Times Out", func(t *testing.T) {
		r := newRig(true, true)
		r.opts.TuneStandbyTimeout = 30 * time.Millisecond
		c := r.connected(t)
		r.ampSim.SetMute(true)
		before := len(r.tunerSim.Port().Writes())

		err := c.Tune(ctx)
		require.ErrorIs(t, err, ErrPrerequisiteNotMet)
		assert.Len(t, r.tunerSim.Port().Writes(), before)
	})

	t.Run("Powered Off Amplifier Needs No Standby", func(t *testing.T) {
		r := newRig(true, true)
		r.opts.SyncOnStartup = false
		r.ampSim.SetPowered(false)
		cfg := hardware.DefaultAmplifierConfig("sim:amplifier")
		cfg.Factory = r.ampSim.Factory()
		cfg.ProbeTimeout = 40 * time.Millisecond
		cfg.WakeOnConnect = false
		r.amp = hardware.NewAmplifier(cfg)
		c := r.connected(t)

		require.NoError(t, c.Tune(ctx))
		assert.Equal(t, 1, r.tunerSim.FullTunes())
		assert.False(t, r.ampSim.PowerOn())
	})

	t.Run("Unconnected Amplifier Blocks Tune", func(t *testing.T) {
		r := newRig(true, true)
		r.opts.SyncOnStartup = false
		cfg := hardware.DefaultAmplifierConfig("sim:amplifier")
		cfg.Factory = func(string, *serial.Mode) (link.Port, error) {
			return nil, errors.New("cable unplugged")
		}
		r.amp = hardware.NewAmplifier(cfg)
		c := r.controller(t)
		require.Error(t, c.Connect(ctx))
		require.False(t, r.amp.Connected())
		before := len(r.tunerSim.Port().Writes())

		err := c.Tune(ctx)
		require.ErrorIs(t, err, ErrPrerequisiteNotMet)
		assert.ErrorIs(t, err, hardware.ErrNotConnected)
		assert.Len(t, r.tunerSim.Port().Writes(), before)
		assert.Equal(t, 0, r.tunerSim.FullTunes())
	})

	t.Run("Tuner Only", func(t *testing.T) {
		r := newRig(false, true)
		c := r.connected(t)

		require.NoError(t, c.Tune(ctx))
		assert.Equal(t, 1, r.tunerSim.FullTunes())
	})

	t.Run("No Tuner", func(t *testing.T) {
		r := newRig(true, false)
		c := r.connected(t)

		assert.ErrorIs(t, c.Tune(ctx), ErrNotConfigured)
	})
}

func TestTunerInterval(t *testing.T) {
	ctx := context.Background()

	t.Run("Background When Idle", func(t *testing.T) {
		r := newRig(true, true)
		c := r.connected(t)

		require.NoError(t, c.pollAmp(ctx))
		assert.Equal(t, 30*time.Second, c.TunerInterval())
	})

	t.Run("Amplifier Interval While Transmitting", func(t *testing.T) {
		r := newRig(true, true)
		c := r.connected(t)

		r.ampSim.SetOutput(400, 1.4)
		require.NoError(t, c.pollAmp(ctx))
		assert.Equal(t, 250*time.Millisecond, c.TunerInterval())
		assert.Equal(t, int64(250), c.Snapshot().TunerIntervalMs)

		r.ampSim.SetOutput(0, 1.0)
		require.NoError(t, c.pollAmp(ctx))
		assert.Equal(t, 30*time.Second, c.TunerInterval())
	})

	t.Run("Background Once Amplifier Is Off", func(t *testing.T) {
		r := newRig(true, true)
		c := r.connected(t)

		r.ampSim.SetOutput(400, 1.4)
		require.NoError(t, c.pollAmp(ctx))
		require.Equal(t, 250*time.Millisecond, c.TunerInterval())

		require.NoError(t, c.SetDevicePower(ctx, DeviceAmplifier, false))
		require.NoError(t, c.pollAmp(ctx))
		assert.Equal(t, 30*time.Second, c.TunerInterval())
	})

	t.Run("Amplifier Interval While Tuning", func(t *testing.T) {
		r := newRig(true, true)
		r.tunerSim.SetTuneCycles(3)
		c := r.connected(t)

		require.NoError(t, c.Tune(ctx))
		assert.Equal(t, 250*time.Millisecond, c.TunerInterval())
		assert.True(t, c.Snapshot().Tuning)

		// tune status only until the tune ends, then a full cycle
		for i := 0; i < 5 && c.TunerInterval() != 30*time.Second; i++ {
			require.NoError(t, c.pollTuner(ctx))
		}
		assert.Equal(t, 30*time.Second, c.TunerInterval())
		assert.False(t, c.Snapshot().Tuning)
	})

	t.Run("Tuner Only Uses Background", func(t *testing.T) {
		c := newRig(false, true).connected(t)
		assert.Equal(t, 30*time.Second, c.TunerInterval())
	})
}

func TestPowerMismatch(t *testing.T) {
	ctx := context.Background()

	r := newRig(true, true)
	r.opts.SyncOnStartup = false
	r.tunerSim.SetPowered(false)
	c := r.connected(t)

	require.NoError(t, c.pollAmp(ctx))
	assert.Empty(t, c.ComboFault())

	r.clock.Advance(4 * time.Second)
	require.NoError(t, c.pollTuner(ctx))
	assert.Empty(t, c.ComboFault(), "still inside the settle period")

	r.clock.Advance(time.Second)
	require.NoError(t, c.pollAmp(ctx))
	assert.Equal(t, "power mismatch", c.ComboFault())
	assert.Equal(t, "power mismatch", c.Snapshot().ComboFault)
	assert.False(t, c.Snapshot().AnyFaultActive)

	r.tunerSim.SetPowered(true)
	require.NoError(t, c.pollTuner(ctx))
	assert.Empty(t, c.ComboFault())
	assert.Equal(t, CombinedOn, c.Snapshot().Power)
}

func TestFaults(t *testing.T) {
	ctx := context.Background()

	t.Run("Aggregation And Clear", func(t *testing.T) {
		r := newRig(true, true)
		c := r.connected(t)
		r.tunerSim.SetFault(1, false)

		require.NoError(t, c.pollTuner(ctx))
		assert.True(t, c.AnyFaultActive())
		snap := c.Snapshot()
		assert.True(t, snap.AnyFaultActive)
		assert.Equal(t, "no match", snap.Tuner.Fault.Text)
		assert.False(t, snap.Amplifier.Fault.Active())

		require.NoError(t, c.ClearFault(ctx, DeviceTuner))
		assert.False(t, c.AnyFaultActive())

		faults := r.journal.Kind(storage.KindFault)
		require.Len(t, faults, 2)
		assert.Equal(t, "no match", faults[0].Error)
		assert.Equal(t, "fault cleared", faults[1].Message)
	})

	t.Run("Sticky Fault", func(t *testing.T) {
		r := newRig(true, true)
		c := r.connected(t)
		r.ampSim.SetFault(4, true)
		require.NoError(t, c.pollAmp(ctx))

		err := c.ClearFault(ctx, DeviceAmplifier)
		var fe *hardware.DeviceFaultError
		require.ErrorAs(t, err, &fe)
		assert.True(t, c.AnyFaultActive())
	})

	t.Run("Combo", func(t *testing.T) {
		r := newRig(true, true)
		c := r.connected(t)
		c.setComboFault("partial power on")

		require.NoError(t, c.ClearFault(ctx, DeviceCombo))
		assert.Empty(t, c.ComboFault())
	})

	t.Run("Unknown And Unconfigured", func(t *testing.T) {
		c := newRig(true, false).connected(t)
		assert.ErrorIs(t, c.ClearFault(ctx, DeviceTuner), ErrNotConfigured)
		assert.Error(t, c.ClearFault(ctx, "rotator"))
	})
}

func TestIntents(t *testing.T) {
	ctx := context.Background()

	t.Run("Amplifier", func(t *testing.T) {
		r := newRig(true, true)
		c := r.connected(t)

		require.NoError(t, c.SetAmpMode(ctx, protocol.Operate))
		assert.Equal(t, protocol.Operate, r.ampSim.Mode())

		band, err := protocol.ParseBand("40m")
		require.NoError(t, err)
		require.NoError(t, c.SetBand(ctx, band))
		assert.Equal(t, band, r.ampSim.Band())
	})

	t.Run("Tuner", func(t *testing.T) {
		r := newRig(true, true)
		c := r.connected(t)

		require.NoError(t, c.SetTunerMode(ctx, protocol.ModeManual))
		require.NoError(t, c.SetAntenna(ctx, 2))
		snap := c.Snapshot()
		require.NotNil(t, snap.Tuner.Reading)
		assert.Equal(t, protocol.ModeManual, *snap.Tuner.Reading.Mode)
		assert.Equal(t, 2, *snap.Tuner.Reading.Antenna)
	})

	t.Run("Not Configured", func(t *testing.T) {
		c := newRig(false, true).connected(t)
		assert.ErrorIs(t, c.SetAmpMode(ctx, protocol.Standby), ErrNotConfigured)
		assert.ErrorIs(t, c.SetBand(ctx, 5), ErrNotConfigured)

		c = newRig(true, false).connected(t)
		assert.ErrorIs(t, c.SetTunerMode(ctx, protocol.ModeAuto), ErrNotConfigured)
		assert.ErrorIs(t, c.SetAntenna(ctx, 1), ErrNotConfigured)
	})

	t.Run("Device Power", func(t *testing.T) {
		r := newRig(true, true)
		c := r.connected(t)

		require.NoError(t, c.SetDevicePower(ctx, DeviceTuner, false))
		assert.False(t, r.tunerSim.PowerOn())
		assert.True(t, r.ampSim.PowerOn())
	})

	t.Run("Reconnect", func(t *testing.T) {
		r := newRig(true, true)
		c := r.connected(t)

		require.NoError(t, c.ReconnectDevice(ctx, DeviceTuner))
		assert.Equal(t, hardware.Ready, c.Snapshot().Tuner.Status.State)

		transitions := r.journal.Kind(storage.KindConnection)
		assert.NotEmpty(t, transitions)
	})

	t.Run("Info", func(t *testing.T) {
		c := newRig(true, true).connected(t)

		info, err := c.Info(ctx, DeviceTuner)
		require.NoError(t, err)
		assert.Equal(t, "KAT500", info.Identity)
	})
}

func TestSnapshots(t *testing.T) {
	ctx := context.Background()

	t.Run("Versions Increase", func(t *testing.T) {
		c := newRig(true, true).connected(t)
		v1 := c.Snapshot().Version
		require.NoError(t, c.pollAmp(ctx))
		v2 := c.Snapshot().Version
		assert.Greater(t, v2, v1)
	})

	t.Run("Unconfigured Slot Is Empty", func(t *testing.T) {
		c := newRig(true, false).connected(t)
		snap := c.Snapshot()
		assert.True(t, snap.Amplifier.Configured)
		assert.False(t, snap.Tuner.Configured)
		assert.Nil(t, snap.Tuner.Reading)
		assert.Equal(t, AmpOnly, snap.Topology)
	})

	t.Run("Subscribe", func(t *testing.T) {
		c := newRig(true, true).connected(t)
		ch, cancel := c.Subscribe()

		first := <-ch
		require.NoError(t, c.SetAntenna(ctx, 3))

		select {
		case snap := <-ch:
			assert.Greater(t, snap.Version, first.Version)
			assert.Equal(t, 3, *snap.Tuner.Reading.Antenna)
		case <-time.After(time.Second):
			t.Fatal("no snapshot after intent")
		}

		cancel()
		_, ok := <-ch
		assert.False(t, ok)
		cancel()
	})
}

func TestStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := newRig(true, true)
	c := r.connected(t)

	c.Start(context.Background())
	require.Eventually(t, func() bool {
		return c.ampLoop.Cycles() > 0 && c.tunerLoop.Cycles() > 0
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, DeviceAmplifier, c.ampLoop.Name())
	assert.Equal(t, DeviceTuner, c.tunerLoop.Name())

	ch, _ := c.Subscribe()
	require.NoError(t, c.Stop())

	// subscribers are released on stop
	for range ch {
	}
	assert.NoError(t, c.Stop())

	r.amp.Disconnect()
	r.tuner.Disconnect()
}

func TestPollDisconnected(t *testing.T) {
	c := newRig(true, true).controller(t)
	assert.True(t, errors.Is(c.pollAmp(context.Background()), hardware.ErrNotConnected))
	assert.True(t, errors.Is(c.pollTuner(context.Background()), hardware.ErrNotConnected))
}
