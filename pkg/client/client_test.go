package client

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/control"
	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/engine"
	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/hardware"
	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/storage"
)

func startDaemon(t *testing.T) (*SocketClient, *hardware.Station) {
	t.Helper()
	dir := t.TempDir()

	ampCfg := hardware.DefaultAmplifierConfig("")
	ampCfg.CommandTimeout = 40 * time.Millisecond
	ampCfg.ProbeTimeout = 40 * time.Millisecond
	ampCfg.WakeInterval = 40 * time.Millisecond
	ampCfg.RetryInterval = 5 * time.Millisecond
	tunerCfg := hardware.DefaultTunerConfig("")
	tunerCfg.CommandTimeout = 40 * time.Millisecond
	tunerCfg.WakeSettle = time.Millisecond
	tunerCfg.RetryInterval = time.Millisecond

	station := hardware.NewStation(hardware.StationConfig{
		Amplifier: &ampCfg,
		Tuner:     &tunerCfg,
		Simulate:  true,
	})
	store, err := storage.NewEventStore(filepath.Join(dir, "events.db"), 0)
	require.NoError(t, err)

	opts := engine.DefaultOptions()
	opts.Journal = store
	ctrl := engine.FromStation(station, opts)
	require.NoError(t, ctrl.Connect(context.Background()))

	socket := filepath.Join(dir, "epccd.sock")
	server := control.NewServer(socket, ctrl, store, "test")
	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(func() {
		server.Stop()
		station.Close()
		store.Close()
	})

	c := NewSocketClient(socket)
	c.SetTimeout(5 * time.Second)
	return c, station
}

func TestSocketClient(t *testing.T) {
	t.Run("Ping", func(t *testing.T) {
		c, _ := startDaemon(t)
		assert.NoError(t, c.Ping())
		assert.True(t, c.IsConnected())
	})

	t.Run("Not Running", func(t *testing.T) {
		c := NewSocketClient(filepath.Join(t.TempDir(), "missing.sock"))
		c.SetTimeout(100 * time.Millisecond)
		assert.False(t, c.IsConnected())
		_, err := c.GetStatus()
		assert.Error(t, err)
	})

	t.Run("Status", func(t *testing.T) {
		c, _ := startDaemon(t)
		snap, err := c.GetStatus()
		require.NoError(t, err)

		assert.Equal(t, engine.Both, snap.Topology)
		assert.Equal(t, engine.CombinedOn, snap.Power)
		assert.Equal(t, hardware.Ready, snap.Amplifier.Status.State)
		assert.True(t, snap.Tuner.Configured)
	})

	t.Run("Power Cycle", func(t *testing.T) {
		c, station := startDaemon(t)

		snap, err := c.Power("toggle")
		require.NoError(t, err)
		assert.Equal(t, engine.CombinedOff, snap.Power)
		assert.False(t, station.AmpSim.PowerOn())

		snap, err = c.Power("on")
		require.NoError(t, err)
		assert.Equal(t, engine.CombinedOn, snap.Power)
	})

	t.Run("Settings", func(t *testing.T) {
		c, station := startDaemon(t)

		_, err := c.SetMode("operate")
		require.NoError(t, err)
		_, err = c.SetBand("15m")
		require.NoError(t, err)
		_, err = c.SetTunerMode("bypass")
		require.NoError(t, err)
		snap, err := c.SetAntenna(3)
		require.NoError(t, err)

		assert.Equal(t, "15m", station.AmpSim.Band().String())
		require.NotNil(t, snap.Tuner.Reading)
		assert.Equal(t, 3, *snap.Tuner.Reading.Antenna)
	})

	t.Run("Tune", func(t *testing.T) {
		c, station := startDaemon(t)

		snap, err := c.Tune()
		require.NoError(t, err)
		assert.Equal(t, 1, station.TunerSim.FullTunes())
		assert.NotNil(t, snap)
	})

	t.Run("Command Error", func(t *testing.T) {
		c, station := startDaemon(t)
		station.AmpSim.SetRefuseStandby(true)
		station.AmpSim.SetOperatingMode(1)

		_, err := c.Tune()
		var ce *CommandError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, control.CodePrerequisite, ce.Code)
	})

	t.Run("Events", func(t *testing.T) {
		c, _ := startDaemon(t)

		_, err := c.DevicePower("tuner", "off")
		require.NoError(t, err)

		events, err := c.GetEvents(10)
		require.NoError(t, err)
		require.NotEmpty(t, events)
		assert.Equal(t, storage.KindIntent, events[0].Kind)
		assert.Equal(t, "power off", events[0].Message)
	})

	t.Run("Clear And Reconnect", func(t *testing.T) {
		c, _ := startDaemon(t)

		_, err := c.ClearFault("combo")
		require.NoError(t, err)
		snap, err := c.Reconnect("amplifier")
		require.NoError(t, err)
		assert.Equal(t, hardware.Ready, snap.Amplifier.Status.State)
	})
}
