package hardware

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/link"
	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/protocol"
)

// TunerConfig configures a KAT500 driver
type TunerConfig struct {
	Port     string
	BaudRate int
	Factory  link.PortFactory // nil opens a real serial port

	CommandTimeout time.Duration

	// Every request is preceded by WakePreamble ';' characters, a
	// WakeSettle pause and a drain of whatever the tuner echoed
	WakePreamble int
	WakeSettle   time.Duration

	// Pause before the single retry of a timed out request
	RetryInterval time.Duration

	// EnableSleep turns on the tuner's sleep mode at connect
	EnableSleep bool
}

// DefaultTunerConfig returns the KAT500 defaults for port
func DefaultTunerConfig(port string) TunerConfig {
	return TunerConfig{
		Port:           port,
		BaudRate:       38400,
		CommandTimeout: 200 * time.Millisecond,
		WakePreamble:   2,
		WakeSettle:     50 * time.Millisecond,
		RetryInterval:  100 * time.Millisecond,
		EnableSleep:    true,
	}
}

// Tuner drives a KAT500. The tuner sleeps between commands, so every
// request is preceded by a wake preamble.
type Tuner struct {
	lineDevice
	cfg TunerConfig

	// guarded by stateMu
	reading TunerReading
}

// NewTuner creates a disconnected tuner driver
func NewTuner(cfg TunerConfig) *Tuner {
	t := &Tuner{cfg: cfg}
	t.init("tuner", protocol.Tuner, lineConfig{
		port:           cfg.Port,
		baudRate:       cfg.BaudRate,
		factory:        cfg.Factory,
		commandTimeout: cfg.CommandTimeout,
		attempts:       2,
		retryInterval:  cfg.RetryInterval,
	})
	t.beforeRequest = t.wakePreamble
	return t
}

// wakePreamble rouses a sleeping tuner. Caller holds ioMu.
func (t *Tuner) wakePreamble(ctx context.Context) error {
	if t.cfg.WakePreamble <= 0 {
		return nil
	}
	preamble := bytes.Repeat([]byte{protocol.WakePreamble}, t.cfg.WakePreamble)
	if err := t.link.Write(ctx, preamble); err != nil {
		return err
	}
	if err := sleepCtx(ctx, t.cfg.WakeSettle); err != nil {
		return err
	}
	return t.link.Drain(ctx)
}

// Reading returns the latest reading snapshot
func (t *Tuner) Reading() TunerReading {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()
	return t.reading
}

// PowerOn reports the last known power state
func (t *Tuner) PowerOn() bool {
	r := t.Reading()
	return r.PowerOn != nil && *r.PowerOn
}

// TuningInProgress reports the last known tune-in-progress flag
func (t *Tuner) TuningInProgress() bool {
	return t.Reading().TuningInProgress()
}

func (t *Tuner) knownOff() bool {
	r := t.Reading()
	return r.PowerOn != nil && !*r.PowerOn
}

func (t *Tuner) update(fn func(r *TunerReading)) TunerReading {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	next := t.reading
	fn(&next)
	next.UpdatedAt = time.Now()
	t.reading = next
	return next
}

// setEcho sends a set command. The KAT500 echoes the new value; a wrong
// echo is checked once more by reading the value back. Caller holds ioMu.
func (t *Tuner) setEcho(ctx context.Context, cmd, arg string) error {
	echo, err := t.exchange(ctx, cmd, arg, t.cfg.CommandTimeout)
	if err == nil && echo == arg {
		return nil
	}
	if err != nil && (isFatal(ctx, err) || errors.Is(err, ErrDeviceUnresponsive)) {
		return err
	}

	got, err := t.query(ctx, cmd)
	if err != nil {
		return err
	}
	if got != arg {
		return fmt.Errorf("tuner %s%s read back %q: %w", cmd, arg, got, ErrConfirmFailed)
	}
	return nil
}

// Connect opens the link, reads the power state and enables sleep mode
func (t *Tuner) Connect(ctx context.Context) error {
	t.ioMu.Lock()
	defer t.ioMu.Unlock()

	if t.link != nil {
		return nil
	}

	t.setStatus(Connecting, "")
	if err := t.open(); err != nil {
		t.setStatus(Disconnected, err.Error())
		return fmt.Errorf("failed to open tuner: %w", err)
	}

	payload, err := t.query(ctx, protocol.TunerPower)
	if err == nil {
		var on bool
		if on, err = protocol.DecodeBool(protocol.TunerPower, payload); err == nil {
			t.update(func(r *TunerReading) { r.PowerOn = ptr(on) })
		}
	}
	if err != nil {
		t.closeLink(err.Error())
		return fmt.Errorf("tuner not answering: %w", err)
	}

	if t.cfg.EnableSleep {
		if err := t.setEcho(ctx, protocol.TunerSleep, protocol.EncodeBool(true)); err != nil {
			if isFatal(ctx, err) {
				t.closeLink(err.Error())
				return err
			}
			t.log.Warnf("enable sleep: %v", err)
		} else {
			t.update(func(r *TunerReading) { r.SleepEnabled = ptr(true) })
		}
	} else if payload, err := t.query(ctx, protocol.TunerSleep); err == nil {
		if v, err := protocol.DecodeBool(protocol.TunerSleep, payload); err == nil {
			t.update(func(r *TunerReading) { r.SleepEnabled = ptr(v) })
		}
	} else if isFatal(ctx, err) {
		t.closeLink(err.Error())
		return err
	}

	t.setStatus(Ready, "")
	return nil
}

type tunerStep struct {
	cmd   string
	apply func(payload string, r *TunerReading) error
}

func decodeInto[T any](r **T, decode func(string) (T, error)) func(string, *TunerReading) error {
	return func(p string, _ *TunerReading) error {
		v, err := decode(p)
		if err == nil {
			*r = ptr(v)
		}
		return err
	}
}

// Poll runs one readings cycle. A tuner that reports power off is only
// asked for its power and fault state.
func (t *Tuner) Poll(ctx context.Context) (TunerReading, error) {
	t.ioMu.Lock()
	defer t.ioMu.Unlock()

	if t.link == nil {
		return t.Reading(), ErrNotConnected
	}

	next := t.Reading()
	errs := fieldErrors{}
	ok, total := 0, 0
	faultCode := -1

	run := func(step tunerStep) {
		total++
		payload, err := t.query(ctx, step.cmd)
		if err == nil {
			err = step.apply(payload, &next)
		}
		if err != nil {
			errs.add(step.cmd, err)
			return
		}
		ok++
	}

	steps := []tunerStep{
		{protocol.TunerPower, decodeInto(&next.PowerOn, func(p string) (bool, error) {
			return protocol.DecodeBool(protocol.TunerPower, p)
		})},
		{protocol.TunerMode, decodeInto(&next.Mode, protocol.DecodeTunerMode)},
		{protocol.TunerAntenna, decodeInto(&next.Antenna, protocol.DecodeAntenna)},
		{protocol.TunerTuning, decodeInto(&next.Tuning, func(p string) (bool, error) {
			return protocol.DecodeBool(protocol.TunerTuning, p)
		})},
		{protocol.TunerVSWR, decodeInto(&next.VSWR, func(p string) (float64, error) {
			return protocol.DecodeVSWR(protocol.TunerVSWR, p)
		})},
		{protocol.TunerVSWRBypass, decodeInto(&next.VSWRBypass, func(p string) (float64, error) {
			return protocol.DecodeVSWR(protocol.TunerVSWRBypass, p)
		})},
		{protocol.TunerForward, decodeInto(&next.Forward, func(p string) (int, error) {
			return protocol.DecodeCoupler(protocol.TunerForward, p)
		})},
		{protocol.TunerReflected, decodeInto(&next.Reflected, func(p string) (int, error) {
			return protocol.DecodeCoupler(protocol.TunerReflected, p)
		})},
	}
	faultStep := tunerStep{protocol.TunerFault, func(p string, _ *TunerReading) error {
		v, err := protocol.DecodeTunerFault(p)
		if err == nil {
			faultCode = v
		}
		return err
	}}

	run(steps[0])
	if next.PowerOn == nil || *next.PowerOn {
		for _, step := range steps[1:] {
			if ctx.Err() != nil || t.link == nil {
				break
			}
			run(step)
		}
	}
	if ctx.Err() == nil && t.link != nil {
		run(faultStep)
	}

	if err := ctx.Err(); err != nil {
		return t.Reading(), err
	}
	if t.link == nil {
		return t.Reading(), fmt.Errorf("tuner poll: %w", link.ErrClosed)
	}

	next = t.update(func(r *TunerReading) {
		*r = next
		r.Errors = errs.orNil()
	})
	if faultCode >= 0 {
		t.setFault(faultCode, protocol.TunerFaultText(faultCode))
	}
	t.recordCycle(ok, total)

	if ok == 0 {
		return next, fmt.Errorf("tuner poll: %w", ErrDeviceUnresponsive)
	}
	return next, nil
}

// FullTune starts a full tune and reads the tune-in-progress flag. FT is
// not retried since a repeated FT restarts the tune.
func (t *Tuner) FullTune(ctx context.Context) error {
	t.ioMu.Lock()
	defer t.ioMu.Unlock()

	if t.link == nil {
		return ErrNotConnected
	}
	if t.knownOff() {
		return fmt.Errorf("tuner full tune: %w", ErrPoweredOff)
	}

	_, err := t.exchangeOnce(ctx, protocol.TunerFullTune, "", protocol.TunerFullTune, t.cfg.CommandTimeout)
	if err != nil && !errors.Is(err, ErrDeviceUnresponsive) {
		return fmt.Errorf("tuner full tune: %w", err)
	}

	tuning, err := t.tuningStatus(ctx)
	if err != nil {
		return fmt.Errorf("tuner full tune status: %w", err)
	}
	t.log.Infof("full tune started (in progress: %t)", tuning)
	return nil
}

// TuningStatus queries the tune-in-progress flag
func (t *Tuner) TuningStatus(ctx context.Context) (bool, error) {
	t.ioMu.Lock()
	defer t.ioMu.Unlock()

	if t.link == nil {
		return false, ErrNotConnected
	}
	return t.tuningStatus(ctx)
}

func (t *Tuner) tuningStatus(ctx context.Context) (bool, error) {
	payload, err := t.query(ctx, protocol.TunerTuning)
	if err != nil {
		return false, err
	}
	tuning, err := protocol.DecodeBool(protocol.TunerTuning, payload)
	if err != nil {
		return false, err
	}
	t.update(func(r *TunerReading) { r.Tuning = ptr(tuning) })
	return tuning, nil
}

// SetMode selects auto, manual or bypass
func (t *Tuner) SetMode(ctx context.Context, mode protocol.TunerModeValue) error {
	if _, err := protocol.DecodeTunerMode(string(mode)); err != nil {
		return err
	}

	t.ioMu.Lock()
	defer t.ioMu.Unlock()

	if t.link == nil {
		return ErrNotConnected
	}
	if err := t.setEcho(ctx, protocol.TunerMode, string(mode)); err != nil {
		return fmt.Errorf("tuner mode %s: %w", mode, err)
	}
	t.update(func(r *TunerReading) { r.Mode = ptr(mode) })
	return nil
}

// SetAntenna selects antenna 1, 2 or 3
func (t *Tuner) SetAntenna(ctx context.Context, antenna int) error {
	arg, err := protocol.EncodeAntenna(antenna)
	if err != nil {
		return err
	}

	t.ioMu.Lock()
	defer t.ioMu.Unlock()

	if t.link == nil {
		return ErrNotConnected
	}
	if err := t.setEcho(ctx, protocol.TunerAntenna, arg); err != nil {
		return fmt.Errorf("tuner antenna %d: %w", antenna, err)
	}
	t.update(func(r *TunerReading) { r.Antenna = ptr(antenna) })
	return nil
}

// SetPower switches the tuner on or off
func (t *Tuner) SetPower(ctx context.Context, on bool) error {
	t.ioMu.Lock()
	defer t.ioMu.Unlock()

	if t.link == nil {
		return ErrNotConnected
	}
	if err := t.setEcho(ctx, protocol.TunerPower, protocol.EncodeBool(on)); err != nil {
		return fmt.Errorf("tuner power %t: %w", on, err)
	}
	t.update(func(r *TunerReading) { r.PowerOn = ptr(on) })
	return nil
}

// ClearFault clears the tuner fault and re-reads it. If the device still
// reports a fault the fault state stays active and a *DeviceFaultError is
// returned.
func (t *Tuner) ClearFault(ctx context.Context) error {
	t.ioMu.Lock()
	defer t.ioMu.Unlock()

	if t.link == nil {
		return ErrNotConnected
	}

	_, err := t.exchange(ctx, protocol.TunerFaultClear, "", t.cfg.CommandTimeout)
	if err != nil && (isFatal(ctx, err) || errors.Is(err, ErrDeviceUnresponsive)) {
		return fmt.Errorf("tuner fault clear: %w", err)
	}

	payload, err := t.query(ctx, protocol.TunerFault)
	if err != nil {
		return fmt.Errorf("tuner fault re-query: %w", err)
	}
	code, err := protocol.DecodeTunerFault(payload)
	if err != nil {
		return err
	}

	text := protocol.TunerFaultText(code)
	t.setFault(code, text)
	if code != 0 {
		return &DeviceFaultError{Device: t.name, Code: code, Text: text}
	}
	return nil
}

// Info reads the serial number, firmware version and identity string
func (t *Tuner) Info(ctx context.Context) (DeviceInfo, error) {
	t.ioMu.Lock()
	defer t.ioMu.Unlock()

	if t.link == nil {
		return DeviceInfo{}, ErrNotConnected
	}

	var info DeviceInfo
	fields := []struct {
		cmd string
		dst *string
	}{
		{protocol.TunerSerialNumber, &info.SerialNumber},
		{protocol.TunerFirmware, &info.Firmware},
		{protocol.TunerIdentify, &info.Identity},
	}
	for _, f := range fields {
		v, err := t.query(ctx, f.cmd)
		if err != nil {
			return info, fmt.Errorf("tuner %s: %w", f.cmd, err)
		}
		*f.dst = v
	}
	return info, nil
}
