package hardware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/link"
	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/protocol"
)

// AmplifierConfig configures a KPA500 driver
type AmplifierConfig struct {
	Port     string
	BaudRate int
	Factory  link.PortFactory // nil opens a real serial port

	CommandTimeout time.Duration
	ProbeTimeout   time.Duration

	// Bootloader wake: after the wake byte the power state is polled every
	// WakeInterval, at most WakeAttempts times
	WakeInterval  time.Duration
	WakeAttempts  int
	WakeOnConnect bool

	// Set commands are resent and read back up to RetryCount times
	RetryCount    int
	RetryInterval time.Duration
}

// DefaultAmplifierConfig returns the KPA500 defaults for port
func DefaultAmplifierConfig(port string) AmplifierConfig {
	return AmplifierConfig{
		Port:           port,
		BaudRate:       38400,
		CommandTimeout: 500 * time.Millisecond,
		ProbeTimeout:   500 * time.Millisecond,
		WakeInterval:   250 * time.Millisecond,
		WakeAttempts:   12,
		WakeOnConnect:  true,
		RetryCount:     3,
		RetryInterval:  100 * time.Millisecond,
	}
}

// Amplifier drives a KPA500. When the amplifier is switched off only its
// bootloader listens, and it answers nothing until woken with the wake byte.
type Amplifier struct {
	lineDevice
	cfg AmplifierConfig

	// guarded by ioMu
	bootloader bool

	// guarded by stateMu
	reading AmpReading
}

// NewAmplifier creates a disconnected amplifier driver
func NewAmplifier(cfg AmplifierConfig) *Amplifier {
	if cfg.RetryCount < 1 {
		cfg.RetryCount = 1
	}
	a := &Amplifier{cfg: cfg}
	a.init("amplifier", protocol.Amp, lineConfig{
		port:           cfg.Port,
		baudRate:       cfg.BaudRate,
		factory:        cfg.Factory,
		commandTimeout: cfg.CommandTimeout,
		attempts:       1,
		retryInterval:  cfg.RetryInterval,
	})
	return a
}

// Reading returns the latest reading snapshot
func (a *Amplifier) Reading() AmpReading {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	return a.reading
}

// PowerOn reports the last known power state
func (a *Amplifier) PowerOn() bool {
	r := a.Reading()
	return r.PowerOn != nil && *r.PowerOn
}

// PowerKnownOff reports whether the amplifier was confirmed off, by an ON0
// answer or by the silence of its bootloader. An unknown power state is not
// off.
func (a *Amplifier) PowerKnownOff() bool {
	r := a.Reading()
	return r.PowerOn != nil && !*r.PowerOn
}

func (a *Amplifier) knownOff() bool {
	return a.bootloader || a.PowerKnownOff()
}

func (a *Amplifier) update(fn func(r *AmpReading)) AmpReading {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	next := a.reading
	fn(&next)
	next.UpdatedAt = time.Now()
	a.reading = next
	return next
}

func (a *Amplifier) setPowerOn(on bool) {
	a.update(func(r *AmpReading) { r.PowerOn = ptr(on) })
}

// Connect opens the link and reads the power state. A silent amplifier is
// taken to be in its bootloader and is woken unless WakeOnConnect is off.
func (a *Amplifier) Connect(ctx context.Context) error {
	a.ioMu.Lock()
	defer a.ioMu.Unlock()

	if a.link != nil {
		return nil
	}

	a.setStatus(Connecting, "")
	if err := a.open(); err != nil {
		a.setStatus(Disconnected, err.Error())
		return fmt.Errorf("failed to open amplifier: %w", err)
	}

	on, err := a.probe(ctx, a.cfg.ProbeTimeout)
	if err == nil {
		a.bootloader = false
		a.setPowerOn(on)
		a.setStatus(Ready, "")
		return nil
	}
	if isFatal(ctx, err) {
		a.closeLink(err.Error())
		return err
	}

	a.log.Infof("no answer to power query, assuming bootloader")
	a.bootloader = true
	a.setPowerOn(false)
	if !a.cfg.WakeOnConnect {
		a.setStatus(Ready, "powered off")
		return nil
	}

	if err := a.wake(ctx); err != nil {
		a.closeLink(err.Error())
		return err
	}
	a.setStatus(Ready, "")
	return nil
}

// probe queries the power state with the given timeout. Caller holds ioMu.
func (a *Amplifier) probe(ctx context.Context, timeout time.Duration) (bool, error) {
	payload, err := a.exchange(ctx, protocol.AmpPower, "", timeout)
	if err != nil {
		return false, err
	}
	return protocol.DecodeBool(protocol.AmpPower, payload)
}

// wake sends the bootloader wake byte once and polls the power state until
// the amplifier answers. Caller holds ioMu.
func (a *Amplifier) wake(ctx context.Context) error {
	a.setStatus(AwaitingWake, "")
	a.log.Infof("sending bootloader wake byte")
	if err := a.link.Write(ctx, []byte{protocol.WakeByte}); err != nil {
		return a.checkFatal(err)
	}

	for attempt := 1; attempt <= a.cfg.WakeAttempts; attempt++ {
		on, err := a.probe(ctx, a.cfg.WakeInterval)
		if err == nil {
			a.bootloader = false
			a.setPowerOn(on)
			a.log.Infof("awake after %d poll(s)", attempt)
			return nil
		}
		if isFatal(ctx, err) {
			return err
		}
		if !errors.Is(err, ErrDeviceUnresponsive) {
			// garbage while booting, keep the poll spacing
			if err := sleepCtx(ctx, a.cfg.WakeInterval); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("amplifier did not wake after %d polls: %w", a.cfg.WakeAttempts, ErrDeviceUnresponsive)
}

// setConfirmed sends a set command and reads the value back until it
// matches. The KPA500 does not answer set commands. Caller holds ioMu.
func (a *Amplifier) setConfirmed(ctx context.Context, cmd, arg string) error {
	var lastErr error
	for attempt := 0; attempt < a.cfg.RetryCount; attempt++ {
		if err := a.send(ctx, cmd, arg); err != nil {
			return err
		}
		if err := sleepCtx(ctx, a.cfg.RetryInterval); err != nil {
			return err
		}
		got, err := a.query(ctx, cmd)
		if err == nil && got == arg {
			return nil
		}
		if err != nil && isFatal(ctx, err) {
			return err
		}
		if err == nil {
			err = fmt.Errorf("amplifier %s%s read back %q: %w", cmd, arg, got, ErrConfirmFailed)
		}
		lastErr = err
	}
	return lastErr
}

// SetPower switches the amplifier on or off and returns once the device
// confirms the new state
func (a *Amplifier) SetPower(ctx context.Context, on bool) error {
	a.ioMu.Lock()
	defer a.ioMu.Unlock()

	if a.link == nil {
		return ErrNotConnected
	}
	if on {
		return a.powerOn(ctx)
	}
	return a.powerOff(ctx)
}

func (a *Amplifier) powerOn(ctx context.Context) error {
	if !a.bootloader {
		err := a.setConfirmed(ctx, protocol.AmpPower, protocol.EncodeBool(true))
		if err == nil {
			a.setPowerOn(true)
			return nil
		}
		if isFatal(ctx, err) {
			return err
		}
		a.log.Infof("power on not confirmed (%v), trying bootloader wake", err)
	}

	if err := a.wake(ctx); err != nil {
		if a.link != nil {
			a.setStatus(Ready, "powered off")
		}
		return err
	}
	a.setStatus(Ready, "")
	if !a.PowerOn() {
		return fmt.Errorf("amplifier woke but reports power off: %w", ErrConfirmFailed)
	}
	return nil
}

// powerOff is confirmed either by ON0 or by the silence of the bootloader
func (a *Amplifier) powerOff(ctx context.Context) error {
	if a.bootloader {
		a.setPowerOn(false)
		return nil
	}

	for attempt := 0; attempt < a.cfg.RetryCount; attempt++ {
		if err := a.send(ctx, protocol.AmpPower, protocol.EncodeBool(false)); err != nil {
			return err
		}
		if err := sleepCtx(ctx, a.cfg.RetryInterval); err != nil {
			return err
		}
		on, err := a.probe(ctx, a.cfg.CommandTimeout)
		switch {
		case err == nil && !on:
			a.setPowerOn(false)
			return nil
		case errors.Is(err, ErrDeviceUnresponsive):
			a.bootloader = true
			a.setPowerOn(false)
			a.setStatus(Ready, "powered off")
			return nil
		case err != nil && isFatal(ctx, err):
			return err
		}
	}
	return fmt.Errorf("amplifier power off: %w", ErrConfirmFailed)
}

type ampStep struct {
	cmd   string
	apply func(payload string, r *AmpReading) error
}

// Poll runs one readings cycle. Each query is attempted independently; a
// failed query leaves the previous value in place.
func (a *Amplifier) Poll(ctx context.Context) (AmpReading, error) {
	a.ioMu.Lock()
	defer a.ioMu.Unlock()

	if a.link == nil {
		return a.Reading(), ErrNotConnected
	}
	if a.knownOff() {
		return a.pollOff(ctx)
	}

	faultCode := -1
	steps := []ampStep{
		{protocol.AmpPower, func(p string, r *AmpReading) error {
			v, err := protocol.DecodeBool(protocol.AmpPower, p)
			if err == nil {
				r.PowerOn = ptr(v)
			}
			return err
		}},
		{protocol.AmpOperatingMode, func(p string, r *AmpReading) error {
			v, err := protocol.DecodeOperatingMode(p)
			if err == nil {
				r.Mode = ptr(v)
			}
			return err
		}},
		{protocol.AmpPowerSWR, func(p string, r *AmpReading) error {
			v, err := protocol.DecodePowerSWR(p)
			if err == nil {
				r.Watts = ptr(v.Watts)
				r.SWR = ptr(v.SWR)
			}
			return err
		}},
		{protocol.AmpTemperature, func(p string, r *AmpReading) error {
			v, err := protocol.DecodeTemperature(p)
			if err == nil {
				r.TemperatureC = ptr(v)
			}
			return err
		}},
		{protocol.AmpVoltCurrent, func(p string, r *AmpReading) error {
			v, err := protocol.DecodeVoltCurrent(p)
			if err == nil {
				r.Volts = ptr(v.Volts)
				r.Amps = ptr(v.Amps)
			}
			return err
		}},
		{protocol.AmpBand, func(p string, r *AmpReading) error {
			v, err := protocol.DecodeBand(p)
			if err == nil {
				r.Band = ptr(v)
			}
			return err
		}},
		{protocol.AmpFault, func(p string, r *AmpReading) error {
			v, err := protocol.DecodeAmpFault(p)
			if err == nil {
				faultCode = v
			}
			return err
		}},
	}

	next := a.Reading()
	errs := fieldErrors{}
	ok := 0
	powerSilent := false
	for _, step := range steps {
		payload, err := a.query(ctx, step.cmd)
		if err == nil {
			err = step.apply(payload, &next)
		}
		if err != nil {
			if isFatal(ctx, err) {
				return a.Reading(), err
			}
			if step.cmd == protocol.AmpPower && errors.Is(err, ErrDeviceUnresponsive) {
				powerSilent = true
			}
			errs.add(step.cmd, err)
			continue
		}
		ok++
		if step.cmd == protocol.AmpPower && !*next.PowerOn {
			// switched off from the front panel, the rest would go unanswered
			break
		}
	}

	next = a.update(func(r *AmpReading) {
		*r = next
		r.Errors = errs.orNil()
	})
	if faultCode >= 0 {
		a.setFault(faultCode, protocol.AmpFaultText(faultCode))
	}
	a.recordCycle(ok, len(steps))

	if ok == 0 && powerSilent && a.Status().State == Faulted {
		// switched off from the front panel leaves only the bootloader
		a.log.Infof("no answer to power query, assuming bootloader")
		a.bootloader = true
		next = a.update(func(r *AmpReading) { r.PowerOn = ptr(false) })
	}

	if ok == 0 {
		return next, fmt.Errorf("amplifier poll: %w", ErrDeviceUnresponsive)
	}
	return next, nil
}

// pollOff probes only the power state of an amplifier known to be off.
// Silence is expected there and is not a strike.
func (a *Amplifier) pollOff(ctx context.Context) (AmpReading, error) {
	on, err := a.probe(ctx, a.cfg.CommandTimeout)
	switch {
	case err == nil:
		if a.bootloader {
			a.log.Infof("amplifier answered, leaving bootloader")
			a.bootloader = false
			a.setStatus(Ready, "")
		}
		a.setPowerOn(on)
		a.recordCycle(1, 1)
	case isFatal(ctx, err):
		return a.Reading(), err
	case errors.Is(err, ErrDeviceUnresponsive):
		a.bootloader = true
	default:
		a.log.Debugf("power probe: %v", err)
	}
	return a.Reading(), nil
}

// SetOperatingMode switches between standby and operate
func (a *Amplifier) SetOperatingMode(ctx context.Context, mode protocol.OperatingMode) error {
	a.ioMu.Lock()
	defer a.ioMu.Unlock()

	if a.link == nil {
		return ErrNotConnected
	}
	if a.bootloader {
		return fmt.Errorf("amplifier mode: %w", ErrPoweredOff)
	}
	if err := a.setConfirmed(ctx, protocol.AmpOperatingMode, protocol.EncodeBool(mode == protocol.Operate)); err != nil {
		return fmt.Errorf("amplifier mode %s: %w", mode, err)
	}
	a.update(func(r *AmpReading) { r.Mode = ptr(mode) })
	return nil
}

// SetBand selects the amplifier band
func (a *Amplifier) SetBand(ctx context.Context, band protocol.Band) error {
	arg, err := protocol.EncodeBand(band)
	if err != nil {
		return err
	}

	a.ioMu.Lock()
	defer a.ioMu.Unlock()

	if a.link == nil {
		return ErrNotConnected
	}
	if a.bootloader {
		return fmt.Errorf("amplifier band: %w", ErrPoweredOff)
	}
	if err := a.setConfirmed(ctx, protocol.AmpBand, arg); err != nil {
		return fmt.Errorf("amplifier band %s: %w", band, err)
	}
	a.update(func(r *AmpReading) { r.Band = ptr(band) })
	return nil
}

// ClearFault clears the amplifier fault and re-reads it. If the device
// still reports a fault the fault state stays active and a
// *DeviceFaultError is returned.
func (a *Amplifier) ClearFault(ctx context.Context) error {
	a.ioMu.Lock()
	defer a.ioMu.Unlock()

	if a.link == nil {
		return ErrNotConnected
	}
	if err := a.send(ctx, protocol.AmpFault, protocol.AmpFaultClear); err != nil {
		return err
	}
	if err := sleepCtx(ctx, a.cfg.RetryInterval); err != nil {
		return err
	}

	payload, err := a.query(ctx, protocol.AmpFault)
	if err != nil {
		return fmt.Errorf("amplifier fault re-query: %w", err)
	}
	code, err := protocol.DecodeAmpFault(payload)
	if err != nil {
		return err
	}

	text := protocol.AmpFaultText(code)
	a.setFault(code, text)
	if code != 0 {
		return &DeviceFaultError{Device: a.name, Code: code, Text: text}
	}
	return nil
}

// Info reads the serial number and firmware version
func (a *Amplifier) Info(ctx context.Context) (DeviceInfo, error) {
	a.ioMu.Lock()
	defer a.ioMu.Unlock()

	if a.link == nil {
		return DeviceInfo{}, ErrNotConnected
	}
	if a.bootloader {
		return DeviceInfo{}, fmt.Errorf("amplifier info: %w", ErrPoweredOff)
	}

	var info DeviceInfo
	sn, err := a.query(ctx, protocol.AmpSerialNumber)
	if err != nil {
		return info, fmt.Errorf("amplifier serial number: %w", err)
	}
	info.SerialNumber = sn

	fw, err := a.query(ctx, protocol.AmpFirmware)
	if err != nil {
		return info, fmt.Errorf("amplifier firmware: %w", err)
	}
	info.Firmware = fw
	return info, nil
}
