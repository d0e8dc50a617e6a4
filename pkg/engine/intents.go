package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/hardware"
	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/protocol"
	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/storage"
)

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

// syncPower powers on whichever device is off when exactly one of the two
// is on. Power is never converged to off.
func (c *Controller) syncPower(ctx context.Context) error {
	amp, ampOK := c.amp.get()
	tuner, tunerOK := c.tuner.get()
	if !ampOK || !tunerOK || !amp.Connected() || !tuner.Connected() {
		return nil
	}

	var off, on Device
	switch {
	case amp.PowerOn() && !tuner.PowerOn():
		off, on = tuner, amp
	case tuner.PowerOn() && !amp.PowerOn():
		off, on = amp, tuner
	default:
		return nil
	}

	c.intentMu.Lock()
	defer c.intentMu.Unlock()

	message := fmt.Sprintf("powering on %s to match %s", off.Name(), on.Name())
	c.log.Infof("%s", message)
	if err := off.SetPower(ctx, true); err != nil {
		c.record(storage.KindSync, off.Name(), message, err.Error())
		return fmt.Errorf("power on %s: %w", off.Name(), err)
	}
	c.record(storage.KindSync, off.Name(), message, "")
	return nil
}

// PowerToggle switches the station off when it is fully on and on
// otherwise
func (c *Controller) PowerToggle(ctx context.Context) error {
	return c.SetCombinedPower(ctx, c.CombinedPower() != CombinedOn)
}

// SetCombinedPower switches every attached device on or off. The tuner is
// powered on before the amplifier and off after it. When one device fails
// the other keeps its new state, ErrPartialPower is returned and a combo
// fault is raised.
func (c *Controller) SetCombinedPower(ctx context.Context, on bool) error {
	var order []Device
	amp, ampOK := c.amp.get()
	tuner, tunerOK := c.tuner.get()
	if on {
		if tunerOK {
			order = append(order, tuner)
		}
		if ampOK {
			order = append(order, amp)
		}
	} else {
		if ampOK {
			order = append(order, amp)
		}
		if tunerOK {
			order = append(order, tuner)
		}
	}
	if len(order) == 0 {
		return fmt.Errorf("power %s: %w", onOff(on), ErrNotConfigured)
	}

	c.intentMu.Lock()
	defer c.intentMu.Unlock()
	defer c.publish()

	var errs []error
	for _, dev := range order {
		err := dev.SetPower(ctx, on)
		c.recordIntent(dev.Name(), "power "+onOff(on), err)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", dev.Name(), err))
		}
		if ctx.Err() != nil {
			break
		}
	}

	switch {
	case len(errs) == 0:
		return nil
	case len(errs) < len(order):
		err := errors.Join(errs...)
		c.setComboFault(fmt.Sprintf("partial power %s: %v", onOff(on), err))
		return fmt.Errorf("%w: %w", ErrPartialPower, err)
	}
	return fmt.Errorf("power %s: %w", onOff(on), errors.Join(errs...))
}

// SetDevicePower switches one device on or off
func (c *Controller) SetDevicePower(ctx context.Context, device string, on bool) error {
	dev, err := c.device(device)
	if err != nil {
		return err
	}

	c.intentMu.Lock()
	defer c.intentMu.Unlock()
	defer c.publish()

	err = dev.SetPower(ctx, on)
	c.recordIntent(device, "power "+onOff(on), err)
	return err
}

// Tune puts the amplifier in standby and starts a full tune. An amplifier
// confirmed off cannot transmit and needs no standby. If the amplifier is not
// connected, or standby cannot be confirmed in time, no tuner command is sent.
func (c *Controller) Tune(ctx context.Context) error {
	tuner, ok := c.tuner.get()
	if !ok {
		return fmt.Errorf("tune: %s: %w", DeviceTuner, ErrNotConfigured)
	}

	c.intentMu.Lock()
	defer c.intentMu.Unlock()
	defer c.publish()

	if amp, ok := c.amp.get(); ok {
		if err := c.ensureStandby(ctx, amp); err != nil {
			err = fmt.Errorf("%w: amplifier standby: %w", ErrPrerequisiteNotMet, err)
			c.recordIntent(DeviceTuner, "full tune", err)
			return err
		}
	}

	err := tuner.FullTune(ctx)
	c.recordIntent(DeviceTuner, "full tune", err)
	if err != nil {
		return err
	}
	if c.tunerLoop != nil {
		c.tunerLoop.Kick()
	}
	return nil
}

func (c *Controller) ensureStandby(ctx context.Context, amp AmplifierDriver) error {
	if !amp.Connected() {
		return hardware.ErrNotConnected
	}
	if amp.PowerKnownOff() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.TuneStandbyTimeout)
	defer cancel()

	err := amp.SetOperatingMode(ctx, protocol.Standby)
	if errors.Is(err, hardware.ErrPoweredOff) {
		return nil
	}
	return err
}

// SetAmpMode switches the amplifier between standby and operate
func (c *Controller) SetAmpMode(ctx context.Context, mode protocol.OperatingMode) error {
	amp, ok := c.amp.get()
	if !ok {
		return fmt.Errorf("%s: %w", DeviceAmplifier, ErrNotConfigured)
	}

	c.intentMu.Lock()
	defer c.intentMu.Unlock()
	defer c.publish()

	err := amp.SetOperatingMode(ctx, mode)
	c.recordIntent(DeviceAmplifier, "mode "+mode.String(), err)
	return err
}

// SetBand selects the amplifier band
func (c *Controller) SetBand(ctx context.Context, band protocol.Band) error {
	amp, ok := c.amp.get()
	if !ok {
		return fmt.Errorf("%s: %w", DeviceAmplifier, ErrNotConfigured)
	}

	c.intentMu.Lock()
	defer c.intentMu.Unlock()
	defer c.publish()

	err := amp.SetBand(ctx, band)
	c.recordIntent(DeviceAmplifier, "band "+band.String(), err)
	return err
}

// SetTunerMode selects auto, manual or bypass
func (c *Controller) SetTunerMode(ctx context.Context, mode protocol.TunerModeValue) error {
	tuner, ok := c.tuner.get()
	if !ok {
		return fmt.Errorf("%s: %w", DeviceTuner, ErrNotConfigured)
	}

	c.intentMu.Lock()
	defer c.intentMu.Unlock()
	defer c.publish()

	err := tuner.SetMode(ctx, mode)
	c.recordIntent(DeviceTuner, "mode "+mode.String(), err)
	return err
}

// SetAntenna selects tuner antenna 1 to 3
func (c *Controller) SetAntenna(ctx context.Context, antenna int) error {
	tuner, ok := c.tuner.get()
	if !ok {
		return fmt.Errorf("%s: %w", DeviceTuner, ErrNotConfigured)
	}

	c.intentMu.Lock()
	defer c.intentMu.Unlock()
	defer c.publish()

	err := tuner.SetAntenna(ctx, antenna)
	c.recordIntent(DeviceTuner, fmt.Sprintf("antenna %d", antenna), err)
	return err
}

// ClearFault clears the fault of the amplifier, the tuner or the combo
func (c *Controller) ClearFault(ctx context.Context, device string) error {
	if device == DeviceCombo {
		c.mu.Lock()
		had := c.comboFault != ""
		c.comboFault = ""
		c.mismatchSince = time.Time{}
		c.mu.Unlock()
		if had {
			c.record(storage.KindFault, DeviceCombo, "fault cleared", "")
		}
		c.publish()
		return nil
	}

	dev, err := c.device(device)
	if err != nil {
		return err
	}

	c.intentMu.Lock()
	defer c.intentMu.Unlock()
	defer c.publish()

	err = dev.ClearFault(ctx)
	c.recordIntent(device, "clear fault", err)
	c.observeFault(dev)
	return err
}

// Info reads the identification of one device
func (c *Controller) Info(ctx context.Context, device string) (hardware.DeviceInfo, error) {
	dev, err := c.device(device)
	if err != nil {
		return hardware.DeviceInfo{}, err
	}

	c.intentMu.Lock()
	defer c.intentMu.Unlock()
	return dev.Info(ctx)
}
