package engine

import (
	"fmt"
	"time"

	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/hardware"
)

// Topology says which devices are attached
type Topology int

const (
	Neither Topology = iota
	AmpOnly
	TunerOnly
	Both
)

var topologyNames = []string{"none", "amplifier_only", "tuner_only", "both"}

func (t Topology) String() string {
	if t < 0 || int(t) >= len(topologyNames) {
		return fmt.Sprintf("topology(%d)", int(t))
	}
	return topologyNames[t]
}

func (t Topology) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Topology) UnmarshalText(text []byte) error {
	for i, name := range topologyNames {
		if string(text) == name {
			*t = Topology(i)
			return nil
		}
	}
	return fmt.Errorf("unknown topology %q", text)
}

func topologyOf(amp, tuner bool) Topology {
	switch {
	case amp && tuner:
		return Both
	case amp:
		return AmpOnly
	case tuner:
		return TunerOnly
	}
	return Neither
}

// CombinedPower is the power state of the station as a whole
type CombinedPower int

const (
	CombinedOff CombinedPower = iota
	CombinedOn
	Mixed
)

func (p CombinedPower) String() string {
	switch p {
	case CombinedOff:
		return "off"
	case CombinedOn:
		return "on"
	case Mixed:
		return "mixed"
	}
	return fmt.Sprintf("power(%d)", int(p))
}

func (p CombinedPower) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *CombinedPower) UnmarshalText(text []byte) error {
	for _, v := range []CombinedPower{CombinedOff, CombinedOn, Mixed} {
		if string(text) == v.String() {
			*p = v
			return nil
		}
	}
	return fmt.Errorf("unknown combined power %q", text)
}

// combinePower folds the power states of the attached devices. No devices
// is off.
func combinePower(states ...bool) CombinedPower {
	on, off := 0, 0
	for _, s := range states {
		if s {
			on++
		} else {
			off++
		}
	}
	switch {
	case on > 0 && off > 0:
		return Mixed
	case on > 0:
		return CombinedOn
	}
	return CombinedOff
}

// CombinedPower returns the power state of the station from the last known
// power state of each attached device
func (c *Controller) CombinedPower() CombinedPower {
	var states []bool
	if amp, ok := c.amp.get(); ok {
		states = append(states, amp.PowerOn())
	}
	if tuner, ok := c.tuner.get(); ok {
		states = append(states, tuner.PowerOn())
	}
	return combinePower(states...)
}

// DeviceSnapshot is the state of one device slot
type DeviceSnapshot struct {
	Configured bool                      `json:"configured"`
	Status     hardware.ConnectionStatus `json:"status"`
	PowerOn    bool                      `json:"power_on"`
	Fault      hardware.FaultState       `json:"fault"`
}

// AmpSnapshot is the amplifier part of a Snapshot
type AmpSnapshot struct {
	DeviceSnapshot
	Reading *hardware.AmpReading `json:"reading,omitempty"`
}

// TunerSnapshot is the tuner part of a Snapshot
type TunerSnapshot struct {
	DeviceSnapshot
	Reading *hardware.TunerReading `json:"reading,omitempty"`
}

// Snapshot is an immutable view of the station. Each poll cycle and each
// intent publishes a new one with a higher Version.
type Snapshot struct {
	Version  uint64        `json:"version"`
	Time     time.Time     `json:"time"`
	Topology Topology      `json:"topology"`
	Power    CombinedPower `json:"power"`

	Amplifier AmpSnapshot   `json:"amplifier"`
	Tuner     TunerSnapshot `json:"tuner"`

	AnyFaultActive bool   `json:"any_fault_active"`
	ComboFault     string `json:"combo_fault,omitempty"`
	Tuning         bool   `json:"tuning"`

	TunerIntervalMs int64 `json:"tuner_interval_ms"`
}

// Snapshot returns the latest published snapshot
func (c *Controller) Snapshot() Snapshot {
	return *c.snapshot.Load()
}

// Subscribe returns a channel that receives every new snapshot and a
// function that ends the subscription. A slow subscriber only misses
// intermediate snapshots; the latest is always delivered.
func (c *Controller) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	ch <- c.Snapshot()

	c.mu.Lock()
	c.subs[ch] = struct{}{}
	c.mu.Unlock()

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.subs[ch]; ok {
			delete(c.subs, ch)
			close(ch)
		}
	}
}

// publish builds a new snapshot and hands it to the subscribers
func (c *Controller) publish() {
	snap := Snapshot{
		Time:            c.clock.Now(),
		Topology:        c.Topology(),
		Power:           c.CombinedPower(),
		AnyFaultActive:  c.AnyFaultActive(),
		TunerIntervalMs: c.TunerInterval().Milliseconds(),
	}

	if amp, ok := c.amp.get(); ok {
		r := amp.Reading()
		snap.Amplifier = AmpSnapshot{
			DeviceSnapshot: deviceSnapshot(amp),
			Reading:        &r,
		}
	}
	if tuner, ok := c.tuner.get(); ok {
		r := tuner.Reading()
		snap.Tuner = TunerSnapshot{
			DeviceSnapshot: deviceSnapshot(tuner),
			Reading:        &r,
		}
		snap.Tuning = r.TuningInProgress()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.version++
	snap.Version = c.version
	snap.ComboFault = c.comboFault
	c.snapshot.Store(&snap)

	for ch := range c.subs {
		select {
		case ch <- snap:
		default:
			// replace the stale snapshot the subscriber has not read yet
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}

// deviceSnapshot must not take the driver's link lock: publish runs from
// transition callbacks while that lock is held
func deviceSnapshot(dev Device) DeviceSnapshot {
	return DeviceSnapshot{
		Configured: true,
		Status:     dev.Status(),
		PowerOn:    dev.PowerOn(),
		Fault:      dev.Fault(),
	}
}
