package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/config"
	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/hardware"
	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/logging"
	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/poller"
	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/protocol"
	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/storage"
)

// Device names used in intents, snapshots and the journal
const (
	DeviceAmplifier = "amplifier"
	DeviceTuner     = "tuner"
	DeviceCombo     = "combo"
)

var (
	// ErrPrerequisiteNotMet means a tune was refused because the amplifier
	// could not be put in standby
	ErrPrerequisiteNotMet = errors.New("prerequisite not met")

	// ErrPartialPower means one device changed power state and the other
	// did not
	ErrPartialPower = errors.New("combined power only partially applied")

	// ErrNotConfigured is returned by intents addressed to a device that is
	// not attached
	ErrNotConfigured = errors.New("device not configured")
)

// Device is the part of a driver the controller needs from both device
// families
type Device interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect()
	Connected() bool
	Status() hardware.ConnectionStatus
	Fault() hardware.FaultState
	OnTransition(fn hardware.TransitionFunc)
	PowerOn() bool
	SetPower(ctx context.Context, on bool) error
	ClearFault(ctx context.Context) error
	Info(ctx context.Context) (hardware.DeviceInfo, error)
}

// AmplifierDriver is satisfied by *hardware.Amplifier
type AmplifierDriver interface {
	Device
	Poll(ctx context.Context) (hardware.AmpReading, error)
	Reading() hardware.AmpReading
	PowerKnownOff() bool
	SetOperatingMode(ctx context.Context, mode protocol.OperatingMode) error
	SetBand(ctx context.Context, band protocol.Band) error
}

// TunerDriver is satisfied by *hardware.Tuner
type TunerDriver interface {
	Device
	Poll(ctx context.Context) (hardware.TunerReading, error)
	Reading() hardware.TunerReading
	FullTune(ctx context.Context) error
	TuningStatus(ctx context.Context) (bool, error)
	TuningInProgress() bool
	SetMode(ctx context.Context, mode protocol.TunerModeValue) error
	SetAntenna(ctx context.Context, antenna int) error
}

// Journal records events. *storage.EventStore satisfies it.
type Journal interface {
	RecordEvent(ev storage.Event) error
}

// Options tune the controller
type Options struct {
	AmpInterval        time.Duration
	TunerInterval      time.Duration
	TuneStandbyTimeout time.Duration

	// A power mismatch lasting longer than SettlePeriod becomes a combo
	// fault
	SettlePeriod  time.Duration
	SyncOnStartup bool

	Clock   clockwork.Clock // nil uses the real clock
	Journal Journal         // nil disables journaling
}

// DefaultOptions returns the controller defaults
func DefaultOptions() Options {
	return Options{
		AmpInterval:        250 * time.Millisecond,
		TunerInterval:      30 * time.Second,
		TuneStandbyTimeout: 2 * time.Second,
		SettlePeriod:       5 * time.Second,
		SyncOnStartup:      true,
	}
}

// OptionsFromConfig maps the configuration onto controller options
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		AmpInterval:        config.Millis(cfg.Amplifier.PollInterval),
		TunerInterval:      config.Millis(cfg.Tuner.BackgroundInterval),
		TuneStandbyTimeout: config.Millis(cfg.Combo.TuneStandbyTimeout),
		SettlePeriod:       config.Millis(cfg.Combo.SettlePeriod),
		SyncOnStartup:      cfg.Combo.SyncOnStartup,
	}
}

// slot holds an optional device
type slot[D any] struct {
	dev D
	ok  bool
}

func (s slot[D]) configured() bool {
	return s.ok
}

func (s slot[D]) get() (D, bool) {
	return s.dev, s.ok
}

// Controller fuses the amplifier and the tuner into one station. Either
// device may be absent.
type Controller struct {
	amp   slot[AmplifierDriver]
	tuner slot[TunerDriver]
	opts  Options
	clock clockwork.Clock
	log   *logging.ComponentLogger

	// lastAmp is written by the amplifier poll task only
	lastAmp atomic.Pointer[hardware.AmpReading]

	// intentMu serializes operator intents with each other
	intentMu sync.Mutex

	mu            sync.Mutex
	comboFault    string
	mismatchSince time.Time
	lastFault     map[string]hardware.FaultState
	subs          map[chan Snapshot]struct{}
	version       uint64

	snapshot atomic.Pointer[Snapshot]

	ampLoop   *poller.Loop
	tunerLoop *poller.Loop

	runMu  sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New creates a controller. A nil driver means the device is not attached.
func New(amp AmplifierDriver, tuner TunerDriver, opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	def := DefaultOptions()
	if opts.AmpInterval <= 0 {
		opts.AmpInterval = def.AmpInterval
	}
	if opts.TunerInterval <= 0 {
		opts.TunerInterval = def.TunerInterval
	}
	if opts.TuneStandbyTimeout <= 0 {
		opts.TuneStandbyTimeout = def.TuneStandbyTimeout
	}
	if opts.SettlePeriod <= 0 {
		opts.SettlePeriod = def.SettlePeriod
	}

	c := &Controller{
		amp:       slot[AmplifierDriver]{dev: amp, ok: amp != nil},
		tuner:     slot[TunerDriver]{dev: tuner, ok: tuner != nil},
		opts:      opts,
		clock:     opts.Clock,
		log:       logging.For("engine"),
		lastFault: make(map[string]hardware.FaultState),
		subs:      make(map[chan Snapshot]struct{}),
	}

	if amp != nil {
		amp.OnTransition(c.onTransition)
		c.ampLoop = poller.New(DeviceAmplifier, opts.Clock)
	}
	if tuner != nil {
		tuner.OnTransition(c.onTransition)
		c.tunerLoop = poller.New(DeviceTuner, opts.Clock)
	}
	c.publish()
	return c
}

// FromStation creates a controller for the drivers of a station
func FromStation(st *hardware.Station, opts Options) *Controller {
	var amp AmplifierDriver
	var tuner TunerDriver
	if st.Amplifier != nil {
		amp = st.Amplifier
	}
	if st.Tuner != nil {
		tuner = st.Tuner
	}
	return New(amp, tuner, opts)
}

// Topology reports which devices are attached
func (c *Controller) Topology() Topology {
	return topologyOf(c.amp.configured(), c.tuner.configured())
}

// Connect connects the attached devices concurrently, then brings their
// power states together. A device that fails to connect does not stop the
// other; the errors are joined.
func (c *Controller) Connect(ctx context.Context) error {
	var g errgroup.Group
	var ampErr, tunerErr error

	if amp, ok := c.amp.get(); ok {
		g.Go(func() error {
			ampErr = amp.Connect(ctx)
			return nil
		})
	}
	if tuner, ok := c.tuner.get(); ok {
		g.Go(func() error {
			tunerErr = tuner.Connect(ctx)
			return nil
		})
	}
	_ = g.Wait()

	if c.opts.SyncOnStartup {
		if err := c.syncPower(ctx); err != nil {
			c.log.Warnf("startup power sync: %v", err)
		}
	}
	c.publish()

	var errs []error
	if ampErr != nil {
		errs = append(errs, fmt.Errorf("%s: %w", DeviceAmplifier, ampErr))
	}
	if tunerErr != nil {
		errs = append(errs, fmt.Errorf("%s: %w", DeviceTuner, tunerErr))
	}
	return errors.Join(errs...)
}

// ReconnectDevice drops and reopens the session of one device
func (c *Controller) ReconnectDevice(ctx context.Context, device string) error {
	dev, err := c.device(device)
	if err != nil {
		return err
	}

	c.intentMu.Lock()
	defer c.intentMu.Unlock()

	dev.Disconnect()
	err = dev.Connect(ctx)
	c.recordIntent(device, "reconnect", err)
	c.publish()
	if err != nil {
		return fmt.Errorf("reconnect %s: %w", device, err)
	}
	return nil
}

// device looks up an attached device by name
func (c *Controller) device(name string) (Device, error) {
	switch name {
	case DeviceAmplifier:
		if amp, ok := c.amp.get(); ok {
			return amp, nil
		}
	case DeviceTuner:
		if tuner, ok := c.tuner.get(); ok {
			return tuner, nil
		}
	default:
		return nil, fmt.Errorf("unknown device %q: %w", name, ErrNotConfigured)
	}
	return nil, fmt.Errorf("%s: %w", name, ErrNotConfigured)
}

// Start launches one poll loop per attached device
func (c *Controller) Start(ctx context.Context) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if c.group != nil {
		return
	}

	ctx, c.cancel = context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	c.group = g

	if c.amp.configured() {
		g.Go(func() error {
			return c.ampLoop.Run(ctx, poller.TargetFunc(c.pollAmp), func() time.Duration {
				return c.opts.AmpInterval
			})
		})
	}
	if c.tuner.configured() {
		g.Go(func() error {
			return c.tunerLoop.Run(ctx, poller.TargetFunc(c.pollTuner), c.TunerInterval)
		})
	}
	c.log.Infof("polling started (%s)", c.Topology())
}

// Stop cancels the poll loops and waits for them to exit
func (c *Controller) Stop() error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if c.group == nil {
		return nil
	}
	c.cancel()
	err := c.group.Wait()
	c.group = nil
	c.cancel = nil

	for _, loop := range []*poller.Loop{c.ampLoop, c.tunerLoop} {
		if loop != nil {
			c.log.Debugf("%s: %d poll cycles, %d failed", loop.Name(), loop.Cycles(), loop.Failures())
		}
	}

	c.mu.Lock()
	for ch := range c.subs {
		close(ch)
		delete(c.subs, ch)
	}
	c.mu.Unlock()

	c.log.Infof("polling stopped")
	return err
}

// TunerInterval is the delay before the next tuner poll: the amplifier
// interval while a tune runs or the amplifier is transmitting, the
// background interval otherwise
func (c *Controller) TunerInterval() time.Duration {
	if tuner, ok := c.tuner.get(); ok && tuner.TuningInProgress() {
		return c.opts.AmpInterval
	}
	if r := c.lastAmp.Load(); r != nil && r.Transmitting() {
		return c.opts.AmpInterval
	}
	return c.opts.TunerInterval
}

// pollAmp is the amplifier poll target
func (c *Controller) pollAmp(ctx context.Context) error {
	amp, _ := c.amp.get()
	if !amp.Connected() {
		return hardware.ErrNotConnected
	}

	r, err := amp.Poll(ctx)
	c.lastAmp.Store(&r)
	c.afterPoll(amp)
	return err
}

// pollTuner is the tuner poll target. While a tune runs only the tune
// status is read; the full cycle resumes once the tune ends.
func (c *Controller) pollTuner(ctx context.Context) error {
	tuner, _ := c.tuner.get()
	if !tuner.Connected() {
		return hardware.ErrNotConnected
	}

	var err error
	if tuner.TuningInProgress() {
		var tuning bool
		tuning, err = tuner.TuningStatus(ctx)
		if err == nil && !tuning {
			c.log.Infof("tune finished")
			_, err = tuner.Poll(ctx)
		}
	} else {
		_, err = tuner.Poll(ctx)
	}
	c.afterPoll(tuner)
	return err
}

// afterPoll journals fault changes, checks the power states against each
// other and publishes a new snapshot
func (c *Controller) afterPoll(dev Device) {
	c.observeFault(dev)
	c.checkPowerMismatch()
	c.publish()
}

// observeFault journals a device fault when it is raised or cleared
func (c *Controller) observeFault(dev Device) {
	fault := dev.Fault()

	c.mu.Lock()
	prev := c.lastFault[dev.Name()]
	c.lastFault[dev.Name()] = fault
	c.mu.Unlock()

	if prev == fault {
		return
	}
	if fault.Active() {
		c.record(storage.KindFault, dev.Name(), fmt.Sprintf("fault %d", fault.Code), fault.Text)
	} else {
		c.record(storage.KindFault, dev.Name(), "fault cleared", "")
	}
}

// checkPowerMismatch raises the power mismatch combo fault once the devices
// have disagreed for the settle period, and clears any combo fault once
// they agree again
func (c *Controller) checkPowerMismatch() {
	power := c.CombinedPower()
	now := c.clock.Now()

	c.mu.Lock()
	var raised, cleared string
	if power == Mixed {
		if c.mismatchSince.IsZero() {
			c.mismatchSince = now
		} else if c.comboFault == "" && now.Sub(c.mismatchSince) >= c.opts.SettlePeriod {
			c.comboFault = "power mismatch"
			raised = c.comboFault
		}
	} else {
		c.mismatchSince = time.Time{}
		if c.comboFault != "" {
			cleared = c.comboFault
			c.comboFault = ""
		}
	}
	c.mu.Unlock()

	if raised != "" {
		c.log.Warnf("amplifier and tuner power disagree for %s", c.opts.SettlePeriod)
		c.record(storage.KindFault, DeviceCombo, "fault raised", raised)
	}
	if cleared != "" {
		c.log.Infof("power states agree, %s cleared", cleared)
		c.record(storage.KindFault, DeviceCombo, "fault cleared", "")
	}
}

// setComboFault raises a combo fault and journals it
func (c *Controller) setComboFault(text string) {
	c.mu.Lock()
	c.comboFault = text
	c.mu.Unlock()
	c.record(storage.KindFault, DeviceCombo, "fault raised", text)
}

// ComboFault returns the active combo fault, empty when there is none
func (c *Controller) ComboFault() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.comboFault
}

// AnyFaultActive reports whether either device reports a fault
func (c *Controller) AnyFaultActive() bool {
	active := false
	if amp, ok := c.amp.get(); ok {
		active = active || amp.Fault().Active()
	}
	if tuner, ok := c.tuner.get(); ok {
		active = active || tuner.Fault().Active()
	}
	return active
}

// onTransition journals connection state changes. It runs on the goroutine
// of the driver that changed state.
func (c *Controller) onTransition(device string, from, to hardware.ConnectionStatus) {
	reason := ""
	if to.State == hardware.Disconnected || to.State == hardware.Faulted {
		reason = to.Reason
	}
	c.record(storage.KindConnection, device, fmt.Sprintf("%s -> %s", from.State, to.State), reason)
	c.publish()
}

// record writes one journal entry. Journal failures are logged only.
func (c *Controller) record(kind, device, message, errText string) {
	if c.opts.Journal == nil {
		return
	}
	ev := storage.Event{
		Timestamp: c.clock.Now(),
		Kind:      kind,
		Device:    device,
		Message:   message,
		Error:     errText,
	}
	if err := c.opts.Journal.RecordEvent(ev); err != nil {
		c.log.Warnf("journal %s event: %v", kind, err)
	}
}

// recordIntent journals an operator intent and logs its outcome
func (c *Controller) recordIntent(device, message string, err error) {
	if err != nil {
		c.log.Warnf("%s %s failed: %v", device, message, err)
		c.record(storage.KindIntent, device, message, err.Error())
		return
	}
	c.log.Infof("%s %s", device, message)
	c.record(storage.KindIntent, device, message, "")
}
