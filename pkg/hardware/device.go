package hardware

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/link"
	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/logging"
	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/protocol"
)

// ConnectionState is the lifecycle state of one device session
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	AwaitingWake
	Ready
	Faulted
)

var stateNames = []string{"disconnected", "connecting", "awaiting_wake", "ready", "faulted"}

func (s ConnectionState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ConnectionState) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if string(text) == name {
			*s = ConnectionState(i)
			return nil
		}
	}
	return fmt.Errorf("unknown connection state %q", text)
}

// ConnectionStatus is a ConnectionState plus the reason for the last
// transition, e.g. the strike count behind a Faulted state
type ConnectionStatus struct {
	State  ConnectionState `json:"state"`
	Reason string          `json:"reason,omitempty"`
}

func (s ConnectionStatus) String() string {
	if s.Reason == "" {
		return s.State.String()
	}
	return fmt.Sprintf("%s (%s)", s.State, s.Reason)
}

var (
	// ErrDeviceUnresponsive means a request timed out after its retries
	ErrDeviceUnresponsive = errors.New("device unresponsive")

	// ErrNotConnected is returned by operations on a driver with no open link
	ErrNotConnected = errors.New("device not connected")

	// ErrPoweredOff is returned by commands a powered off device cannot run
	ErrPoweredOff = errors.New("device powered off")

	// ErrConfirmFailed means a set command was answered but the device
	// reported a different value on readback
	ErrConfirmFailed = errors.New("device did not confirm setting")
)

// DeviceFaultError is a hardware fault reported by the device itself
type DeviceFaultError struct {
	Device string
	Code   int
	Text   string
}

func (e *DeviceFaultError) Error() string {
	return fmt.Sprintf("%s reports fault %d: %s", e.Device, e.Code, e.Text)
}

// FaultState is the last fault code a device reported. Code 0 is no fault.
type FaultState struct {
	Code int    `json:"code"`
	Text string `json:"text,omitempty"`
}

// Active reports whether the device has a fault
func (f FaultState) Active() bool {
	return f.Code != 0
}

// DeviceInfo is static identification read from a device
type DeviceInfo struct {
	SerialNumber string `json:"serial_number,omitempty"`
	Firmware     string `json:"firmware,omitempty"`
	Identity     string `json:"identity,omitempty"`
}

// TransitionFunc observes connection state changes of a device
type TransitionFunc func(device string, from, to ConnectionStatus)

// maxStrikes is the number of consecutive all-fail poll cycles that fault a
// device
const maxStrikes = 3

// lineConfig is the part of a driver's configuration the shared line core
// needs
type lineConfig struct {
	port           string
	baudRate       int
	factory        link.PortFactory
	commandTimeout time.Duration
	attempts       int
	retryInterval  time.Duration
}

// lineDevice is the request/response core shared by both drivers. A device
// family plugs in its codec and an optional beforeRequest hook (the tuner
// wake preamble).
//
// ioMu is held for a whole poll cycle or a whole command so wire bytes of
// different operations never interleave. stateMu guards the published
// status, reading and fault so snapshots never wait on serial I/O.
type lineDevice struct {
	name  string
	codec protocol.Codec
	cfg   lineConfig
	log   *logging.ComponentLogger

	beforeRequest func(ctx context.Context) error

	ioMu    sync.Mutex
	link    *link.Link
	strikes int

	stateMu      sync.RWMutex
	status       ConnectionStatus
	fault        FaultState
	onTransition TransitionFunc
}

func (d *lineDevice) init(name string, codec protocol.Codec, cfg lineConfig) {
	if cfg.attempts < 1 {
		cfg.attempts = 1
	}
	d.name = name
	d.codec = codec
	d.cfg = cfg
	d.log = logging.For(name).WithFields(logging.Fields{"port": cfg.port})
}

// Name returns the device name, "amplifier" or "tuner"
func (d *lineDevice) Name() string {
	return d.name
}

// Status returns the current connection status
func (d *lineDevice) Status() ConnectionStatus {
	d.stateMu.RLock()
	defer d.stateMu.RUnlock()
	return d.status
}

// Fault returns the last reported fault state
func (d *lineDevice) Fault() FaultState {
	d.stateMu.RLock()
	defer d.stateMu.RUnlock()
	return d.fault
}

// OnTransition registers a callback for connection state changes
func (d *lineDevice) OnTransition(fn TransitionFunc) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	d.onTransition = fn
}

func (d *lineDevice) setStatus(state ConnectionState, reason string) {
	d.stateMu.Lock()
	from := d.status
	to := ConnectionStatus{State: state, Reason: reason}
	d.status = to
	fn := d.onTransition
	d.stateMu.Unlock()

	if from == to {
		return
	}
	d.log.Infof("%s -> %s", from, to)
	if fn != nil {
		fn(d.name, from, to)
	}
}

func (d *lineDevice) setFault(code int, text string) {
	d.stateMu.Lock()
	prev := d.fault
	d.fault = FaultState{Code: code, Text: text}
	d.stateMu.Unlock()

	if prev.Code != code {
		if code == 0 {
			d.log.Infof("fault cleared")
		} else {
			d.log.Warnf("fault %d: %s", code, text)
		}
	}
}

// open opens the link. Caller holds ioMu.
func (d *lineDevice) open() error {
	if d.link != nil {
		return nil
	}
	l, err := link.Open(d.cfg.factory, d.cfg.port, d.cfg.baudRate)
	if err != nil {
		return err
	}
	d.link = l
	d.strikes = 0
	return nil
}

// closeLink closes the link and moves to Disconnected. Caller holds ioMu.
func (d *lineDevice) closeLink(reason string) {
	if d.link != nil {
		if err := d.link.Close(); err != nil {
			d.log.Warnf("close: %v", err)
		}
		d.link = nil
	}
	d.strikes = 0
	d.setStatus(Disconnected, reason)
}

// Disconnect ends the session
func (d *lineDevice) Disconnect() {
	d.ioMu.Lock()
	defer d.ioMu.Unlock()
	d.closeLink("")
}

// Connected reports whether a link is open
func (d *lineDevice) Connected() bool {
	d.ioMu.Lock()
	defer d.ioMu.Unlock()
	return d.link != nil
}

// checkFatal closes the session if err is a transport error. It returns err
// unchanged so callers can write `return d.checkFatal(err)`.
func (d *lineDevice) checkFatal(err error) error {
	var te *link.TransportError
	if errors.As(err, &te) {
		d.log.Errorf("transport failure: %v", err)
		d.closeLink(te.Error())
	}
	return err
}

func isFatal(ctx context.Context, err error) bool {
	var te *link.TransportError
	return errors.As(err, &te) || ctx.Err() != nil || errors.Is(err, link.ErrClosed)
}

// send writes a command without waiting for a reply. Caller holds ioMu.
func (d *lineDevice) send(ctx context.Context, cmd, arg string) error {
	if d.link == nil {
		return ErrNotConnected
	}
	if d.beforeRequest != nil {
		if err := d.beforeRequest(ctx); err != nil {
			return d.checkFatal(err)
		}
	}
	return d.checkFatal(d.link.Write(ctx, d.codec.Encode(cmd, arg)))
}

// readResponse reads the next frame, skipping bare terminators left over
// from a wake preamble
func (d *lineDevice) readResponse(ctx context.Context, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, link.ErrTimeout
		}
		frame, err := d.link.ReadFrame(ctx, protocol.Terminator, remaining)
		if err != nil {
			return nil, err
		}
		if strings.Trim(string(frame), " \r\n;") != "" {
			return frame, nil
		}
	}
}

// exchangeOnce sends one command and decodes its reply. Caller holds ioMu.
func (d *lineDevice) exchangeOnce(ctx context.Context, cmd, arg, replyCmd string, timeout time.Duration) (string, error) {
	if err := d.send(ctx, cmd, arg); err != nil {
		return "", err
	}
	frame, err := d.readResponse(ctx, timeout)
	if err != nil {
		if errors.Is(err, link.ErrTimeout) {
			// a late reply must not be taken as the answer to the next request
			if err := d.resync(ctx); err != nil {
				return "", err
			}
			return "", fmt.Errorf("%s %s: %w", d.name, cmd, ErrDeviceUnresponsive)
		}
		return "", d.checkFatal(err)
	}
	payload, err := d.codec.Decode(frame, replyCmd)
	if errors.Is(err, protocol.ErrNoData) {
		return "", fmt.Errorf("%s %s: %w", d.name, cmd, ErrDeviceUnresponsive)
	}
	if err != nil {
		d.log.Warnf("%v", err)
		if err := d.resync(ctx); err != nil {
			return "", err
		}
	}
	return payload, err
}

// resync discards pending input after a lost or garbled reply
func (d *lineDevice) resync(ctx context.Context) error {
	if err := d.link.Drain(ctx); err != nil {
		return d.checkFatal(err)
	}
	return nil
}

// exchange sends a command and decodes the reply, retrying timeouts up to
// the configured attempt count. Caller holds ioMu.
func (d *lineDevice) exchange(ctx context.Context, cmd, arg string, timeout time.Duration) (string, error) {
	var lastErr error
	for attempt := 0; attempt < d.cfg.attempts; attempt++ {
		if attempt > 0 {
			d.log.Debugf("%s retry %d: %v", cmd, attempt, lastErr)
			if err := sleepCtx(ctx, d.cfg.retryInterval); err != nil {
				return "", err
			}
		}
		payload, err := d.exchangeOnce(ctx, cmd, arg, cmd, timeout)
		if err == nil || !errors.Is(err, ErrDeviceUnresponsive) {
			return payload, err
		}
		lastErr = err
	}
	return "", lastErr
}

// query reads a value. Caller holds ioMu.
func (d *lineDevice) query(ctx context.Context, cmd string) (string, error) {
	return d.exchange(ctx, cmd, "", d.cfg.commandTimeout)
}

// recordCycle applies the strike policy after a poll cycle in which ok of
// total queries succeeded. Caller holds ioMu.
func (d *lineDevice) recordCycle(ok, total int) {
	if ok > 0 {
		if d.strikes > 0 {
			d.log.Debugf("recovered after %d failed cycle(s)", d.strikes)
		}
		d.strikes = 0
		if d.Status().State == Faulted {
			d.setStatus(Ready, "")
		}
		return
	}

	d.strikes++
	d.log.Warnf("poll cycle failed (%d/%d queries), strike %d of %d", ok, total, d.strikes, maxStrikes)
	if d.strikes >= maxStrikes && d.Status().State != Faulted {
		d.setStatus(Faulted, fmt.Sprintf("%d consecutive poll cycles failed", d.strikes))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func ptr[T any](v T) *T {
	return &v
}
