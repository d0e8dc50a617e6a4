package hardware

import (
	"fmt"
	"strings"
	"sync"

	"go.bug.st/serial"

	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/link"
	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/protocol"
)

// MockTuner simulates a KAT500 behind a link.MockPort. With sleep enabled
// it falls asleep after every answer and drops the first command that
// reaches it asleep, so a driver that skips the wake preamble loses it.
type MockTuner struct {
	mu   sync.Mutex
	port *link.MockPort
	buf  []byte

	on         bool
	mode       protocol.TunerModeValue
	antenna    int
	vswr       float64
	vswrBypass float64
	forward    int
	reflected  int
	fault      int
	sleep      bool
	asleep     bool

	// behaviour
	tuneCycles    int
	tuneRemaining int
	stickyFault   bool
	mute          bool
	dropNext      int

	frames    []string
	fullTunes int
}

// NewMockTuner creates a simulated tuner that is on, in auto mode on
// antenna 1 with a good match
func NewMockTuner() *MockTuner {
	return &MockTuner{
		on:         true,
		mode:       protocol.ModeAuto,
		antenna:    1,
		vswr:       1.0,
		vswrBypass: 1.0,
		tuneCycles: 2,
	}
}

// Factory returns a PortFactory that connects to this simulator
func (m *MockTuner) Factory() link.PortFactory {
	return func(path string, mode *serial.Mode) (link.Port, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.buf = nil
		m.port = link.NewMockPort(m.handle)
		return m.port, nil
	}
}

// Port returns the port of the most recent open
func (m *MockTuner) Port() *link.MockPort {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.port
}

// SetPowered sets the simulated power state
func (m *MockTuner) SetPowered(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.on = on
}

// SetAsleep puts the simulator to sleep and enables sleep mode
func (m *MockTuner) SetAsleep(asleep bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.asleep = asleep
	if asleep {
		m.sleep = true
	}
}

// SetFault sets the reported fault code
func (m *MockTuner) SetFault(code int, sticky bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = code
	m.stickyFault = sticky
}

// SetMute makes the tuner answer nothing at all
func (m *MockTuner) SetMute(mute bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mute = mute
}

// DropNext makes the tuner ignore the next n commands
func (m *MockTuner) DropNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropNext = n
}

// SetTuneCycles sets how many TP queries report a tune in progress after FT
func (m *MockTuner) SetTuneCycles(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tuneCycles = n
}

// SetMatch sets the reported VSWR values and coupler counts
func (m *MockTuner) SetMatch(vswr, bypass float64, forward, reflected int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vswr = vswr
	m.vswrBypass = bypass
	m.forward = forward
	m.reflected = reflected
}

// PowerOn reports the simulated power state
func (m *MockTuner) PowerOn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.on
}

// SleepEnabled reports whether sleep mode was enabled
func (m *MockTuner) SleepEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sleep
}

// FullTunes returns how many FT commands were received
func (m *MockTuner) FullTunes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fullTunes
}

// Frames returns every command frame that reached the tuner awake
func (m *MockTuner) Frames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.frames...)
}

func (m *MockTuner) handle(p []byte) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []byte
	for _, c := range p {
		if c == protocol.Terminator && len(m.buf) == 0 {
			// wake preamble
			m.asleep = false
			if !m.mute {
				out = append(out, protocol.Terminator)
			}
			continue
		}
		m.buf = append(m.buf, c)
		if c == protocol.Terminator {
			frame := string(m.buf)
			m.buf = m.buf[:0]
			out = append(out, m.frame(frame)...)
		}
	}
	return out
}

func (m *MockTuner) frame(frame string) []byte {
	if m.mute {
		return nil
	}
	if m.asleep {
		// the command only wakes it
		m.asleep = false
		return nil
	}
	if m.dropNext > 0 {
		m.dropNext--
		return nil
	}

	m.frames = append(m.frames, frame)
	resp := m.answer(strings.TrimSuffix(frame, string(protocol.Terminator)))
	if m.sleep {
		m.asleep = true
	}
	return resp
}

func (m *MockTuner) answer(body string) []byte {
	echo := func() []byte { return protocol.Tuner.Encode(body, "") }
	reply := func(cmd, payload string) []byte { return protocol.Tuner.Encode(cmd, payload) }

	switch {
	case body == protocol.TunerPower:
		return reply(body, protocol.EncodeBool(m.on))
	case strings.HasPrefix(body, protocol.TunerPower):
		if v, err := protocol.DecodeBool(protocol.TunerPower, body[2:]); err == nil {
			m.on = v
		}
		return echo()

	case body == protocol.TunerMode:
		return reply(body, string(m.mode))
	case strings.HasPrefix(body, protocol.TunerMode):
		if v, err := protocol.DecodeTunerMode(body[2:]); err == nil {
			m.mode = v
		}
		return reply(protocol.TunerMode, string(m.mode))

	case body == protocol.TunerAntenna:
		return reply(body, fmt.Sprint(m.antenna))
	case strings.HasPrefix(body, protocol.TunerAntenna):
		if v, err := protocol.DecodeAntenna(body[2:]); err == nil {
			m.antenna = v
		}
		return reply(protocol.TunerAntenna, fmt.Sprint(m.antenna))

	case body == protocol.TunerFullTune:
		m.fullTunes++
		m.tuneRemaining = m.tuneCycles
		return echo()
	case body == protocol.TunerTuning:
		if m.tuneRemaining > 0 {
			m.tuneRemaining--
			return reply(body, "1")
		}
		return reply(body, "0")

	case body == protocol.TunerVSWRBypass:
		return reply(body, protocol.EncodeVSWR(m.vswrBypass))
	case body == protocol.TunerVSWR:
		return reply(body, protocol.EncodeVSWR(m.vswr))
	case body == protocol.TunerForward:
		return reply(body, protocol.EncodeCoupler(m.forward))
	case body == protocol.TunerReflected:
		return reply(body, protocol.EncodeCoupler(m.reflected))

	case body == protocol.TunerFaultClear:
		if !m.stickyFault {
			m.fault = 0
		}
		return echo()
	case body == protocol.TunerFault:
		return reply(body, fmt.Sprint(m.fault))

	case body == protocol.TunerSleep:
		return reply(body, protocol.EncodeBool(m.sleep))
	case strings.HasPrefix(body, protocol.TunerSleep):
		if v, err := protocol.DecodeBool(protocol.TunerSleep, body[2:]); err == nil {
			m.sleep = v
		}
		return echo()

	case body == protocol.TunerSerialNumber:
		return reply(body, " 1234")
	case body == protocol.TunerFirmware:
		return reply(body, "02.04")
	case body == protocol.TunerIdentify:
		return reply(body, "KAT500")
	}
	return []byte("?;")
}
