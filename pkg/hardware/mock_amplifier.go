package hardware

import (
	"fmt"
	"strings"
	"sync"

	"go.bug.st/serial"

	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/link"
	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/protocol"
)

// MockAmplifier simulates a KPA500 behind a link.MockPort. It backs the
// daemon's simulate mode and the driver and engine tests.
type MockAmplifier struct {
	mu   sync.Mutex
	port *link.MockPort
	buf  []byte

	on      bool
	mode    protocol.OperatingMode
	band    protocol.Band
	watts   int
	swr     float64
	tempC   int
	volts   float64
	amps    float64
	fault   int
	serial  string
	version string

	// behaviour
	silentQueries int
	bootDelay     int
	bootRemaining int
	stickyFault   bool
	refuseStandby bool
	mute          bool

	wakeCount int
}

// NewMockAmplifier creates a simulated amplifier that is on, in standby,
// on 20m and idle
func NewMockAmplifier() *MockAmplifier {
	return &MockAmplifier{
		on:      true,
		mode:    protocol.Standby,
		band:    5,
		swr:     1.0,
		tempC:   32,
		volts:   53.2,
		serial:  "01234",
		version: "01.54",
	}
}

// Factory returns a PortFactory that connects to this simulator. Every
// open gets a fresh port.
func (m *MockAmplifier) Factory() link.PortFactory {
	return func(path string, mode *serial.Mode) (link.Port, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.buf = nil
		m.port = link.NewMockPort(m.handle)
		return m.port, nil
	}
}

// Port returns the port of the most recent open
func (m *MockAmplifier) Port() *link.MockPort {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.port
}

// SetPowered switches the simulator on, or off into its bootloader
func (m *MockAmplifier) SetPowered(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.on = on
}

// SetSilentQueries makes the next n power queries go unanswered
func (m *MockAmplifier) SetSilentQueries(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.silentQueries = n
}

// SetBootDelay makes the amplifier ignore n power queries after waking
func (m *MockAmplifier) SetBootDelay(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bootDelay = n
}

// SetFault sets the reported fault code
func (m *MockAmplifier) SetFault(code int, sticky bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = code
	m.stickyFault = sticky
}

// SetRefuseStandby makes the amplifier ignore requests for standby
func (m *MockAmplifier) SetRefuseStandby(refuse bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refuseStandby = refuse
}

// SetMute makes the amplifier answer nothing at all
func (m *MockAmplifier) SetMute(mute bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mute = mute
}

// SetOutput sets the reported output power and SWR. An SWR above 1.0
// reads as transmitting.
func (m *MockAmplifier) SetOutput(watts int, swr float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watts = watts
	m.swr = swr
}

// SetOperatingMode sets the mode as if changed from the front panel
func (m *MockAmplifier) SetOperatingMode(mode protocol.OperatingMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = mode
}

// PowerOn reports the simulated power state
func (m *MockAmplifier) PowerOn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.on
}

// Mode returns the simulated operating mode
func (m *MockAmplifier) Mode() protocol.OperatingMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Band returns the simulated band
func (m *MockAmplifier) Band() protocol.Band {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.band
}

// WakeCount returns how many wake bytes were received
func (m *MockAmplifier) WakeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wakeCount
}

func (m *MockAmplifier) handle(p []byte) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []byte
	for _, c := range p {
		if len(m.buf) == 0 && c == protocol.WakeByte {
			m.wake()
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

func (m *MockAmplifier) wake() {
	m.wakeCount++
	if !m.on {
		m.on = true
		m.mode = protocol.Standby
		m.bootRemaining = m.bootDelay
	}
}

func (m *MockAmplifier) reply(cmd, payload string) []byte {
	return protocol.Amp.Encode(cmd, payload)
}

func (m *MockAmplifier) frame(frame string) []byte {
	if m.mute || !m.on || !strings.HasPrefix(frame, protocol.Amp.Prefix) {
		return nil
	}
	body := strings.TrimSuffix(strings.TrimPrefix(frame, protocol.Amp.Prefix), string(protocol.Terminator))

	switch {
	case body == protocol.AmpPower:
		if m.bootRemaining > 0 {
			m.bootRemaining--
			return nil
		}
		if m.silentQueries > 0 {
			m.silentQueries--
			return nil
		}
		return m.reply(body, "1")
	case strings.HasPrefix(body, protocol.AmpPower):
		if body[len(protocol.AmpPower):] == "0" {
			m.on = false
			m.watts = 0
			m.swr = 1.0
		}
		return nil

	case body == protocol.AmpOperatingMode:
		return m.reply(body, protocol.EncodeBool(m.mode == protocol.Operate))
	case strings.HasPrefix(body, protocol.AmpOperatingMode):
		switch body[len(protocol.AmpOperatingMode):] {
		case "0":
			if !m.refuseStandby {
				m.mode = protocol.Standby
			}
		case "1":
			m.mode = protocol.Operate
		}
		return nil

	case body == protocol.AmpPowerSWR:
		payload, _ := protocol.EncodePowerSWR(protocol.PowerSWR{Watts: m.watts, SWR: m.swr})
		return m.reply(body, payload)
	case body == protocol.AmpTemperature:
		payload, _ := protocol.EncodeTemperature(m.tempC)
		return m.reply(body, payload)
	case body == protocol.AmpVoltCurrent:
		payload, _ := protocol.EncodeVoltCurrent(protocol.VoltCurrent{Volts: m.volts, Amps: m.amps})
		return m.reply(body, payload)

	case body == protocol.AmpBand:
		payload, _ := protocol.EncodeBand(m.band)
		return m.reply(body, payload)
	case strings.HasPrefix(body, protocol.AmpBand):
		if b, err := protocol.DecodeBand(body[len(protocol.AmpBand):]); err == nil {
			m.band = b
		}
		return nil

	case body == protocol.AmpFault:
		payload, _ := protocol.EncodeAmpFault(m.fault)
		return m.reply(body, payload)
	case body == protocol.AmpFault+protocol.AmpFaultClear:
		if !m.stickyFault {
			m.fault = 0
		}
		return nil

	case body == protocol.AmpSerialNumber:
		return m.reply(body, m.serial)
	case body == protocol.AmpFirmware:
		return m.reply(body, m.version)
	}
	return []byte(fmt.Sprintf("%s?;", protocol.Amp.Prefix))
}
