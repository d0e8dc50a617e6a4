package hardware

import (
	"time"

	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/protocol"
)

// AmpReading is an immutable snapshot of the amplifier. Fields are nil
// until first read and keep their last value when a later query fails.
type AmpReading struct {
	PowerOn      *bool                   `json:"power_on,omitempty"`
	Mode         *protocol.OperatingMode `json:"mode,omitempty"`
	Watts        *int                    `json:"watts,omitempty"`
	SWR          *float64                `json:"swr,omitempty"`
	TemperatureC *int                    `json:"temperature_c,omitempty"`
	Volts        *float64                `json:"volts,omitempty"`
	Amps         *float64                `json:"amps,omitempty"`
	Band         *protocol.Band          `json:"band,omitempty"`

	// Errors holds the failed queries of the last cycle, keyed by command
	Errors    map[string]string `json:"errors,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Transmitting reports whether the reading shows RF on the output, which
// the amplifier signals with an SWR above 1.0. The SWR of an amplifier that
// is off is a leftover and never counts.
func (r AmpReading) Transmitting() bool {
	if r.PowerOn == nil || !*r.PowerOn {
		return false
	}
	return r.SWR != nil && *r.SWR > 1.0
}

// TunerReading is an immutable snapshot of the tuner
type TunerReading struct {
	PowerOn      *bool                    `json:"power_on,omitempty"`
	Mode         *protocol.TunerModeValue `json:"mode,omitempty"`
	Antenna      *int                     `json:"antenna,omitempty"`
	Tuning       *bool                    `json:"tuning,omitempty"`
	VSWR         *float64                 `json:"vswr,omitempty"`
	VSWRBypass   *float64                 `json:"vswr_bypass,omitempty"`
	Forward      *int                     `json:"forward,omitempty"`
	Reflected    *int                     `json:"reflected,omitempty"`
	SleepEnabled *bool                    `json:"sleep_enabled,omitempty"`

	Errors    map[string]string `json:"errors,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// TuningInProgress reports the last known tune-in-progress flag
func (r TunerReading) TuningInProgress() bool {
	return r.Tuning != nil && *r.Tuning
}

// fieldErrors collects per-query failures of one poll cycle
type fieldErrors map[string]string

func (f fieldErrors) add(cmd string, err error) {
	f[cmd] = err.Error()
}

// orNil returns nil for an empty map so readings of clean cycles carry no
// errors field
func (f fieldErrors) orNil() map[string]string {
	if len(f) == 0 {
		return nil
	}
	return f
}
