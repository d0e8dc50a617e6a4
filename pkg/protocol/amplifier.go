package protocol

import (
	"fmt"
	"strings"
)

// Amp is the KPA500 codec. Every amplifier command carries the "^" prefix.
var Amp = Codec{Prefix: "^"}

// WakeByte powers a KPA500 on from its bootloader. It is sent bare, without
// prefix or terminator.
const WakeByte = 'P'

// Amplifier commands
const (
	AmpPower         = "ON"
	AmpOperatingMode = "OS"
	AmpBand          = "BN"
	AmpPowerSWR      = "WS"
	AmpTemperature   = "TM"
	AmpVoltCurrent   = "VI"
	AmpFault         = "FL"
	AmpSerialNumber  = "SN"
	AmpFirmware      = "RVM"
)

// AmpFaultClear is the argument appended to FL to clear a fault ("^FLC;")
const AmpFaultClear = "C"

// Field widths and scales of the amplifier readings
const (
	ampPowerWidth   = 3
	ampSWRWidth     = 3
	ampSWRScale     = 10.0
	ampTempWidth    = 3
	ampVoltWidth    = 3
	ampCurrentWidth = 3
	ampVIScale      = 10.0
	ampBandWidth    = 2
	ampFaultWidth   = 2
)

// OperatingMode is the amplifier standby/operate switch
type OperatingMode int

const (
	Standby OperatingMode = 0
	Operate OperatingMode = 1
)

func (m OperatingMode) String() string {
	switch m {
	case Standby:
		return "standby"
	case Operate:
		return "operate"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseOperatingMode accepts "standby" or "operate"
func ParseOperatingMode(s string) (OperatingMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "standby", "stby":
		return Standby, nil
	case "operate", "opr":
		return Operate, nil
	}
	return 0, fmt.Errorf("unknown operating mode %q", s)
}

// Band is the amplifier band code
type Band int

var bandNames = []string{"160m", "80m", "60m", "40m", "30m", "20m", "17m", "15m", "12m", "10m", "6m"}

func (b Band) String() string {
	if b < 0 || int(b) >= len(bandNames) {
		return fmt.Sprintf("band(%d)", int(b))
	}
	return bandNames[b]
}

// Valid reports whether b is a band the amplifier knows
func (b Band) Valid() bool {
	return b >= 0 && int(b) < len(bandNames)
}

// ParseBand accepts a band name ("20m") or a numeric code ("5")
func ParseBand(s string) (Band, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range bandNames {
		if s == name {
			return Band(i), nil
		}
	}
	if v, err := ParseFixed(s, 0); err == nil && Band(v).Valid() {
		return Band(v), nil
	}
	return 0, fmt.Errorf("unknown band %q", s)
}

var ampFaultText = map[int]string{
	0:  "",
	1:  "PA current",
	2:  "PA temperature",
	3:  "PA voltage",
	4:  "high SWR",
	5:  "overdrive",
	6:  "bias timeout",
	7:  "power",
	8:  "keying",
	9:  "band error",
	10: "PA communication",
}

// AmpFaultText describes an amplifier fault code
func AmpFaultText(code int) string {
	if text, ok := ampFaultText[code]; ok {
		return text
	}
	return fmt.Sprintf("fault %d", code)
}

// PowerSWR is the WS reading
type PowerSWR struct {
	Watts int
	SWR   float64
}

// DecodePowerSWR parses "ppp sss" (watts, SWR*10). The unspaced
// "ppppss" form some firmware emits is accepted too.
func DecodePowerSWR(payload string) (PowerSWR, error) {
	var fields []string
	var err error
	if strings.Contains(payload, " ") {
		fields = strings.Fields(payload)
		if len(fields) != 2 {
			err = fmt.Errorf("expected 2 fields")
		}
	} else {
		fields, err = splitFixed(payload, 4, 0)
	}
	if err != nil {
		return PowerSWR{}, &DecodeError{Command: AmpPowerSWR, Raw: payload, Reason: err.Error()}
	}

	watts, err := ParseFixed(fields[0], 0)
	if err != nil {
		return PowerSWR{}, &DecodeError{Command: AmpPowerSWR, Raw: payload, Reason: err.Error()}
	}
	swr, err := ParseScaled(fields[1], 0, ampSWRScale)
	if err != nil {
		return PowerSWR{}, &DecodeError{Command: AmpPowerSWR, Raw: payload, Reason: err.Error()}
	}
	return PowerSWR{Watts: watts, SWR: swr}, nil
}

// EncodePowerSWR renders the WS payload
func EncodePowerSWR(v PowerSWR) (string, error) {
	p, err := FormatFixed(v.Watts, ampPowerWidth)
	if err != nil {
		return "", err
	}
	s, err := FormatScaled(v.SWR, ampSWRWidth, ampSWRScale)
	if err != nil {
		return "", err
	}
	return p + " " + s, nil
}

// VoltCurrent is the VI reading
type VoltCurrent struct {
	Volts float64
	Amps  float64
}

// DecodeVoltCurrent parses "vvv ccc" (volts*10, amps*10), or the unspaced
// "vvvccc" form.
func DecodeVoltCurrent(payload string) (VoltCurrent, error) {
	var fields []string
	var err error
	if strings.Contains(payload, " ") {
		fields = strings.Fields(payload)
		if len(fields) != 2 {
			err = fmt.Errorf("expected 2 fields")
		}
	} else {
		fields, err = splitFixed(payload, ampVoltWidth, 0)
	}
	if err != nil {
		return VoltCurrent{}, &DecodeError{Command: AmpVoltCurrent, Raw: payload, Reason: err.Error()}
	}

	volts, err := ParseScaled(fields[0], ampVoltWidth, ampVIScale)
	if err != nil {
		return VoltCurrent{}, &DecodeError{Command: AmpVoltCurrent, Raw: payload, Reason: err.Error()}
	}
	amps, err := ParseScaled(fields[1], 0, ampVIScale)
	if err != nil {
		return VoltCurrent{}, &DecodeError{Command: AmpVoltCurrent, Raw: payload, Reason: err.Error()}
	}
	return VoltCurrent{Volts: volts, Amps: amps}, nil
}

// EncodeVoltCurrent renders the VI payload
func EncodeVoltCurrent(v VoltCurrent) (string, error) {
	volts, err := FormatScaled(v.Volts, ampVoltWidth, ampVIScale)
	if err != nil {
		return "", err
	}
	amps, err := FormatScaled(v.Amps, ampCurrentWidth, ampVIScale)
	if err != nil {
		return "", err
	}
	return volts + " " + amps, nil
}

// DecodeTemperature parses the TM payload in degrees Celsius
func DecodeTemperature(payload string) (int, error) {
	v, err := ParseFixed(payload, ampTempWidth)
	if err != nil {
		return 0, &DecodeError{Command: AmpTemperature, Raw: payload, Reason: err.Error()}
	}
	return v, nil
}

// EncodeTemperature renders the TM payload
func EncodeTemperature(c int) (string, error) {
	return FormatFixed(c, ampTempWidth)
}

// DecodeBand parses the two-digit BN payload
func DecodeBand(payload string) (Band, error) {
	v, err := ParseFixed(payload, ampBandWidth)
	if err != nil {
		return 0, &DecodeError{Command: AmpBand, Raw: payload, Reason: err.Error()}
	}
	if !Band(v).Valid() {
		return 0, &DecodeError{Command: AmpBand, Raw: payload, Reason: "band out of range"}
	}
	return Band(v), nil
}

// EncodeBand renders the BN payload
func EncodeBand(b Band) (string, error) {
	if !b.Valid() {
		return "", fmt.Errorf("invalid band %d", int(b))
	}
	return FormatFixed(int(b), ampBandWidth)
}

// DecodeAmpFault parses the two-digit FL payload
func DecodeAmpFault(payload string) (int, error) {
	v, err := ParseFixed(payload, ampFaultWidth)
	if err != nil {
		return 0, &DecodeError{Command: AmpFault, Raw: payload, Reason: err.Error()}
	}
	return v, nil
}

// EncodeAmpFault renders the FL payload
func EncodeAmpFault(code int) (string, error) {
	return FormatFixed(code, ampFaultWidth)
}

// DecodeBool parses a single "0"/"1" digit, used by ON, OS, PS, SL and TP
func DecodeBool(cmd, payload string) (bool, error) {
	switch payload {
	case "0":
		return false, nil
	case "1":
		return true, nil
	}
	return false, &DecodeError{Command: cmd, Raw: payload, Reason: "expected 0 or 1"}
}

// EncodeBool renders a boolean digit
func EncodeBool(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

// DecodeOperatingMode parses the OS payload
func DecodeOperatingMode(payload string) (OperatingMode, error) {
	operate, err := DecodeBool(AmpOperatingMode, payload)
	if err != nil {
		return 0, err
	}
	if operate {
		return Operate, nil
	}
	return Standby, nil
}

func (m OperatingMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *OperatingMode) UnmarshalText(text []byte) error {
	v, err := ParseOperatingMode(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

func (b Band) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

func (b *Band) UnmarshalText(text []byte) error {
	v, err := ParseBand(string(text))
	if err != nil {
		return err
	}
	*b = v
	return nil
}
