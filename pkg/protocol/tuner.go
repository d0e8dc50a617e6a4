package protocol

import (
	"fmt"
	"strings"
)

// Tuner is the KAT500 codec. Tuner commands carry no prefix.
var Tuner = Codec{}

// WakePreamble is the character that rouses a sleeping KAT500. It is sent
// one or more times and whatever comes back is drained.
const WakePreamble = ';'

// Tuner commands
const (
	TunerPower        = "PS"
	TunerMode         = "MD"
	TunerAntenna      = "AN"
	TunerFullTune     = "FT"
	TunerTuning       = "TP"
	TunerVSWR         = "VSWR"
	TunerVSWRBypass   = "VSWRB"
	TunerForward      = "VFWD"
	TunerReflected    = "VRFL"
	TunerFault        = "FLT"
	TunerFaultClear   = "FLTC"
	TunerSleep        = "SL"
	TunerSerialNumber = "SN"
	TunerFirmware     = "RV"
	TunerIdentify     = "I"
)

// TunerModeValue is the KAT500 operating mode
type TunerModeValue string

const (
	ModeAuto   TunerModeValue = "A"
	ModeManual TunerModeValue = "M"
	ModeBypass TunerModeValue = "B"
)

func (m TunerModeValue) String() string {
	switch m {
	case ModeAuto:
		return "auto"
	case ModeManual:
		return "manual"
	case ModeBypass:
		return "bypass"
	default:
		return fmt.Sprintf("mode(%s)", string(m))
	}
}

// ParseTunerMode accepts "auto", "manual", "bypass" or the wire letters
func ParseTunerMode(s string) (TunerModeValue, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "auto", "a":
		return ModeAuto, nil
	case "manual", "man", "m":
		return ModeManual, nil
	case "bypass", "byp", "b":
		return ModeBypass, nil
	}
	return "", fmt.Errorf("unknown tuner mode %q", s)
}

// DecodeTunerMode parses the MD payload
func DecodeTunerMode(payload string) (TunerModeValue, error) {
	switch m := TunerModeValue(payload); m {
	case ModeAuto, ModeManual, ModeBypass:
		return m, nil
	}
	return "", &DecodeError{Command: TunerMode, Raw: payload, Reason: "expected A, M or B"}
}

// DecodeAntenna parses the AN payload (1-3)
func DecodeAntenna(payload string) (int, error) {
	v, err := ParseFixed(payload, 1)
	if err != nil {
		return 0, &DecodeError{Command: TunerAntenna, Raw: payload, Reason: err.Error()}
	}
	if v < 1 || v > 3 {
		return 0, &DecodeError{Command: TunerAntenna, Raw: payload, Reason: "antenna out of range"}
	}
	return v, nil
}

// EncodeAntenna renders the AN payload
func EncodeAntenna(ant int) (string, error) {
	if ant < 1 || ant > 3 {
		return "", fmt.Errorf("antenna %d out of range 1-3", ant)
	}
	return FormatFixed(ant, 1)
}

// DecodeVSWR parses a VSWR or VSWRB payload such as " 1.50"
func DecodeVSWR(cmd, payload string) (float64, error) {
	v, err := ParseDecimal(payload)
	if err != nil {
		return 0, &DecodeError{Command: cmd, Raw: payload, Reason: err.Error()}
	}
	return v, nil
}

// EncodeVSWR renders a VSWR payload with the leading space the tuner uses
func EncodeVSWR(v float64) string {
	return fmt.Sprintf(" %.2f", v)
}

// DecodeCoupler parses a VFWD or VRFL ADC count (0-4095)
func DecodeCoupler(cmd, payload string) (int, error) {
	v, err := ParseFixed(payload, 0)
	if err != nil {
		return 0, &DecodeError{Command: cmd, Raw: payload, Reason: err.Error()}
	}
	if v > 4095 {
		return 0, &DecodeError{Command: cmd, Raw: payload, Reason: "ADC count out of range"}
	}
	return v, nil
}

// EncodeCoupler renders a coupler payload
func EncodeCoupler(v int) string {
	return fmt.Sprintf(" %d", v)
}

var tunerFaultText = map[int]string{
	0: "",
	1: "no match",
	2: "power above design limit",
	3: "power above relay switch limit",
}

// TunerFaultText describes a tuner fault code
func TunerFaultText(code int) string {
	if text, ok := tunerFaultText[code]; ok {
		return text
	}
	return fmt.Sprintf("fault %d", code)
}

// DecodeTunerFault parses the FLT payload
func DecodeTunerFault(payload string) (int, error) {
	v, err := ParseFixed(payload, 1)
	if err != nil {
		return 0, &DecodeError{Command: TunerFault, Raw: payload, Reason: err.Error()}
	}
	return v, nil
}

func (m TunerModeValue) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *TunerModeValue) UnmarshalText(text []byte) error {
	v, err := ParseTunerMode(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}
