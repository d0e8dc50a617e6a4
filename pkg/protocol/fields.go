package protocol

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParseFixed parses a zero-padded unsigned integer field of exactly width
// digits. A width of 0 accepts any length.
func ParseFixed(field string, width int) (int, error) {
	field = strings.TrimSpace(field)
	if field == "" {
		return 0, fmt.Errorf("empty field")
	}
	if width > 0 && len(field) != width {
		return 0, fmt.Errorf("field %q: expected %d digits, got %d", field, width, len(field))
	}
	for _, r := range field {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("field %q: non-digit %q", field, r)
		}
	}
	v, err := strconv.Atoi(field)
	if err != nil {
		return 0, fmt.Errorf("field %q: %w", field, err)
	}
	return v, nil
}

// ParseScaled parses a fixed-width integer field transmitted as value*scale
func ParseScaled(field string, width int, scale float64) (float64, error) {
	v, err := ParseFixed(field, width)
	if err != nil {
		return 0, err
	}
	return float64(v) / scale, nil
}

// FormatFixed renders v as a zero-padded field of width digits
func FormatFixed(v, width int) (string, error) {
	if v < 0 {
		return "", fmt.Errorf("value %d is negative", v)
	}
	s := fmt.Sprintf("%0*d", width, v)
	if len(s) > width {
		return "", fmt.Errorf("value %d does not fit in %d digits", v, width)
	}
	return s, nil
}

// FormatScaled is the inverse of ParseScaled
func FormatScaled(v float64, width int, scale float64) (string, error) {
	return FormatFixed(int(math.Round(v*scale)), width)
}

// ParseDecimal parses a free-width decimal field such as " 1.50"
func ParseDecimal(field string) (float64, error) {
	field = strings.TrimSpace(field)
	v, err := strconv.ParseFloat(field, 64)
	if err != nil {
		return 0, fmt.Errorf("field %q: %w", field, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("field %q: not a finite number", field)
	}
	return v, nil
}

// splitFixed cuts payload into fields of the given widths. The final width
// may be 0 meaning "the remainder".
func splitFixed(payload string, widths ...int) ([]string, error) {
	out := make([]string, 0, len(widths))
	rest := payload
	for i, w := range widths {
		if w == 0 && i == len(widths)-1 {
			if rest == "" {
				return nil, fmt.Errorf("payload %q too short", payload)
			}
			out = append(out, rest)
			rest = ""
			break
		}
		if len(rest) < w {
			return nil, fmt.Errorf("payload %q too short", payload)
		}
		out = append(out, rest[:w])
		rest = rest[w:]
	}
	if rest != "" {
		return nil, fmt.Errorf("payload %q has %d trailing characters", payload, len(rest))
	}
	return out, nil
}
