package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFixed(t *testing.T) {
	t.Run("Strips Zero Padding", func(t *testing.T) {
		v, err := ParseFixed("05", 2)
		require.NoError(t, err)
		assert.Equal(t, 5, v)

		v, err = ParseFixed("045", 3)
		require.NoError(t, err)
		assert.Equal(t, 45, v)
	})

	t.Run("Wrong Width", func(t *testing.T) {
		_, err := ParseFixed("5", 2)
		assert.Error(t, err)
	})

	t.Run("Rejects Signs And Garbage", func(t *testing.T) {
		for _, in := range []string{"-1", "+1", "1a", "", "  "} {
			_, err := ParseFixed(in, 0)
			assert.Error(t, err, "input %q", in)
		}
	})
}

func TestFormatFixed(t *testing.T) {
	s, err := FormatFixed(7, 3)
	require.NoError(t, err)
	assert.Equal(t, "007", s)

	_, err = FormatFixed(1000, 3)
	assert.Error(t, err)

	_, err = FormatFixed(-1, 3)
	assert.Error(t, err)
}

func TestScaledRoundTrip(t *testing.T) {
	for _, v := range []float64{0, 1.0, 1.5, 12.3, 53.2, 99.9} {
		s, err := FormatScaled(v, 3, 10)
		require.NoError(t, err)
		got, err := ParseScaled(s, 3, 10)
		require.NoError(t, err)
		assert.InDelta(t, v, got, 1e-9, "value %v via %q", v, s)
	}
}

func TestAmplifierFieldRoundTrip(t *testing.T) {
	t.Run("Voltage And Current", func(t *testing.T) {
		in := VoltCurrent{Volts: 53.2, Amps: 12.0}
		payload, err := EncodeVoltCurrent(in)
		require.NoError(t, err)
		assert.Equal(t, "532 120", payload)

		out, err := DecodeVoltCurrent(payload)
		require.NoError(t, err)
		assert.InDelta(t, in.Volts, out.Volts, 1e-9)
		assert.InDelta(t, in.Amps, out.Amps, 1e-9)
	})

	t.Run("Power And SWR", func(t *testing.T) {
		in := PowerSWR{Watts: 500, SWR: 1.3}
		payload, err := EncodePowerSWR(in)
		require.NoError(t, err)
		assert.Equal(t, "500 013", payload)

		out, err := DecodePowerSWR(payload)
		require.NoError(t, err)
		assert.Equal(t, in.Watts, out.Watts)
		assert.InDelta(t, in.SWR, out.SWR, 1e-9)
	})

	t.Run("Band", func(t *testing.T) {
		for b := Band(0); b.Valid(); b++ {
			payload, err := EncodeBand(b)
			require.NoError(t, err)
			require.Len(t, payload, 2)
			got, err := DecodeBand(payload)
			require.NoError(t, err)
			assert.Equal(t, b, got)
		}
	})

	t.Run("Temperature And Fault", func(t *testing.T) {
		payload, err := EncodeTemperature(45)
		require.NoError(t, err)
		temp, err := DecodeTemperature(payload)
		require.NoError(t, err)
		assert.Equal(t, 45, temp)

		payload, err = EncodeAmpFault(4)
		require.NoError(t, err)
		code, err := DecodeAmpFault(payload)
		require.NoError(t, err)
		assert.Equal(t, 4, code)
	})
}

func TestUnspacedAmplifierForms(t *testing.T) {
	ps, err := DecodePowerSWR("035015")
	require.NoError(t, err)
	assert.Equal(t, 350, ps.Watts)
	assert.InDelta(t, 1.5, ps.SWR, 1e-9)

	vi, err := DecodeVoltCurrent("525120")
	require.NoError(t, err)
	assert.InDelta(t, 52.5, vi.Volts, 1e-9)
	assert.InDelta(t, 12.0, vi.Amps, 1e-9)
}

func TestMalformedAmplifierFields(t *testing.T) {
	var de *DecodeError

	_, err := DecodePowerSWR("12")
	assert.ErrorAs(t, err, &de)

	_, err = DecodeVoltCurrent("abc def")
	assert.ErrorAs(t, err, &de)

	_, err = DecodeBand("42")
	assert.ErrorAs(t, err, &de)

	_, err = DecodeOperatingMode("2")
	assert.ErrorAs(t, err, &de)
}

func TestParseDecimal(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{" 1.50", 1.5, false},
		{"2", 2, false},
		{"", 0, true},
		{"1.5x", 0, true},
		{"NaN", 0, true},
		{"nan", 0, true},
		{"Inf", 0, true},
		{"+Inf", 0, true},
		{"-Infinity", 0, true},
		{"1e400", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDecimal(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.InDelta(t, tt.want, got, 1e-9)
	}

	var de *DecodeError
	_, err := DecodeVSWR(TunerVSWR, " NaN")
	require.ErrorAs(t, err, &de)
	assert.Equal(t, TunerVSWR, de.Command)
}

func TestTunerFields(t *testing.T) {
	t.Run("VSWR Round Trip", func(t *testing.T) {
		got, err := DecodeVSWR(TunerVSWR, EncodeVSWR(1.75))
		require.NoError(t, err)
		assert.InDelta(t, 1.75, got, 1e-9)
	})

	t.Run("Coupler Range", func(t *testing.T) {
		v, err := DecodeCoupler(TunerForward, EncodeCoupler(2048))
		require.NoError(t, err)
		assert.Equal(t, 2048, v)

		_, err = DecodeCoupler(TunerForward, "5000")
		assert.Error(t, err)
	})

	t.Run("Antenna", func(t *testing.T) {
		for ant := 1; ant <= 3; ant++ {
			payload, err := EncodeAntenna(ant)
			require.NoError(t, err)
			got, err := DecodeAntenna(payload)
			require.NoError(t, err)
			assert.Equal(t, ant, got)
		}
		_, err := EncodeAntenna(4)
		assert.Error(t, err)
	})

	t.Run("Mode", func(t *testing.T) {
		for _, name := range []string{"auto", "manual", "bypass"} {
			m, err := ParseTunerMode(name)
			require.NoError(t, err)
			got, err := DecodeTunerMode(string(m))
			require.NoError(t, err)
			assert.Equal(t, name, got.String())
		}
		_, err := DecodeTunerMode("X")
		assert.Error(t, err)
	})
}

func TestParseBand(t *testing.T) {
	b, err := ParseBand("20m")
	require.NoError(t, err)
	assert.Equal(t, Band(5), b)

	b, err = ParseBand("10")
	require.NoError(t, err)
	assert.Equal(t, "6m", b.String())

	_, err = ParseBand("2m")
	assert.Error(t, err)
}

func TestFaultText(t *testing.T) {
	assert.Equal(t, "high SWR", AmpFaultText(4))
	assert.Equal(t, "no match", TunerFaultText(1))
	assert.Equal(t, "fault 42", AmpFaultText(42))
	assert.Empty(t, TunerFaultText(0))
}
