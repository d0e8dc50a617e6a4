package hardware

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAmpReadingTransmitting(t *testing.T) {
	tests := []struct {
		name string
		r    AmpReading
		want bool
	}{
		{"Empty", AmpReading{}, false},
		{"Idle", AmpReading{PowerOn: ptr(true), SWR: ptr(1.0)}, false},
		{"Output", AmpReading{PowerOn: ptr(true), SWR: ptr(1.4)}, true},
		{"Off With Stale SWR", AmpReading{PowerOn: ptr(false), SWR: ptr(1.4)}, false},
		{"Unknown Power", AmpReading{SWR: ptr(1.4)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.r.Transmitting())
		})
	}
}
