package hardware

import "github.com/elitegreg/ElecraftPowerComboCLI/pkg/logging"

// StationConfig describes the attached devices. A nil device config means
// the device is not attached.
type StationConfig struct {
	Amplifier *AmplifierConfig
	Tuner     *TunerConfig

	// Simulate connects the configured devices to in-process simulators
	// instead of serial ports
	Simulate bool
}

// Station holds the drivers of the attached devices
type Station struct {
	Amplifier *Amplifier
	Tuner     *Tuner

	// Simulators, set in simulate mode only
	AmpSim   *MockAmplifier
	TunerSim *MockTuner
}

// NewStation creates drivers for the configured devices. Nothing is opened
// until the drivers are connected.
func NewStation(cfg StationConfig) *Station {
	s := &Station{}

	if cfg.Amplifier != nil {
		ampCfg := *cfg.Amplifier
		if cfg.Simulate {
			s.AmpSim = NewMockAmplifier()
			ampCfg.Factory = s.AmpSim.Factory()
			if ampCfg.Port == "" {
				ampCfg.Port = "sim:amplifier"
			}
		}
		s.Amplifier = NewAmplifier(ampCfg)
	}

	if cfg.Tuner != nil {
		tunerCfg := *cfg.Tuner
		if cfg.Simulate {
			s.TunerSim = NewMockTuner()
			tunerCfg.Factory = s.TunerSim.Factory()
			if tunerCfg.Port == "" {
				tunerCfg.Port = "sim:tuner"
			}
		}
		s.Tuner = NewTuner(tunerCfg)
	}

	return s
}

// Close disconnects the attached devices
func (s *Station) Close() {
	if s.Amplifier != nil {
		s.Amplifier.Disconnect()
	}
	if s.Tuner != nil {
		s.Tuner.Disconnect()
	}
	logging.Info("hardware", "station closed")
}
