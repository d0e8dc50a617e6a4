package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Config represents the epccd configuration. All durations are in
// milliseconds.
type Config struct {
	Amplifier struct {
		// Serial device of the KPA500, empty when no amplifier is attached
		Port string `yaml:"port"`

		PollInterval   int `yaml:"poll_interval"`
		CommandTimeout int `yaml:"command_timeout"`
		ProbeTimeout   int `yaml:"probe_timeout"`

		// Bootloader wake
		WakeInterval  int  `yaml:"wake_interval"`
		WakeAttempts  int  `yaml:"wake_attempts"`
		WakeOnConnect bool `yaml:"wake_on_connect"`

		// Set commands are confirmed by reading the value back
		RetryCount    int `yaml:"retry_count"`
		RetryInterval int `yaml:"retry_interval"`
	} `yaml:"amplifier"`

	Tuner struct {
		// Serial device of the KAT500, empty when no tuner is attached
		Port string `yaml:"port"`

		BackgroundInterval int `yaml:"background_interval"`
		CommandTimeout     int `yaml:"command_timeout"`

		// Sleep handling
		WakePreamble  int  `yaml:"wake_preamble"`
		WakeSettle    int  `yaml:"wake_settle"`
		RetryInterval int  `yaml:"retry_interval"`
		EnableSleep   bool `yaml:"enable_sleep"`
	} `yaml:"tuner"`

	Serial struct {
		BaudRate int `yaml:"baud_rate"`
	} `yaml:"serial"`

	Combo struct {
		TuneStandbyTimeout int  `yaml:"tune_standby_timeout"`
		SettlePeriod       int  `yaml:"settle_period"`
		SyncOnStartup      bool `yaml:"sync_on_startup"`
	} `yaml:"combo"`

	Web struct {
		Port        int    `yaml:"port"`
		BindAddress string `yaml:"bind_address"`
	} `yaml:"web"`

	API struct {
		// Control socket used by epccctl
		UnixSocket string `yaml:"unix_socket"`
	} `yaml:"api"`

	Storage struct {
		Enabled      bool   `yaml:"enabled"`
		DatabasePath string `yaml:"database_path"`
		MaxEvents    int    `yaml:"max_events"`
	} `yaml:"storage"`

	Logging struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		Console    bool   `yaml:"console"`
		Structured bool   `yaml:"structured"`
		MaxSize    int    `yaml:"max_size"`    // megabytes
		MaxBackups int    `yaml:"max_backups"` // number of backups
		MaxAge     int    `yaml:"max_age"`     // days
		Compress   bool   `yaml:"compress"`
	} `yaml:"logging"`

	// Simulate replaces both serial devices with in-process simulators
	Simulate bool `yaml:"simulate"`
}

// Millis converts a millisecond config value to a time.Duration
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// DefaultConfig returns a configuration with every default applied and no
// devices configured
func DefaultConfig() *Config {
	var config Config
	config.Amplifier.WakeOnConnect = true
	config.Tuner.EnableSleep = true
	config.Combo.SyncOnStartup = true
	config.Logging.Console = true
	applyDefaults(&config)
	return &config
}

// LoadConfig loads configuration from a YAML file. Keys missing from the
// file keep their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(config)
	return config, nil
}

// applyDefaults fills zero numeric and string fields
func applyDefaults(config *Config) {
	if config.Amplifier.PollInterval == 0 {
		config.Amplifier.PollInterval = 250
	}
	if config.Amplifier.CommandTimeout == 0 {
		config.Amplifier.CommandTimeout = 500
	}
	if config.Amplifier.ProbeTimeout == 0 {
		config.Amplifier.ProbeTimeout = 500
	}
	if config.Amplifier.WakeInterval == 0 {
		config.Amplifier.WakeInterval = 250
	}
	if config.Amplifier.WakeAttempts == 0 {
		config.Amplifier.WakeAttempts = 12
	}
	if config.Amplifier.RetryCount == 0 {
		config.Amplifier.RetryCount = 3
	}
	if config.Amplifier.RetryInterval == 0 {
		config.Amplifier.RetryInterval = 100
	}

	if config.Tuner.BackgroundInterval == 0 {
		config.Tuner.BackgroundInterval = 30000
	}
	if config.Tuner.CommandTimeout == 0 {
		config.Tuner.CommandTimeout = 200
	}
	if config.Tuner.WakePreamble == 0 {
		config.Tuner.WakePreamble = 2
	}
	if config.Tuner.WakeSettle == 0 {
		config.Tuner.WakeSettle = 50
	}
	if config.Tuner.RetryInterval == 0 {
		config.Tuner.RetryInterval = 100
	}

	if config.Serial.BaudRate == 0 {
		config.Serial.BaudRate = 38400
	}

	if config.Combo.TuneStandbyTimeout == 0 {
		config.Combo.TuneStandbyTimeout = 3000
	}
	if config.Combo.SettlePeriod == 0 {
		config.Combo.SettlePeriod = 5000
	}

	if config.Web.Port == 0 {
		config.Web.Port = 8080
	}
	if config.Web.BindAddress == "" {
		config.Web.BindAddress = "0.0.0.0"
	}

	if config.API.UnixSocket == "" {
		config.API.UnixSocket = "/tmp/epccd.sock"
	}

	if config.Storage.DatabasePath == "" {
		config.Storage.DatabasePath = "epccd.db"
	}
	if config.Storage.MaxEvents == 0 {
		config.Storage.MaxEvents = 10000
	}

	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.MaxSize == 0 {
		config.Logging.MaxSize = 10
	}
	if config.Logging.MaxBackups == 0 {
		config.Logging.MaxBackups = 3
	}
	if config.Logging.MaxAge == 0 {
		config.Logging.MaxAge = 28
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Amplifier.Port != "" && c.Amplifier.Port == c.Tuner.Port {
		return fmt.Errorf("amplifier and tuner cannot share port %s", c.Amplifier.Port)
	}
	if c.Serial.BaudRate <= 0 {
		return fmt.Errorf("serial baud rate must be positive, got %d", c.Serial.BaudRate)
	}

	positive := []struct {
		name  string
		value int
	}{
		{"amplifier.poll_interval", c.Amplifier.PollInterval},
		{"amplifier.command_timeout", c.Amplifier.CommandTimeout},
		{"amplifier.probe_timeout", c.Amplifier.ProbeTimeout},
		{"amplifier.wake_interval", c.Amplifier.WakeInterval},
		{"amplifier.wake_attempts", c.Amplifier.WakeAttempts},
		{"amplifier.retry_count", c.Amplifier.RetryCount},
		{"amplifier.retry_interval", c.Amplifier.RetryInterval},
		{"tuner.background_interval", c.Tuner.BackgroundInterval},
		{"tuner.command_timeout", c.Tuner.CommandTimeout},
		{"tuner.wake_preamble", c.Tuner.WakePreamble},
		{"tuner.wake_settle", c.Tuner.WakeSettle},
		{"tuner.retry_interval", c.Tuner.RetryInterval},
		{"combo.tune_standby_timeout", c.Combo.TuneStandbyTimeout},
		{"combo.settle_period", c.Combo.SettlePeriod},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", p.name, p.value)
		}
	}

	if c.Tuner.BackgroundInterval < c.Amplifier.PollInterval {
		return fmt.Errorf("tuner.background_interval (%d) must not be shorter than amplifier.poll_interval (%d)",
			c.Tuner.BackgroundInterval, c.Amplifier.PollInterval)
	}
	if c.Web.Port < 1 || c.Web.Port > 65535 {
		return fmt.Errorf("web port %d out of range", c.Web.Port)
	}
	if c.Storage.Enabled && c.Storage.DatabasePath == "" {
		return fmt.Errorf("storage database path is required when storage is enabled")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown logging level %q", c.Logging.Level)
	}
	return nil
}

// HasAmplifier reports whether an amplifier is configured, either on a
// serial port or simulated
func (c *Config) HasAmplifier() bool {
	return c.Amplifier.Port != "" || c.Simulate
}

// HasTuner reports whether a tuner is configured, either on a serial port
// or simulated
func (c *Config) HasTuner() bool {
	return c.Tuner.Port != "" || c.Simulate
}
