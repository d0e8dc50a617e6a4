package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/config"
	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/logging"
	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/verbose"
)

var (
	configPath    = flag.String("config", "config.yaml", "Configuration file path (empty for defaults)")
	version       = flag.Bool("version", false, "Show version information")
	verboseFlag   = flag.Bool("verbose", false, "Trace serial traffic")
	ampPort       = flag.String("amp-port", "", "KPA500 serial port (overrides config)")
	tunerPort     = flag.String("tuner-port", "", "KAT500 serial port (overrides config)")
	baudRate      = flag.Int("baud", 0, "Serial baud rate (overrides config)")
	ampInterval   = flag.Int("amp-interval", 0, "Amplifier poll interval in ms (overrides config)")
	tunerInterval = flag.Int("tuner-interval", 0, "Tuner background poll interval in ms (overrides config)")
	simulate      = flag.Bool("simulate", false, "Use simulated devices instead of serial ports")
)

const (
	Version = "0.1.0-dev"
	Build   = "development"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("epccd version %s (%s)\n", Version, Build)
		os.Exit(0)
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
		cfg = loaded
	}
	applyFlags(cfg)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize logging system before any component logger is created
	if err := logging.InitGlobalLogger(cfg); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logging.CloseGlobalLogger()
	verbose.SetEnabled(*verboseFlag)

	logging.Info("main", fmt.Sprintf("epccd version %s starting...", Version))
	logging.Info("main", fmt.Sprintf("Amplifier: %s", describePort(cfg.HasAmplifier(), cfg.Amplifier.Port, cfg.Simulate)))
	logging.Info("main", fmt.Sprintf("Tuner: %s", describePort(cfg.HasTuner(), cfg.Tuner.Port, cfg.Simulate)))
	logging.Info("main", fmt.Sprintf("Web interface: http://%s:%d", cfg.Web.BindAddress, cfg.Web.Port))

	daemon, err := NewDaemon(cfg)
	if err != nil {
		logging.Error("main", fmt.Sprintf("Failed to create daemon: %v", err))
		os.Exit(1)
	}

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := daemon.Start(); err != nil {
		logging.Error("main", fmt.Sprintf("Failed to start daemon: %v", err))
		os.Exit(1)
	}

	logging.Info("main", "epccd started successfully")

	<-sigChan
	logging.Info("main", "Shutting down...")

	if err := daemon.Stop(); err != nil {
		logging.Error("main", fmt.Sprintf("Error during shutdown: %v", err))
	}

	logging.Info("main", "epccd stopped")
}

// applyFlags lets command line flags override the configuration file
func applyFlags(cfg *config.Config) {
	if *ampPort != "" {
		cfg.Amplifier.Port = *ampPort
	}
	if *tunerPort != "" {
		cfg.Tuner.Port = *tunerPort
	}
	if *baudRate > 0 {
		cfg.Serial.BaudRate = *baudRate
	}
	if *ampInterval > 0 {
		cfg.Amplifier.PollInterval = *ampInterval
	}
	if *tunerInterval > 0 {
		cfg.Tuner.BackgroundInterval = *tunerInterval
	}
	if *simulate {
		cfg.Simulate = true
	}
}

func describePort(configured bool, port string, simulated bool) string {
	switch {
	case !configured:
		return "not configured"
	case simulated:
		return "simulated"
	}
	return port
}
