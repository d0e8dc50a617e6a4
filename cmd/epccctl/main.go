package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/client"
	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/engine"
)

var (
	socketPath = flag.String("socket", "/tmp/epccd.sock", "Unix socket path")
	command    = flag.String("cmd", "", "Command to send (e.g., 'STATUS', 'POWER:off', 'BAND:20m')")
	timeout    = flag.Duration("timeout", 30*time.Second, "Time to wait for the daemon's answer")
	raw        = flag.Bool("raw", false, "Print the JSON response instead of a summary")
)

func main() {
	flag.Parse()

	if *socketPath == "" {
		fmt.Fprintf(os.Stderr, "Socket path is required\n")
		os.Exit(1)
	}

	// If no command specified, show interactive help
	if *command == "" {
		if len(flag.Args()) > 0 {
			*command = strings.Join(flag.Args(), " ")
		} else {
			showHelp()
			return
		}
	}

	// Create socket client
	c := client.NewSocketClient(*socketPath)
	c.SetTimeout(*timeout)

	// Send command
	response, err := c.SendCommand(*command)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if !response.Success {
		fmt.Fprintf(os.Stderr, "Error (%s): %s\n", response.Code, response.Error)
		os.Exit(2)
	}

	if !*raw {
		var snap engine.Snapshot
		if err := client.DecodeField(response, "status", &snap); err == nil {
			printSnapshot(snap)
			return
		}
	}

	// Print response
	fmt.Printf("%s\n", response.String())
}

// printSnapshot renders a station snapshot for the terminal
func printSnapshot(s engine.Snapshot) {
	fmt.Printf("Station:   %s, power %s\n", s.Topology, s.Power)
	if s.ComboFault != "" {
		fmt.Printf("Combo:     FAULT %s\n", s.ComboFault)
	}

	if s.Amplifier.Configured {
		fmt.Printf("Amplifier: %s\n", s.Amplifier.Status)
		if r := s.Amplifier.Reading; r != nil && s.Amplifier.PowerOn {
			if r.Mode != nil {
				fmt.Printf("  mode     %s\n", *r.Mode)
			}
			if r.Band != nil {
				fmt.Printf("  band     %s\n", *r.Band)
			}
			if r.Watts != nil && r.SWR != nil {
				fmt.Printf("  output   %d W, SWR %.1f\n", *r.Watts, *r.SWR)
			}
			if r.Volts != nil && r.Amps != nil {
				fmt.Printf("  supply   %.1f V, %.1f A\n", *r.Volts, *r.Amps)
			}
			if r.TemperatureC != nil {
				fmt.Printf("  temp     %d C\n", *r.TemperatureC)
			}
		}
		if s.Amplifier.Fault.Active() {
			fmt.Printf("  FAULT    %s\n", s.Amplifier.Fault.Text)
		}
	}

	if s.Tuner.Configured {
		fmt.Printf("Tuner:     %s\n", s.Tuner.Status)
		if r := s.Tuner.Reading; r != nil && s.Tuner.PowerOn {
			if r.Mode != nil {
				fmt.Printf("  mode     %s\n", *r.Mode)
			}
			if r.Antenna != nil {
				fmt.Printf("  antenna  %d\n", *r.Antenna)
			}
			if r.VSWR != nil {
				fmt.Printf("  vswr     %.2f\n", *r.VSWR)
			}
		}
		if s.Tuning {
			fmt.Printf("  tuning...\n")
		}
		if s.Tuner.Fault.Active() {
			fmt.Printf("  FAULT    %s\n", s.Tuner.Fault.Text)
		}
	}
}

func showHelp() {
	fmt.Println("epccctl - Elecraft Power Combo Daemon Control Tool")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Printf("  %s [options] <command>\n", os.Args[0])
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -socket <path>    Unix socket path (default: /tmp/epccd.sock)")
	fmt.Println("  -cmd <command>    Command to send")
	fmt.Println("  -timeout <dur>    Time to wait for an answer (default: 30s)")
	fmt.Println("  -raw              Print the JSON response")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  STATUS                    Show station status")
	fmt.Println("  POWER                     Toggle combined power")
	fmt.Println("  POWER:on|off              Switch both devices")
	fmt.Println("  POWER:<device>:on|off     Switch one device (amplifier, tuner)")
	fmt.Println("  MODE:standby|operate      Set amplifier operating mode")
	fmt.Println("  BAND:<band>               Set amplifier band (e.g. 20m)")
	fmt.Println("  TUNE                      Standby the amplifier and run a full tune")
	fmt.Println("  TUNERMODE:auto|manual|bypass")
	fmt.Println("                            Set tuner mode")
	fmt.Println("  ANTENNA:1|2|3             Select tuner antenna")
	fmt.Println("  CLEAR:<device>            Clear amplifier, tuner or combo fault")
	fmt.Println("  CONNECT:<device>          Reconnect a device")
	fmt.Println("  INFO:<device>             Show serial number and firmware")
	fmt.Println("  EVENTS                    Show recent journal events")
	fmt.Println("  EVENTS:10                 Show last 10 events")
	fmt.Println("  PING                      Test connection")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Printf("  %s STATUS\n", os.Args[0])
	fmt.Printf("  %s POWER:tuner:on\n", os.Args[0])
	fmt.Printf("  %s BAND:40m\n", os.Args[0])
	fmt.Printf("  echo 'STATUS' | nc -U /tmp/epccd.sock\n")
}
