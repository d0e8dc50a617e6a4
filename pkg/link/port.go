package link

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"

	"go.bug.st/serial"
)

// Port is the subset of serial.Port the link needs. Mocks and simulated
// devices implement it too.
type Port interface {
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	Close() error
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// PortFactory opens a port by path
type PortFactory func(path string, mode *serial.Mode) (Port, error)

// OpenSerial is the default factory and opens a real serial port
func OpenSerial(path string, mode *serial.Mode) (Port, error) {
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port: %w", err)
	}
	return port, nil
}

// Mode returns the 8N1 mode both Elecraft devices use
func Mode(baudRate int) *serial.Mode {
	return &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// ListPorts returns the serial ports likely to be a USB serial adapter
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	var devices []string
	for _, p := range ports {
		switch runtime.GOOS {
		case "linux":
			if !strings.HasPrefix(p, "/dev/ttyUSB") && !strings.HasPrefix(p, "/dev/ttyACM") {
				continue
			}
		case "darwin":
			if !strings.HasPrefix(p, "/dev/tty.usb") && !strings.HasPrefix(p, "/dev/cu.usb") {
				continue
			}
		}
		devices = append(devices, p)
	}
	sort.Strings(devices)
	return devices, nil
}
