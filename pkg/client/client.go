package client

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/control"
	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/engine"
	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/storage"
)

// SocketClient represents a client connection to the epccd control socket
type SocketClient struct {
	socketPath string
	timeout    time.Duration
}

// NewSocketClient creates a new socket client
func NewSocketClient(socketPath string) *SocketClient {
	return &SocketClient{
		socketPath: socketPath,
		timeout:    30 * time.Second,
	}
}

// SetTimeout changes the per-command timeout. Power and tune commands
// wait for the devices to confirm, so keep it well above a few seconds.
func (c *SocketClient) SetTimeout(d time.Duration) {
	c.timeout = d
}

// SendCommand sends a command and returns the response
func (c *SocketClient) SendCommand(cmd string) (*control.Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to socket: %w", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(c.timeout))

	if _, err := conn.Write([]byte(cmd + "\n")); err != nil {
		return nil, fmt.Errorf("send error: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read error: %w", err)
		}
		return nil, fmt.Errorf("no response received")
	}

	var response control.Response
	if err := json.Unmarshal(scanner.Bytes(), &response); err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}

	return &response, nil
}

// CommandError is a failed response from the daemon
type CommandError struct {
	Command string
	Code    string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s failed (%s): %s", e.Command, e.Code, e.Message)
}

// do sends cmd and turns a failed response into a *CommandError
func (c *SocketClient) do(cmd string) (*control.Response, error) {
	resp, err := c.SendCommand(cmd)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, &CommandError{Command: cmd, Code: resp.Code, Message: resp.Error}
	}
	return resp, nil
}

// DecodeField converts one field of the response data into out
func DecodeField(resp *control.Response, key string, out interface{}) error {
	value, ok := resp.Data[key]
	if !ok {
		return fmt.Errorf("%s not found in response", key)
	}

	// Convert to JSON and back to parse properly
	data, _ := json.Marshal(value)
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", key, err)
	}
	return nil
}

// snapshotOf extracts the station snapshot that answers every intent
func (c *SocketClient) snapshotOf(cmd string) (*engine.Snapshot, error) {
	resp, err := c.do(cmd)
	if err != nil {
		return nil, err
	}
	var snap engine.Snapshot
	if err := DecodeField(resp, "status", &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// GetStatus gets the current station snapshot
func (c *SocketClient) GetStatus() (*engine.Snapshot, error) {
	return c.snapshotOf(control.CmdStatus)
}

// Power switches the station "on", "off" or "toggle"
func (c *SocketClient) Power(state string) (*engine.Snapshot, error) {
	return c.snapshotOf(fmt.Sprintf("%s:%s", control.CmdPower, state))
}

// DevicePower switches one device on or off
func (c *SocketClient) DevicePower(device, state string) (*engine.Snapshot, error) {
	return c.snapshotOf(fmt.Sprintf("%s:%s:%s", control.CmdPower, device, state))
}

// SetMode puts the amplifier in "standby" or "operate"
func (c *SocketClient) SetMode(mode string) (*engine.Snapshot, error) {
	return c.snapshotOf(fmt.Sprintf("%s:%s", control.CmdMode, mode))
}

// Tune starts a full tune
func (c *SocketClient) Tune() (*engine.Snapshot, error) {
	return c.snapshotOf(control.CmdTune)
}

// SetTunerMode selects "auto", "manual" or "bypass"
func (c *SocketClient) SetTunerMode(mode string) (*engine.Snapshot, error) {
	return c.snapshotOf(fmt.Sprintf("%s:%s", control.CmdTunerMode, mode))
}

// SetAntenna selects tuner antenna 1 to 3
func (c *SocketClient) SetAntenna(antenna int) (*engine.Snapshot, error) {
	return c.snapshotOf(fmt.Sprintf("%s:%d", control.CmdAntenna, antenna))
}

// SetBand selects the amplifier band, e.g. "20m"
func (c *SocketClient) SetBand(band string) (*engine.Snapshot, error) {
	return c.snapshotOf(fmt.Sprintf("%s:%s", control.CmdBand, band))
}

// ClearFault clears the fault of "amplifier", "tuner" or "combo"
func (c *SocketClient) ClearFault(device string) (*engine.Snapshot, error) {
	return c.snapshotOf(fmt.Sprintf("%s:%s", control.CmdClear, device))
}

// Reconnect drops and reopens the session of one device
func (c *SocketClient) Reconnect(device string) (*engine.Snapshot, error) {
	return c.snapshotOf(fmt.Sprintf("%s:%s", control.CmdConnect, device))
}

// GetEvents gets the most recent journal entries
func (c *SocketClient) GetEvents(limit int) ([]storage.Event, error) {
	cmd := control.CmdEvents
	if limit > 0 {
		cmd = fmt.Sprintf("%s:%d", control.CmdEvents, limit)
	}

	resp, err := c.do(cmd)
	if err != nil {
		return nil, err
	}

	var events []storage.Event
	if err := DecodeField(resp, "events", &events); err != nil {
		return nil, err
	}
	return events, nil
}

// Ping tests the connection
func (c *SocketClient) Ping() error {
	_, err := c.do(control.CmdPing)
	return err
}

// IsConnected tests if the daemon is reachable
func (c *SocketClient) IsConnected() bool {
	return c.Ping() == nil
}
