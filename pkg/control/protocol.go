package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/engine"
	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/hardware"
)

// Command is one line of the control socket protocol, TYPE or TYPE:arg
type Command struct {
	Type string            `json:"type"`
	Args map[string]string `json:"args,omitempty"`
}

// Response is the JSON line answering a command
type Response struct {
	Success bool                   `json:"success"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Error   string                 `json:"error,omitempty"`
	Code    string                 `json:"code,omitempty"`
}

// Protocol commands
const (
	CmdStatus    = "STATUS"
	CmdPower     = "POWER"
	CmdMode      = "MODE"
	CmdTune      = "TUNE"
	CmdTunerMode = "TUNERMODE"
	CmdAntenna   = "ANTENNA"
	CmdBand      = "BAND"
	CmdClear     = "CLEAR"
	CmdConnect   = "CONNECT"
	CmdInfo      = "INFO"
	CmdEvents    = "EVENTS"
	CmdPing      = "PING"
	CmdQuit      = "QUIT"
)

// Error codes carried in failed responses
const (
	CodePrerequisite  = "prerequisite_not_met"
	CodeNotConfigured = "not_configured"
	CodeUnresponsive  = "unresponsive"
	CodePartialPower  = "partial_power"
	CodeDeviceFault   = "device_fault"
	CodeBadRequest    = "bad_request"
	CodeError         = "error"
)

// argument name of each command that takes one
var argNames = map[string]string{
	CmdPower:     "state",
	CmdMode:      "mode",
	CmdTunerMode: "mode",
	CmdAntenna:   "antenna",
	CmdBand:      "band",
	CmdClear:     "device",
	CmdConnect:   "device",
	CmdInfo:      "device",
	CmdEvents:    "limit",
}

// commands that cannot run without their argument
var argRequired = map[string]bool{
	CmdMode:      true,
	CmdTunerMode: true,
	CmdAntenna:   true,
	CmdBand:      true,
	CmdClear:     true,
	CmdConnect:   true,
	CmdInfo:      true,
}

// ParseCommand parses a text command into a Command struct
func ParseCommand(text string) (*Command, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty command")
	}
	parts := strings.SplitN(text, ":", 2)

	cmd := &Command{
		Type: strings.ToUpper(strings.TrimSpace(parts[0])),
		Args: make(map[string]string),
	}

	arg := ""
	if len(parts) > 1 {
		arg = strings.ToLower(strings.TrimSpace(parts[1]))
	}

	switch cmd.Type {
	case CmdStatus, CmdTune, CmdPing, CmdQuit:
		return cmd, nil

	case CmdPower:
		// POWER toggles, POWER:on, POWER:off, POWER:tuner:off
		if arg == "" {
			arg = "toggle"
		}
		if device, state, ok := strings.Cut(arg, ":"); ok {
			cmd.Args["device"] = device
			arg = state
		}
		switch arg {
		case "on", "off", "toggle":
		default:
			return nil, fmt.Errorf("power state must be on, off or toggle, got %q", arg)
		}
		cmd.Args["state"] = arg
		return cmd, nil
	}

	name, known := argNames[cmd.Type]
	if !known {
		return nil, fmt.Errorf("unknown command: %s", cmd.Type)
	}
	if arg == "" {
		if argRequired[cmd.Type] {
			return nil, fmt.Errorf("%s requires an argument (%s:<%s>)", cmd.Type, cmd.Type, name)
		}
		return cmd, nil
	}
	cmd.Args[name] = arg
	return cmd, nil
}

// String renders the command back into its text form
func (c *Command) String() string {
	if c.Type == CmdPower {
		state := c.Args["state"]
		if device := c.Args["device"]; device != "" {
			return fmt.Sprintf("%s:%s:%s", c.Type, device, state)
		}
		return fmt.Sprintf("%s:%s", c.Type, state)
	}
	if name, ok := argNames[c.Type]; ok && c.Args[name] != "" {
		return fmt.Sprintf("%s:%s", c.Type, c.Args[name])
	}
	return c.Type
}

// String converts a Response to a JSON string
func (r *Response) String() string {
	data, _ := json.Marshal(r)
	return string(data)
}

// NewSuccessResponse creates a successful response
func NewSuccessResponse(data map[string]interface{}) *Response {
	return &Response{
		Success: true,
		Data:    data,
	}
}

// NewErrorResponse creates an error response
func NewErrorResponse(err string) *Response {
	return &Response{
		Success: false,
		Error:   err,
		Code:    CodeBadRequest,
	}
}

// ErrorResponse creates an error response coded by the kind of err
func ErrorResponse(err error) *Response {
	return &Response{
		Success: false,
		Error:   err.Error(),
		Code:    ErrorCode(err),
	}
}

// ErrorCode classifies an engine or driver error
func ErrorCode(err error) string {
	var fault *hardware.DeviceFaultError
	switch {
	case errors.Is(err, engine.ErrPrerequisiteNotMet):
		return CodePrerequisite
	case errors.Is(err, engine.ErrPartialPower):
		return CodePartialPower
	case errors.Is(err, engine.ErrNotConfigured):
		return CodeNotConfigured
	case errors.Is(err, hardware.ErrDeviceUnresponsive):
		return CodeUnresponsive
	case errors.As(err, &fault):
		return CodeDeviceFault
	}
	return CodeError
}
