package control

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/engine"
	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/logging"
	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/protocol"
	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/storage"
)

// EventSource serves the journal to the EVENTS command.
// *storage.EventStore satisfies it.
type EventSource interface {
	GetRecentEvents(limit int) ([]storage.Event, error)
}

// Server answers control commands on a Unix domain socket
type Server struct {
	socketPath string
	controller *engine.Controller
	events     EventSource
	version    string
	timeout    time.Duration
	log        *logging.ComponentLogger

	listener  net.Listener
	running   bool
	mutex     sync.RWMutex
	startTime time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	conns  map[net.Conn]struct{}
}

// NewServer creates a control server. events may be nil when the journal
// is disabled.
func NewServer(socketPath string, controller *engine.Controller, events EventSource, version string) *Server {
	return &Server{
		socketPath: socketPath,
		controller: controller,
		events:     events,
		version:    version,
		timeout:    30 * time.Second,
		log:        logging.For("control"),
		conns:      make(map[net.Conn]struct{}),
	}
}

// Start creates the socket and starts accepting connections
func (s *Server) Start(ctx context.Context) error {
	// Remove a stale socket file
	os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to create Unix socket: %w", err)
	}

	// readable/writable by owner and group
	if err := os.Chmod(s.socketPath, 0660); err != nil {
		s.log.Warnf("failed to set socket permissions: %v", err)
	}

	s.mutex.Lock()
	s.listener = listener
	s.running = true
	s.startTime = time.Now()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mutex.Unlock()

	s.log.Infof("control socket listening on %s", s.socketPath)

	s.wg.Add(1)
	go s.acceptConnections()
	return nil
}

// Stop closes the socket and every open connection, and waits for the
// handlers to return
func (s *Server) Stop() error {
	s.mutex.Lock()
	if !s.running {
		s.mutex.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	err := s.listener.Close()
	for conn := range s.conns {
		conn.Close()
	}
	s.mutex.Unlock()

	s.wg.Wait()
	os.Remove(s.socketPath)
	return err
}

func (s *Server) isRunning() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.running
}

// acceptConnections accepts and handles socket connections
func (s *Server) acceptConnections() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.isRunning() {
				return
			}
			s.log.Warnf("socket accept error: %v", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		s.mutex.Lock()
		if !s.running {
			s.mutex.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mutex.Unlock()

		go s.handleConnection(conn)
	}
}

// handleConnection handles a single socket connection
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mutex.Lock()
		delete(s.conns, conn)
		s.mutex.Unlock()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		cmd, err := ParseCommand(line)
		if err != nil {
			response := NewErrorResponse(fmt.Sprintf("parse error: %v", err))
			conn.Write([]byte(response.String() + "\n"))
			continue
		}

		response := s.handleCommand(cmd)
		if _, err := conn.Write([]byte(response.String() + "\n")); err != nil {
			return
		}

		// Close connection after QUIT command
		if cmd.Type == CmdQuit {
			return
		}
	}
}

// handleCommand processes a single command
func (s *Server) handleCommand(cmd *Command) *Response {
	s.mutex.RLock()
	base := s.ctx
	s.mutex.RUnlock()
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithTimeout(base, s.timeout)
	defer cancel()

	s.log.Debugf("command %s", cmd)

	switch cmd.Type {
	case CmdStatus:
		return s.handleStatus()

	case CmdPower:
		return s.handlePower(ctx, cmd)

	case CmdMode:
		mode, err := protocol.ParseOperatingMode(cmd.Args["mode"])
		if err != nil {
			return NewErrorResponse(err.Error())
		}
		return s.result(s.controller.SetAmpMode(ctx, mode))

	case CmdTune:
		return s.result(s.controller.Tune(ctx))

	case CmdTunerMode:
		mode, err := protocol.ParseTunerMode(cmd.Args["mode"])
		if err != nil {
			return NewErrorResponse(err.Error())
		}
		return s.result(s.controller.SetTunerMode(ctx, mode))

	case CmdAntenna:
		antenna, err := strconv.Atoi(cmd.Args["antenna"])
		if err != nil {
			return NewErrorResponse(fmt.Sprintf("invalid antenna %q", cmd.Args["antenna"]))
		}
		return s.result(s.controller.SetAntenna(ctx, antenna))

	case CmdBand:
		band, err := protocol.ParseBand(cmd.Args["band"])
		if err != nil {
			return NewErrorResponse(err.Error())
		}
		return s.result(s.controller.SetBand(ctx, band))

	case CmdClear:
		return s.result(s.controller.ClearFault(ctx, cmd.Args["device"]))

	case CmdConnect:
		return s.result(s.controller.ReconnectDevice(ctx, cmd.Args["device"]))

	case CmdInfo:
		info, err := s.controller.Info(ctx, cmd.Args["device"])
		if err != nil {
			return ErrorResponse(err)
		}
		return NewSuccessResponse(map[string]interface{}{
			"device": cmd.Args["device"],
			"info":   info,
		})

	case CmdEvents:
		return s.handleEvents(cmd)

	case CmdPing:
		return NewSuccessResponse(map[string]interface{}{
			"pong": time.Now().Unix(),
		})

	case CmdQuit:
		return NewSuccessResponse(map[string]interface{}{
			"message": "goodbye",
		})

	default:
		return NewErrorResponse(fmt.Sprintf("unknown command: %s", cmd.Type))
	}
}

// result answers an intent with the snapshot that followed it
func (s *Server) result(err error) *Response {
	if err != nil {
		return ErrorResponse(err)
	}
	return NewSuccessResponse(map[string]interface{}{
		"status": s.controller.Snapshot(),
	})
}

// handleStatus returns the current station snapshot
func (s *Server) handleStatus() *Response {
	s.mutex.RLock()
	started := s.startTime
	s.mutex.RUnlock()

	return NewSuccessResponse(map[string]interface{}{
		"status":  s.controller.Snapshot(),
		"uptime":  time.Since(started).Round(time.Second).String(),
		"version": s.version,
	})
}

func (s *Server) handlePower(ctx context.Context, cmd *Command) *Response {
	state := cmd.Args["state"]
	device := cmd.Args["device"]

	if device != "" && device != engine.DeviceCombo {
		if state == "toggle" {
			return NewErrorResponse("toggle applies to the whole station only")
		}
		return s.result(s.controller.SetDevicePower(ctx, device, state == "on"))
	}

	switch state {
	case "on":
		return s.result(s.controller.SetCombinedPower(ctx, true))
	case "off":
		return s.result(s.controller.SetCombinedPower(ctx, false))
	}
	return s.result(s.controller.PowerToggle(ctx))
}

// handleEvents returns the most recent journal entries
func (s *Server) handleEvents(cmd *Command) *Response {
	if s.events == nil {
		return NewErrorResponse("event journal is disabled")
	}

	limit := 20
	if v := cmd.Args["limit"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return NewErrorResponse(fmt.Sprintf("invalid limit %q", v))
		}
		limit = n
	}

	events, err := s.events.GetRecentEvents(limit)
	if err != nil {
		return ErrorResponse(err)
	}
	return NewSuccessResponse(map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}
