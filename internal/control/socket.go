// Package control provides a Unix socket server for CLI-to-daemon communication.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/invizible/moduled/internal/module"
	"github.com/rs/zerolog/log"
)

// DefaultSocketPath returns the default control socket path.
func DefaultSocketPath() string {
	return "/var/run/moduled.sock"
}

// Request types for control commands.
const (
	CmdStart   = "module.start"
	CmdStop    = "module.stop"
	CmdRestart = "module.restart"
	CmdRecover = "module.recover"
	CmdStopAll = "module.stop_all"
	CmdStatus  = "status"
)

// Timeouts for control socket operations.
const (
	// SocketDialTimeout is the timeout for connecting to the control socket.
	SocketDialTimeout = 5 * time.Second
	// SocketReadWriteTimeout is the timeout for reading/writing on the socket.
	SocketReadWriteTimeout = 5 * time.Second
)

// Request is a control command from the CLI.
type Request struct {
	ID      string          `json:"id,omitempty"`
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is a response to a control command.
type Response struct {
	ID      string          `json:"id,omitempty"`
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ModuleRequest is the payload of the per-module commands.
type ModuleRequest struct {
	Module string `json:"module"`
}

// ModuleStatus describes one module in a status response.
type ModuleStatus struct {
	Module module.Module `json:"module"`
	State  module.State  `json:"state"`
	PID    int           `json:"pid,omitempty"`
}

// StatusResponse is the response for the status command.
type StatusResponse struct {
	Mode      string         `json:"mode"`
	Tunneling bool           `json:"tunneling"`
	Modules   []ModuleStatus `json:"modules"`
}

// Controller is the part of the supervisor the socket exposes.
// Commands are asynchronous: the response only acknowledges the request.
type Controller interface {
	RequestStart(m module.Module)
	RequestStop(m module.Module)
	RequestRestart(m module.Module)
	RequestRecover()
	RequestFullStop()
	Snapshot() map[module.Module]module.State
	PID(m module.Module) int
	Mode() module.ExecutionMode
	Tunneling() bool
}

// Server is a Unix socket control server.
type Server struct {
	socketPath string
	ctrl       Controller
	listener   net.Listener
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewServer creates a new control server.
func NewServer(socketPath string, ctrl Controller) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath: socketPath,
		ctrl:       ctrl,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins listening on the control socket.
func (s *Server) Start() error {
	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	// Remove stale socket
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}

	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.listener = listener
	log.Info().Str("path", s.socketPath).Msg("control socket listening")

	go s.acceptLoop()
	return nil
}

// Stop closes the control server.
func (s *Server) Stop() error {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	_ = os.Remove(s.socketPath)
	return nil
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.socketPath
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				log.Error().Err(err).Msg("control socket accept error")
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(SocketReadWriteTimeout))

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.sendError(conn, fmt.Errorf("decode request: %w", err))
		return
	}

	resp := s.handleCommand(req)
	resp.ID = req.ID
	_ = json.NewEncoder(conn).Encode(resp)
}

func (s *Server) handleCommand(req Request) Response {
	switch req.Command {
	case CmdStatus:
		return s.handleStatus()
	case CmdRecover:
		log.Info().Str("request", req.ID).Msg("recover requested via control socket")
		s.ctrl.RequestRecover()
		return Response{Success: true}
	case CmdStopAll:
		log.Info().Str("request", req.ID).Msg("full stop requested via control socket")
		s.ctrl.RequestFullStop()
		return Response{Success: true}
	case CmdStart, CmdStop, CmdRestart:
		return s.handleModule(req)
	default:
		return Response{Success: false, Error: fmt.Sprintf("unknown command: %s", req.Command)}
	}
}

func (s *Server) handleModule(req Request) Response {
	var payload ModuleRequest
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return Response{Success: false, Error: fmt.Sprintf("invalid payload: %v", err)}
	}
	m, err := module.Parse(payload.Module)
	if err != nil {
		return Response{Success: false, Error: err.Error()}
	}

	switch req.Command {
	case CmdStart:
		s.ctrl.RequestStart(m)
	case CmdStop:
		s.ctrl.RequestStop(m)
	case CmdRestart:
		s.ctrl.RequestRestart(m)
	}

	log.Info().
		Str("request", req.ID).
		Str("command", req.Command).
		Str("module", m.String()).
		Msg("module command accepted via control socket")
	return Response{Success: true}
}

func (s *Server) handleStatus() Response {
	states := s.ctrl.Snapshot()
	resp := StatusResponse{
		Mode:      s.ctrl.Mode().String(),
		Tunneling: s.ctrl.Tunneling(),
		Modules:   make([]ModuleStatus, 0, len(states)),
	}
	for _, m := range module.All() {
		resp.Modules = append(resp.Modules, ModuleStatus{
			Module: m,
			State:  states[m],
			PID:    s.ctrl.PID(m),
		})
	}

	data, _ := json.Marshal(resp)
	return Response{Success: true, Data: data}
}

func (s *Server) sendError(conn net.Conn, err error) {
	resp := Response{Success: false, Error: err.Error()}
	_ = json.NewEncoder(conn).Encode(resp)
}

// Client is a control socket client for CLI commands.
type Client struct {
	socketPath string
}

// NewClient creates a new control client.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Send sends a request and returns the response. Requests without an ID get
// a fresh one, and the response must echo it.
func (c *Client) Send(req Request) (*Response, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	conn, err := net.DialTimeout("unix", c.socketPath, SocketDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect to control socket: %w", err)
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(SocketReadWriteTimeout))

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.ID != "" && resp.ID != req.ID {
		return nil, fmt.Errorf("response id %s does not match request %s", resp.ID, req.ID)
	}

	return &resp, nil
}

func (c *Client) call(command string, payload any) (*Response, error) {
	req := Request{Command: command}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		req.Payload = data
	}
	resp, err := c.Send(req)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, errors.New(resp.Error)
	}
	return resp, nil
}

// Start asks the daemon to start a module.
func (c *Client) Start(m module.Module) error {
	_, err := c.call(CmdStart, ModuleRequest{Module: m.String()})
	return err
}

// Stop asks the daemon to stop a module.
func (c *Client) Stop(m module.Module) error {
	_, err := c.call(CmdStop, ModuleRequest{Module: m.String()})
	return err
}

// Restart asks the daemon to restart a module.
func (c *Client) Restart(m module.Module) error {
	_, err := c.call(CmdRestart, ModuleRequest{Module: m.String()})
	return err
}

// Recover resets every module to stopped.
func (c *Client) Recover() error {
	_, err := c.call(CmdRecover, nil)
	return err
}

// StopAll stops every module and shuts the daemon's modules down.
func (c *Client) StopAll() error {
	_, err := c.call(CmdStopAll, nil)
	return err
}

// Status retrieves the state of every module.
func (c *Client) Status() (*StatusResponse, error) {
	resp, err := c.call(CmdStatus, nil)
	if err != nil {
		return nil, err
	}

	var result StatusResponse
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &result, nil
}
