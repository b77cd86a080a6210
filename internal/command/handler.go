// Package command implements the control plane: a JSON-RPC 2.0 channel over
// a Unix domain socket that changes group membership and sends echo requests
// on a running stack.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"firestige.xyz/netcore/internal/core"
)

// Controller is the running stack as seen by the control plane. Every call
// may block until the stack's loop has executed it.
type Controller interface {
	JoinGroup(ctx context.Context, device string, group netip.Addr) error
	LeaveGroup(ctx context.Context, device string, group netip.Addr) error
	Groups(ctx context.Context, device string) ([]netip.Addr, error)
	SendEcho(ctx context.Context, device string, dst netip.Addr, id, seq uint16, data []byte) error
	Status() Status
	Reload() error
}

// Status is the daemon_status result.
type Status struct {
	Devices     []string `json:"devices"`
	Received    uint64   `json:"frames_received"`
	Sent        uint64   `json:"frames_sent"`
	SendErrors  uint64   `json:"send_errors"`
	TimersFired uint64   `json:"timers_fired"`
}

// CommandHandler handles control plane commands.
type CommandHandler struct {
	ctrl         Controller
	shutdownFunc func() // Called by daemon_shutdown to trigger graceful stop
	startTime    time.Time
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(ctrl Controller) *CommandHandler {
	return &CommandHandler{ctrl: ctrl, startTime: time.Now()}
}

// SetShutdownFunc sets the callback invoked by the daemon_shutdown command.
func (h *CommandHandler) SetShutdownFunc(fn func()) {
	h.shutdownFunc = fn
}

// Command represents a control plane command.
type Command struct {
	Method string          `json:"method"` // e.g., "group_join", "echo_send"
	Params json.RawMessage `json:"params"` // command-specific parameters
	ID     string          `json:"id"`     // request ID for tracking
}

// Response represents a command response.
type Response struct {
	ID     string     `json:"id"`               // matches request ID
	Result any        `json:"result,omitempty"` // success result
	Error  *ErrorInfo `json:"error,omitempty"`  // error info if failed
}

// ErrorInfo represents an error in the response.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorInfo) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

// Error codes
const (
	ErrCodeParseError     = -32700 // Invalid JSON
	ErrCodeInvalidRequest = -32600 // Invalid request object
	ErrCodeMethodNotFound = -32601 // Method not found
	ErrCodeInvalidParams  = -32602 // Invalid method parameters
	ErrCodeInternalError  = -32603 // Internal error
)

// GroupParams selects a group on a device. Group is unused by group_list.
type GroupParams struct {
	Device string     `json:"device"`
	Group  netip.Addr `json:"group"`
}

// EchoParams are the echo_send parameters.
type EchoParams struct {
	Device string     `json:"device"`
	Dst    netip.Addr `json:"dst"`
	ID     uint16     `json:"id"`
	Seq    uint16     `json:"seq"`
	Data   string     `json:"data"`
}

// Handle processes a command and returns a response.
func (h *CommandHandler) Handle(ctx context.Context, cmd Command) Response {
	slog.Info("handling command", "method", cmd.Method, "id", cmd.ID)

	switch cmd.Method {
	case "group_join":
		return h.handleGroup(ctx, cmd, h.ctrl.JoinGroup, "joined")
	case "group_leave":
		return h.handleGroup(ctx, cmd, h.ctrl.LeaveGroup, "left")
	case "group_list":
		return h.handleGroupList(ctx, cmd)
	case "echo_send":
		return h.handleEchoSend(ctx, cmd)
	case "config_reload":
		return h.handleConfigReload(cmd)
	case "daemon_status":
		return h.handleDaemonStatus(cmd)
	case "daemon_shutdown":
		return h.handleDaemonShutdown(cmd)
	default:
		return errorResponse(cmd.ID, ErrCodeMethodNotFound, fmt.Sprintf("method %q not found", cmd.Method))
	}
}

func (h *CommandHandler) handleGroup(ctx context.Context, cmd Command, op func(context.Context, string, netip.Addr) error, done string) Response {
	var params GroupParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return errorResponse(cmd.ID, ErrCodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
	}
	if !params.Group.IsValid() {
		return errorResponse(cmd.ID, ErrCodeInvalidParams, "group is required")
	}
	if err := op(ctx, params.Device, params.Group); err != nil {
		return failure(cmd.ID, err)
	}
	return Response{
		ID: cmd.ID,
		Result: map[string]any{
			"device": params.Device,
			"group":  params.Group.String(),
			"status": done,
		},
	}
}

func (h *CommandHandler) handleGroupList(ctx context.Context, cmd Command) Response {
	var params GroupParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return errorResponse(cmd.ID, ErrCodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
	}
	groups, err := h.ctrl.Groups(ctx, params.Device)
	if err != nil {
		return failure(cmd.ID, err)
	}
	names := make([]string, len(groups))
	for i, g := range groups {
		names[i] = g.String()
	}
	return Response{
		ID:     cmd.ID,
		Result: map[string]any{"device": params.Device, "groups": names},
	}
}

func (h *CommandHandler) handleEchoSend(ctx context.Context, cmd Command) Response {
	var params EchoParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return errorResponse(cmd.ID, ErrCodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
	}
	if !params.Dst.IsValid() {
		return errorResponse(cmd.ID, ErrCodeInvalidParams, "dst is required")
	}
	if err := h.ctrl.SendEcho(ctx, params.Device, params.Dst, params.ID, params.Seq, []byte(params.Data)); err != nil {
		return failure(cmd.ID, err)
	}
	return Response{
		ID: cmd.ID,
		Result: map[string]any{
			"device": params.Device,
			"dst":    params.Dst.String(),
			"status": "sent",
		},
	}
}

func (h *CommandHandler) handleConfigReload(cmd Command) Response {
	if err := h.ctrl.Reload(); err != nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, fmt.Sprintf("reload failed: %v", err))
	}
	return Response{ID: cmd.ID, Result: map[string]any{"status": "reloaded"}}
}

func (h *CommandHandler) handleDaemonStatus(cmd Command) Response {
	return Response{
		ID: cmd.ID,
		Result: map[string]any{
			"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
			"status":         h.ctrl.Status(),
		},
	}
}

func (h *CommandHandler) handleDaemonShutdown(cmd Command) Response {
	if h.shutdownFunc == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "shutdown not supported")
	}
	slog.Info("daemon_shutdown received")
	// Reply first, the caller's connection is closed during shutdown.
	go h.shutdownFunc()
	return Response{ID: cmd.ID, Result: map[string]any{"status": "shutting_down"}}
}

// failure maps a stack error to a response. Bad device names and addresses
// are the caller's fault.
func failure(id string, err error) Response {
	code := ErrCodeInternalError
	if errors.Is(err, core.ErrDeviceNotFound) ||
		errors.Is(err, core.ErrUnsupportedProto) ||
		errors.Is(err, core.ErrNoAddress) {
		code = ErrCodeInvalidParams
	}
	return errorResponse(id, code, err.Error())
}

func errorResponse(id string, code int, msg string) Response {
	return Response{ID: id, Error: &ErrorInfo{Code: code, Message: msg}}
}
