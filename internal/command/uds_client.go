package command

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"
	"time"
)

// UDSClient is a JSON-RPC client over a Unix domain socket.
type UDSClient struct {
	socketPath string
	timeout    time.Duration
	nextID     atomic.Uint64
}

// NewUDSClient creates a new UDS client.
func NewUDSClient(socketPath string, timeout time.Duration) *UDSClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &UDSClient{socketPath: socketPath, timeout: timeout}
}

// Call sends one request and waits for its response. A JSON-RPC error is
// returned as *ErrorInfo.
func (c *UDSClient) Call(ctx context.Context, method string, params any, result any) error {
	var d net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	conn, err := d.DialContext(dialCtx, "unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("failed to connect to socket %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	conn.SetDeadline(deadline)

	var raw json.RawMessage
	if params != nil {
		if raw, err = json.Marshal(params); err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
	}
	reqID := fmt.Sprintf("req-%d", c.nextID.Add(1))
	req := JSONRPCRequest{JSONRPC: "2.0", Method: method, Params: raw, ID: reqID}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
		return fmt.Errorf("connection closed without response")
	}

	var resp struct {
		ID     any             `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  *ErrorInfo      `json:"error"`
	}
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if got := fmt.Sprintf("%v", resp.ID); got != reqID {
		return fmt.Errorf("response ID mismatch: expected %v, got %v", reqID, got)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("failed to decode result: %w", err)
		}
	}
	return nil
}

// JoinGroup asks the daemon to join group on device.
func (c *UDSClient) JoinGroup(ctx context.Context, device string, group netip.Addr) error {
	return c.Call(ctx, "group_join", GroupParams{Device: device, Group: group}, nil)
}

// LeaveGroup asks the daemon to leave group on device.
func (c *UDSClient) LeaveGroup(ctx context.Context, device string, group netip.Addr) error {
	return c.Call(ctx, "group_leave", GroupParams{Device: device, Group: group}, nil)
}

// Groups lists the groups joined on device.
func (c *UDSClient) Groups(ctx context.Context, device string) ([]netip.Addr, error) {
	var result struct {
		Groups []netip.Addr `json:"groups"`
	}
	if err := c.Call(ctx, "group_list", GroupParams{Device: device}, &result); err != nil {
		return nil, err
	}
	return result.Groups, nil
}

// SendEcho asks the daemon to send an echo request.
func (c *UDSClient) SendEcho(ctx context.Context, params EchoParams) error {
	return c.Call(ctx, "echo_send", params, nil)
}

// Status queries the daemon counters.
func (c *UDSClient) Status(ctx context.Context) (Status, time.Duration, error) {
	var result struct {
		Uptime int64  `json:"uptime_seconds"`
		Status Status `json:"status"`
	}
	if err := c.Call(ctx, "daemon_status", nil, &result); err != nil {
		return Status{}, 0, err
	}
	return result.Status, time.Duration(result.Uptime) * time.Second, nil
}

// Reload asks the daemon to reload its configuration.
func (c *UDSClient) Reload(ctx context.Context) error {
	return c.Call(ctx, "config_reload", nil, nil)
}

// Shutdown asks the daemon to stop.
func (c *UDSClient) Shutdown(ctx context.Context) error {
	return c.Call(ctx, "daemon_shutdown", nil, nil)
}
