package command

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/netip"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/netcore/internal/core"
)

type fakeController struct {
	mu       sync.Mutex
	groups   map[string][]netip.Addr
	echoes   []EchoParams
	reloaded int
}

func newFakeController() *fakeController {
	return &fakeController{groups: map[string][]netip.Addr{"eth0": nil}}
}

func (f *fakeController) JoinGroup(_ context.Context, dev string, group netip.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.groups[dev]; !ok {
		return fmt.Errorf("device %s: %w", dev, core.ErrDeviceNotFound)
	}
	if !group.IsMulticast() {
		return fmt.Errorf("%w: %s is not multicast", core.ErrUnsupportedProto, group)
	}
	f.groups[dev] = append(f.groups[dev], group)
	return nil
}

func (f *fakeController) LeaveGroup(_ context.Context, dev string, group netip.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	gs := f.groups[dev]
	for i, g := range gs {
		if g == group {
			f.groups[dev] = append(gs[:i], gs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("not a member of %s", group)
}

func (f *fakeController) Groups(_ context.Context, dev string) ([]netip.Addr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gs, ok := f.groups[dev]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", dev, core.ErrDeviceNotFound)
	}
	return append([]netip.Addr(nil), gs...), nil
}

func (f *fakeController) SendEcho(_ context.Context, dev string, dst netip.Addr, id, seq uint16, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.echoes = append(f.echoes, EchoParams{Device: dev, Dst: dst, ID: id, Seq: seq, Data: string(data)})
	return nil
}

func (f *fakeController) sentEchoes() []EchoParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]EchoParams(nil), f.echoes...)
}

func (f *fakeController) reloads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reloaded
}

func (f *fakeController) Status() Status {
	return Status{Devices: []string{"eth0"}, Received: 3, Sent: 2}
}

func (f *fakeController) Reload() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloaded++
	return nil
}

func params(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestHandleGroupCommands(t *testing.T) {
	ctrl := newFakeController()
	h := NewCommandHandler(ctrl)
	ctx := context.Background()
	group := netip.MustParseAddr("239.1.1.1")

	resp := h.Handle(ctx, Command{ID: "1", Method: "group_join", Params: params(t, GroupParams{Device: "eth0", Group: group})})
	require.Nil(t, resp.Error)
	assert.Equal(t, "joined", resp.Result.(map[string]any)["status"])

	resp = h.Handle(ctx, Command{ID: "2", Method: "group_list", Params: params(t, GroupParams{Device: "eth0"})})
	require.Nil(t, resp.Error)
	assert.Equal(t, []string{"239.1.1.1"}, resp.Result.(map[string]any)["groups"])

	resp = h.Handle(ctx, Command{ID: "3", Method: "group_leave", Params: params(t, GroupParams{Device: "eth0", Group: group})})
	require.Nil(t, resp.Error)
	assert.Empty(t, ctrl.groups["eth0"])
}

func TestHandleErrors(t *testing.T) {
	h := NewCommandHandler(newFakeController())
	ctx := context.Background()

	tests := []struct {
		name string
		cmd  Command
		code int
	}{
		{"unknown method", Command{Method: "task_create"}, ErrCodeMethodNotFound},
		{"bad params", Command{Method: "group_join", Params: json.RawMessage(`{"group": 5}`)}, ErrCodeInvalidParams},
		{"missing group", Command{Method: "group_join", Params: json.RawMessage(`{"device": "eth0"}`)}, ErrCodeInvalidParams},
		{"unknown device", Command{Method: "group_join", Params: json.RawMessage(`{"device": "eth9", "group": "239.1.1.1"}`)}, ErrCodeInvalidParams},
		{"unicast group", Command{Method: "group_join", Params: json.RawMessage(`{"device": "eth0", "group": "10.0.0.1"}`)}, ErrCodeInvalidParams},
		{"not a member", Command{Method: "group_leave", Params: json.RawMessage(`{"device": "eth0", "group": "239.9.9.9"}`)}, ErrCodeInternalError},
		{"missing dst", Command{Method: "echo_send", Params: json.RawMessage(`{"device": "eth0"}`)}, ErrCodeInvalidParams},
		{"shutdown unsupported", Command{Method: "daemon_shutdown"}, ErrCodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.Handle(ctx, tt.cmd)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestUDSServerClient(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "netcore.sock")
	ctrl := newFakeController()
	handler := NewCommandHandler(ctrl)
	shutdown := make(chan struct{})
	handler.SetShutdownFunc(func() { close(shutdown) })
	server := NewUDSServer(socketPath, handler)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- server.Serve(ctx) }()

	client := NewUDSClient(socketPath, 5*time.Second)
	require.Eventually(t, func() bool {
		_, _, err := client.Status(context.Background())
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	group := netip.MustParseAddr("ff05::1:3")
	require.NoError(t, client.JoinGroup(ctx, "eth0", group))
	groups, err := client.Groups(ctx, "eth0")
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{group}, groups)

	err = client.JoinGroup(ctx, "eth9", group)
	var rpcErr *ErrorInfo
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, ErrCodeInvalidParams, rpcErr.Code)

	echo := EchoParams{Device: "eth0", Dst: netip.MustParseAddr("10.0.0.1"), ID: 9, Seq: 1, Data: "hi"}
	require.NoError(t, client.SendEcho(ctx, echo))
	assert.Equal(t, []EchoParams{echo}, ctrl.sentEchoes())

	st, _, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), st.Received)
	assert.Equal(t, []string{"eth0"}, st.Devices)

	require.NoError(t, client.Reload(ctx))
	assert.Equal(t, 1, ctrl.reloads())

	require.NoError(t, client.Shutdown(ctx))
	select {
	case <-shutdown:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown func not called")
	}

	cancel()
	require.NoError(t, <-errc)
	assert.NoFileExists(t, socketPath)
}

func TestUDSServerRejectsGarbage(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "netcore.sock")
	server := NewUDSServer(socketPath, NewCommandHandler(newFakeController()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx)

	var conn net.Conn
	require.Eventually(t, func() bool {
		var err error
		conn, err = net.Dial("unix", socketPath)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	defer conn.Close()

	_, err := conn.Write([]byte("not json\n{\"jsonrpc\":\"2.0\",\"id\":1}\n"))
	require.NoError(t, err)

	dec := json.NewDecoder(conn)
	var resp JSONRPCResponse
	require.NoError(t, dec.Decode(&resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeParseError, resp.Error.Code)

	require.NoError(t, dec.Decode(&resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidRequest, resp.Error.Code)
}
