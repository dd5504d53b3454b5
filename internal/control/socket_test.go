package control

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/invizible/moduled/internal/module"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeController struct {
	mu        sync.Mutex
	calls     []string
	states    map[module.Module]module.State
	pids      map[module.Module]int
	mode      module.ExecutionMode
	tunneling bool
}

func newFakeController() *fakeController {
	return &fakeController{
		states: map[module.Module]module.State{
			module.Resolver:   module.Running,
			module.Anonymizer: module.Stopped,
			module.Router:     module.Starting,
		},
		pids: map[module.Module]int{module.Resolver: 4242},
	}
}

func (f *fakeController) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeController) RequestStart(m module.Module)   { f.record("start " + m.String()) }
func (f *fakeController) RequestStop(m module.Module)    { f.record("stop " + m.String()) }
func (f *fakeController) RequestRestart(m module.Module) { f.record("restart " + m.String()) }
func (f *fakeController) RequestRecover()                { f.record("recover") }
func (f *fakeController) RequestFullStop()               { f.record("full stop") }

func (f *fakeController) Snapshot() map[module.Module]module.State { return f.states }
func (f *fakeController) PID(m module.Module) int                  { return f.pids[m] }
func (f *fakeController) Mode() module.ExecutionMode               { return f.mode }
func (f *fakeController) Tunneling() bool                          { return f.tunneling }

func (f *fakeController) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func startServer(t *testing.T, ctrl Controller) (*Server, *Client) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "test.sock")

	server := NewServer(socketPath, ctrl)
	require.NoError(t, server.Start())
	t.Cleanup(func() { _ = server.Stop() })

	return server, NewClient(socketPath)
}

func TestServer_StartStop(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "test.sock")
	server := NewServer(socketPath, newFakeController())

	require.NoError(t, server.Start())

	info, err := os.Stat(socketPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	require.NoError(t, server.Stop())

	_, err = os.Stat(socketPath)
	assert.True(t, os.IsNotExist(err))
}

func TestServer_RemovesStaleSocket(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "test.sock")
	require.NoError(t, os.WriteFile(socketPath, []byte("stale"), 0600))

	server := NewServer(socketPath, newFakeController())
	require.NoError(t, server.Start())
	defer func() { _ = server.Stop() }()

	assert.Equal(t, socketPath, server.SocketPath())
}

func TestClient_ModuleCommands(t *testing.T) {
	ctrl := newFakeController()
	_, client := startServer(t, ctrl)

	require.NoError(t, client.Start(module.Resolver))
	require.NoError(t, client.Stop(module.Anonymizer))
	require.NoError(t, client.Restart(module.Router))
	require.NoError(t, client.Recover())
	require.NoError(t, client.StopAll())

	assert.Equal(t, []string{
		"start resolver",
		"stop anonymizer",
		"restart router",
		"recover",
		"full stop",
	}, ctrl.recorded())
}

func TestClient_Status(t *testing.T) {
	ctrl := newFakeController()
	ctrl.mode = module.Privileged
	ctrl.tunneling = true
	_, client := startServer(t, ctrl)

	status, err := client.Status()
	require.NoError(t, err)

	assert.Equal(t, "privileged", status.Mode)
	assert.True(t, status.Tunneling)
	require.Len(t, status.Modules, 3)
	assert.Equal(t, ModuleStatus{Module: module.Resolver, State: module.Running, PID: 4242}, status.Modules[0])
	assert.Equal(t, module.Stopped, status.Modules[1].State)
	assert.Equal(t, module.Starting, status.Modules[2].State)
}

func TestServer_UnknownModule(t *testing.T) {
	ctrl := newFakeController()
	_, client := startServer(t, ctrl)

	payload, _ := json.Marshal(ModuleRequest{Module: "vpn"})
	resp, err := client.Send(Request{Command: CmdStart, Payload: payload})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "vpn")
	assert.Empty(t, ctrl.recorded())
}

func TestServer_UnknownCommand(t *testing.T) {
	_, client := startServer(t, newFakeController())

	resp, err := client.Send(Request{Command: "filter.list"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "unknown command")
}

func TestServer_EchoesRequestID(t *testing.T) {
	_, client := startServer(t, newFakeController())

	resp, err := client.Send(Request{ID: "req-1", Command: CmdStatus})
	require.NoError(t, err)
	assert.Equal(t, "req-1", resp.ID)

	// Generated IDs round-trip too.
	resp, err = client.Send(Request{Command: CmdStatus})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.ID)
}

func TestServer_MalformedRequest(t *testing.T) {
	server, _ := startServer(t, newFakeController())

	conn, err := net.DialTimeout("unix", server.SocketPath(), time.Second)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	_, err = conn.Write([]byte("{not json\n"))
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.NewDecoder(conn).Decode(&resp))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "decode request")
}

func TestClient_NoDaemon(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "missing.sock"))
	_, err := client.Status()
	assert.Error(t, err)
}
