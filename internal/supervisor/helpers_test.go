package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/invizible/moduled/internal/config"
	"github.com/invizible/moduled/internal/module"
	"github.com/invizible/moduled/internal/process"
)

type fakeHandle struct {
	name      string
	pid       int
	alive     atomic.Bool
	stubborn  bool // ignores graceful termination
	immortal  bool // ignores every termination
	terminate atomic.Int32
}

func newFakeHandle(m module.Module, pid int) *fakeHandle {
	h := &fakeHandle{name: process.HandleName(m), pid: pid}
	h.alive.Store(true)
	return h
}

func (h *fakeHandle) Name() string { return h.name }
func (h *fakeHandle) PID() int     { return h.pid }
func (h *fakeHandle) Alive() bool  { return h.alive.Load() }
func (h *fakeHandle) kill()        { h.alive.Store(false) }

func (h *fakeHandle) Terminate(force bool) error {
	h.terminate.Add(1)
	if h.immortal {
		return nil
	}
	if force || !h.stubborn {
		h.alive.Store(false)
	}
	return nil
}

type fakeLauncher struct {
	mu       sync.Mutex
	starts   map[module.Module]int
	handles  []*fakeHandle
	attached map[module.Module]process.Handle
	err      error
	deadOnce bool // next handle dies right after spawn
	onStart  func(m module.Module)
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{
		starts:   make(map[module.Module]int),
		attached: make(map[module.Module]process.Handle),
	}
}

func (l *fakeLauncher) Start(ctx context.Context, m module.Module) (process.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.onStart != nil {
		l.onStart(m)
	}
	if l.err != nil {
		return nil, l.err
	}
	l.starts[m]++
	h := newFakeHandle(m, 1000+len(l.handles))
	if l.deadOnce {
		l.deadOnce = false
		h.kill()
	}
	l.handles = append(l.handles, h)
	return h, nil
}

func (l *fakeLauncher) Attach(m module.Module) process.Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	h := l.attached[m]
	delete(l.attached, m)
	return h
}

func (l *fakeLauncher) count(m module.Module) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.starts[m]
}

func (l *fakeLauncher) last() *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.handles) == 0 {
		return nil
	}
	return l.handles[len(l.handles)-1]
}

type fakeProber struct {
	mu   sync.Mutex
	busy map[int]bool
}

func (p *fakeProber) IsAvailable(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.busy[port]
}

func (p *fakeProber) set(port int, busy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.busy == nil {
		p.busy = make(map[int]bool)
	}
	p.busy[port] = busy
}

type recordingNotifier struct {
	mu      sync.Mutex
	died    []module.Module
	changed int
	notices []string
}

func (n *recordingNotifier) ModuleDied(m module.Module) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.died = append(n.died, m)
}

func (n *recordingNotifier) StatusChanged() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changed++
}

func (n *recordingNotifier) Notice(m module.Module, msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, msg)
}

func (n *recordingNotifier) deaths() []module.Module {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]module.Module(nil), n.died...)
}

func (n *recordingNotifier) noticeList() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.notices...)
}

type fakeBinder struct {
	calls atomic.Int32
	err   error
}

func (b *fakeBinder) Prepare(ctx context.Context) error {
	b.calls.Add(1)
	return b.err
}

type nopSubmitter struct{}

func (nopSubmitter) Submit([]string) {}

// transitions records every state change of one module.
type transitions struct {
	mu     sync.Mutex
	states []module.State
}

func (tr *transitions) observe(m module.Module) module.TransitionFunc {
	return func(got module.Module, from, to module.State) {
		if got != m {
			return
		}
		tr.mu.Lock()
		defer tr.mu.Unlock()
		tr.states = append(tr.states, to)
	}
}

func (tr *transitions) list() []module.State {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]module.State(nil), tr.states...)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.WatchdogInterval = 20 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond

	for i, m := range module.All() {
		mc := cfg.Module(m)
		mc.Ports = []int{20000 + i}
		mc.StartDelay = 20 * time.Millisecond
		mc.ClearDelay = 20 * time.Millisecond
		mc.RestartDelay = 20 * time.Millisecond
		mc.KillTimeout = 100 * time.Millisecond
		mc.ClearTimeout = 100 * time.Millisecond
		mc.DNSProbe.Enabled = false
	}
	return cfg
}

type harness struct {
	cfg      *config.Config
	store    *module.Store
	launcher *fakeLauncher
	prober   *fakeProber
	term     *process.Terminator
	notifier *recordingNotifier
	binder   *fakeBinder
	sup      *Supervisor
}

func newHarness(t *testing.T, mode module.ExecutionMode) *harness {
	t.Helper()
	h := &harness{
		cfg:      testConfig(t),
		store:    module.NewStore(mode, false),
		launcher: newFakeLauncher(),
		prober:   &fakeProber{},
		notifier: &recordingNotifier{},
		binder:   &fakeBinder{},
	}
	h.term = process.NewTerminator(h.cfg, h.store, h.prober, nopSubmitter{})
	h.term.Occupants = func(ports []int) ([]int, error) { return nil, nil }
	h.term.Kill = func(pid int) error { return errors.New("unexpected kill") }

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h.sup = New(ctx, Options{
		Config:     h.cfg,
		Store:      h.store,
		Launcher:   h.launcher,
		Terminator: h.term,
		Prober:     h.prober,
		Notifier:   h.notifier,
		Binder:     h.binder,
	})
	return h
}
