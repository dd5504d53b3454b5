//go:build linux

package supervisor

import (
	"context"
	"net"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/invizible/moduled/internal/config"
	"github.com/invizible/moduled/internal/module"
	"github.com/invizible/moduled/internal/portprobe"
	"github.com/invizible/moduled/internal/process"
	"github.com/invizible/moduled/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type liveStack struct {
	cfg      *config.Config
	store    *module.Store
	notifier *recordingNotifier
	sup      *Supervisor
	watchdog *Watchdog
}

func newLiveStack(t *testing.T, m module.Module, script string) *liveStack {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.WatchdogInterval = 50 * time.Millisecond
	cfg.PollInterval = 10 * time.Millisecond

	mc := cfg.Module(m)
	mc.Binary = testutil.WriteScript(t, cfg.DataDir, m.String()+".sh", script)
	mc.Ports = []int{testutil.FreePort(t)}
	mc.StartDelay = 150 * time.Millisecond
	mc.ClearDelay = 100 * time.Millisecond
	mc.RestartDelay = 50 * time.Millisecond
	mc.KillTimeout = time.Second
	mc.ClearTimeout = 2 * time.Second
	mc.DNSProbe.Enabled = false

	store := module.NewStore(module.Supervised, false)
	prober := portprobe.System{}
	s := &liveStack{cfg: cfg, store: store, notifier: &recordingNotifier{}}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		_ = s.sup.StopAll(context.Background())
		cancel()
	})

	s.sup = New(ctx, Options{
		Config:     cfg,
		Store:      store,
		Launcher:   process.NewLauncher(cfg, store, nopSubmitter{}, prober),
		Terminator: process.NewTerminator(cfg, store, prober, nopSubmitter{}),
		Prober:     prober,
		Notifier:   s.notifier,
	})
	s.watchdog = NewWatchdog(s.sup)
	go s.watchdog.Run(ctx)
	return s
}

func TestEndToEnd_ResolverDeathAndRestart(t *testing.T) {
	s := newLiveStack(t, module.Resolver, "echo 'Server with the lowest initial latency: test'\nexec sleep 60")
	tr := &transitions{}
	s.store.OnTransition(tr.observe(module.Resolver))

	require.NoError(t, s.sup.Start(context.Background(), module.Resolver))
	assert.Equal(t, []module.State{module.Starting, module.Running}, tr.list())

	pid := s.sup.PID(module.Resolver)
	require.Greater(t, pid, 0)
	require.NoError(t, unix.Kill(pid, unix.SIGKILL))

	assert.Eventually(t, func() bool {
		return s.sup.Get(module.Resolver) == module.Stopped
	}, time.Second, 10*time.Millisecond)
	time.Sleep(3 * s.cfg.WatchdogInterval)
	assert.Equal(t, []module.Module{module.Resolver}, s.notifier.deaths())

	require.NoError(t, s.sup.Start(context.Background(), module.Resolver))
	assert.Equal(t, module.Running, s.sup.Get(module.Resolver))
	assert.NotEqual(t, pid, s.sup.PID(module.Resolver))
	assert.Len(t, s.notifier.deaths(), 1)
}

func TestEndToEnd_AnonymizerPortOccupied(t *testing.T) {
	if _, err := os.Stat("/proc/net/tcp"); err != nil {
		t.Skip("procfs not available")
	}
	s := newLiveStack(t, module.Anonymizer, "echo 'Bootstrapped 100% (done): Done'\nexec sleep 60")
	port := s.cfg.Module(module.Anonymizer).Ports[0]

	// An unrelated process holds the port.
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{Port: port})
	require.NoError(t, err)
	f, err := ln.File()
	require.NoError(t, err)
	_ = ln.Close()

	occupant := exec.Command("sleep", "60")
	occupant.ExtraFiles = []*os.File{f}
	require.NoError(t, occupant.Start())
	_ = f.Close()
	exited := make(chan struct{})
	go func() {
		_ = occupant.Wait()
		close(exited)
	}()
	t.Cleanup(func() { _ = occupant.Process.Kill() })
	require.False(t, portprobe.IsAvailable(port))

	tr := &transitions{}
	s.store.OnTransition(tr.observe(module.Anonymizer))

	require.NoError(t, s.sup.Start(context.Background(), module.Anonymizer))

	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("occupant not killed")
	}
	assert.Equal(t, module.Running, s.sup.Get(module.Anonymizer))
	assert.Equal(t, []module.State{module.Starting, module.Restarting, module.Starting, module.Running}, tr.list())
	assert.True(t, portprobe.IsAvailable(port))
}
