package supervisor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/invizible/moduled/internal/config"
	"github.com/invizible/moduled/internal/module"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScanner(t *testing.T, m module.Module) (*logScanner, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "logs", m.String()+".log")
	return newLogScanner(path, config.DefaultModuleConfig(m), 0), path
}

func TestLogScanner_MissingLog(t *testing.T) {
	s, _ := newTestScanner(t, module.Router)

	sig, err := s.scan()
	require.NoError(t, err)
	assert.False(t, sig.success)
	assert.Empty(t, sig.errors)
}

func TestLogScanner_HoldsPartialLine(t *testing.T) {
	s, path := newTestScanner(t, module.Anonymizer)
	writeLog(t, path, "Anonymizer daemon log\n[notice] Bootstrapped 100")

	sig, err := s.scan()
	require.NoError(t, err)
	assert.False(t, sig.success)

	appendLog(t, path, "% (done): Done\n")
	sig, err = s.scan()
	require.NoError(t, err)
	assert.True(t, sig.success)

	// Success stays known for the generation.
	sig, err = s.scan()
	require.NoError(t, err)
	assert.True(t, sig.success)
}

func TestLogScanner_ClassifiesLines(t *testing.T) {
	s, path := newTestScanner(t, module.Router)
	writeLog(t, path, strings.Join([]string{
		"12:00:00@123/info - i2pd starting",
		"12:00:01@123/error - |error| SSU2: can't bind",
		"12:00:02@123/critical - |critical| Daemon: failed to start",
		"12:00:03@123/critical - |critical| second critical",
		"",
	}, "\n"))

	sig, err := s.scan()
	require.NoError(t, err)
	assert.Equal(t, []string{"12:00:01@123/error - |error| SSU2: can't bind"}, sig.errors)
	assert.Equal(t, "12:00:02@123/critical - |critical| Daemon: failed to start", sig.fatal)
}

func TestLogScanner_ResetsOnTruncation(t *testing.T) {
	s, path := newTestScanner(t, module.Resolver)
	writeLog(t, path, "Resolver daemon log\nlowest initial latency reached, serving on 127.0.0.1:5453\n")

	sig, err := s.scan()
	require.NoError(t, err)
	assert.True(t, sig.success)

	writeLog(t, path, "Resolver daemon log\n")
	sig, err = s.scan()
	require.NoError(t, err)
	assert.False(t, sig.success)
}

func TestLogScanner_SkipsFlood(t *testing.T) {
	s, path := newTestScanner(t, module.Resolver)
	flood := strings.Repeat("[ERROR] flood line\n", maxScanBytes/10)
	writeLog(t, path, "[ERROR] early line\n"+flood)

	sig, err := s.scan()
	require.NoError(t, err)
	assert.NotContains(t, sig.errors, "[ERROR] early line")
	assert.NotEmpty(t, sig.errors)
}

func TestLogScanner_TruncatesOversizedLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "resolver.log")
	s := newLogScanner(path, config.DefaultModuleConfig(module.Resolver), 64)
	writeLog(t, path, "Resolver daemon log\nlowest initial latency reached, serving on 127.0.0.1:5453\n")

	sig, err := s.scan()
	require.NoError(t, err)
	assert.True(t, sig.success)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size())

	// Later writes are read from the start and success is still known.
	appendLog(t, path, "[ERROR] upstream timeout\n")
	sig, err = s.scan()
	require.NoError(t, err)
	assert.True(t, sig.success)
	assert.Equal(t, []string{"[ERROR] upstream timeout"}, sig.errors)
}
