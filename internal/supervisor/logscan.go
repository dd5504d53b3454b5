package supervisor

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/invizible/moduled/internal/config"
	"github.com/rs/zerolog/log"
)

// maxScanBytes bounds how much new log text one pass reads. Older text is
// skipped when a daemon writes faster than that.
const maxScanBytes = 256 << 10

// logSignals is what one scan found in the new part of a module log.
type logSignals struct {
	success bool     // a success marker was seen in this log generation
	errors  []string // new lines carrying an error marker
	fatal   string   // first new line carrying a fatal marker
}

// logScanner follows a module log and picks out marker lines. It remembers
// its offset between passes and starts over when the log is reset.
type logScanner struct {
	path    string
	success []string
	errs    []string
	oks     []string
	fatals  []string
	limit   int64 // truncate the log once it grows past this many bytes

	offset  int64
	partial []byte
	seen    bool // success marker seen
}

func newLogScanner(path string, mc *config.ModuleConfig, limit config.ByteSize) *logScanner {
	return &logScanner{
		path:    path,
		limit:   int64(limit),
		success: mc.SuccessMarkers,
		errs:    mc.ErrorMarkers,
		oks:     mc.OKMarkers,
		fatals:  mc.FatalMarkers,
	}
}

// reset forgets everything learned about the previous log generation.
func (l *logScanner) reset() {
	l.offset = 0
	l.partial = nil
	l.seen = false
}

// scan reads log text appended since the last pass. A missing log is not an
// error; the module has simply not been started yet.
func (l *logScanner) scan() (logSignals, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return logSignals{success: l.seen}, nil
		}
		return logSignals{success: l.seen}, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return logSignals{success: l.seen}, err
	}
	size := info.Size()
	if size < l.offset {
		l.reset()
	}
	if size-l.offset > maxScanBytes {
		l.offset = size - maxScanBytes
		l.partial = nil
	}

	buf := make([]byte, size-l.offset)
	n, err := f.ReadAt(buf, l.offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return logSignals{success: l.seen}, err
	}
	l.offset += int64(n)

	data := append(l.partial, buf[:n]...)
	last := bytes.LastIndexByte(data, '\n')
	if last < 0 {
		l.partial = data
		return logSignals{success: l.seen}, nil
	}
	l.partial = append([]byte(nil), data[last+1:]...)

	var sig logSignals
	for _, line := range strings.Split(string(data[:last]), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if containsAny(line, l.success) {
			l.seen = true
		}
		if sig.fatal == "" && containsAny(line, l.fatals) {
			sig.fatal = line
			continue
		}
		if containsAny(line, l.errs) && !containsAny(line, l.oks) {
			sig.errors = append(sig.errors, line)
		}
	}
	sig.success = l.seen

	if l.limit > 0 && size > l.limit {
		l.truncate(size)
	}
	return sig, nil
}

// truncate empties the log once it has been scanned. Daemons append, so they
// keep writing at the new end. The success marker stays remembered.
func (l *logScanner) truncate(size int64) {
	if err := os.Truncate(l.path, 0); err != nil {
		log.Warn().Err(err).Str("path", l.path).Msg("failed to truncate module log")
		return
	}
	l.offset = 0
	l.partial = nil
	log.Info().Str("path", l.path).Str("size", config.ByteSize(size).String()).Msg("module log truncated")
}

func containsAny(line string, markers []string) bool {
	for _, m := range markers {
		if m != "" && strings.Contains(line, m) {
			return true
		}
	}
	return false
}
