// Package logging configures the process-wide slog logger: JSON lines to
// stderr plus a daily-rotated file under the state directory's logs/ folder
// with 24 h retention.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// redactedKeys are attribute keys whose values never reach any sink.
var redactedKeys = map[string]bool{
	"token":     true,
	"botToken":  true,
	"api_key":   true,
	"apiKey":    true,
	"password":  true,
	"authToken": true,
}

// Setup installs the default slog logger. dir may be empty to log to stderr
// only. Returns a close function that flushes the file writer.
func Setup(dir string, debug bool) (func(), error) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	var w io.Writer = os.Stderr
	closeFn := func() {}

	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		rw := newRotatingWriter(dir)
		w = io.MultiWriter(os.Stderr, rw)
		closeFn = func() { rw.Close() }
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if redactedKeys[a.Key] {
				return slog.String(a.Key, "<redacted>")
			}
			return a
		},
	})
	slog.SetDefault(slog.New(handler))
	return closeFn, nil
}

// rotatingWriter writes to gateway-YYYY-MM-DD.log, switching files at
// midnight and pruning files older than the retention window.
type rotatingWriter struct {
	dir       string
	mu        sync.Mutex
	file      *os.File
	day       string
	retention time.Duration
}

func newRotatingWriter(dir string) *rotatingWriter {
	return &rotatingWriter{dir: dir, retention: 24 * time.Hour}
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	day := time.Now().Format("2006-01-02")
	if w.file == nil || day != w.day {
		if w.file != nil {
			w.file.Close()
		}
		f, err := os.OpenFile(filepath.Join(w.dir, "gateway-"+day+".log"),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return 0, err
		}
		w.file = f
		w.day = day
		w.prune()
	}
	return w.file.Write(p)
}

func (w *rotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		return w.file.Close()
	}
	return nil
}

// prune removes log files whose mtime is past the retention window.
func (w *rotatingWriter) prune() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-w.retention)
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "gateway-") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(filepath.Join(w.dir, e.Name()))
		}
	}
}
