// Package debug builds the loggers. The engine logs to the terminal unless
// the monitor owns it, in which case everything goes to a file.
package debug

import (
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
)

// TimeFormat matches the debug log line prefix.
const TimeFormat = "15:04:05.000"

// New returns a logger writing to w. verbose enables debug level.
func New(w io.Writer, verbose bool) *log.Logger {
	l := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      TimeFormat,
	})
	if verbose {
		l.SetLevel(log.DebugLevel)
	}
	return l
}

// Path returns ~/.config/spreadsheet-music/debug.log
func Path() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "spreadsheet-music", "debug.log"), nil
}

// Open truncates the log file at path and returns a logger writing to it.
// The caller closes the file when done.
func Open(path string, verbose bool) (*log.Logger, io.Closer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, nil, err
	}

	l := New(f, verbose)
	l.Info("=== debug logging started ===")
	return l, f, nil
}

// Setup returns the logger for a run. Without the monitor it writes to
// stderr. With it, it writes to the file named by path, or nowhere when
// there is no usable location. closer is nil unless a file was opened.
func Setup(stderr io.Writer, monitor, verbose bool, path func() (string, error)) (*log.Logger, io.Closer, error) {
	if !monitor {
		return New(stderr, verbose), nil, nil
	}
	p, err := path()
	if err != nil {
		return New(io.Discard, verbose), nil, nil
	}
	return Open(p, verbose)
}
