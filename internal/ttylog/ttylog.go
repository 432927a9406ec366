// Package ttylog provides the timestamped dual-output logger shared by
// the CLI and the session engine.
package ttylog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

var (
	global     *Logger
	globalInit sync.Once
)

// Logger writes timestamped lines to stdout and, optionally, a log file.
type Logger struct {
	logFile *os.File
	stdout  io.Writer
}

// New opens logPath (if non-empty) and returns a Logger that tees to it
// and stdout. An empty path logs to stdout only.
func New(logPath string) (*Logger, error) {
	if logPath == "" {
		return &Logger{stdout: os.Stdout}, nil
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return &Logger{logFile: f, stdout: os.Stdout}, nil
}

// Close closes the underlying log file, if any.
func (l *Logger) Close() {
	if l.logFile != nil {
		l.logFile.Close()
	}
}

// Printf writes a timestamped, formatted line to stdout and the log file.
func (l *Logger) Printf(format string, args ...any) {
	line := fmt.Sprintf("[%s] %s\n", time.Now().Format("2006-01-02T15:04:05"), fmt.Sprintf(format, args...))
	fmt.Fprint(l.stdout, line)
	if l.logFile != nil {
		fmt.Fprint(l.logFile, line)
	}
}

// Init sets the package-level logger used by Printf. Safe to call once;
// later calls are ignored.
func Init(logPath string) error {
	var err error
	globalInit.Do(func() {
		global, err = New(logPath)
	})
	return err
}

// Close closes the package-level logger, if initialized.
func Close() {
	if global != nil {
		global.Close()
	}
}

// Printf logs through the package-level logger, falling back to a bare
// stdout line when Init has not been called.
func Printf(format string, args ...any) {
	if global != nil {
		global.Printf(format, args...)
		return
	}
	fmt.Printf("[%s] %s\n", time.Now().Format("2006-01-02T15:04:05"), fmt.Sprintf(format, args...))
}
