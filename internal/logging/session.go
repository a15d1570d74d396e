// Package logging provides the broker's session logger.
//
// Every line goes to the session log file when one is configured. Console
// output goes through the standard log package on stderr: warnings and errors
// always, info unless quiet, debug only when debug is enabled.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Logger is safe for concurrent use.
type Logger struct {
	mu          sync.Mutex
	console     *log.Logger
	sessionFile *os.File
	sessionPath string
	debug       bool
	quiet       bool
}

// Options configures a Logger.
type Options struct {
	// Dir receives a session-<timestamp>.log file; empty disables file logging.
	Dir    string
	Prefix string
	Debug  bool
	Quiet  bool
	// Console defaults to os.Stderr.
	Console io.Writer
}

// New creates a logger and, if opts.Dir is set, opens a fresh session file.
func New(opts Options) (*Logger, error) {
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	l := &Logger{
		console: log.New(console, opts.Prefix, log.LstdFlags),
		debug:   opts.Debug,
		quiet:   opts.Quiet,
	}

	if opts.Dir == "" {
		return l, nil
	}
	if err := os.MkdirAll(opts.Dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	sessionID := time.Now().Format("20060102-150405")
	l.sessionPath = filepath.Join(opts.Dir, fmt.Sprintf("session-%s.log", sessionID))
	file, err := os.OpenFile(l.sessionPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create session log file: %w", err)
	}
	l.sessionFile = file

	l.writeToFile("=== Session Started ===\n")
	l.writeToFile("Session ID: %s\n", sessionID)
	l.writeToFile("PID: %d\n", os.Getpid())
	l.writeToFile("Time: %s\n\n", time.Now().Format(time.RFC3339))
	return l, nil
}

// Discard returns a logger that writes nowhere.
func Discard() *Logger {
	return &Logger{console: log.New(io.Discard, "", 0), quiet: true}
}

// Close ends the session file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sessionFile == nil {
		return nil
	}
	l.writeToFile("\n=== Session Ended ===\n")
	l.writeToFile("Time: %s\n", time.Now().Format(time.RFC3339))
	err := l.sessionFile.Close()
	l.sessionFile = nil
	return err
}

// SessionPath returns the session log file path, or "".
func (l *Logger) SessionPath() string {
	return l.sessionPath
}

// DebugEnabled lets callers skip building expensive debug arguments.
func (l *Logger) DebugEnabled() bool {
	return l.debug
}

func (l *Logger) Debug(format string, args ...interface{}) {
	if !l.debug {
		return
	}
	l.emit("DEBUG", true, format, args...)
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.emit("INFO", !l.quiet, format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.emit("WARNING", true, format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.emit("ERROR", true, format, args...)
}

func (l *Logger) emit(level string, toConsole bool, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.writeToFile("[%s] %s: %s\n", time.Now().Format("15:04:05.000"), level, msg)
	if toConsole {
		l.console.Printf("%s: %s", level, msg)
	}
}

// writeToFile must be called with mu held.
func (l *Logger) writeToFile(format string, args ...interface{}) {
	if l.sessionFile != nil {
		fmt.Fprintf(l.sessionFile, format, args...)
	}
}
