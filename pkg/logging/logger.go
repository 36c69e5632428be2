package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Logger provides leveled logging for keepalive components.
// Entries go to stderr and to a run-specific file in ~/.keepalive/logs/
// so an operator can follow a stuck browser from the console or after the fact.
//
// All log methods (Debugf, Infof, Warnf, Errorf) write unconditionally.
// There is currently no log level filtering.
type Logger struct {
	runID     string
	component string
	processID string
	file      *os.File
	logger    *log.Logger
	mu        sync.Mutex
	logPath   string
	closeOnce sync.Once
}

var (
	// Global run ID for the current process
	runID     string
	runIDOnce sync.Once

	// logDir is the directory where log files are stored
	logDir string

	// logDirOverride replaces the home-based default when set
	logDirOverride string

	// initOnce ensures directory initialization happens once
	initOnce sync.Once

	// initErr stores any error from directory initialization
	initErr error
)

// getRunID returns or creates the run ID for this process
func getRunID() string {
	runIDOnce.Do(func() {
		runID = uuid.New().String()
	})
	return runID
}

// SetLogDirectory overrides the default ~/.keepalive/logs location.
// It only has an effect when called before the first NewLogger.
func SetLogDirectory(dir string) {
	logDirOverride = dir
}

// initLogDirectory ensures the log directory exists
func initLogDirectory() error {
	initOnce.Do(func() {
		dir := logDirOverride
		if dir == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				initErr = fmt.Errorf("failed to get home directory: %w", err)
				return
			}
			dir = filepath.Join(homeDir, ".keepalive", "logs")
		}

		if err := os.MkdirAll(dir, 0750); err != nil {
			initErr = fmt.Errorf("failed to create log directory: %w", err)
			return
		}
		logDir = dir
	})
	return initErr
}

// NewLogger creates a new logger for a specific component.
// The processID tags every line so several instances sharing a terminal
// or log collector can be told apart; it may be empty.
//
// If the log directory cannot be created or the log file cannot be opened,
// it returns a fallback logger that writes to stderr along with the error.
func NewLogger(component, processID string) (*Logger, error) {
	if err := initLogDirectory(); err != nil {
		return newFallbackLogger(component, processID, err), err
	}

	id := getRunID()
	logPath := filepath.Join(logDir, fmt.Sprintf("%s-keepalive.log", id))

	// Append mode: every component of the run shares one file
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return newFallbackLogger(component, processID, fmt.Errorf("failed to open log file: %w", err)), err
	}

	return &Logger{
		runID:     id,
		component: component,
		processID: processID,
		file:      file,
		logger:    log.New(io.MultiWriter(os.Stderr, file), "", 0),
		logPath:   logPath,
	}, nil
}

// NewWriterLogger creates a logger that writes only to w.
func NewWriterLogger(component, processID string, w io.Writer) *Logger {
	return &Logger{
		runID:     getRunID(),
		component: component,
		processID: processID,
		logger:    log.New(w, "", 0),
	}
}

// newFallbackLogger creates a logger that writes to stderr when file logging fails
func newFallbackLogger(component, processID string, err error) *Logger {
	l := NewWriterLogger(component, processID, os.Stderr)
	l.Warnf("failed to initialize file logging: %v", err)
	l.Warnf("falling back to stderr logging")
	return l
}

// formatLogEntry creates a log entry with timestamp, component, level and process tag
func (l *Logger) formatLogEntry(level, message string) string {
	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	if l.processID == "" {
		return fmt.Sprintf("[%s] [%s] [%s] %s", timestamp, l.component, level, message)
	}
	return fmt.Sprintf("[%s] [%s] [%s] %s : %s", timestamp, l.component, level, l.processID, message)
}

func (l *Logger) write(level, format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	message := fmt.Sprintf(format, v...)
	l.logger.Println(l.formatLogEntry(level, message))
}

// Debugf logs a debug-level message
func (l *Logger) Debugf(format string, v ...interface{}) {
	l.write("DEBUG", format, v...)
}

// Infof logs an info-level message
func (l *Logger) Infof(format string, v ...interface{}) {
	l.write("INFO", format, v...)
}

// Warnf logs a warning-level message
func (l *Logger) Warnf(format string, v ...interface{}) {
	l.write("WARN", format, v...)
}

// Errorf logs an error-level message
func (l *Logger) Errorf(format string, v ...interface{}) {
	l.write("ERROR", format, v...)
}

// Named returns a logger for another component that shares this logger's
// output and process tag. Closing the child does not close the parent's file.
func (l *Logger) Named(component string) *Logger {
	return &Logger{
		runID:     l.runID,
		component: component,
		processID: l.processID,
		logger:    l.logger,
		logPath:   l.logPath,
	}
}

// RunID returns the run ID shared by all loggers of this process
func (l *Logger) RunID() string {
	return l.runID
}

// LogPath returns the path to the log file
func (l *Logger) LogPath() string {
	return l.logPath
}

// Close closes the log file. Safe to call multiple times.
func (l *Logger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		if l.file != nil {
			err = l.file.Close()
		}
	})
	return err
}

// GetRunID returns the current global run ID
func GetRunID() string {
	return getRunID()
}
