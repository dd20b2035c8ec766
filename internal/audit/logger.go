package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event represents one audit log entry for a contained bomb run
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      string            `json:"type"` // "start", "end", "error"
	RunID     string            `json:"run_id"`
	Kind      string            `json:"kind"` // "forkbomb", "rambomb"
	Limits    string            `json:"limits,omitempty"`
	Pid       int               `json:"pid,omitempty"`
	ExitCode  *int              `json:"exit_code,omitempty"` // set on end events only; -1 when no exit status
	Duration  string            `json:"duration,omitempty"` // ISO 8601 duration format
	Error     string            `json:"error,omitempty"`
	Outcome   string            `json:"outcome,omitempty"` // "exhausted", "killed", "timeout", "success", "error"
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Logger handles audit logging to a file in JSON format
type Logger struct {
	logFile string
	file    *os.File
	lock    sync.Mutex
	logger  *slog.Logger
}

// NewLogger creates a new audit logger
func NewLogger(logFile string) (*Logger, error) {
	if logFile == "" {
		return nil, fmt.Errorf("log file path cannot be empty")
	}

	logDir := filepath.Dir(logFile)
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &Logger{
		logFile: logFile,
		file:    file,
		logger:  slog.Default(),
	}, nil
}

// Log writes an audit event to the log file
func (l *Logger) Log(event Event) error {
	l.lock.Lock()
	defer l.lock.Unlock()

	if l.file == nil {
		return fmt.Errorf("logger file not initialized")
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}

	// A bomb may take the machine down next; get the line to disk first.
	if err := l.file.Sync(); err != nil {
		l.logger.Warn("failed to sync audit log file", slog.String("error", err.Error()))
	}

	return nil
}

// LogStart logs the start of a contained run
func (l *Logger) LogStart(runID, kind, limits string, pid int) error {
	return l.Log(Event{
		Type:   "start",
		RunID:  runID,
		Kind:   kind,
		Limits: limits,
		Pid:    pid,
	})
}

// LogEnd logs how a contained run ended
func (l *Logger) LogEnd(runID, kind string, exitCode int, duration time.Duration, outcome string) error {
	return l.Log(Event{
		Type:     "end",
		RunID:    runID,
		Kind:     kind,
		ExitCode: &exitCode,
		Duration: FormatDuration(duration),
		Outcome:  outcome,
	})
}

// LogError logs a run that could not be carried out
func (l *Logger) LogError(runID, kind, errMsg string) error {
	return l.Log(Event{
		Type:    "error",
		RunID:   runID,
		Kind:    kind,
		Error:   errMsg,
		Outcome: "error",
	})
}

// FormatDuration renders d as an ISO 8601 duration, e.g. "PT1.500000000S"
func FormatDuration(d time.Duration) string {
	return fmt.Sprintf("PT%d.%09dS", int64(d/time.Second), int64(d%time.Second))
}

// Close closes the audit logger file
func (l *Logger) Close() error {
	l.lock.Lock()
	defer l.lock.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}
