// Package gcp connects taskflow to Google Cloud: Cloud Logging for log lines
// and lifecycle events, Secret Manager for credentials, and instance metadata
// for run status.
package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/logging"
	"google.golang.org/api/option"

	"github.com/andywolf/taskflow/internal/events"
	"github.com/andywolf/taskflow/internal/security"
)

// DefaultLogID names the Cloud Logging log taskflow writes to.
const DefaultLogID = "taskflow"

// Severity of a log entry, matching Cloud Logging's names.
type Severity string

const (
	SeverityDebug   Severity = "DEBUG"
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "WARNING"
	SeverityError   Severity = "ERROR"
)

func (s Severity) cloud() logging.Severity {
	return logging.ParseSeverity(string(s))
}

// Logger is implemented by the Cloud Logging client wrapper and the local
// JSON fallback. Info, Warning and Error satisfy the orchestrator's cloud
// logger; Write and Close make it an events.Sink.
type Logger interface {
	Log(severity Severity, message string, fields map[string]any)
	Info(message string)
	Warning(message string)
	Error(message string)
	Write(evs []events.Event) error
	Flush() error
	Close() error
}

// LogWriter is the subset of *logging.Logger used by CloudLogger.
type LogWriter interface {
	Log(e logging.Entry)
	Flush() error
}

// LoggerConfig configures NewCloudLogger.
type LoggerConfig struct {
	ProjectID string
	LogID     string
	Labels    map[string]string
}

// CloudLogger sends sanitized entries through the Cloud Logging client.
type CloudLogger struct {
	mu        sync.Mutex
	writer    LogWriter
	closeFn   func() error
	labels    map[string]string
	sanitizer *security.LogSanitizer
	closed    bool
}

// NewCloudLogger opens a Cloud Logging client. An empty ProjectID is resolved
// from the environment or the metadata server.
func NewCloudLogger(ctx context.Context, cfg LoggerConfig, opts ...option.ClientOption) (*CloudLogger, error) {
	projectID := cfg.ProjectID
	if projectID == "" {
		var err error
		if projectID, err = getProjectID(ctx); err != nil {
			return nil, fmt.Errorf("failed to get project ID: %w", err)
		}
	}
	logID := cfg.LogID
	if logID == "" {
		logID = DefaultLogID
	}

	client, err := logging.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create logging client: %w", err)
	}
	client.OnError = func(err error) {
		fmt.Fprintf(os.Stderr, "cloud logging: %v\n", err)
	}

	l := NewCloudLoggerWithWriter(client.Logger(logID), cfg.Labels)
	l.closeFn = client.Close
	return l, nil
}

// NewCloudLoggerWithWriter wraps an existing writer. Labels are attached to
// every entry.
func NewCloudLoggerWithWriter(w LogWriter, labels map[string]string) *CloudLogger {
	s := security.NewLogSanitizer()
	return &CloudLogger{
		writer:    w,
		labels:    s.SanitizeMap(labels),
		sanitizer: s,
	}
}

// Log writes one sanitized entry. Calls after Close are dropped.
func (l *CloudLogger) Log(severity Severity, message string, fields map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}

	payload := map[string]any{"message": l.sanitizer.Sanitize(message)}
	for k, v := range fields {
		if s, ok := v.(string); ok {
			v = l.sanitizer.Sanitize(s)
		}
		payload[k] = v
	}
	l.writer.Log(logging.Entry{
		Timestamp: time.Now().UTC(),
		Severity:  severity.cloud(),
		Payload:   payload,
		Labels:    l.labels,
	})
}

func (l *CloudLogger) Info(message string)    { l.Log(SeverityInfo, message, nil) }
func (l *CloudLogger) Warning(message string) { l.Log(SeverityWarning, message, nil) }
func (l *CloudLogger) Error(message string)   { l.Log(SeverityError, message, nil) }

// Write implements events.Sink. Each event becomes one entry labelled with
// its task and kind.
func (l *CloudLogger) Write(evs []events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	for _, e := range evs {
		labels := make(map[string]string, len(l.labels)+2)
		for k, v := range l.labels {
			labels[k] = v
		}
		labels["task_id"] = e.TaskID
		labels["event"] = string(e.Kind)

		e.Reason = l.sanitizer.Sanitize(e.Reason)
		e.Message = l.sanitizer.Sanitize(e.Message)
		l.writer.Log(logging.Entry{
			Timestamp: e.Timestamp,
			Severity:  EventSeverity(e.Kind).cloud(),
			Payload:   e,
			Labels:    labels,
		})
	}
	return nil
}

// Flush blocks until buffered entries are sent.
func (l *CloudLogger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	return l.writer.Flush()
}

// Close flushes and releases the client. It is safe to call twice.
func (l *CloudLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.writer.Flush(); err != nil {
		return err
	}
	if l.closeFn != nil {
		return l.closeFn()
	}
	return nil
}

// EventSeverity maps a lifecycle event kind to a log severity.
func EventSeverity(k events.Kind) Severity {
	switch k {
	case events.TaskFailed, events.TaskForceCompleted:
		return SeverityError
	case events.TodoFailed, events.TaskInterrupted, events.TaskRetry:
		return SeverityWarning
	case events.ProgressUpdate:
		return SeverityDebug
	default:
		return SeverityInfo
	}
}

// jsonEntry is the structured line the fallback logger emits. The field
// names are the ones the Cloud Logging agent recognises on stdout.
type jsonEntry struct {
	Severity  Severity          `json:"severity"`
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
	Labels    map[string]string `json:"logging.googleapis.com/labels,omitempty"`
	Fields    map[string]any    `json:"fields,omitempty"`
	Event     *events.Event     `json:"event,omitempty"`
}

// FallbackLogger writes the same entries as structured JSON lines.
type FallbackLogger struct {
	mu        sync.Mutex
	w         io.Writer
	labels    map[string]string
	sanitizer *security.LogSanitizer
}

// NewFallbackLogger creates a JSON line logger on w.
func NewFallbackLogger(w io.Writer, labels map[string]string) *FallbackLogger {
	s := security.NewLogSanitizer()
	return &FallbackLogger{w: w, labels: s.SanitizeMap(labels), sanitizer: s}
}

func (l *FallbackLogger) emit(entry jsonEntry) {
	entry.Labels = l.labels
	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(l.w, `{"severity":"ERROR","message":"failed to marshal log entry: %v"}`+"\n", err)
		return
	}
	fmt.Fprintf(l.w, "%s\n", data)
}

// Log writes one sanitized JSON line.
func (l *FallbackLogger) Log(severity Severity, message string, fields map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.emit(jsonEntry{
		Severity:  severity,
		Message:   l.sanitizer.Sanitize(message),
		Timestamp: time.Now().UTC(),
		Fields:    fields,
	})
}

func (l *FallbackLogger) Info(message string)    { l.Log(SeverityInfo, message, nil) }
func (l *FallbackLogger) Warning(message string) { l.Log(SeverityWarning, message, nil) }
func (l *FallbackLogger) Error(message string)   { l.Log(SeverityError, message, nil) }

// Write implements events.Sink.
func (l *FallbackLogger) Write(evs []events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range evs {
		e := evs[i]
		e.Reason = l.sanitizer.Sanitize(e.Reason)
		e.Message = l.sanitizer.Sanitize(e.Message)
		l.emit(jsonEntry{
			Severity:  EventSeverity(e.Kind),
			Message:   fmt.Sprintf("%s %s", e.Kind, e.TaskID),
			Timestamp: e.Timestamp,
			Event:     &e,
		})
	}
	return nil
}

// Flush is a no-op; writes are synchronous.
func (l *FallbackLogger) Flush() error { return nil }

// Close is a no-op.
func (l *FallbackLogger) Close() error { return nil }

// NewLogger returns a Cloud Logging backed logger when running on GCP and a
// JSON line logger on stderr otherwise, or when the client cannot be built.
func NewLogger(ctx context.Context, cfg LoggerConfig, opts ...option.ClientOption) Logger {
	if IsRunningOnGCP() {
		if l, err := NewCloudLogger(ctx, cfg, opts...); err == nil {
			return l
		}
	}
	return NewFallbackLogger(os.Stderr, cfg.Labels)
}

var (
	_ Logger      = (*CloudLogger)(nil)
	_ Logger      = (*FallbackLogger)(nil)
	_ events.Sink = (*CloudLogger)(nil)
)
