// Package logging writes one JSON object per line, correlated with the
// active trace and tagged with the tenant, event and delivery item in play.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	oteltrace "go.opentelemetry.io/otel/trace"
)

// LogLevel is the severity of an entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

var severity = map[LogLevel]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
	LevelFatal: 4,
}

// ParseLevel maps a LOG_LEVEL style string onto a LogLevel.
func ParseLevel(s string) (LogLevel, error) {
	l := LogLevel(strings.ToLower(strings.TrimSpace(s)))
	if l == "warning" {
		l = LevelWarn
	}
	if _, ok := severity[l]; !ok {
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

// LogEntry is a single structured line. Build it with the With* methods
// and finish it with one of the level methods.
type LogEntry struct {
	Time        time.Time      `json:"time"`
	Level       LogLevel       `json:"level"`
	Message     string         `json:"msg"`
	Service     string         `json:"service,omitempty"`
	TraceID     string         `json:"trace_id,omitempty"`
	SpanID      string         `json:"span_id,omitempty"`
	TenantID    string         `json:"tenant_id,omitempty"`
	EventID     string         `json:"event_id,omitempty"`
	ItemID      string         `json:"item_id,omitempty"`
	Destination string         `json:"destination,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`

	logger *Logger
}

// Logger is safe for concurrent use.
type Logger struct {
	mu      sync.Mutex
	service string
	min     LogLevel
	out     io.Writer
}

// New returns a logger writing to stdout at info level.
func New(service string) *Logger {
	return &Logger{service: service, min: LevelInfo, out: os.Stdout}
}

// SetOutput redirects the logger. Writes are serialized, so a shared buffer is safe.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = w
}

// SetLevel drops entries below min. Fatal entries are always written.
func (l *Logger) SetLevel(min LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.min = min
}

func (l *Logger) Service() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.service
}

// Plain starts an entry with no trace correlation.
func (l *Logger) Plain() *LogEntry {
	return &LogEntry{Service: l.Service(), logger: l}
}

// WithContext starts an entry carrying the trace and span ids in ctx.
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	e := l.Plain()
	if sc := oteltrace.SpanContextFromContext(ctx); sc.IsValid() {
		e.TraceID = sc.TraceID().String()
		e.SpanID = sc.SpanID().String()
	}
	return e
}

func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	return l.Plain().WithFields(fields)
}

func (e *LogEntry) WithTenant(tenantID string) *LogEntry {
	e.TenantID = tenantID
	return e
}

func (e *LogEntry) WithEvent(eventID string) *LogEntry {
	e.EventID = eventID
	return e
}

// WithItem tags the entry with a delivery item id.
func (e *LogEntry) WithItem(itemID string) *LogEntry {
	e.ItemID = itemID
	return e
}

// WithDestination tags the entry with the webhook URL.
func (e *LogEntry) WithDestination(url string) *LogEntry {
	e.Destination = url
	return e
}

func (e *LogEntry) WithField(key string, value any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	for k, v := range fields {
		e.WithField(k, v)
	}
	return e
}

// WithError records err under fields.error; nil is ignored.
func (e *LogEntry) WithError(err error) *LogEntry {
	if err == nil {
		return e
	}
	return e.WithField("error", err.Error())
}

func (e *LogEntry) Debug(msg string)                  { e.write(LevelDebug, msg) }
func (e *LogEntry) Debugf(format string, args ...any) { e.write(LevelDebug, fmt.Sprintf(format, args...)) }
func (e *LogEntry) Info(msg string)                   { e.write(LevelInfo, msg) }
func (e *LogEntry) Infof(format string, args ...any)  { e.write(LevelInfo, fmt.Sprintf(format, args...)) }
func (e *LogEntry) Warn(msg string)                   { e.write(LevelWarn, msg) }
func (e *LogEntry) Warnf(format string, args ...any)  { e.write(LevelWarn, fmt.Sprintf(format, args...)) }
func (e *LogEntry) Error(msg string)                  { e.write(LevelError, msg) }
func (e *LogEntry) Errorf(format string, args ...any) { e.write(LevelError, fmt.Sprintf(format, args...)) }

// Fatal writes the entry and exits the process.
func (e *LogEntry) Fatal(msg string) {
	e.write(LevelFatal, msg)
	os.Exit(1)
}

func (e *LogEntry) Fatalf(format string, args ...any) {
	e.Fatal(fmt.Sprintf(format, args...))
}

func (e *LogEntry) write(level LogLevel, msg string) {
	l := e.logger
	if l == nil {
		l = defaultLogger
	}
	e.Time = time.Now().UTC()
	e.Level = level
	e.Message = msg

	data, err := json.Marshal(e)

	l.mu.Lock()
	defer l.mu.Unlock()
	if level != LevelFatal && severity[level] < severity[l.min] {
		return
	}
	if err != nil {
		// unencodable field value; keep the message
		fmt.Fprintf(l.out, "%s [%s] %s (logging error: %v)\n", e.Time.Format(time.RFC3339), level, msg, err)
		return
	}
	_, _ = l.out.Write(append(data, '\n'))
}

var defaultLogger = New("adcp-webhooks")

// Default returns the process-wide logger used when a component is built
// without one.
func Default() *Logger {
	return defaultLogger
}

// SetDefaultService renames the process-wide logger.
func SetDefaultService(service string) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.service = service
}
