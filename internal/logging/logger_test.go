package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		serviceName string
	}{
		{name: "create logger with service name", serviceName: "test-service"},
		{name: "create logger with empty service name", serviceName: ""},
		{name: "create logger with complex service name", serviceName: "adcp-webhooks-dispatcher-v2.1.3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.serviceName)
			if logger == nil {
				t.Fatal("New() returned nil logger")
			}
			if logger.Service() != tt.serviceName {
				t.Errorf("New() service = %q, want %q", logger.Service(), tt.serviceName)
			}
		})
	}
}

func TestLogger_WithContext(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)

	tests := []struct {
		name     string
		hasTrace bool
	}{
		{name: "with trace context", hasTrace: true},
		{name: "without trace context", hasTrace: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New("test-service")
			ctx := context.Background()
			if tt.hasTrace {
				newCtx, span := otel.Tracer("test-tracer").Start(ctx, "test-span")
				ctx = newCtx
				defer span.End()
			}

			entry := logger.WithContext(ctx)
			if entry.Service != "test-service" {
				t.Errorf("WithContext() Service = %q, want %q", entry.Service, "test-service")
			}
			if tt.hasTrace && (entry.TraceID == "" || entry.SpanID == "") {
				t.Errorf("WithContext() trace = %q span = %q, want both set", entry.TraceID, entry.SpanID)
			}
			if !tt.hasTrace && entry.TraceID != "" {
				t.Errorf("WithContext() TraceID = %q, want empty string without trace", entry.TraceID)
			}
		})
	}
}

func TestLogEntry_FluentMethods(t *testing.T) {
	var buf bytes.Buffer
	logger := New("dispatcher")
	logger.SetOutput(&buf)

	logger.Plain().
		WithTenant("tenant-1").
		WithEvent("evt-1").
		WithItem("item-1").
		WithDestination("https://buyer.example/hook").
		WithField("attempt", 2).
		WithFields(map[string]any{"outcome": "failed"}).
		WithError(errors.New("boom")).
		Warn("delivery failed")

	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}

	want := map[string]any{
		"level":       "warn",
		"msg":         "delivery failed",
		"service":     "dispatcher",
		"tenant_id":   "tenant-1",
		"event_id":    "evt-1",
		"item_id":     "item-1",
		"destination": "https://buyer.example/hook",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("field %q = %v, want %v", k, got[k], v)
		}
	}

	fields, ok := got["fields"].(map[string]any)
	if !ok {
		t.Fatalf("fields missing from output: %v", got)
	}
	if fields["attempt"] != float64(2) {
		t.Errorf("fields.attempt = %v, want 2", fields["attempt"])
	}
	if fields["outcome"] != "failed" {
		t.Errorf("fields.outcome = %v, want failed", fields["outcome"])
	}
	if fields["error"] != "boom" {
		t.Errorf("fields.error = %v, want boom", fields["error"])
	}
}

func TestLogEntry_WithErrorNil(t *testing.T) {
	entry := New("svc").Plain().WithError(nil)
	if _, ok := entry.Fields["error"]; ok {
		t.Error("WithError(nil) should not add an error field")
	}
}

func TestLogEntry_LoggingMethods(t *testing.T) {
	tests := []struct {
		name      string
		logFunc   func(*LogEntry)
		wantLevel LogLevel
		wantMsg   string
	}{
		{name: "debug", logFunc: func(e *LogEntry) { e.Debug("d") }, wantLevel: LevelDebug, wantMsg: "d"},
		{name: "debugf", logFunc: func(e *LogEntry) { e.Debugf("d %d", 1) }, wantLevel: LevelDebug, wantMsg: "d 1"},
		{name: "info", logFunc: func(e *LogEntry) { e.Info("i") }, wantLevel: LevelInfo, wantMsg: "i"},
		{name: "infof", logFunc: func(e *LogEntry) { e.Infof("i %s", "x") }, wantLevel: LevelInfo, wantMsg: "i x"},
		{name: "warn", logFunc: func(e *LogEntry) { e.Warn("w") }, wantLevel: LevelWarn, wantMsg: "w"},
		{name: "warnf", logFunc: func(e *LogEntry) { e.Warnf("w %v", true) }, wantLevel: LevelWarn, wantMsg: "w true"},
		{name: "error", logFunc: func(e *LogEntry) { e.Error("e") }, wantLevel: LevelError, wantMsg: "e"},
		{name: "errorf", logFunc: func(e *LogEntry) { e.Errorf("e %d", 3) }, wantLevel: LevelError, wantMsg: "e 3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := New("svc")
			logger.SetOutput(&buf)

			tt.logFunc(logger.Plain())

			var got LogEntry
			if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
				t.Fatalf("output is not JSON: %v", err)
			}
			if got.Level != tt.wantLevel {
				t.Errorf("Level = %q, want %q", got.Level, tt.wantLevel)
			}
			if got.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", got.Message, tt.wantMsg)
			}
			if got.Fields != nil {
				t.Errorf("empty Fields should be omitted, got %v", got.Fields)
			}
		})
	}
}

func TestLogger_ConcurrentWritesStayLineDelimited(t *testing.T) {
	var buf bytes.Buffer
	logger := New("svc")
	logger.SetOutput(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			logger.Plain().WithField("n", i).Info("concurrent")
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 50 {
		t.Fatalf("got %d lines, want 50", len(lines))
	}
	for _, line := range lines {
		var e LogEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Errorf("interleaved or corrupt line %q: %v", line, err)
		}
	}
}

func TestDefaultLogger(t *testing.T) {
	var buf bytes.Buffer
	Default().SetOutput(&buf)
	defer Default().SetOutput(os.Stdout)
	SetDefaultService("global-test")
	defer SetDefaultService("adcp-webhooks")

	Default().Plain().Info("plain")
	(&LogEntry{}).Info("detached")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if !strings.Contains(lines[0], `"service":"global-test"`) {
		t.Errorf("line missing service: %s", lines[0])
	}
	if !strings.Contains(lines[1], `"msg":"detached"`) {
		t.Errorf("entry without a logger should use the default: %s", lines[1])
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{" INFO ", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"verbose", LevelInfo, true},
		{"", LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseLevel(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestSetLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := New("svc")
	logger.SetOutput(&buf)
	logger.SetLevel(LevelWarn)

	logger.Plain().Debug("hidden")
	logger.Plain().Info("hidden")
	logger.Plain().Warn("shown")
	logger.Plain().Error("shown")

	if n := strings.Count(buf.String(), "\n"); n != 2 {
		t.Errorf("got %d lines, want 2: %s", n, buf.String())
	}
	if strings.Contains(buf.String(), "hidden") {
		t.Errorf("entries below warn were written: %s", buf.String())
	}
}

func TestLogEntryJSONSerialization(t *testing.T) {
	entry := LogEntry{
		Time:        time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		Level:       LevelInfo,
		Message:     "delivered",
		Service:     "dispatcher",
		ItemID:      "item-123",
		Destination: "https://buyer.example/hook",
	}

	data, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	s := string(data)
	for _, want := range []string{`"msg":"delivered"`, `"item_id":"item-123"`, `"destination":"https://buyer.example/hook"`} {
		if !strings.Contains(s, want) {
			t.Errorf("serialized entry missing %s: %s", want, s)
		}
	}
	for _, absent := range []string{"trace_id", "tenant_id", "fields"} {
		if strings.Contains(s, absent) {
			t.Errorf("serialized entry should omit %s: %s", absent, s)
		}
	}
}
