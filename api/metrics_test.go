package api

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupTestTracer(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter, func()) {
	t.Helper()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
	)
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	return tp, exporter, func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	}
}

func attributesToMap(attrs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}

func TestDocumentRequestMetricsLog(t *testing.T) {
	logger, hook := test.NewNullLogger()

	tp, exporter, restore := setupTestTracer(t)
	defer restore()

	metrics, _ := newDocumentRequestMetrics(context.Background(), logger)
	metrics.start = metrics.start.Add(-50 * time.Millisecond)
	metrics.ObserveAuth(10 * time.Millisecond)
	metrics.ObserveFetch(15 * time.Millisecond)
	metrics.ObserveEncode(5 * time.Millisecond)
	metrics.SetItemsReturned(4)

	metrics.Log(http.StatusOK, nil)

	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush spans: %v", err)
	}

	entry := hook.LastEntry()
	if entry == nil {
		t.Fatal("expected a log entry")
	}
	if entry.Message != "list.request.metrics" {
		t.Fatalf("unexpected message: %s", entry.Message)
	}
	if entry.Data["route"] != "/api/list" {
		t.Fatalf("unexpected route: %#v", entry.Data["route"])
	}
	if entry.Data["status"] != http.StatusOK {
		t.Fatalf("unexpected status: %#v", entry.Data["status"])
	}
	if entry.Data["severity"] != "info" {
		t.Fatalf("unexpected severity: %#v", entry.Data["severity"])
	}
	if entry.Data["severity_number"] != 9 {
		t.Fatalf("unexpected severity number: %#v", entry.Data["severity_number"])
	}
	if entry.Data["items_returned"] != 4 {
		t.Fatalf("unexpected items_returned: %#v", entry.Data["items_returned"])
	}
	if total, ok := entry.Data["total_ms"].(float64); !ok || total <= 0 {
		t.Fatalf("expected positive total_ms, got %#v", entry.Data["total_ms"])
	}
	if _, ok := entry.Data["auth_ms"]; !ok {
		t.Fatalf("expected auth_ms field, got %#v", entry.Data)
	}
	if _, ok := entry.Data["error_stage"]; ok {
		t.Fatalf("expected no error_stage field on success")
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != "api.document" {
		t.Fatalf("unexpected span name: %s", span.Name)
	}
	attrs := attributesToMap(span.Attributes)
	if code, ok := attrs["http.status_code"].(int64); !ok || code != int64(http.StatusOK) {
		t.Fatalf("unexpected http.status_code: %#v", attrs["http.status_code"])
	}
	if count, ok := attrs["list.items_returned"].(int64); !ok || count != 4 {
		t.Fatalf("unexpected list.items_returned: %#v", attrs["list.items_returned"])
	}
	if span.Status.Code != codes.Ok {
		t.Fatalf("expected span status Ok, got %v", span.Status.Code)
	}
}

func TestDocumentRequestMetricsLogWithError(t *testing.T) {
	logger, hook := test.NewNullLogger()

	tp, exporter, restore := setupTestTracer(t)
	defer restore()

	metrics, _ := newDocumentRequestMetrics(context.Background(), logger)
	metrics.SetErrorStage("storage")
	boom := errors.New("table unavailable")

	metrics.Log(http.StatusInternalServerError, boom)

	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush spans: %v", err)
	}

	entry := hook.LastEntry()
	if entry == nil {
		t.Fatal("expected a log entry")
	}
	if entry.Data["severity"] != "error" {
		t.Fatalf("unexpected severity: %#v", entry.Data["severity"])
	}
	if entry.Data["error_stage"] != "storage" {
		t.Fatalf("unexpected error_stage: %#v", entry.Data["error_stage"])
	}
	if entry.Data["error"] != boom.Error() {
		t.Fatalf("unexpected error field: %#v", entry.Data["error"])
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Status.Code != codes.Error {
		t.Fatalf("expected span status error, got %v", span.Status.Code)
	}
	attrs := attributesToMap(span.Attributes)
	if attrs["request.error_stage"] != "storage" {
		t.Fatalf("expected error stage attribute, got %#v", attrs["request.error_stage"])
	}
}

func TestSeverityForStatus(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		err        error
		wantText   string
		wantNumber int
	}{
		{name: "ok", status: http.StatusOK, wantText: "info", wantNumber: 9},
		{name: "client_error", status: http.StatusBadRequest, wantText: "warning", wantNumber: 13},
		{name: "server_error", status: http.StatusInternalServerError, wantText: "error", wantNumber: 17},
		{name: "handler_error", status: http.StatusOK, err: errors.New("boom"), wantText: "error", wantNumber: 17},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotText, gotNumber := severityForStatus(tt.status, tt.err)
			if gotText != tt.wantText || gotNumber != tt.wantNumber {
				t.Fatalf("severityForStatus(%d, %v) = %s/%d, want %s/%d", tt.status, tt.err, gotText, gotNumber, tt.wantText, tt.wantNumber)
			}
		})
	}
}

func TestMetricsLogNilReceiver(t *testing.T) {
	var m *documentRequestMetrics
	m.Log(http.StatusOK, nil)
}
