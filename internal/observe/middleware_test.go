package observe_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/MrWong99/visionvoice/internal/health"
	"github.com/MrWong99/visionvoice/internal/observe"
)

// lockedBuffer is written by server goroutines and read by the test.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// entries decodes the JSON log lines written so far.
func (b *lockedBuffer) entries(t *testing.T) []map[string]any {
	t.Helper()
	b.mu.Lock()
	data := append([]byte(nil), b.buf.Bytes()...)
	b.mu.Unlock()

	var out []map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var e map[string]any
		if err := dec.Decode(&e); errors.Is(err, io.EOF) {
			return out
		} else if err != nil {
			t.Fatalf("decode log line: %v", err)
		}
		out = append(out, e)
	}
}

// completed returns the request-completed entry for path, if any.
func (b *lockedBuffer) completed(t *testing.T, path string) (map[string]any, bool) {
	t.Helper()
	for _, e := range b.entries(t) {
		if e["msg"] == "request completed" && e["path"] == path {
			return e, true
		}
	}
	return nil, false
}

// statusServer runs the status routes behind Middleware, wired as the app
// wires them: a camera check that fails and a fixed metrics exposition.
type statusServer struct {
	base   string
	reader *sdkmetric.ManualReader
	spans  *tracetest.InMemoryExporter
	logs   *lockedBuffer
}

func startStatusServer(t *testing.T, level slog.Level) *statusServer {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	spans := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(spans))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	logs := &lockedBuffer{}
	log := slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: level}))

	camera := health.Checker{Name: "camera", Check: func(context.Context) error {
		return errors.New("not ready")
	}}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "visionvoice_frames_processed_total 12\n")
	})
	srv := health.NewServer("127.0.0.1:0", health.New(camera), metrics, observe.Middleware(m, log), log)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return &statusServer{base: "http://" + srv.Addr(), reader: reader, spans: spans, logs: logs}
}

func (s *statusServer) get(t *testing.T, path string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, s.base+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMiddleware_StatusRoutes(t *testing.T) {
	s := startStatusServer(t, slog.LevelDebug)

	routes := []struct {
		path     string
		wantCode int
	}{
		{"/readyz", http.StatusServiceUnavailable},
		{"/metrics", http.StatusOK},
		{"/healthz", http.StatusOK},
	}
	for _, rt := range routes {
		resp := s.get(t, rt.path, nil)
		if resp.StatusCode != rt.wantCode {
			t.Errorf("%s: code = %d, want %d", rt.path, resp.StatusCode, rt.wantCode)
		}
		cid := resp.Header.Get("X-Correlation-ID")
		if len(cid) != 32 {
			t.Errorf("%s: X-Correlation-ID = %q, want a trace ID", rt.path, cid)
		}

		var entry map[string]any
		waitFor(t, rt.path+" completion log", func() bool {
			var ok bool
			entry, ok = s.logs.completed(t, rt.path)
			return ok
		})
		if entry["level"] != "DEBUG" {
			t.Errorf("%s: logged at %v, want DEBUG", rt.path, entry["level"])
		}
		if entry["status"] != float64(rt.wantCode) || entry["trace_id"] != cid {
			t.Errorf("%s: log entry = %v, want status %d trace %s", rt.path, entry, rt.wantCode, cid)
		}

		var span tracetest.SpanStub
		waitFor(t, rt.path+" span", func() bool {
			for _, sp := range s.spans.GetSpans() {
				if sp.Name == "HTTP GET "+rt.path {
					span = sp
					return true
				}
			}
			return false
		})
		if span.SpanContext.TraceID().String() != cid {
			t.Errorf("%s: span trace %s, header %s", rt.path, span.SpanContext.TraceID(), cid)
		}
		var code int64
		for _, a := range span.Attributes {
			if a.Key == "http.response.status_code" {
				code = a.Value.AsInt64()
			}
		}
		if code != int64(rt.wantCode) {
			t.Errorf("%s: span status = %d, want %d", rt.path, code, rt.wantCode)
		}
	}

	var rm metricdata.ResourceMetrics
	if err := s.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	counts := map[string]uint64{}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			h, ok := met.Data.(metricdata.Histogram[float64])
			if !ok || met.Name != "visionvoice.http.request.duration" {
				continue
			}
			for _, dp := range h.DataPoints {
				if p, ok := dp.Attributes.Value(attribute.Key("path")); ok {
					counts[p.AsString()] += dp.Count
				}
			}
		}
	}
	for _, rt := range routes {
		if counts[rt.path] != 1 {
			t.Errorf("duration samples for %s = %d, want 1", rt.path, counts[rt.path])
		}
	}
}

func TestMiddleware_CompletionLogIsDebugOnly(t *testing.T) {
	s := startStatusServer(t, slog.LevelInfo)

	s.get(t, "/metrics", nil)
	s.get(t, "/readyz", nil)

	// Wait for the span, which ends after the log call.
	waitFor(t, "readyz span", func() bool { return len(s.spans.GetSpans()) == 2 })
	for _, e := range s.logs.entries(t) {
		if e["msg"] == "request completed" {
			t.Errorf("completion logged at info level: %v", e)
		}
	}
}

func TestMiddleware_ContinuesCallerTrace(t *testing.T) {
	s := startStatusServer(t, slog.LevelDebug)

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	resp := s.get(t, "/healthz", http.Header{
		"Traceparent": {"00-" + traceID + "-00f067aa0ba902b7-01"},
	})

	if got := resp.Header.Get("X-Correlation-ID"); got != traceID {
		t.Errorf("X-Correlation-ID = %q, want the caller's trace %q", got, traceID)
	}
	if tp := resp.Header.Get("Traceparent"); !strings.Contains(tp, traceID) {
		t.Errorf("traceparent = %q, want it to carry %q", tp, traceID)
	}
}
