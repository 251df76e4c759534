package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

var _ http.Hijacker = (*statusWriter)(nil)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestRequestLoggerWebhookLine(t *testing.T) {
	buf := captureLog(t)

	handler := RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<Response></Response>"))
	}))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/voice", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("parse log line: %v", err)
	}
	if line["method"] != "POST" || line["path"] != "/webhooks/voice" {
		t.Fatalf("line = %v", line)
	}
	// JSON numbers decode as float64.
	if line["status"] != float64(200) {
		t.Fatalf("status = %v", line["status"])
	}
	if line["bytes"] != float64(len("<Response></Response>")) {
		t.Fatalf("bytes = %v", line["bytes"])
	}
	if _, ok := line["duration_ms"]; !ok {
		t.Fatal("duration_ms missing")
	}
}

func TestRequestLoggerCapturesExplicitStatus(t *testing.T) {
	buf := captureLog(t)

	handler := RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/recording-status", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("parse log line: %v", err)
	}
	if line["status"] != float64(403) {
		t.Fatalf("status = %v", line["status"])
	}
}

func TestRequestLoggerQuietPathsAtDebug(t *testing.T) {
	// The default handler level is info, so a health poll produces no line.
	buf := captureLog(t)

	handler := RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if buf.Len() != 0 {
		t.Fatalf("health poll logged at info: %s", buf.String())
	}
}

func TestStatusWriterFirstStatusWins(t *testing.T) {
	rr := httptest.NewRecorder()
	w := newStatusWriter(rr)

	w.WriteHeader(http.StatusCreated)
	w.WriteHeader(http.StatusInternalServerError)

	if w.status != http.StatusCreated {
		t.Fatalf("status = %d, want first write to stick", w.status)
	}
}

func TestStatusWriterCountsBytes(t *testing.T) {
	rr := httptest.NewRecorder()
	w := newStatusWriter(rr)

	w.Write([]byte("abc"))
	w.Write([]byte("de"))

	if w.status != http.StatusOK {
		t.Fatalf("status = %d, want implicit 200", w.status)
	}
	if w.bytes != 5 {
		t.Fatalf("bytes = %d, want 5", w.bytes)
	}
}
