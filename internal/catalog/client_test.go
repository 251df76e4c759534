package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// noSleep replaces the retry backoff so failure tests run instantly.
func noSleep(_ context.Context, _ time.Duration) error { return nil }

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL, "base123", "key-abc", testLogger(), opts...)
	c.sleep = noSleep
	return c
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Fatalf("encoding response: %v", err)
	}
}

func TestWorkerByPhone(t *testing.T) {
	var gotAuth, gotFormula, gotPath string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotFormula = r.URL.Query().Get("filterByFormula")
		gotPath = r.URL.Path
		writeJSON(t, w, recordList{Records: []record{{
			ID: "recW1",
			Fields: map[string]any{
				"Display Name": "Ana Diaz",
				"Phone":        "+15550001111",
				"PIN":          "4321",
				"Providers":    []any{"recP1"},
				"Active":       true,
			},
		}}})
	})

	w, err := c.WorkerByPhone(context.Background(), "+15550001111")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if w.ID != "recW1" || w.DisplayName != "Ana Diaz" || !w.Active {
		t.Fatalf("worker = %+v", w)
	}
	if len(w.ProviderIDs) != 1 || w.ProviderIDs[0] != "recP1" {
		t.Fatalf("provider ids = %v", w.ProviderIDs)
	}

	if gotAuth != "Bearer key-abc" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if gotPath != "/base123/Workers" {
		t.Fatalf("path = %q", gotPath)
	}
	if !strings.Contains(gotFormula, "{Phone} = '+15550001111'") {
		t.Fatalf("formula = %q", gotFormula)
	}
}

func TestWorkerByPhoneNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, recordList{})
	})

	_, err := c.WorkerByPhone(context.Background(), "+15559990000")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestGetRecordNotFoundStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"NOT_FOUND"}`, http.StatusNotFound)
	})

	_, err := c.Worker(context.Background(), "recMissing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRetryOnTransientFailure(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			http.Error(w, "upstream busy", http.StatusServiceUnavailable)
			return
		}
		writeJSON(t, w, record{ID: "recP1", Fields: map[string]any{"Name": "Harbor Care"}})
	})

	p, err := c.Provider(context.Background(), "recP1")
	if err != nil {
		t.Fatalf("lookup after retries: %v", err)
	}
	if p.Name != "Harbor Care" {
		t.Fatalf("provider = %+v", p)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetriesExhaust(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "still busy", http.StatusTooManyRequests)
	})

	_, err := c.Provider(context.Background(), "recP1")
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if !IsTransient(err) {
		t.Fatalf("err = %v, want transient classification", err)
	}
	if calls != maxRetries {
		t.Fatalf("calls = %d, want %d", calls, maxRetries)
	}
}

func TestPermanentFailureNoRetry(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, `{"error":"INVALID_REQUEST"}`, http.StatusUnprocessableEntity)
	})

	_, err := c.Provider(context.Background(), "recP1")
	var ue *UpstreamError
	if !errors.As(err, &ue) || ue.Transient {
		t.Fatalf("err = %v, want permanent UpstreamError", err)
	}
	if IsTransient(err) {
		t.Fatal("permanent error classified transient")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestShiftCacheAndFreshBypass(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeJSON(t, w, record{ID: "recS1", Fields: map[string]any{
			"Status":  "Scheduled",
			"Patient": "Oliver S.",
		}})
	}, WithCacheTTL(time.Minute))

	ctx := context.Background()
	if _, _, err := c.Shift(ctx, "recS1"); err != nil {
		t.Fatalf("first read: %v", err)
	}
	if _, _, err := c.Shift(ctx, "recS1"); err != nil {
		t.Fatalf("second read: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want cached second read", calls)
	}

	if _, err := c.ShiftFresh(ctx, "recS1"); err != nil {
		t.Fatalf("fresh read: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want fresh read to bypass cache", calls)
	}
}

func TestUpdateShiftStatusIllegalTransition(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
	})

	_, err := c.UpdateShiftStatus(context.Background(), "recS1", ShiftFilled, ShiftOpen, "")
	if err == nil {
		t.Fatal("expected illegal transition error")
	}
	if calls != 0 {
		t.Fatalf("calls = %d, illegal transition must not reach the wire", calls)
	}
}

func TestUpdateShiftStatusPatches(t *testing.T) {
	var gotMethod, gotPath string
	var gotBody map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		writeJSON(t, w, record{ID: "recS1", Fields: map[string]any{
			"Status":             "Open",
			"Assigned Worker ID": "",
		}})
	})

	s, err := c.UpdateShiftStatus(context.Background(), "recS1", ShiftScheduled, ShiftOpen, "")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if s.Status != ShiftOpen {
		t.Fatalf("status = %s", s.Status)
	}
	if gotMethod != http.MethodPatch || gotPath != "/base123/Shifts/recS1" {
		t.Fatalf("request = %s %s", gotMethod, gotPath)
	}
	fields, _ := gotBody["fields"].(map[string]any)
	if fields["Status"] != "Open" {
		t.Fatalf("patched fields = %v", fields)
	}
}

func TestScheduledShiftsForWorkerFiltersAndSorts(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, recordList{Records: []record{
			{ID: "recB", Fields: map[string]any{
				"Status": "Scheduled", "Scheduled At": "2026-08-28T09:00:00Z",
			}},
			{ID: "recPast", Fields: map[string]any{
				"Status": "Scheduled", "Scheduled At": "2026-08-25T09:00:00Z",
			}},
			{ID: "recA", Fields: map[string]any{
				"Status": "Scheduled", "Scheduled At": "2026-08-27T09:00:00Z",
			}},
		}})
	})

	shifts, _, err := c.ScheduledShiftsForWorker(context.Background(), "recW1", now)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(shifts) != 2 {
		t.Fatalf("shifts = %d, want past occurrence dropped", len(shifts))
	}
	if shifts[0].ID != "recA" || shifts[1].ID != "recB" {
		t.Fatalf("order = %s, %s", shifts[0].ID, shifts[1].ID)
	}
}

func TestQueryPagination(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Query().Get("offset") == "" {
			writeJSON(t, w, recordList{
				Records: []record{{ID: "rec1", Fields: map[string]any{"Active": true, "Phone": "+1555", "Providers": []any{"recP1"}}}},
				Offset:  "page2",
			})
			return
		}
		writeJSON(t, w, recordList{
			Records: []record{{ID: "rec2", Fields: map[string]any{"Active": true, "Phone": "+1556", "Providers": []any{"recP1"}}}},
		})
	})

	workers, err := c.ActiveProviderWorkers(context.Background(), "recP1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(workers) != 2 {
		t.Fatalf("workers = %d, want both pages", len(workers))
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestCreateCallLog(t *testing.T) {
	var gotMethod string
	var gotBody map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":"recL1","fields":{"Call ID":"CA1","Outcome":"released"}}`)
	})

	out, err := c.CreateCallLog(context.Background(), &CallLog{
		CallID: "CA1", WorkerID: "recW1", Direction: "inbound", DurationSec: 95, Outcome: "released",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if out.ID != "recL1" || out.CallID != "CA1" {
		t.Fatalf("log = %+v", out)
	}
	if gotMethod != http.MethodPost {
		t.Fatalf("method = %s", gotMethod)
	}
	fields, _ := gotBody["fields"].(map[string]any)
	if fields["Duration Sec"] != float64(95) {
		t.Fatalf("fields = %v", fields)
	}
}
