package fsm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/shiftline/shiftline/internal/catalog"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockCatalog is a hand-wired record set for engine tests.
type mockCatalog struct {
	workersByPhone map[string]*catalog.Worker
	workersByPIN   map[string]*catalog.Worker
	providers      []catalog.Provider
	shifts         []catalog.Shift
	freshShifts    map[string]*catalog.Shift

	phoneErr error
	shiftErr error
}

func (m *mockCatalog) WorkerByPhone(_ context.Context, phone string) (*catalog.Worker, error) {
	if m.phoneErr != nil {
		return nil, m.phoneErr
	}
	if w, ok := m.workersByPhone[phone]; ok {
		return w, nil
	}
	return nil, catalog.ErrNotFound
}

func (m *mockCatalog) WorkerByPIN(_ context.Context, pin string) (*catalog.Worker, error) {
	if w, ok := m.workersByPIN[pin]; ok {
		return w, nil
	}
	return nil, catalog.ErrNotFound
}

func (m *mockCatalog) Providers(_ context.Context, ids []string) ([]catalog.Provider, error) {
	return m.providers, nil
}

func (m *mockCatalog) ScheduledShiftsForWorker(_ context.Context, _ string, _ time.Time) ([]catalog.Shift, time.Duration, error) {
	if m.shiftErr != nil {
		return nil, 0, m.shiftErr
	}
	return append([]catalog.Shift(nil), m.shifts...), 0, nil
}

func (m *mockCatalog) ShiftFresh(_ context.Context, id string) (*catalog.Shift, error) {
	if s, ok := m.freshShifts[id]; ok {
		cp := *s
		return &cp, nil
	}
	for i := range m.shifts {
		if m.shifts[i].ID == id {
			cp := m.shifts[i]
			return &cp, nil
		}
	}
	return nil, catalog.ErrNotFound
}

type mockReleaser struct {
	calls []releaseCall
	err   error
}

type releaseCall struct {
	shiftID, attemptID, workerID, reason string
}

func (m *mockReleaser) Release(_ context.Context, shiftID, attemptID, workerID, reason string) error {
	m.calls = append(m.calls, releaseCall{shiftID, attemptID, workerID, reason})
	return m.err
}

type mockEmitter struct {
	events []string
}

func (m *mockEmitter) Emit(_ context.Context, _, event string, _ map[string]string) {
	m.events = append(m.events, event)
}

func testWorker() *catalog.Worker {
	return &catalog.Worker{
		ID:          "wrk1",
		DisplayName: "Ana Diaz",
		Phone:       "+15550001111",
		PIN:         "4321",
		ProviderIDs: []string{"prv1"},
		Active:      true,
	}
}

func testShifts(n int) []catalog.Shift {
	base := time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)
	out := make([]catalog.Shift, n)
	for i := range out {
		out[i] = catalog.Shift{
			ID:               "shf" + string(rune('a'+i)),
			ProviderID:       "prv1",
			AssignedWorkerID: "wrk1",
			PatientDisplay:   "Patient " + string(rune('A'+i)),
			ScheduledAt:      base.Add(time.Duration(i) * 24 * time.Hour),
			Status:           catalog.ShiftScheduled,
		}
	}
	return out
}

func newTestEngine(t *testing.T, cat *mockCatalog, rel *mockReleaser) (*Engine, *mockEmitter) {
	t.Helper()
	if cat.providers == nil {
		cat.providers = []catalog.Provider{{ID: "prv1", Name: "Harbor Care", Timezone: "UTC", TransferNumber: "+15559998888"}}
	}
	em := &mockEmitter{}
	e := NewEngine(cat, rel, em, Settings{
		PINLength:        4,
		MaxAttempts:      3,
		PageSize:         3,
		GatherTimeoutSec: 8,
		TransferFallback: "+15550009999",
	}, discardLogger())
	return e, em
}

func startSession(t *testing.T, e *Engine, phone string) *Session {
	t.Helper()
	s := NewSession("call-1", phone, DirectionInbound, time.Unix(1000, 0))
	if _, err := e.Advance(context.Background(), s, Event{Type: EventSessionStarted}); err != nil {
		t.Fatalf("session start: %v", err)
	}
	return s
}

func advance(t *testing.T, e *Engine, s *Session, ev Event) []Directive {
	t.Helper()
	dirs, err := e.Advance(context.Background(), s, ev)
	if err != nil {
		t.Fatalf("advance %s: %v", ev.Type, err)
	}
	return dirs
}

func dtmf(token, digit string) Event {
	return Event{Type: EventDTMF, Token: token, Digit: digit}
}

func TestPhoneAuthKnownCallerLandsOnShiftList(t *testing.T) {
	cat := &mockCatalog{
		workersByPhone: map[string]*catalog.Worker{"+15550001111": testWorker()},
		shifts:         testShifts(2),
	}
	e, em := newTestEngine(t, cat, &mockReleaser{})

	s := startSession(t, e, "+15550001111")

	if s.Phase != PhaseShiftList {
		t.Fatalf("phase = %s, want %s", s.Phase, PhaseShiftList)
	}
	if s.Worker == nil || s.Worker.ID != "wrk1" {
		t.Fatalf("worker not attached: %+v", s.Worker)
	}
	if len(em.events) == 0 || em.events[0] != "call_authenticated" {
		t.Fatalf("events = %v, want call_authenticated first", em.events)
	}
}

func TestPhoneAuthUnknownCallerFallsBackToPIN(t *testing.T) {
	cat := &mockCatalog{
		workersByPIN: map[string]*catalog.Worker{"4321": testWorker()},
		shifts:       testShifts(1),
	}
	e, _ := newTestEngine(t, cat, &mockReleaser{})

	s := startSession(t, e, "+15557770000")
	if s.Phase != PhasePinAuth {
		t.Fatalf("phase = %s, want %s", s.Phase, PhasePinAuth)
	}

	for i, d := range []string{"4", "3", "2", "1"} {
		advance(t, e, s, dtmf("t"+string(rune('0'+i)), d))
	}
	if s.Phase != PhaseShiftList {
		t.Fatalf("phase after PIN = %s, want %s", s.Phase, PhaseShiftList)
	}
}

func TestPhoneAuthOutageHandsOffToRepresentative(t *testing.T) {
	cat := &mockCatalog{
		phoneErr: &catalog.UpstreamError{Status: 503, Transient: true},
	}
	e, em := newTestEngine(t, cat, &mockReleaser{})

	s := NewSession("call-1", "+15550001111", DirectionInbound, time.Unix(1000, 0))
	dirs, err := e.Advance(context.Background(), s, Event{Type: EventSessionStarted})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}

	// Nothing is gathered before authentication, so the caller cannot be
	// left on a dead prompt; the call goes to a person instead.
	if s.Phase != PhaseRepresentativeTransfer {
		t.Fatalf("phase = %s, want %s", s.Phase, PhaseRepresentativeTransfer)
	}
	last := dirs[len(dirs)-1]
	if last.Type != DirectiveTransfer || last.Target != "+15550009999" {
		t.Fatalf("last directive = %+v, want transfer to the fallback number", last)
	}

	found := false
	for _, ev := range em.events {
		if ev == "call_transferred" {
			found = true
		}
	}
	if !found {
		t.Fatalf("events = %v, want call_transferred", em.events)
	}
}

func TestPinAuthExhaustionEndsInError(t *testing.T) {
	cat := &mockCatalog{workersByPIN: map[string]*catalog.Worker{}}
	e, em := newTestEngine(t, cat, &mockReleaser{})

	s := startSession(t, e, "+15557770000")

	tok := 0
	for attempt := 0; attempt < 3; attempt++ {
		for _, d := range []string{"0", "0", "0", "0"} {
			tok++
			advance(t, e, s, dtmf(strconv.Itoa(tok), d))
		}
	}

	if s.Phase != PhaseError {
		t.Fatalf("phase = %s, want %s", s.Phase, PhaseError)
	}
	failed := 0
	for _, ev := range em.events {
		if ev == "authentication_failed" {
			failed++
		}
	}
	if failed != 3 {
		t.Fatalf("authentication_failed events = %d, want 3", failed)
	}
}

func TestDuplicateTokenReplaysWithoutAdvancing(t *testing.T) {
	cat := &mockCatalog{
		workersByPhone: map[string]*catalog.Worker{"+15550001111": testWorker()},
		shifts:         testShifts(2),
	}
	e, _ := newTestEngine(t, cat, &mockReleaser{})
	s := startSession(t, e, "+15550001111")

	first := advance(t, e, s, dtmf("tok-1", "2"))
	if s.Phase != PhaseShiftOptions {
		t.Fatalf("phase = %s, want %s", s.Phase, PhaseShiftOptions)
	}
	updatedAt := s.UpdatedAt
	selected := s.SelectedShift.ID

	replay := advance(t, e, s, dtmf("tok-1", "2"))
	if s.Phase != PhaseShiftOptions || s.SelectedShift.ID != selected {
		t.Fatalf("replay mutated session: phase=%s selected=%s", s.Phase, s.SelectedShift.ID)
	}
	if !s.UpdatedAt.Equal(updatedAt) {
		t.Fatal("replay bumped UpdatedAt")
	}
	if len(replay) != len(first) || replay[0].Text != first[0].Text {
		t.Fatalf("replay directives differ: %v vs %v", replay, first)
	}
}

func TestShiftListPagination(t *testing.T) {
	cat := &mockCatalog{
		workersByPhone: map[string]*catalog.Worker{"+15550001111": testWorker()},
		shifts:         testShifts(5), // two pages at size 3
	}
	e, _ := newTestEngine(t, cat, &mockReleaser{})
	s := startSession(t, e, "+15550001111")

	// Next page.
	advance(t, e, s, dtmf("t1", "9"))
	if s.Page != 1 {
		t.Fatalf("page = %d, want 1", s.Page)
	}

	// Forward past the last page is an invalid input, not a page change.
	advance(t, e, s, dtmf("t2", "9"))
	if s.Page != 1 {
		t.Fatalf("page advanced past end: %d", s.Page)
	}
	if s.Attempts[PhaseShiftList] != 1 {
		t.Fatalf("attempts = %d, want 1", s.Attempts[PhaseShiftList])
	}

	// Back, then select the second shift of page 0 (digit 3 = index 1).
	advance(t, e, s, dtmf("t3", "8"))
	if s.Page != 0 {
		t.Fatalf("page = %d, want 0", s.Page)
	}
	if s.Attempts[PhaseShiftList] != 0 {
		t.Fatal("paging did not reset the attempt counter")
	}
	advance(t, e, s, dtmf("t4", "3"))
	if s.Phase != PhaseShiftOptions || s.SelectedShift.ID != cat.shifts[1].ID {
		t.Fatalf("selected %v in phase %s", s.SelectedShift, s.Phase)
	}
}

func TestShiftListInvalidInputExhaustionHangsUp(t *testing.T) {
	cat := &mockCatalog{
		workersByPhone: map[string]*catalog.Worker{"+15550001111": testWorker()},
		shifts:         testShifts(1),
	}
	e, _ := newTestEngine(t, cat, &mockReleaser{})
	s := startSession(t, e, "+15550001111")

	advance(t, e, s, dtmf("t1", "7"))
	advance(t, e, s, dtmf("t2", "7"))
	dirs := advance(t, e, s, dtmf("t3", "7"))

	if s.Phase != PhaseDone {
		t.Fatalf("phase = %s, want %s", s.Phase, PhaseDone)
	}
	if dirs[len(dirs)-1].Type != DirectiveHangup {
		t.Fatalf("final directive = %s, want hangup", dirs[len(dirs)-1].Type)
	}
}

func TestReleaseHappyPath(t *testing.T) {
	cat := &mockCatalog{
		workersByPhone: map[string]*catalog.Worker{"+15550001111": testWorker()},
		shifts:         testShifts(1),
	}
	rel := &mockReleaser{}
	e, em := newTestEngine(t, cat, rel)
	s := startSession(t, e, "+15550001111")

	advance(t, e, s, dtmf("t1", "2")) // select shift
	advance(t, e, s, dtmf("t2", "1")) // open this shift
	if s.Phase != PhaseCollectReason {
		t.Fatalf("phase = %s, want %s", s.Phase, PhaseCollectReason)
	}

	advance(t, e, s, Event{Type: EventUtterance, Token: "t3", Transcript: "car broke down"})
	if s.Phase != PhaseConfirmRelease || s.ReleaseReason != "car broke down" {
		t.Fatalf("phase=%s reason=%q", s.Phase, s.ReleaseReason)
	}

	advance(t, e, s, dtmf("t4", "1"))
	if s.Phase != PhaseWorkflowComplete {
		t.Fatalf("phase = %s, want %s", s.Phase, PhaseWorkflowComplete)
	}
	if len(rel.calls) != 1 {
		t.Fatalf("release calls = %d, want 1", len(rel.calls))
	}
	call := rel.calls[0]
	if call.shiftID != "shfa" || call.attemptID != s.RootID || call.workerID != "wrk1" || call.reason != "car broke down" {
		t.Fatalf("release call = %+v", call)
	}

	found := false
	for _, ev := range em.events {
		if ev == "shift_opened" {
			found = true
		}
	}
	if !found {
		t.Fatalf("shift_opened not emitted: %v", em.events)
	}
}

func TestConfirmDeclineReturnsToShiftOptions(t *testing.T) {
	cat := &mockCatalog{
		workersByPhone: map[string]*catalog.Worker{"+15550001111": testWorker()},
		shifts:         testShifts(1),
	}
	rel := &mockReleaser{}
	e, _ := newTestEngine(t, cat, rel)
	s := startSession(t, e, "+15550001111")

	advance(t, e, s, dtmf("t1", "2"))
	advance(t, e, s, dtmf("t2", "1"))
	advance(t, e, s, Event{Type: EventUtterance, Token: "t3", Transcript: "sick"})
	advance(t, e, s, dtmf("t4", "2"))

	if s.Phase != PhaseShiftOptions {
		t.Fatalf("phase = %s, want %s", s.Phase, PhaseShiftOptions)
	}
	if len(rel.calls) != 0 {
		t.Fatalf("release called on decline: %+v", rel.calls)
	}
}

func TestReleaseFailureOffersRepresentative(t *testing.T) {
	cat := &mockCatalog{
		workersByPhone: map[string]*catalog.Worker{"+15550001111": testWorker()},
		shifts:         testShifts(1),
	}
	rel := &mockReleaser{err: errors.New("redis down")}
	e, _ := newTestEngine(t, cat, rel)
	s := startSession(t, e, "+15550001111")

	advance(t, e, s, dtmf("t1", "2"))
	advance(t, e, s, dtmf("t2", "1"))
	advance(t, e, s, Event{Type: EventUtterance, Token: "t3", Transcript: "sick"})
	advance(t, e, s, dtmf("t4", "1"))

	if s.Phase != PhaseWorkflowComplete {
		t.Fatalf("phase = %s, want %s", s.Phase, PhaseWorkflowComplete)
	}
	if s.PendingTransfer == nil {
		t.Fatal("no pending transfer after release failure")
	}
	if len(rel.calls) != 1 {
		t.Fatalf("release calls = %d, want exactly 1 (no internal retry)", len(rel.calls))
	}

	// "1" now routes to the representative, not back to the shift list.
	dirs := advance(t, e, s, dtmf("t5", "1"))
	if s.Phase != PhaseRepresentativeTransfer {
		t.Fatalf("phase = %s, want %s", s.Phase, PhaseRepresentativeTransfer)
	}
	last := dirs[len(dirs)-1]
	if last.Type != DirectiveTransfer || last.Target != "+15559998888" {
		t.Fatalf("transfer directive = %+v", last)
	}
}

func TestConfirmReleaseOnReassignedShift(t *testing.T) {
	shifts := testShifts(1)
	reassigned := shifts[0]
	reassigned.AssignedWorkerID = "wrk2"
	cat := &mockCatalog{
		workersByPhone: map[string]*catalog.Worker{"+15550001111": testWorker()},
		shifts:         shifts,
		freshShifts:    map[string]*catalog.Shift{"shfa": &reassigned},
	}
	rel := &mockReleaser{}
	e, _ := newTestEngine(t, cat, rel)
	s := startSession(t, e, "+15550001111")

	advance(t, e, s, dtmf("t1", "2"))
	advance(t, e, s, dtmf("t2", "1"))
	advance(t, e, s, Event{Type: EventUtterance, Token: "t3", Transcript: "sick"})
	advance(t, e, s, dtmf("t4", "1"))

	if len(rel.calls) != 0 {
		t.Fatal("released a shift no longer assigned to the caller")
	}
	if s.Phase != PhaseWorkflowComplete {
		t.Fatalf("phase = %s, want %s", s.Phase, PhaseWorkflowComplete)
	}
}

func TestRepresentativeFromShiftList(t *testing.T) {
	cat := &mockCatalog{
		workersByPhone: map[string]*catalog.Worker{"+15550001111": testWorker()},
		shifts:         testShifts(1),
	}
	e, em := newTestEngine(t, cat, &mockReleaser{})
	s := startSession(t, e, "+15550001111")

	dirs := advance(t, e, s, dtmf("t1", "1"))
	if s.Phase != PhaseRepresentativeTransfer {
		t.Fatalf("phase = %s, want %s", s.Phase, PhaseRepresentativeTransfer)
	}
	if dirs[len(dirs)-1].Type != DirectiveTransfer {
		t.Fatalf("directives = %+v", dirs)
	}
	found := false
	for _, ev := range em.events {
		if ev == "call_transferred" {
			found = true
		}
	}
	if !found {
		t.Fatalf("call_transferred not emitted: %v", em.events)
	}
}

func TestSessionStopTerminates(t *testing.T) {
	cat := &mockCatalog{
		workersByPhone: map[string]*catalog.Worker{"+15550001111": testWorker()},
		shifts:         testShifts(1),
	}
	e, _ := newTestEngine(t, cat, &mockReleaser{})
	s := startSession(t, e, "+15550001111")

	advance(t, e, s, Event{Type: EventSessionStopped})
	if s.Phase != PhaseDone {
		t.Fatalf("phase = %s, want %s", s.Phase, PhaseDone)
	}
}

func TestUpdatedAtStrictlyIncreases(t *testing.T) {
	cat := &mockCatalog{
		workersByPhone: map[string]*catalog.Worker{"+15550001111": testWorker()},
		shifts:         testShifts(1),
	}
	e, _ := newTestEngine(t, cat, &mockReleaser{})
	frozen := time.Unix(2000, 0)
	e.SetClock(func() time.Time { return frozen })

	s := startSession(t, e, "+15550001111")
	first := s.UpdatedAt
	advance(t, e, s, dtmf("t1", "7"))
	if !s.UpdatedAt.After(first) {
		t.Fatalf("UpdatedAt did not advance under a frozen clock: %v vs %v", s.UpdatedAt, first)
	}
}
