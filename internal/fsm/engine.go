package fsm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shiftline/shiftline/internal/catalog"
)

// ErrUnknownPhase is returned when a session carries a phase the engine has
// no handler for. This indicates a corrupted snapshot.
var ErrUnknownPhase = errors.New("fsm: unknown phase")

// Catalog is the subset of the record-system client the engine consumes.
type Catalog interface {
	WorkerByPhone(ctx context.Context, phone string) (*catalog.Worker, error)
	WorkerByPIN(ctx context.Context, pin string) (*catalog.Worker, error)
	Providers(ctx context.Context, ids []string) ([]catalog.Provider, error)
	ScheduledShiftsForWorker(ctx context.Context, workerID string, now time.Time) ([]catalog.Shift, time.Duration, error)
	ShiftFresh(ctx context.Context, id string) (*catalog.Shift, error)
}

// Releaser hands a released shift to the notification cascade. Release is
// idempotent on (shiftID, releaseAttemptID).
type Releaser interface {
	Release(ctx context.Context, shiftID, releaseAttemptID, releasedByWorkerID, reason string) error
}

// Emitter appends call lifecycle events to the per-provider event stream.
// Emission is best-effort; failures are logged, never surfaced to the caller.
type Emitter interface {
	Emit(ctx context.Context, providerID, event string, fields map[string]string)
}

// Settings are the tunables the engine consults on every Advance.
type Settings struct {
	PINLength        int
	MaxAttempts      int
	PageSize         int
	GatherTimeoutSec int
	// TransferFallback is dialed when the selected provider has no transfer number.
	TransferFallback string
}

// Engine is the deterministic interpreter of normalized input events
// against call sessions. It holds no per-call state; everything lives in
// the Session it is handed.
type Engine struct {
	cat      Catalog
	releaser Releaser
	emitter  Emitter
	settings Settings
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine creates an engine with the given capability handles.
func NewEngine(cat Catalog, releaser Releaser, emitter Emitter, settings Settings, logger *slog.Logger) *Engine {
	if settings.PINLength <= 0 {
		settings.PINLength = 4
	}
	if settings.MaxAttempts <= 0 {
		settings.MaxAttempts = 3
	}
	if settings.PageSize <= 0 {
		settings.PageSize = 3
	}
	if settings.GatherTimeoutSec <= 0 {
		settings.GatherTimeoutSec = 8
	}
	return &Engine{
		cat:      cat,
		releaser: releaser,
		emitter:  emitter,
		settings: settings,
		logger:   logger.With("subsystem", "fsm"),
		now:      time.Now,
	}
}

// SetClock overrides the engine's clock. Used by tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Advance applies one normalized event to the session and returns the
// directives to execute. The session is mutated in place; the caller owns
// the per-session critical section and persists the result.
//
// Duplicate delivery: an event whose token equals the session's
// lastInputToken is a carrier retry; the previously emitted directives are
// replayed and the session is not modified.
//
// Upstream failures never surface as errors: transient ones produce a
// retry-safe directive without state change, permanent ones move the
// session to the error phase. A non-nil error means an internal invariant
// broke.
func (e *Engine) Advance(ctx context.Context, s *Session, ev Event) ([]Directive, error) {
	if ev.Token != "" && ev.Token == s.LastInputToken {
		e.logger.Debug("duplicate input token, replaying directives",
			"call_id", s.ID, "token", ev.Token)
		return s.LastDirectives, nil
	}

	// Carrier session-stop terminates any non-terminal phase immediately.
	if ev.Type == EventSessionStopped {
		if !s.Phase.Terminal() {
			s.enterPhase(PhaseDone)
		}
		e.finish(s, ev, nil)
		return nil, nil
	}

	var dirs []Directive
	var err error
	switch s.Phase {
	case PhasePhoneAuth:
		dirs, err = e.phoneAuth(ctx, s, ev)
	case PhasePinAuth:
		dirs, err = e.pinAuth(ctx, s, ev)
	case PhaseProviderSelection:
		dirs, err = e.providerSelection(ctx, s, ev)
	case PhaseShiftList:
		dirs, err = e.shiftList(ctx, s, ev)
	case PhaseShiftOptions:
		dirs, err = e.shiftOptions(ctx, s, ev)
	case PhaseCollectReason:
		dirs, err = e.collectReason(ctx, s, ev)
	case PhaseConfirmRelease:
		dirs, err = e.confirmRelease(ctx, s, ev)
	case PhaseRepresentativeTransfer:
		dirs, err = e.representativeTransfer(ctx, s, ev)
	case PhaseWorkflowComplete:
		dirs, err = e.workflowComplete(ctx, s, ev)
	case PhaseDone, PhaseError:
		// Late input on a terminal session: nothing to do.
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPhase, s.Phase)
	}
	if err != nil {
		return nil, err
	}

	e.finish(s, ev, dirs)
	return dirs, nil
}

// finish records the processed token and directives and bumps UpdatedAt,
// keeping it strictly increasing even under a coarse clock.
func (e *Engine) finish(s *Session, ev Event, dirs []Directive) {
	if ev.Token != "" {
		s.LastInputToken = ev.Token
		s.LastDirectives = dirs
	}
	now := e.now()
	if !now.After(s.UpdatedAt) {
		now = s.UpdatedAt.Add(time.Nanosecond)
	}
	s.UpdatedAt = now
}

// retrySafe is the directive set for a transient upstream failure: a hold
// message plus the current phase's prompt so the caller can try again.
// Session state is deliberately untouched.
func (e *Engine) retrySafe(s *Session) []Directive {
	dirs := []Directive{speak(promptPleaseWait)}
	return append(dirs, e.repromptFor(s)...)
}

// fatal moves the session to the error phase with a spoken apology.
func (e *Engine) fatal(s *Session, reason string) []Directive {
	e.logger.Error("session failed", "call_id", s.ID, "phase", s.Phase, "reason", reason)
	s.enterPhase(PhaseError)
	return []Directive{speak(promptFatal), hangup()}
}

// phoneAuth resolves the caller by phone number on session start.
func (e *Engine) phoneAuth(ctx context.Context, s *Session, ev Event) ([]Directive, error) {
	if ev.Type != EventSessionStarted {
		// No input is expected before resolution; ignore strays.
		return nil, nil
	}

	w, err := e.cat.WorkerByPhone(ctx, s.CallerPhone)
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		s.enterPhase(PhasePinAuth)
		return []Directive{
			speak(promptDisclaimer),
			gatherDigits(promptEnterPIN, e.settings.PINLength, e.settings.GatherTimeoutSec, "#"),
		}, nil
	case catalog.IsTransient(err):
		// The lookup already burned its retries. There is no gather armed
		// yet and nothing to reprompt, so hand the call to a person.
		return append([]Directive{speak(promptSystemBusy)}, e.toRepresentative(ctx, s)...), nil
	case err != nil:
		return e.fatal(s, "phone lookup: "+err.Error()), nil
	}

	if !w.Active {
		s.enterPhase(PhasePinAuth)
		return []Directive{
			speak(promptDisclaimer),
			gatherDigits(promptEnterPIN, e.settings.PINLength, e.settings.GatherTimeoutSec, "#"),
		}, nil
	}

	dirs, err2 := e.postAuth(ctx, s, w)
	if err2 != nil {
		return nil, err2
	}
	return append([]Directive{speak(promptDisclaimer)}, dirs...), nil
}

// pinAuth collects DTMF PIN digits terminated by # or by reaching the
// configured PIN length.
func (e *Engine) pinAuth(ctx context.Context, s *Session, ev Event) ([]Directive, error) {
	switch ev.Type {
	case EventGatherTimeout:
		return e.failAttempt(s, promptInvalidPIN), nil
	case EventDTMF:
	default:
		return nil, nil
	}

	if ev.Digit != "#" {
		if ev.Digit < "0" || ev.Digit > "9" || len(ev.Digit) != 1 {
			return e.failAttempt(s, promptInvalidPIN), nil
		}
		s.PINBuffer += ev.Digit
		if len(s.PINBuffer) < e.settings.PINLength {
			// Keep collecting; the gather window stays armed.
			return nil, nil
		}
	}

	pin := s.PINBuffer
	s.PINBuffer = ""
	if pin == "" {
		return e.failAttempt(s, promptInvalidPIN), nil
	}

	w, err := e.cat.WorkerByPIN(ctx, pin)
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		e.emitter.Emit(ctx, "", "authentication_failed", map[string]string{
			"call_id": s.RootID, "method": "pin",
		})
		return e.failAttempt(s, promptInvalidPIN), nil
	case catalog.IsTransient(err):
		return e.retrySafe(s), nil
	case err != nil:
		return e.fatal(s, "pin lookup: "+err.Error()), nil
	}
	if !w.Active {
		return e.failAttempt(s, promptInvalidPIN), nil
	}

	return e.postAuth(ctx, s, w)
}

// postAuth is the shared path after phone or PIN authentication succeeds:
// attach the worker, load providers, and route to provider selection or
// straight to the shift list.
func (e *Engine) postAuth(ctx context.Context, s *Session, w *catalog.Worker) ([]Directive, error) {
	providers, err := e.cat.Providers(ctx, w.ProviderIDs)
	if catalog.IsTransient(err) {
		return e.retrySafe(s), nil
	}
	if err != nil {
		return e.fatal(s, "provider load: "+err.Error()), nil
	}
	if len(providers) == 0 {
		return e.fatal(s, "worker has no providers"), nil
	}

	s.Worker = w
	s.AvailableProviders = providers

	e.emitter.Emit(ctx, providers[0].ID, "call_authenticated", map[string]string{
		"call_id":   s.RootID,
		"worker_id": w.ID,
	})

	if len(providers) > 1 {
		s.enterPhase(PhaseProviderSelection)
		return []Directive{
			gatherDigits(providerSelectionPrompt(providers), 1, e.settings.GatherTimeoutSec, ""),
		}, nil
	}

	s.Provider = &providers[0]
	return e.loadShiftList(ctx, s, true)
}

// providerSelection routes a digit to one of the worker's providers.
func (e *Engine) providerSelection(ctx context.Context, s *Session, ev Event) ([]Directive, error) {
	switch ev.Type {
	case EventGatherTimeout:
		return e.failAttempt(s, providerSelectionPrompt(s.AvailableProviders)), nil
	case EventDTMF:
	default:
		return nil, nil
	}

	idx := digitIndex(ev.Digit)
	if idx < 1 || idx > len(s.AvailableProviders) {
		return e.failAttempt(s, providerSelectionPrompt(s.AvailableProviders)), nil
	}

	s.Provider = &s.AvailableProviders[idx-1]
	return e.loadShiftList(ctx, s, true)
}

// loadShiftList fetches the worker's future shifts and presents the first
// page. greet controls whether the greeting line precedes the menu.
func (e *Engine) loadShiftList(ctx context.Context, s *Session, greet bool) ([]Directive, error) {
	shifts, age, err := e.cat.ScheduledShiftsForWorker(ctx, s.Worker.ID, e.now())
	if catalog.IsTransient(err) {
		return e.retrySafe(s), nil
	}
	if err != nil {
		return e.fatal(s, "shift list load: "+err.Error()), nil
	}
	_ = age // list reads are display-only; writes re-fetch the shift itself

	s.Shifts = shifts
	s.Page = 0
	s.SelectedShift = nil
	s.enterPhase(PhaseShiftList)

	var dirs []Directive
	if greet {
		dirs = append(dirs, speak(greetingPrompt(s.Worker.FirstName(), len(shifts))))
	}
	if len(shifts) == 0 {
		dirs = append(dirs, gatherDigits(promptNoShifts, 1, e.settings.GatherTimeoutSec, ""))
		return dirs, nil
	}
	dirs = append(dirs, gatherDigits(e.shiftListMenu(s), 1, e.settings.GatherTimeoutSec, ""))
	return dirs, nil
}

// shiftList handles digit input on the paged shift menu. Digit 1 is the
// representative; 2..P+1 select a shift on the page; 8/9 page backwards
// and forwards.
func (e *Engine) shiftList(ctx context.Context, s *Session, ev Event) ([]Directive, error) {
	switch ev.Type {
	case EventGatherTimeout:
		return e.failAttempt(s, e.shiftListMenu(s)), nil
	case EventDTMF:
	default:
		return nil, nil
	}

	page := e.currentPage(s)

	switch {
	case ev.Digit == "1":
		return e.toRepresentative(ctx, s), nil
	case ev.Digit == "9" && (s.Page+1)*e.settings.PageSize < len(s.Shifts):
		s.Page++
		s.Attempts[PhaseShiftList] = 0
		return []Directive{gatherDigits(e.shiftListMenu(s), 1, e.settings.GatherTimeoutSec, "")}, nil
	case ev.Digit == "8" && s.Page > 0:
		s.Page--
		s.Attempts[PhaseShiftList] = 0
		return []Directive{gatherDigits(e.shiftListMenu(s), 1, e.settings.GatherTimeoutSec, "")}, nil
	}

	idx := digitIndex(ev.Digit)
	if idx < 2 || idx-2 >= len(page) {
		return e.failAttempt(s, e.shiftListMenu(s)), nil
	}

	sel := page[idx-2]
	s.SelectedShift = &sel
	s.enterPhase(PhaseShiftOptions)
	return []Directive{
		gatherDigits(shiftOptionsPrompt(&sel, s.Provider.Location()), 1, e.settings.GatherTimeoutSec, ""),
	}, nil
}

// shiftOptions handles the per-shift 2-option menu.
func (e *Engine) shiftOptions(ctx context.Context, s *Session, ev Event) ([]Directive, error) {
	switch ev.Type {
	case EventGatherTimeout:
		return e.failAttempt(s, shiftOptionsPrompt(s.SelectedShift, s.Provider.Location())), nil
	case EventDTMF:
	default:
		return nil, nil
	}

	switch ev.Digit {
	case "1":
		s.enterPhase(PhaseCollectReason)
		return []Directive{gatherSpeech(promptReason, 15)}, nil
	case "2":
		return e.toRepresentative(ctx, s), nil
	default:
		return e.failAttempt(s, shiftOptionsPrompt(s.SelectedShift, s.Provider.Location())), nil
	}
}

// collectReason stores the spoken release reason and asks for confirmation.
func (e *Engine) collectReason(ctx context.Context, s *Session, ev Event) ([]Directive, error) {
	switch ev.Type {
	case EventGatherTimeout:
		return e.failAttempt(s, promptReason), nil
	case EventUtterance:
	default:
		return nil, nil
	}

	if ev.Transcript == "" {
		return e.failAttempt(s, promptReason), nil
	}

	s.ReleaseReason = ev.Transcript
	s.enterPhase(PhaseConfirmRelease)
	return []Directive{
		gatherDigits(confirmReleasePrompt(s.SelectedShift, s.Provider.Location()), 1, e.settings.GatherTimeoutSec, ""),
	}, nil
}

// confirmRelease executes the release on "1" and returns to the shift
// options menu on "2".
func (e *Engine) confirmRelease(ctx context.Context, s *Session, ev Event) ([]Directive, error) {
	switch ev.Type {
	case EventGatherTimeout:
		return e.failAttempt(s, confirmReleasePrompt(s.SelectedShift, s.Provider.Location())), nil
	case EventDTMF:
	default:
		return nil, nil
	}

	switch ev.Digit {
	case "1":
		// Re-fetch the shift fresh: the cached copy may be stale and this
		// transition writes back.
		sh, err := e.cat.ShiftFresh(ctx, s.SelectedShift.ID)
		if catalog.IsTransient(err) {
			return e.retrySafe(s), nil
		}
		if err != nil {
			return e.fatal(s, "shift re-fetch: "+err.Error()), nil
		}
		if sh.Status != catalog.ShiftScheduled || sh.AssignedWorkerID != s.Worker.ID {
			s.enterPhase(PhaseWorkflowComplete)
			return []Directive{
				speak("That shift is no longer assigned to you."),
				gatherDigits(promptComplete, 1, e.settings.GatherTimeoutSec, ""),
			}, nil
		}

		err = e.releaser.Release(ctx, sh.ID, s.RootID, s.Worker.ID, s.ReleaseReason)
		if err != nil {
			// The release was not accepted; offer the representative instead.
			// The FSM never retries Release internally.
			e.logger.Error("shift release failed", "call_id", s.ID, "shift_id", sh.ID, "error", err)
			s.enterPhase(PhaseWorkflowComplete)
			s.PendingTransfer = &Transfer{
				TargetPhone: e.transferTarget(s),
				CallerPhone: s.CallerPhone,
			}
			return []Directive{gatherDigits(promptQueueDown, 1, e.settings.GatherTimeoutSec, "")}, nil
		}

		e.emitter.Emit(ctx, sh.ProviderID, "shift_opened", map[string]string{
			"call_id":   s.RootID,
			"shift_id":  sh.ID,
			"worker_id": s.Worker.ID,
			"reason":    s.ReleaseReason,
		})

		s.enterPhase(PhaseWorkflowComplete)
		return []Directive{
			speak(promptReleased),
			gatherDigits(promptComplete, 1, e.settings.GatherTimeoutSec, ""),
		}, nil

	case "2":
		s.enterPhase(PhaseShiftOptions)
		return []Directive{
			gatherDigits(shiftOptionsPrompt(s.SelectedShift, s.Provider.Location()), 1, e.settings.GatherTimeoutSec, ""),
		}, nil

	default:
		return e.failAttempt(s, confirmReleasePrompt(s.SelectedShift, s.Provider.Location())), nil
	}
}

// representativeTransfer is entered once the transfer directive has been
// emitted; any further input is ignored until the carrier stops the session.
func (e *Engine) representativeTransfer(_ context.Context, _ *Session, _ Event) ([]Directive, error) {
	return nil, nil
}

// workflowComplete is the post-action menu. "1" returns to the shift list,
// unless a representative-transfer fallback is pending, in which case "1"
// transfers. Anything else says goodbye.
func (e *Engine) workflowComplete(ctx context.Context, s *Session, ev Event) ([]Directive, error) {
	switch ev.Type {
	case EventGatherTimeout:
		s.enterPhase(PhaseDone)
		return []Directive{speak(promptGoodbye), hangup()}, nil
	case EventDTMF:
	default:
		return nil, nil
	}

	if ev.Digit == "1" {
		if s.PendingTransfer != nil {
			return e.toRepresentative(ctx, s), nil
		}
		return e.loadShiftList(ctx, s, false)
	}

	s.enterPhase(PhaseDone)
	return []Directive{speak(promptGoodbye), hangup()}, nil
}

// toRepresentative emits the hold-and-dial hand-off to the provider's
// transfer number (or the configured fallback).
func (e *Engine) toRepresentative(ctx context.Context, s *Session) []Directive {
	target := e.transferTarget(s)
	s.PendingTransfer = &Transfer{TargetPhone: target, CallerPhone: s.CallerPhone}
	s.enterPhase(PhaseRepresentativeTransfer)

	providerID := ""
	if s.Provider != nil {
		providerID = s.Provider.ID
	}
	e.emitter.Emit(ctx, providerID, "call_transferred", map[string]string{
		"call_id": s.RootID,
		"target":  target,
	})

	return []Directive{speak(promptHold), transfer(target)}
}

func (e *Engine) transferTarget(s *Session) string {
	if s.Provider != nil && s.Provider.TransferNumber != "" {
		return s.Provider.TransferNumber
	}
	return e.settings.TransferFallback
}

// failAttempt increments the current phase's attempt counter and either
// reprompts or, at the limit, apologizes and hangs up.
func (e *Engine) failAttempt(s *Session, reprompt string) []Directive {
	s.Attempts[s.Phase]++
	if s.Attempts[s.Phase] >= e.settings.MaxAttempts {
		if s.Phase == PhasePinAuth {
			s.enterPhase(PhaseError)
			return []Directive{speak(promptApology), hangup()}
		}
		s.enterPhase(PhaseDone)
		return []Directive{speak(promptGoodbye), hangup()}
	}
	spec := GatherSpec{MaxDigits: 1, TimeoutSec: e.settings.GatherTimeoutSec}
	if s.Phase == PhasePinAuth {
		spec = GatherSpec{MaxDigits: e.settings.PINLength, Terminator: "#", TimeoutSec: e.settings.GatherTimeoutSec}
		s.PINBuffer = ""
	}
	if s.Phase == PhaseCollectReason {
		return []Directive{speak(promptInvalid), gatherSpeech(reprompt, 15)}
	}
	return []Directive{
		speak(promptInvalid),
		{Type: DirectiveGather, Text: reprompt, Gather: &spec},
	}
}

// repromptFor rebuilds the current phase's gather prompt, used by the
// retry-safe path.
func (e *Engine) repromptFor(s *Session) []Directive {
	switch s.Phase {
	case PhasePinAuth:
		return []Directive{gatherDigits(promptEnterPIN, e.settings.PINLength, e.settings.GatherTimeoutSec, "#")}
	case PhaseProviderSelection:
		return []Directive{gatherDigits(providerSelectionPrompt(s.AvailableProviders), 1, e.settings.GatherTimeoutSec, "")}
	case PhaseShiftList:
		return []Directive{gatherDigits(e.shiftListMenu(s), 1, e.settings.GatherTimeoutSec, "")}
	case PhaseShiftOptions:
		return []Directive{gatherDigits(shiftOptionsPrompt(s.SelectedShift, s.Provider.Location()), 1, e.settings.GatherTimeoutSec, "")}
	case PhaseCollectReason:
		return []Directive{gatherSpeech(promptReason, 15)}
	case PhaseConfirmRelease:
		return []Directive{gatherDigits(confirmReleasePrompt(s.SelectedShift, s.Provider.Location()), 1, e.settings.GatherTimeoutSec, "")}
	case PhaseWorkflowComplete:
		return []Directive{gatherDigits(promptComplete, 1, e.settings.GatherTimeoutSec, "")}
	default:
		return nil
	}
}

// currentPage slices the loaded shifts to the session's page.
func (e *Engine) currentPage(s *Session) []catalog.Shift {
	p := e.settings.PageSize
	start := s.Page * p
	if start >= len(s.Shifts) {
		return nil
	}
	end := start + p
	if end > len(s.Shifts) {
		end = len(s.Shifts)
	}
	return s.Shifts[start:end]
}

func (e *Engine) pageCount(s *Session) int {
	p := e.settings.PageSize
	return (len(s.Shifts) + p - 1) / p
}

func (e *Engine) shiftListMenu(s *Session) string {
	if len(s.Shifts) == 0 {
		return promptNoShifts
	}
	return shiftListPrompt(e.currentPage(s), s.Page, e.pageCount(s), s.Provider.Location())
}

// digitIndex converts a single DTMF digit to its numeric value, or -1.
func digitIndex(d string) int {
	if len(d) != 1 || d[0] < '0' || d[0] > '9' {
		return -1
	}
	return int(d[0] - '0')
}
