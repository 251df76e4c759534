package catalog

import (
	"fmt"
	"time"
)

// Table names in the record system base.
const (
	TableWorkers   = "Workers"
	TableProviders = "Providers"
	TableShifts    = "Shifts"
	TableCallLogs  = "Call Logs"
)

// ShiftStatus is the lifecycle state of a shift occurrence.
type ShiftStatus string

const (
	ShiftScheduled         ShiftStatus = "Scheduled"
	ShiftOpen              ShiftStatus = "Open"
	ShiftFilled            ShiftStatus = "Filled"
	ShiftUnfilledAfterText ShiftStatus = "UnfilledAfterText"
	ShiftUnfilledAfterCall ShiftStatus = "UnfilledAfterCalls"
	ShiftCancelled         ShiftStatus = "Cancelled"
)

// allowedTransitions enumerates the monotonic status paths. A shift never
// moves backwards: once Open it either fills, exhausts, or is cancelled.
var allowedTransitions = map[ShiftStatus][]ShiftStatus{
	ShiftScheduled:         {ShiftOpen, ShiftCancelled},
	ShiftOpen:              {ShiftFilled, ShiftUnfilledAfterText, ShiftUnfilledAfterCall, ShiftCancelled},
	ShiftUnfilledAfterText: {ShiftFilled, ShiftUnfilledAfterCall, ShiftCancelled},
	ShiftUnfilledAfterCall: {ShiftFilled, ShiftCancelled},
}

// CanTransition reports whether a shift may move from one status to another.
func CanTransition(from, to ShiftStatus) bool {
	if from == to {
		return false
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Worker is a person eligible to answer calls and be offered shifts.
type Worker struct {
	ID          string
	DisplayName string
	PIN         string
	Phone       string // E.164
	ProviderIDs []string
	Active      bool
}

// FirstName returns the leading word of the worker's display name, used in
// SMS bodies and synthesized offer audio.
func (w *Worker) FirstName() string {
	for i := 0; i < len(w.DisplayName); i++ {
		if w.DisplayName[i] == ' ' {
			return w.DisplayName[:i]
		}
	}
	return w.DisplayName
}

// Provider is the organizational tenant a worker is associated with.
type Provider struct {
	ID             string
	Name           string
	Greeting       string
	Timezone       string
	TransferNumber string
}

// Location returns the provider's time.Location, falling back to UTC when
// the stored timezone is empty or unknown.
func (p *Provider) Location() *time.Location {
	if p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Shift is a single scheduled occurrence of work.
type Shift struct {
	ID               string
	TemplateID       string // empty for direct (non-templated) shifts
	ProviderID       string
	AssignedWorkerID string // empty when no worker is assigned
	PatientDisplay   string // privacy-masked, e.g. "Oliver S."
	Suburb           string
	ScheduledAt      time.Time // absolute instant, UTC
	LocalDisplay     string    // preformatted local display string
	Status           ShiftStatus
}

// DisplayWhen formats the shift's scheduled time for prompts and SMS bodies
// in the given location, e.g. "Feb 1 4:30PM".
func (s *Shift) DisplayWhen(loc *time.Location) string {
	t := s.ScheduledAt.In(loc)
	return fmt.Sprintf("%s %s", t.Format("Jan 2"), formatClock(t))
}

// formatClock renders h:mmAM/PM without a leading zero on the hour.
func formatClock(t time.Time) string {
	return t.Format("3:04PM")
}

// CallLog is the durable per-call record the recording pipeline and FSM
// write back to the record system.
type CallLog struct {
	ID           string
	CallID       string // root call id
	WorkerID     string
	ProviderID   string
	Direction    string
	RecordingURL string
	DurationSec  int
	Outcome      string
}
