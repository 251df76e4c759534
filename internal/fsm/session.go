package fsm

import (
	"time"

	"github.com/shiftline/shiftline/internal/catalog"
)

// Phase is the state of a call session's interactive flow.
type Phase string

const (
	PhasePhoneAuth              Phase = "phone_auth"
	PhasePinAuth                Phase = "pin_auth"
	PhaseProviderSelection      Phase = "provider_selection"
	PhaseShiftList              Phase = "shift_list"
	PhaseShiftOptions           Phase = "shift_options"
	PhaseCollectReason          Phase = "collect_reason"
	PhaseConfirmRelease         Phase = "confirm_release"
	PhaseRepresentativeTransfer Phase = "representative_transfer"
	PhaseWorkflowComplete       Phase = "workflow_complete"
	PhaseDone                   Phase = "done"
	PhaseError                  Phase = "error"
)

// Terminal reports whether the phase ends the session.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseError
}

// Direction of the call leg the session belongs to.
const (
	DirectionInbound       = "inbound"
	DirectionOutboundOffer = "outbound-offer"
)

// Transfer records a pending hand-off to a PSTN number.
type Transfer struct {
	TargetPhone string `json:"target_phone"`
	CallerPhone string `json:"caller_phone"`
}

// Session is the full per-call FSM snapshot. It is persisted to the call
// state store on every Advance and mutated only inside the per-session
// critical section.
type Session struct {
	ID          string `json:"id"`
	RootID      string `json:"root_id"`
	Direction   string `json:"direction"`
	CallerPhone string `json:"caller_phone"`

	Phase    Phase         `json:"phase"`
	Attempts map[Phase]int `json:"attempts"`

	// LastInputToken is the carrier's per-interaction sequence token of the
	// last processed input. A re-delivered event with the same token replays
	// LastDirectives without advancing state.
	LastInputToken string      `json:"last_input_token"`
	LastDirectives []Directive `json:"last_directives"`

	Worker             *catalog.Worker    `json:"worker,omitempty"`
	Provider           *catalog.Provider  `json:"provider,omitempty"`
	AvailableProviders []catalog.Provider `json:"available_providers,omitempty"`

	// Shifts is the worker's loaded shift list; Page indexes into it.
	Shifts        []catalog.Shift `json:"shifts,omitempty"`
	Page          int             `json:"page"`
	SelectedShift *catalog.Shift  `json:"selected_shift,omitempty"`

	PINBuffer       string    `json:"pin_buffer,omitempty"`
	ReleaseReason   string    `json:"release_reason,omitempty"`
	PendingTransfer *Transfer `json:"pending_transfer,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSession creates a session for a freshly started call leg.
func NewSession(id, callerPhone, direction string, now time.Time) *Session {
	return &Session{
		ID:          id,
		RootID:      id,
		Direction:   direction,
		CallerPhone: callerPhone,
		Phase:       PhasePhoneAuth,
		Attempts:    make(map[Phase]int),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// enterPhase moves the session to a new phase, resetting that phase's
// attempt counter and any phase-scoped input buffers.
func (s *Session) enterPhase(p Phase) {
	if s.Attempts == nil {
		s.Attempts = make(map[Phase]int)
	}
	s.Attempts[p] = 0
	if p == PhasePinAuth {
		s.PINBuffer = ""
	}
	s.Phase = p
}

// EventType classifies a normalized input event delivered to the FSM.
type EventType string

const (
	// EventSessionStarted is the first event of a new call leg.
	EventSessionStarted EventType = "session-started"
	// EventDTMF carries a single keypad digit.
	EventDTMF EventType = "dtmf"
	// EventUtterance carries the transcript of a completed voice utterance.
	EventUtterance EventType = "utterance"
	// EventGatherTimeout fires when no input arrived within the gather window.
	EventGatherTimeout EventType = "timeout"
	// EventSessionStopped is the carrier's session-stop notification.
	EventSessionStopped EventType = "session-stopped"
)

// Event is a normalized input consumed by Advance.
type Event struct {
	Type EventType
	// Token is the carrier's per-interaction sequence token; empty for
	// server-initiated events.
	Token      string
	Digit      string
	Transcript string
}

// DirectiveType classifies a carrier-facing instruction.
type DirectiveType string

const (
	// DirectiveSpeak synthesizes Text and plays it on the media stream.
	DirectiveSpeak DirectiveType = "speak"
	// DirectiveGather speaks Text then collects input per Gather.
	DirectiveGather DirectiveType = "gather"
	// DirectiveHangup terminates the call leg.
	DirectiveHangup DirectiveType = "hangup"
	// DirectiveTransfer hands the leg off to a PSTN number.
	DirectiveTransfer DirectiveType = "transfer"
	// DirectiveRecordReason starts capturing a short free-form utterance.
	DirectiveRecordReason DirectiveType = "record-reason"
)

// GatherSpec constrains input collection after a gather prompt.
type GatherSpec struct {
	// MaxDigits ends collection when reached; 1 auto-submits single-digit menus.
	MaxDigits int `json:"max_digits"`
	// Terminator submits early, typically "#". Not included in the input.
	Terminator string `json:"terminator,omitempty"`
	// TimeoutSec is the silence window, reset on each digit.
	TimeoutSec int `json:"timeout_sec"`
	// CollectSpeech gathers a voice utterance instead of digits.
	CollectSpeech bool `json:"collect_speech,omitempty"`
}

// Directive is one carrier-facing instruction produced by Advance.
type Directive struct {
	Type   DirectiveType `json:"type"`
	Text   string        `json:"text,omitempty"`
	Gather *GatherSpec   `json:"gather,omitempty"`
	Target string        `json:"target,omitempty"`
}

func speak(text string) Directive {
	return Directive{Type: DirectiveSpeak, Text: text}
}

func gatherDigits(text string, maxDigits, timeoutSec int, terminator string) Directive {
	return Directive{
		Type: DirectiveGather,
		Text: text,
		Gather: &GatherSpec{
			MaxDigits:  maxDigits,
			Terminator: terminator,
			TimeoutSec: timeoutSec,
		},
	}
}

func gatherSpeech(text string, timeoutSec int) Directive {
	return Directive{
		Type:   DirectiveRecordReason,
		Text:   text,
		Gather: &GatherSpec{TimeoutSec: timeoutSec, CollectSpeech: true},
	}
}

func hangup() Directive {
	return Directive{Type: DirectiveHangup}
}

func transfer(target string) Directive {
	return Directive{Type: DirectiveTransfer, Target: target}
}
