package telephony

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/shiftline/shiftline/internal/catalog"
	"github.com/shiftline/shiftline/internal/fsm"
	"github.com/shiftline/shiftline/internal/media"
	"github.com/shiftline/shiftline/internal/store"
	"github.com/shiftline/shiftline/internal/tts"
)

// Transcriber turns captured mu-law call audio into text. Transcription is
// a pluggable capability; the reason-collection flow is its only consumer.
type Transcriber interface {
	Transcribe(ctx context.Context, ulaw []byte) (string, error)
}

// CallLogWriter is the catalog surface the runner needs at call end.
type CallLogWriter interface {
	CreateCallLog(ctx context.Context, cl *catalog.CallLog) (*catalog.CallLog, error)
}

// eventQueueSize bounds the per-session event queue. Media frames do not
// enter this queue; only control events do, so a small bound suffices.
const eventQueueSize = 64

// SessionDeps are the capability handles a session runner needs.
type SessionDeps struct {
	Engine      *fsm.Engine
	Store       *store.CallStore
	Events      *store.EventStream
	Carrier     *Client
	TTS         tts.Synthesizer
	Transcriber Transcriber
	Buffers     *media.CallBuffers
	CallLogs    CallLogWriter
	Logger      *slog.Logger

	// TransferTimeoutSec bounds the representative dial.
	TransferTimeoutSec int
	// TransferCallerID is the number shown to the representative.
	TransferCallerID string
}

// SessionRunner binds one media-stream connection to the FSM. It is the
// per-session actor: the read loop normalizes carrier frames onto a
// bounded queue, and a single goroutine drains the queue and applies
// events in strict arrival order. All outbound I/O happens from that
// goroutine; media-frame ingestion never blocks on it.
type SessionRunner struct {
	deps   SessionDeps
	stream *media.Stream
	player *media.Player
	logger *slog.Logger

	events chan fsm.Event

	// Session state, owned by the actor goroutine.
	sess        *fsm.Session
	savedAt     time.Time
	callSid     string
	capturing   bool // a reason capture is in progress
	gatherTimer *time.Timer
	gatherSpec  *fsm.GatherSpec

	stopOnce sync.Once
}

// NewSessionRunner wraps an accepted media stream.
func NewSessionRunner(stream *media.Stream, deps SessionDeps) *SessionRunner {
	return &SessionRunner{
		deps:   deps,
		stream: stream,
		player: media.NewPlayer(stream, deps.Logger),
		logger: deps.Logger.With("subsystem", "session"),
		events: make(chan fsm.Event, eventQueueSize),
	}
}

// Run drives the session until the stream closes or the context ends.
func (r *SessionRunner) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go r.readLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			r.finalize(context.WithoutCancel(ctx), "server-shutdown")
			return
		case ev, ok := <-r.events:
			if !ok {
				return
			}
			r.apply(ctx, ev)
			if ev.Type == fsm.EventSessionStopped {
				r.finalize(context.WithoutCancel(ctx), "carrier-stop")
				return
			}
		}
	}
}

// readLoop translates carrier frames into normalized events. Inbound audio
// is appended to the root-keyed call buffer without touching the event
// queue, so slow catalog or queue calls can never back-pressure media.
func (r *SessionRunner) readLoop(ctx context.Context) {
	defer close(r.events)

	// Local copy; the actor goroutine reads r.callSid only after the
	// session-started event, so the single write here is safely published
	// through the channel send.
	var rootID string

	for {
		f, err := r.stream.ReadFrame()
		if err != nil {
			r.push(fsm.Event{Type: fsm.EventSessionStopped})
			return
		}

		switch f.Event {
		case media.FrameStart:
			caller := ""
			callSid := ""
			rootOverride := ""
			if f.Start != nil {
				caller = f.Start.CustomParameters["callerPhone"]
				rootOverride = f.Start.CustomParameters["rootCallId"]
				callSid = f.Start.CallSid
			}
			r.callSid = callSid
			rootID = callSid
			if rootOverride != "" {
				rootID = rootOverride
			}
			if caller == "" && callSid != "" {
				// Side-channel parameter missing: one-shot control-API fetch.
				details, err := r.deps.Carrier.Call(ctx, callSid)
				if err != nil {
					r.logger.Warn("caller phone fetch failed", "call_sid", callSid, "error", err)
				} else {
					caller = details.From
				}
			}
			r.push(fsm.Event{Type: fsm.EventSessionStarted, Transcript: caller})

		case media.FrameMedia:
			if f.Media == nil || f.Media.Track == "outbound" {
				continue
			}
			ulaw, err := media.DecodePayload(f.Media.Payload)
			if err != nil {
				r.logger.Warn("undecodable media payload, skipping", "error", err)
				continue
			}
			if rootID != "" {
				r.deps.Buffers.Append(ctx, rootID, ulaw)
			}

		case media.FrameDTMF:
			if f.DTMF == nil {
				continue
			}
			// Barge-in: a keypress cuts any active playout immediately.
			r.player.Stop()
			r.push(fsm.Event{Type: fsm.EventDTMF, Token: f.SequenceNumber, Digit: f.DTMF.Digit})

		case media.FrameStop:
			r.push(fsm.Event{Type: fsm.EventSessionStopped})
			return

		case media.FrameMark:
			// Playout boundary echo; nothing to do.

		default:
			r.logger.Debug("ignoring unknown frame event", "event", f.Event)
		}
	}
}

// push enqueues an event, dropping it if the queue is full. Dropping is
// preferable to blocking the read loop; the gather timeout recovers the
// conversation.
func (r *SessionRunner) push(ev fsm.Event) {
	select {
	case r.events <- ev:
	default:
		r.logger.Warn("event queue full, dropping event", "type", ev.Type)
	}
}

func (r *SessionRunner) rootID() string {
	if r.sess != nil {
		return r.sess.RootID
	}
	return r.callSid
}

// apply runs one event through the FSM inside the per-session critical
// section and executes the resulting directives.
func (r *SessionRunner) apply(ctx context.Context, ev fsm.Event) {
	if ev.Type == fsm.EventSessionStarted {
		r.start(ctx, ev.Transcript)
		ev = fsm.Event{Type: fsm.EventSessionStarted}
	}
	if r.sess == nil {
		return
	}

	if ev.Type == fsm.EventDTMF {
		r.resetGatherTimer()
	}

	dirs, err := r.deps.Engine.Advance(ctx, r.sess, ev)
	if err != nil {
		r.logger.Error("advance failed", "call_sid", r.callSid, "error", err)
		return
	}

	if err := r.save(ctx); err != nil {
		r.logger.Error("session save failed", "call_sid", r.callSid, "error", err)
	}

	if len(dirs) > 0 {
		r.execute(ctx, dirs)
	}
}

// start creates or resumes the session snapshot for this call.
func (r *SessionRunner) start(ctx context.Context, callerPhone string) {
	if r.callSid == "" {
		r.logger.Error("media stream started without call sid")
		return
	}

	sess, err := r.deps.Store.Load(ctx, r.callSid)
	switch {
	case err == nil:
		r.sess = sess
		r.savedAt = sess.UpdatedAt
		r.logger.Info("resumed call session", "call_sid", r.callSid, "phase", sess.Phase)
		return
	case errors.Is(err, store.ErrNotFound):
	default:
		r.logger.Error("session load failed", "call_sid", r.callSid, "error", err)
	}

	r.sess = fsm.NewSession(r.callSid, callerPhone, fsm.DirectionInbound, time.Now())
	if err := r.deps.Store.Save(ctx, r.sess, time.Time{}); err != nil {
		r.logger.Error("initial session save failed", "call_sid", r.callSid, "error", err)
	}
	r.savedAt = r.sess.UpdatedAt

	r.deps.Events.Emit(ctx, r.providerID(), store.EventCallStarted, map[string]string{
		"call_id": r.callSid,
		"caller":  callerPhone,
	})
}

// save persists the session with the compare-and-set guard.
func (r *SessionRunner) save(ctx context.Context) error {
	if err := r.deps.Store.Save(ctx, r.sess, r.savedAt); err != nil {
		return err
	}
	r.savedAt = r.sess.UpdatedAt
	return nil
}

// execute synthesizes and plays the directive set's prompts and schedules
// the control-plane side effects for after playout.
func (r *SessionRunner) execute(ctx context.Context, dirs []fsm.Directive) {
	r.clearGatherTimer()
	r.capturing = false

	var audio []byte
	var gather *fsm.GatherSpec
	var hangupAfter, capture bool
	var transferTarget string

	for _, d := range dirs {
		if d.Text != "" {
			synth, err := r.deps.TTS.Synthesize(ctx, d.Text)
			if err != nil {
				r.logger.Error("tts synthesis failed", "call_sid", r.callSid, "error", err)
				continue
			}
			audio = append(audio, synth...)
		}
		switch d.Type {
		case fsm.DirectiveGather:
			gather = d.Gather
		case fsm.DirectiveRecordReason:
			gather = d.Gather
			capture = true
		case fsm.DirectiveHangup:
			hangupAfter = true
		case fsm.DirectiveTransfer:
			transferTarget = d.Target
		}
	}

	playoutDur := time.Duration(len(audio)) * time.Second / media.SampleRate
	if len(audio) > 0 {
		r.player.Play(ctx, audio)
	}

	if capture {
		// Reset the capture window so the reason take starts after the prompt.
		r.deps.Buffers.Take(r.rootID())
		r.capturing = true
	}

	if gather != nil {
		r.gatherSpec = gather
		timeout := playoutDur + time.Duration(gather.TimeoutSec)*time.Second
		r.armGatherTimer(timeout)
	}

	if transferTarget != "" {
		r.afterPlayout(ctx, playoutDur, func(cctx context.Context) {
			doc := TransferResponse(transferTarget, r.deps.TransferCallerID, r.deps.TransferTimeoutSec)
			if err := r.deps.Carrier.Redirect(cctx, r.callSid, doc); err != nil {
				r.logger.Error("transfer redirect failed", "call_sid", r.callSid, "error", err)
			}
		})
	}

	if hangupAfter {
		r.afterPlayout(ctx, playoutDur, func(cctx context.Context) {
			if err := r.deps.Carrier.Hangup(cctx, r.callSid); err != nil && !errors.Is(err, ErrCallNotFound) {
				r.logger.Error("hangup failed", "call_sid", r.callSid, "error", err)
			}
		})
	}
}

// afterPlayout schedules a control-plane action for when queued audio has
// drained, plus a small grace for carrier buffering.
func (r *SessionRunner) afterPlayout(ctx context.Context, playoutDur time.Duration, fn func(context.Context)) {
	delay := playoutDur + 500*time.Millisecond
	go func() {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
			fn(context.WithoutCancel(ctx))
		}
	}()
}

// armGatherTimer schedules the no-input timeout for the active gather.
func (r *SessionRunner) armGatherTimer(d time.Duration) {
	r.clearGatherTimer()
	capturing := r.capturing
	r.gatherTimer = time.AfterFunc(d, func() {
		if capturing {
			r.finishCapture()
			return
		}
		r.push(fsm.Event{Type: fsm.EventGatherTimeout})
	})
}

// resetGatherTimer restarts the timeout window after a digit, per the
// reset-on-each-digit gather rule.
func (r *SessionRunner) resetGatherTimer() {
	if r.gatherTimer == nil || r.gatherSpec == nil {
		return
	}
	r.gatherTimer.Reset(time.Duration(r.gatherSpec.TimeoutSec) * time.Second)
}

func (r *SessionRunner) clearGatherTimer() {
	if r.gatherTimer != nil {
		r.gatherTimer.Stop()
		r.gatherTimer = nil
	}
}

// finishCapture closes the reason-capture window: take the buffered
// audio, transcribe it, and feed the utterance back as a normalized event.
func (r *SessionRunner) finishCapture() {
	ulaw := r.deps.Buffers.Take(r.rootID())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	transcript := ""
	if len(ulaw) > 0 && r.deps.Transcriber != nil {
		text, err := r.deps.Transcriber.Transcribe(ctx, ulaw)
		if err != nil {
			r.logger.Warn("reason transcription failed", "call_sid", r.callSid, "error", err)
		} else {
			transcript = text
		}
	}
	r.push(fsm.Event{Type: fsm.EventUtterance, Transcript: transcript})
}

func (r *SessionRunner) providerID() string {
	if r.sess != nil && r.sess.Provider != nil {
		return r.sess.Provider.ID
	}
	return ""
}

// finalize runs once at session end: emit call_ended, write the call log,
// and clean up per-call state. The session snapshot is deleted only on a
// terminal phase; otherwise the TTL reaps it.
func (r *SessionRunner) finalize(ctx context.Context, reason string) {
	r.stopOnce.Do(func() {
		r.clearGatherTimer()
		r.player.Stop()

		if r.sess == nil {
			return
		}

		duration := time.Since(r.sess.CreatedAt)
		r.deps.Events.Emit(ctx, r.providerID(), store.EventCallEnded, map[string]string{
			"call_id":      r.sess.RootID,
			"duration_sec": strconv.Itoa(int(duration.Seconds())),
			"reason":       reason,
			"phase":        string(r.sess.Phase),
		})

		cl := &catalog.CallLog{
			CallID:      r.sess.RootID,
			Direction:   r.sess.Direction,
			DurationSec: int(duration.Seconds()),
			Outcome:     string(r.sess.Phase),
		}
		if r.sess.Worker != nil {
			cl.WorkerID = r.sess.Worker.ID
		}
		if r.sess.Provider != nil {
			cl.ProviderID = r.sess.Provider.ID
		}
		if _, err := r.deps.CallLogs.CreateCallLog(ctx, cl); err != nil {
			r.logger.Error("call log write failed", "call_id", r.sess.RootID, "error", err)
		}

		if r.sess.Phase.Terminal() {
			if err := r.deps.Store.Delete(ctx, r.sess.ID); err != nil {
				r.logger.Warn("session delete failed", "call_id", r.sess.ID, "error", err)
			}
		}

		r.deps.Buffers.Release(ctx, r.sess.RootID)
		r.logger.Info("call session finished",
			"call_id", r.sess.RootID,
			"phase", r.sess.Phase,
			"duration_sec", int(duration.Seconds()),
		)
	})
}
