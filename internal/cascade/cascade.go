package cascade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shiftline/shiftline/internal/catalog"
	"github.com/shiftline/shiftline/internal/config"
	"github.com/shiftline/shiftline/internal/queue"
	"github.com/shiftline/shiftline/internal/store"
	"github.com/shiftline/shiftline/internal/telephony"
	"github.com/shiftline/shiftline/internal/tts"
)

// Job types dispatched through the delayed queue.
const (
	JobTextWave   = "cascade-text-wave"
	JobVoiceRound = "cascade-voice-rounds"
)

// planTTL keeps the release-dedup marker long past the longest possible
// cascade so a redelivered release attempt stays a no-op.
const planTTL = 48 * time.Hour

// textWaves is the number of SMS broadcast waves before the voice stage.
const textWaves = 3

// ErrShiftFilled is returned by Accept when someone else got there first.
var ErrShiftFilled = errors.New("cascade: shift already filled")

// ErrShiftClosed is returned by Accept when the shift is no longer offerable.
var ErrShiftClosed = errors.New("cascade: shift no longer open")

// Catalog is the record-system surface the cascade consumes.
type Catalog interface {
	ShiftFresh(ctx context.Context, id string) (*catalog.Shift, error)
	Provider(ctx context.Context, id string) (*catalog.Provider, error)
	Worker(ctx context.Context, id string) (*catalog.Worker, error)
	ActiveProviderWorkers(ctx context.Context, providerID string) ([]catalog.Worker, error)
	UpdateShiftStatus(ctx context.Context, id string, from, to catalog.ShiftStatus, workerID string) (*catalog.Shift, error)
}

// SMSSender delivers one text message.
type SMSSender interface {
	Send(ctx context.Context, to, body string) (string, error)
}

// Dialer places and tears down outbound offer calls.
type Dialer interface {
	PlaceCall(ctx context.Context, from, to, answerURL, statusURL string, timeoutSec int) (string, error)
	Hangup(ctx context.Context, callSid string) error
}

// Emitter appends lifecycle events, best-effort.
type Emitter interface {
	Emit(ctx context.Context, providerID, event string, fields map[string]string)
}

// Coordinator runs the notification cascade for released shifts: three SMS
// waves spaced by an urgency-derived delay, then sequential outbound voice
// offers. All scheduling goes through the delayed queue so a restart
// resumes the cascade where it left off.
type Coordinator struct {
	cat     Catalog
	rdb     *redis.Client
	queue   *queue.Queue
	sms     SMSSender
	dialer  Dialer
	offers  *telephony.OfferRegistry
	synth   tts.Synthesizer
	events  Emitter
	signer  *Signer
	cfg     *config.Config
	logger  *slog.Logger
	now     func() time.Time
	offerID func() string
}

// NewCoordinator wires the cascade.
func NewCoordinator(
	cat Catalog,
	rdb *redis.Client,
	q *queue.Queue,
	sms SMSSender,
	dialer Dialer,
	offers *telephony.OfferRegistry,
	synth tts.Synthesizer,
	events Emitter,
	signer *Signer,
	cfg *config.Config,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		cat:     cat,
		rdb:     rdb,
		queue:   q,
		sms:     sms,
		dialer:  dialer,
		offers:  offers,
		synth:   synth,
		events:  events,
		signer:  signer,
		cfg:     cfg,
		logger:  logger.With("subsystem", "cascade"),
		now:     time.Now,
		offerID: newOfferID,
	}
}

// RegisterHandlers binds the cascade's job types on the queue runner.
func (c *Coordinator) RegisterHandlers(r *queue.Runner) {
	r.Handle(JobTextWave, c.handleTextWave)
	r.Handle(JobVoiceRound, c.handleVoiceRounds)
}

// wavePayload is the queued body shared by text and voice jobs.
type wavePayload struct {
	ShiftID    string `json:"shift_id"`
	ProviderID string `json:"provider_id"`
	ReleasedBy string `json:"released_by"`
	Reason     string `json:"reason,omitempty"`
	Wave       int    `json:"wave,omitempty"`
}

func planKey(shiftID string) string {
	return "cascade-plan:" + shiftID
}

func fillKey(shiftID string) string {
	return "cascade-fill:" + shiftID
}

func waveHandle(shiftID string, wave int) string {
	return fmt.Sprintf("cascade:%s:wave:%d", shiftID, wave)
}

func voiceHandle(shiftID string) string {
	return "cascade:" + shiftID + ":voice"
}

// waveDelay derives the spacing between waves from the lead time until the
// shift starts. Shorter runway means a tighter cascade.
func waveDelay(until time.Duration) time.Duration {
	hours := until.Hours()
	switch {
	case hours <= 2:
		return 10 * time.Minute
	case hours <= 3:
		return 15 * time.Minute
	case hours <= 4:
		return 20 * time.Minute
	case hours <= 5:
		return 25 * time.Minute
	default:
		return 30 * time.Minute
	}
}

// Release opens a shift and schedules its cascade. Idempotent on
// releaseAttemptID: the plan marker is claimed with SETNX, so a retried or
// duplicate release attempt schedules nothing. Implements the FSM's
// Releaser dependency.
func (c *Coordinator) Release(ctx context.Context, shiftID, releaseAttemptID, releasedBy, reason string) error {
	claimed, err := c.rdb.SetNX(ctx, planKey(shiftID), releaseAttemptID, planTTL).Result()
	if err != nil {
		return fmt.Errorf("cascade: claiming release plan: %w", err)
	}
	if !claimed {
		c.logger.Info("release already planned, skipping",
			"shift_id", shiftID, "release_attempt_id", releaseAttemptID)
		return nil
	}

	shift, err := c.cat.ShiftFresh(ctx, shiftID)
	if err != nil {
		c.rdb.Del(ctx, planKey(shiftID))
		return fmt.Errorf("cascade: loading shift: %w", err)
	}
	if shift.Status != catalog.ShiftScheduled {
		c.rdb.Del(ctx, planKey(shiftID))
		return fmt.Errorf("cascade: shift %s is %s, not releasable", shiftID, shift.Status)
	}

	if _, err := c.cat.UpdateShiftStatus(ctx, shiftID, catalog.ShiftScheduled, catalog.ShiftOpen, releasedBy); err != nil {
		c.rdb.Del(ctx, planKey(shiftID))
		return fmt.Errorf("cascade: opening shift: %w", err)
	}

	now := c.now()
	delay := waveDelay(shift.ScheduledAt.Sub(now))
	payload := wavePayload{
		ShiftID:    shiftID,
		ProviderID: shift.ProviderID,
		ReleasedBy: releasedBy,
		Reason:     reason,
	}

	for wave := 1; wave <= textWaves; wave++ {
		p := payload
		p.Wave = wave
		due := now.Add(time.Duration(wave-1) * delay)
		if err := c.queue.EnqueueAt(ctx, waveHandle(shiftID, wave), JobTextWave, p, due); err != nil {
			return fmt.Errorf("cascade: scheduling wave %d: %w", wave, err)
		}
	}
	if err := c.queue.EnqueueAt(ctx, voiceHandle(shiftID), JobVoiceRound, payload, now.Add(textWaves*delay)); err != nil {
		return fmt.Errorf("cascade: scheduling voice stage: %w", err)
	}

	c.logger.Info("cascade scheduled",
		"shift_id", shiftID,
		"provider_id", shift.ProviderID,
		"wave_delay", delay,
		"released_by", releasedBy,
	)
	return nil
}

// cancelPending removes every still-scheduled job for a shift. Called on
// fill and on cancellation. The plan marker stays so the original release
// attempt remains deduplicated.
func (c *Coordinator) cancelPending(ctx context.Context, shiftID string) {
	for wave := 1; wave <= textWaves; wave++ {
		if err := c.queue.Remove(ctx, waveHandle(shiftID, wave)); err != nil {
			c.logger.Warn("wave cancel failed", "shift_id", shiftID, "wave", wave, "error", err)
		}
	}
	if err := c.queue.Remove(ctx, voiceHandle(shiftID)); err != nil {
		c.logger.Warn("voice cancel failed", "shift_id", shiftID, "error", err)
	}
}

// pool returns the notifiable workers for a provider: active, reachable by
// phone, and not the worker who released the shift.
func (c *Coordinator) pool(ctx context.Context, providerID, releasedBy string) ([]catalog.Worker, error) {
	workers, err := c.cat.ActiveProviderWorkers(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("cascade: loading worker pool: %w", err)
	}
	out := workers[:0]
	for _, w := range workers {
		if w.ID == releasedBy || w.Phone == "" {
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

// fill marks the shift taken by a worker and stops the cascade. Acceptors
// are serialized through a SETNX claim: the record-system write has no
// compare-and-set of its own, so the claim is what makes the first accept
// win when two workers race.
func (c *Coordinator) fill(ctx context.Context, shift *catalog.Shift, workerID, channel string) error {
	claimed, err := c.rdb.SetNX(ctx, fillKey(shift.ID), workerID, planTTL).Result()
	if err != nil {
		return fmt.Errorf("cascade: claiming fill: %w", err)
	}
	if !claimed {
		return ErrShiftFilled
	}
	if _, err := c.cat.UpdateShiftStatus(ctx, shift.ID, shift.Status, catalog.ShiftFilled, workerID); err != nil {
		c.rdb.Del(ctx, fillKey(shift.ID))
		return err
	}
	c.cancelPending(ctx, shift.ID)
	c.events.Emit(ctx, shift.ProviderID, store.EventShiftAccepted, map[string]string{
		"shift_id":  shift.ID,
		"worker_id": workerID,
		"channel":   channel,
	})
	c.logger.Info("shift filled",
		"shift_id", shift.ID, "worker_id", workerID, "channel", channel)
	return nil
}

// Accept handles an SMS accept link: verify the token, atomically fill the
// shift, and stop the cascade. First accept wins; later clicks get
// ErrShiftFilled.
func (c *Coordinator) Accept(ctx context.Context, token string) (*catalog.Shift, error) {
	claims, err := c.signer.Parse(token)
	if err != nil {
		return nil, err
	}

	shift, err := c.cat.ShiftFresh(ctx, claims.ShiftID)
	if err != nil {
		return nil, fmt.Errorf("cascade: loading shift: %w", err)
	}

	switch shift.Status {
	case catalog.ShiftOpen, catalog.ShiftUnfilledAfterText, catalog.ShiftUnfilledAfterCall:
	case catalog.ShiftFilled:
		return nil, ErrShiftFilled
	default:
		return nil, ErrShiftClosed
	}

	if err := c.fill(ctx, shift, claims.WorkerID, "sms-link"); err != nil {
		if errors.Is(err, ErrShiftFilled) {
			return nil, ErrShiftFilled
		}
		return nil, fmt.Errorf("cascade: filling shift: %w", err)
	}
	return shift, nil
}
