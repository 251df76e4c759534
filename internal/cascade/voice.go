package cascade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/shiftline/shiftline/internal/catalog"
	"github.com/shiftline/shiftline/internal/queue"
	"github.com/shiftline/shiftline/internal/store"
	"github.com/shiftline/shiftline/internal/telephony"
)

// offerGrace covers carrier ring time and webhook latency on top of the
// configured gather window before a pending offer is written off.
const offerGrace = 30 * time.Second

func newOfferID() string {
	return uuid.NewString()
}

// offerScript is the spoken body of an outbound offer call.
func offerScript(worker *catalog.Worker, shift *catalog.Shift, providerName string, loc *time.Location) string {
	return fmt.Sprintf(
		"Hi %s, this is %s. A shift is available: %s on %s. Press 1 to accept this shift. Press 2 to decline.",
		worker.FirstName(), providerName, shift.PatientDisplay, shift.DisplayWhen(loc))
}

// handleVoiceRounds runs the sequential outbound voice stage. Offers are
// strictly one at a time: the next call is not placed until the previous
// offer has resolved or timed out. The stage stops the moment any worker
// accepts.
func (c *Coordinator) handleVoiceRounds(ctx context.Context, job queue.Job) error {
	var p wavePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("cascade: decoding voice payload: %w", err)
	}
	log := c.logger.With("shift_id", p.ShiftID)

	shift, err := c.cat.ShiftFresh(ctx, p.ShiftID)
	if err != nil {
		if catalog.IsTransient(err) {
			return queue.Retryable(err)
		}
		return fmt.Errorf("cascade: loading shift: %w", err)
	}

	// The shift stays Open while offers are dialing; only exhaustion moves
	// it to a terminal unfilled status. A redelivered job resumes from the
	// top of the pool.
	if shift.Status != catalog.ShiftOpen {
		log.Info("shift no longer open, skipping voice stage", "status", shift.Status)
		return nil
	}

	provider, err := c.cat.Provider(ctx, p.ProviderID)
	if err != nil {
		if catalog.IsTransient(err) {
			return queue.Retryable(err)
		}
		return fmt.Errorf("cascade: loading provider: %w", err)
	}

	pool, err := c.pool(ctx, p.ProviderID, p.ReleasedBy)
	if err != nil {
		return queue.Retryable(err)
	}
	if c.cfg.MaxVoiceRounds <= 0 {
		log.Info("voice rounds disabled, closing out after text waves")
		return c.exhaust(ctx, p, catalog.ShiftUnfilledAfterText, log)
	}
	if len(pool) == 0 {
		log.Warn("no workers to call, closing out")
		return c.exhaust(ctx, p, catalog.ShiftUnfilledAfterText, log)
	}

	for round := 1; round <= c.cfg.MaxVoiceRounds; round++ {
		for i := range pool {
			w := &pool[i]

			// Re-check before every dial so an SMS-link accept that landed
			// mid-stage stops the calling immediately.
			cur, err := c.cat.ShiftFresh(ctx, p.ShiftID)
			if err != nil {
				if catalog.IsTransient(err) {
					continue
				}
				return fmt.Errorf("cascade: re-checking shift: %w", err)
			}
			if cur.Status != catalog.ShiftOpen {
				log.Info("shift resolved mid-stage, stopping calls", "status", cur.Status)
				return nil
			}

			outcome := c.offerOnce(ctx, w, cur, provider, round, log)
			c.events.Emit(ctx, p.ProviderID, store.EventStaffNotified, map[string]string{
				"shift_id":  p.ShiftID,
				"worker_id": w.ID,
				"channel":   "voice",
				"round":     strconv.Itoa(round),
				"outcome":   string(outcome),
			})

			if outcome == telephony.OfferAccepted {
				if err := c.fill(ctx, cur, w.ID, "voice"); err != nil {
					if errors.Is(err, ErrShiftFilled) {
						log.Info("shift filled elsewhere during offer", "worker_id", w.ID)
						return nil
					}
					log.Error("fill after voice accept failed", "worker_id", w.ID, "error", err)
					return err
				}
				return nil
			}
		}
	}

	return c.exhaust(ctx, p, catalog.ShiftUnfilledAfterCall, log)
}

// offerOnce places one outbound offer call and blocks until it resolves.
func (c *Coordinator) offerOnce(ctx context.Context, w *catalog.Worker, shift *catalog.Shift, provider *catalog.Provider, round int, log *slog.Logger) telephony.OfferOutcome {
	audio, err := c.synth.Synthesize(ctx, offerScript(w, shift, provider.Name, provider.Location()))
	if err != nil {
		log.Error("offer synthesis failed", "worker_id", w.ID, "error", err)
		return telephony.OfferFailed
	}

	offerID := c.offerID()
	resultCh := c.offers.Register(offerID, audio)
	defer c.offers.Release(offerID)

	answerURL := c.cfg.PublicURL("/webhooks/offer/" + offerID + "/answer")
	statusURL := c.cfg.PublicURL("/webhooks/offer/" + offerID + "/status")

	callSid, err := c.dialer.PlaceCall(ctx, c.cfg.CarrierVoiceNumber, w.Phone,
		answerURL, statusURL, c.cfg.OfferTimeoutSec)
	if err != nil {
		log.Warn("offer call placement failed", "worker_id", w.ID, "error", err)
		return telephony.OfferFailed
	}
	log.Info("offer call placed", "worker_id", w.ID, "call_sid", callSid, "offer_id", offerID, "round", round)

	wait := time.Duration(2*c.cfg.OfferTimeoutSec)*time.Second + offerGrace
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		c.hangupQuiet(callSid)
		return telephony.OfferFailed
	case res := <-resultCh:
		return res.Outcome
	case <-timer.C:
		log.Warn("offer resolution timed out", "worker_id", w.ID, "call_sid", callSid)
		c.hangupQuiet(callSid)
		return telephony.OfferNoAnswer
	}
}

func (c *Coordinator) hangupQuiet(callSid string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.dialer.Hangup(ctx, callSid); err != nil {
		c.logger.Debug("offer hangup failed", "call_sid", callSid, "error", err)
	}
}

// exhaust closes out a cascade that found no taker. The terminal status
// records how far the cascade got before giving up.
func (c *Coordinator) exhaust(ctx context.Context, p wavePayload, to catalog.ShiftStatus, log *slog.Logger) error {
	if _, err := c.cat.UpdateShiftStatus(ctx, p.ShiftID, catalog.ShiftOpen, to, ""); err != nil {
		return queue.Retryable(err)
	}
	c.events.Emit(ctx, p.ProviderID, store.EventShiftUnfilled, map[string]string{
		"shift_id": p.ShiftID,
		"status":   string(to),
	})
	log.Warn("cascade exhausted, shift unfilled", "status", to)
	return nil
}
