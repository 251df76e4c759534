package cascade

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shiftline/shiftline/internal/catalog"
	"github.com/shiftline/shiftline/internal/queue"
	"github.com/shiftline/shiftline/internal/store"
	"github.com/shiftline/shiftline/internal/telephony"
)

// smsBody builds the broadcast message for one wave. Waves after the first
// are tagged so recipients can tell a re-send from a new shift. The body is
// patient display name and local time only, plus the signed link; no PINs
// or phone numbers travel over SMS.
func smsBody(shift *catalog.Shift, loc *time.Location, wave int, link string) string {
	tag := ""
	if wave > 1 {
		tag = fmt.Sprintf(" (Wave %d)", wave)
	}
	return fmt.Sprintf("JOB AVAILABLE%s: %s, %s. Reply or view: %s",
		tag, shift.PatientDisplay, shift.DisplayWhen(loc), link)
}

// handleTextWave broadcasts one SMS wave to the provider's worker pool.
// The shift status is re-checked on entry so a fill or cancellation that
// landed while the job was queued stops the cascade cleanly.
func (c *Coordinator) handleTextWave(ctx context.Context, job queue.Job) error {
	var p wavePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("cascade: decoding wave payload: %w", err)
	}
	log := c.logger.With("shift_id", p.ShiftID, "wave", p.Wave)

	shift, err := c.cat.ShiftFresh(ctx, p.ShiftID)
	if err != nil {
		if catalog.IsTransient(err) {
			return queue.Retryable(err)
		}
		return fmt.Errorf("cascade: loading shift: %w", err)
	}
	if shift.Status != catalog.ShiftOpen {
		log.Info("shift no longer open, stopping text waves", "status", shift.Status)
		c.cancelPending(ctx, p.ShiftID)
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
	if len(pool) == 0 {
		log.Warn("no workers to notify")
		return nil
	}

	sent := 0
	segments := 0
	var lastErr error
	for _, w := range pool {
		token, err := c.signer.AcceptToken(shift.ID, w.ID, p.Wave)
		if err != nil {
			log.Error("accept token mint failed", "worker_id", w.ID, "error", err)
			lastErr = err
			continue
		}
		body := smsBody(shift, provider.Location(), p.Wave, c.cfg.PublicURL("/a/"+token))

		if _, err := c.sms.Send(ctx, w.Phone, body); err != nil {
			log.Warn("sms send failed", "worker_id", w.ID, "error", err)
			lastErr = err
			continue
		}
		sent++
		segments += telephony.SegmentCount(body)
	}

	// One aggregate event per wave; per-recipient delivery detail stays in
	// the logs.
	if sent > 0 {
		c.events.Emit(ctx, p.ProviderID, store.EventStaffNotified, map[string]string{
			"shift_id": shift.ID,
			"channel":  "sms",
			"wave":     strconv.Itoa(p.Wave),
			"count":    strconv.Itoa(sent),
			"segments": strconv.Itoa(segments),
		})
	}

	log.Info("text wave sent", "pool", len(pool), "delivered", sent)

	if sent == 0 && lastErr != nil {
		// Nobody was reached; redeliver the whole wave.
		return queue.Retryable(lastErr)
	}
	return nil
}
