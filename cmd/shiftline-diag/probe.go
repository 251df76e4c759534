package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shiftline/shiftline/internal/catalog"
	"github.com/shiftline/shiftline/internal/config"
	"github.com/shiftline/shiftline/internal/fsm"
)

// probeCallFlow drives a synthetic authenticated call through the flow
// engine against a canned in-memory catalog: answer, greet, pick a shift,
// record a reason, confirm the release. No network services are touched;
// this verifies the engine wiring and prompt assembly in a deployment's
// exact configuration.
func probeCallFlow(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	cat := newProbeCatalog()
	rel := &probeReleaser{}
	engine := fsm.NewEngine(cat, rel, probeEmitter{}, fsm.Settings{
		PINLength:        cfg.PINLength,
		MaxAttempts:      cfg.MaxPhaseAttempts,
		PageSize:         cfg.ShiftPageSize,
		GatherTimeoutSec: cfg.GatherTimeoutSec,
		TransferFallback: cfg.TransferFallbackNumber,
	}, logger)

	sess := fsm.NewSession("diag-call-1", probeWorkerPhone, fsm.DirectionInbound, time.Now())

	steps := []struct {
		label string
		ev    fsm.Event
	}{
		{"call answered", fsm.Event{Type: fsm.EventSessionStarted}},
		{"press 2 (select first shift)", fsm.Event{Type: fsm.EventDTMF, Token: "1", Digit: "2"}},
		{"press 1 (open this shift)", fsm.Event{Type: fsm.EventDTMF, Token: "2", Digit: "1"}},
		{"reason spoken", fsm.Event{Type: fsm.EventUtterance, Token: "3", Transcript: "family emergency"}},
		{"press 1 (confirm release)", fsm.Event{Type: fsm.EventDTMF, Token: "4", Digit: "1"}},
		{"hang up", fsm.Event{Type: fsm.EventSessionStopped}},
	}

	for _, step := range steps {
		dirs, err := engine.Advance(ctx, sess, step.ev)
		if err != nil {
			return fmt.Errorf("step %q: %w", step.label, err)
		}
		fmt.Printf("step: %-32s phase=%s\n", step.label, sess.Phase)
		for _, d := range dirs {
			if d.Text != "" {
				fmt.Printf("      %s: %q\n", d.Type, d.Text)
			} else {
				fmt.Printf("      %s\n", d.Type)
			}
		}
	}

	if !rel.released {
		return fmt.Errorf("flow completed without invoking the release path")
	}
	fmt.Printf("release: shift=%s by=%s reason=%q\n", rel.shiftID, rel.workerID, rel.reason)
	fmt.Println("OK: call flow probe passed")
	return nil
}

const probeWorkerPhone = "+15550100001"

// probeCatalog is the canned record set behind the probe: one worker, one
// provider, two upcoming shifts.
type probeCatalog struct {
	worker   catalog.Worker
	provider catalog.Provider
	shifts   []catalog.Shift
}

func newProbeCatalog() *probeCatalog {
	base := time.Now().Add(26 * time.Hour).Truncate(time.Hour)
	return &probeCatalog{
		worker: catalog.Worker{
			ID:          "wrk-probe",
			DisplayName: "Pat Example",
			Phone:       probeWorkerPhone,
			ProviderIDs: []string{"prv-probe"},
			Active:      true,
		},
		provider: catalog.Provider{
			ID:       "prv-probe",
			Name:     "Probe Home Care",
			Timezone: "UTC",
		},
		shifts: []catalog.Shift{
			{
				ID:               "shf-probe-1",
				ProviderID:       "prv-probe",
				AssignedWorkerID: "wrk-probe",
				PatientDisplay:   "J. D.",
				ScheduledAt:      base,
				Status:           catalog.ShiftScheduled,
			},
			{
				ID:               "shf-probe-2",
				ProviderID:       "prv-probe",
				AssignedWorkerID: "wrk-probe",
				PatientDisplay:   "M. K.",
				ScheduledAt:      base.Add(24 * time.Hour),
				Status:           catalog.ShiftScheduled,
			},
		},
	}
}

func (p *probeCatalog) WorkerByPhone(_ context.Context, phone string) (*catalog.Worker, error) {
	if phone == p.worker.Phone {
		w := p.worker
		return &w, nil
	}
	return nil, catalog.ErrNotFound
}

func (p *probeCatalog) WorkerByPIN(_ context.Context, _ string) (*catalog.Worker, error) {
	return nil, catalog.ErrNotFound
}

func (p *probeCatalog) Providers(_ context.Context, _ []string) ([]catalog.Provider, error) {
	return []catalog.Provider{p.provider}, nil
}

func (p *probeCatalog) ScheduledShiftsForWorker(_ context.Context, _ string, _ time.Time) ([]catalog.Shift, time.Duration, error) {
	return append([]catalog.Shift(nil), p.shifts...), 0, nil
}

func (p *probeCatalog) ShiftFresh(_ context.Context, id string) (*catalog.Shift, error) {
	for i := range p.shifts {
		if p.shifts[i].ID == id {
			s := p.shifts[i]
			return &s, nil
		}
	}
	return nil, catalog.ErrNotFound
}

// probeReleaser records the release call instead of starting a cascade.
type probeReleaser struct {
	released bool
	shiftID  string
	workerID string
	reason   string
}

func (r *probeReleaser) Release(_ context.Context, shiftID, _, releasedBy, reason string) error {
	r.released = true
	r.shiftID = shiftID
	r.workerID = releasedBy
	r.reason = reason
	return nil
}

// probeEmitter drops events; the probe has no event stream.
type probeEmitter struct{}

func (probeEmitter) Emit(_ context.Context, _, _ string, _ map[string]string) {}
