package recording

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shiftline/shiftline/internal/catalog"
	"github.com/shiftline/shiftline/internal/queue"
	"github.com/shiftline/shiftline/internal/telephony"
)

// JobArchive is the queue job type for one finished recording.
const JobArchive = "recording-archive"

// downloadGrace is how long after the carrier's completion callback the
// pipeline waits before fetching. The asset is occasionally not yet
// readable the instant the callback fires.
const downloadGrace = 3 * time.Second

// Carrier is the telephony surface the pipeline consumes.
type Carrier interface {
	DownloadRecording(ctx context.Context, recordingURL string) ([]byte, string, error)
	DeleteRecording(ctx context.Context, recordingSid string) error
}

// Catalog is the record-system surface the pipeline consumes.
type Catalog interface {
	CallLogByCallID(ctx context.Context, callID string) (*catalog.CallLog, error)
	UpdateCallLog(ctx context.Context, id string, fields map[string]any) error
}

// ArchiveJob is the queued payload for one recording.
type ArchiveJob struct {
	CallSid      string `json:"call_sid"`
	RecordingSid string `json:"recording_sid"`
	RecordingURL string `json:"recording_url"`
	DurationSec  int    `json:"duration_sec,omitempty"`
}

// Pipeline moves finished call recordings from carrier-hosted storage to
// the object store: download, upload to a deterministic key, attach a
// presigned URL to the call log, and only then delete the carrier copy.
// If the object-store leg fails, the call log keeps the carrier URL and
// the carrier asset is left alone.
type Pipeline struct {
	store   ObjectStore
	carrier Carrier
	cat     Catalog
	q       *queue.Queue
	prefix  string
	presign time.Duration
	logger  *slog.Logger

	archived  atomic.Uint64
	fallbacks atomic.Uint64
}

// NewPipeline wires the recording pipeline. store may be nil, in which
// case every recording falls back to its carrier-hosted URL.
func NewPipeline(store ObjectStore, carrier Carrier, cat Catalog, q *queue.Queue, prefix string, presignValidity time.Duration, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		store:   store,
		carrier: carrier,
		cat:     cat,
		q:       q,
		prefix:  prefix,
		presign: presignValidity,
		logger:  logger.With("subsystem", "recording"),
	}
}

// RegisterHandlers binds the pipeline's job type on the queue runner.
func (p *Pipeline) RegisterHandlers(r *queue.Runner) {
	r.Handle(JobArchive, p.handleArchive)
}

// Enqueue schedules the archive job for a finished recording, delayed by
// the download grace window.
func (p *Pipeline) Enqueue(ctx context.Context, job ArchiveJob) error {
	handle := "recording:" + job.RecordingSid
	if err := p.q.EnqueueAt(ctx, handle, JobArchive, job, time.Now().Add(downloadGrace)); err != nil {
		return fmt.Errorf("recording: scheduling archive: %w", err)
	}
	return nil
}

// objectKey builds the deterministic recording key. Unknown provider or
// worker segments collapse to "unknown" rather than breaking the layout.
func (p *Pipeline) objectKey(providerID, workerID, rootCallID, ext string) string {
	if providerID == "" {
		providerID = "unknown"
	}
	if workerID == "" {
		workerID = "unknown"
	}
	return fmt.Sprintf("%s/%s/%s/%s/recording.%s", p.prefix, providerID, workerID, rootCallID, ext)
}

func contentTypeFor(ext string) string {
	if ext == "mp3" {
		return "audio/mpeg"
	}
	return "audio/wav"
}

// handleArchive runs the pipeline for one recording.
func (p *Pipeline) handleArchive(ctx context.Context, job queue.Job) error {
	var a ArchiveJob
	if err := json.Unmarshal(job.Payload, &a); err != nil {
		return fmt.Errorf("recording: decoding archive job: %w", err)
	}
	log := p.logger.With("call_sid", a.CallSid, "recording_sid", a.RecordingSid)

	cl, err := p.cat.CallLogByCallID(ctx, a.CallSid)
	if err != nil {
		if catalog.IsTransient(err) {
			return queue.Retryable(err)
		}
		log.Warn("no call log for recording, archiving under unknown", "error", err)
		cl = &catalog.CallLog{}
	}

	if p.store == nil {
		return p.fallback(ctx, log, cl, a, nil)
	}

	data, ext, err := p.carrier.DownloadRecording(ctx, a.RecordingURL)
	if err != nil {
		if telephony.IsTransientCarrier(err) {
			return queue.Retryable(err)
		}
		return p.fallback(ctx, log, cl, a, err)
	}

	key := p.objectKey(cl.ProviderID, cl.WorkerID, a.CallSid, ext)
	if err := p.store.Put(ctx, key, data, contentTypeFor(ext)); err != nil {
		return p.fallback(ctx, log, cl, a, err)
	}

	url, err := p.store.PresignGet(ctx, key, p.presign)
	if err != nil {
		// The object is durably stored; a presign hiccup should not push us
		// back to the carrier copy.
		return queue.Retryable(err)
	}

	if cl.ID != "" {
		if err := p.updateLog(ctx, cl.ID, url, a.DurationSec); err != nil {
			return queue.Retryable(err)
		}
	}

	// Upload confirmed; the carrier copy is now redundant.
	if err := p.carrier.DeleteRecording(ctx, a.RecordingSid); err != nil {
		log.Warn("carrier recording delete failed, asset left behind", "error", err)
	}

	p.archived.Add(1)
	log.Info("recording archived", "key", key, "bytes", len(data))
	return nil
}

// ArchiveStats returns lifetime pipeline outcome totals. Serves the
// metrics collector.
func (p *Pipeline) ArchiveStats() (archived, fallback uint64) {
	return p.archived.Load(), p.fallbacks.Load()
}

// fallback pins the carrier-hosted URL on the call log when the object
// store is unavailable. The carrier asset is deliberately not deleted.
func (p *Pipeline) fallback(ctx context.Context, log *slog.Logger, cl *catalog.CallLog, a ArchiveJob, cause error) error {
	if cause != nil {
		log.Error("object store leg failed, keeping carrier recording", "error", cause)
	}
	p.fallbacks.Add(1)
	if cl.ID == "" {
		return nil
	}
	if err := p.updateLog(ctx, cl.ID, a.RecordingURL, a.DurationSec); err != nil {
		return queue.Retryable(err)
	}
	return nil
}

func (p *Pipeline) updateLog(ctx context.Context, id, url string, durationSec int) error {
	fields := map[string]any{"Recording URL": url}
	if durationSec > 0 {
		fields["Duration Sec"] = durationSec
	}
	return p.cat.UpdateCallLog(ctx, id, fields)
}
