package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ActiveCallsProvider exposes the number of live media-stream sessions.
type ActiveCallsProvider interface {
	ActiveCallCount() int
}

// PendingJobsProvider exposes the delayed queue's scheduled handles.
type PendingJobsProvider interface {
	Pending(ctx context.Context) ([]string, error)
}

// OffersProvider exposes the number of outbound voice offers in flight.
type OffersProvider interface {
	InFlight() int
}

// ArchiveStatsProvider exposes recording pipeline outcome totals.
type ArchiveStatsProvider interface {
	ArchiveStats() (archived, fallback uint64)
}

// Collector is a prometheus.Collector that gathers shiftline metrics at
// scrape time. Any provider may be nil if unavailable.
type Collector struct {
	calls     ActiveCallsProvider
	jobs      PendingJobsProvider
	offers    OffersProvider
	archives  ArchiveStatsProvider
	startTime time.Time

	activeCallsDesc        *prometheus.Desc
	pendingJobsDesc        *prometheus.Desc
	offersInFlightDesc     *prometheus.Desc
	recordingsDesc         *prometheus.Desc
	recordingFallbacksDesc *prometheus.Desc
	uptimeDesc             *prometheus.Desc
}

// NewCollector creates the collector.
func NewCollector(
	calls ActiveCallsProvider,
	jobs PendingJobsProvider,
	offers OffersProvider,
	archives ArchiveStatsProvider,
	startTime time.Time,
) *Collector {
	return &Collector{
		calls:     calls,
		jobs:      jobs,
		offers:    offers,
		archives:  archives,
		startTime: startTime,

		activeCallsDesc: prometheus.NewDesc(
			"shiftline_active_calls",
			"Number of live inbound media-stream call sessions",
			nil, nil,
		),
		pendingJobsDesc: prometheus.NewDesc(
			"shiftline_queue_pending_jobs",
			"Number of jobs scheduled in the delayed queue (cascade waves, voice stages, recording archives)",
			nil, nil,
		),
		offersInFlightDesc: prometheus.NewDesc(
			"shiftline_offers_in_flight",
			"Number of outbound voice offers awaiting resolution",
			nil, nil,
		),
		recordingsDesc: prometheus.NewDesc(
			"shiftline_recordings_archived_total",
			"Recordings uploaded to the object store",
			nil, nil,
		),
		recordingFallbacksDesc: prometheus.NewDesc(
			"shiftline_recordings_fallback_total",
			"Recordings left on carrier-hosted URLs after an object store failure",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"shiftline_uptime_seconds",
			"Seconds since the shiftline process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.pendingJobsDesc
	ch <- c.offersInFlightDesc
	ch <- c.recordingsDesc
	ch <- c.recordingFallbacksDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.calls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.calls.ActiveCallCount()),
		)
	}

	if c.jobs != nil {
		handles, err := c.jobs.Pending(ctx)
		if err != nil {
			slog.Error("metrics: failed to list pending jobs", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.pendingJobsDesc, prometheus.GaugeValue,
				float64(len(handles)),
			)
		}
	}

	if c.offers != nil {
		ch <- prometheus.MustNewConstMetric(
			c.offersInFlightDesc, prometheus.GaugeValue,
			float64(c.offers.InFlight()),
		)
	}

	if c.archives != nil {
		archived, fallback := c.archives.ArchiveStats()
		ch <- prometheus.MustNewConstMetric(
			c.recordingsDesc, prometheus.CounterValue, float64(archived),
		)
		ch <- prometheus.MustNewConstMetric(
			c.recordingFallbacksDesc, prometheus.CounterValue, float64(fallback),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
