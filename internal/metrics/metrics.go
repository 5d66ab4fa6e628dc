// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pollTicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slotwatch_poll_ticks_total",
		Help: "Poll ticks by outcome",
	}, []string{"outcome"}) // outcome=match|empty|skipped|fetch_error|malformed

	recordsMatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slotwatch_records_matched_total",
		Help: "Matching records dispatched to handlers",
	}, []string{"kind"}) // kind=found|processable

	captureAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slotwatch_capture_attempts_total",
		Help: "Endpoint capture attempts by outcome",
	}, []string{"outcome"}) // outcome=success|failure

	slotsInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "slotwatch_slots_in_use",
		Help: "Browser slots currently allocated",
	})

	accountTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slotwatch_account_tasks_total",
		Help: "Per-account booking tasks by outcome",
	}, []string{"outcome"}) // outcome=booked|handoff|failed|timeout|no_slot|stopped

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "slotwatch_batch_duration_seconds",
		Help:    "Wall time of booking batches",
		Buckets: []float64{10, 30, 60, 300, 900, 1800, 3600, 7200, 14400},
	})
)

func IncPollTick(outcome string)       { pollTicksTotal.WithLabelValues(outcome).Inc() }
func IncRecordMatched(kind string)     { recordsMatchedTotal.WithLabelValues(kind).Inc() }
func IncCaptureAttempt(outcome string) { captureAttemptsTotal.WithLabelValues(outcome).Inc() }
func SetSlotsInUse(n int)              { slotsInUse.Set(float64(n)) }
func IncAccountTask(outcome string)    { accountTasksTotal.WithLabelValues(outcome).Inc() }
func ObserveBatch(d time.Duration)     { batchDuration.Observe(d.Seconds()) }
