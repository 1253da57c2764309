// Package metrics exposes prometheus instruments for synchronization passes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/voyagen/tvguide/internal/service"
)

var (
	syncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tvguide_sync_runs_total",
		Help: "Synchronization passes by outcome",
	}, []string{"outcome"}) // outcome=ok|partial|aborted|error

	syncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tvguide_sync_duration_seconds",
		Help:    "Wall time of synchronization passes",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	syncLastSuccess = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tvguide_sync_last_success_timestamp_seconds",
		Help: "Finish time of the last pass without failures",
	})

	syncFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tvguide_sync_failures_total",
		Help: "Failed units of work by stage and kind",
	}, []string{"stage", "kind"})

	channelsSynced = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tvguide_channels_synced",
		Help: "Channels checked in the last pass",
	})

	datesRefetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tvguide_dates_refetched_total",
		Help: "Station dates whose schedule was refetched",
	})

	entriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tvguide_schedule_entries_total",
		Help: "Schedule entry changes by action",
	}, []string{"action"}) // action=inserted|updated|evicted|unchanged|pruned

	entriesRetained = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tvguide_schedule_entries_retained",
		Help: "Schedule entries left after the last retention prune",
	})

	programsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tvguide_programs_total",
		Help: "Program catalog results by action",
	}, []string{"action"}) // action=inserted|updated|skipped

	castCrewTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tvguide_cast_crew_created_total",
		Help: "Persons and program associations created",
	}, []string{"type"}) // type=person|association

	syncJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tvguide_sync_jobs_total",
		Help: "Queued sync jobs by result",
	}, []string{"result"}) // result=enqueued|started|locked
)

// RecordRun records the outcome of a finished pass.
func RecordRun(sum *service.Summary) {
	if sum == nil {
		return
	}
	outcome := "ok"
	switch {
	case sum.Aborted:
		outcome = "aborted"
	case sum.HasFailures():
		outcome = "partial"
	default:
		syncLastSuccess.Set(float64(sum.FinishedAt.Unix()))
	}
	syncRunsTotal.WithLabelValues(outcome).Inc()
	syncDuration.Observe(sum.Duration().Seconds())

	for _, f := range sum.Failures {
		syncFailuresTotal.WithLabelValues(string(f.Stage), string(f.Kind)).Inc()
	}

	channelsSynced.Set(float64(sum.ChannelsSynced))
	datesRefetched.Add(float64(sum.DatesRequiringRefetch))

	entriesTotal.WithLabelValues("inserted").Add(float64(sum.EntriesInserted))
	entriesTotal.WithLabelValues("updated").Add(float64(sum.EntriesUpdated))
	entriesTotal.WithLabelValues("evicted").Add(float64(sum.EntriesEvicted))
	entriesTotal.WithLabelValues("unchanged").Add(float64(sum.EntriesUnchanged))
	entriesTotal.WithLabelValues("pruned").Add(float64(sum.EntriesPruned))
	entriesRetained.Set(float64(sum.EntriesRetained))

	programsTotal.WithLabelValues("inserted").Add(float64(sum.ProgramsInserted))
	programsTotal.WithLabelValues("updated").Add(float64(sum.ProgramsUpdated))
	programsTotal.WithLabelValues("skipped").Add(float64(sum.ProgramsSkipped))

	castCrewTotal.WithLabelValues("person").Add(float64(sum.PersonsCreated))
	castCrewTotal.WithLabelValues("association").Add(float64(sum.AssociationsCreated))
}

// RecordRunError counts a pass that could not start.
func RecordRunError() {
	syncRunsTotal.WithLabelValues("error").Inc()
}

// RecordJob counts a sync job transition.
func RecordJob(result string) {
	syncJobsTotal.WithLabelValues(result).Inc()
}
