// Package service implements the incremental synchronization pass: lineup
// refresh, digest-gated change detection, retention pruning, schedule merge
// with overlap eviction, program catalog resolution and cast/crew resolution.
package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/voyagen/tvguide/internal/config"
	"github.com/voyagen/tvguide/internal/fetcher"
	tvlog "github.com/voyagen/tvguide/internal/log"
	"github.com/voyagen/tvguide/internal/models"
	"github.com/voyagen/tvguide/internal/store"
)

// Source is the remote schedule provider. *fetcher.Client satisfies it.
type Source interface {
	Status(ctx context.Context) (*fetcher.Status, error)
	FetchStationMap(ctx context.Context, lineupID string) (*models.StationMap, error)
	FetchScheduleDigests(ctx context.Context, stationIDs []string) (map[string]map[string]models.ScheduleDigest, error)
	FetchSchedules(ctx context.Context, reqs []fetcher.ScheduleRequest) ([]fetcher.StationSchedule, error)
	FetchPrograms(ctx context.Context, programIDs []string) ([]fetcher.ProgramPayload, error)
}

var _ Source = (*fetcher.Client)(nil)

// Options tunes a synchronization pass.
type Options struct {
	Retention        time.Duration
	Concurrency      int
	ProgramBatchSize int
	MaxEvictions     int // per fetched entry; <= 0 disables the check
	FetchNewChannels bool
	Lineups          []string // optional allow-list of lineup ids
}

// OptionsFromConfig copies the sync settings out of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Retention:        cfg.Retention,
		Concurrency:      cfg.Concurrency,
		ProgramBatchSize: cfg.ProgramBatchSize,
		MaxEvictions:     cfg.MaxEvictions,
		FetchNewChannels: cfg.FetchNewChannels,
		Lineups:          cfg.Lineups,
	}
}

func (o Options) withDefaults() Options {
	if o.Retention <= 0 {
		o.Retention = config.DefaultRetention
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.ProgramBatchSize <= 0 {
		o.ProgramBatchSize = config.DefaultProgramBatchSize
	}
	return o
}

// RunOptions controls a single pass.
type RunOptions struct {
	// Force refreshes every lineup's channels even if its modification
	// time has not advanced.
	Force bool
}

// Summary reports what a pass did. Counters only include committed work.
type Summary struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Lineups          int `json:"lineups"`
	LineupsRefreshed int `json:"lineups_refreshed"`
	ChannelsInserted int `json:"channels_inserted"`
	ChannelsSynced   int `json:"channels_synced"`

	DatesRequiringRefetch int `json:"dates_requiring_refetch"`

	EntriesInserted  int   `json:"entries_inserted"`
	EntriesUpdated   int   `json:"entries_updated"`
	EntriesEvicted   int   `json:"entries_evicted"`
	EntriesUnchanged int   `json:"entries_unchanged"`
	EntriesPruned    int64 `json:"entries_pruned"`
	EntriesRetained  int64 `json:"entries_retained"`

	ProgramsInserted int `json:"programs_inserted"`
	ProgramsUpdated  int `json:"programs_updated"`
	ProgramsSkipped  int `json:"programs_skipped"`

	PersonsCreated      int `json:"persons_created"`
	AssociationsCreated int `json:"associations_created"`

	// Aborted is set when schedule synchronization stopped early, either
	// because the run was cancelled or a digest lookup failed permanently.
	Aborted  bool      `json:"aborted"`
	Failures []Failure `json:"failures"`
}

// Duration is the wall time of the pass.
func (s *Summary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// HasFailures reports whether any unit of work failed.
func (s *Summary) HasFailures() bool {
	return len(s.Failures) > 0
}

// Engine owns the store and source handles for synchronization passes.
type Engine struct {
	store  store.Store
	source Source
	opts   Options
	now    func() time.Time

	detector *ChangeDetector
	pruner   *RetentionPruner
	merger   *ScheduleMerger
	catalog  *ProgramCatalog
	credits  *CastCrewResolver
}

// New returns an Engine. The store must already be open; the caller closes it.
func New(st store.Store, src Source, opts Options) *Engine {
	opts = opts.withDefaults()
	e := &Engine{store: st, source: src, opts: opts, now: time.Now}
	e.detector = NewChangeDetector(st, src)
	e.pruner = NewRetentionPruner(st, opts.Retention)
	e.merger = NewScheduleMerger(st, src, opts.Concurrency, opts.MaxEvictions)
	e.catalog = NewProgramCatalog(st, src, opts.ProgramBatchSize)
	e.credits = NewCastCrewResolver(st)
	return e
}

// SetClock replaces the time source of every stage.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	e.pruner.now = now
}

// run carries the state of one pass.
type run struct {
	e         *Engine
	sum       *Summary
	logger    zerolog.Logger
	processed map[string]bool
	pruned    bool
	swept     bool
	// attempted holds the program refs already resolved in this pass.
	attempted map[models.ProgramRef]bool
}

// Run executes one synchronization pass. The returned error is non-nil only
// when the store cannot be reached at all; every other failure is recorded in
// the summary.
func (e *Engine) Run(ctx context.Context, ro RunOptions) (*Summary, error) {
	runID := uuid.NewString()
	ctx = tvlog.ContextWithRunID(ctx, runID)
	r := &run{
		e:         e,
		sum:       &Summary{RunID: runID, StartedAt: e.now(), Failures: []Failure{}},
		logger:    tvlog.WithComponentFromContext(ctx, "sync"),
		processed: make(map[string]bool),
		attempted: make(map[models.ProgramRef]bool),
	}

	if err := e.store.Ping(ctx); err != nil {
		return nil, fmt.Errorf("store unavailable: %w", err)
	}
	r.logger.Info().Str(tvlog.FieldEvent, "sync.start").Bool("force", ro.Force).Msg("synchronization pass started")

	r.execute(ctx, ro)

	r.sum.FinishedAt = e.now()
	r.logger.Info().
		Str(tvlog.FieldEvent, "sync.done").
		Dur("duration", r.sum.Duration()).
		Int("channels", r.sum.ChannelsSynced).
		Int("dates", r.sum.DatesRequiringRefetch).
		Int("entries_inserted", r.sum.EntriesInserted).
		Int("entries_updated", r.sum.EntriesUpdated).
		Int("entries_evicted", r.sum.EntriesEvicted).
		Int("programs_inserted", r.sum.ProgramsInserted).
		Int("programs_updated", r.sum.ProgramsUpdated).
		Int("failures", len(r.sum.Failures)).
		Bool("aborted", r.sum.Aborted).
		Msg("synchronization pass finished")
	return r.sum, nil
}

func (r *run) fail(lineup string, fs ...Failure) {
	for _, f := range fs {
		f.Lineup = lineup
		ev := r.logger.Warn()
		if f.Kind == KindCancelled {
			ev = r.logger.Info()
		}
		ev.Str(tvlog.FieldEvent, "sync.failure").
			Str(tvlog.FieldStage, string(f.Stage)).
			Str(tvlog.FieldLineup, lineup).
			Str(tvlog.FieldStation, f.StationID).
			Str(tvlog.FieldProgram, f.ProgramID).
			Str("kind", string(f.Kind)).
			Err(f.Err).
			Msg("unit of work failed")
		r.sum.Failures = append(r.sum.Failures, f)
	}
}

// execute walks IDLE -> FETCH_LINEUPS -> per lineup CHECK_MODIFIED ->
// [REFRESH_CHANNELS] -> SYNC_SCHEDULES -> DONE.
func (r *run) execute(ctx context.Context, ro RunOptions) {
	src := r.e.source

	status, err := src.Status(ctx)
	if err != nil {
		r.fail("", newFailure(StageStatus, "", "", err))
		return
	}
	if !status.Online {
		r.fail("", newFailure(StageStatus, "", "", &fetcher.SourceError{
			Kind: fetcher.KindTransient,
			Op:   "status",
			Err:  fmt.Errorf("service offline: %s", status.Message),
		}))
		return
	}

	lineups, err := status.AccountLineups()
	if err != nil {
		r.fail("", newFailure(StageLineups, "", "", err))
		return
	}
	lineups = filterLineups(lineups, r.e.opts.Lineups)
	r.sum.Lineups = len(lineups)

	for _, l := range lineups {
		if err := ctx.Err(); err != nil {
			r.fail(l.ID, newFailure(StageRefresh, "", "", err))
			r.sum.Aborted = true
			return
		}
		lg := r.logger.With().Str(tvlog.FieldLineup, l.ID).Logger()

		refresh, err := r.checkModified(ctx, l, ro.Force)
		if err != nil {
			r.fail(l.ID, newFailure(StageRefresh, "", "", err))
		} else if refresh {
			r.refreshChannels(ctx, l, lg)
		} else {
			lg.Debug().Str(tvlog.FieldEvent, "lineup.unchanged").Time("modified", l.Modified).Msg("lineup not modified")
		}

		if !r.syncSchedules(ctx, l.ID, lg) {
			r.sum.Aborted = true
			return
		}
	}
}

func filterLineups(lineups []models.Lineup, allow []string) []models.Lineup {
	out := make([]models.Lineup, 0, len(lineups))
	allowed := make(map[string]bool, len(allow))
	for _, id := range allow {
		allowed[id] = true
	}
	for _, l := range lineups {
		if len(allowed) == 0 || allowed[l.ID] {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// syncSchedules runs detect, prune, merge, catalog and cast/crew for the
// lineup's channels. It returns false when the whole pass must stop.
func (r *run) syncSchedules(ctx context.Context, lineupID string, lg zerolog.Logger) bool {
	var channels []models.Channel
	err := r.e.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		channels, err = tx.ListLineupChannels(ctx, lineupID)
		return err
	})
	if err != nil {
		r.fail(lineupID, newFailure(StageDetect, "", "", err))
		return !fetcher.IsCancelled(err)
	}

	var stations []string
	for _, ch := range channels {
		if !ch.FetchEnabled || r.processed[ch.StationID] {
			continue
		}
		r.processed[ch.StationID] = true
		stations = append(stations, ch.StationID)
	}
	r.sum.ChannelsSynced += len(stations)
	if len(stations) == 0 {
		lg.Debug().Str(tvlog.FieldEvent, "lineup.no_channels").Msg("no channels to synchronize")
	}

	detected, err := r.e.detector.Detect(ctx, stations)
	r.fail(lineupID, detected.Failures...)
	if err != nil {
		// Already recorded against the station; a permanent digest lookup
		// failure stops schedule synchronization for this pass.
		return false
	}
	for _, p := range detected.Pending {
		r.sum.DatesRequiringRefetch += len(p.Dates)
	}

	if !r.pruned {
		r.pruned = true
		pruned, err := r.e.pruner.Prune(ctx)
		if err != nil {
			r.fail(lineupID, newFailure(StagePrune, "", "", err))
		} else {
			r.sum.EntriesPruned += pruned.Deleted
			r.sum.EntriesRetained = pruned.Retained
		}
	}

	merged := r.e.merger.Merge(ctx, detected.Pending)
	r.fail(lineupID, merged.Failures...)
	r.sum.EntriesInserted += merged.Inserted
	r.sum.EntriesUpdated += merged.Updated
	r.sum.EntriesEvicted += merged.Evicted
	r.sum.EntriesUnchanged += merged.Unchanged

	resolved := r.resolvePrograms(ctx, merged.Refs)
	r.fail(lineupID, resolved.Failures...)
	r.sum.ProgramsInserted += resolved.Inserted
	r.sum.ProgramsUpdated += resolved.Updated
	r.sum.ProgramsSkipped += resolved.Skipped

	credits := r.e.credits.Resolve(ctx, resolved.Programs)
	r.fail(lineupID, credits.Failures...)
	r.sum.PersonsCreated += credits.Persons
	r.sum.AssociationsCreated += credits.Associations

	return ctx.Err() == nil
}

// resolvePrograms resolves the refs not yet attempted in this pass. The
// orphan sweep runs with the first lineup only.
func (r *run) resolvePrograms(ctx context.Context, refs []models.ProgramRef) CatalogResult {
	fresh := make([]models.ProgramRef, 0, len(refs))
	for _, ref := range refs {
		if !r.attempted[ref] {
			r.attempted[ref] = true
			fresh = append(fresh, ref)
		}
	}
	var res CatalogResult
	if !r.swept {
		r.swept = true
		res = r.e.catalog.Resolve(ctx, fresh)
	} else {
		res = r.e.catalog.ResolveRefs(ctx, fresh)
	}
	for _, ref := range res.Requested {
		r.attempted[ref] = true
	}
	return res
}
