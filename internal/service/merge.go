package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voyagen/tvguide/internal/fetcher"
	tvlog "github.com/voyagen/tvguide/internal/log"
	"github.com/voyagen/tvguide/internal/models"
	"github.com/voyagen/tvguide/internal/store"
)

// MergeResult aggregates the committed work of ScheduleMerger.Merge.
type MergeResult struct {
	Channels  int
	Inserted  int
	Updated   int
	Evicted   int
	Unchanged int
	// Refs lists the programs referenced by inserted or updated entries.
	Refs     []models.ProgramRef
	Failures []Failure
}

type mergeCounts struct {
	inserted, updated, evicted, unchanged int
}

// mergeUnit tracks the entries written by one unit of work, keyed by start
// time, so an entry evicted by a later airing of the same fetch drops out of
// the counts and refs again.
type mergeUnit struct {
	counts  mergeCounts
	written map[int64]writtenEntry
}

type writtenEntry struct {
	ref      models.ProgramRef
	inserted bool
}

func newMergeUnit() *mergeUnit {
	return &mergeUnit{written: make(map[int64]writtenEntry)}
}

// evicted records the deletion of the stored entry starting at start.
func (u *mergeUnit) evicted(start int64) {
	w, ok := u.written[start]
	if !ok {
		u.counts.evicted++
		return
	}
	delete(u.written, start)
	if w.inserted {
		u.counts.inserted--
		return
	}
	// The entry predates this unit of work; it ends up evicted, not updated.
	u.counts.updated--
	u.counts.evicted++
}

func (u *mergeUnit) wrote(e models.ScheduleEntry, inserted bool) {
	u.written[e.StartTime] = writtenEntry{
		ref:      models.ProgramRef{ProgramID: e.ProgramID, SourceHash: e.SourceHash},
		inserted: inserted,
	}
	if inserted {
		u.counts.inserted++
	} else {
		u.counts.updated++
	}
}

// refs lists the programs of the entries still written, in fetch order.
func (u *mergeUnit) refs(fetched []models.ScheduleEntry) []models.ProgramRef {
	var out []models.ProgramRef
	for _, e := range fetched {
		w, ok := u.written[e.StartTime]
		if !ok || w.ref.ProgramID != e.ProgramID || w.ref.SourceHash != e.SourceHash {
			continue
		}
		delete(u.written, e.StartTime)
		out = append(out, w.ref)
	}
	return out
}

// ScheduleMerger fetches the schedules of changed dates and merges them into
// the store with overlap eviction.
type ScheduleMerger struct {
	store        store.Store
	source       Source
	concurrency  int
	maxEvictions int
}

// NewScheduleMerger returns a merger running up to concurrency channels at once.
func NewScheduleMerger(st store.Store, src Source, concurrency, maxEvictions int) *ScheduleMerger {
	if concurrency < 1 {
		concurrency = 1
	}
	return &ScheduleMerger{store: st, source: src, concurrency: concurrency, maxEvictions: maxEvictions}
}

type channelMerge struct {
	counts   mergeCounts
	refs     []models.ProgramRef
	failures []Failure
	ok       bool
}

// Merge processes every pending channel independently. A failed channel is
// reported and leaves no trace in the store; its digests stay unadvanced so
// the next pass retries it.
func (m *ScheduleMerger) Merge(ctx context.Context, pending []Pending) MergeResult {
	results := make([]channelMerge, len(pending))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for i := range pending {
		g.Go(func() error {
			results[i] = m.mergeChannel(gctx, pending[i])
			return nil
		})
	}
	_ = g.Wait()

	var res MergeResult
	seen := make(map[string]bool)
	for _, r := range results {
		res.Failures = append(res.Failures, r.failures...)
		if !r.ok {
			continue
		}
		res.Channels++
		res.Inserted += r.counts.inserted
		res.Updated += r.counts.updated
		res.Evicted += r.counts.evicted
		res.Unchanged += r.counts.unchanged
		for _, ref := range r.refs {
			if !seen[ref.ProgramID] {
				seen[ref.ProgramID] = true
				res.Refs = append(res.Refs, ref)
			}
		}
	}
	return res
}

func (m *ScheduleMerger) mergeChannel(ctx context.Context, p Pending) channelMerge {
	var out channelMerge
	logger := tvlog.WithComponentFromContext(ctx, "merge").With().Str(tvlog.FieldStation, p.StationID).Logger()

	// All network I/O happens before the unit of work opens.
	schedules, err := m.source.FetchSchedules(ctx, []fetcher.ScheduleRequest{{StationID: p.StationID, Dates: p.Dates}})
	if err != nil {
		out.failures = append(out.failures, newFailure(StageMerge, p.StationID, "", err))
		return out
	}

	var fetched []models.ScheduleEntry
	for _, s := range schedules {
		if s.StationID != p.StationID {
			continue
		}
		if s.Code != 0 {
			err := &fetcher.SourceError{Kind: fetcher.KindPermanent, Op: "schedules", Code: s.Code, Err: errors.New(s.Response)}
			out.failures = append(out.failures, newFailure(StageMerge, p.StationID, "", err))
			return out
		}
		for _, sp := range s.Programs {
			e, err := toEntry(p.StationID, sp)
			if err != nil {
				out.failures = append(out.failures, newFailure(StageMerge, p.StationID, sp.ProgramID, err))
				continue
			}
			fetched = append(fetched, e)
		}
	}
	sort.SliceStable(fetched, func(i, j int) bool { return fetched[i].StartTime < fetched[j].StartTime })

	var (
		unit     *mergeUnit
		rejected []Failure
	)
	err = m.store.WithTx(ctx, func(tx store.Tx) error {
		unit, rejected = newMergeUnit(), nil
		for _, e := range fetched {
			err := m.apply(ctx, tx, e, unit)
			var di *DataIntegrityError
			if errors.As(err, &di) {
				rejected = append(rejected, newFailure(StageMerge, e.StationID, e.ProgramID, err))
				continue
			}
			if err != nil {
				return err
			}
		}
		// The dates count as synced only together with their merged entries.
		for _, d := range p.Digests {
			if err := tx.UpsertDigest(ctx, d); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		out.failures = append(out.failures, newFailure(StageMerge, p.StationID, "", err))
		return out
	}

	counts := unit.counts
	out.ok = true
	out.counts = counts
	out.refs = unit.refs(fetched)
	out.failures = append(out.failures, rejected...)
	logger.Info().
		Str(tvlog.FieldEvent, "merge.commit").
		Strs("dates", p.Dates).
		Int("inserted", counts.inserted).
		Int("updated", counts.updated).
		Int("evicted", counts.evicted).
		Int("unchanged", counts.unchanged).
		Msg("merged schedule")
	return out
}

// apply upserts one fetched entry, evicting every stored entry of the station
// whose interval intersects it unless it carries the same (programId, start)
// key.
func (m *ScheduleMerger) apply(ctx context.Context, tx store.Tx, e models.ScheduleEntry, u *mergeUnit) error {
	overlaps, err := tx.ListOverlapping(ctx, e.StationID, e.StartTime, e.End())
	if err != nil {
		return err
	}

	var (
		exact     *models.ScheduleEntry
		evict     []models.ScheduleEntry
		sameStart bool
	)
	for i := range overlaps {
		o := overlaps[i]
		if o.StartTime == e.StartTime {
			sameStart = true
			if o.ProgramID == e.ProgramID {
				exact = &o
				continue
			}
		}
		evict = append(evict, o)
	}
	// Zero-length entries never intersect anything but still occupy the key.
	if !sameStart {
		cur, err := tx.GetEntry(ctx, e.StationID, e.StartTime)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return err
		case cur.ProgramID == e.ProgramID:
			exact = cur
		default:
			evict = append(evict, *cur)
		}
	}

	if m.maxEvictions > 0 && len(evict) > m.maxEvictions {
		return &DataIntegrityError{
			StationID: e.StationID,
			ProgramID: e.ProgramID,
			Reason:    fmt.Sprintf("merge would evict %d entries (limit %d)", len(evict), m.maxEvictions),
		}
	}
	for _, o := range evict {
		if err := tx.DeleteEntry(ctx, o.StationID, o.StartTime); err != nil {
			return err
		}
		u.evicted(o.StartTime)
	}

	if exact != nil {
		if exact.DurationSeconds == e.DurationSeconds && exact.SourceHash == e.SourceHash {
			u.counts.unchanged++
			return nil
		}
		if err := tx.UpdateEntry(ctx, e); err != nil {
			return err
		}
		u.wrote(e, false)
		return nil
	}
	if err := tx.InsertEntry(ctx, e); err != nil {
		return err
	}
	u.wrote(e, true)
	return nil
}

// toEntry validates a fetched airing and converts it to a ScheduleEntry.
func toEntry(stationID string, sp fetcher.ScheduledProgram) (models.ScheduleEntry, error) {
	if sp.ProgramID == "" {
		return models.ScheduleEntry{}, &DataIntegrityError{StationID: stationID, Reason: "airing without programId"}
	}
	start, err := time.Parse(time.RFC3339, sp.AirDateTime)
	if err != nil {
		return models.ScheduleEntry{}, &DataIntegrityError{
			StationID: stationID,
			ProgramID: sp.ProgramID,
			Reason:    fmt.Sprintf("invalid airDateTime %q", sp.AirDateTime),
		}
	}
	if sp.Duration < 0 {
		return models.ScheduleEntry{}, &DataIntegrityError{
			StationID: stationID,
			ProgramID: sp.ProgramID,
			Reason:    fmt.Sprintf("negative duration %d", sp.Duration),
		}
	}
	return models.ScheduleEntry{
		StationID:       stationID,
		StartTime:       start.Unix(),
		ProgramID:       sp.ProgramID,
		DurationSeconds: sp.Duration,
		SourceHash:      sp.MD5,
	}, nil
}
