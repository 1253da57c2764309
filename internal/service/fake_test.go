package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/voyagen/tvguide/internal/fetcher"
	"github.com/voyagen/tvguide/internal/models"
	"github.com/voyagen/tvguide/internal/store"
)

// fakeSource is a scripted Source. Schedules are returned only for the
// requested dates, matched on the airDateTime date prefix.
type fakeSource struct {
	mu sync.Mutex

	offline     bool
	lineups     []models.Lineup
	stationMaps map[string]*models.StationMap
	digests     map[string]map[string]models.ScheduleDigest
	schedules   map[string][]fetcher.ScheduledProgram
	programs    map[string]fetcher.ProgramPayload

	errs         map[string]error // by operation name
	scheduleErrs map[string]error // by station
	onSchedules  func()

	calls        map[string]int
	digestReqs   [][]string
	scheduleReqs []fetcher.ScheduleRequest
	programReqs  [][]string
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		stationMaps:  make(map[string]*models.StationMap),
		digests:      make(map[string]map[string]models.ScheduleDigest),
		schedules:    make(map[string][]fetcher.ScheduledProgram),
		programs:     make(map[string]fetcher.ProgramPayload),
		errs:         make(map[string]error),
		scheduleErrs: make(map[string]error),
		calls:        make(map[string]int),
	}
}

func (f *fakeSource) begin(ctx context.Context, op string) error {
	f.calls[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.errs[op]
}

func (f *fakeSource) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeSource) Status(ctx context.Context) (*fetcher.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, "status"); err != nil {
		return nil, err
	}
	if f.offline {
		return &fetcher.Status{Online: false, Message: "maintenance"}, nil
	}
	st := &fetcher.Status{Online: true, Message: "No known issues."}
	for _, l := range f.lineups {
		st.Lineups = append(st.Lineups, fetcher.LineupPayload{
			Lineup:   l.ID,
			Modified: l.Modified.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	return st, nil
}

func (f *fakeSource) FetchStationMap(ctx context.Context, lineupID string) (*models.StationMap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, "stationmap"); err != nil {
		return nil, err
	}
	sm, ok := f.stationMaps[lineupID]
	if !ok {
		return nil, &fetcher.SourceError{Kind: fetcher.KindPermanent, Op: "lineup", Status: 404}
	}
	cp := *sm
	cp.Channels = append([]models.Channel(nil), sm.Channels...)
	return &cp, nil
}

func (f *fakeSource) FetchScheduleDigests(ctx context.Context, stationIDs []string) (map[string]map[string]models.ScheduleDigest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.digestReqs = append(f.digestReqs, append([]string(nil), stationIDs...))
	if err := f.begin(ctx, "digests"); err != nil {
		return nil, err
	}
	out := make(map[string]map[string]models.ScheduleDigest)
	for _, id := range stationIDs {
		if dates, ok := f.digests[id]; ok {
			cp := make(map[string]models.ScheduleDigest, len(dates))
			for k, v := range dates {
				cp[k] = v
			}
			out[id] = cp
		}
	}
	return out, nil
}

func (f *fakeSource) FetchSchedules(ctx context.Context, reqs []fetcher.ScheduleRequest) ([]fetcher.StationSchedule, error) {
	f.mu.Lock()
	hook := f.onSchedules
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduleReqs = append(f.scheduleReqs, reqs...)
	if err := f.begin(ctx, "schedules"); err != nil {
		return nil, err
	}
	var out []fetcher.StationSchedule
	for _, req := range reqs {
		if err := f.scheduleErrs[req.StationID]; err != nil {
			return nil, err
		}
		s := fetcher.StationSchedule{StationID: req.StationID}
		for _, sp := range f.schedules[req.StationID] {
			for _, d := range req.Dates {
				if strings.HasPrefix(sp.AirDateTime, d) {
					s.Programs = append(s.Programs, sp)
				}
			}
		}
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeSource) FetchPrograms(ctx context.Context, programIDs []string) ([]fetcher.ProgramPayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.programReqs = append(f.programReqs, append([]string(nil), programIDs...))
	if err := f.begin(ctx, "programs"); err != nil {
		return nil, err
	}
	var out []fetcher.ProgramPayload
	for _, id := range programIDs {
		if p, ok := f.programs[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// air formats unix seconds the way the feed reports airDateTime.
func air(ts int64) string {
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}

func strPtr(s string) *string { return &s }

func intPtr(i int) *int { return &i }

func program(id, md5, title string, cast ...fetcher.PersonPayload) fetcher.ProgramPayload {
	return fetcher.ProgramPayload{
		ProgramID: id,
		MD5:       md5,
		Titles:    []fetcher.TitlePayload{{Title120: strPtr(title)}},
		Cast:      cast,
	}
}

// seedEntries inserts entries (and their channels) directly into the store.
func seedEntries(t *testing.T, st *store.Memory, entries ...models.ScheduleEntry) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.WithTx(ctx, func(tx store.Tx) error {
		for _, e := range entries {
			if _, err := tx.InsertChannelIfAbsent(ctx, models.Channel{StationID: e.StationID, FetchEnabled: true}); err != nil {
				return err
			}
			if err := tx.InsertEntry(ctx, e); err != nil {
				return err
			}
		}
		return nil
	}))
	st.ResetOps()
}

// assertNoOverlaps fails if any two entries of a station intersect.
func assertNoOverlaps(t *testing.T, entries []models.ScheduleEntry) {
	t.Helper()
	for i := range entries {
		for j := i + 1; j < len(entries); j++ {
			if entries[i].Overlaps(entries[j]) {
				t.Fatalf("entries overlap: %+v and %+v", entries[i], entries[j])
			}
		}
	}
}
