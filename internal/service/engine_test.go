package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voyagen/tvguide/internal/fetcher"
	"github.com/voyagen/tvguide/internal/models"
	"github.com/voyagen/tvguide/internal/store"
)

var (
	scenarioNow      = time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC)
	scenarioModified = time.Date(2023, 12, 31, 8, 0, 0, 0, time.UTC)
	day1             = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Unix()
)

// newScenario wires lineup L1 with station 10 whose 2024-01-01 schedule
// digest is "h1".
func newScenario(t *testing.T) (*store.Memory, *fakeSource, *Engine) {
	t.Helper()
	st := store.NewMemory()
	src := newFakeSource()

	src.lineups = []models.Lineup{{ID: "L1", Modified: scenarioModified}}
	src.stationMaps["L1"] = &models.StationMap{LineupID: "L1", Channels: []models.Channel{
		{StationID: "10", Name: "Channel Ten", ChannelNumber: "10.1", Callsign: "KTEN"},
	}}
	src.digests["10"] = map[string]models.ScheduleDigest{"2024-01-01": {Hash: "h1", LastModified: 1704067200}}
	src.schedules["10"] = []fetcher.ScheduledProgram{
		{ProgramID: "EP1", AirDateTime: air(day1), Duration: 1800, MD5: "m1"},
		{ProgramID: "EP2", AirDateTime: air(day1 + 1800), Duration: 3600, MD5: "m2"},
	}
	src.programs["EP1"] = program("EP1", "m1", "Morning News",
		fetcher.PersonPayload{PersonID: "p1", NameID: "n1", Name: "Anchor", Role: "Host", BillingOrder: "01"})
	src.programs["EP2"] = program("EP2", "m2", "Cartoons")

	e := New(st, src, Options{Retention: 7 * 24 * time.Hour, Concurrency: 2, MaxEvictions: 64, FetchNewChannels: true})
	e.SetClock(func() time.Time { return scenarioNow })
	return st, src, e
}

func TestRunEndToEnd(t *testing.T) {
	st, src, e := newScenario(t)

	sum, err := e.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Empty(t, sum.Failures)

	assert.Equal(t, []models.ScheduleDigest{{StationID: "10", Date: "2024-01-01", Hash: "h1", LastModified: 1704067200}}, st.Digests())
	assert.Equal(t, 1, src.count("schedules"))
	assert.Equal(t, []fetcher.ScheduleRequest{{StationID: "10", Dates: []string{"2024-01-01"}}}, src.scheduleReqs)

	entries := st.Entries("10")
	assert.Equal(t, []models.ScheduleEntry{
		{StationID: "10", StartTime: day1, ProgramID: "EP1", DurationSeconds: 1800, SourceHash: "m1"},
		{StationID: "10", StartTime: day1 + 1800, ProgramID: "EP2", DurationSeconds: 3600, SourceHash: "m2"},
	}, entries)
	assertNoOverlaps(t, entries)

	counts := st.Counts()
	assert.Equal(t, 1, counts["channels"])
	assert.Equal(t, 2, counts["programs"])
	assert.Equal(t, 1, counts["persons"])
	assert.Equal(t, 1, counts["cast_crew"])
	assert.Equal(t, 1, src.count("programs"), "all programs are fetched in one batch")
	assert.Equal(t, 1, src.count("status"), "lineups come from the single status request")

	assert.Equal(t, 1, sum.Lineups)
	assert.Equal(t, 1, sum.LineupsRefreshed)
	assert.Equal(t, 1, sum.ChannelsInserted)
	assert.Equal(t, 1, sum.ChannelsSynced)
	assert.Equal(t, 1, sum.DatesRequiringRefetch)
	assert.Equal(t, 2, sum.EntriesInserted)
	assert.Equal(t, 2, sum.ProgramsInserted)
	assert.Equal(t, 1, sum.PersonsCreated)
	assert.Equal(t, 1, sum.AssociationsCreated)
	assert.False(t, sum.Aborted)
	assert.NotEmpty(t, sum.RunID)

	ch, err := st.GetChannel(context.Background(), "10")
	require.NoError(t, err)
	assert.Equal(t, "KTEN", ch.Callsign)
	assert.True(t, ch.FetchEnabled)
	assert.Nil(t, ch.DVBMappingName)
}

func TestRunTwiceIsIdempotent(t *testing.T) {
	st, src, e := newScenario(t)

	_, err := e.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	st.ResetOps()

	sum, err := e.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Empty(t, sum.Failures)

	assert.Zero(t, st.Writes(), "second pass with unchanged digests writes nothing")
	assert.Equal(t, 1, src.count("schedules"))
	assert.Equal(t, 1, src.count("programs"))
	assert.Equal(t, 1, src.count("stationmap"), "unchanged lineup is not refreshed")
	assert.Zero(t, sum.DatesRequiringRefetch)
	assert.Zero(t, sum.EntriesInserted+sum.EntriesUpdated+sum.EntriesEvicted)
}

func TestRunDigestGating(t *testing.T) {
	st, src, e := newScenario(t)
	_, err := e.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	// A new date appears; the known date keeps its hash.
	day2 := day1 + 86400
	src.digests["10"]["2024-01-02"] = models.ScheduleDigest{Hash: "h2"}
	src.schedules["10"] = append(src.schedules["10"], fetcher.ScheduledProgram{ProgramID: "EP3", AirDateTime: air(day2), Duration: 600, MD5: "m3"})
	src.programs["EP3"] = program("EP3", "m3", "Late Show")
	st.ResetOps()

	sum, err := e.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Empty(t, sum.Failures)

	require.Len(t, src.scheduleReqs, 2)
	assert.Equal(t, fetcher.ScheduleRequest{StationID: "10", Dates: []string{"2024-01-02"}}, src.scheduleReqs[1])
	assert.Equal(t, 1, sum.EntriesInserted)
	assert.Zero(t, sum.EntriesUnchanged, "the unchanged date was not refetched")
	assert.Equal(t, [][]string{{"EP1", "EP2"}, {"EP3"}}, src.programReqs)
}

func TestRunKeepsManualMapping(t *testing.T) {
	st, src, e := newScenario(t)
	_, err := e.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.NoError(t, st.SetChannelMapping(context.Background(), "10", "Ten HD"))

	src.lineups[0].Modified = scenarioModified.Add(time.Hour)
	src.stationMaps["L1"].Channels = append(src.stationMaps["L1"].Channels, models.Channel{StationID: "11", Name: "Eleven"})

	sum, err := e.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.LineupsRefreshed)
	assert.Equal(t, 1, sum.ChannelsInserted)

	ch, err := st.GetChannel(context.Background(), "10")
	require.NoError(t, err)
	require.NotNil(t, ch.DVBMappingName)
	assert.Equal(t, "Ten HD", *ch.DVBMappingName)
}

func TestRunForceRefreshesUnchangedLineup(t *testing.T) {
	_, src, e := newScenario(t)
	_, err := e.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	sum, err := e.Run(context.Background(), RunOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 2, src.count("stationmap"))
	assert.Equal(t, 1, sum.LineupsRefreshed)
	assert.Zero(t, sum.ChannelsInserted)
}

func TestRunNewChannelsDisabled(t *testing.T) {
	st, src, _ := newScenario(t)
	e := New(st, src, Options{FetchNewChannels: false})
	e.SetClock(func() time.Time { return scenarioNow })

	sum, err := e.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.ChannelsInserted)
	assert.Zero(t, sum.ChannelsSynced)
	assert.Zero(t, src.count("digests"))
}

func TestRunRefreshFailureDoesNotBlockSync(t *testing.T) {
	st, src, e := newScenario(t)
	_, err := e.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	src.lineups[0].Modified = scenarioModified.Add(time.Hour)
	src.errs["stationmap"] = &fetcher.SourceError{Kind: fetcher.KindTransient, Op: "lineup", Status: 503}
	src.digests["10"]["2024-01-01"] = models.ScheduleDigest{Hash: "h1-changed"}

	sum, err := e.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Len(t, sum.Failures, 1)
	assert.Equal(t, StageRefresh, sum.Failures[0].Stage)
	assert.Equal(t, "L1", sum.Failures[0].Lineup)
	assert.Equal(t, KindTransientSource, sum.Failures[0].Kind)

	assert.Equal(t, 1, sum.DatesRequiringRefetch, "schedules still sync for the known channels")
	assert.Equal(t, "h1-changed", st.Digests()[0].Hash)
}

func TestRunStationSharedByLineupsIsSyncedOnce(t *testing.T) {
	_, src, e := newScenario(t)
	src.lineups = append(src.lineups, models.Lineup{ID: "L2", Modified: scenarioModified})
	src.stationMaps["L2"] = &models.StationMap{LineupID: "L2", Channels: []models.Channel{{StationID: "10"}, {StationID: "20"}}}
	src.digests["20"] = map[string]models.ScheduleDigest{}

	sum, err := e.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Empty(t, sum.Failures)
	assert.Equal(t, 2, sum.ChannelsSynced)
	assert.Equal(t, [][]string{{"10"}, {"20"}}, src.digestReqs)
	assert.Equal(t, 1, src.count("schedules"))
}

func TestRunMissingProgramIsRequestedOncePerPass(t *testing.T) {
	_, src, e := newScenario(t)
	gone := fetcher.ScheduledProgram{ProgramID: "GONE", AirDateTime: air(day1 + 7200), Duration: 600, MD5: "mg"}
	src.schedules["10"] = append(src.schedules["10"], gone)
	for _, id := range []string{"20", "30"} {
		lineup := "L" + id
		src.lineups = append(src.lineups, models.Lineup{ID: lineup, Modified: scenarioModified})
		src.stationMaps[lineup] = &models.StationMap{LineupID: lineup, Channels: []models.Channel{{StationID: id}}}
		src.digests[id] = map[string]models.ScheduleDigest{"2024-01-01": {Hash: "h" + id}}
		src.schedules[id] = []fetcher.ScheduledProgram{gone}
	}

	sum, err := e.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"EP1", "EP2", "GONE"}}, src.programReqs)
	var catalogFailures []Failure
	for _, f := range sum.Failures {
		if f.Stage == StageCatalog {
			catalogFailures = append(catalogFailures, f)
		}
	}
	require.Len(t, catalogFailures, 1)
	assert.Equal(t, "GONE", catalogFailures[0].ProgramID)
	assert.Equal(t, 3, sum.ChannelsSynced)
}

func TestRunLineupAllowList(t *testing.T) {
	st, src, _ := newScenario(t)
	src.lineups = append(src.lineups, models.Lineup{ID: "OTHER", Modified: scenarioModified})
	e := New(st, src, Options{FetchNewChannels: true, Lineups: []string{"L1"}})
	e.SetClock(func() time.Time { return scenarioNow })

	sum, err := e.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Empty(t, sum.Failures)
	assert.Equal(t, 1, sum.Lineups)
	assert.Equal(t, 1, src.count("stationmap"))
}

func TestRunOfflineSource(t *testing.T) {
	st, src, e := newScenario(t)
	src.offline = true

	sum, err := e.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Len(t, sum.Failures, 1)
	assert.Equal(t, StageStatus, sum.Failures[0].Stage)
	assert.Equal(t, KindTransientSource, sum.Failures[0].Kind)
	assert.Zero(t, src.count("stationmap"))
	assert.Zero(t, st.Writes())
}

type downStore struct{ store.Store }

func (downStore) Ping(context.Context) error {
	return &store.StoreError{Op: "ping", Err: errors.New("connection refused"), Transient: true}
}

func TestRunStoreUnavailableIsFatal(t *testing.T) {
	src := newFakeSource()
	e := New(downStore{store.NewMemory()}, src, Options{})

	sum, err := e.Run(context.Background(), RunOptions{})
	require.Error(t, err)
	assert.Nil(t, sum)
	assert.Zero(t, src.count("status"))
}

func TestRunPermanentDigestStoreFailureAborts(t *testing.T) {
	st, src, e := newScenario(t)
	st.FailOn = func(op string) error {
		if op == "GetDigest" {
			return errors.New("permission denied for table schedule_digests")
		}
		return nil
	}

	sum, err := e.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.True(t, sum.Aborted)
	require.Len(t, sum.Failures, 1)
	assert.Equal(t, StageDetect, sum.Failures[0].Stage)
	assert.Zero(t, src.count("schedules"))
}

func TestRunCancelledDuringFetch(t *testing.T) {
	st, src, e := newScenario(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src.onSchedules = cancel

	sum, err := e.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.True(t, sum.Aborted)
	require.NotEmpty(t, sum.Failures)
	for _, f := range sum.Failures {
		assert.Equal(t, KindCancelled, f.Kind, "%s: %v", f.Stage, f.Err)
	}
	assert.Empty(t, st.Entries("10"))
	assert.Empty(t, st.Digests(), "nothing is written for a cancelled fetch")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want FailureKind
	}{
		{context.Canceled, KindCancelled},
		{&fetcher.SourceError{Kind: fetcher.KindTransient, Err: context.DeadlineExceeded}, KindCancelled},
		{&DataIntegrityError{Reason: "x"}, KindDataIntegrity},
		{&store.StoreError{Op: "x", Err: errors.New("y")}, KindStore},
		{&fetcher.SourceError{Kind: fetcher.KindTransient}, KindTransientSource},
		{&fetcher.SourceError{Kind: fetcher.KindPermanent}, KindPermanentSource},
	}
	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
