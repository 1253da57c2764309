package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voyagen/tvguide/internal/fetcher"
	"github.com/voyagen/tvguide/internal/models"
	"github.com/voyagen/tvguide/internal/store"
)

func TestCatalogDedupsByHash(t *testing.T) {
	st := store.NewMemory()
	src := newFakeSource()
	src.programs["EP1"] = program("EP1", "m1", "News")
	cat := NewProgramCatalog(st, src, 100)
	refs := []models.ProgramRef{{ProgramID: "EP1", SourceHash: "m1"}}

	first := cat.Resolve(context.Background(), refs)
	require.Empty(t, first.Failures)
	assert.Equal(t, 1, first.Inserted)
	require.Len(t, first.Programs, 1)

	st.ResetOps()
	second := cat.Resolve(context.Background(), refs)
	require.Empty(t, second.Failures)
	assert.Zero(t, second.Inserted)
	assert.Zero(t, second.Updated)
	assert.Equal(t, 1, second.Skipped)
	assert.Empty(t, second.Programs)

	assert.Equal(t, 1, src.count("programs"), "an unchanged hash is never refetched")
	assert.Zero(t, st.Ops("UpdateProgram"))
	assert.Equal(t, 1, st.Counts()["programs"])
}

func TestCatalogUpdatesChangedHash(t *testing.T) {
	st := store.NewMemory()
	src := newFakeSource()
	src.programs["EP1"] = program("EP1", "m1", "Old title")
	cat := NewProgramCatalog(st, src, 100)

	cat.Resolve(context.Background(), []models.ProgramRef{{ProgramID: "EP1", SourceHash: "m1"}})

	src.programs["EP1"] = program("EP1", "m2", "New title")
	res := cat.Resolve(context.Background(), []models.ProgramRef{{ProgramID: "EP1", SourceHash: "m2"}})
	require.Empty(t, res.Failures)
	assert.Equal(t, 1, res.Updated)

	p, err := st.GetProgram(context.Background(), "EP1")
	require.NoError(t, err)
	assert.Equal(t, "New title", p.Title)
	assert.Equal(t, "m2", p.SourceHash)
	assert.Equal(t, 1, st.Counts()["programs"])
}

func TestCatalogBatchesRequests(t *testing.T) {
	st := store.NewMemory()
	src := newFakeSource()
	var refs []models.ProgramRef
	for _, id := range []string{"P1", "P2", "P3", "P4", "P5"} {
		src.programs[id] = program(id, "h", id)
		refs = append(refs, models.ProgramRef{ProgramID: id, SourceHash: "h"})
	}

	res := NewProgramCatalog(st, src, 2).Resolve(context.Background(), refs)

	require.Empty(t, res.Failures)
	assert.Equal(t, 5, res.Inserted)
	assert.Equal(t, [][]string{{"P1", "P2"}, {"P3", "P4"}, {"P5"}}, src.programReqs)
}

func TestCatalogSingleRequestForAllPrograms(t *testing.T) {
	st := store.NewMemory()
	src := newFakeSource()
	refs := []models.ProgramRef{{ProgramID: "P1", SourceHash: "a"}, {ProgramID: "P2", SourceHash: "b"}, {ProgramID: "P1", SourceHash: "a"}}
	src.programs["P1"] = program("P1", "a", "one")
	src.programs["P2"] = program("P2", "b", "two")

	res := NewProgramCatalog(st, src, 5000).Resolve(context.Background(), refs)

	require.Empty(t, res.Failures)
	assert.Equal(t, [][]string{{"P1", "P2"}}, src.programReqs)
}

func TestCatalogResolvesOrphans(t *testing.T) {
	st := store.NewMemory()
	src := newFakeSource()
	seedEntries(t, st, models.ScheduleEntry{StationID: "1", StartTime: 0, ProgramID: "ORPHAN", DurationSeconds: 60, SourceHash: "o"})
	src.programs["ORPHAN"] = program("ORPHAN", "o", "Left behind")

	res := NewProgramCatalog(st, src, 100).Resolve(context.Background(), nil)

	require.Empty(t, res.Failures)
	assert.Equal(t, 1, res.Inserted)
	_, err := st.GetProgram(context.Background(), "ORPHAN")
	assert.NoError(t, err)
}

func TestCatalogResolveRefsSkipsOrphanSweep(t *testing.T) {
	st := store.NewMemory()
	src := newFakeSource()
	seedEntries(t, st, models.ScheduleEntry{StationID: "1", StartTime: 0, ProgramID: "ORPHAN", DurationSeconds: 60, SourceHash: "o"})
	src.programs["ORPHAN"] = program("ORPHAN", "o", "Left behind")
	src.programs["P1"] = program("P1", "a", "One")

	res := NewProgramCatalog(st, src, 100).ResolveRefs(context.Background(), []models.ProgramRef{{ProgramID: "P1", SourceHash: "a"}})

	require.Empty(t, res.Failures)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, []models.ProgramRef{{ProgramID: "P1", SourceHash: "a"}}, res.Requested)
	assert.Equal(t, [][]string{{"P1"}}, src.programReqs)
}

func TestCatalogFailures(t *testing.T) {
	t.Run("fetch failure", func(t *testing.T) {
		st := store.NewMemory()
		src := newFakeSource()
		src.errs["programs"] = &fetcher.SourceError{Kind: fetcher.KindTransient, Op: "programs", Status: 502}

		res := NewProgramCatalog(st, src, 100).Resolve(context.Background(), []models.ProgramRef{{ProgramID: "P1", SourceHash: "a"}})

		require.Len(t, res.Failures, 1)
		assert.Equal(t, KindTransientSource, res.Failures[0].Kind)
		assert.Equal(t, "P1", res.Failures[0].ProgramID)
		assert.Zero(t, st.Counts()["programs"])
	})

	t.Run("program error code and missing program", func(t *testing.T) {
		st := store.NewMemory()
		src := newFakeSource()
		src.programs["P1"] = fetcher.ProgramPayload{ProgramID: "P1", Code: 6001, Response: "PROGRAMID_QUEUED"}
		src.programs["P2"] = program("P2", "b", "ok")

		res := NewProgramCatalog(st, src, 100).Resolve(context.Background(), []models.ProgramRef{
			{ProgramID: "P1", SourceHash: "a"},
			{ProgramID: "P2", SourceHash: "b"},
			{ProgramID: "P3", SourceHash: "c"},
		})

		require.Len(t, res.Failures, 2)
		for _, f := range res.Failures {
			assert.Equal(t, KindPermanentSource, f.Kind)
		}
		assert.Equal(t, 1, res.Inserted)
	})
}
