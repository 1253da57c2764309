package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voyagen/tvguide/internal/models"
)

func seedChannel(t *testing.T, m *Memory, stationID string) {
	t.Helper()
	err := m.WithTx(context.Background(), func(tx Tx) error {
		_, err := tx.InsertChannelIfAbsent(context.Background(), models.Channel{StationID: stationID, Name: "ch" + stationID, FetchEnabled: true})
		return err
	})
	require.NoError(t, err)
}

func TestMemoryWithTxRollsBackOnError(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedChannel(t, m, "10")

	boom := errors.New("boom")
	err := m.WithTx(ctx, func(tx Tx) error {
		require.NoError(t, tx.InsertEntry(ctx, models.ScheduleEntry{StationID: "10", StartTime: 0, ProgramID: "P1", DurationSeconds: 60}))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, m.Entries("10"))
	assert.Zero(t, m.Ops("InsertEntry"))
}

func TestMemoryListOverlapping(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedChannel(t, m, "5")

	require.NoError(t, m.WithTx(ctx, func(tx Tx) error {
		for _, e := range []models.ScheduleEntry{
			{StationID: "5", StartTime: 0, ProgramID: "A", DurationSeconds: 1000},
			{StationID: "5", StartTime: 1000, ProgramID: "B", DurationSeconds: 1000},
			{StationID: "5", StartTime: 2000, ProgramID: "C", DurationSeconds: 1000},
		} {
			if err := tx.InsertEntry(ctx, e); err != nil {
				return err
			}
		}
		return nil
	}))

	tests := []struct {
		name       string
		start, end int64
		want       []string
	}{
		{"inside one", 1100, 1200, []string{"B"}},
		{"touching edges excluded", 1000, 2000, []string{"B"}},
		{"spanning", 500, 2500, []string{"A", "B", "C"}},
		{"after all", 3000, 4000, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, m.WithTx(ctx, func(tx Tx) error {
				got, err := tx.ListOverlapping(ctx, "5", tt.start, tt.end)
				require.NoError(t, err)
				var ids []string
				for _, e := range got {
					ids = append(ids, e.ProgramID)
				}
				assert.Equal(t, tt.want, ids)
				return nil
			}))
		})
	}
}

func TestMemoryPruneBefore(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedChannel(t, m, "1")

	require.NoError(t, m.WithTx(ctx, func(tx Tx) error {
		require.NoError(t, tx.InsertEntry(ctx, models.ScheduleEntry{StationID: "1", StartTime: 0, ProgramID: "old", DurationSeconds: 100}))
		require.NoError(t, tx.InsertEntry(ctx, models.ScheduleEntry{StationID: "1", StartTime: 500, ProgramID: "new", DurationSeconds: 100}))
		return nil
	}))

	require.NoError(t, m.WithTx(ctx, func(tx Tx) error {
		deleted, retained, err := tx.PruneBefore(ctx, 200)
		require.NoError(t, err)
		assert.EqualValues(t, 1, deleted)
		assert.EqualValues(t, 1, retained)
		return nil
	}))
	entries := m.Entries("1")
	require.Len(t, entries, 1)
	assert.Equal(t, "new", entries[0].ProgramID)
}

func TestMemoryInsertIfAbsentKeepsFirstWrite(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.WithTx(ctx, func(tx Tx) error {
		created, err := tx.InsertPersonIfAbsent(ctx, models.Person{PersonID: "p1", Name: "First"})
		require.NoError(t, err)
		assert.True(t, created)

		created, err = tx.InsertPersonIfAbsent(ctx, models.Person{PersonID: "p1", Name: "Second"})
		require.NoError(t, err)
		assert.False(t, created)
		return nil
	}))
	assert.Equal(t, 1, m.Counts()["persons"])
	assert.Equal(t, 1, m.Ops("InsertPerson"))
}

func TestMemoryChannelsKeepMapping(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedChannel(t, m, "10")
	seedChannel(t, m, "20")

	require.NoError(t, m.SetChannelMapping(ctx, "10", "Das Erste HD"))
	assert.ErrorIs(t, m.SetChannelMapping(ctx, "99", "x"), ErrNotFound)

	require.NoError(t, m.WithTx(ctx, func(tx Tx) error {
		created, err := tx.InsertChannelIfAbsent(ctx, models.Channel{StationID: "10", Name: "renamed"})
		assert.False(t, created)
		return err
	}))

	ch, err := m.GetChannel(ctx, "10")
	require.NoError(t, err)
	require.NotNil(t, ch.DVBMappingName)
	assert.Equal(t, "Das Erste HD", *ch.DVBMappingName)
	assert.Equal(t, "ch10", ch.Name)

	mapped := true
	list, err := m.ListChannels(ctx, ChannelFilter{Mapped: &mapped})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "10", list[0].StationID)
}

func TestMemoryLineupMembership(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedChannel(t, m, "10")
	seedChannel(t, m, "20")

	modified := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, m.WithTx(ctx, func(tx Tx) error {
		require.NoError(t, tx.ReplaceLineupStations(ctx, "L1", []string{"20", "10", "10", "unknown"}))
		return tx.SetWatermark(ctx, "L1", modified)
	}))

	require.NoError(t, m.WithTx(ctx, func(tx Tx) error {
		channels, err := tx.ListLineupChannels(ctx, "L1")
		require.NoError(t, err)
		require.Len(t, channels, 2)
		assert.Equal(t, "10", channels[0].StationID)
		assert.Equal(t, "20", channels[1].StationID)

		w, ok, err := tx.GetWatermark(ctx, "L1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.True(t, w.Equal(modified))
		return nil
	}))
}

func TestMemoryFailOn(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.FailOn = func(op string) error {
		if op == "UpsertDigest" {
			return &StoreError{Op: op, Err: errors.New("serialization failure"), Transient: true}
		}
		return nil
	}

	err := m.WithTx(ctx, func(tx Tx) error {
		return tx.UpsertDigest(ctx, models.ScheduleDigest{StationID: "1", Date: "2024-01-01", Hash: "h"})
	})
	require.Error(t, err)
	assert.True(t, IsStoreError(err))
	assert.True(t, IsTransient(err))
	assert.Empty(t, m.Digests())
}

func TestMemoryOrphanProgramRefs(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedChannel(t, m, "1")

	require.NoError(t, m.WithTx(ctx, func(tx Tx) error {
		require.NoError(t, tx.InsertEntry(ctx, models.ScheduleEntry{StationID: "1", StartTime: 0, ProgramID: "P1", DurationSeconds: 10, SourceHash: "a"}))
		require.NoError(t, tx.InsertEntry(ctx, models.ScheduleEntry{StationID: "1", StartTime: 10, ProgramID: "P2", DurationSeconds: 10, SourceHash: "b"}))
		return tx.InsertProgram(ctx, models.Program{ProgramID: "P1", SourceHash: "a", Title: "known"})
	}))

	require.NoError(t, m.WithTx(ctx, func(tx Tx) error {
		refs, err := tx.ListOrphanProgramRefs(ctx)
		require.NoError(t, err)
		assert.Equal(t, []models.ProgramRef{{ProgramID: "P2", SourceHash: "b"}}, refs)
		return nil
	}))
}
