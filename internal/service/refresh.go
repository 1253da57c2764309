package service

import (
	"context"

	"github.com/rs/zerolog"

	tvlog "github.com/voyagen/tvguide/internal/log"
	"github.com/voyagen/tvguide/internal/models"
	"github.com/voyagen/tvguide/internal/store"
)

// checkModified reports whether the lineup's channels must be refreshed:
// forced, never refreshed, or modified after the stored watermark.
func (r *run) checkModified(ctx context.Context, l models.Lineup, force bool) (bool, error) {
	if force {
		return true, nil
	}
	var refresh bool
	err := r.e.store.WithTx(ctx, func(tx store.Tx) error {
		watermark, ok, err := tx.GetWatermark(ctx, l.ID)
		if err != nil {
			return err
		}
		refresh = !ok || l.Modified.After(watermark)
		return nil
	})
	return refresh, err
}

// refreshChannels inserts the lineup's unseen stations, replaces its
// membership and advances the watermark in one unit of work. Existing
// channels are left untouched so manual mapping data survives.
func (r *run) refreshChannels(ctx context.Context, l models.Lineup, lg zerolog.Logger) {
	sm, err := r.e.source.FetchStationMap(ctx, l.ID)
	if err != nil {
		r.fail(l.ID, newFailure(StageRefresh, "", "", err))
		return
	}

	var inserted int
	err = r.e.store.WithTx(ctx, func(tx store.Tx) error {
		inserted = 0
		ids := make([]string, 0, len(sm.Channels))
		for _, ch := range sm.Channels {
			if ch.StationID == "" {
				continue
			}
			ch.DVBMappingName = nil
			ch.FetchEnabled = r.e.opts.FetchNewChannels
			created, err := tx.InsertChannelIfAbsent(ctx, ch)
			if err != nil {
				return err
			}
			if created {
				inserted++
			}
			ids = append(ids, ch.StationID)
		}
		if err := tx.ReplaceLineupStations(ctx, l.ID, ids); err != nil {
			return err
		}
		return tx.SetWatermark(ctx, l.ID, l.Modified)
	})
	if err != nil {
		r.fail(l.ID, newFailure(StageRefresh, "", "", err))
		return
	}

	r.sum.LineupsRefreshed++
	r.sum.ChannelsInserted += inserted
	lg.Info().
		Str(tvlog.FieldEvent, "lineup.refreshed").
		Time("modified", l.Modified).
		Int("stations", len(sm.Channels)).
		Int("inserted", inserted).
		Msg("refreshed lineup channels")
}
