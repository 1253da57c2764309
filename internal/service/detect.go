package service

import (
	"context"
	"errors"
	"sort"

	tvlog "github.com/voyagen/tvguide/internal/log"
	"github.com/voyagen/tvguide/internal/models"
	"github.com/voyagen/tvguide/internal/store"
)

const (
	// digestBatchSize bounds the stations per digest request.
	digestBatchSize = 5000
	// detectRetries is how often a channel's digest comparison is retried
	// after a transient store error.
	detectRetries = 2
)

// Pending lists the dates of one station whose remote digest differs from
// the stored one. Digests holds the remote values to persist once the
// schedule for those dates is merged.
type Pending struct {
	StationID string
	Dates     []string
	Digests   []models.ScheduleDigest
}

// DetectResult is the output of ChangeDetector.Detect.
type DetectResult struct {
	Pending  []Pending
	Failures []Failure
}

// ChangeDetector compares remote schedule digests with the stored ones.
type ChangeDetector struct {
	store  store.Store
	source Source
}

// NewChangeDetector returns a ChangeDetector.
func NewChangeDetector(st store.Store, src Source) *ChangeDetector {
	return &ChangeDetector{store: st, source: src}
}

// Detect returns, per station, the dates that need a schedule refetch. It
// writes nothing: the digest advance happens in the merge unit of work.
// The returned error is non-nil only for a permanent store failure, which
// stops schedule synchronization for the run.
func (d *ChangeDetector) Detect(ctx context.Context, stationIDs []string) (DetectResult, error) {
	var res DetectResult
	if len(stationIDs) == 0 {
		return res, nil
	}
	logger := tvlog.WithComponentFromContext(ctx, "detect")

	stations := append([]string(nil), stationIDs...)
	sort.Strings(stations)

	for start := 0; start < len(stations); start += digestBatchSize {
		end := min(start+digestBatchSize, len(stations))
		batch := stations[start:end]

		remote, err := d.source.FetchScheduleDigests(ctx, batch)
		if err != nil {
			for _, id := range batch {
				res.Failures = append(res.Failures, newFailure(StageDetect, id, "", err))
			}
			continue
		}

		for _, id := range batch {
			dates := remote[id]
			if len(dates) == 0 {
				continue
			}
			p, err := d.compareWithRetry(ctx, id, dates)
			if err != nil {
				res.Failures = append(res.Failures, newFailure(StageDetect, id, "", err))
				if ctx.Err() != nil {
					return res, nil
				}
				if store.IsTransient(err) {
					continue
				}
				return res, err
			}
			if len(p.Dates) == 0 {
				continue
			}
			logger.Debug().
				Str(tvlog.FieldEvent, "digest.changed").
				Str(tvlog.FieldStation, id).
				Strs("dates", p.Dates).
				Msg("schedule dates changed upstream")
			res.Pending = append(res.Pending, p)
		}
	}
	return res, nil
}

func (d *ChangeDetector) compareWithRetry(ctx context.Context, stationID string, remote map[string]models.ScheduleDigest) (Pending, error) {
	var (
		p   Pending
		err error
	)
	for attempt := 0; attempt <= detectRetries; attempt++ {
		if ctx.Err() != nil {
			return Pending{}, ctx.Err()
		}
		p, err = d.compare(ctx, stationID, remote)
		if err == nil || !store.IsTransient(err) {
			return p, err
		}
	}
	return Pending{}, err
}

// compare reads the stored digests of one station in a single unit of work.
func (d *ChangeDetector) compare(ctx context.Context, stationID string, remote map[string]models.ScheduleDigest) (Pending, error) {
	dates := make([]string, 0, len(remote))
	for date := range remote {
		dates = append(dates, date)
	}
	sort.Strings(dates)

	p := Pending{StationID: stationID}
	err := d.store.WithTx(ctx, func(tx store.Tx) error {
		for _, date := range dates {
			want := remote[date]
			stored, err := tx.GetDigest(ctx, stationID, date)
			switch {
			case errors.Is(err, store.ErrNotFound):
			case err != nil:
				return err
			case stored.Hash == want.Hash:
				continue
			}
			want.StationID = stationID
			want.Date = date
			p.Dates = append(p.Dates, date)
			p.Digests = append(p.Digests, want)
		}
		return nil
	})
	if err != nil {
		return Pending{}, err
	}
	return p, nil
}
