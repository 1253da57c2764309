package service

import (
	"context"
	"time"

	tvlog "github.com/voyagen/tvguide/internal/log"
	"github.com/voyagen/tvguide/internal/store"
)

// PruneResult reports a retention pass.
type PruneResult struct {
	Cutoff   time.Time
	Deleted  int64
	Retained int64
}

// RetentionPruner deletes schedule entries that ended before the retention horizon.
type RetentionPruner struct {
	store     store.Store
	retention time.Duration
	now       func() time.Time
}

// NewRetentionPruner returns a pruner keeping entries that ended within retention.
func NewRetentionPruner(st store.Store, retention time.Duration) *RetentionPruner {
	return &RetentionPruner{store: st, retention: retention, now: time.Now}
}

// Prune deletes every entry with start+duration < now-retention in one unit of work.
func (p *RetentionPruner) Prune(ctx context.Context) (PruneResult, error) {
	res := PruneResult{Cutoff: p.now().Add(-p.retention)}
	err := p.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		res.Deleted, res.Retained, err = tx.PruneBefore(ctx, res.Cutoff.Unix())
		return err
	})
	if err != nil {
		return PruneResult{}, err
	}
	logger := tvlog.WithComponentFromContext(ctx, "prune")
	logger.Info().
		Str(tvlog.FieldEvent, "prune.done").
		Time("cutoff", res.Cutoff).
		Int64("deleted", res.Deleted).
		Int64("retained", res.Retained).
		Msg("pruned stale schedule entries")
	return res, nil
}
