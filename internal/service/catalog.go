package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/voyagen/tvguide/internal/fetcher"
	tvlog "github.com/voyagen/tvguide/internal/log"
	"github.com/voyagen/tvguide/internal/models"
	"github.com/voyagen/tvguide/internal/store"
)

// CatalogResult reports ProgramCatalog.Resolve.
type CatalogResult struct {
	Inserted int
	Updated  int
	Skipped  int
	// Programs holds the payloads of every program inserted or updated, for
	// cast/crew resolution.
	Programs []fetcher.ProgramPayload
	// Requested lists the refs that needed a fetch, orphans included.
	Requested []models.ProgramRef
	Failures  []Failure
}

// ProgramCatalog keeps program records in line with the hashes referenced by
// the schedule.
type ProgramCatalog struct {
	store     store.Store
	source    Source
	batchSize int
}

// NewProgramCatalog returns a catalog fetching at most batchSize programs per request.
func NewProgramCatalog(st store.Store, src Source, batchSize int) *ProgramCatalog {
	return &ProgramCatalog{store: st, source: src, batchSize: batchSize}
}

// Resolve inserts unseen programs and refreshes programs whose hash changed.
// Programs referenced by stored entries but missing a record are resolved too,
// so a pass interrupted after a merge heals on the next run.
func (c *ProgramCatalog) Resolve(ctx context.Context, refs []models.ProgramRef) CatalogResult {
	return c.resolve(ctx, refs, true)
}

// ResolveRefs is Resolve without the orphan sweep. A pass sweeps once and
// resolves the refs of later lineups with ResolveRefs.
func (c *ProgramCatalog) ResolveRefs(ctx context.Context, refs []models.ProgramRef) CatalogResult {
	return c.resolve(ctx, refs, false)
}

func (c *ProgramCatalog) resolve(ctx context.Context, refs []models.ProgramRef, sweep bool) CatalogResult {
	var res CatalogResult
	logger := tvlog.WithComponentFromContext(ctx, "catalog")

	var need []models.ProgramRef
	err := c.store.WithTx(ctx, func(tx store.Tx) error {
		var orphans []models.ProgramRef
		if sweep {
			var err error
			if orphans, err = tx.ListOrphanProgramRefs(ctx); err != nil {
				return err
			}
		}
		need, res.Skipped = nil, 0
		for _, ref := range dedupRefs(refs, orphans) {
			stored, err := tx.GetProgram(ctx, ref.ProgramID)
			switch {
			case errors.Is(err, store.ErrNotFound):
				need = append(need, ref)
			case err != nil:
				return err
			case stored.SourceHash != ref.SourceHash:
				need = append(need, ref)
			default:
				res.Skipped++
			}
		}
		return nil
	})
	if err != nil {
		res.Failures = append(res.Failures, newFailure(StageCatalog, "", "", err))
		return res
	}
	if len(need) == 0 {
		return res
	}
	res.Requested = need

	for start := 0; start < len(need); start += c.batchSize {
		batch := need[start:min(start+c.batchSize, len(need))]
		c.resolveBatch(ctx, batch, &res)
		if ctx.Err() != nil {
			break
		}
	}
	logger.Info().
		Str(tvlog.FieldEvent, "catalog.done").
		Int("requested", len(need)).
		Int("inserted", res.Inserted).
		Int("updated", res.Updated).
		Int("skipped", res.Skipped).
		Msg("resolved programs")
	return res
}

// resolveBatch fetches one batch with a single request and writes it in one unit of work.
func (c *ProgramCatalog) resolveBatch(ctx context.Context, batch []models.ProgramRef, res *CatalogResult) {
	ids := make([]string, len(batch))
	hashes := make(map[string]string, len(batch))
	for i, ref := range batch {
		ids[i] = ref.ProgramID
		hashes[ref.ProgramID] = ref.SourceHash
	}

	payloads, err := c.source.FetchPrograms(ctx, ids)
	if err != nil {
		for _, id := range ids {
			res.Failures = append(res.Failures, newFailure(StageCatalog, "", id, err))
		}
		return
	}

	var (
		inserted, updated, skipped int
		written                    []fetcher.ProgramPayload
		rejected                   []Failure
	)
	err = c.store.WithTx(ctx, func(tx store.Tx) error {
		inserted, updated, skipped, written, rejected = 0, 0, 0, nil, nil
		seen := make(map[string]bool, len(payloads))
		for _, p := range payloads {
			want, requested := hashes[p.ProgramID]
			if !requested || seen[p.ProgramID] {
				continue
			}
			seen[p.ProgramID] = true
			if p.Code != 0 {
				err := &fetcher.SourceError{Kind: fetcher.KindPermanent, Op: "programs", Code: p.Code, Err: errors.New(p.Response)}
				rejected = append(rejected, newFailure(StageCatalog, "", p.ProgramID, err))
				continue
			}
			prog, err := ProgramFromPayload(p, want)
			if err != nil {
				rejected = append(rejected, newFailure(StageCatalog, "", p.ProgramID, err))
				continue
			}

			stored, err := tx.GetProgram(ctx, prog.ProgramID)
			switch {
			case errors.Is(err, store.ErrNotFound):
				if err := tx.InsertProgram(ctx, prog); err != nil {
					return err
				}
				inserted++
			case err != nil:
				return err
			case stored.SourceHash == prog.SourceHash:
				skipped++
				continue
			default:
				if err := tx.UpdateProgram(ctx, prog); err != nil {
					return err
				}
				updated++
			}
			written = append(written, p)
		}
		for id := range hashes {
			if !seen[id] {
				err := &fetcher.SourceError{Kind: fetcher.KindPermanent, Op: "programs", Err: fmt.Errorf("program %s missing from response", id)}
				rejected = append(rejected, newFailure(StageCatalog, "", id, err))
			}
		}
		return nil
	})
	if err != nil {
		for _, id := range ids {
			res.Failures = append(res.Failures, newFailure(StageCatalog, "", id, err))
		}
		return
	}
	res.Inserted += inserted
	res.Updated += updated
	res.Skipped += skipped
	res.Programs = append(res.Programs, written...)
	res.Failures = append(res.Failures, rejected...)
}

// dedupRefs merges schedule refs and orphan refs, keeping the first
// occurrence of each programId.
func dedupRefs(lists ...[]models.ProgramRef) []models.ProgramRef {
	seen := make(map[string]bool)
	var out []models.ProgramRef
	for _, list := range lists {
		for _, ref := range list {
			if ref.ProgramID == "" || seen[ref.ProgramID] {
				continue
			}
			seen[ref.ProgramID] = true
			out = append(out, ref)
		}
	}
	return out
}
