package service

import (
	"context"

	"github.com/voyagen/tvguide/internal/fetcher"
	tvlog "github.com/voyagen/tvguide/internal/log"
	"github.com/voyagen/tvguide/internal/models"
	"github.com/voyagen/tvguide/internal/store"
)

// CastCrewResult reports CastCrewResolver.Resolve.
type CastCrewResult struct {
	Persons      int
	Associations int
	Failures     []Failure
}

// CastCrewResolver records the persons credited on programs and their
// (person, program) associations. Both are first-write-wins.
type CastCrewResolver struct {
	store store.Store
}

// NewCastCrewResolver returns a CastCrewResolver.
func NewCastCrewResolver(st store.Store) *CastCrewResolver {
	return &CastCrewResolver{store: st}
}

// Resolve writes the cast and crew of programs in one unit of work.
func (r *CastCrewResolver) Resolve(ctx context.Context, programs []fetcher.ProgramPayload) CastCrewResult {
	var res CastCrewResult
	if len(programs) == 0 {
		return res
	}

	var (
		persons, assocs int
		rejected        []Failure
	)
	err := r.store.WithTx(ctx, func(tx store.Tx) error {
		persons, assocs, rejected = 0, 0, nil
		for _, p := range programs {
			credits := make([]fetcher.PersonPayload, 0, len(p.Cast)+len(p.Crew))
			credits = append(credits, p.Cast...)
			credits = append(credits, p.Crew...)
			for _, pp := range credits {
				if pp.PersonID == "" {
					rejected = append(rejected, newFailure(StageCastCrew, "", p.ProgramID,
						&DataIntegrityError{ProgramID: p.ProgramID, Reason: "credit without personId"}))
					continue
				}
				created, err := tx.InsertPersonIfAbsent(ctx, models.Person{PersonID: pp.PersonID, Name: pp.Name, NameID: pp.NameID})
				if err != nil {
					return err
				}
				if created {
					persons++
				}
				created, err = tx.InsertCastCrewIfAbsent(ctx, newCastCrew(pp, p.ProgramID))
				if err != nil {
					return err
				}
				if created {
					assocs++
				}
			}
		}
		return nil
	})
	if err != nil {
		res.Failures = append(res.Failures, newFailure(StageCastCrew, "", "", err))
		return res
	}

	res.Persons = persons
	res.Associations = assocs
	res.Failures = rejected
	logger := tvlog.WithComponentFromContext(ctx, "castcrew")
	logger.Debug().
		Str(tvlog.FieldEvent, "castcrew.done").
		Int("persons", persons).
		Int("associations", assocs).
		Msg("resolved cast and crew")
	return res
}

func newCastCrew(pp fetcher.PersonPayload, programID string) models.CastCrew {
	cc := models.CastCrew{
		PersonID:     pp.PersonID,
		ProgramID:    programID,
		BillingOrder: pp.BillingOrder,
		Role:         pp.Role,
	}
	if cc.BillingOrder == "" {
		cc.BillingOrder = models.DefaultBillingOrder
	}
	return cc
}
