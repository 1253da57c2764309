package service

import (
	"errors"
	"fmt"

	"github.com/voyagen/tvguide/internal/fetcher"
	"github.com/voyagen/tvguide/internal/store"
)

// Stage names a step of a synchronization pass.
type Stage string

const (
	StageStatus   Stage = "status"
	StageLineups  Stage = "fetch_lineups"
	StageRefresh  Stage = "refresh_channels"
	StageDetect   Stage = "detect"
	StagePrune    Stage = "prune"
	StageMerge    Stage = "merge"
	StageCatalog  Stage = "catalog"
	StageCastCrew Stage = "cast_crew"
)

// FailureKind classifies a failure recorded during a pass.
type FailureKind string

const (
	KindTransientSource FailureKind = "transient_source"
	KindPermanentSource FailureKind = "permanent_source"
	KindStore           FailureKind = "store"
	KindDataIntegrity   FailureKind = "data_integrity"
	KindCancelled       FailureKind = "cancelled"
)

// DataIntegrityError rejects a single record, e.g. a schedule entry missing
// its natural key or one whose merge would evict too many entries.
type DataIntegrityError struct {
	StationID string
	ProgramID string
	Reason    string
}

func (e *DataIntegrityError) Error() string {
	switch {
	case e.StationID != "" && e.ProgramID != "":
		return fmt.Sprintf("data integrity: station %s program %s: %s", e.StationID, e.ProgramID, e.Reason)
	case e.StationID != "":
		return fmt.Sprintf("data integrity: station %s: %s", e.StationID, e.Reason)
	case e.ProgramID != "":
		return fmt.Sprintf("data integrity: program %s: %s", e.ProgramID, e.Reason)
	}
	return "data integrity: " + e.Reason
}

// Failure is a unit of work that did not complete. It never aborts sibling
// channels or lineups.
type Failure struct {
	Stage     Stage       `json:"stage"`
	Lineup    string      `json:"lineup,omitempty"`
	StationID string      `json:"station_id,omitempty"`
	ProgramID string      `json:"program_id,omitempty"`
	Kind      FailureKind `json:"kind"`
	Message   string      `json:"error"`
	Err       error       `json:"-"`
}

func newFailure(stage Stage, stationID, programID string, err error) Failure {
	return Failure{
		Stage:     stage,
		StationID: stationID,
		ProgramID: programID,
		Kind:      Classify(err),
		Message:   err.Error(),
		Err:       err,
	}
}

// Classify maps an error to the failure kind it is reported as.
func Classify(err error) FailureKind {
	var di *DataIntegrityError
	switch {
	case fetcher.IsCancelled(err):
		return KindCancelled
	case errors.As(err, &di):
		return KindDataIntegrity
	case store.IsStoreError(err), errors.Is(err, store.ErrNotFound):
		return KindStore
	case fetcher.IsTransient(err):
		return KindTransientSource
	case fetcher.IsPermanent(err):
		return KindPermanentSource
	}
	// Store errors are always wrapped, so anything else came from the source.
	return KindPermanentSource
}
