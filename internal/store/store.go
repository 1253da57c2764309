package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/voyagen/tvguide/internal/models"
)

// ErrNotFound is returned by point lookups when no row matches the key.
var ErrNotFound = errors.New("not found")

// StoreError wraps a failed store operation. Transient errors (serialization
// failures, dropped connections) may succeed when the unit of work is retried.
type StoreError struct {
	Op        string
	Err       error
	Transient bool
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a StoreError marked transient.
func IsTransient(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Transient
}

// IsStoreError reports whether err originated in the store.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

// Store opens units of work against the persistent catalog.
type Store interface {
	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
	// WithTx runs fn inside one atomic unit of work. If fn returns an error
	// the unit is rolled back and the error is returned unchanged.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	// Close releases the underlying connections.
	Close()
}

// Tx is the set of reads and writes available inside a unit of work.
type Tx interface {
	// GetChannel returns ErrNotFound for an unknown station.
	GetChannel(ctx context.Context, stationID string) (*models.Channel, error)
	// InsertChannelIfAbsent inserts ch unless a channel with the same
	// stationId exists; existing rows are never modified.
	InsertChannelIfAbsent(ctx context.Context, ch models.Channel) (bool, error)
	// ReplaceLineupStations sets the membership of a lineup to stationIDs.
	ReplaceLineupStations(ctx context.Context, lineupID string, stationIDs []string) error
	// ListLineupChannels returns the channels that belong to a lineup, ordered by stationId.
	ListLineupChannels(ctx context.Context, lineupID string) ([]models.Channel, error)
	// GetWatermark returns the last applied modification time of a lineup.
	GetWatermark(ctx context.Context, lineupID string) (time.Time, bool, error)
	SetWatermark(ctx context.Context, lineupID string, modified time.Time) error

	// GetDigest returns ErrNotFound when no digest is stored for the pair.
	GetDigest(ctx context.Context, stationID, date string) (*models.ScheduleDigest, error)
	UpsertDigest(ctx context.Context, d models.ScheduleDigest) error

	// GetEntry returns the entry starting exactly at start, or ErrNotFound.
	GetEntry(ctx context.Context, stationID string, start int64) (*models.ScheduleEntry, error)
	// ListOverlapping returns entries of the station whose interval
	// intersects [start, end), ordered by start time.
	ListOverlapping(ctx context.Context, stationID string, start, end int64) ([]models.ScheduleEntry, error)
	InsertEntry(ctx context.Context, e models.ScheduleEntry) error
	// UpdateEntry rewrites program, duration and hash of the entry keyed by (stationId, startTime).
	UpdateEntry(ctx context.Context, e models.ScheduleEntry) error
	DeleteEntry(ctx context.Context, stationID string, start int64) error
	// PruneBefore deletes every entry ending before cutoff and reports how
	// many were deleted and how many remain.
	PruneBefore(ctx context.Context, cutoff int64) (deleted, retained int64, err error)

	// GetProgram returns ErrNotFound for an unknown programId.
	GetProgram(ctx context.Context, programID string) (*models.Program, error)
	InsertProgram(ctx context.Context, p models.Program) error
	UpdateProgram(ctx context.Context, p models.Program) error
	// ListOrphanProgramRefs returns programIds referenced by schedule entries
	// that have no program record yet.
	ListOrphanProgramRefs(ctx context.Context) ([]models.ProgramRef, error)

	// InsertPersonIfAbsent creates the person unless it exists. Existing
	// persons are never modified.
	InsertPersonIfAbsent(ctx context.Context, p models.Person) (bool, error)
	// InsertCastCrewIfAbsent records the association unless the
	// (personId, programId) pair exists.
	InsertCastCrewIfAbsent(ctx context.Context, cc models.CastCrew) (bool, error)
}

// Catalog is the read and administration surface used by the API and CLI.
type Catalog interface {
	ListChannels(ctx context.Context, filter ChannelFilter) ([]models.Channel, error)
	GetChannel(ctx context.Context, stationID string) (*models.Channel, error)
	// SetChannelMapping stores the tuner channel name for a station. It is
	// the only writer of Channel.DVBMappingName.
	SetChannelMapping(ctx context.Context, stationID, name string) error
	SetChannelFetch(ctx context.Context, stationID string, enabled bool) error
	// ListSchedule returns the station's entries intersecting [from, to).
	ListSchedule(ctx context.Context, stationID string, from, to int64) ([]models.ScheduleEntry, error)
	GetProgram(ctx context.Context, programID string) (*models.Program, error)
	ListCastCrew(ctx context.Context, programID string) ([]models.CastCrew, error)
}

// ChannelFilter holds optional filters for listing channels.
type ChannelFilter struct {
	LineupID     string
	Mapped       *bool  // nil = any, true = dvb mapping name set
	FetchEnabled *bool  // nil = any
	Search       string // case-insensitive substring match on name or callsign
}
