package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voyagen/tvguide/internal/models"
)

// Postgres implements Store and Catalog using PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ Store   = (*Postgres)(nil)
	_ Catalog = (*Postgres)(nil)
)

// NewPostgres creates a Postgres store from a DSN. Caller must call Close when done.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close closes the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Ping checks that a connection can be acquired.
func (p *Postgres) Ping(ctx context.Context) error {
	return wrapErr("ping", p.pool.Ping(ctx))
}

// WithTx runs fn in a read-committed transaction.
func (p *Postgres) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapErr("begin", err)
	}
	// Rollback after Commit is a no-op.
	defer func() { _ = tx.Rollback(context.Background()) }()

	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapErr("commit", err)
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// wrapErr converts driver errors into StoreError. pgx.ErrNoRows becomes ErrNotFound.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return &StoreError{Op: op, Err: err, Transient: transientPgError(err)}
}

// transientPgError reports serialization failures, deadlocks (class 40) and
// connection exceptions (class 08) as retryable.
func transientPgError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "40") || strings.HasPrefix(pgErr.Code, "08")
	}
	return pgconn.SafeToRetry(err) || pgconn.Timeout(err)
}

const channelColumns = `c.station_id, c.name, c.channel_number, c.callsign, c.dvb_mapping_name, c.fetch_enabled`

func scanChannel(row pgx.Row) (models.Channel, error) {
	var ch models.Channel
	err := row.Scan(&ch.StationID, &ch.Name, &ch.ChannelNumber, &ch.Callsign, &ch.DVBMappingName, &ch.FetchEnabled)
	return ch, err
}

func collectChannels(rows pgx.Rows) ([]models.Channel, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Channel, error) {
		return scanChannel(row)
	})
}

func getChannel(ctx context.Context, q querier, stationID string) (*models.Channel, error) {
	ch, err := scanChannel(q.QueryRow(ctx,
		`SELECT `+channelColumns+` FROM channels c WHERE c.station_id = $1`, stationID))
	if err != nil {
		return nil, wrapErr("GetChannel", err)
	}
	return &ch, nil
}

const entryColumns = `station_id, start_time, program_id, duration_seconds, source_hash`

func scanEntry(row pgx.Row) (models.ScheduleEntry, error) {
	var e models.ScheduleEntry
	err := row.Scan(&e.StationID, &e.StartTime, &e.ProgramID, &e.DurationSeconds, &e.SourceHash)
	return e, err
}

func listOverlapping(ctx context.Context, q querier, op, stationID string, start, end int64) ([]models.ScheduleEntry, error) {
	rows, err := q.Query(ctx,
		`SELECT `+entryColumns+` FROM schedule_entries
		 WHERE station_id = $1 AND start_time < $3 AND start_time + duration_seconds > $2
		 ORDER BY start_time`,
		stationID, start, end,
	)
	if err != nil {
		return nil, wrapErr(op, err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.ScheduleEntry, error) {
		return scanEntry(row)
	})
	if err != nil {
		return nil, wrapErr(op, err)
	}
	return entries, nil
}

const programColumns = `program_id, source_hash, title, episode_title, short_desc, long_desc, original_air_date, season, episode`

func getProgram(ctx context.Context, q querier, programID string) (*models.Program, error) {
	var p models.Program
	err := q.QueryRow(ctx, `SELECT `+programColumns+` FROM programs WHERE program_id = $1`, programID).
		Scan(&p.ProgramID, &p.SourceHash, &p.Title, &p.EpisodeTitle, &p.ShortDesc, &p.LongDesc,
			&p.OriginalAirDate, &p.Season, &p.Episode)
	if err != nil {
		return nil, wrapErr("GetProgram", err)
	}
	return &p, nil
}

// --- unit of work ---

type pgTx struct {
	q querier
}

func (t *pgTx) GetChannel(ctx context.Context, stationID string) (*models.Channel, error) {
	return getChannel(ctx, t.q, stationID)
}

func (t *pgTx) InsertChannelIfAbsent(ctx context.Context, ch models.Channel) (bool, error) {
	tag, err := t.q.Exec(ctx,
		`INSERT INTO channels (station_id, name, channel_number, callsign, fetch_enabled)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (station_id) DO NOTHING`,
		ch.StationID, ch.Name, ch.ChannelNumber, ch.Callsign, ch.FetchEnabled,
	)
	if err != nil {
		return false, wrapErr("InsertChannelIfAbsent", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) ReplaceLineupStations(ctx context.Context, lineupID string, stationIDs []string) error {
	if _, err := t.q.Exec(ctx, `DELETE FROM lineup_stations WHERE lineup_id = $1`, lineupID); err != nil {
		return wrapErr("ReplaceLineupStations", err)
	}
	if len(stationIDs) == 0 {
		return nil
	}
	_, err := t.q.Exec(ctx,
		`INSERT INTO lineup_stations (lineup_id, station_id)
		 SELECT $1, unnest($2::text[])
		 ON CONFLICT DO NOTHING`,
		lineupID, stationIDs,
	)
	return wrapErr("ReplaceLineupStations", err)
}

func (t *pgTx) ListLineupChannels(ctx context.Context, lineupID string) ([]models.Channel, error) {
	rows, err := t.q.Query(ctx,
		`SELECT `+channelColumns+` FROM channels c
		 JOIN lineup_stations ls ON ls.station_id = c.station_id
		 WHERE ls.lineup_id = $1
		 ORDER BY c.station_id`,
		lineupID,
	)
	if err != nil {
		return nil, wrapErr("ListLineupChannels", err)
	}
	channels, err := collectChannels(rows)
	if err != nil {
		return nil, wrapErr("ListLineupChannels", err)
	}
	return channels, nil
}

func (t *pgTx) GetWatermark(ctx context.Context, lineupID string) (time.Time, bool, error) {
	var modified time.Time
	err := t.q.QueryRow(ctx, `SELECT modified FROM lineup_watermarks WHERE lineup_id = $1`, lineupID).Scan(&modified)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, wrapErr("GetWatermark", err)
	}
	return modified, true, nil
}

func (t *pgTx) SetWatermark(ctx context.Context, lineupID string, modified time.Time) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO lineup_watermarks (lineup_id, modified) VALUES ($1, $2)
		 ON CONFLICT (lineup_id) DO UPDATE SET modified = EXCLUDED.modified`,
		lineupID, modified,
	)
	return wrapErr("SetWatermark", err)
}

func (t *pgTx) GetDigest(ctx context.Context, stationID, date string) (*models.ScheduleDigest, error) {
	d := models.ScheduleDigest{StationID: stationID, Date: date}
	err := t.q.QueryRow(ctx,
		`SELECT hash, last_modified FROM schedule_digests WHERE station_id = $1 AND date = $2`,
		stationID, date,
	).Scan(&d.Hash, &d.LastModified)
	if err != nil {
		return nil, wrapErr("GetDigest", err)
	}
	return &d, nil
}

func (t *pgTx) UpsertDigest(ctx context.Context, d models.ScheduleDigest) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO schedule_digests (station_id, date, hash, last_modified) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (station_id, date) DO UPDATE SET hash = EXCLUDED.hash, last_modified = EXCLUDED.last_modified`,
		d.StationID, d.Date, d.Hash, d.LastModified,
	)
	return wrapErr("UpsertDigest", err)
}

func (t *pgTx) GetEntry(ctx context.Context, stationID string, start int64) (*models.ScheduleEntry, error) {
	e, err := scanEntry(t.q.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM schedule_entries WHERE station_id = $1 AND start_time = $2`,
		stationID, start))
	if err != nil {
		return nil, wrapErr("GetEntry", err)
	}
	return &e, nil
}

func (t *pgTx) ListOverlapping(ctx context.Context, stationID string, start, end int64) ([]models.ScheduleEntry, error) {
	return listOverlapping(ctx, t.q, "ListOverlapping", stationID, start, end)
}

func (t *pgTx) InsertEntry(ctx context.Context, e models.ScheduleEntry) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO schedule_entries (`+entryColumns+`) VALUES ($1, $2, $3, $4, $5)`,
		e.StationID, e.StartTime, e.ProgramID, e.DurationSeconds, e.SourceHash,
	)
	return wrapErr("InsertEntry", err)
}

func (t *pgTx) UpdateEntry(ctx context.Context, e models.ScheduleEntry) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE schedule_entries SET program_id = $3, duration_seconds = $4, source_hash = $5
		 WHERE station_id = $1 AND start_time = $2`,
		e.StationID, e.StartTime, e.ProgramID, e.DurationSeconds, e.SourceHash,
	)
	if err != nil {
		return wrapErr("UpdateEntry", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) DeleteEntry(ctx context.Context, stationID string, start int64) error {
	_, err := t.q.Exec(ctx,
		`DELETE FROM schedule_entries WHERE station_id = $1 AND start_time = $2`, stationID, start)
	return wrapErr("DeleteEntry", err)
}

func (t *pgTx) PruneBefore(ctx context.Context, cutoff int64) (int64, int64, error) {
	tag, err := t.q.Exec(ctx, `DELETE FROM schedule_entries WHERE start_time + duration_seconds < $1`, cutoff)
	if err != nil {
		return 0, 0, wrapErr("PruneBefore", err)
	}
	var retained int64
	if err := t.q.QueryRow(ctx, `SELECT count(*) FROM schedule_entries`).Scan(&retained); err != nil {
		return 0, 0, wrapErr("PruneBefore", err)
	}
	return tag.RowsAffected(), retained, nil
}

func (t *pgTx) GetProgram(ctx context.Context, programID string) (*models.Program, error) {
	return getProgram(ctx, t.q, programID)
}

func (t *pgTx) InsertProgram(ctx context.Context, p models.Program) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO programs (`+programColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ProgramID, p.SourceHash, p.Title, p.EpisodeTitle, p.ShortDesc, p.LongDesc,
		p.OriginalAirDate, p.Season, p.Episode,
	)
	return wrapErr("InsertProgram", err)
}

func (t *pgTx) UpdateProgram(ctx context.Context, p models.Program) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE programs SET source_hash = $2, title = $3, episode_title = $4, short_desc = $5,
		   long_desc = $6, original_air_date = $7, season = $8, episode = $9, updated_at = NOW()
		 WHERE program_id = $1`,
		p.ProgramID, p.SourceHash, p.Title, p.EpisodeTitle, p.ShortDesc, p.LongDesc,
		p.OriginalAirDate, p.Season, p.Episode,
	)
	if err != nil {
		return wrapErr("UpdateProgram", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) ListOrphanProgramRefs(ctx context.Context) ([]models.ProgramRef, error) {
	rows, err := t.q.Query(ctx,
		`SELECT e.program_id, MAX(e.source_hash) FROM schedule_entries e
		 LEFT JOIN programs p ON p.program_id = e.program_id
		 WHERE p.program_id IS NULL
		 GROUP BY e.program_id
		 ORDER BY e.program_id`)
	if err != nil {
		return nil, wrapErr("ListOrphanProgramRefs", err)
	}
	refs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.ProgramRef, error) {
		var r models.ProgramRef
		err := row.Scan(&r.ProgramID, &r.SourceHash)
		return r, err
	})
	if err != nil {
		return nil, wrapErr("ListOrphanProgramRefs", err)
	}
	return refs, nil
}

func (t *pgTx) InsertPersonIfAbsent(ctx context.Context, p models.Person) (bool, error) {
	tag, err := t.q.Exec(ctx,
		`INSERT INTO persons (person_id, name, name_id) VALUES ($1, $2, $3)
		 ON CONFLICT (person_id) DO NOTHING`,
		p.PersonID, p.Name, p.NameID,
	)
	if err != nil {
		return false, wrapErr("InsertPersonIfAbsent", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) InsertCastCrewIfAbsent(ctx context.Context, cc models.CastCrew) (bool, error) {
	tag, err := t.q.Exec(ctx,
		`INSERT INTO cast_crew (person_id, program_id, billing_order, role) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (person_id, program_id) DO NOTHING`,
		cc.PersonID, cc.ProgramID, cc.BillingOrder, cc.Role,
	)
	if err != nil {
		return false, wrapErr("InsertCastCrewIfAbsent", err)
	}
	return tag.RowsAffected() == 1, nil
}

// --- catalog ---

// ListChannels returns channels matching the filter, ordered by stationId.
func (p *Postgres) ListChannels(ctx context.Context, filter ChannelFilter) ([]models.Channel, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.LineupID != "" {
		where = append(where, `EXISTS (SELECT 1 FROM lineup_stations ls WHERE ls.station_id = c.station_id AND ls.lineup_id = `+arg(filter.LineupID)+`)`)
	}
	if filter.Mapped != nil {
		if *filter.Mapped {
			where = append(where, `c.dvb_mapping_name IS NOT NULL`)
		} else {
			where = append(where, `c.dvb_mapping_name IS NULL`)
		}
	}
	if filter.FetchEnabled != nil {
		where = append(where, `c.fetch_enabled = `+arg(*filter.FetchEnabled))
	}
	if filter.Search != "" {
		n := arg("%" + filter.Search + "%")
		where = append(where, `(c.name ILIKE `+n+` OR c.callsign ILIKE `+n+`)`)
	}

	query := `SELECT ` + channelColumns + ` FROM channels c`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY c.station_id`

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("ListChannels", err)
	}
	channels, err := collectChannels(rows)
	if err != nil {
		return nil, wrapErr("ListChannels", err)
	}
	return channels, nil
}

// GetChannel returns a single channel by stationId.
func (p *Postgres) GetChannel(ctx context.Context, stationID string) (*models.Channel, error) {
	return getChannel(ctx, p.pool, stationID)
}

// SetChannelMapping sets the dvb mapping name of a channel.
func (p *Postgres) SetChannelMapping(ctx context.Context, stationID, name string) error {
	tag, err := p.pool.Exec(ctx, `UPDATE channels SET dvb_mapping_name = $2 WHERE station_id = $1`, stationID, name)
	if err != nil {
		return wrapErr("SetChannelMapping", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetChannelFetch enables or disables schedule fetching for a channel.
func (p *Postgres) SetChannelFetch(ctx context.Context, stationID string, enabled bool) error {
	tag, err := p.pool.Exec(ctx, `UPDATE channels SET fetch_enabled = $2 WHERE station_id = $1`, stationID, enabled)
	if err != nil {
		return wrapErr("SetChannelFetch", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSchedule returns a station's entries intersecting [from, to).
func (p *Postgres) ListSchedule(ctx context.Context, stationID string, from, to int64) ([]models.ScheduleEntry, error) {
	return listOverlapping(ctx, p.pool, "ListSchedule", stationID, from, to)
}

// GetProgram returns a program by id.
func (p *Postgres) GetProgram(ctx context.Context, programID string) (*models.Program, error) {
	return getProgram(ctx, p.pool, programID)
}

// ListCastCrew returns the credits of a program in billing order.
func (p *Postgres) ListCastCrew(ctx context.Context, programID string) ([]models.CastCrew, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT person_id, program_id, billing_order, role FROM cast_crew
		 WHERE program_id = $1
		 ORDER BY billing_order, person_id`,
		programID,
	)
	if err != nil {
		return nil, wrapErr("ListCastCrew", err)
	}
	credits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.CastCrew, error) {
		var cc models.CastCrew
		err := row.Scan(&cc.PersonID, &cc.ProgramID, &cc.BillingOrder, &cc.Role)
		return cc, err
	})
	if err != nil {
		return nil, wrapErr("ListCastCrew", err)
	}
	return credits, nil
}
