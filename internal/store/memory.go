package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/voyagen/tvguide/internal/models"
)

var errDuplicateKey = errors.New("duplicate key")

type entryKey struct {
	station string
	start   int64
}

type digestKey struct {
	station string
	date    string
}

type creditKey struct {
	person  string
	program string
}

type memState struct {
	channels   map[string]models.Channel
	lineups    map[string][]string
	watermarks map[string]time.Time
	digests    map[digestKey]models.ScheduleDigest
	entries    map[entryKey]models.ScheduleEntry
	programs   map[string]models.Program
	persons    map[string]models.Person
	credits    map[creditKey]models.CastCrew
}

func newMemState() *memState {
	return &memState{
		channels:   make(map[string]models.Channel),
		lineups:    make(map[string][]string),
		watermarks: make(map[string]time.Time),
		digests:    make(map[digestKey]models.ScheduleDigest),
		entries:    make(map[entryKey]models.ScheduleEntry),
		programs:   make(map[string]models.Program),
		persons:    make(map[string]models.Person),
		credits:    make(map[creditKey]models.CastCrew),
	}
}

func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.channels {
		c.channels[k] = v
	}
	for k, v := range s.lineups {
		c.lineups[k] = append([]string(nil), v...)
	}
	for k, v := range s.watermarks {
		c.watermarks[k] = v
	}
	for k, v := range s.digests {
		c.digests[k] = v
	}
	for k, v := range s.entries {
		c.entries[k] = v
	}
	for k, v := range s.programs {
		c.programs[k] = v
	}
	for k, v := range s.persons {
		c.persons[k] = v
	}
	for k, v := range s.credits {
		c.credits[k] = v
	}
	return c
}

// Memory is an in-process Store and Catalog. Units of work are serialized and
// applied to a copy of the state that replaces it only on success. It backs
// tests and can be used for a throwaway pass without a database.
type Memory struct {
	mu    sync.Mutex
	state *memState
	ops   map[string]int

	// FailOn, when set, is consulted before every Tx operation; a non-nil
	// return aborts the operation with that error.
	FailOn func(op string) error
}

var (
	_ Store   = (*Memory)(nil)
	_ Catalog = (*Memory)(nil)
)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{state: newMemState(), ops: make(map[string]int)}
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *Memory) Close() {}

// WithTx runs fn against a snapshot and commits it if fn succeeds.
func (m *Memory) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return &StoreError{Op: "begin", Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{m: m, s: m.state.clone(), ops: make(map[string]int)}
	if err := fn(tx); err != nil {
		return err
	}
	m.state = tx.s
	for op, n := range tx.ops {
		m.ops[op] += n
	}
	return nil
}

// Ops returns how many times a write operation was committed.
func (m *Memory) Ops(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ops[op]
}

// Writes returns the total number of committed write operations.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, v := range m.ops {
		n += v
	}
	return n
}

// ResetOps clears the write counters.
func (m *Memory) ResetOps() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = make(map[string]int)
}

// Entries returns every schedule entry of a station ordered by start time.
func (m *Memory) Entries(stationID string) []models.ScheduleEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ScheduleEntry
	for k, e := range m.state.entries {
		if k.station == stationID {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out
}

// Digests returns every stored digest ordered by station and date.
func (m *Memory) Digests() []models.ScheduleDigest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ScheduleDigest, 0, len(m.state.digests))
	for _, d := range m.state.digests {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StationID != out[j].StationID {
			return out[i].StationID < out[j].StationID
		}
		return out[i].Date < out[j].Date
	})
	return out
}

// Counts reports row counts per table name.
func (m *Memory) Counts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]int{
		"channels":         len(m.state.channels),
		"schedule_digests": len(m.state.digests),
		"schedule_entries": len(m.state.entries),
		"programs":         len(m.state.programs),
		"persons":          len(m.state.persons),
		"cast_crew":        len(m.state.credits),
	}
}

func sortEntries(es []models.ScheduleEntry) {
	sort.Slice(es, func(i, j int) bool {
		if es[i].StationID != es[j].StationID {
			return es[i].StationID < es[j].StationID
		}
		return es[i].StartTime < es[j].StartTime
	})
}

func overlapping(s *memState, stationID string, start, end int64) []models.ScheduleEntry {
	var out []models.ScheduleEntry
	for k, e := range s.entries {
		if k.station == stationID && e.StartTime < end && e.End() > start {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out
}

type memTx struct {
	m   *Memory
	s   *memState
	ops map[string]int
}

func (t *memTx) check(op string) error {
	if t.m.FailOn == nil {
		return nil
	}
	if err := t.m.FailOn(op); err != nil {
		return &StoreError{Op: op, Err: err, Transient: IsTransient(err)}
	}
	return nil
}

func (t *memTx) wrote(op string) { t.ops[op]++ }

func (t *memTx) GetChannel(_ context.Context, stationID string) (*models.Channel, error) {
	if err := t.check("GetChannel"); err != nil {
		return nil, err
	}
	ch, ok := t.s.channels[stationID]
	if !ok {
		return nil, ErrNotFound
	}
	return &ch, nil
}

func (t *memTx) InsertChannelIfAbsent(_ context.Context, ch models.Channel) (bool, error) {
	if err := t.check("InsertChannelIfAbsent"); err != nil {
		return false, err
	}
	if _, ok := t.s.channels[ch.StationID]; ok {
		return false, nil
	}
	ch.DVBMappingName = nil
	t.s.channels[ch.StationID] = ch
	t.wrote("InsertChannel")
	return true, nil
}

func (t *memTx) ReplaceLineupStations(_ context.Context, lineupID string, stationIDs []string) error {
	if err := t.check("ReplaceLineupStations"); err != nil {
		return err
	}
	seen := make(map[string]bool, len(stationIDs))
	var ids []string
	for _, id := range stationIDs {
		if _, ok := t.s.channels[id]; !ok || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	sort.Strings(ids)
	t.s.lineups[lineupID] = ids
	t.wrote("ReplaceLineupStations")
	return nil
}

func (t *memTx) ListLineupChannels(_ context.Context, lineupID string) ([]models.Channel, error) {
	if err := t.check("ListLineupChannels"); err != nil {
		return nil, err
	}
	var out []models.Channel
	for _, id := range t.s.lineups[lineupID] {
		out = append(out, t.s.channels[id])
	}
	return out, nil
}

func (t *memTx) GetWatermark(_ context.Context, lineupID string) (time.Time, bool, error) {
	if err := t.check("GetWatermark"); err != nil {
		return time.Time{}, false, err
	}
	w, ok := t.s.watermarks[lineupID]
	return w, ok, nil
}

func (t *memTx) SetWatermark(_ context.Context, lineupID string, modified time.Time) error {
	if err := t.check("SetWatermark"); err != nil {
		return err
	}
	t.s.watermarks[lineupID] = modified
	t.wrote("SetWatermark")
	return nil
}

func (t *memTx) GetDigest(_ context.Context, stationID, date string) (*models.ScheduleDigest, error) {
	if err := t.check("GetDigest"); err != nil {
		return nil, err
	}
	d, ok := t.s.digests[digestKey{stationID, date}]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (t *memTx) UpsertDigest(_ context.Context, d models.ScheduleDigest) error {
	if err := t.check("UpsertDigest"); err != nil {
		return err
	}
	t.s.digests[digestKey{d.StationID, d.Date}] = d
	t.wrote("UpsertDigest")
	return nil
}

func (t *memTx) GetEntry(_ context.Context, stationID string, start int64) (*models.ScheduleEntry, error) {
	if err := t.check("GetEntry"); err != nil {
		return nil, err
	}
	e, ok := t.s.entries[entryKey{stationID, start}]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (t *memTx) ListOverlapping(_ context.Context, stationID string, start, end int64) ([]models.ScheduleEntry, error) {
	if err := t.check("ListOverlapping"); err != nil {
		return nil, err
	}
	return overlapping(t.s, stationID, start, end), nil
}

func (t *memTx) InsertEntry(_ context.Context, e models.ScheduleEntry) error {
	if err := t.check("InsertEntry"); err != nil {
		return err
	}
	k := entryKey{e.StationID, e.StartTime}
	if _, ok := t.s.entries[k]; ok {
		return &StoreError{Op: "InsertEntry", Err: errDuplicateKey}
	}
	t.s.entries[k] = e
	t.wrote("InsertEntry")
	return nil
}

func (t *memTx) UpdateEntry(_ context.Context, e models.ScheduleEntry) error {
	if err := t.check("UpdateEntry"); err != nil {
		return err
	}
	k := entryKey{e.StationID, e.StartTime}
	if _, ok := t.s.entries[k]; !ok {
		return ErrNotFound
	}
	t.s.entries[k] = e
	t.wrote("UpdateEntry")
	return nil
}

func (t *memTx) DeleteEntry(_ context.Context, stationID string, start int64) error {
	if err := t.check("DeleteEntry"); err != nil {
		return err
	}
	k := entryKey{stationID, start}
	if _, ok := t.s.entries[k]; ok {
		delete(t.s.entries, k)
		t.wrote("DeleteEntry")
	}
	return nil
}

func (t *memTx) PruneBefore(_ context.Context, cutoff int64) (int64, int64, error) {
	if err := t.check("PruneBefore"); err != nil {
		return 0, 0, err
	}
	var deleted int64
	for k, e := range t.s.entries {
		if e.End() < cutoff {
			delete(t.s.entries, k)
			deleted++
		}
	}
	if deleted > 0 {
		t.wrote("PruneBefore")
	}
	return deleted, int64(len(t.s.entries)), nil
}

func (t *memTx) GetProgram(_ context.Context, programID string) (*models.Program, error) {
	if err := t.check("GetProgram"); err != nil {
		return nil, err
	}
	p, ok := t.s.programs[programID]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (t *memTx) InsertProgram(_ context.Context, p models.Program) error {
	if err := t.check("InsertProgram"); err != nil {
		return err
	}
	if _, ok := t.s.programs[p.ProgramID]; ok {
		return &StoreError{Op: "InsertProgram", Err: errDuplicateKey}
	}
	t.s.programs[p.ProgramID] = p
	t.wrote("InsertProgram")
	return nil
}

func (t *memTx) UpdateProgram(_ context.Context, p models.Program) error {
	if err := t.check("UpdateProgram"); err != nil {
		return err
	}
	if _, ok := t.s.programs[p.ProgramID]; !ok {
		return ErrNotFound
	}
	t.s.programs[p.ProgramID] = p
	t.wrote("UpdateProgram")
	return nil
}

func (t *memTx) ListOrphanProgramRefs(context.Context) ([]models.ProgramRef, error) {
	if err := t.check("ListOrphanProgramRefs"); err != nil {
		return nil, err
	}
	hashes := make(map[string]string)
	for _, e := range t.s.entries {
		if _, ok := t.s.programs[e.ProgramID]; ok {
			continue
		}
		if h, ok := hashes[e.ProgramID]; !ok || e.SourceHash > h {
			hashes[e.ProgramID] = e.SourceHash
		}
	}
	refs := make([]models.ProgramRef, 0, len(hashes))
	for id, h := range hashes {
		refs = append(refs, models.ProgramRef{ProgramID: id, SourceHash: h})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ProgramID < refs[j].ProgramID })
	return refs, nil
}

func (t *memTx) InsertPersonIfAbsent(_ context.Context, p models.Person) (bool, error) {
	if err := t.check("InsertPersonIfAbsent"); err != nil {
		return false, err
	}
	if _, ok := t.s.persons[p.PersonID]; ok {
		return false, nil
	}
	t.s.persons[p.PersonID] = p
	t.wrote("InsertPerson")
	return true, nil
}

func (t *memTx) InsertCastCrewIfAbsent(_ context.Context, cc models.CastCrew) (bool, error) {
	if err := t.check("InsertCastCrewIfAbsent"); err != nil {
		return false, err
	}
	k := creditKey{cc.PersonID, cc.ProgramID}
	if _, ok := t.s.credits[k]; ok {
		return false, nil
	}
	t.s.credits[k] = cc
	t.wrote("InsertCastCrew")
	return true, nil
}

// --- catalog ---

// ListChannels returns channels matching the filter, ordered by stationId.
func (m *Memory) ListChannels(_ context.Context, filter ChannelFilter) ([]models.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var members map[string]bool
	if filter.LineupID != "" {
		members = make(map[string]bool)
		for _, id := range m.state.lineups[filter.LineupID] {
			members[id] = true
		}
	}
	search := strings.ToLower(filter.Search)

	out := []models.Channel{}
	for _, ch := range m.state.channels {
		if members != nil && !members[ch.StationID] {
			continue
		}
		if filter.Mapped != nil && (ch.DVBMappingName != nil) != *filter.Mapped {
			continue
		}
		if filter.FetchEnabled != nil && ch.FetchEnabled != *filter.FetchEnabled {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(ch.Name), search) &&
			!strings.Contains(strings.ToLower(ch.Callsign), search) {
			continue
		}
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StationID < out[j].StationID })
	return out, nil
}

// GetChannel returns a single channel by stationId.
func (m *Memory) GetChannel(_ context.Context, stationID string) (*models.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.state.channels[stationID]
	if !ok {
		return nil, ErrNotFound
	}
	return &ch, nil
}

// SetChannelMapping sets the dvb mapping name of a channel.
func (m *Memory) SetChannelMapping(_ context.Context, stationID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.state.channels[stationID]
	if !ok {
		return ErrNotFound
	}
	ch.DVBMappingName = &name
	m.state.channels[stationID] = ch
	return nil
}

// SetChannelFetch enables or disables schedule fetching for a channel.
func (m *Memory) SetChannelFetch(_ context.Context, stationID string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.state.channels[stationID]
	if !ok {
		return ErrNotFound
	}
	ch.FetchEnabled = enabled
	m.state.channels[stationID] = ch
	return nil
}

// ListSchedule returns a station's entries intersecting [from, to).
func (m *Memory) ListSchedule(_ context.Context, stationID string, from, to int64) ([]models.ScheduleEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := overlapping(m.state, stationID, from, to)
	if out == nil {
		out = []models.ScheduleEntry{}
	}
	return out, nil
}

// GetProgram returns a program by id.
func (m *Memory) GetProgram(_ context.Context, programID string) (*models.Program, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.state.programs[programID]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

// ListCastCrew returns the credits of a program in billing order.
func (m *Memory) ListCastCrew(_ context.Context, programID string) ([]models.CastCrew, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.CastCrew{}
	for k, cc := range m.state.credits {
		if k.program == programID {
			out = append(out, cc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BillingOrder != out[j].BillingOrder {
			return out[i].BillingOrder < out[j].BillingOrder
		}
		return out[i].PersonID < out[j].PersonID
	})
	return out, nil
}
