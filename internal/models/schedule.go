package models

// ScheduleDigest is the stored fingerprint of one station's schedule for one date.
type ScheduleDigest struct {
	StationID    string `json:"station_id"`
	Date         string `json:"date"` // YYYY-MM-DD
	Hash         string `json:"hash"`
	LastModified int64  `json:"last_modified"` // unix seconds
}

// ScheduleEntry is one broadcast slot. StartTime is unix seconds.
type ScheduleEntry struct {
	StationID       string `json:"station_id"`
	StartTime       int64  `json:"start_time"`
	ProgramID       string `json:"program_id"`
	DurationSeconds int64  `json:"duration_seconds"`
	SourceHash      string `json:"source_hash"`
}

// End returns the exclusive end of the entry's interval.
func (e ScheduleEntry) End() int64 {
	return e.StartTime + e.DurationSeconds
}

// Overlaps reports whether the half-open intervals [start, end) of e and o intersect.
func (e ScheduleEntry) Overlaps(o ScheduleEntry) bool {
	return o.StartTime < e.End() && o.End() > e.StartTime
}
