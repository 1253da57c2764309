package models

// Program holds the metadata of one program, identified by ProgramID and
// versioned by SourceHash. Optional fields are nil when the feed omits them.
type Program struct {
	ProgramID       string  `json:"program_id"`
	SourceHash      string  `json:"source_hash"`
	Title           string  `json:"title"`
	EpisodeTitle    *string `json:"episode_title,omitempty"`
	ShortDesc       *string `json:"short_desc,omitempty"`
	LongDesc        *string `json:"long_desc,omitempty"`
	OriginalAirDate *string `json:"original_air_date,omitempty"`
	Season          *int    `json:"season,omitempty"`
	Episode         *int    `json:"episode,omitempty"`
}

// ProgramRef is a programId as referenced by a schedule entry, together with
// the content hash the schedule reported for it.
type ProgramRef struct {
	ProgramID  string
	SourceHash string
}
