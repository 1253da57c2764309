package fetcher

// The types below mirror the Schedules Direct JSON documents. Optional
// fields are pointers or empty slices; nothing is decoded into map[string]any.

type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Datetime string `json:"datetime"`
	Token    string `json:"token"`
}

// apiError is the error body Schedules Direct returns with non-200 responses.
type apiError struct {
	Code     int    `json:"code"`
	Response string `json:"response"`
	Message  string `json:"message"`
}

type statusResponse struct {
	Code         int             `json:"code"`
	Lineups      []LineupPayload `json:"lineups"`
	SystemStatus []systemStatus  `json:"systemStatus"`
	Account      *accountStatus  `json:"account,omitempty"`
}

type systemStatus struct {
	Date    string `json:"date"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type accountStatus struct {
	Expires string `json:"expires"`
}

// LineupPayload is one lineup entry of the account status.
type LineupPayload struct {
	Lineup   string `json:"lineup"`
	Name     string `json:"name,omitempty"`
	Modified string `json:"modified"`
	URI      string `json:"uri,omitempty"`
}

type stationMapResponse struct {
	Map      []channelMapEntry `json:"map"`
	Stations []stationPayload  `json:"stations"`
}

type channelMapEntry struct {
	StationID string `json:"stationID"`
	Channel   string `json:"channel"`
}

type stationPayload struct {
	StationID string `json:"stationID"`
	Name      string `json:"name"`
	Callsign  string `json:"callsign"`
	Affiliate string `json:"affiliate,omitempty"`
}

type stationRef struct {
	StationID string `json:"stationID"`
}

// digestPayload is one date entry of a schedules/md5 response.
type digestPayload struct {
	Code         int    `json:"code"`
	Message      string `json:"message"`
	LastModified string `json:"lastModified"`
	MD5          string `json:"md5"`
}

// ScheduleRequest asks for the schedule of one station on the listed dates.
type ScheduleRequest struct {
	StationID string   `json:"stationID"`
	Dates     []string `json:"date,omitempty"`
}

// StationSchedule is the schedule of one station for one requested date.
type StationSchedule struct {
	StationID string             `json:"stationID"`
	Programs  []ScheduledProgram `json:"programs"`
	Metadata  *scheduleMetadata  `json:"metadata,omitempty"`
	Code      int                `json:"code,omitempty"`
	Response  string             `json:"response,omitempty"`
}

type scheduleMetadata struct {
	StartDate string `json:"startDate"`
	MD5       string `json:"md5"`
}

// ScheduledProgram is one airing inside a StationSchedule.
type ScheduledProgram struct {
	ProgramID   string `json:"programID"`
	AirDateTime string `json:"airDateTime"`
	Duration    int64  `json:"duration"`
	MD5         string `json:"md5"`
}

// ProgramPayload is the full metadata document of one program.
type ProgramPayload struct {
	ProgramID       string              `json:"programID"`
	MD5             string              `json:"md5"`
	Titles          []TitlePayload      `json:"titles"`
	EpisodeTitle150 *string             `json:"episodeTitle150,omitempty"`
	Descriptions    DescriptionsPayload `json:"descriptions"`
	OriginalAirDate *string             `json:"originalAirDate,omitempty"`
	Metadata        []MetadataBlock     `json:"metadata,omitempty"`
	Cast            []PersonPayload     `json:"cast,omitempty"`
	Crew            []PersonPayload     `json:"crew,omitempty"`
	Code            int                 `json:"code,omitempty"`
	Response        string              `json:"response,omitempty"`
}

// TitlePayload is one entry of the titles list.
type TitlePayload struct {
	Title120 *string `json:"title120,omitempty"`
}

// DescriptionsPayload groups descriptions by length bucket.
type DescriptionsPayload struct {
	Description100  []DescriptionPayload `json:"description100,omitempty"`
	Description1000 []DescriptionPayload `json:"description1000,omitempty"`
}

// DescriptionPayload is one description in one language.
type DescriptionPayload struct {
	Language    string `json:"descriptionLanguage"`
	Description string `json:"description"`
}

// MetadataBlock is one provider block of the metadata list, keyed by provider
// name in the feed. Only the season/episode fields are decoded.
type MetadataBlock map[string]EpisodeMetadata

// EpisodeMetadata carries season/episode numbering from one provider.
type EpisodeMetadata struct {
	Season  *int `json:"season,omitempty"`
	Episode *int `json:"episode,omitempty"`
}

// PersonPayload is one cast or crew member of a program.
type PersonPayload struct {
	PersonID      string `json:"personId"`
	NameID        string `json:"nameId"`
	Name          string `json:"name"`
	Role          string `json:"role,omitempty"`
	BillingOrder  string `json:"billingOrder,omitempty"`
	CharacterName string `json:"characterName,omitempty"`
}
