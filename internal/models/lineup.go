package models

import "time"

// Lineup is a named remote grouping of stations with its last modification time.
type Lineup struct {
	ID       string    `json:"lineup"`
	Modified time.Time `json:"modified"`
}

// StationMap is the station list and channel-number map of one lineup.
type StationMap struct {
	LineupID string
	Channels []Channel
}
