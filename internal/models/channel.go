package models

// Channel represents a broadcast station from a lineup station map.
// DVBMappingName stays nil until a human maps it to a local tuner channel.
type Channel struct {
	StationID      string  `json:"station_id"`
	Name           string  `json:"name"`
	ChannelNumber  string  `json:"channel_number,omitempty"`
	Callsign       string  `json:"callsign,omitempty"`
	DVBMappingName *string `json:"dvb_mapping_name,omitempty"`
	FetchEnabled   bool    `json:"fetch_enabled"`
}
