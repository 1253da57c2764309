package service

import (
	"sort"
	"strings"

	"github.com/voyagen/tvguide/internal/fetcher"
	"github.com/voyagen/tvguide/internal/models"
)

// ExtractTitle returns the first title120 of the titles list.
func ExtractTitle(p fetcher.ProgramPayload) (string, bool) {
	for _, t := range p.Titles {
		if t.Title120 != nil && *t.Title120 != "" {
			return *t.Title120, true
		}
	}
	return "", false
}

// ExtractEpisodeTitle returns episodeTitle150 when present.
func ExtractEpisodeTitle(p fetcher.ProgramPayload) (string, bool) {
	if p.EpisodeTitle150 == nil || *p.EpisodeTitle150 == "" {
		return "", false
	}
	return *p.EpisodeTitle150, true
}

// ExtractShortDesc returns the first non-empty entry of the 100-character bucket.
func ExtractShortDesc(p fetcher.ProgramPayload) (string, bool) {
	return firstDescription(p.Descriptions.Description100)
}

// ExtractLongDesc returns the first non-empty entry of the 1000-character bucket.
func ExtractLongDesc(p fetcher.ProgramPayload) (string, bool) {
	return firstDescription(p.Descriptions.Description1000)
}

func firstDescription(ds []fetcher.DescriptionPayload) (string, bool) {
	for _, d := range ds {
		if s := strings.TrimSpace(d.Description); s != "" {
			return s, true
		}
	}
	return "", false
}

// ExtractSeasonEpisode returns the numbering of the first metadata block that
// carries a season or an episode. Providers inside one block are visited in
// name order.
func ExtractSeasonEpisode(p fetcher.ProgramPayload) (fetcher.EpisodeMetadata, bool) {
	for _, block := range p.Metadata {
		providers := make([]string, 0, len(block))
		for name := range block {
			providers = append(providers, name)
		}
		sort.Strings(providers)
		for _, name := range providers {
			md := block[name]
			if md.Season != nil || md.Episode != nil {
				return md, true
			}
		}
	}
	return fetcher.EpisodeMetadata{}, false
}

// ProgramFromPayload builds the stored record of a program. The payload hash
// wins over fallbackHash, the hash the schedule reported. Absent optional
// fields stay nil.
func ProgramFromPayload(p fetcher.ProgramPayload, fallbackHash string) (models.Program, error) {
	if p.ProgramID == "" {
		return models.Program{}, &DataIntegrityError{Reason: "program without programID"}
	}
	prog := models.Program{
		ProgramID:       p.ProgramID,
		SourceHash:      p.MD5,
		OriginalAirDate: p.OriginalAirDate,
	}
	if prog.SourceHash == "" {
		prog.SourceHash = fallbackHash
	}
	prog.Title, _ = ExtractTitle(p)
	if s, ok := ExtractEpisodeTitle(p); ok {
		prog.EpisodeTitle = &s
	}
	if s, ok := ExtractShortDesc(p); ok {
		prog.ShortDesc = &s
	}
	if s, ok := ExtractLongDesc(p); ok {
		prog.LongDesc = &s
	}
	if md, ok := ExtractSeasonEpisode(p); ok {
		prog.Season = md.Season
		prog.Episode = md.Episode
	}
	return prog, nil
}
