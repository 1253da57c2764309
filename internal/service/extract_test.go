package service

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voyagen/tvguide/internal/fetcher"
	"github.com/voyagen/tvguide/internal/models"
)

const episodeJSON = `{
  "programID": "EP012345670001",
  "md5": "Zk1nNYdBHp0ripKcUgb6/Q",
  "titles": [{"title120": "The Show"}, {"title120": "Alternate"}],
  "episodeTitle150": "Pilot",
  "descriptions": {
    "description100": [{"descriptionLanguage": "en", "description": ""}, {"descriptionLanguage": "en", "description": "Short one."}],
    "description1000": [{"descriptionLanguage": "en", "description": "A much longer description."}]
  },
  "originalAirDate": "2011-04-17",
  "metadata": [
    {"Tribune": {}},
    {"Gracenote": {"season": 1, "episode": 1}},
    {"TheTVDB": {"season": 9, "episode": 9}}
  ],
  "cast": [{"personId": "1", "nameId": "2", "name": "Ann", "role": "Actor", "billingOrder": "01"}]
}`

func TestProgramFromPayload(t *testing.T) {
	var p fetcher.ProgramPayload
	require.NoError(t, json.Unmarshal([]byte(episodeJSON), &p))

	got, err := ProgramFromPayload(p, "fallback")
	require.NoError(t, err)

	want := models.Program{
		ProgramID:       "EP012345670001",
		SourceHash:      "Zk1nNYdBHp0ripKcUgb6/Q",
		Title:           "The Show",
		EpisodeTitle:    strPtr("Pilot"),
		ShortDesc:       strPtr("Short one."),
		LongDesc:        strPtr("A much longer description."),
		OriginalAirDate: strPtr("2011-04-17"),
		Season:          intPtr(1),
		Episode:         intPtr(1),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ProgramFromPayload mismatch (-want +got):\n%s", diff)
	}
}

func TestProgramFromPayloadAbsentFields(t *testing.T) {
	p := fetcher.ProgramPayload{ProgramID: "MV0001"}

	got, err := ProgramFromPayload(p, "schedule-hash")
	require.NoError(t, err)

	want := models.Program{ProgramID: "MV0001", SourceHash: "schedule-hash"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ProgramFromPayload mismatch (-want +got):\n%s", diff)
	}
}

func TestProgramFromPayloadRequiresID(t *testing.T) {
	_, err := ProgramFromPayload(fetcher.ProgramPayload{}, "h")
	var di *DataIntegrityError
	assert.ErrorAs(t, err, &di)
}

func TestExtractors(t *testing.T) {
	empty := fetcher.ProgramPayload{
		Titles:   []fetcher.TitlePayload{{}, {Title120: strPtr("")}},
		Metadata: []fetcher.MetadataBlock{{"Gracenote": {}}},
	}

	_, ok := ExtractTitle(empty)
	assert.False(t, ok)
	_, ok = ExtractEpisodeTitle(empty)
	assert.False(t, ok)
	_, ok = ExtractShortDesc(empty)
	assert.False(t, ok)
	_, ok = ExtractLongDesc(empty)
	assert.False(t, ok)
	_, ok = ExtractSeasonEpisode(empty)
	assert.False(t, ok)

	seasonOnly := fetcher.ProgramPayload{Metadata: []fetcher.MetadataBlock{{"Gracenote": {Season: intPtr(3)}}}}
	md, ok := ExtractSeasonEpisode(seasonOnly)
	require.True(t, ok)
	if diff := cmp.Diff(fetcher.EpisodeMetadata{Season: intPtr(3)}, md); diff != "" {
		t.Errorf("season mismatch (-want +got):\n%s", diff)
	}
}
