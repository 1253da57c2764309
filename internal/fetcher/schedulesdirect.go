package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/voyagen/tvguide/internal/models"
)

// AccountLineups returns the lineups listed in the status with their
// modification times.
func (st *Status) AccountLineups() ([]models.Lineup, error) {
	out := make([]models.Lineup, 0, len(st.Lineups))
	for _, l := range st.Lineups {
		if l.Lineup == "" {
			continue
		}
		modified, err := time.Parse(sdTimeLayout, l.Modified)
		if err != nil {
			return nil, permanent("status", 0, fmt.Errorf("lineup %s: bad modified %q: %w", l.Lineup, l.Modified, err))
		}
		out = append(out, models.Lineup{ID: l.Lineup, Modified: modified})
	}
	return out, nil
}

// FetchStationMap returns the stations of a lineup joined with their channel numbers.
func (c *Client) FetchStationMap(ctx context.Context, lineupID string) (*models.StationMap, error) {
	var resp stationMapResponse
	if err := c.call(ctx, "lineups", http.MethodGet, "lineups/"+url.PathEscape(lineupID), nil, true, &resp); err != nil {
		return nil, err
	}
	numbers := make(map[string]string, len(resp.Map))
	for _, m := range resp.Map {
		if _, seen := numbers[m.StationID]; !seen {
			numbers[m.StationID] = m.Channel
		}
	}
	sm := &models.StationMap{LineupID: lineupID}
	for _, st := range resp.Stations {
		if st.StationID == "" {
			continue
		}
		sm.Channels = append(sm.Channels, models.Channel{
			StationID:     st.StationID,
			Name:          st.Name,
			Callsign:      st.Callsign,
			ChannelNumber: numbers[st.StationID],
		})
	}
	return sm, nil
}

// FetchScheduleDigests returns stationID -> date -> digest for the given stations.
// Dates the service reports with an error code carry no data and are omitted.
func (c *Client) FetchScheduleDigests(ctx context.Context, stationIDs []string) (map[string]map[string]models.ScheduleDigest, error) {
	if len(stationIDs) == 0 {
		return map[string]map[string]models.ScheduleDigest{}, nil
	}
	reqBody := make([]stationRef, 0, len(stationIDs))
	for _, id := range stationIDs {
		reqBody = append(reqBody, stationRef{StationID: id})
	}
	var resp map[string]map[string]digestPayload
	if err := c.call(ctx, "schedules/md5", http.MethodPost, "schedules/md5", reqBody, true, &resp); err != nil {
		return nil, err
	}
	out := make(map[string]map[string]models.ScheduleDigest, len(resp))
	for stationID, dates := range resp {
		byDate := make(map[string]models.ScheduleDigest, len(dates))
		for date, d := range dates {
			if d.Code != 0 || d.MD5 == "" {
				continue
			}
			var modified int64
			if ts, err := time.Parse(sdTimeLayout, d.LastModified); err == nil {
				modified = ts.Unix()
			}
			byDate[date] = models.ScheduleDigest{
				StationID:    stationID,
				Date:         date,
				Hash:         d.MD5,
				LastModified: modified,
			}
		}
		out[stationID] = byDate
	}
	return out, nil
}

// FetchSchedules returns the schedules for the requested station/date pairs.
func (c *Client) FetchSchedules(ctx context.Context, reqs []ScheduleRequest) ([]StationSchedule, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	body := make([]ScheduleRequest, len(reqs))
	for i, r := range reqs {
		dates := append([]string(nil), r.Dates...)
		sort.Strings(dates)
		body[i] = ScheduleRequest{StationID: r.StationID, Dates: dates}
	}
	var resp []StationSchedule
	if err := c.call(ctx, "schedules", http.MethodPost, "schedules", body, true, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// FetchPrograms returns program documents for programIDs in one request.
func (c *Client) FetchPrograms(ctx context.Context, programIDs []string) ([]ProgramPayload, error) {
	if len(programIDs) == 0 {
		return nil, nil
	}
	var resp []ProgramPayload
	if err := c.call(ctx, "programs", http.MethodPost, "programs", programIDs, true, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}
