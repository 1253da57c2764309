package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/voyagen/tvguide/api"
	"github.com/voyagen/tvguide/internal/cache"
	tvlog "github.com/voyagen/tvguide/internal/log"
	"github.com/voyagen/tvguide/internal/metrics"
	"github.com/voyagen/tvguide/internal/models"
	"github.com/voyagen/tvguide/internal/store"
)

const defaultScheduleWindow = 24 * time.Hour

// --- health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{"database": "ok"}
	status := http.StatusOK
	if err := s.deps.Store.Ping(ctx); err != nil {
		checks["database"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if s.deps.Redis != nil {
		checks["redis"] = "ok"
		if err := s.deps.Redis.Ping(ctx); err != nil {
			checks["redis"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}

	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": checks})
}

// --- sync handlers ---

type triggerSyncRequest struct {
	Force bool `json:"force"`
}

func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	if s.deps.Redis == nil {
		writeErr(w, http.StatusServiceUnavailable, errors.New("job queue not configured (REDIS_URL not set)"))
		return
	}

	var req triggerSyncRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
			return
		}
	}
	if v := r.URL.Query().Get("force"); v != "" {
		force, err := strconv.ParseBool(v)
		if err != nil {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid force: %s (use true or false)", v))
			return
		}
		req.Force = force
	}

	job := cache.SyncJob{
		ID:          uuid.NewString(),
		Force:       req.Force,
		RequestedBy: "api",
		RequestedAt: s.now().UTC(),
	}
	if err := cache.Enqueue(r.Context(), s.deps.Redis, cache.DefaultQueue, job); err != nil {
		writeErr(w, http.StatusInternalServerError, fmt.Errorf("enqueue: %w", err))
		return
	}
	metrics.RecordJob("enqueued")
	pending, _ := cache.Pending(r.Context(), s.deps.Redis, cache.DefaultQueue)

	s.logger.Info().
		Str(tvlog.FieldEvent, "sync.enqueued").
		Str(tvlog.FieldJobID, job.ID).
		Bool("force", job.Force).
		Msg("sync job queued")
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":       job.ID,
		"force":        job.Force,
		"pending":      pending,
		"running":      cache.IsLocked(r.Context(), s.deps.Redis, cache.SyncLockKey),
		"requested_at": job.RequestedAt,
	})
}

func (s *Server) handleLastSync(w http.ResponseWriter, r *http.Request) {
	if s.deps.Worker == nil {
		writeErr(w, http.StatusServiceUnavailable, errors.New("sync worker not running"))
		return
	}
	sum, err := s.deps.Worker.LastSummary(r.Context())
	if errors.Is(err, redis.Nil) || (err == nil && sum == nil) {
		writeErr(w, http.StatusNotFound, errors.New("no synchronization pass has finished yet"))
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// --- channel handlers ---

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ChannelFilter{
		LineupID: q.Get("lineup"),
		Search:   strings.TrimSpace(q.Get("q")),
	}
	var err error
	if filter.Mapped, err = parseOptionalBool(q.Get("mapped"), "mapped"); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if filter.FetchEnabled, err = parseOptionalBool(q.Get("fetch_enabled"), "fetch_enabled"); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	channels, err := s.deps.Catalog.ListChannels(r.Context(), filter)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if channels == nil {
		channels = []models.Channel{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"channels": channels,
		"total":    len(channels),
	})
}

func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	stationID := chi.URLParam(r, "stationId")
	ch, err := s.deps.Catalog.GetChannel(r.Context(), stationID)
	if err != nil {
		writeStoreErr(w, err, fmt.Sprintf("channel %s not found", stationID))
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

type updateChannelRequest struct {
	DVBMappingName *string `json:"dvb_mapping_name"`
	FetchEnabled   *bool   `json:"fetch_enabled"`
}

func (s *Server) handleUpdateChannel(w http.ResponseWriter, r *http.Request) {
	stationID := chi.URLParam(r, "stationId")

	var req updateChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	if req.DVBMappingName == nil && req.FetchEnabled == nil {
		writeErr(w, http.StatusBadRequest, errors.New("at least one of dvb_mapping_name or fetch_enabled is required"))
		return
	}
	if req.DVBMappingName != nil && strings.TrimSpace(*req.DVBMappingName) == "" {
		writeErr(w, http.StatusBadRequest, errors.New("dvb_mapping_name must not be empty"))
		return
	}

	ctx := r.Context()
	notFound := fmt.Sprintf("channel %s not found", stationID)
	if req.DVBMappingName != nil {
		if err := s.deps.Catalog.SetChannelMapping(ctx, stationID, strings.TrimSpace(*req.DVBMappingName)); err != nil {
			writeStoreErr(w, err, notFound)
			return
		}
	}
	if req.FetchEnabled != nil {
		if err := s.deps.Catalog.SetChannelFetch(ctx, stationID, *req.FetchEnabled); err != nil {
			writeStoreErr(w, err, notFound)
			return
		}
	}

	ch, err := s.deps.Catalog.GetChannel(ctx, stationID)
	if err != nil {
		writeStoreErr(w, err, notFound)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	stationID := chi.URLParam(r, "stationId")
	ctx := r.Context()

	if _, err := s.deps.Catalog.GetChannel(ctx, stationID); err != nil {
		writeStoreErr(w, err, fmt.Sprintf("channel %s not found", stationID))
		return
	}

	now := s.now()
	from, err := parseTimeParam(r.URL.Query().Get("from"), now)
	if err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid from: %w", err))
		return
	}
	to, err := parseTimeParam(r.URL.Query().Get("to"), from.Add(defaultScheduleWindow))
	if err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid to: %w", err))
		return
	}
	if !to.After(from) {
		writeErr(w, http.StatusBadRequest, errors.New("to must be after from"))
		return
	}

	entries, err := s.deps.Catalog.ListSchedule(ctx, stationID, from.Unix(), to.Unix())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []models.ScheduleEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"station_id": stationID,
		"from":       from.UTC(),
		"to":         to.UTC(),
		"entries":    entries,
	})
}

// --- program handlers ---

type programResponse struct {
	*models.Program
	CastCrew []models.CastCrew `json:"cast_crew"`
}

func (s *Server) handleGetProgram(w http.ResponseWriter, r *http.Request) {
	programID := chi.URLParam(r, "programId")
	ctx := r.Context()

	p, err := s.deps.Catalog.GetProgram(ctx, programID)
	if err != nil {
		writeStoreErr(w, err, fmt.Sprintf("program %s not found", programID))
		return
	}
	credits, err := s.deps.Catalog.ListCastCrew(ctx, programID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if credits == nil {
		credits = []models.CastCrew{}
	}
	writeJSON(w, http.StatusOK, programResponse{Program: p, CastCrew: credits})
}

// --- helpers ---

// APIError is the standard error envelope for all error responses.
type APIError struct {
	Status int    `json:"status"`
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func parseOptionalBool(v, name string) (*bool, error) {
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %s (use true or false)", name, v)
	}
	return &b, nil
}

// parseTimeParam accepts unix seconds or RFC3339.
func parseTimeParam(v string, def time.Time) (time.Time, error) {
	if v == "" {
		return def, nil
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(secs, 0), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither unix seconds nor RFC3339", v)
	}
	return t, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger := tvlog.WithComponent("api")
		logger.Warn().Err(err).Msg("writeJSON")
	}
}

func writeErr(w http.ResponseWriter, status int, err error) {
	if status >= 500 {
		logger := tvlog.WithComponent("api")
		logger.Error().Err(err).Int("status", status).Msg("request failed")
	}
	writeJSON(w, status, APIError{
		Status: status,
		Error:  http.StatusText(status),
		Detail: err.Error(),
	})
}

func writeStoreErr(w http.ResponseWriter, err error, notFound string) {
	if errors.Is(err, store.ErrNotFound) {
		writeErr(w, http.StatusNotFound, errors.New(notFound))
		return
	}
	writeErr(w, http.StatusInternalServerError, err)
}

// --- docs handlers ---

func handleOpenAPISpec(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(api.OpenAPISpec)
}

func handleSwaggerUI(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, swaggerUIHTML)
}

const swaggerUIHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <title>tvguide API Docs</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
  <style>html{box-sizing:border-box;overflow-y:scroll}*,*:before,*:after{box-sizing:inherit}body{margin:0;background:#fafafa}</style>
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    SwaggerUIBundle({
      url: "/api/docs/openapi.yaml",
      dom_id: "#swagger-ui",
      presets: [SwaggerUIBundle.presets.apis, SwaggerUIBundle.SwaggerUIStandalonePreset],
      layout: "BaseLayout",
    });
  </script>
</body>
</html>`
