package fetcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memTokens struct {
	mu    sync.Mutex
	tok   Token
	saved int
}

func (m *memTokens) LoadToken(context.Context) (Token, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tok, m.tok.Value != "", nil
}

func (m *memTokens) SaveToken(_ context.Context, tok Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tok = tok
	m.saved++
	return nil
}

// fakeSD is a minimal Schedules Direct stand-in.
type fakeSD struct {
	t         *testing.T
	logins    atomic.Int32
	md5Calls  atomic.Int32
	failFirst atomic.Int32 // number of 503s to return before succeeding
	routes    map[string]http.HandlerFunc
}

func newFakeSD(t *testing.T) (*fakeSD, *httptest.Server) {
	f := &fakeSD{t: t, routes: map[string]http.HandlerFunc{}}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeSD) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/token" {
		f.logins.Add(1)
		var req tokenRequest
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
		if req.Password != "sha1pass" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":4003,"message":"Invalid user"}`))
			return
		}
		writeBody(w, tokenResponse{Code: 0, Token: "tok-1", Datetime: time.Now().UTC().Format(sdTimeLayout)})
		return
	}
	if r.Header.Get(tokenHeader) != "tok-1" {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"code":4006,"message":"Token expired"}`))
		return
	}
	if f.failFirst.Load() > 0 {
		f.failFirst.Add(-1)
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	h, ok := f.routes[r.Method+" "+r.URL.Path]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	h(w, r)
}

func writeBody(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(srv *httptest.Server, tokens TokenStore) *Client {
	c := NewClient(Options{
		BaseURL:      srv.URL,
		Username:     "viewer",
		PasswordSHA1: "sha1pass",
		UserAgent:    "tvguide-test",
		Retries:      2,
		Tokens:       tokens,
	})
	c.backoff = func(int) time.Duration { return time.Millisecond }
	return c
}

func TestFetchScheduleDigests(t *testing.T) {
	f, srv := newFakeSD(t)
	f.routes["POST /schedules/md5"] = func(w http.ResponseWriter, r *http.Request) {
		f.md5Calls.Add(1)
		var req []stationRef
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req, 1)
		assert.Equal(t, "10", req[0].StationID)
		_, _ = w.Write([]byte(`{"10":{
			"2024-01-01":{"code":0,"message":"OK","lastModified":"2023-12-31T10:00:00Z","md5":"h1"},
			"2024-01-02":{"code":7100,"message":"no data","md5":""}
		}}`))
	}

	c := newTestClient(srv, nil)
	got, err := c.FetchScheduleDigests(context.Background(), []string{"10"})
	require.NoError(t, err)

	require.Contains(t, got, "10")
	require.Len(t, got["10"], 1)
	d := got["10"]["2024-01-01"]
	assert.Equal(t, "h1", d.Hash)
	assert.Equal(t, time.Date(2023, 12, 31, 10, 0, 0, 0, time.UTC).Unix(), d.LastModified)
	assert.EqualValues(t, 1, f.logins.Load())
}

func TestTokenIsReusedAndCached(t *testing.T) {
	f, srv := newFakeSD(t)
	f.routes["POST /programs"] = func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"programID":"EP1","md5":"m1","titles":[{"title120":"News"}]}]`))
	}
	tokens := &memTokens{}

	c := newTestClient(srv, tokens)
	for i := 0; i < 3; i++ {
		progs, err := c.FetchPrograms(context.Background(), []string{"EP1"})
		require.NoError(t, err)
		require.Len(t, progs, 1)
	}
	assert.EqualValues(t, 1, f.logins.Load())
	assert.Equal(t, 1, tokens.saved)

	// A second client picks the token up from the store instead of logging in.
	c2 := newTestClient(srv, tokens)
	_, err := c2.FetchPrograms(context.Background(), []string{"EP1"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.logins.Load())
}

func TestRejectedTokenTriggersLogin(t *testing.T) {
	f, srv := newFakeSD(t)
	f.routes["POST /programs"] = func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}
	tokens := &memTokens{tok: Token{Value: "stale", Expires: time.Now().Add(time.Hour)}}

	c := newTestClient(srv, tokens)
	_, err := c.FetchPrograms(context.Background(), []string{"EP1"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.logins.Load())
	assert.Equal(t, "tok-1", tokens.tok.Value)
}

func TestTransientErrorsAreRetried(t *testing.T) {
	f, srv := newFakeSD(t)
	f.failFirst.Store(2)
	f.routes["POST /schedules"] = func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"stationID":"10","programs":[{"programID":"EP1","airDateTime":"2024-01-01T00:00:00Z","duration":1800,"md5":"m1"}]}]`))
	}

	c := newTestClient(srv, nil)
	got, err := c.FetchSchedules(context.Background(), []ScheduleRequest{{StationID: "10", Dates: []string{"2024-01-01"}}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1800), got[0].Programs[0].Duration)
}

func TestRetriesExhaustedIsTransient(t *testing.T) {
	f, srv := newFakeSD(t)
	f.failFirst.Store(10)
	f.routes["POST /schedules"] = func(w http.ResponseWriter, _ *http.Request) {}

	c := newTestClient(srv, nil)
	_, err := c.FetchSchedules(context.Background(), []ScheduleRequest{{StationID: "10"}})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestBadCredentialsArePermanent(t *testing.T) {
	_, srv := newFakeSD(t)
	c := NewClient(Options{BaseURL: srv.URL, Username: "viewer", PasswordSHA1: "wrong"})

	_, err := c.FetchPrograms(context.Background(), []string{"EP1"})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))

	var se *SourceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 4003, se.Code)
}

func TestMalformedPayloadIsPermanent(t *testing.T) {
	f, srv := newFakeSD(t)
	f.routes["GET /lineups/GBR-1"] = func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"map": "not a list"}`))
	}
	c := newTestClient(srv, nil)
	_, err := c.FetchStationMap(context.Background(), "GBR-1")
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestFetchStationMapJoinsChannelNumbers(t *testing.T) {
	f, srv := newFakeSD(t)
	f.routes["GET /lineups/GBR-1"] = func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{
			"map":[{"stationID":"10","channel":"101"},{"stationID":"11","channel":"102"}],
			"stations":[{"stationID":"10","name":"BBC One","callsign":"BBC1"},{"stationID":"11","name":"BBC Two","callsign":"BBC2"}]
		}`))
	}
	c := newTestClient(srv, nil)
	sm, err := c.FetchStationMap(context.Background(), "GBR-1")
	require.NoError(t, err)
	require.Len(t, sm.Channels, 2)
	assert.Equal(t, "101", sm.Channels[0].ChannelNumber)
	assert.Equal(t, "BBC2", sm.Channels[1].Callsign)
	assert.Nil(t, sm.Channels[0].DVBMappingName)
}

func TestStatusAndLineups(t *testing.T) {
	f, srv := newFakeSD(t)
	f.routes["GET /status"] = func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{
			"code":0,
			"lineups":[{"lineup":"GBR-1","modified":"2024-01-01T12:00:00Z"}],
			"systemStatus":[
				{"date":"2023-12-01T00:00:00Z","status":"Offline","message":"maintenance"},
				{"date":"2024-01-01T00:00:00Z","status":"Online","message":"No known issues."}
			]
		}`))
	}
	c := newTestClient(srv, nil)

	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Online)
	assert.Equal(t, "No known issues.", st.Message)

	lineups, err := st.AccountLineups()
	require.NoError(t, err)
	require.Len(t, lineups, 1)
	assert.Equal(t, "GBR-1", lineups[0].ID)
	assert.Equal(t, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), lineups[0].Modified)
}

func TestCancelledContext(t *testing.T) {
	_, srv := newFakeSD(t)
	c := newTestClient(srv, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.FetchPrograms(ctx, []string{"EP1"})
	require.Error(t, err)
	assert.True(t, IsCancelled(err))
}
