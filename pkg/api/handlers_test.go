package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/ethpandaops/testoor/pkg/history"
	"github.com/ethpandaops/testoor/pkg/runs"
	"github.com/ethpandaops/testoor/pkg/store"
)

func newTestServer(t *testing.T, serverCfg config.ServerConfig) (*server, http.Handler) {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)

	cfg := &config.Config{
		Server: serverCfg,
		Database: config.DatabaseConfig{
			Driver: "sqlite",
			SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
		},
		History: config.HistoryConfig{Mode: config.HistoryModeSync},
	}

	st := store.NewStore(log, &cfg.Database)
	require.NoError(t, st.Start(context.Background()))

	recorder := history.NewRecorder(log, st, &cfg.History)

	srv := &server{
		log:      log,
		cfg:      cfg,
		store:    st,
		recorder: recorder,
		service: runs.NewService(log, st, recorder, runs.Options{
			HistoryMode: cfg.History.Mode,
		}),
		done: make(chan struct{}),
	}

	t.Cleanup(func() {
		close(srv.done)
		_ = st.Stop()
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, st.CreateTest(context.Background(), &store.Test{
			ProjectID: 1,
			Title:     fmt.Sprintf("test %d", i+1),
			SectionID: 1,
		}, nil))
	}

	return srv, srv.buildRouter()
}

func doRequest(
	t *testing.T, h http.Handler, method, path string, body any, userID string,
) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	if userID != "" {
		req.Header.Set(userIDHeader, userID)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return rec
}

func createRun(t *testing.T, h http.Handler) int64 {
	t.Helper()

	rec := doRequest(t, h, http.MethodPost, "/api/v1/projects/1/runs",
		map[string]any{"name": "nightly"}, "7")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var res runs.CreateRunResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Equal(t, 3, res.TestsAdded)

	return res.RunID
}

func TestHandleHealth(t *testing.T) {
	_, h := newTestServer(t, config.ServerConfig{})

	rec := doRequest(t, h, http.MethodGet, "/api/v1/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHandleCreateRun(t *testing.T) {
	_, h := newTestServer(t, config.ServerConfig{})

	tests := []struct {
		name     string
		path     string
		body     any
		userID   string
		wantCode int
	}{
		{
			name:     "created",
			path:     "/api/v1/projects/1/runs",
			body:     map[string]any{"name": "smoke", "sectionIds": []int64{1}},
			userID:   "1",
			wantCode: http.StatusCreated,
		},
		{
			name:     "missing user",
			path:     "/api/v1/projects/1/runs",
			body:     map[string]any{"name": "smoke"},
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "invalid user",
			path:     "/api/v1/projects/1/runs",
			body:     map[string]any{"name": "smoke"},
			userID:   "abc",
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "empty facet",
			path:     "/api/v1/projects/1/runs",
			body:     map[string]any{"name": "smoke", "squadIds": []int64{}},
			userID:   "1",
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "no matching tests",
			path:     "/api/v1/projects/1/runs",
			body:     map[string]any{"name": "smoke", "platformIds": []int64{42}},
			userID:   "1",
			wantCode: http.StatusUnprocessableEntity,
		},
		{
			name:     "invalid project",
			path:     "/api/v1/projects/abc/runs",
			body:     map[string]any{"name": "smoke"},
			userID:   "1",
			wantCode: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, h, http.MethodPost, tt.path, tt.body, tt.userID)
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
		})
	}
}

func TestHandleUpdateStatuses(t *testing.T) {
	_, h := newTestServer(t, config.ServerConfig{})

	runID := createRun(t, h)
	path := fmt.Sprintf("/api/v1/projects/1/runs/%d/statuses", runID)

	rec := doRequest(t, h, http.MethodPut, path, map[string]any{
		"items": []map[string]any{
			{"testId": 1, "status": "Passed"},
			{"testId": 2, "status": "Bogus"},
		},
	}, "3")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res runs.UpdateStatusesResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, int64(1), res.UpdatedCount)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, runs.ReasonInvalidStatus, res.Failures[0].Reason)

	rec = doRequest(t, h, http.MethodPut, path, map[string]any{"items": []any{}}, "3")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, h, http.MethodPut, path, "not an object", "3")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleLockedRunRejectsUpdates(t *testing.T) {
	_, h := newTestServer(t, config.ServerConfig{})

	runID := createRun(t, h)
	base := fmt.Sprintf("/api/v1/projects/1/runs/%d", runID)

	rec := doRequest(t, h, http.MethodPost, base+"/lock", nil, "5")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var run store.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, store.RunStatusLocked, run.Status)

	rec = doRequest(t, h, http.MethodPut, base+"/statuses", map[string]any{
		"items": []map[string]any{{"testId": 1, "status": "Passed"}},
	}, "5")
	assert.Equal(t, http.StatusLocked, rec.Code)

	rec = doRequest(t, h, http.MethodPost, base+"/retest", nil, "5")
	assert.Equal(t, http.StatusLocked, rec.Code)

	rec = doRequest(t, h, http.MethodPost, base+"/archive", nil, "5")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, h, http.MethodDelete, base, nil, "5")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleRunReads(t *testing.T) {
	_, h := newTestServer(t, config.ServerConfig{})

	runID := createRun(t, h)
	base := fmt.Sprintf("/api/v1/projects/1/runs/%d", runID)

	rec := doRequest(t, h, http.MethodPut, base+"/statuses", map[string]any{
		"items": []map[string]any{{"testId": 2, "status": "failed"}},
	}, "5")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, h, http.MethodGet, base+"/meta?group_by=squads", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var info runs.MetaInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, int64(3), info.Total)
	assert.Equal(t, int64(1), info.StatusCounts[store.StatusFailed])
	require.Len(t, info.SquadData, 1)
	assert.Nil(t, info.SquadData[0].SquadID)

	rec = doRequest(t, h, http.MethodGet, base+"/meta?group_by=labels", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, h, http.MethodGet, base+"/tests?status=Failed,Passed", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var memberships []store.Membership
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &memberships))
	require.Len(t, memberships, 1)
	assert.Equal(t, int64(2), memberships[0].TestID)

	rec = doRequest(t, h, http.MethodGet, base+"/history?test_id=2", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []store.StatusHistory
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, store.StatusFailed, entries[0].Status)

	rec = doRequest(t, h, http.MethodGet, base, nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/api/v1/projects/2/runs/"+fmt.Sprint(runID), nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/api/v1/projects/1/runs", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var list []store.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)
}

func TestHandleRemoveTests(t *testing.T) {
	_, h := newTestServer(t, config.ServerConfig{})

	runID := createRun(t, h)
	base := fmt.Sprintf("/api/v1/projects/1/runs/%d", runID)

	rec := doRequest(t, h, http.MethodPost, base+"/tests/remove",
		map[string]any{"testIds": []int64{1, 3}}, "5")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res runs.RemoveTestsResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, int64(2), res.RemovedCount)
}

func TestRateLimit(t *testing.T) {
	_, h := newTestServer(t, config.ServerConfig{
		RateLimit: config.RateLimitConfig{Enabled: true, RequestsPerMinute: 1},
	})

	rec := doRequest(t, h, http.MethodGet, "/api/v1/projects/1/runs", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/api/v1/projects/1/runs", nil, "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&runs.RunNotActiveError{RunID: 1, Status: store.RunStatusLocked}, http.StatusLocked},
		{fmt.Errorf("%w: 9", runs.ErrRunNotFound), http.StatusNotFound},
		{runs.ErrNoMatchingTests, http.StatusUnprocessableEntity},
		{runs.ErrInvalidTransition, http.StatusConflict},
		{runs.ErrEmptyFacet, http.StatusBadRequest},
		{runs.ErrEmptyBatch, http.StatusBadRequest},
		{runs.ErrInvalidGroupBy, http.StatusBadRequest},
		{fmt.Errorf("%w: boom", runs.ErrPersistence), http.StatusInternalServerError},
		{errors.New("unexpected"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusForError(tt.err), tt.err.Error())
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	assert.Equal(t, "10.0.0.1", clientIP(req))

	req.Header.Set("X-Forwarded-For", "192.168.1.1, 10.0.0.2")
	assert.Equal(t, "192.168.1.1", clientIP(req))
}
