package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github-mirror/internal/cache"
	"github-mirror/internal/environment"
	custom_errors "github-mirror/internal/errors"
	"github-mirror/internal/model"
	"github-mirror/internal/pinned"
	"github-mirror/internal/ratelimit"
	"github-mirror/internal/selectors"
	"github-mirror/internal/syncer"
)

// MockSyncService is a mock of the SyncService interface.
type MockSyncService struct {
	mock.Mock
}

func (m *MockSyncService) State() syncer.State {
	return m.Called().Get(0).(syncer.State)
}
func (m *MockSyncService) Refresh(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}
func (m *MockSyncService) FetchWorkflowsForRepositories(repos []pinned.Repo) []string {
	return m.Called(repos).Get(0).([]string)
}

type testServer struct {
	sync   *MockSyncService
	cache  *cache.Cache
	pinned *pinned.List
	env    *environment.State
	srv    *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ts := &testServer{
		sync:   new(MockSyncService),
		cache:  cache.New(nil, logger),
		pinned: pinned.NewList([]pinned.Repo{{Owner: "acme", Name: "widgets"}}),
		env:    environment.NewState(),
	}
	sel := selectors.New(ts.cache, ts.pinned, func() string { return "octo" }, time.Now)
	ts.srv = httptest.NewServer(NewRouter(Deps{
		Sync:      ts.sync,
		Cache:     ts.cache,
		Selectors: sel,
		Tracker:   ratelimit.NewTracker(),
		Pinned:    ts.pinned,
		Env:       ts.env,
	}, logger))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]string{"status": "ok"}, decode[map[string]string](t, resp))
}

func TestSyncStatus(t *testing.T) {
	ts := newTestServer(t)
	ts.sync.On("State").Return(syncer.State{Status: syncer.StatusIdle, PendingJobs: 2})
	ts.cache.MarkScopeFetched("user", "etag-1")

	resp := ts.do(t, http.MethodGet, "/v1/sync/status", "")

	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[syncStatus](t, resp)
	assert.Equal(t, syncer.StatusIdle, got.Sync.Status)
	assert.Equal(t, 2, got.Sync.PendingJobs)
	require.Len(t, got.Scopes, 1)
	assert.Equal(t, "etag-1", got.Scopes[0].ETag)
}

func TestRefresh(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		ts := newTestServer(t)
		ts.sync.On("Refresh", mock.Anything).Return(nil).Once()
		ts.sync.On("State").Return(syncer.State{Status: syncer.StatusIdle})

		resp := ts.do(t, http.MethodPost, "/v1/sync/refresh", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		ts.sync.AssertExpectations(t)
	})

	t.Run("rate limited", func(t *testing.T) {
		ts := newTestServer(t)
		ts.sync.On("Refresh", mock.Anything).Return(&custom_errors.ErrRateLimited{ResetIn: 90 * time.Second})

		resp := ts.do(t, http.MethodPost, "/v1/sync/refresh", "")
		assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
		assert.Equal(t, "90", resp.Header.Get("Retry-After"))
	})

	t.Run("no credential", func(t *testing.T) {
		ts := newTestServer(t)
		ts.sync.On("Refresh", mock.Anything).Return(custom_errors.ErrNoCredential)

		resp := ts.do(t, http.MethodPost, "/v1/sync/refresh", "")
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})

	t.Run("sync in progress", func(t *testing.T) {
		ts := newTestServer(t)
		ts.sync.On("Refresh", mock.Anything).Return(custom_errors.ErrSyncInProgress)

		resp := ts.do(t, http.MethodPost, "/v1/sync/refresh", "")
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})
}

func TestFetchWorkflows(t *testing.T) {
	ts := newTestServer(t)
	ts.sync.On("FetchWorkflowsForRepositories", []pinned.Repo{{Owner: "acme", Name: "widgets"}}).Return([]string{"job-1"})
	ts.sync.On("FetchWorkflowsForRepositories", []pinned.Repo{{Owner: "acme", Name: "gadgets"}}).Return([]string{"job-2"})

	resp := ts.do(t, http.MethodPost, "/v1/sync/workflows", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []string{"job-1"}, decode[map[string][]string](t, resp)["job_ids"])

	resp = ts.do(t, http.MethodPost, "/v1/sync/workflows", `{"repos":["acme/gadgets"]}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []string{"job-2"}, decode[map[string][]string](t, resp)["job_ids"])

	resp = ts.do(t, http.MethodPost, "/v1/sync/workflows", `{"repos":["bad"]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEntityEndpoints(t *testing.T) {
	ts := newTestServer(t)
	now := time.Now()
	ts.cache.Repos.UpsertMany([]model.Repository{{ID: 1, FullName: "acme/widgets", UpdatedAt: now}}, cache.MetaPatch{})
	ts.cache.Issues.UpsertMany([]model.Issue{
		{ID: 10, State: model.StateOpen, RepositoryFullName: "acme/widgets", UpdatedAt: now},
		{ID: 11, State: model.StateClosed, RepositoryFullName: "acme/widgets", UpdatedAt: now},
		{ID: 12, State: model.StateOpen, RepositoryFullName: "acme/gadgets", UpdatedAt: now},
	}, cache.MetaPatch{})

	resp := ts.do(t, http.MethodGet, "/v1/issues?repo=acme/widgets&state=open", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	issues := decode[[]model.Issue](t, resp)
	require.Len(t, issues, 1)
	assert.Equal(t, int64(10), issues[0].ID)

	resp = ts.do(t, http.MethodGet, "/v1/repos/acme/widgets", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	detail := decode[repositoryDetail](t, resp)
	assert.Equal(t, "acme/widgets", detail.Repository.FullName)
	assert.Len(t, detail.Issues, 2)
	assert.Equal(t, selectors.CIUnknown, detail.State.CIStatus)

	resp = ts.do(t, http.MethodGet, "/v1/repos/acme/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/v1/runs", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]model.WorkflowRun](t, resp))
}

func TestViews(t *testing.T) {
	ts := newTestServer(t)
	ts.cache.PullRequests.UpsertMany([]model.PullRequest{
		{ID: 1, State: model.StateOpen, RequestedReviewers: []model.Actor{{Login: "octo"}}, UpdatedAt: time.Now()},
	}, cache.MetaPatch{})

	resp := ts.do(t, http.MethodGet, "/v1/views/reviews", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]model.PullRequest](t, resp), 1)

	resp = ts.do(t, http.MethodGet, "/v1/views/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, decode[selectors.DashboardMetrics](t, resp).OpenPRs)

	resp = ts.do(t, http.MethodGet, "/v1/views/activity?limit=500", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/v1/views/pinned", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]selectors.PinnedRepository](t, resp), 1)
}

func TestPinned(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/v1/pinned", `{"repo":"acme/gadgets"}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = ts.do(t, http.MethodPost, "/v1/pinned", `{"repo":"acme/gadgets"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = ts.do(t, http.MethodPost, "/v1/pinned", `{"repo":"gadgets"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/v1/pinned", "")
	assert.Len(t, decode[[]pinned.Repo](t, resp), 2)

	resp = ts.do(t, http.MethodDelete, "/v1/pinned/acme/widgets", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = ts.do(t, http.MethodDelete, "/v1/pinned/acme/widgets", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEnvironment(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/v1/env/visibility", `{"hidden":true}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.True(t, ts.env.IsHidden())

	resp = ts.do(t, http.MethodPost, "/v1/env/network", `{"online":false}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.False(t, ts.env.IsOnline())

	resp = ts.do(t, http.MethodPost, "/v1/env/network", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClearCache(t *testing.T) {
	ts := newTestServer(t)
	ts.cache.Repos.UpsertMany([]model.Repository{{ID: 1, FullName: "acme/widgets", UpdatedAt: time.Now()}}, cache.MetaPatch{})
	ts.cache.MarkScopeFetched("user", "etag-1")

	resp := ts.do(t, http.MethodDelete, "/v1/cache", "")

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 0, ts.cache.Repos.State().Len())
	assert.Empty(t, ts.cache.Scopes())
}
