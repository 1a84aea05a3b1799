//go:build integration

// cmd/service/integration_test.go
package main

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github-mirror/internal/cache"
	"github-mirror/internal/credentials"
	"github-mirror/internal/environment"
	"github-mirror/internal/github"
	"github-mirror/internal/pinned"
	"github-mirror/internal/queue"
	"github-mirror/internal/ratelimit"
	"github-mirror/internal/schedule"
	"github-mirror/internal/store/postgres"
	"github-mirror/internal/syncer"
)

func setupTestDatabase(ctx context.Context, t *testing.T) (string, func()) {
	// Start a postgres container
	pgContainer, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("test-db"),
		tcpostgres.WithUsername("user"),
		tcpostgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	teardown := func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	}
	return connStr, teardown
}

// fakeGitHub serves just enough of the REST API for one bootstrap.
func fakeGitHub(t *testing.T) *httptest.Server {
	reset := time.Now().Add(time.Hour).Unix()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-RateLimit-Limit", "5000")
		w.Header().Set("X-RateLimit-Remaining", "4900")
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))

		switch {
		case r.URL.Path == "/rate_limit":
			w.Write([]byte(`{"resources":{"core":{"limit":5000,"remaining":4900,"reset":` + strconv.FormatInt(reset, 10) + `}}}`))
		case r.URL.Path == "/user":
			w.Header().Set("ETag", `"user-1"`)
			w.Write([]byte(`{"id":1,"login":"octo","name":"Octo Cat"}`))
		case r.URL.Path == "/user/orgs":
			w.Write([]byte(`[{"id":7,"login":"acme"}]`))
		case r.URL.Path == "/user/repos":
			w.Write([]byte(`[{"id":123,"name":"widgets","full_name":"acme/widgets","owner":{"login":"acme"},"updated_at":"2026-01-02T12:00:00Z"}]`))
		case r.URL.Path == "/orgs/acme/repos":
			w.Write([]byte(`[{"id":124,"name":"gadgets","full_name":"acme/gadgets","owner":{"login":"acme"},"updated_at":"2026-01-01T12:00:00Z"}]`))
		case r.URL.Path == "/search/issues":
			q := r.URL.Query().Get("q")
			if strings.Contains(q, "is:issue") {
				w.Write([]byte(`{"total_count":1,"items":[{"id":10,"number":1,"title":"broken build","state":"open","repository_url":"https://api.github.com/repos/acme/widgets","user":{"login":"octo"},"updated_at":"2026-01-02T12:00:00Z"}]}`))
				return
			}
			w.Write([]byte(`{"total_count":1,"items":[{"id":20,"number":2,"title":"fix build","state":"open","repository_url":"https://api.github.com/repos/acme/widgets","pull_request":{"url":"x"},"user":{"login":"hubot"},"updated_at":"2026-01-02T13:00:00Z"}]}`))
		case strings.HasSuffix(r.URL.Path, "/actions/runs"):
			w.Write([]byte(`{"total_count":1,"workflow_runs":[{"id":30,"name":"ci","status":"completed","conclusion":"failure","created_at":"2026-01-02T12:00:00Z","updated_at":"2026-01-02T12:05:00Z"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func TestSyncer_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	connStr, teardown := setupTestDatabase(ctx, t)
	defer teardown()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	st, err := postgres.Open(ctx, connStr, logger)
	require.NoError(t, err)
	defer st.Close()

	server := fakeGitHub(t)

	sched := schedule.Real{}
	tracker := ratelimit.NewTracker()
	entityCache := cache.New(st, logger)
	jobs := queue.New(tracker, sched, queue.Config{TickInterval: 10 * time.Millisecond, BaseDelay: 10 * time.Millisecond, MaxRetries: 1}, logger)
	defer jobs.Close()
	creds := credentials.NewStatic("test-token", "")
	ghClient := github.NewClient(creds, tracker, logger, github.WithBaseURL(server.URL))
	pins := pinned.NewList([]pinned.Repo{{Owner: "acme", Name: "widgets"}})

	appSyncer := syncer.NewSyncer(syncer.Deps{
		Cache:       entityCache,
		Queue:       jobs,
		Tracker:     tracker,
		Fetcher:     ghClient,
		Credentials: creds,
		Env:         environment.NewState(),
		Pinned:      pins,
		Scheduler:   sched,
	}, syncer.Config{BackgroundInterval: time.Hour}, logger)

	// --- ACT ---
	require.NoError(t, appSyncer.Initialize(ctx, nil))
	require.Eventually(t, func() bool {
		return jobs.Len() == 0 && entityCache.Repos.State().Len() == 2 && entityCache.WorkflowRuns.State().Len() == 1
	}, 10*time.Second, 20*time.Millisecond)
	appSyncer.Destroy()

	// --- ASSERT ---
	assert.Equal(t, "octo", appSyncer.Login())
	assert.Equal(t, syncer.StatusIdle, appSyncer.State().Status)

	require.NoError(t, entityCache.Flush(ctx))
	entityCache.Close()

	// A fresh cache over the same database sees everything the sync wrote.
	reloaded := cache.New(st, logger)
	defer reloaded.Close()
	require.NoError(t, reloaded.Load(ctx))

	assert.Equal(t, 2, reloaded.Repos.State().Len())
	assert.Equal(t, 1, reloaded.Orgs.State().Len())
	issue, ok := reloaded.Issues.State().Get(10)
	require.True(t, ok)
	assert.Equal(t, "acme/widgets", issue.RepositoryFullName)
	pr, ok := reloaded.PullRequests.State().Get(20)
	require.True(t, ok)
	assert.Equal(t, "hubot", pr.Author.Login)
	run, ok := reloaded.WorkflowRuns.State().Get(30)
	require.True(t, ok)
	assert.Equal(t, "acme/widgets", run.RepositoryFullName)
	assert.Equal(t, "user-1", reloaded.ScopeETag("user"))
}
