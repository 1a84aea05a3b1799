package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github-mirror/internal/model"
	"github-mirror/internal/store/sqlite"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMemoryCache(t *testing.T) (*Cache, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	c := New(nil, discardLogger(), WithClock(clock.Now))
	t.Cleanup(c.Close)
	return c, clock
}

func issue(id int64, repo, state string, updated time.Time) model.Issue {
	return model.Issue{ID: id, Number: int(id), Title: "issue", State: state, RepositoryFullName: repo, UpdatedAt: updated}
}

func TestCollection_IdempotentUpsert(t *testing.T) {
	c, clock := newMemoryCache(t)
	updated := clock.Now().Add(-time.Hour)
	item := issue(1, "acme/widgets", "open", updated)

	c.Issues.UpsertOne(item, MetaPatch{ETag: `"v1"`})
	first := c.Issues.State()
	firstMeta, _ := first.Meta(1)

	clock.Advance(time.Minute)
	c.Issues.UpsertOne(item, MetaPatch{})
	second := c.Issues.State()
	secondMeta, _ := second.Meta(1)

	assert.Equal(t, first.IDs(), second.IDs())
	got, _ := second.Get(1)
	assert.Equal(t, item, got)
	assert.Equal(t, `"v1"`, secondMeta.ETag, "empty patch keeps the etag")
	assert.True(t, secondMeta.LastFetchedAt.After(firstMeta.LastFetchedAt))
	assert.Equal(t, firstMeta.RemoteUpdatedAt, secondMeta.RemoteUpdatedAt)
	assert.Greater(t, second.Version(), first.Version())
}

func TestCollection_BatchIsAtomicSnapshot(t *testing.T) {
	c, clock := newMemoryCache(t)
	now := clock.Now()

	before := c.Issues.State()
	c.Issues.UpsertMany([]model.Issue{
		issue(1, "acme/a", "open", now),
		issue(2, "acme/b", "open", now),
		issue(3, "acme/a", "closed", now),
	}, MetaPatch{})
	after := c.Issues.State()

	assert.Equal(t, 0, before.Len(), "old snapshot is never mutated")
	assert.Equal(t, []int64{1, 2, 3}, after.IDs())
	for _, id := range after.IDs() {
		_, hasEntity := after.Get(id)
		_, hasMeta := after.Meta(id)
		assert.True(t, hasEntity && hasMeta, "id %d", id)
	}
}

func TestCollection_ReplaceKeepsInsertionOrder(t *testing.T) {
	c, clock := newMemoryCache(t)
	now := clock.Now()

	c.Issues.UpsertMany([]model.Issue{issue(1, "r", "open", now), issue(2, "r", "open", now)}, MetaPatch{})
	changed := issue(1, "r", "closed", now.Add(time.Minute))
	c.Issues.UpsertOne(changed, MetaPatch{})

	s := c.Issues.State()
	assert.Equal(t, []int64{1, 2}, s.IDs())
	got, _ := s.Get(1)
	assert.Equal(t, "closed", got.State)
}

func TestCollection_RecordErrorAndGetByIDs(t *testing.T) {
	c, clock := newMemoryCache(t)
	c.Repos.UpsertOne(model.Repository{ID: 5, FullName: "acme/widgets", UpdatedAt: clock.Now()}, MetaPatch{})

	c.Repos.RecordError([]int64{5, 99}, errors.New("not found"))
	meta, ok := c.Repos.State().Meta(5)
	require.True(t, ok)
	assert.Equal(t, "not found", meta.LastError)
	_, ok = c.Repos.State().Meta(99)
	assert.False(t, ok, "errors never create entries")

	c.Repos.UpsertOne(model.Repository{ID: 5, FullName: "acme/widgets"}, MetaPatch{})
	meta, _ = c.Repos.State().Meta(5)
	assert.Empty(t, meta.LastError, "a successful fetch clears the error")

	assert.Len(t, c.Repos.GetByIDs([]int64{99, 5}), 1)
}

func TestCache_DerivedAccessors(t *testing.T) {
	c, clock := newMemoryCache(t)
	now := clock.Now()

	c.Issues.UpsertMany([]model.Issue{
		issue(1, "acme/a", "open", now.Add(-3*time.Hour)),
		issue(2, "acme/b", "open", now.Add(-time.Hour)),
		issue(3, "acme/a", "closed", now),
		issue(4, "acme/a", "open", now.Add(-2*time.Hour)),
	}, MetaPatch{})

	open := c.OpenIssues()
	require.Len(t, open, 3)
	assert.Equal(t, []int64{2, 4, 1}, []int64{open[0].ID, open[1].ID, open[2].ID})

	byRepo := c.IssuesByRepository("acme/a")
	require.Len(t, byRepo, 3)
	assert.Equal(t, int64(3), byRepo[0].ID)
}

func TestCache_ScopesAndCursors(t *testing.T) {
	c, clock := newMemoryCache(t)
	t0 := clock.Now()

	c.MarkScopeFetched("user", `"etag-1"`)
	c.MarkScopeFetched("user", "")
	assert.Equal(t, `"etag-1"`, c.ScopeETag("user"))

	assert.True(t, c.AdvanceCursor("user", t0))
	assert.False(t, c.AdvanceCursor("user", t0.Add(-time.Hour)), "cursors never move backwards")
	assert.Equal(t, t0, c.Cursor("user"))

	c.RecordScopeError("orgs", errors.New("timeout"))
	meta, ok := c.ScopeMeta("orgs")
	require.True(t, ok)
	assert.Equal(t, "timeout", meta.LastError)

	c.MarkScopeFetched("orgs", "")
	meta, _ = c.ScopeMeta("orgs")
	assert.Empty(t, meta.LastError)
	assert.Len(t, c.Scopes(), 2)
}

func TestCache_PurgeStale(t *testing.T) {
	c, clock := newMemoryCache(t)
	now := clock.Now()

	c.Issues.UpsertOne(issue(1, "r", "open", now), MetaPatch{})
	c.PutSearchResult(model.SearchResult{Query: "q", Kind: model.KindIssue, IDs: []int64{1}})
	clock.Advance(48 * time.Hour)
	c.Issues.UpsertOne(issue(2, "r", "open", now), MetaPatch{})

	stats := c.PurgeStale(24*time.Hour, 5*time.Minute)
	assert.Equal(t, 1, stats.Issues)
	assert.Equal(t, 1, stats.Searches)
	assert.Equal(t, []int64{2}, c.Issues.State().IDs())
	_, ok := c.SearchResult("q", model.KindIssue)
	assert.False(t, ok)
}

func TestCache_ClearAll(t *testing.T) {
	c, clock := newMemoryCache(t)
	c.Orgs.UpsertOne(model.Organization{ID: 1, Login: "acme"}, MetaPatch{})
	c.AdvanceCursor("user", clock.Now())

	c.ClearAll()
	assert.Equal(t, 0, c.Orgs.State().Len())
	assert.True(t, c.Cursor("user").IsZero(), "clear resets cursors")
}

func TestCache_PersistAndLoad(t *testing.T) {
	ctx := context.Background()
	logger := discardLogger()
	db, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "cache.db"), logger)
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	c := New(db, logger, WithClock(clock))
	c.Repos.UpsertOne(model.Repository{ID: 7, FullName: "acme/widgets", Owner: "acme", Name: "widgets", PushedAt: now}, MetaPatch{ETag: `"r"`})
	c.PullRequests.UpsertOne(model.PullRequest{
		ID: 9, Title: "Add gizmo", State: "open", RepositoryFullName: "acme/widgets",
		RequestedReviewers: []model.Actor{{Login: "octo"}}, UpdatedAt: now,
	}, MetaPatch{})
	c.AdvanceCursor("repo:acme/widgets:pulls", now)
	c.PutSearchResult(model.SearchResult{Query: "review-requested:octo", Kind: model.KindPullRequest, IDs: []int64{9}, TotalCount: 1})
	require.NoError(t, c.Flush(ctx))
	c.Close()

	restored := New(db, logger, WithClock(clock))
	defer restored.Close()
	require.NoError(t, restored.Load(ctx))

	repo, ok := restored.Repos.State().Get(7)
	require.True(t, ok)
	assert.Equal(t, "acme/widgets", repo.FullName)
	assert.True(t, now.Equal(repo.PushedAt))
	meta, _ := restored.Repos.State().Meta(7)
	assert.Equal(t, `"r"`, meta.ETag)

	pr, ok := restored.PullRequests.State().Get(9)
	require.True(t, ok)
	assert.Equal(t, "octo", pr.RequestedReviewers[0].Login)

	assert.True(t, now.Equal(restored.Cursor("repo:acme/widgets:pulls")))
	sr, ok := restored.SearchResult("review-requested:octo", model.KindPullRequest)
	require.True(t, ok)
	assert.Equal(t, []int64{9}, sr.IDs)
}

func TestCache_ForgetETags(t *testing.T) {
	c, _ := newMemoryCache(t)
	c.MarkScopeFetched("repos:owner", `"r1"`)
	c.MarkScopeFetched("org-repos:acme", `"r2"`)
	c.MarkScopeFetched("orgs", `"o1"`)
	c.MarkScopeFetched("repos:member", "")
	c.PutSearchResult(model.SearchResult{Query: "is:issue", Kind: model.KindIssue, IDs: []int64{1}, ETag: `"i1"`})
	c.PutSearchResult(model.SearchResult{Query: "is:pr", Kind: model.KindPullRequest, IDs: []int64{2}, ETag: `"p1"`})

	n := c.ForgetScopeETags(func(scope string) bool { return strings.HasPrefix(scope, "repos:") || strings.HasPrefix(scope, "org-repos:") })
	assert.Equal(t, 2, n, "scopes without an etag are not counted")
	assert.Empty(t, c.ScopeETag("repos:owner"))
	assert.Empty(t, c.ScopeETag("org-repos:acme"))
	assert.Equal(t, `"o1"`, c.ScopeETag("orgs"))
	meta, ok := c.ScopeMeta("repos:owner")
	require.True(t, ok)
	assert.False(t, meta.LastFetchedAt.IsZero(), "only the etag is dropped")

	assert.Equal(t, 1, c.ForgetSearchETags(model.KindIssue))
	issues, _ := c.SearchResult("is:issue", model.KindIssue)
	assert.Empty(t, issues.ETag)
	assert.Equal(t, []int64{1}, issues.IDs)
	pulls, _ := c.SearchResult("is:pr", model.KindPullRequest)
	assert.Equal(t, `"p1"`, pulls.ETag)
}

func TestCache_ClearAllOrdersAgainstWrites(t *testing.T) {
	ctx := context.Background()
	logger := discardLogger()
	db, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "cache.db"), logger)
	require.NoError(t, err)
	defer db.Close()

	c := New(db, logger)
	c.Orgs.UpsertOne(model.Organization{ID: 1, Login: "before"}, MetaPatch{})
	c.MarkScopeFetched("orgs", `"o1"`)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := int64(2); i < 200; i++ {
			c.Orgs.UpsertOne(model.Organization{ID: i, Login: "during"}, MetaPatch{})
		}
	}()
	c.ClearAll()
	wg.Wait()
	c.Orgs.UpsertOne(model.Organization{ID: 500, Login: "after"}, MetaPatch{})
	require.NoError(t, c.Flush(ctx))
	c.Close()

	restored := New(db, logger)
	defer restored.Close()
	require.NoError(t, restored.Load(ctx))

	assert.ElementsMatch(t, c.Orgs.State().IDs(), restored.Orgs.State().IDs(), "store matches memory after a concurrent clear")
	_, ok := restored.Orgs.State().Get(1)
	assert.False(t, ok)
	_, ok = restored.Orgs.State().Get(500)
	assert.True(t, ok)
	assert.Empty(t, restored.ScopeETag("orgs"))
}
