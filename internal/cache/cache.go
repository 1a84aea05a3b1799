// Package cache holds the in-memory mirror of GitHub entities and keeps a
// durable copy in a store.Store.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github-mirror/internal/model"
	"github-mirror/internal/store"
)

type searchKey struct {
	query string
	kind  model.Kind
}

// Cache is the set of entity collections plus per-scope sync bookkeeping.
type Cache struct {
	Repos        *Collection[model.Repository]
	Issues       *Collection[model.Issue]
	PullRequests *Collection[model.PullRequest]
	WorkflowRuns *Collection[model.WorkflowRun]
	Orgs         *Collection[model.Organization]

	st     store.Store
	w      *writer
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	scopes   map[string]model.ScopeMeta
	searches map[searchKey]model.SearchResult
}

type Option func(*Cache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates an empty cache. st may be nil for a memory-only cache.
func New(st store.Store, logger *slog.Logger, opts ...Option) *Cache {
	c := &Cache{
		st:       st,
		logger:   logger,
		now:      time.Now,
		scopes:   map[string]model.ScopeMeta{},
		searches: map[searchKey]model.SearchResult{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.w = newWriter(st, logger)
	now := func() time.Time { return c.now() }

	c.Repos = newCollection(model.KindRepository, func(r model.Repository) (string, string) {
		return r.FullName, ""
	}, now, c.w)
	c.Issues = newCollection(model.KindIssue, func(i model.Issue) (string, string) {
		return i.RepositoryFullName, i.State
	}, now, c.w)
	c.PullRequests = newCollection(model.KindPullRequest, func(p model.PullRequest) (string, string) {
		return p.RepositoryFullName, p.State
	}, now, c.w)
	c.WorkflowRuns = newCollection(model.KindWorkflowRun, func(w model.WorkflowRun) (string, string) {
		return w.RepositoryFullName, w.Status
	}, now, c.w)
	c.Orgs = newCollection(model.KindOrganization, func(model.Organization) (string, string) {
		return "", ""
	}, now, c.w)
	return c
}

// Load restores the last persisted snapshot. It replaces whatever is in memory.
func (c *Cache) Load(ctx context.Context) error {
	if c.st == nil {
		return nil
	}

	loaded := make(map[model.Kind][]store.Record, len(model.Kinds))
	var (
		lmu      sync.Mutex
		scopes   []model.ScopeMeta
		searches []model.SearchResult
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, kind := range model.Kinds {
		kind := kind
		g.Go(func() error {
			recs, err := c.st.LoadRecords(gctx, kind)
			if err != nil {
				return err
			}
			lmu.Lock()
			loaded[kind] = recs
			lmu.Unlock()
			return nil
		})
	}
	g.Go(func() error {
		var err error
		scopes, err = c.st.LoadScopeMeta(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		searches, err = c.st.LoadSearchResults(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("loading cache: %w", err)
	}

	skipped := c.Repos.restore(loaded[model.KindRepository]) +
		c.Issues.restore(loaded[model.KindIssue]) +
		c.PullRequests.restore(loaded[model.KindPullRequest]) +
		c.WorkflowRuns.restore(loaded[model.KindWorkflowRun]) +
		c.Orgs.restore(loaded[model.KindOrganization])
	if skipped > 0 {
		c.logger.Warn("Skipped undecodable cached records", "count", skipped)
	}

	c.mu.Lock()
	c.scopes = make(map[string]model.ScopeMeta, len(scopes))
	for _, s := range scopes {
		c.scopes[s.Scope] = s
	}
	c.searches = make(map[searchKey]model.SearchResult, len(searches))
	for _, r := range searches {
		c.searches[searchKey{r.Query, r.Kind}] = r
	}
	c.mu.Unlock()

	c.logger.Info("Cache restored",
		"repositories", c.Repos.State().Len(),
		"issues", c.Issues.State().Len(),
		"pull_requests", c.PullRequests.State().Len(),
		"workflow_runs", c.WorkflowRuns.State().Len(),
		"organizations", c.Orgs.State().Len(),
		"scopes", len(scopes),
	)
	return nil
}

// ScopeMeta returns the bookkeeping for scope.
func (c *Cache) ScopeMeta(scope string) (model.ScopeMeta, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.scopes[scope]
	return m, ok
}

// Scopes returns every scope sorted by name.
func (c *Cache) Scopes() []model.ScopeMeta {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.ScopeMeta, 0, len(c.scopes))
	for _, m := range c.scopes {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	return out
}

// ScopeETag is the ETag to send for scope, or "".
func (c *Cache) ScopeETag(scope string) string {
	m, _ := c.ScopeMeta(scope)
	return m.ETag
}

// MarkScopeFetched records a successful request. An empty etag keeps the previous one.
func (c *Cache) MarkScopeFetched(scope, etag string) {
	c.updateScope(scope, func(m *model.ScopeMeta) {
		if etag != "" {
			m.ETag = etag
		}
		m.LastFetchedAt = c.now()
		m.LastError = ""
	})
}

func (c *Cache) RecordScopeError(scope string, err error) {
	c.updateScope(scope, func(m *model.ScopeMeta) { m.LastError = err.Error() })
}

// AdvanceCursor moves the scope watermark forward. Earlier times are ignored.
func (c *Cache) AdvanceCursor(scope string, t time.Time) bool {
	advanced := false
	c.updateScope(scope, func(m *model.ScopeMeta) {
		if t.After(m.Cursor) {
			m.Cursor = t
			advanced = true
		}
	})
	return advanced
}

func (c *Cache) Cursor(scope string) time.Time {
	m, _ := c.ScopeMeta(scope)
	return m.Cursor
}

// ForgetScopeETags drops the ETag of every scope match accepts, so the next
// request for it is unconditional. It returns how many were dropped.
func (c *Cache) ForgetScopeETags(match func(scope string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for scope, m := range c.scopes {
		if m.ETag == "" || !match(scope) {
			continue
		}
		m.ETag = ""
		c.scopes[scope] = m
		c.w.putScope(m)
		n++
	}
	return n
}

// ForgetSearchETags drops the ETag of every cached search of kind. The result
// IDs stay so review-request bookkeeping still sees the previous page.
func (c *Cache) ForgetSearchETags(kind model.Kind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, r := range c.searches {
		if k.kind != kind || r.ETag == "" {
			continue
		}
		r.ETag = ""
		c.searches[k] = r
		c.w.putSearch(r)
		n++
	}
	return n
}

func (c *Cache) updateScope(scope string, fn func(*model.ScopeMeta)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.scopes[scope]
	if !ok {
		m = model.ScopeMeta{Scope: scope}
	}
	before := m
	fn(&m)
	if ok && m == before {
		return
	}
	c.scopes[scope] = m
	c.w.putScope(m)
}

// PutSearchResult replaces the cached result for (query, kind).
func (c *Cache) PutSearchResult(r model.SearchResult) {
	if r.FetchedAt.IsZero() {
		r.FetchedAt = c.now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.searches[searchKey{r.Query, r.Kind}] = r
	c.w.putSearch(r)
}

func (c *Cache) SearchResult(query string, kind model.Kind) (model.SearchResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.searches[searchKey{query, kind}]
	return r, ok
}

// IssuesByRepository returns every cached issue of one repository, newest first.
func (c *Cache) IssuesByRepository(fullName string) []model.Issue {
	return filterSorted(c.Issues.State(), func(i model.Issue) bool { return i.RepositoryFullName == fullName })
}

// OpenIssues returns open issues, most recently updated first.
func (c *Cache) OpenIssues() []model.Issue {
	return filterSorted(c.Issues.State(), model.Issue.IsOpen)
}

func (c *Cache) PullRequestsByRepository(fullName string) []model.PullRequest {
	return filterSorted(c.PullRequests.State(), func(p model.PullRequest) bool { return p.RepositoryFullName == fullName })
}

func (c *Cache) OpenPullRequests() []model.PullRequest {
	return filterSorted(c.PullRequests.State(), model.PullRequest.IsOpen)
}

func (c *Cache) WorkflowRunsByRepository(fullName string) []model.WorkflowRun {
	return filterSorted(c.WorkflowRuns.State(), func(w model.WorkflowRun) bool { return w.RepositoryFullName == fullName })
}

func filterSorted[T model.Entity](s *EntityState[T], keep func(T) bool) []T {
	var out []T
	for _, id := range s.allIDs {
		if v := s.byID[id]; keep(v) {
			out = append(out, v)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RemoteUpdatedAt().After(out[j].RemoteUpdatedAt())
	})
	return out
}

// PurgeStats reports what PurgeStale removed.
type PurgeStats struct {
	Repositories  int `json:"repositories"`
	Issues        int `json:"issues"`
	PullRequests  int `json:"pull_requests"`
	WorkflowRuns  int `json:"workflow_runs"`
	Organizations int `json:"organizations"`
	Searches      int `json:"searches"`
}

// PurgeStale drops entities not fetched within threshold and search results
// older than searchTTL.
func (c *Cache) PurgeStale(threshold, searchTTL time.Duration) PurgeStats {
	stats := PurgeStats{
		Repositories:  len(c.Repos.PurgeStale(threshold)),
		Issues:        len(c.Issues.PurgeStale(threshold)),
		PullRequests:  len(c.PullRequests.PurgeStale(threshold)),
		WorkflowRuns:  len(c.WorkflowRuns.PurgeStale(threshold)),
		Organizations: len(c.Orgs.PurgeStale(threshold)),
	}

	if searchTTL > 0 {
		cutoff := c.now().Add(-searchTTL)
		c.mu.Lock()
		for k, r := range c.searches {
			if r.FetchedAt.Before(cutoff) {
				delete(c.searches, k)
				stats.Searches++
			}
		}
		c.mu.Unlock()
		if stats.Searches > 0 {
			c.w.purgeSearches(cutoff)
		}
	}
	return stats
}

// ClearAll empties every collection, scope and search result, in memory and
// in the store. Every lock is held while the store clear is queued, so a
// concurrent write lands either before the clear or after it in both places.
func (c *Cache) ClearAll() {
	c.Repos.mu.Lock()
	c.Issues.mu.Lock()
	c.PullRequests.mu.Lock()
	c.WorkflowRuns.mu.Lock()
	c.Orgs.mu.Lock()
	c.mu.Lock()

	c.Repos.clearLocked()
	c.Issues.clearLocked()
	c.PullRequests.clearLocked()
	c.WorkflowRuns.clearLocked()
	c.Orgs.clearLocked()
	c.scopes = map[string]model.ScopeMeta{}
	c.searches = map[searchKey]model.SearchResult{}
	c.w.clear()

	c.mu.Unlock()
	c.Orgs.mu.Unlock()
	c.WorkflowRuns.mu.Unlock()
	c.PullRequests.mu.Unlock()
	c.Issues.mu.Unlock()
	c.Repos.mu.Unlock()
	c.logger.Info("Cache cleared")
}

// Flush waits for pending store writes.
func (c *Cache) Flush(ctx context.Context) error {
	return c.w.flush(ctx)
}

// Close drains pending writes. It does not close the store.
func (c *Cache) Close() {
	c.w.close()
}
