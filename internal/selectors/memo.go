package selectors

import (
	"sync"
	"time"

	"github-mirror/internal/cache"
	"github-mirror/internal/model"
	"github-mirror/internal/pinned"
)

// inputs is one consistent read of everything a view depends on.
type inputs struct {
	repos  []model.Repository
	issues []model.Issue
	prs    []model.PullRequest
	runs   []model.WorkflowRun
	pins   []pinned.Repo
	login  string
	now    time.Time
}

type memoKey struct {
	repos, issues, prs, runs uint64
	pinned                   uint64
	login                    string
	minute                   int64
	limit                    int
}

type memoEntry struct {
	key   memoKey
	value any
}

// Selectors memoizes views over a cache. A view is recomputed only when a
// collection it reads, the login, the pinned list or the wall-clock minute
// changes. Returned values are shared between callers and must not be mutated.
type Selectors struct {
	cache  *cache.Cache
	pinned *pinned.List
	login  func() string
	now    func() time.Time

	mu   sync.Mutex
	memo map[string]memoEntry
}

func New(c *cache.Cache, pins *pinned.List, login func() string, now func() time.Time) *Selectors {
	if now == nil {
		now = time.Now
	}
	return &Selectors{cache: c, pinned: pins, login: login, now: now, memo: map[string]memoEntry{}}
}

func (s *Selectors) snapshot() (memoKey, func() inputs) {
	repos := s.cache.Repos.State()
	issues := s.cache.Issues.State()
	prs := s.cache.PullRequests.State()
	runs := s.cache.WorkflowRuns.State()
	now := s.now()
	login := s.login()
	key := memoKey{
		repos:  repos.Version(),
		issues: issues.Version(),
		prs:    prs.Version(),
		runs:   runs.Version(),
		pinned: s.pinned.Version(),
		login:  login,
		minute: now.Unix() / 60,
	}
	load := func() inputs {
		return inputs{
			repos:  repos.All(),
			issues: issues.All(),
			prs:    prs.All(),
			runs:   runs.All(),
			pins:   s.pinned.Repos(),
			login:  login,
			now:    now,
		}
	}
	return key, load
}

func memoize[T any](s *Selectors, name string, limit int, compute func(inputs) T) T {
	key, load := s.snapshot()
	key.limit = limit

	s.mu.Lock()
	if e, ok := s.memo[name]; ok && e.key == key {
		s.mu.Unlock()
		return e.value.(T)
	}
	s.mu.Unlock()

	v := compute(load())

	s.mu.Lock()
	s.memo[name] = memoEntry{key: key, value: v}
	s.mu.Unlock()
	return v
}

func (s *Selectors) IssuesNeedingAttention() []model.Issue {
	return memoize(s, "attention", 0, func(in inputs) []model.Issue {
		return IssuesNeedingAttention(in.issues, in.login, in.now)
	})
}

func (s *Selectors) PRsNeedingReview() []model.PullRequest {
	return memoize(s, "reviews", 0, func(in inputs) []model.PullRequest {
		return PRsNeedingReview(in.prs, in.login)
	})
}

func (s *Selectors) MyOpenPRs() []model.PullRequest {
	return memoize(s, "my-pulls", 0, func(in inputs) []model.PullRequest {
		return MyOpenPRs(in.prs, in.login)
	})
}

func (s *Selectors) IssuesByRepository() map[string][]model.Issue {
	return memoize(s, "issues-by-repo", 0, func(in inputs) map[string][]model.Issue {
		return IssuesByRepository(in.issues)
	})
}

func (s *Selectors) RecentRepositories(limit int) []model.Repository {
	return memoize(s, "recent-repos", limit, func(in inputs) []model.Repository {
		return RecentRepositories(in.repos, limit)
	})
}

func (s *Selectors) CIAlerts() []CIAlert {
	return memoize(s, "ci-alerts", 0, func(in inputs) []CIAlert {
		return CIAlerts(in.runs, in.pins)
	})
}

func (s *Selectors) DashboardMetrics() DashboardMetrics {
	return memoize(s, "metrics", 0, func(in inputs) DashboardMetrics {
		return ComputeDashboardMetrics(in.repos, in.issues, in.prs, in.runs, in.login, in.now)
	})
}

func (s *Selectors) ActivityFeed(limit int) []ActivityItem {
	return memoize(s, "activity", limit, func(in inputs) []ActivityItem {
		return ActivityFeed(in.issues, in.prs, in.login, in.now, limit)
	})
}

func (s *Selectors) PinnedEnriched() []PinnedRepository {
	return memoize(s, "pinned", 0, func(in inputs) []PinnedRepository {
		return PinnedEnriched(in.pins, in.repos, in.runs, in.issues, in.login, in.now)
	})
}

func (s *Selectors) Notifications(limit int) []Notification {
	return memoize(s, "notifications", limit, func(in inputs) []Notification {
		return Notifications(in.issues, in.prs, CIAlerts(in.runs, in.pins), in.login, limit)
	})
}

// RepositoryState scores one cached repository. It is not memoized.
func (s *Selectors) RepositoryState(fullName string) (RepositoryState, bool) {
	for _, r := range s.cache.Repos.State().All() {
		if r.FullName == fullName {
			return ComputeRepositoryState(r, s.cache.WorkflowRunsByRepository(fullName), s.cache.IssuesByRepository(fullName), s.login(), s.now()), true
		}
	}
	return RepositoryState{}, false
}
