package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github-mirror/internal/cache"
	"github-mirror/internal/credentials"
	"github-mirror/internal/environment"
	custom_errors "github-mirror/internal/errors"
	"github-mirror/internal/github"
	"github-mirror/internal/model"
	"github-mirror/internal/pinned"
	"github-mirror/internal/queue"
	"github-mirror/internal/ratelimit"
	"github-mirror/internal/schedule"
)

const (
	DefaultBackgroundInterval = 30 * time.Second
	DefaultVisibilityCooldown = 30 * time.Second
)

// Fetcher is the conditional fetch client as seen by the syncer.
type Fetcher interface {
	CurrentUser(ctx context.Context, etag string) (github.Result[model.User], error)
	ListOrganizations(ctx context.Context, etag string) (github.Result[[]model.Organization], error)
	ListRepositories(ctx context.Context, affiliation, etag string) (github.Result[[]model.Repository], error)
	ListOrganizationRepositories(ctx context.Context, org, etag string) (github.Result[[]model.Repository], error)
	SearchIssues(ctx context.Context, q, etag string) (github.Result[github.SearchPage[model.Issue]], error)
	SearchPullRequests(ctx context.Context, q, etag string) (github.Result[github.SearchPage[model.PullRequest]], error)
	ListWorkflowRuns(ctx context.Context, owner, repo, etag string) (github.Result[[]model.WorkflowRun], error)
	FetchRateLimit(ctx context.Context) (github.Rate, error)
	Reset()
}

var _ Fetcher = (*github.Client)(nil)

type Status string

const (
	StatusIdle        Status = "idle"
	StatusSyncing     Status = "syncing"
	StatusRateLimited Status = "rate-limited"
	StatusError       Status = "error"
	StatusOffline     Status = "offline"
)

// State is the externally visible sync status.
type State struct {
	Status        Status    `json:"status"`
	LastSyncAt    time.Time `json:"last_sync_at"`
	Error         string    `json:"error,omitempty"`
	IsDegraded    bool      `json:"is_degraded"`
	IsRateLimited bool      `json:"is_rate_limited"`
	PendingJobs   int       `json:"pending_jobs"`
}

type Config struct {
	BackgroundInterval time.Duration
	VisibilityCooldown time.Duration
	// PurgeAfter drops entities not refetched for this long. Zero disables purging.
	PurgeAfter time.Duration
	SearchTTL  time.Duration
}

// Deps are the collaborators a Syncer drives.
type Deps struct {
	Cache       *cache.Cache
	Queue       *queue.Queue
	Tracker     *ratelimit.Tracker
	Fetcher     Fetcher
	Credentials credentials.Provider
	Env         environment.Signals
	Pinned      *pinned.List
	Scheduler   schedule.Scheduler
}

// Syncer orchestrates bootstrap, background revalidation and targeted fetches.
type Syncer struct {
	cache   *cache.Cache
	queue   *queue.Queue
	tracker *ratelimit.Tracker
	fetcher Fetcher
	creds   credentials.Provider
	env     environment.Signals
	pinned  *pinned.List
	sched   schedule.Scheduler
	cfg     Config
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu                 sync.Mutex
	state              State
	initialized        bool
	bootstrapped       bool
	destroyed          bool
	onComplete         func(State)
	login              string
	bgCancel           schedule.Cancel
	unsubscribe        []func()
	lastVisibilitySync time.Time
}

// NewSyncer creates a new Syncer instance.
func NewSyncer(deps Deps, cfg Config, logger *slog.Logger) *Syncer {
	if cfg.BackgroundInterval <= 0 {
		cfg.BackgroundInterval = DefaultBackgroundInterval
	}
	if cfg.VisibilityCooldown <= 0 {
		cfg.VisibilityCooldown = DefaultVisibilityCooldown
	}
	if deps.Pinned == nil {
		deps.Pinned = pinned.NewList(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Syncer{
		cache:   deps.Cache,
		queue:   deps.Queue,
		tracker: deps.Tracker,
		fetcher: deps.Fetcher,
		creds:   deps.Credentials,
		env:     deps.Env,
		pinned:  deps.Pinned,
		sched:   deps.Scheduler,
		cfg:     cfg,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		state:   State{Status: StatusIdle},
	}
	s.queue.OnDrop(s.handleDrop)
	s.pinned.OnPin(func(r pinned.Repo) {
		if s.isActive() {
			s.FetchWorkflowsForRepositories([]pinned.Repo{r})
		}
	})
	return s
}

// Initialize restores the cache, bootstraps and starts background sync.
// Without a credential it does nothing. Repeated calls only replace onComplete.
func (s *Syncer) Initialize(ctx context.Context, onComplete func(State)) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		s.logger.Warn("Initialize called on a destroyed syncer")
		return nil
	}
	if s.initialized {
		s.onComplete = onComplete
		s.mu.Unlock()
		return nil
	}
	if s.creds.Token() == "" {
		s.mu.Unlock()
		s.logger.Info("No GitHub credential, sync not started")
		return nil
	}
	s.initialized = true
	s.onComplete = onComplete
	s.unsubscribe = append(s.unsubscribe,
		s.env.OnNetworkChange(s.handleNetworkChange),
		s.env.OnVisibilityChange(s.handleVisibilityChange),
	)
	s.mu.Unlock()

	s.logger.Info("Initializing syncer", "background_interval", s.cfg.BackgroundInterval.String())
	if err := s.cache.Load(ctx); err != nil {
		s.logger.Warn("Failed to restore cache, starting empty", "error", err)
	}
	if _, err := s.fetcher.FetchRateLimit(ctx); err != nil {
		s.logger.Warn("Failed to fetch rate limit", "error", err)
	}

	var err error
	if s.env.IsOnline() {
		err = s.bootstrap(ctx)
	} else {
		s.transition(func(st *State) { st.Status = StatusOffline })
	}
	s.startBackground()
	return err
}

// Destroy stops timers, unsubscribes from the environment, clears the queue
// and resets the fetch client. It is safe to call more than once.
func (s *Syncer) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	if s.bgCancel != nil {
		s.bgCancel()
		s.bgCancel = nil
	}
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	for _, u := range unsubscribe {
		u()
	}
	s.queue.Clear()
	s.fetcher.Reset()
	s.cancel()
	s.logger.Info("Syncer destroyed")
}

// State returns a copy of the sync status.
func (s *Syncer) State() State {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	st.IsRateLimited = s.tracker.IsRateLimited()
	st.PendingJobs = s.queue.Len()
	return st
}

// Login is the login the mirror runs as.
func (s *Syncer) Login() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.login != "" {
		return s.login
	}
	return s.creds.Login()
}

// Refresh runs a full priority fetch and enqueues the deferred fetch. It
// returns ErrSyncInProgress while another bootstrap is running.
func (s *Syncer) Refresh(ctx context.Context) error {
	if s.creds.Token() == "" {
		return custom_errors.ErrNoCredential
	}
	if s.tracker.IsRateLimited() {
		return &custom_errors.ErrRateLimited{ResetIn: s.tracker.TimeUntilReset()}
	}
	return s.bootstrap(ctx)
}

// FetchWorkflowsForRepositories enqueues one HIGH job per repository. A
// failing repository is logged and recorded but never fails its siblings.
func (s *Syncer) FetchWorkflowsForRepositories(repos []pinned.Repo) []string {
	ids := make([]string, 0, len(repos))
	for _, r := range repos {
		ids = append(ids, s.enqueueWorkflows(r))
	}
	return ids
}

func (s *Syncer) enqueueWorkflows(r pinned.Repo) string {
	return s.queue.Enqueue(queue.JobSpec{
		Priority:   ratelimit.High,
		EntityType: "scope",
		EntityID:   workflowsScope(r.FullName()),
		Execute: func(ctx context.Context) error {
			if err := s.fetchWorkflows(ctx, r); err != nil {
				s.logger.Warn("Workflow fetch failed", "repo", r.FullName(), "error", err)
			}
			return nil
		},
	})
}

func (s *Syncer) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized && !s.destroyed
}

func (s *Syncer) transition(fn func(*State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
}

func (s *Syncer) status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Status
}

// beginSync moves to syncing unless a bootstrap already holds that status.
func (s *Syncer) beginSync() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Status == StatusSyncing {
		return false
	}
	s.state.Status = StatusSyncing
	s.state.Error = ""
	return true
}

func (s *Syncer) hasBootstrapped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bootstrapped
}

func (s *Syncer) notifyComplete() {
	s.mu.Lock()
	cb := s.onComplete
	s.mu.Unlock()
	if cb != nil {
		cb(s.State())
	}
}

// bootstrap runs the priority fetch and enqueues the deferred fetch.
func (s *Syncer) bootstrap(ctx context.Context) error {
	logger := s.logger.With("run_id", uuid.NewString())
	if !s.beginSync() {
		logger.Info("Bootstrap already running")
		return custom_errors.ErrSyncInProgress
	}
	logger.Info("Starting bootstrap")

	if err := s.priorityFetch(ctx, logger); err != nil {
		logger.Error("Bootstrap failed", "error", err)
		s.transition(func(st *State) {
			st.Status = StatusError
			st.Error = err.Error()
		})
		s.notifyComplete()
		return err
	}

	s.deferredFetch(logger)
	s.FetchWorkflowsForRepositories(s.pinned.Repos())

	now := s.sched.Now()
	s.mu.Lock()
	s.bootstrapped = true
	s.state.Status = StatusIdle
	s.state.LastSyncAt = now
	s.state.IsDegraded = false
	s.mu.Unlock()
	logger.Info("Bootstrap complete", "pending_jobs", s.queue.Len())
	s.notifyComplete()
	return nil
}

// priorityFetch loads what a first render needs: user, organizations, then
// issue and pull request searches, the latter in parallel.
func (s *Syncer) priorityFetch(ctx context.Context, logger *slog.Logger) error {
	if !s.tracker.CanFetch(ratelimit.Critical) {
		return &custom_errors.ErrRateLimited{ResetIn: s.tracker.TimeUntilReset()}
	}
	if err := s.fetchUser(ctx); err != nil {
		return err
	}
	login := s.Login()
	if login == "" {
		return fmt.Errorf("current user login is unknown")
	}
	if err := s.fetchOrgs(ctx); err != nil {
		return err
	}
	if err := s.fetchIssues(ctx, scopeIssues, issuesQuery(login)); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, ps := range pullSearches(login) {
		ps := ps
		g.Go(func() error {
			return s.fetchPulls(gctx, ps, login)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Priority fetch complete",
		"issues", s.cache.Issues.State().Len(),
		"pull_requests", s.cache.PullRequests.State().Len(),
		"organizations", s.cache.Orgs.State().Len(),
	)
	return nil
}

// deferredFetch enqueues the bulk repository listings.
func (s *Syncer) deferredFetch(logger *slog.Logger) {
	orgs := s.enqueueRepoListings(ratelimit.Normal)
	logger.Debug("Deferred fetch enqueued", "organizations", orgs)
}

// enqueueRepoListings enqueues one job per affiliation at p and one LOW job
// per cached organization. It returns the number of organizations.
func (s *Syncer) enqueueRepoListings(p ratelimit.Priority) int {
	for _, aff := range []string{github.AffiliationOwner, github.AffiliationCollaborator, github.AffiliationMember} {
		aff := aff
		s.enqueue(p, reposScope(aff), func(ctx context.Context) error {
			return s.fetchRepos(ctx, aff)
		})
	}
	orgs := s.cache.Orgs.State().All()
	for _, org := range orgs {
		org := org
		s.enqueue(ratelimit.Low, orgReposScope(org.Login), func(ctx context.Context) error {
			return s.fetchOrgRepos(ctx, org.Login)
		})
	}
	return len(orgs)
}

// enqueue wraps fn so a success stamps LastSyncAt.
func (s *Syncer) enqueue(p ratelimit.Priority, scope string, fn func(context.Context) error) string {
	return s.queue.Enqueue(queue.JobSpec{
		Priority:   p,
		EntityType: "scope",
		EntityID:   scope,
		Execute: func(ctx context.Context) error {
			if err := fn(ctx); err != nil {
				return err
			}
			now := s.sched.Now()
			s.transition(func(st *State) { st.LastSyncAt = now })
			return nil
		},
	})
}

func (s *Syncer) handleDrop(job queue.Job, err error) {
	if job.EntityType == "scope" {
		s.cache.RecordScopeError(job.EntityID, err)
	}
}

func (s *Syncer) startBackground() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed || s.bgCancel != nil {
		return
	}
	s.bgCancel = s.sched.Schedule(s.cfg.BackgroundInterval, s.backgroundTick)
}

func (s *Syncer) backgroundTick() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.bgCancel = s.sched.Schedule(s.cfg.BackgroundInterval, s.backgroundTick)
	s.mu.Unlock()

	s.backgroundSync(s.ctx, "timer")
}

// backgroundSync re-issues the priority requests and repository listings as
// LOW jobs, then purges stale entries. ETags make unchanged scopes cost a 304.
// Until a bootstrap has succeeded it bootstraps instead.
func (s *Syncer) backgroundSync(ctx context.Context, reason string) {
	logger := s.logger.With("trigger", reason)
	if s.env.IsHidden() {
		logger.Debug("Background sync skipped, hidden")
		return
	}

	switch s.status() {
	case StatusOffline:
		logger.Debug("Background sync skipped, offline")
		return
	case StatusSyncing:
		logger.Debug("Background sync skipped, bootstrap in progress")
		return
	case StatusError:
		logger.Info("Retrying bootstrap after error")
		_ = s.bootstrap(ctx)
		return
	}

	if s.tracker.IsRateLimited() {
		logger.Warn("Background sync skipped, rate limited", "reset_in", s.tracker.TimeUntilReset().String())
		s.transition(func(st *State) {
			st.Status = StatusRateLimited
			st.IsDegraded = true
		})
		return
	}
	s.transition(func(st *State) {
		if st.Status == StatusRateLimited {
			st.Status = StatusIdle
			st.IsDegraded = false
		}
	})

	if !s.hasBootstrapped() {
		logger.Info("No successful bootstrap yet, bootstrapping")
		_ = s.bootstrap(ctx)
		return
	}

	login := s.Login()
	s.enqueue(ratelimit.Low, scopeUser, s.fetchUser)
	s.enqueue(ratelimit.Low, scopeOrgs, s.fetchOrgs)
	s.enqueue(ratelimit.Low, scopeIssues, func(ctx context.Context) error {
		return s.fetchIssues(ctx, scopeIssues, issuesQuery(login))
	})
	for _, ps := range pullSearches(login) {
		ps := ps
		s.enqueue(ratelimit.Low, ps.scope, func(ctx context.Context) error {
			return s.fetchPulls(ctx, ps, login)
		})
	}
	s.enqueue(ratelimit.Low, scopeClosedSweep, func(ctx context.Context) error {
		return s.sweepClosed(ctx, login)
	})
	s.enqueueRepoListings(ratelimit.Low)
	s.FetchWorkflowsForRepositories(s.pinned.Repos())

	// Jobs read their ETags when they run, after the purge below.
	if s.cfg.PurgeAfter > 0 {
		stats := s.cache.PurgeStale(s.cfg.PurgeAfter, s.cfg.SearchTTL)
		forgotten := s.forgetPurged(stats)
		logger.Debug("Purged stale cache entries", "stats", stats, "etags_dropped", forgotten)
	}
	logger.Debug("Background sync enqueued", "pending_jobs", s.queue.Len())
}

// forgetPurged drops the ETags of the scopes and searches that produced the
// purged entities, so their next request is unconditional and a 304 cannot
// leave them missing.
func (s *Syncer) forgetPurged(stats cache.PurgeStats) int {
	var prefixes []string
	if stats.Repositories > 0 {
		prefixes = append(prefixes, prefixRepos, prefixOrgRepos)
	}
	if stats.WorkflowRuns > 0 {
		prefixes = append(prefixes, prefixWorkflows)
	}
	n := 0
	if len(prefixes) > 0 || stats.Organizations > 0 {
		n += s.cache.ForgetScopeETags(func(scope string) bool {
			if scope == scopeOrgs {
				return stats.Organizations > 0
			}
			for _, p := range prefixes {
				if strings.HasPrefix(scope, p) {
					return true
				}
			}
			return false
		})
	}
	if stats.Issues > 0 {
		n += s.cache.ForgetSearchETags(model.KindIssue)
	}
	if stats.PullRequests > 0 {
		n += s.cache.ForgetSearchETags(model.KindPullRequest)
	}
	return n
}

func (s *Syncer) handleVisibilityChange(hidden bool) {
	if hidden {
		return
	}
	s.mu.Lock()
	now := s.sched.Now()
	if !s.lastVisibilitySync.IsZero() && now.Sub(s.lastVisibilitySync) < s.cfg.VisibilityCooldown {
		s.mu.Unlock()
		s.logger.Debug("Visibility revalidation skipped, cooling down")
		return
	}
	s.lastVisibilitySync = now
	s.mu.Unlock()

	s.sched.Schedule(0, func() { s.backgroundSync(s.ctx, "visible") })
}

func (s *Syncer) handleNetworkChange(online bool) {
	if !online {
		s.logger.Warn("Network lost, sync paused")
		s.transition(func(st *State) { st.Status = StatusOffline })
		return
	}
	s.logger.Info("Network restored, revalidating")
	s.transition(func(st *State) {
		if st.Status == StatusOffline {
			st.Status = StatusIdle
		}
	})
	s.sched.Schedule(0, func() { s.backgroundSync(s.ctx, "online") })
}
