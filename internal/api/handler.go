// internal/api/handler.go
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github-mirror/internal/cache"
	"github-mirror/internal/environment"
	custom_errors "github-mirror/internal/errors"
	"github-mirror/internal/model"
	"github-mirror/internal/pinned"
	"github-mirror/internal/ratelimit"
	"github-mirror/internal/selectors"
	"github-mirror/internal/syncer"
)

// SyncService is the part of the syncer the API drives.
type SyncService interface {
	State() syncer.State
	Refresh(ctx context.Context) error
	FetchWorkflowsForRepositories(repos []pinned.Repo) []string
}

// Deps are the components the API reads from and writes to.
type Deps struct {
	Sync      SyncService
	Cache     *cache.Cache
	Selectors *selectors.Selectors
	Tracker   *ratelimit.Tracker
	Pinned    *pinned.List
	Env       *environment.State
}

// Handler is the container for API dependencies.
type Handler struct {
	Deps
	logger *slog.Logger
}

// NewRouter creates and configures a new chi router with all API routes.
func NewRouter(deps Deps, logger *slog.Logger) http.Handler {
	h := &Handler{Deps: deps, logger: logger}

	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", h.healthCheck)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/sync/status", h.getSyncStatus)
		r.Post("/sync/refresh", h.refresh)
		r.Post("/sync/workflows", h.fetchWorkflows)

		r.Get("/repos", h.getRepositories)
		r.Get("/repos/{owner}/{name}", h.getRepository)
		r.Get("/issues", h.getIssues)
		r.Get("/pulls", h.getPullRequests)
		r.Get("/runs", h.getWorkflowRuns)
		r.Get("/orgs", h.getOrganizations)

		r.Route("/views", func(r chi.Router) {
			r.Get("/attention", h.getAttention)
			r.Get("/reviews", h.getReviews)
			r.Get("/my-pulls", h.getMyPulls)
			r.Get("/issues-by-repo", h.getIssuesByRepository)
			r.Get("/recent-repos", h.getRecentRepositories)
			r.Get("/ci-alerts", h.getCIAlerts)
			r.Get("/metrics", h.getMetrics)
			r.Get("/activity", h.getActivity)
			r.Get("/pinned", h.getPinnedEnriched)
			r.Get("/notifications", h.getNotifications)
		})

		r.Get("/pinned", h.getPinned)
		r.Post("/pinned", h.pin)
		r.Delete("/pinned/{owner}/{name}", h.unpin)

		r.Delete("/cache", h.clearCache)

		r.Post("/env/visibility", h.setVisibility)
		r.Post("/env/network", h.setNetwork)
	})

	return r
}

// healthCheck is a simple health endpoint.
func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type syncStatus struct {
	Sync      syncer.State      `json:"sync"`
	RateLimit ratelimit.State   `json:"rate_limit"`
	Scopes    []model.ScopeMeta `json:"scopes"`
}

// GET /v1/sync/status
func (h *Handler) getSyncStatus(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, syncStatus{
		Sync:      h.Sync.State(),
		RateLimit: h.Tracker.Snapshot(),
		Scopes:    h.Cache.Scopes(),
	})
}

// refresh runs a manual priority fetch.
// POST /v1/sync/refresh
func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	err := h.Sync.Refresh(r.Context())
	var rl *custom_errors.ErrRateLimited
	switch {
	case err == nil:
		respondWithJSON(w, http.StatusOK, h.Sync.State())
	case errors.As(err, &rl):
		w.Header().Set("Retry-After", strconv.Itoa(int(rl.ResetIn.Seconds())))
		respondWithError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, custom_errors.ErrNoCredential):
		respondWithError(w, http.StatusServiceUnavailable, "No GitHub credential configured")
	case errors.Is(err, custom_errors.ErrSyncInProgress):
		respondWithError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("Manual refresh failed", "error", err)
		respondWithError(w, http.StatusBadGateway, err.Error())
	}
}

type workflowsRequest struct {
	Repos []string `json:"repos"`
}

// fetchWorkflows enqueues workflow fetches for the given repositories, or
// for every pinned repository when none are given.
// POST /v1/sync/workflows
func (h *Handler) fetchWorkflows(w http.ResponseWriter, r *http.Request) {
	var req workflowsRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			respondWithError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	repos := h.Pinned.Repos()
	if len(req.Repos) > 0 {
		parsed, err := pinned.ParseRepos(req.Repos)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		repos = parsed
	}

	ids := h.Sync.FetchWorkflowsForRepositories(repos)
	respondWithJSON(w, http.StatusAccepted, map[string][]string{"job_ids": ids})
}

// GET /v1/repos
func (h *Handler) getRepositories(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.Cache.Repos.State().All())
}

type repositoryDetail struct {
	Repository   model.Repository          `json:"repository"`
	State        selectors.RepositoryState `json:"state"`
	Issues       []model.Issue             `json:"issues"`
	PullRequests []model.PullRequest       `json:"pull_requests"`
	WorkflowRuns []model.WorkflowRun       `json:"workflow_runs"`
}

// GET /v1/repos/{owner}/{name}
func (h *Handler) getRepository(w http.ResponseWriter, r *http.Request) {
	fullName := chi.URLParam(r, "owner") + "/" + chi.URLParam(r, "name")

	var found *model.Repository
	for _, repo := range h.Cache.Repos.State().All() {
		if strings.EqualFold(repo.FullName, fullName) {
			found = &repo
			break
		}
	}
	if found == nil {
		respondWithError(w, http.StatusNotFound, "Repository not found")
		return
	}

	st, _ := h.Selectors.RepositoryState(found.FullName)
	respondWithJSON(w, http.StatusOK, repositoryDetail{
		Repository:   *found,
		State:        st,
		Issues:       h.Cache.IssuesByRepository(found.FullName),
		PullRequests: h.Cache.PullRequestsByRepository(found.FullName),
		WorkflowRuns: h.Cache.WorkflowRunsByRepository(found.FullName),
	})
}

// GET /v1/issues?repo=owner/name&state=open
func (h *Handler) getIssues(w http.ResponseWriter, r *http.Request) {
	repo, state := r.URL.Query().Get("repo"), r.URL.Query().Get("state")
	items := h.Cache.Issues.State().All()
	if repo != "" {
		items = h.Cache.IssuesByRepository(repo)
	}
	respondWithJSON(w, http.StatusOK, filter(items, func(i model.Issue) bool { return state == "" || i.State == state }))
}

// GET /v1/pulls?repo=owner/name&state=open
func (h *Handler) getPullRequests(w http.ResponseWriter, r *http.Request) {
	repo, state := r.URL.Query().Get("repo"), r.URL.Query().Get("state")
	items := h.Cache.PullRequests.State().All()
	if repo != "" {
		items = h.Cache.PullRequestsByRepository(repo)
	}
	respondWithJSON(w, http.StatusOK, filter(items, func(p model.PullRequest) bool { return state == "" || p.State == state }))
}

// GET /v1/runs?repo=owner/name
func (h *Handler) getWorkflowRuns(w http.ResponseWriter, r *http.Request) {
	if repo := r.URL.Query().Get("repo"); repo != "" {
		respondWithJSON(w, http.StatusOK, nonNil(h.Cache.WorkflowRunsByRepository(repo)))
		return
	}
	respondWithJSON(w, http.StatusOK, h.Cache.WorkflowRuns.State().All())
}

// GET /v1/orgs
func (h *Handler) getOrganizations(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.Cache.Orgs.State().All())
}

func (h *Handler) getAttention(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.Selectors.IssuesNeedingAttention())
}

func (h *Handler) getReviews(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.Selectors.PRsNeedingReview())
}

func (h *Handler) getMyPulls(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.Selectors.MyOpenPRs())
}

func (h *Handler) getIssuesByRepository(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.Selectors.IssuesByRepository())
}

// GET /v1/views/recent-repos?limit=N
func (h *Handler) getRecentRepositories(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, 10)
	if !ok {
		return
	}
	respondWithJSON(w, http.StatusOK, nonNil(h.Selectors.RecentRepositories(limit)))
}

func (h *Handler) getCIAlerts(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.Selectors.CIAlerts())
}

func (h *Handler) getMetrics(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.Selectors.DashboardMetrics())
}

// GET /v1/views/activity?limit=N
func (h *Handler) getActivity(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, 20)
	if !ok {
		return
	}
	respondWithJSON(w, http.StatusOK, h.Selectors.ActivityFeed(limit))
}

func (h *Handler) getPinnedEnriched(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.Selectors.PinnedEnriched())
}

// GET /v1/views/notifications?limit=N
func (h *Handler) getNotifications(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, 10)
	if !ok {
		return
	}
	respondWithJSON(w, http.StatusOK, h.Selectors.Notifications(limit))
}

// GET /v1/pinned
func (h *Handler) getPinned(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.Pinned.Repos())
}

type pinRequest struct {
	Repo string `json:"repo"`
}

// POST /v1/pinned
func (h *Handler) pin(w http.ResponseWriter, r *http.Request) {
	var req pinRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	repo, err := pinned.ParseRepo(req.Repo)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	status := http.StatusOK
	if h.Pinned.Pin(repo) {
		status = http.StatusCreated
		h.logger.Info("Repository pinned", "repo", repo.FullName())
	}
	respondWithJSON(w, status, repo)
}

// DELETE /v1/pinned/{owner}/{name}
func (h *Handler) unpin(w http.ResponseWriter, r *http.Request) {
	repo := pinned.Repo{Owner: chi.URLParam(r, "owner"), Name: chi.URLParam(r, "name")}
	if !h.Pinned.Unpin(repo) {
		respondWithError(w, http.StatusNotFound, "Repository is not pinned")
		return
	}
	h.logger.Info("Repository unpinned", "repo", repo.FullName())
	w.WriteHeader(http.StatusNoContent)
}

// clearCache empties the mirror, in memory and in the store.
// DELETE /v1/cache
func (h *Handler) clearCache(w http.ResponseWriter, r *http.Request) {
	h.Cache.ClearAll()
	w.WriteHeader(http.StatusNoContent)
}

// POST /v1/env/visibility {"hidden": true}
func (h *Handler) setVisibility(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Hidden *bool `json:"hidden"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Hidden == nil {
		respondWithError(w, http.StatusBadRequest, "Body must be {\"hidden\": bool}")
		return
	}
	h.Env.SetHidden(*req.Hidden)
	w.WriteHeader(http.StatusNoContent)
}

// POST /v1/env/network {"online": false}
func (h *Handler) setNetwork(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Online *bool `json:"online"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Online == nil {
		respondWithError(w, http.StatusBadRequest, "Body must be {\"online\": bool}")
		return
	}
	h.Env.SetOnline(*req.Online)
	w.WriteHeader(http.StatusNoContent)
}

// parseLimit reads ?limit, writing a 400 when it is not between 1 and 100.
func parseLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return def, true
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit <= 0 || limit > 100 {
		respondWithError(w, http.StatusBadRequest, "Invalid 'limit' parameter. Must be an integer between 1 and 100.")
		return 0, false
	}
	return limit, true
}

func filter[T any](items []T, keep func(T) bool) []T {
	out := []T{}
	for _, it := range items {
		if keep(it) {
			out = append(out, it)
		}
	}
	return out
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
