// Package selectors derives read-side views from cached entities. Every
// function here is pure: it reads its arguments and the given time only.
package selectors

import (
	"cmp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github-mirror/internal/model"
	"github-mirror/internal/pinned"
)

const (
	RecentWindow    = 24 * time.Hour
	StaleThreshold  = 14 * 24 * time.Hour
	ActiveWindow    = 30 * 24 * time.Hour
	ActivityWindow  = 14 * 24 * time.Hour
	MaxUrgency      = 5
	MaxCIAlerts     = 5
	busyCommentMark = 5
	busyIssueMark   = 5
)

type CIStatus string

const (
	CIPassing CIStatus = "passing"
	CIFailing CIStatus = "failing"
	CIPending CIStatus = "pending"
	CIUnknown CIStatus = "unknown"
)

// IssueState is the locally derived state of one issue.
type IssueState struct {
	NeedsAttention bool `json:"needs_attention"`
	IsStale        bool `json:"is_stale"`
	UrgencyScore   int  `json:"urgency_score"`
}

// RepositoryState is the locally derived state of one repository.
type RepositoryState struct {
	CIStatus               CIStatus `json:"ci_status"`
	IssuesNeedingAttention int      `json:"issues_needing_attention"`
	IsStale                bool     `json:"is_stale"`
	HealthScore            int      `json:"health_score"`
	NeedsAttention         bool     `json:"needs_attention"`
}

func hasLogin(actors []model.Actor, login string) bool {
	if login == "" {
		return false
	}
	return slices.ContainsFunc(actors, func(a model.Actor) bool { return strings.EqualFold(a.Login, login) })
}

// ComputeIssueState scores an issue for login. An issue needs attention when
// it is open, assigned to login and updated within RecentWindow.
func ComputeIssueState(issue model.Issue, login string, now time.Time) IssueState {
	age := now.Sub(issue.UpdatedAt)
	assigned := hasLogin(issue.Assignees, login)
	recent := age < RecentWindow

	score := 1
	if assigned {
		score++
	}
	if recent {
		score++
	}
	if issue.Comments > busyCommentMark {
		score++
	}
	if slices.ContainsFunc(issue.Labels, func(l model.Label) bool {
		return strings.Contains(strings.ToLower(l.Name), "urgent")
	}) {
		score++
	}

	return IssueState{
		NeedsAttention: issue.IsOpen() && assigned && recent,
		IsStale:        age > StaleThreshold,
		UrgencyScore:   min(score, MaxUrgency),
	}
}

// LatestRun returns the most recently created run.
func LatestRun(runs []model.WorkflowRun) (model.WorkflowRun, bool) {
	if len(runs) == 0 {
		return model.WorkflowRun{}, false
	}
	return slices.MaxFunc(runs, func(a, b model.WorkflowRun) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	}), true
}

// CIStatusOf derives CI status from the latest run.
func CIStatusOf(runs []model.WorkflowRun) CIStatus {
	latest, ok := LatestRun(runs)
	switch {
	case !ok:
		return CIUnknown
	case latest.Status != model.RunStatusCompleted:
		return CIPending
	case latest.Conclusion == model.ConclusionSuccess:
		return CIPassing
	default:
		return CIFailing
	}
}

// ComputeRepositoryState scores a repository from its own runs and issues.
// Runs and issues of other repositories are ignored.
func ComputeRepositoryState(repo model.Repository, runs []model.WorkflowRun, issues []model.Issue, login string, now time.Time) RepositoryState {
	var own []model.WorkflowRun
	for _, r := range runs {
		if r.RepositoryFullName == repo.FullName {
			own = append(own, r)
		}
	}
	attention := 0
	for _, i := range issues {
		if i.RepositoryFullName == repo.FullName && ComputeIssueState(i, login, now).NeedsAttention {
			attention++
		}
	}

	st := RepositoryState{
		CIStatus:               CIStatusOf(own),
		IssuesNeedingAttention: attention,
		IsStale:                now.Sub(repo.LastActivity()) > StaleThreshold,
	}
	score := 100
	if st.CIStatus == CIFailing {
		score -= 30
	}
	if st.IsStale {
		score -= 20
	}
	switch {
	case attention > busyIssueMark:
		score -= 20
	case attention > 0:
		score -= 10
	}
	st.HealthScore = max(score, 0)
	st.NeedsAttention = st.CIStatus == CIFailing || attention > 0
	return st
}

func byUpdatedDesc[T model.Entity](a, b T) int {
	return b.RemoteUpdatedAt().Compare(a.RemoteUpdatedAt())
}

// IssuesNeedingAttention returns attention issues, most urgent first.
func IssuesNeedingAttention(issues []model.Issue, login string, now time.Time) []model.Issue {
	type scored struct {
		issue model.Issue
		score int
	}
	var out []scored
	for _, i := range issues {
		if st := ComputeIssueState(i, login, now); st.NeedsAttention {
			out = append(out, scored{i, st.UrgencyScore})
		}
	}
	slices.SortStableFunc(out, func(a, b scored) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		return byUpdatedDesc(a.issue, b.issue)
	})
	res := make([]model.Issue, len(out))
	for i, s := range out {
		res[i] = s.issue
	}
	return res
}

// PRsNeedingReview returns open pull requests awaiting login's review.
func PRsNeedingReview(prs []model.PullRequest, login string) []model.PullRequest {
	return filterPRs(prs, func(p model.PullRequest) bool { return hasLogin(p.RequestedReviewers, login) })
}

// MyOpenPRs returns open pull requests authored by login.
func MyOpenPRs(prs []model.PullRequest, login string) []model.PullRequest {
	return filterPRs(prs, func(p model.PullRequest) bool {
		return login != "" && strings.EqualFold(p.Author.Login, login)
	})
}

func filterPRs(prs []model.PullRequest, keep func(model.PullRequest) bool) []model.PullRequest {
	out := []model.PullRequest{}
	for _, p := range prs {
		if p.IsOpen() && keep(p) {
			out = append(out, p)
		}
	}
	slices.SortStableFunc(out, byUpdatedDesc[model.PullRequest])
	return out
}

// IssuesByRepository groups issues by repository, newest first within a group.
func IssuesByRepository(issues []model.Issue) map[string][]model.Issue {
	grouped := map[string][]model.Issue{}
	for _, i := range issues {
		grouped[i.RepositoryFullName] = append(grouped[i.RepositoryFullName], i)
	}
	for _, g := range grouped {
		slices.SortStableFunc(g, byUpdatedDesc[model.Issue])
	}
	return grouped
}

// RecentRepositories returns up to limit repositories by last activity.
func RecentRepositories(repos []model.Repository, limit int) []model.Repository {
	out := slices.Clone(repos)
	slices.SortStableFunc(out, func(a, b model.Repository) int {
		return b.LastActivity().Compare(a.LastActivity())
	})
	return truncate(out, limit)
}

type CIAlert struct {
	ID         int64     `json:"id"`
	Repository string    `json:"repository"`
	Branch     string    `json:"branch"`
	Workflow   string    `json:"workflow"`
	Status     string    `json:"status"`
	URL        string    `json:"url"`
	CreatedAt  time.Time `json:"created_at"`
}

// CIAlerts lists failed or timed out runs of pinned repositories, newest first.
func CIAlerts(runs []model.WorkflowRun, pins []pinned.Repo) []CIAlert {
	pinnedNames := make(map[string]bool, len(pins))
	for _, p := range pins {
		pinnedNames[strings.ToLower(p.FullName())] = true
	}

	var failed []model.WorkflowRun
	for _, r := range runs {
		if !pinnedNames[strings.ToLower(r.RepositoryFullName)] || r.Status != model.RunStatusCompleted {
			continue
		}
		if r.Conclusion == model.ConclusionFailure || r.Conclusion == model.ConclusionTimedOut {
			failed = append(failed, r)
		}
	}
	slices.SortStableFunc(failed, func(a, b model.WorkflowRun) int { return b.CreatedAt.Compare(a.CreatedAt) })

	alerts := []CIAlert{}
	for _, r := range truncate(failed, MaxCIAlerts) {
		status := "failure"
		if r.Conclusion == model.ConclusionTimedOut {
			status = "error"
		}
		alerts = append(alerts, CIAlert{
			ID:         r.ID,
			Repository: r.RepositoryFullName,
			Branch:     r.HeadBranch,
			Workflow:   r.Name,
			Status:     status,
			URL:        r.URL,
			CreatedAt:  r.CreatedAt,
		})
	}
	return alerts
}

type DashboardMetrics struct {
	ActiveRepos               int      `json:"active_repos"`
	OpenIssues                int      `json:"open_issues"`
	OpenPRs                   int      `json:"open_prs"`
	ReposWithOpenIssues       int      `json:"repos_with_open_issues"`
	ReposWithOpenIssuesList   []string `json:"repos_with_open_issues_list"`
	ReposNeedingAttention     int      `json:"repos_needing_attention"`
	ReposNeedingAttentionList []string `json:"repos_needing_attention_list"`
}

// ComputeDashboardMetrics counts over the whole cache. Repositories needing
// attention use the same rule as RepositoryState.NeedsAttention.
func ComputeDashboardMetrics(repos []model.Repository, issues []model.Issue, prs []model.PullRequest, runs []model.WorkflowRun, login string, now time.Time) DashboardMetrics {
	m := DashboardMetrics{ReposWithOpenIssuesList: []string{}, ReposNeedingAttentionList: []string{}}

	openByRepo := map[string]int{}
	for _, i := range issues {
		if i.IsOpen() {
			m.OpenIssues++
			openByRepo[i.RepositoryFullName]++
		}
	}
	for _, p := range prs {
		if p.IsOpen() {
			m.OpenPRs++
		}
	}
	for _, r := range repos {
		if now.Sub(r.LastActivity()) <= ActiveWindow {
			m.ActiveRepos++
		}
		if openByRepo[r.FullName] > 0 {
			m.ReposWithOpenIssuesList = append(m.ReposWithOpenIssuesList, r.FullName)
		}
		if ComputeRepositoryState(r, runs, issues, login, now).NeedsAttention {
			m.ReposNeedingAttentionList = append(m.ReposNeedingAttentionList, r.FullName)
		}
	}
	m.ReposWithOpenIssues = len(m.ReposWithOpenIssuesList)
	m.ReposNeedingAttention = len(m.ReposNeedingAttentionList)
	return m
}

type ActivityItem struct {
	ID                string        `json:"id"`
	Type              string        `json:"type"`
	Title             string        `json:"title"`
	Description       string        `json:"description"`
	Repository        string        `json:"repository"`
	URL               string        `json:"url"`
	State             string        `json:"state"`
	Author            model.Actor   `json:"author"`
	Labels            []model.Label `json:"labels,omitempty"`
	Comments          int           `json:"comments"`
	UpdatedAt         time.Time     `json:"updated_at"`
	IsAssignedToYou   bool          `json:"is_assigned_to_you"`
	IsReviewRequested bool          `json:"is_review_requested"`
	IsDraft           bool          `json:"is_draft"`
}

// ActivityFeed merges issues and pull requests updated within ActivityWindow
// into one timeline. Entries sharing repository and title collapse to the
// most recently updated one.
func ActivityFeed(issues []model.Issue, prs []model.PullRequest, login string, now time.Time, limit int) []ActivityItem {
	cutoff := now.Add(-ActivityWindow)
	var items []ActivityItem

	for _, i := range issues {
		if !i.UpdatedAt.After(cutoff) {
			continue
		}
		assigned := hasLogin(i.Assignees, login)
		items = append(items, ActivityItem{
			ID:              "issue-" + strconv.FormatInt(i.ID, 10),
			Type:            "issue",
			Title:           i.Title,
			Description:     issueDescription(i, assigned),
			Repository:      i.RepositoryFullName,
			URL:             i.URL,
			State:           i.State,
			Author:          i.Author,
			Labels:          i.Labels,
			Comments:        i.Comments,
			UpdatedAt:       i.UpdatedAt,
			IsAssignedToYou: assigned,
		})
	}
	for _, p := range prs {
		if !p.UpdatedAt.After(cutoff) {
			continue
		}
		review := hasLogin(p.RequestedReviewers, login)
		items = append(items, ActivityItem{
			ID:                "pr-" + strconv.FormatInt(p.ID, 10),
			Type:              "pr",
			Title:             p.Title,
			Description:       pullDescription(p, review),
			Repository:        p.RepositoryFullName,
			URL:               p.URL,
			State:             p.State,
			Author:            p.Author,
			Labels:            p.Labels,
			Comments:          p.Comments,
			UpdatedAt:         p.UpdatedAt,
			IsAssignedToYou:   hasLogin(p.Assignees, login),
			IsReviewRequested: review,
			IsDraft:           p.Draft,
		})
	}

	slices.SortStableFunc(items, func(a, b ActivityItem) int { return b.UpdatedAt.Compare(a.UpdatedAt) })
	seen := map[string]bool{}
	feed := []ActivityItem{}
	for _, it := range items {
		key := it.Repository + ":" + it.Title
		if seen[key] {
			continue
		}
		seen[key] = true
		feed = append(feed, it)
	}
	return truncate(feed, limit)
}

func primaryLabel(labels []model.Label) string {
	if len(labels) == 0 {
		return ""
	}
	return labels[0].Name
}

func issueDescription(i model.Issue, assigned bool) string {
	label := primaryLabel(i.Labels)
	switch {
	case !i.IsOpen():
		return i.State
	case assigned && label != "":
		return "assigned to you (" + label + ")"
	case assigned:
		return "assigned to you"
	case label != "":
		return "opened in " + label
	default:
		return "opened"
	}
}

func pullDescription(p model.PullRequest, review bool) string {
	label := primaryLabel(p.Labels)
	switch {
	case p.Draft:
		return "draft PR"
	case !p.IsOpen():
		return p.State
	case review && label != "":
		return "review requested (" + label + ")"
	case review:
		return "review requested"
	case label != "":
		return "opened in " + label
	default:
		return "opened"
	}
}

// PinnedRepository is a pinned repository joined with cached data.
type PinnedRepository struct {
	pinned.Repo
	FullName       string            `json:"full_name"`
	Cached         *model.Repository `json:"cached,omitempty"`
	State          RepositoryState   `json:"state"`
	OpenIssueCount int               `json:"open_issue_count"`
	LastActivity   *time.Time        `json:"last_activity,omitempty"`
}

// PinnedEnriched joins each pinned repository with its cached metadata.
// Repositories missing from the cache report unknown CI and full health.
func PinnedEnriched(pins []pinned.Repo, repos []model.Repository, runs []model.WorkflowRun, issues []model.Issue, login string, now time.Time) []PinnedRepository {
	out := make([]PinnedRepository, 0, len(pins))
	for _, p := range pins {
		pr := PinnedRepository{
			Repo:     p,
			FullName: p.FullName(),
			State:    RepositoryState{CIStatus: CIUnknown, HealthScore: 100},
		}
		for _, i := range issues {
			if strings.EqualFold(i.RepositoryFullName, pr.FullName) && i.IsOpen() {
				pr.OpenIssueCount++
			}
		}
		idx := slices.IndexFunc(repos, func(r model.Repository) bool { return strings.EqualFold(r.FullName, pr.FullName) })
		if idx >= 0 {
			cached := repos[idx]
			last := cached.LastActivity()
			pr.Cached = &cached
			pr.LastActivity = &last
			pr.State = ComputeRepositoryState(cached, runs, issues, login, now)
		}
		out = append(out, pr)
	}
	return out
}

type Notification struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Repository  string    `json:"repository"`
	URL         string    `json:"url"`
	At          time.Time `json:"at"`
}

// Notifications lists review requests, open assigned issues and CI alerts,
// newest first.
func Notifications(issues []model.Issue, prs []model.PullRequest, alerts []CIAlert, login string, limit int) []Notification {
	var out []Notification
	for _, p := range prs {
		if p.IsOpen() && hasLogin(p.RequestedReviewers, login) {
			out = append(out, Notification{
				ID:          "pr-review-" + strconv.FormatInt(p.ID, 10),
				Type:        "review_requested",
				Title:       p.Title,
				Description: "review requested",
				Repository:  p.RepositoryFullName,
				URL:         p.URL,
				At:          p.UpdatedAt,
			})
		}
	}
	for _, i := range issues {
		if i.IsOpen() && hasLogin(i.Assignees, login) {
			out = append(out, Notification{
				ID:          "issue-assigned-" + strconv.FormatInt(i.ID, 10),
				Type:        "assigned",
				Title:       i.Title,
				Description: "assigned to you",
				Repository:  i.RepositoryFullName,
				URL:         i.URL,
				At:          i.UpdatedAt,
			})
		}
	}
	for _, a := range alerts {
		desc := "failure"
		if a.Status == "error" {
			desc = "timed out"
		}
		out = append(out, Notification{
			ID:          "ci-" + strconv.FormatInt(a.ID, 10),
			Type:        "ci_failed",
			Title:       a.Workflow + " failed on " + a.Branch,
			Description: desc,
			Repository:  a.Repository,
			URL:         a.URL,
			At:          a.CreatedAt,
		})
	}
	slices.SortStableFunc(out, func(a, b Notification) int { return b.At.Compare(a.At) })
	if out == nil {
		out = []Notification{}
	}
	return truncate(out, limit)
}

// truncate keeps the first limit elements. A limit <= 0 keeps everything.
func truncate[T any](s []T, limit int) []T {
	if limit > 0 && len(s) > limit {
		return s[:limit]
	}
	return s
}
