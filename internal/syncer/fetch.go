package syncer

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github-mirror/internal/cache"
	"github-mirror/internal/model"
	"github-mirror/internal/pinned"
)

const (
	scopeUser        = "user"
	scopeOrgs        = "orgs"
	scopeIssues      = "search:issues:involves"
	scopeReviews     = "search:pulls:review-requested"
	scopeAuthored    = "search:pulls:authored"
	scopeAssigned    = "search:pulls:assigned"
	scopeClosedSweep = "search:closed"
)

const (
	prefixRepos     = "repos:"
	prefixOrgRepos  = "org-repos:"
	prefixWorkflows = "workflows:"
)

func reposScope(affiliation string) string { return prefixRepos + affiliation }
func orgReposScope(org string) string       { return prefixOrgRepos + org }
func workflowsScope(fullName string) string { return prefixWorkflows + fullName }

func repoCursor(fullName, kind string) string { return "repo:" + fullName + ":" + kind }
func orgCursor(org string) string             { return "org:" + org }

func issuesQuery(login string) string { return fmt.Sprintf("involves:%s is:issue is:open", login) }

type pullSearch struct {
	scope string
	query string
	// reviewRequested marks results as awaiting the login's review.
	reviewRequested bool
}

func pullSearches(login string) []pullSearch {
	return []pullSearch{
		{scope: scopeReviews, query: fmt.Sprintf("review-requested:%s is:pr is:open", login), reviewRequested: true},
		{scope: scopeAuthored, query: fmt.Sprintf("author:%s is:pr is:open", login)},
		{scope: scopeAssigned, query: fmt.Sprintf("assignee:%s is:pr is:open", login)},
	}
}

func (s *Syncer) fetchUser(ctx context.Context) error {
	etag := ""
	if s.Login() != "" {
		etag = s.cache.ScopeETag(scopeUser)
	}
	res, err := s.fetcher.CurrentUser(ctx, etag)
	if err != nil {
		s.cache.RecordScopeError(scopeUser, err)
		return fmt.Errorf("fetch current user: %w", err)
	}
	if res.Modified {
		s.mu.Lock()
		s.login = res.Data.Login
		s.mu.Unlock()
	}
	s.cache.MarkScopeFetched(scopeUser, res.ETag)
	return nil
}

func (s *Syncer) fetchOrgs(ctx context.Context) error {
	res, err := s.fetcher.ListOrganizations(ctx, s.cache.ScopeETag(scopeOrgs))
	if err != nil {
		s.cache.RecordScopeError(scopeOrgs, err)
		return fmt.Errorf("fetch organizations: %w", err)
	}
	if res.Modified {
		s.cache.Orgs.UpsertMany(res.Data, cache.MetaPatch{})
	}
	s.cache.MarkScopeFetched(scopeOrgs, res.ETag)
	return nil
}

func (s *Syncer) fetchRepos(ctx context.Context, affiliation string) error {
	scope := reposScope(affiliation)
	res, err := s.fetcher.ListRepositories(ctx, affiliation, s.cache.ScopeETag(scope))
	if err != nil {
		s.cache.RecordScopeError(scope, err)
		return fmt.Errorf("fetch %s repositories: %w", affiliation, err)
	}
	if res.Modified {
		s.cache.Repos.UpsertMany(res.Data, cache.MetaPatch{})
	}
	s.cache.MarkScopeFetched(scope, res.ETag)
	return nil
}

func (s *Syncer) fetchOrgRepos(ctx context.Context, org string) error {
	scope := orgReposScope(org)
	res, err := s.fetcher.ListOrganizationRepositories(ctx, org, s.cache.ScopeETag(scope))
	if err != nil {
		s.cache.RecordScopeError(scope, err)
		return fmt.Errorf("fetch repositories of %s: %w", org, err)
	}
	if res.Modified {
		s.cache.Repos.UpsertMany(res.Data, cache.MetaPatch{})
		for _, r := range res.Data {
			s.cache.AdvanceCursor(orgCursor(org), r.UpdatedAt)
		}
	}
	s.cache.MarkScopeFetched(scope, res.ETag)
	return nil
}

// fetchIssues runs an issue search. The cached result for the query supplies
// the ETag, so a purged result is refetched unconditionally.
func (s *Syncer) fetchIssues(ctx context.Context, scope, q string) error {
	prev, _ := s.cache.SearchResult(q, model.KindIssue)
	res, err := s.fetcher.SearchIssues(ctx, q, prev.ETag)
	if err != nil {
		s.cache.RecordScopeError(scope, err)
		return fmt.Errorf("search issues: %w", err)
	}
	if res.Modified {
		items := res.Data.Items
		s.cache.Issues.UpsertMany(items, cache.MetaPatch{})
		ids := make([]int64, 0, len(items))
		for _, it := range items {
			ids = append(ids, it.ID)
			s.cache.AdvanceCursor(repoCursor(it.RepositoryFullName, "issues"), it.UpdatedAt)
		}
		s.cache.PutSearchResult(model.SearchResult{
			Query:      q,
			Kind:       model.KindIssue,
			IDs:        ids,
			TotalCount: res.Data.TotalCount,
			ETag:       res.ETag,
		})
	}
	s.cache.MarkScopeFetched(scope, res.ETag)
	return nil
}

// fetchPulls runs one pull request search. Search results carry no reviewer
// list, so cached reviewers are kept and the login is added to or removed
// from them according to the review-requested search.
func (s *Syncer) fetchPulls(ctx context.Context, ps pullSearch, login string) error {
	prev, hadPrev := s.cache.SearchResult(ps.query, model.KindPullRequest)
	res, err := s.fetcher.SearchPullRequests(ctx, ps.query, prev.ETag)
	if err != nil {
		s.cache.RecordScopeError(ps.scope, err)
		return fmt.Errorf("search pull requests %q: %w", ps.query, err)
	}
	if !res.Modified {
		s.cache.MarkScopeFetched(ps.scope, res.ETag)
		return nil
	}

	items := slices.Clone(res.Data.Items)
	if ps.reviewRequested {
		for i := range items {
			items[i].RequestedReviewers = withReviewer(items[i].RequestedReviewers, login)
		}
	}
	s.cache.PullRequests.UpsertMerged(items, cache.MetaPatch{}, func(old, next model.PullRequest) model.PullRequest {
		next.RequestedReviewers = mergeActors(old.RequestedReviewers, next.RequestedReviewers)
		return next
	})

	ids := make([]int64, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
		s.cache.AdvanceCursor(repoCursor(it.RepositoryFullName, "pulls"), it.UpdatedAt)
	}

	if ps.reviewRequested && hadPrev {
		var dropped []model.PullRequest
		for _, id := range prev.IDs {
			if slices.Contains(ids, id) {
				continue
			}
			if pr, ok := s.cache.PullRequests.State().Get(id); ok {
				dropped = append(dropped, pr)
			}
		}
		if len(dropped) > 0 {
			s.cache.PullRequests.UpsertMerged(dropped, cache.MetaPatch{}, func(old, _ model.PullRequest) model.PullRequest {
				old.RequestedReviewers = withoutReviewer(old.RequestedReviewers, login)
				return old
			})
		}
	}

	s.cache.PutSearchResult(model.SearchResult{
		Query:      ps.query,
		Kind:       model.KindPullRequest,
		IDs:        ids,
		TotalCount: res.Data.TotalCount,
		ETag:       res.ETag,
	})
	s.cache.MarkScopeFetched(ps.scope, res.ETag)
	return nil
}

func (s *Syncer) fetchWorkflows(ctx context.Context, r pinned.Repo) error {
	scope := workflowsScope(r.FullName())
	res, err := s.fetcher.ListWorkflowRuns(ctx, r.Owner, r.Name, s.cache.ScopeETag(scope))
	if err != nil {
		s.cache.RecordScopeError(scope, err)
		return err
	}
	if res.Modified {
		s.cache.WorkflowRuns.UpsertMany(res.Data, cache.MetaPatch{})
		for _, run := range res.Data {
			s.cache.AdvanceCursor(repoCursor(r.FullName(), "workflows"), run.UpdatedAt)
		}
	}
	s.cache.MarkScopeFetched(scope, res.ETag)
	return nil
}

// sweepClosed picks up items closed since the user cursor, so open-only
// searches do not leave them stale. The first run only sets the cursor.
func (s *Syncer) sweepClosed(ctx context.Context, login string) error {
	start := s.sched.Now()
	since := s.cache.Cursor(scopeUser)
	if since.IsZero() {
		s.cache.AdvanceCursor(scopeUser, start)
		return nil
	}

	stamp := since.UTC().Format(time.RFC3339)
	issues, err := s.fetcher.SearchIssues(ctx, fmt.Sprintf("involves:%s is:issue is:closed updated:>=%s", login, stamp), "")
	if err != nil {
		s.cache.RecordScopeError(scopeClosedSweep, err)
		return fmt.Errorf("sweep closed issues: %w", err)
	}
	pulls, err := s.fetcher.SearchPullRequests(ctx, fmt.Sprintf("involves:%s is:pr is:closed updated:>=%s", login, stamp), "")
	if err != nil {
		s.cache.RecordScopeError(scopeClosedSweep, err)
		return fmt.Errorf("sweep closed pull requests: %w", err)
	}

	if issues.Modified {
		s.cache.Issues.UpsertMany(issues.Data.Items, cache.MetaPatch{})
	}
	if pulls.Modified {
		s.cache.PullRequests.UpsertMerged(pulls.Data.Items, cache.MetaPatch{}, func(old, next model.PullRequest) model.PullRequest {
			next.RequestedReviewers = old.RequestedReviewers
			return next
		})
	}
	s.cache.AdvanceCursor(scopeUser, start)
	s.cache.MarkScopeFetched(scopeClosedSweep, "")
	s.logger.Debug("Closed items swept", "issues", len(issues.Data.Items), "pull_requests", len(pulls.Data.Items))
	return nil
}

func mergeActors(a, b []model.Actor) []model.Actor {
	out := slices.Clone(a)
	for _, actor := range b {
		out = withReviewer(out, actor.Login)
	}
	return out
}

func withReviewer(actors []model.Actor, login string) []model.Actor {
	for _, a := range actors {
		if strings.EqualFold(a.Login, login) {
			return actors
		}
	}
	return append(slices.Clone(actors), model.Actor{Login: login})
}

func withoutReviewer(actors []model.Actor, login string) []model.Actor {
	return slices.DeleteFunc(slices.Clone(actors), func(a model.Actor) bool {
		return strings.EqualFold(a.Login, login)
	})
}
