package github

import (
	"context"
	"fmt"
	"net/url"

	"github.com/google/go-github/v62/github"

	"github-mirror/internal/model"
)

// Repository affiliations accepted by ListRepositories.
const (
	AffiliationOwner        = "owner"
	AffiliationCollaborator = "collaborator"
	AffiliationMember       = "organization_member"
)

// CurrentUser fetches the authenticated user.
func (c *Client) CurrentUser(ctx context.Context, etag string) (Result[model.User], error) {
	return getOne(ctx, c, "user", nil, etag, toInternalUser)
}

// ListRepositories lists repositories of the current user for one affiliation.
func (c *Client) ListRepositories(ctx context.Context, affiliation, etag string) (Result[[]model.Repository], error) {
	opts := &listOptions{Affiliation: affiliation, Sort: "updated", Direction: "desc"}
	return getList(ctx, c, "user/repos", opts, etag, toInternalRepository)
}

func (c *Client) ListOrganizations(ctx context.Context, etag string) (Result[[]model.Organization], error) {
	return getList(ctx, c, "user/orgs", &listOptions{}, etag, toInternalOrganization)
}

func (c *Client) ListOrganizationRepositories(ctx context.Context, org, etag string) (Result[[]model.Repository], error) {
	path := fmt.Sprintf("orgs/%s/repos", url.PathEscape(org))
	opts := &listOptions{Type: "all", Sort: "updated", Direction: "desc"}
	return getList(ctx, c, path, opts, etag, toInternalRepository)
}

// SearchIssues runs an issue search and keeps only issues. Only the first
// page of results is fetched.
func (c *Client) SearchIssues(ctx context.Context, q, etag string) (Result[SearchPage[model.Issue]], error) {
	opts := &listOptions{Query: q, Sort: "updated", Order: "desc", PerPage: defaultPerPage}
	return getOne(ctx, c, "search/issues", opts, etag, func(r github.IssuesSearchResult) SearchPage[model.Issue] {
		page := SearchPage[model.Issue]{TotalCount: r.GetTotal()}
		for _, item := range r.Issues {
			if item.IsPullRequest() {
				continue
			}
			page.Items = append(page.Items, toInternalIssue(item))
		}
		return page
	})
}

// SearchPullRequests runs an issue search and keeps only pull requests.
func (c *Client) SearchPullRequests(ctx context.Context, q, etag string) (Result[SearchPage[model.PullRequest]], error) {
	opts := &listOptions{Query: q, Sort: "updated", Order: "desc", PerPage: defaultPerPage}
	return getOne(ctx, c, "search/issues", opts, etag, func(r github.IssuesSearchResult) SearchPage[model.PullRequest] {
		page := SearchPage[model.PullRequest]{TotalCount: r.GetTotal()}
		for _, item := range r.Issues {
			if !item.IsPullRequest() {
				continue
			}
			page.Items = append(page.Items, toInternalPullRequest(item))
		}
		return page
	})
}

// ListWorkflowRuns fetches the most recent workflow runs of one repository.
func (c *Client) ListWorkflowRuns(ctx context.Context, owner, repo, etag string) (Result[[]model.WorkflowRun], error) {
	path := fmt.Sprintf("repos/%s/%s/actions/runs", url.PathEscape(owner), url.PathEscape(repo))
	opts := &listOptions{PerPage: c.runsPerRepo}
	fullName := owner + "/" + repo
	return getOne(ctx, c, path, opts, etag, func(r github.WorkflowRuns) []model.WorkflowRun {
		runs := make([]model.WorkflowRun, 0, len(r.WorkflowRuns))
		for _, run := range r.WorkflowRuns {
			runs = append(runs, toInternalWorkflowRun(run, fullName))
		}
		return runs
	})
}

// FetchRateLimit reads the core quota and stores it in the tracker.
func (c *Client) FetchRateLimit(ctx context.Context) (Rate, error) {
	res, err := getOne(ctx, c, "rate_limit", nil, "", func(r github.RateLimits) Rate {
		core := r.GetCore()
		if core == nil {
			return Rate{}
		}
		return Rate{Remaining: core.Remaining, Limit: core.Limit, ResetAt: core.Reset.Unix()}
	})
	if err != nil {
		return Rate{}, err
	}
	if res.Data.Limit > 0 {
		c.tracker.Update(res.Data.Remaining, res.Data.Limit, res.Data.ResetAt)
	}
	return res.Data, nil
}
