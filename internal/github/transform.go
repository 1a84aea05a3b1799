package github

import (
	"strings"
	"time"

	"github.com/google/go-github/v62/github"

	"github-mirror/internal/model"
)

// toInternalUser translates a github.User to our internal model.User.
func toInternalUser(u github.User) model.User {
	return model.User{
		ID:        u.GetID(),
		Login:     loginOr(u.GetLogin()),
		Name:      u.GetName(),
		AvatarURL: u.GetAvatarURL(),
		URL:       u.GetHTMLURL(),
	}
}

// toInternalRepository translates a github.Repository to our internal model.Repository.
func toInternalRepository(r *github.Repository) model.Repository {
	owner := loginOr(r.GetOwner().GetLogin())
	fullName := r.GetFullName()
	if fullName == "" {
		fullName = owner + "/" + r.GetName()
	}
	return model.Repository{
		ID:              r.GetID(),
		Owner:           owner,
		Name:            r.GetName(),
		FullName:        fullName,
		Description:     r.GetDescription(),
		URL:             r.GetHTMLURL(),
		Language:        r.GetLanguage(),
		DefaultBranch:   r.GetDefaultBranch(),
		Private:         r.GetPrivate(),
		Fork:            r.GetFork(),
		Archived:        r.GetArchived(),
		StarsCount:      r.GetStargazersCount(),
		ForksCount:      r.GetForksCount(),
		OpenIssuesCount: r.GetOpenIssuesCount(),
		CreatedAt:       r.GetCreatedAt().Time,
		UpdatedAt:       r.GetUpdatedAt().Time,
		PushedAt:        r.GetPushedAt().Time,
	}
}

func toInternalOrganization(o *github.Organization) model.Organization {
	return model.Organization{
		ID:          o.GetID(),
		Login:       loginOr(o.GetLogin()),
		Description: o.GetDescription(),
		AvatarURL:   o.GetAvatarURL(),
		URL:         o.GetHTMLURL(),
	}
}

// toInternalIssue translates a search hit to our internal model.Issue.
func toInternalIssue(i *github.Issue) model.Issue {
	return model.Issue{
		ID:                 i.GetID(),
		Number:             i.GetNumber(),
		Title:              i.GetTitle(),
		State:              stateOr(i.GetState()),
		URL:                i.GetHTMLURL(),
		RepositoryFullName: repoFullName(i),
		Author:             toActor(i.GetUser()),
		Assignees:          toActors(i.Assignees),
		Labels:             toLabels(i.Labels),
		Comments:           i.GetComments(),
		CreatedAt:          i.GetCreatedAt().Time,
		UpdatedAt:          i.GetUpdatedAt().Time,
		ClosedAt:           timePtr(i.ClosedAt),
	}
}

// toInternalPullRequest translates a pull request search hit. Search results
// carry no reviewer list; callers fill RequestedReviewers when the query implies it.
func toInternalPullRequest(i *github.Issue) model.PullRequest {
	return model.PullRequest{
		ID:                 i.GetID(),
		Number:             i.GetNumber(),
		Title:              i.GetTitle(),
		State:              stateOr(i.GetState()),
		URL:                i.GetHTMLURL(),
		RepositoryFullName: repoFullName(i),
		Author:             toActor(i.GetUser()),
		Assignees:          toActors(i.Assignees),
		Labels:             toLabels(i.Labels),
		Draft:              i.GetDraft(),
		Comments:           i.GetComments(),
		CreatedAt:          i.GetCreatedAt().Time,
		UpdatedAt:          i.GetUpdatedAt().Time,
		ClosedAt:           timePtr(i.ClosedAt),
	}
}

func toInternalWorkflowRun(r *github.WorkflowRun, fallbackRepo string) model.WorkflowRun {
	repo := r.GetRepository().GetFullName()
	if repo == "" {
		repo = fallbackRepo
	}
	return model.WorkflowRun{
		ID:                 r.GetID(),
		Name:               r.GetName(),
		RepositoryFullName: repo,
		HeadBranch:         r.GetHeadBranch(),
		HeadSHA:            r.GetHeadSHA(),
		Event:              r.GetEvent(),
		Status:             r.GetStatus(),
		Conclusion:         r.GetConclusion(),
		RunNumber:          r.GetRunNumber(),
		URL:                r.GetHTMLURL(),
		CreatedAt:          r.GetCreatedAt().Time,
		UpdatedAt:          r.GetUpdatedAt().Time,
	}
}

// repoFullName derives "owner/name" from the repository_url of a search hit.
func repoFullName(i *github.Issue) string {
	if name := i.GetRepository().GetFullName(); name != "" {
		return name
	}
	u := i.GetRepositoryURL()
	idx := strings.LastIndex(u, "/repos/")
	if idx < 0 {
		return model.DefaultRepositoryName
	}
	name := u[idx+len("/repos/"):]
	if strings.Count(name, "/") != 1 {
		return model.DefaultRepositoryName
	}
	return name
}

func toActor(u *github.User) model.Actor {
	return model.Actor{Login: loginOr(u.GetLogin()), AvatarURL: u.GetAvatarURL()}
}

func toActors(users []*github.User) []model.Actor {
	if len(users) == 0 {
		return nil
	}
	out := make([]model.Actor, 0, len(users))
	for _, u := range users {
		out = append(out, toActor(u))
	}
	return out
}

func toLabels(labels []*github.Label) []model.Label {
	if len(labels) == 0 {
		return nil
	}
	out := make([]model.Label, 0, len(labels))
	for _, l := range labels {
		out = append(out, model.Label{Name: l.GetName(), Color: l.GetColor()})
	}
	return out
}

func loginOr(login string) string {
	if login == "" {
		return model.UnknownLogin
	}
	return login
}

func stateOr(state string) string {
	if state == "" {
		return model.StateOpen
	}
	return state
}

func timePtr(ts *github.Timestamp) *time.Time {
	if ts == nil {
		return nil
	}
	t := ts.Time
	return &t
}
