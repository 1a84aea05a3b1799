package model

import (
	"time"
)

// Kind names one of the mirrored entity collections.
type Kind string

const (
	KindRepository   Kind = "repository"
	KindIssue        Kind = "issue"
	KindPullRequest  Kind = "pull_request"
	KindWorkflowRun  Kind = "workflow_run"
	KindOrganization Kind = "organization"
)

// Kinds lists every entity kind in load order.
var Kinds = []Kind{KindRepository, KindIssue, KindPullRequest, KindWorkflowRun, KindOrganization}

// Entity is implemented by every cached remote object.
type Entity interface {
	EntityID() int64
	RemoteUpdatedAt() time.Time
}

// Actor is the denormalized form of a GitHub user attached to another entity.
type Actor struct {
	Login     string `json:"login"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

type Label struct {
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// Repository represents the metadata of a GitHub repository.
type Repository struct {
	ID              int64     `json:"id"`
	Owner           string    `json:"owner"`
	Name            string    `json:"name"`
	FullName        string    `json:"full_name"`
	Description     string    `json:"description,omitempty"`
	URL             string    `json:"url"`
	Language        string    `json:"language,omitempty"`
	DefaultBranch   string    `json:"default_branch,omitempty"`
	Private         bool      `json:"private"`
	Fork            bool      `json:"fork"`
	Archived        bool      `json:"archived"`
	StarsCount      int       `json:"stars_count"`
	ForksCount      int       `json:"forks_count"`
	OpenIssuesCount int       `json:"open_issues_count"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	PushedAt        time.Time `json:"pushed_at"`
}

func (r Repository) EntityID() int64            { return r.ID }
func (r Repository) RemoteUpdatedAt() time.Time { return r.UpdatedAt }

// LastActivity is the push time, falling back to the last metadata update.
func (r Repository) LastActivity() time.Time {
	if r.PushedAt.IsZero() {
		return r.UpdatedAt
	}
	return r.PushedAt
}

type Issue struct {
	ID                 int64      `json:"id"`
	Number             int        `json:"number"`
	Title              string     `json:"title"`
	State              string     `json:"state"`
	URL                string     `json:"url"`
	RepositoryFullName string     `json:"repository_full_name"`
	Author             Actor      `json:"author"`
	Assignees          []Actor    `json:"assignees,omitempty"`
	Labels             []Label    `json:"labels,omitempty"`
	Comments           int        `json:"comments"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	ClosedAt           *time.Time `json:"closed_at,omitempty"`
}

func (i Issue) EntityID() int64            { return i.ID }
func (i Issue) RemoteUpdatedAt() time.Time { return i.UpdatedAt }
func (i Issue) IsOpen() bool               { return i.State == StateOpen }

type PullRequest struct {
	ID                 int64      `json:"id"`
	Number             int        `json:"number"`
	Title              string     `json:"title"`
	State              string     `json:"state"`
	URL                string     `json:"url"`
	RepositoryFullName string     `json:"repository_full_name"`
	Author             Actor      `json:"author"`
	Assignees          []Actor    `json:"assignees,omitempty"`
	RequestedReviewers []Actor    `json:"requested_reviewers,omitempty"`
	Labels             []Label    `json:"labels,omitempty"`
	Draft              bool       `json:"draft"`
	Comments           int        `json:"comments"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	ClosedAt           *time.Time `json:"closed_at,omitempty"`
}

func (p PullRequest) EntityID() int64            { return p.ID }
func (p PullRequest) RemoteUpdatedAt() time.Time { return p.UpdatedAt }
func (p PullRequest) IsOpen() bool               { return p.State == StateOpen }

// WorkflowRun is a single GitHub Actions run.
type WorkflowRun struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name"`
	RepositoryFullName string    `json:"repository_full_name"`
	HeadBranch         string    `json:"head_branch,omitempty"`
	HeadSHA            string    `json:"head_sha,omitempty"`
	Event              string    `json:"event,omitempty"`
	Status             string    `json:"status"`
	Conclusion         string    `json:"conclusion,omitempty"`
	RunNumber          int       `json:"run_number"`
	URL                string    `json:"url"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func (w WorkflowRun) EntityID() int64            { return w.ID }
func (w WorkflowRun) RemoteUpdatedAt() time.Time { return w.UpdatedAt }

type Organization struct {
	ID          int64  `json:"id"`
	Login       string `json:"login"`
	Description string `json:"description,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	URL         string `json:"url,omitempty"`
}

func (o Organization) EntityID() int64 { return o.ID }

// RemoteUpdatedAt is always zero; the organizations listing carries no timestamp.
func (o Organization) RemoteUpdatedAt() time.Time { return time.Time{} }

// User is the authenticated account. It is not cached as a collection.
type User struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
	URL       string `json:"url,omitempty"`
}

const (
	StateOpen   = "open"
	StateClosed = "closed"
)

// Workflow run status and conclusion values used by the selectors.
const (
	RunStatusCompleted    = "completed"
	ConclusionSuccess     = "success"
	ConclusionFailure     = "failure"
	ConclusionTimedOut    = "timed_out"
	UnknownLogin          = "unknown"
	DefaultRepositoryName = "unknown/unknown"
)
