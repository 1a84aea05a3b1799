// Package store defines durable persistence for the entity cache.
package store

import (
	"context"
	"fmt"
	"time"

	"github-mirror/internal/model"
)

// Record is one persisted entity: its JSON payload plus the indexed columns and sync metadata.
type Record struct {
	ID                 int64
	RepositoryFullName string
	State              string
	UpdatedAt          time.Time
	Payload            []byte
	Meta               model.SyncMeta
}

// Store is implemented by the sqlite and postgres backends.
type Store interface {
	PutRecords(ctx context.Context, kind model.Kind, records []Record) error
	LoadRecords(ctx context.Context, kind model.Kind) ([]Record, error)
	DeleteRecords(ctx context.Context, kind model.Kind, ids []int64) error

	PutScopeMeta(ctx context.Context, meta model.ScopeMeta) error
	LoadScopeMeta(ctx context.Context) ([]model.ScopeMeta, error)

	PutSearchResult(ctx context.Context, result model.SearchResult) error
	LoadSearchResults(ctx context.Context) ([]model.SearchResult, error)
	DeleteSearchResultsBefore(ctx context.Context, before time.Time) (int64, error)

	// Clear removes every entity, search result and scope row.
	Clear(ctx context.Context) error
	Close() error
}

var tables = map[model.Kind]string{
	model.KindRepository:   "repositories",
	model.KindIssue:        "issues",
	model.KindPullRequest:  "pull_requests",
	model.KindWorkflowRun:  "workflow_runs",
	model.KindOrganization: "organizations",
}

// Table returns the table backing kind.
func Table(kind model.Kind) (string, error) {
	t, ok := tables[kind]
	if !ok {
		return "", fmt.Errorf("store: unknown entity kind %q", kind)
	}
	return t, nil
}

// Tables lists every table Clear must empty.
func Tables() []string {
	return []string{"repositories", "issues", "pull_requests", "workflow_runs", "organizations", "search_results", "sync_metadata"}
}
