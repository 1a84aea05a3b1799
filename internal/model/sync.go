package model

import "time"

// SyncMeta is the per-entity bookkeeping kept next to every cached entity.
type SyncMeta struct {
	ETag            string    `json:"etag,omitempty"`
	LastFetchedAt   time.Time `json:"last_fetched_at"`
	RemoteUpdatedAt time.Time `json:"remote_updated_at"`
	IsFetching      bool      `json:"is_fetching"`
	LastError       string    `json:"last_error,omitempty"`
}

// ScopeMeta is the bookkeeping for one request scope ("user", "orgs",
// "repos:owner", "workflows:acme/widgets", ...). Cursor is a watermark that
// only moves forward.
type ScopeMeta struct {
	Scope         string    `json:"scope"`
	ETag          string    `json:"etag,omitempty"`
	LastFetchedAt time.Time `json:"last_fetched_at"`
	Cursor        time.Time `json:"cursor"`
	LastError     string    `json:"last_error,omitempty"`
}

// SearchResult records the IDs a search query returned the last time it was
// fetched with a 200.
type SearchResult struct {
	Query      string    `json:"query"`
	Kind       Kind      `json:"kind"`
	IDs        []int64   `json:"ids"`
	TotalCount int       `json:"total_count"`
	ETag       string    `json:"etag,omitempty"`
	FetchedAt  time.Time `json:"fetched_at"`
}
