package errors

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoCredential is returned by the fetch client when the credential provider has no token.
	ErrNoCredential = errors.New("no GitHub credential available")
	// ErrNotFound is returned when a requested entity is not in the cache.
	ErrNotFound = errors.New("not found")
	// ErrSyncInProgress is returned by a manual refresh while a full sync is running.
	ErrSyncInProgress = errors.New("sync already in progress")
)

// ErrInvalidRepoFormat is returned when a repository string is not in 'owner/name' format.
type ErrInvalidRepoFormat struct {
	Repo string
}

func (e *ErrInvalidRepoFormat) Error() string {
	return fmt.Sprintf("invalid repository format: %q, expected 'owner/name'", e.Repo)
}

// ErrRateLimited is returned by a manual refresh while the request quota is exhausted.
type ErrRateLimited struct {
	ResetIn time.Duration
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("rate limited, quota resets in %s", e.ResetIn.Round(time.Second))
}

// IsRateLimited reports whether err is, or wraps, an ErrRateLimited.
func IsRateLimited(err error) bool {
	var rl *ErrRateLimited
	return errors.As(err, &rl)
}
