// Package pinned holds the user's list of pinned repositories.
package pinned

import (
	"strings"
	"sync"

	custom_errors "github-mirror/internal/errors"
)

// Repo identifies a repository by owner and name.
type Repo struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

func (r Repo) FullName() string { return r.Owner + "/" + r.Name }

// ParseRepo parses "owner/name".
func ParseRepo(s string) (Repo, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Repo{}, &custom_errors.ErrInvalidRepoFormat{Repo: s}
	}
	return Repo{Owner: parts[0], Name: parts[1]}, nil
}

// ParseRepos parses a list of "owner/name" strings.
func ParseRepos(repos []string) ([]Repo, error) {
	var out []Repo
	for _, r := range repos {
		repo, err := ParseRepo(r)
		if err != nil {
			return nil, err
		}
		out = append(out, repo)
	}
	return out, nil
}

// List is the pinned repository list. Version increases on every change.
type List struct {
	mu      sync.RWMutex
	repos   []Repo
	version uint64
	onPin   []func(Repo)
}

func NewList(repos []Repo) *List {
	l := &List{}
	for _, r := range repos {
		if !l.contains(r.FullName()) {
			l.repos = append(l.repos, r)
		}
	}
	return l
}

func (l *List) Repos() []Repo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Repo, len(l.repos))
	copy(out, l.repos)
	return out
}

func (l *List) Version() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.version
}

// Contains matches full names case-insensitively.
func (l *List) Contains(fullName string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.contains(fullName)
}

func (l *List) contains(fullName string) bool {
	for _, r := range l.repos {
		if strings.EqualFold(r.FullName(), fullName) {
			return true
		}
	}
	return false
}

// OnPin registers cb to run after a repository is newly pinned.
func (l *List) OnPin(cb func(Repo)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onPin = append(l.onPin, cb)
}

// Pin adds r. It reports false if r was already pinned.
func (l *List) Pin(r Repo) bool {
	l.mu.Lock()
	if l.contains(r.FullName()) {
		l.mu.Unlock()
		return false
	}
	l.repos = append(l.repos, r)
	l.version++
	cbs := append([]func(Repo){}, l.onPin...)
	l.mu.Unlock()

	for _, cb := range cbs {
		cb(r)
	}
	return true
}

// Unpin removes r. It reports false if r was not pinned.
func (l *List) Unpin(r Repo) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, existing := range l.repos {
		if strings.EqualFold(existing.FullName(), r.FullName()) {
			l.repos = append(l.repos[:i], l.repos[i+1:]...)
			l.version++
			return true
		}
	}
	return false
}
