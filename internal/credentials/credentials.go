// Package credentials supplies the bearer token and login the sync engine runs as.
package credentials

import (
	"sync"

	"golang.org/x/oauth2"

	custom_errors "github-mirror/internal/errors"
)

// Provider is the external session owner. Token returns "" when signed out.
type Provider interface {
	Token() string
	Login() string
}

// Static is a Provider whose values can be swapped at runtime.
type Static struct {
	mu    sync.RWMutex
	token string
	login string
}

func NewStatic(token, login string) *Static {
	return &Static{token: token, login: login}
}

func (s *Static) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *Static) Login() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.login
}

// SetLogin records the login learned from the API when none was configured.
func (s *Static) SetLogin(login string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.login = login
}

// SignOut drops the token.
func (s *Static) SignOut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
}

type tokenSource struct {
	p Provider
}

// TokenSource adapts a Provider to oauth2 so the token is read on every request.
func TokenSource(p Provider) oauth2.TokenSource {
	return tokenSource{p: p}
}

func (ts tokenSource) Token() (*oauth2.Token, error) {
	tok := ts.p.Token()
	if tok == "" {
		return nil, custom_errors.ErrNoCredential
	}
	return &oauth2.Token{AccessToken: tok, TokenType: "Bearer"}, nil
}
