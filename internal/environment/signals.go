// Package environment reports whether anyone is looking at the mirror and
// whether the network is reachable.
package environment

import (
	"sync"
)

// Signals is what the syncer needs to know about its surroundings.
type Signals interface {
	IsHidden() bool
	IsOnline() bool
	// OnNetworkChange registers cb and returns a function that unregisters it.
	OnNetworkChange(cb func(online bool)) (unsubscribe func())
	OnVisibilityChange(cb func(hidden bool)) (unsubscribe func())
}

// State is a Signals whose values are set explicitly, by the HTTP API or the Prober.
type State struct {
	mu         sync.Mutex
	hidden     bool
	online     bool
	nextID     int
	network    map[int]func(bool)
	visibility map[int]func(bool)
}

var _ Signals = (*State)(nil)

// NewState starts visible and online.
func NewState() *State {
	return &State{
		online:     true,
		network:    map[int]func(bool){},
		visibility: map[int]func(bool){},
	}
}

func (s *State) IsHidden() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hidden
}

func (s *State) IsOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *State) OnNetworkChange(cb func(online bool)) func() {
	return s.subscribe(s.network, cb)
}

func (s *State) OnVisibilityChange(cb func(hidden bool)) func() {
	return s.subscribe(s.visibility, cb)
}

func (s *State) subscribe(set map[int]func(bool), cb func(bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	set[id] = cb
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(set, id)
	}
}

// SetHidden notifies subscribers when visibility changes.
func (s *State) SetHidden(hidden bool) {
	s.set(&s.hidden, hidden, s.visibility)
}

// SetOnline notifies subscribers when reachability changes.
func (s *State) SetOnline(online bool) {
	s.set(&s.online, online, s.network)
}

func (s *State) set(field *bool, v bool, subs map[int]func(bool)) {
	s.mu.Lock()
	if *field == v {
		s.mu.Unlock()
		return
	}
	*field = v
	cbs := make([]func(bool), 0, len(subs))
	for _, cb := range subs {
		cbs = append(cbs, cb)
	}
	s.mu.Unlock()

	for _, cb := range cbs {
		cb(v)
	}
}
