package environment

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestState_Subscriptions(t *testing.T) {
	s := NewState()

	var network []bool
	var visibility []bool
	unsubNet := s.OnNetworkChange(func(online bool) { network = append(network, online) })
	s.OnVisibilityChange(func(hidden bool) { visibility = append(visibility, hidden) })

	s.SetOnline(false)
	s.SetOnline(false) // no change, no callback
	s.SetHidden(true)
	unsubNet()
	s.SetOnline(true)

	assert.Equal(t, []bool{false}, network)
	assert.Equal(t, []bool{true}, visibility)
	assert.True(t, s.IsOnline())
	assert.True(t, s.IsHidden())
}

func TestProber_Probe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	state := NewState()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewProber(state, server.Client(), server.URL, time.Minute, logger)

	assert.True(t, p.Probe(context.Background()), "any HTTP answer means reachable")

	server.Close()
	assert.False(t, p.Probe(context.Background()))
	assert.False(t, state.IsOnline())
}
