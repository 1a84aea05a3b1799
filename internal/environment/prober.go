package environment

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Prober periodically checks that the API host answers and reports the result
// through State.SetOnline. Any HTTP response counts as online.
type Prober struct {
	state    *State
	client   *http.Client
	url      string
	interval time.Duration
	logger   *slog.Logger
}

func NewProber(state *State, client *http.Client, url string, interval time.Duration, logger *slog.Logger) *Prober {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Prober{state: state, client: client, url: url, interval: interval, logger: logger}
}

// Start probes immediately and then on every interval until ctx is done.
func (p *Prober) Start(ctx context.Context) {
	p.logger.Info("Starting network prober", "url", p.url, "interval", p.interval.String())
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Probe(ctx)
	for {
		select {
		case <-ticker.C:
			p.Probe(ctx)
		case <-ctx.Done():
			p.logger.Info("Network prober shutting down", "reason", ctx.Err())
			return
		}
	}
}

// Probe performs one reachability check.
func (p *Prober) Probe(ctx context.Context) bool {
	online := p.reachable(ctx)
	if ctx.Err() != nil {
		return p.state.IsOnline()
	}
	if online != p.state.IsOnline() {
		p.logger.Info("Network reachability changed", "online", online)
	}
	p.state.SetOnline(online)
	return online
}

func (p *Prober) reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("Probe failed", "error", err)
		return false
	}
	resp.Body.Close()
	return true
}
