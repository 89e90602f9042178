package agent

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/alekspetrov/swarm/internal/config"
	"github.com/alekspetrov/swarm/internal/logging"
	"github.com/alekspetrov/swarm/internal/store"
)

const probeTimeout = 60 * time.Second

// RateLimitWatcher periodically probes agent availability and resumes
// rate-limited runs once the limit has reset.
type RateLimitWatcher struct {
	cfg   *config.Config
	store *store.Store
	pool  *Pool
	log   *slog.Logger

	// probe is swappable for tests.
	probe func(ctx context.Context) bool
}

// NewRateLimitWatcher builds a watcher over the given pool.
func NewRateLimitWatcher(cfg *config.Config, st *store.Store, pool *Pool) *RateLimitWatcher {
	w := &RateLimitWatcher{
		cfg:   cfg,
		store: st,
		pool:  pool,
		log:   logging.WithComponent("ratelimit-watcher"),
	}
	w.probe = w.probeAvailability
	return w
}

// Run executes the watcher loop until the context is cancelled.
func (w *RateLimitWatcher) Run(ctx context.Context) {
	w.log.Info("rate limit watcher started", "interval", w.cfg.RateLimitRetryInterval)
	ticker := time.NewTicker(w.cfg.RateLimitRetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("rate limit watcher stopped")
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

// tick resumes rate-limited runs if the probe reports availability. A failed
// probe resumes nothing.
func (w *RateLimitWatcher) tick(ctx context.Context) {
	limited, err := w.store.RateLimitedAgents()
	if err != nil {
		w.log.Error("failed to list rate-limited agents", "error", err)
		return
	}
	if len(limited) == 0 {
		return
	}

	w.log.Info("probing agent availability", "rate_limited", len(limited))
	if !w.probe(ctx) {
		w.log.Info("still rate limited, will retry", "interval", w.cfg.RateLimitRetryInterval)
		return
	}

	w.log.Info("limit appears lifted, resuming agents")
	for _, run := range limited {
		if !w.pool.CanDispatch() {
			w.log.Info("pool full, deferring remaining resumes")
			return
		}
		newID, err := w.pool.Resume(ctx, run)
		if err != nil {
			w.log.Warn("failed to resume agent", "agent_id", run.AgentID, "error", err)
			continue
		}
		w.log.Info("resumed agent", "old", run.AgentID, "new", newID)
	}
}

// probeAvailability runs a trivial single-turn agent invocation and checks
// whether it still trips a rate-limit signature. Non-zero exits for other
// reasons count as available.
func (w *RateLimitWatcher) probeAvailability(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, claudeBinary, "-p", "Reply with just the word OK", "--max-turns", "1")
	cmd.Env = append(os.Environ(), "CLAUDE_CODE_OAUTH_TOKEN="+w.cfg.ClaudeToken)
	out, err := cmd.CombinedOutput()
	if err == nil {
		return true
	}
	if ctx.Err() != nil {
		w.log.Debug("probe timed out, assuming still limited")
		return false
	}
	if IsRateLimitText(string(out)) {
		return false
	}
	return true
}
