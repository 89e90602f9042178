package agent

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alekspetrov/swarm/internal/config"
	"github.com/alekspetrov/swarm/internal/store"
)

func newWatcherFixture(t *testing.T) (*RateLimitWatcher, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "swarm.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.Default()
	pool := NewPool(cfg, st, nil, nil, nil)
	return NewRateLimitWatcher(cfg, st, pool), st
}

func TestTickNoRateLimitedAgentsSkipsProbe(t *testing.T) {
	w, _ := newWatcherFixture(t)
	probed := false
	w.probe = func(context.Context) bool { probed = true; return true }

	w.tick(context.Background())
	if probed {
		t.Error("probe ran with no rate-limited agents")
	}
}

func TestTickFailedProbeResumesNothing(t *testing.T) {
	w, st := newWatcherFixture(t)
	if err := st.UpsertIssue(1, "t", ""); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateAgent(&store.AgentRun{AgentID: "a1", IssueNumber: 1, Kind: store.AgentKindImplement}); err != nil {
		t.Fatal(err)
	}
	if err := st.MarkRateLimited("a1", "usage limit"); err != nil {
		t.Fatal(err)
	}

	w.probe = func(context.Context) bool { return false }
	w.tick(context.Background())

	run, err := st.GetAgent("a1")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != store.AgentStatusRateLimited {
		t.Errorf("status = %q, want rate_limited after failed probe", run.Status)
	}
}
