package poller

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alekspetrov/swarm/internal/config"
	"github.com/alekspetrov/swarm/internal/githost"
	"github.com/alekspetrov/swarm/internal/store"
)

type fakeRunner struct {
	responses map[string]string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	call := name + " " + strings.Join(args, " ")
	for key, out := range f.responses {
		if strings.Contains(call, key) {
			return out, nil
		}
	}
	return "", nil
}

type fakePool struct {
	full       bool
	dispatched []int
}

func (f *fakePool) CanDispatch() bool { return !f.full }

func (f *fakePool) DispatchImplement(_ context.Context, issueNumber int) (string, error) {
	f.dispatched = append(f.dispatched, issueNumber)
	return "agent-test", nil
}

func newFixture(t *testing.T, responses map[string]string) (*Poller, *store.Store, *fakePool) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "swarm.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.Default()
	host := githost.NewClient("octo/widgets", "tok", githost.WithRunner(&fakeRunner{responses: responses}))
	pool := &fakePool{}
	return New(cfg, st, host, pool), st, pool
}

func TestTickDispatchesTriggeredIssue(t *testing.T) {
	p, st, pool := newFixture(t, map[string]string{
		"issue list":    `[{"number":42,"title":"add caching","body":"plan"}]`,
		"issue view 42": `{"comments":[{"body":"@claude-swarm start"}]}`,
		"pr list":       `[]`,
	})

	if err := p.tick(context.Background()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if len(pool.dispatched) != 1 || pool.dispatched[0] != 42 {
		t.Errorf("dispatched = %v, want [42]", pool.dispatched)
	}
	is, err := st.GetIssue(42)
	if err != nil {
		t.Fatal(err)
	}
	if is.Status != store.IssueStatusPending || is.Body != "plan" {
		t.Errorf("issue = %+v", is)
	}
}

func TestTickWithoutTriggerHoldsIssue(t *testing.T) {
	p, st, pool := newFixture(t, map[string]string{
		"issue list":    `[{"number":7,"title":"t","body":""}]`,
		"issue view 7":  `{"comments":[{"body":"looks interesting"}]}`,
		"pr list":       `[]`,
	})

	if err := p.tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(pool.dispatched) != 0 {
		t.Errorf("dispatched = %v, want none without trigger", pool.dispatched)
	}
	// Issue is still tracked, awaiting its trigger comment.
	if _, err := st.GetIssue(7); err != nil {
		t.Errorf("issue not tracked: %v", err)
	}
}

func TestEmptyTriggerMentionDisablesGate(t *testing.T) {
	p, _, pool := newFixture(t, map[string]string{
		"issue list": `[{"number":7,"title":"t","body":""}]`,
		"pr list":    `[]`,
	})
	p.cfg.TriggerMention = ""

	if err := p.tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(pool.dispatched) != 1 {
		t.Errorf("dispatched = %v, want [7] with gate disabled", pool.dispatched)
	}
}

func TestExistingPRSeedsWithoutDispatch(t *testing.T) {
	p, st, pool := newFixture(t, map[string]string{
		"issue list":          `[{"number":9,"title":"t","body":""}]`,
		"--head fix/issue-9":  `[{"number":77}]`,
		"issue view 9":        `{"comments":[{"body":"@claude-swarm start"}]}`,
	})

	if err := p.tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(pool.dispatched) != 0 {
		t.Errorf("dispatched = %v, want none when a PR already exists", pool.dispatched)
	}
	is, err := st.GetIssue(9)
	if err != nil {
		t.Fatal(err)
	}
	if is.Status != store.IssueStatusPRCreated || is.PRNumber != 77 {
		t.Errorf("issue = %+v, want pr_created/77", is)
	}
}

func TestAttemptsCeilingSkipsDispatch(t *testing.T) {
	p, st, pool := newFixture(t, map[string]string{
		"issue list":    `[{"number":3,"title":"t","body":""}]`,
		"issue view 3":  `{"comments":[{"body":"@claude-swarm start"}]}`,
		"pr list":       `[]`,
	})

	if err := st.UpsertIssue(3, "t", ""); err != nil {
		t.Fatal(err)
	}
	// Burn through the attempt budget.
	for i := 0; i < p.cfg.MaxIssueRetries; i++ {
		if err := st.ClaimIssue(3, "a"); err != nil {
			t.Fatal(err)
		}
		if err := st.ResetIssuePending(3); err != nil {
			t.Fatal(err)
		}
	}

	if err := p.tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(pool.dispatched) != 0 {
		t.Errorf("dispatched = %v, want none at the attempts ceiling", pool.dispatched)
	}
}

func TestPoolFullDefersDispatch(t *testing.T) {
	p, _, pool := newFixture(t, map[string]string{
		"issue list":    `[{"number":5,"title":"t","body":""}]`,
		"issue view 5":  `{"comments":[{"body":"@claude-swarm go"}]}`,
		"pr list":       `[]`,
	})
	pool.full = true

	if err := p.tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(pool.dispatched) != 0 {
		t.Errorf("dispatched = %v, want none while pool is full", pool.dispatched)
	}
}

func TestResolvedWithOpenPRIsReopened(t *testing.T) {
	p, st, pool := newFixture(t, map[string]string{
		"issue list":          `[{"number":11,"title":"t","body":""}]`,
		"--head fix/issue-11": `[{"number":88}]`,
	})

	if err := st.UpsertIssue(11, "t", ""); err != nil {
		t.Fatal(err)
	}
	if err := st.ClaimIssue(11, "a"); err != nil {
		t.Fatal(err)
	}
	if err := st.RecordPRCreated(11, 88); err != nil {
		t.Fatal(err)
	}
	if err := st.RecordResolved(11); err != nil {
		t.Fatal(err)
	}

	if err := p.tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(pool.dispatched) != 0 {
		t.Errorf("dispatched = %v, want none", pool.dispatched)
	}
	is, _ := st.GetIssue(11)
	if is.Status != store.IssueStatusPRCreated {
		t.Errorf("status = %q, want pr_created after reopen", is.Status)
	}
}

func TestNextDelay(t *testing.T) {
	tests := []struct {
		errs int
		want time.Duration
	}{
		{1, 30 * time.Second},
		{2, 60 * time.Second},
		{3, 120 * time.Second},
		{5, 480 * time.Second},
		{6, 10 * time.Minute},
		{50, 10 * time.Minute},
	}
	for _, tt := range tests {
		if got := nextDelay(tt.errs); got != tt.want {
			t.Errorf("nextDelay(%d) = %v, want %v", tt.errs, got, tt.want)
		}
	}
}
