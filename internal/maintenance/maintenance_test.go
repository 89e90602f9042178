package maintenance

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/alekspetrov/swarm/internal/store"
	"github.com/alekspetrov/swarm/internal/worktree"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, args := range [][]string{
		{"init", "-b", "main"},
		{"-c", "user.email=test@test", "-c", "user.name=test", "commit", "--allow-empty", "-m", "init"},
	} {
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	return dir
}

func TestRunOnce(t *testing.T) {
	repo := initRepo(t)
	wtDir := t.TempDir()

	st, err := store.Open(filepath.Join(t.TempDir(), "swarm.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	wt := worktree.NewManager(repo, wtDir, "main")
	r := New(st, wt)

	// A directory git does not know about should be swept.
	orphan := filepath.Join(wtDir, "agent-issue-99-stale")
	if err := os.MkdirAll(orphan, 0755); err != nil {
		t.Fatal(err)
	}

	r.RunOnce(context.Background())

	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Errorf("orphaned worktree dir survived: %v", err)
	}
}

func TestStartAndStop(t *testing.T) {
	repo := initRepo(t)
	st, err := store.Open(filepath.Join(t.TempDir(), "swarm.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	r := New(st, worktree.NewManager(repo, t.TempDir(), "main"))
	ctx, cancel := context.WithCancel(context.Background())
	if err := r.Start(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()
}

func TestStartRejectsBadSchedule(t *testing.T) {
	repo := initRepo(t)
	st, err := store.Open(filepath.Join(t.TempDir(), "swarm.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	r := New(st, worktree.NewManager(repo, t.TempDir(), "main"))
	r.schedule = "not a schedule"
	if err := r.Start(context.Background()); err == nil {
		t.Error("expected error for invalid schedule")
	}
}
