// Package worktree manages the git worktrees agents execute in. Each agent
// run gets its own worktree under the configured worktree directory, so
// concurrent agents never touch the main checkout or each other.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/alekspetrov/swarm/internal/logging"
)

// Manager creates and removes worktrees of a single target repository.
type Manager struct {
	repoPath    string
	worktreeDir string
	baseBranch  string

	mu     sync.Mutex
	active map[string]string // agentID -> worktreePath
}

// NewManager returns a Manager for the repository at repoPath. Worktrees are
// created under worktreeDir and branch from baseBranch.
func NewManager(repoPath, worktreeDir, baseBranch string) *Manager {
	return &Manager{
		repoPath:    repoPath,
		worktreeDir: worktreeDir,
		baseBranch:  baseBranch,
		active:      make(map[string]string),
	}
}

// ImplementBranch returns the branch name used for an issue's implement run.
func ImplementBranch(issueNumber int) string {
	return fmt.Sprintf("fix/issue-%d", issueNumber)
}

func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("git %s failed: %w: %s", args[0], err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// EnsureRepoUpdated fetches the remote and fast-forwards the base branch in
// the main checkout. A non-fast-forward base is an error: agents must branch
// from the true upstream state.
func (m *Manager) EnsureRepoUpdated(ctx context.Context) error {
	if _, err := m.git(ctx, m.repoPath, "fetch", "origin", "--prune"); err != nil {
		return fmt.Errorf("failed to fetch origin: %w", err)
	}
	// Only fast-forward when the main checkout is sitting on the base branch.
	head, err := m.git(ctx, m.repoPath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return err
	}
	if strings.TrimSpace(head) != m.baseBranch {
		logging.WithComponent("worktree").Warn("main checkout not on base branch, skipping fast-forward",
			"head", strings.TrimSpace(head), "base", m.baseBranch)
		return nil
	}
	if _, err := m.git(ctx, m.repoPath, "merge", "--ff-only", "origin/"+m.baseBranch); err != nil {
		return fmt.Errorf("failed to fast-forward %s: %w", m.baseBranch, err)
	}
	return nil
}

// CreateForImplement creates the worktree for an issue's implement run on a
// fresh fix/issue-N branch off origin/<base>. Any stale local branch or
// worktree left by a previous attempt is removed first.
func (m *Manager) CreateForImplement(ctx context.Context, agentID string, issueNumber int) (string, string, error) {
	branch := ImplementBranch(issueNumber)
	path := filepath.Join(m.worktreeDir, fmt.Sprintf("issue-%d", issueNumber))

	if err := os.MkdirAll(m.worktreeDir, 0755); err != nil {
		return "", "", fmt.Errorf("failed to create worktree dir: %w", err)
	}

	m.removeWorktree(path)
	// Stale branch from a failed attempt would make worktree add fail.
	_, _ = m.git(ctx, m.repoPath, "branch", "-D", branch)

	if _, err := m.git(ctx, m.repoPath, "worktree", "add", "-b", branch, path, "origin/"+m.baseBranch); err != nil {
		return "", "", fmt.Errorf("failed to create worktree for issue #%d: %w", issueNumber, err)
	}

	m.track(agentID, path)
	return path, branch, nil
}

// CreateForFix creates the worktree for a review-fix run on the PR's existing
// branch, hard reset to its remote tip so the agent sees the reviewed state.
func (m *Manager) CreateForFix(ctx context.Context, agentID string, prNumber int, branch string) (string, error) {
	path := filepath.Join(m.worktreeDir, fmt.Sprintf("pr-fix-%d", prNumber))

	if err := os.MkdirAll(m.worktreeDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create worktree dir: %w", err)
	}

	if _, err := m.git(ctx, m.repoPath, "fetch", "origin", branch); err != nil {
		return "", fmt.Errorf("failed to fetch branch %s: %w", branch, err)
	}

	m.removeWorktree(path)
	_, _ = m.git(ctx, m.repoPath, "branch", "-D", branch)

	if _, err := m.git(ctx, m.repoPath, "worktree", "add", "-b", branch, path, "origin/"+branch); err != nil {
		return "", fmt.Errorf("failed to create worktree for PR #%d: %w", prNumber, err)
	}
	if _, err := m.git(ctx, path, "reset", "--hard", "origin/"+branch); err != nil {
		return "", fmt.Errorf("failed to reset to origin/%s: %w", branch, err)
	}

	m.track(agentID, path)
	return path, nil
}

func (m *Manager) track(agentID, path string) {
	m.mu.Lock()
	m.active[agentID] = path
	m.mu.Unlock()
}

// Cleanup removes the worktree for an agent run. Safe to call for paths the
// manager never created or that are already gone.
func (m *Manager) Cleanup(agentID, path string) {
	m.mu.Lock()
	delete(m.active, agentID)
	m.mu.Unlock()

	if path == "" {
		return
	}
	m.removeWorktree(path)
}

func (m *Manager) removeWorktree(path string) {
	remove := exec.Command("git", "-C", m.repoPath, "worktree", "remove", "--force", path)
	_ = remove.Run() // may already be gone
	_ = os.RemoveAll(path)
	prune := exec.Command("git", "-C", m.repoPath, "worktree", "prune")
	_ = prune.Run()
}

// List returns the worktree paths registered with git, parsed from the
// porcelain listing. The main checkout is excluded.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	output, err := m.git(ctx, m.repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(output, "\n") {
		if !strings.HasPrefix(line, "worktree ") {
			continue
		}
		path := strings.TrimPrefix(line, "worktree ")
		if filepath.Clean(path) == filepath.Clean(m.repoPath) {
			continue
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// Prune removes stale worktree registrations and orphaned directories under
// the worktree dir that git no longer knows about. Called by the maintenance
// job and after recovery.
func (m *Manager) Prune(ctx context.Context) error {
	if _, err := m.git(ctx, m.repoPath, "worktree", "prune"); err != nil {
		return err
	}

	registered, err := m.List(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(registered))
	for _, p := range registered {
		known[filepath.Clean(p)] = true
	}

	m.mu.Lock()
	for _, p := range m.active {
		known[filepath.Clean(p)] = true
	}
	m.mu.Unlock()

	entries, err := os.ReadDir(m.worktreeDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	log := logging.WithComponent("worktree")
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(m.worktreeDir, e.Name())
		if known[filepath.Clean(path)] {
			continue
		}
		log.Info("removing orphaned worktree directory", "path", path)
		_ = os.RemoveAll(path)
	}
	return nil
}

// ActiveCount returns the number of worktrees tracked by this manager.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}
