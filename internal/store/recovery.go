package store

import (
	"fmt"
	"os"
	"syscall"

	"github.com/alekspetrov/swarm/internal/logging"
)

// PIDAlive reports whether a process with the given pid exists. Signal 0
// probes without delivering anything; EPERM still means the process exists.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}

// RecoveryResult summarizes a startup reconciliation pass.
type RecoveryResult struct {
	Adopted         []*AgentRun // still alive, left as running for re-monitoring
	Orphaned        []*AgentRun // dead, marked failed
	RateLimited     []*AgentRun // parked runs awaiting the rate limit watcher
	StaleWorktrees  []string    // worktree paths of orphaned runs, for cleanup
	RequeuedIssues  []int
	AbandonedIssues []int // in_progress issues left alone because a PR exists
}

// RecoverStaleAgents reconciles store state with reality after a restart.
// Agent processes are detached, so a run marked running may genuinely still
// be alive; its pid decides. Dead runs are failed, and their issues are
// requeued only when no PR was produced. alive may be nil to use PIDAlive.
func (s *Store) RecoverStaleAgents(alive func(pid int) bool) (*RecoveryResult, error) {
	if alive == nil {
		alive = PIDAlive
	}
	log := logging.WithComponent("recovery")

	stale, err := s.StaleAgents()
	if err != nil {
		return nil, fmt.Errorf("failed to list stale agents: %w", err)
	}

	res := &RecoveryResult{}
	for _, run := range stale {
		if run.Status == AgentStatusRateLimited {
			// Preserved on purpose; the watcher resumes these.
			res.RateLimited = append(res.RateLimited, run)
			continue
		}

		if run.PID > 0 && alive(run.PID) {
			log.Info("adopting live agent process",
				"agent_id", run.AgentID, "pid", run.PID, "issue", run.IssueNumber)
			res.Adopted = append(res.Adopted, run)
			continue
		}

		log.Warn("marking orphaned agent as failed",
			"agent_id", run.AgentID, "pid", run.PID, "issue", run.IssueNumber)
		if err := s.FinishAgent(run.AgentID, AgentStatusFailed, "orphaned by orchestrator restart"); err != nil {
			return nil, fmt.Errorf("failed to mark agent %s failed: %w", run.AgentID, err)
		}
		res.Orphaned = append(res.Orphaned, run)
		if run.WorktreePath != "" {
			res.StaleWorktrees = append(res.StaleWorktrees, run.WorktreePath)
		}

		if run.Kind != AgentKindImplement || run.IssueNumber == 0 {
			continue
		}
		issue, err := s.GetIssue(run.IssueNumber)
		if err != nil {
			continue
		}
		if issue.Status == IssueStatusInProgress && issue.PRNumber == 0 {
			if err := s.ResetIssuePending(run.IssueNumber); err != nil {
				return nil, fmt.Errorf("failed to requeue issue #%d: %w", run.IssueNumber, err)
			}
			res.RequeuedIssues = append(res.RequeuedIssues, run.IssueNumber)
		} else {
			res.AbandonedIssues = append(res.AbandonedIssues, run.IssueNumber)
		}
	}

	if len(stale) > 0 {
		log.Info("recovery pass complete",
			"adopted", len(res.Adopted),
			"orphaned", len(res.Orphaned),
			"rate_limited", len(res.RateLimited),
			"requeued", len(res.RequeuedIssues))
	}
	return res, nil
}
