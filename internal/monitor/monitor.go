// Package monitor drives the review-fix loop: it watches open PRs produced
// by implement agents and dispatches fix agents until the PR is clean,
// merged, or out of retries.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alekspetrov/swarm/internal/config"
	"github.com/alekspetrov/swarm/internal/githost"
	"github.com/alekspetrov/swarm/internal/logging"
	"github.com/alekspetrov/swarm/internal/store"
)

// FixDispatcher is the slice of the agent pool the monitor needs.
type FixDispatcher interface {
	CanDispatch() bool
	DispatchFixReview(ctx context.Context, prNumber int, branchName string, issueNumber int, threads []githost.Thread, iterationID int64) (string, error)
}

// Monitor is the periodic PR review loop.
type Monitor struct {
	cfg   *config.Config
	store *store.Store
	host  *githost.Client
	pool  FixDispatcher
	log   *slog.Logger

	// lastCommentCounts tracks the REST comment count per PR so the
	// fallback path only reacts to new comments, not re-reads.
	lastCommentCounts map[int]int
}

// New builds a Monitor.
func New(cfg *config.Config, st *store.Store, host *githost.Client, pool FixDispatcher) *Monitor {
	return &Monitor{
		cfg:               cfg,
		store:             st,
		host:              host,
		pool:              pool,
		log:               logging.WithComponent("monitor"),
		lastCommentCounts: make(map[int]int),
	}
}

// Run executes the monitor loop until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.log.Info("PR monitor started", "interval", m.cfg.PRPollInterval)
	ticker := time.NewTicker(m.cfg.PRPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.log.Info("PR monitor stopped")
			return
		case <-ticker.C:
			if err := m.tick(ctx); err != nil {
				m.log.Error("monitor tick failed", "error", err)
			}
		}
	}
}

// tick runs one pass over every issue waiting on its PR.
func (m *Monitor) tick(ctx context.Context) error {
	issues, err := m.store.IssuesByStatus(store.IssueStatusPRCreated)
	if err != nil {
		return fmt.Errorf("failed to list issues under PR monitoring: %w", err)
	}
	for _, issue := range issues {
		if issue.PRNumber == 0 {
			continue
		}
		if err := m.checkPR(ctx, issue); err != nil {
			m.log.Error("failed to check PR",
				"pr", issue.PRNumber, "issue", issue.Number, "error", err)
		}
	}
	return nil
}

func (m *Monitor) checkPR(ctx context.Context, issue *store.Issue) error {
	pr := issue.PRNumber

	iterations, err := m.store.ReviewIterations(pr)
	if err != nil {
		return err
	}
	if len(iterations) >= m.cfg.MaxPRFixRetries {
		m.log.Warn("PR exhausted fix retries, escalating",
			"pr", pr, "issue", issue.Number, "iterations", len(iterations))
		return m.escalate(ctx, issue.Number)
	}

	// One fix agent at a time per PR.
	if fixing, err := m.store.HasRunningFixForPR(pr); err != nil {
		return err
	} else if fixing {
		m.log.Debug("fix agent already outstanding", "pr", pr)
		return nil
	}

	checks, err := m.host.PRChecks(ctx, pr)
	if err != nil {
		return fmt.Errorf("failed to fetch checks for PR #%d: %w", pr, err)
	}
	if checks == githost.ChecksPending {
		m.log.Debug("CI still running, waiting", "pr", pr)
		return nil
	}
	ciFailed := checks == githost.ChecksFailed

	threads, err := m.host.UnresolvedThreads(ctx, pr)
	if err != nil {
		m.log.Warn("thread query failed, using comment-count fallback",
			"pr", pr, "error", err)
		return m.checkPRByCommentCount(ctx, issue, ciFailed)
	}

	if len(threads) == 0 && !ciFailed {
		return m.resolveIfMerged(ctx, issue)
	}

	m.log.Info("PR needs fixes",
		"pr", pr, "unresolved_threads", len(threads), "ci_failed", ciFailed,
		"iteration", len(iterations)+1)
	return m.recordAndDispatch(ctx, issue, len(iterations)+1, threads, len(threads), threads)
}

// checkPRByCommentCount is the degraded path when the thread API is
// unavailable: react only when the total review comment count grows.
func (m *Monitor) checkPRByCommentCount(ctx context.Context, issue *store.Issue, ciFailed bool) error {
	pr := issue.PRNumber
	threads, count, err := m.host.ReviewComments(ctx, pr)
	if err != nil {
		return fmt.Errorf("comment-count fallback failed for PR #%d: %w", pr, err)
	}
	prev := m.lastCommentCounts[pr]

	switch {
	case count == 0 && !ciFailed:
		return m.resolveIfMerged(ctx, issue)

	case count > prev || ciFailed:
		iterations, err := m.store.ReviewIterations(pr)
		if err != nil {
			return err
		}
		m.lastCommentCounts[pr] = count
		m.log.Info("PR needs fixes (comment-count heuristic)",
			"pr", pr, "comments", count, "previous", prev, "ci_failed", ciFailed,
			"iteration", len(iterations)+1)
		// Snapshot is stored for display only; the fix agent fetches the
		// comments itself because resolution state is unknown here.
		if err := m.recordAndDispatch(ctx, issue, len(iterations)+1, threads, count, nil); err != nil {
			return err
		}
		return nil

	case prev > 0 && count <= prev:
		// No new comments since the last fix and CI is green.
		return m.resolveIfMerged(ctx, issue)
	}
	return nil
}

// recordAndDispatch opens the ReviewIteration row and hands the PR to the
// pool. snapshot is persisted for the dashboard; promptThreads is what the
// fix agent sees (nil makes it fetch the comments itself).
func (m *Monitor) recordAndDispatch(ctx context.Context, issue *store.Issue, iteration int, snapshot []githost.Thread, count int, promptThreads []githost.Thread) error {
	pr := issue.PRNumber
	if !m.pool.CanDispatch() {
		m.log.Info("pool full, deferring fix dispatch", "pr", pr)
		return nil
	}

	branch, err := m.host.PRBranch(ctx, pr)
	if err != nil {
		return fmt.Errorf("failed to determine branch for PR #%d: %w", pr, err)
	}

	snapshotJSON := ""
	if len(snapshot) > 0 {
		b, err := json.Marshal(snapshot)
		if err != nil {
			return fmt.Errorf("failed to encode thread snapshot for PR #%d: %w", pr, err)
		}
		snapshotJSON = string(b)
	}
	iterID, err := m.store.CreateReviewIteration(pr, iteration, count, snapshotJSON)
	if err != nil {
		return fmt.Errorf("failed to record review iteration for PR #%d: %w", pr, err)
	}

	agentID, err := m.pool.DispatchFixReview(ctx, pr, branch, issue.Number, promptThreads, iterID)
	if err != nil {
		if ferr := m.store.RecordIterationStatus(iterID, store.ReviewStatusFailed); ferr != nil {
			m.log.Error("failed to mark iteration failed", "iteration_id", iterID, "error", ferr)
		}
		return fmt.Errorf("fix dispatch failed for PR #%d: %w", pr, err)
	}
	m.log.Info("dispatched fix agent", "pr", pr, "agent_id", agentID, "iteration", iteration)
	return nil
}

// resolveIfMerged closes out the work item only once the PR has actually
// merged. A clean, green PR that is still open stays under monitoring; a PR
// closed without merging goes to a human.
func (m *Monitor) resolveIfMerged(ctx context.Context, issue *store.Issue) error {
	pr := issue.PRNumber
	state, err := m.host.PRState(ctx, pr)
	if err != nil {
		return fmt.Errorf("failed to fetch merge state for PR #%d: %w", pr, err)
	}
	switch state {
	case githost.PRStateMerged:
		m.log.Info("PR merged, resolving issue", "pr", pr, "issue", issue.Number)
		delete(m.lastCommentCounts, pr)
		return m.store.RecordResolved(issue.Number)
	case githost.PRStateClosed:
		m.log.Warn("PR closed without merging, escalating",
			"pr", pr, "issue", issue.Number)
		delete(m.lastCommentCounts, pr)
		return m.escalate(ctx, issue.Number)
	default:
		m.log.Debug("PR clean, awaiting merge", "pr", pr, "issue", issue.Number)
		return nil
	}
}

func (m *Monitor) escalate(ctx context.Context, issueNumber int) error {
	if err := m.store.RecordNeedsHuman(issueNumber); err != nil {
		return err
	}
	if err := m.host.AddIssueLabel(ctx, issueNumber, "needs-human"); err != nil {
		m.log.Error("failed to label issue", "issue", issueNumber, "error", err)
	}
	return nil
}
