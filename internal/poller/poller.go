// Package poller discovers activatable issues on the hosting service and
// hands them to the agent pool for implement dispatch.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alekspetrov/swarm/internal/config"
	"github.com/alekspetrov/swarm/internal/githost"
	"github.com/alekspetrov/swarm/internal/logging"
	"github.com/alekspetrov/swarm/internal/store"
	"github.com/alekspetrov/swarm/internal/worktree"
)

const (
	backoffBase = 30 * time.Second
	backoffMax  = 10 * time.Minute
)

// Dispatcher is the slice of the agent pool the poller needs.
type Dispatcher interface {
	CanDispatch() bool
	DispatchImplement(ctx context.Context, issueNumber int) (string, error)
}

// Poller is the periodic issue-intake loop.
type Poller struct {
	cfg   *config.Config
	store *store.Store
	host  *githost.Client
	pool  Dispatcher
	log   *slog.Logger

	consecutiveErrors int
}

// New builds a Poller.
func New(cfg *config.Config, st *store.Store, host *githost.Client, pool Dispatcher) *Poller {
	return &Poller{
		cfg:   cfg,
		store: st,
		host:  host,
		pool:  pool,
		log:   logging.WithComponent("poller"),
	}
}

// Run executes the poll loop until the context is cancelled. Failed ticks
// back off exponentially; a successful tick resets the backoff.
func (p *Poller) Run(ctx context.Context) {
	p.log.Info("issue poller started", "interval", p.cfg.PollInterval, "label", p.cfg.IssueLabel)
	for {
		delay := p.cfg.PollInterval
		if err := p.tick(ctx); err != nil {
			p.consecutiveErrors++
			delay = nextDelay(p.consecutiveErrors)
			p.log.Error("poll tick failed",
				"error", err, "consecutive", p.consecutiveErrors, "backoff", delay)
		} else {
			p.consecutiveErrors = 0
		}

		select {
		case <-ctx.Done():
			p.log.Info("issue poller stopped")
			return
		case <-time.After(delay):
		}
	}
}

// nextDelay returns min(base * 2^k, 10min) for k consecutive errors.
func nextDelay(consecutiveErrors int) time.Duration {
	k := consecutiveErrors - 1
	if k < 0 {
		k = 0
	}
	if k > 5 {
		// 30s << 5 is already past the cap.
		return backoffMax
	}
	d := backoffBase << uint(k)
	if d > backoffMax {
		return backoffMax
	}
	return d
}

// tick runs one intake pass.
func (p *Poller) tick(ctx context.Context) error {
	issues, err := p.host.ListOpenIssues(ctx, p.cfg.IssueLabel)
	if err != nil {
		return fmt.Errorf("issue poll failed: %w", err)
	}
	p.log.Debug("polled issues", "count", len(issues))

	for _, issue := range issues {
		if err := p.handleIssue(ctx, issue); err != nil {
			p.log.Error("failed to process issue", "issue", issue.Number, "error", err)
		}
	}
	return nil
}

func (p *Poller) handleIssue(ctx context.Context, issue githost.Issue) error {
	existing, err := p.store.GetIssue(issue.Number)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if existing == nil {
		return p.handleNewIssue(ctx, issue)
	}

	switch existing.Status {
	case store.IssueStatusPending:
		if existing.Attempts >= p.cfg.MaxIssueRetries {
			p.log.Warn("issue exhausted retries, skipping",
				"issue", issue.Number, "attempts", existing.Attempts)
			return nil
		}
		// Refresh the snapshot; someone may have edited the plan.
		if err := p.store.UpsertIssue(issue.Number, issue.Title, issue.Body); err != nil {
			return err
		}
		return p.maybeDispatch(ctx, issue.Number)

	case store.IssueStatusResolved:
		// A resolved issue whose PR is still open was resolved prematurely;
		// put it back under PR monitoring.
		if existing.PRNumber == 0 {
			return nil
		}
		openPR, err := p.host.FindOpenPRForBranch(ctx, worktree.ImplementBranch(issue.Number))
		if err != nil || openPR == 0 {
			return err
		}
		p.log.Warn("resolved issue still has an open PR, reopening",
			"issue", issue.Number, "pr", openPR)
		return p.store.ReopenIssuePR(issue.Number, openPR)

	default:
		// in_progress, pr_created, needs_human: other loops own these.
		return nil
	}
}

func (p *Poller) handleNewIssue(ctx context.Context, issue githost.Issue) error {
	// An issue that already has an open PR skips the implement phase
	// entirely and goes straight under PR monitoring.
	openPR, err := p.host.FindOpenPRForBranch(ctx, worktree.ImplementBranch(issue.Number))
	if err != nil {
		p.log.Warn("existing-PR check failed", "issue", issue.Number, "error", err)
	}
	if openPR > 0 {
		p.log.Info("new issue already has an open PR, seeding for monitoring",
			"issue", issue.Number, "pr", openPR)
		return p.store.SeedIssuePRCreated(issue.Number, issue.Title, issue.Body, openPR)
	}

	if err := p.store.UpsertIssue(issue.Number, issue.Title, issue.Body); err != nil {
		return err
	}
	p.log.Info("discovered new issue", "issue", issue.Number, "title", issue.Title)
	return p.maybeDispatch(ctx, issue.Number)
}

// maybeDispatch dispatches an implement agent when the trigger gate passes
// and capacity allows. Deferred dispatches are retried next tick.
func (p *Poller) maybeDispatch(ctx context.Context, issueNumber int) error {
	triggered, err := p.hasTrigger(ctx, issueNumber)
	if err != nil {
		return err
	}
	if !triggered {
		p.log.Debug("issue waiting for trigger comment", "issue", issueNumber)
		return nil
	}
	if !p.pool.CanDispatch() {
		p.log.Info("pool full, deferring dispatch", "issue", issueNumber)
		return nil
	}

	agentID, err := p.pool.DispatchImplement(ctx, issueNumber)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Lost the claim race; someone else is on it.
			return nil
		}
		return fmt.Errorf("dispatch failed for issue #%d: %w", issueNumber, err)
	}
	p.log.Info("dispatched agent", "issue", issueNumber, "agent_id", agentID)
	return nil
}

// hasTrigger checks the trigger gate: with an empty TRIGGER_MENTION every
// labelled issue is eligible, otherwise some comment must mention it.
func (p *Poller) hasTrigger(ctx context.Context, issueNumber int) (bool, error) {
	if p.cfg.TriggerMention == "" {
		return true, nil
	}
	comments, err := p.host.IssueComments(ctx, issueNumber)
	if err != nil {
		return false, fmt.Errorf("trigger check failed for issue #%d: %w", issueNumber, err)
	}
	mention := strings.ToLower(p.cfg.TriggerMention)
	for _, body := range comments {
		if strings.Contains(strings.ToLower(body), mention) {
			return true, nil
		}
	}
	return false, nil
}
