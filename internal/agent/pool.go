// Package agent supervises the external agent processes: dispatch, event
// ingestion, timeouts, rate-limit pause/resume, and post-completion PR
// recovery.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alekspetrov/swarm/internal/config"
	"github.com/alekspetrov/swarm/internal/githost"
	"github.com/alekspetrov/swarm/internal/logging"
	"github.com/alekspetrov/swarm/internal/store"
	"github.com/alekspetrov/swarm/internal/stream"
	"github.com/alekspetrov/swarm/internal/worktree"
)

// Pool maintains the live process table. It is the sole owner of process
// handles and the sole mutator of AgentRun status.
type Pool struct {
	cfg       *config.Config
	store     *store.Store
	worktrees *worktree.Manager
	host      *githost.Client
	skills    []string
	log       *slog.Logger

	mu     sync.Mutex
	agents map[string]*Handle

	rateLimitHits atomic.Int64
}

// NewPool builds a Pool. skills is the discovered capability list injected
// into prompts; pass nil when discovery is disabled.
func NewPool(cfg *config.Config, st *store.Store, wt *worktree.Manager, host *githost.Client, skills []string) *Pool {
	return &Pool{
		cfg:       cfg,
		store:     st,
		worktrees: wt,
		host:      host,
		skills:    skills,
		agents:    make(map[string]*Handle),
		log:       logging.WithComponent("pool"),
	}
}

// CanDispatch reports whether a running slot is free. Rate-limited runs do
// not occupy slots.
func (p *Pool) CanDispatch() bool {
	n, err := p.store.ActiveRunningCount()
	if err != nil {
		p.log.Error("failed to count running agents", "error", err)
		return false
	}
	return n < p.cfg.MaxConcurrentAgents
}

// RateLimitHits returns how many times a rate-limit signature has matched
// since startup. Surfaced so pattern drift is observable.
func (p *Pool) RateLimitHits() int64 {
	return p.rateLimitHits.Load()
}

func (p *Pool) allowedTools() string {
	tools := "Read,Edit,Bash,Write,Glob,Grep"
	if p.cfg.SkillsEnabled {
		tools += ",Skill"
	}
	return tools
}

// DispatchImplement spawns an implement agent for a pending issue. Returns
// the agent id, or an error when capacity, claiming, or spawning fails. A
// lost claim race is reported as store.ErrConflict.
func (p *Pool) DispatchImplement(ctx context.Context, issueNumber int) (string, error) {
	if !p.CanDispatch() {
		return "", fmt.Errorf("agent pool full (%d max)", p.cfg.MaxConcurrentAgents)
	}
	if active, err := p.store.HasActiveRunForIssue(issueNumber); err != nil {
		return "", err
	} else if active {
		return "", fmt.Errorf("issue #%d already has an active run", issueNumber)
	}

	agentID := fmt.Sprintf("agent-issue-%d-%d", issueNumber, time.Now().Unix())

	if err := p.worktrees.EnsureRepoUpdated(ctx); err != nil {
		return "", fmt.Errorf("failed to update repo before dispatch: %w", err)
	}
	wtPath, branch, err := p.worktrees.CreateForImplement(ctx, agentID, issueNumber)
	if err != nil {
		return "", err
	}

	if err := p.store.ClaimIssue(issueNumber, agentID); err != nil {
		p.worktrees.Cleanup(agentID, wtPath)
		return "", err
	}

	// The run row goes in before the process starts: events have a parent
	// row from the first line, and the capacity check is atomic with the
	// insert so concurrent dispatchers cannot overshoot the cap.
	run := &store.AgentRun{
		AgentID:      agentID,
		IssueNumber:  issueNumber,
		Kind:         store.AgentKindImplement,
		WorktreePath: wtPath,
		BranchName:   branch,
	}
	if err := p.store.ReserveAgentSlot(run, p.cfg.MaxConcurrentAgents); err != nil {
		p.store.ResetIssuePending(issueNumber) //nolint:errcheck
		p.worktrees.Cleanup(agentID, wtPath)
		if errors.Is(err, store.ErrConflict) {
			return "", fmt.Errorf("agent pool full (%d max)", p.cfg.MaxConcurrentAgents)
		}
		return "", fmt.Errorf("failed to record agent run: %w", err)
	}

	prompt := BuildImplementPrompt(issueNumber, p.cfg.MaxTurnsImplement, p.skills)
	h, err := p.launch(agentID, prompt, wtPath, spawnSpec{})
	if err != nil {
		p.store.FinishAgent(agentID, store.AgentStatusFailed, fmt.Sprintf("spawn failed: %v", err)) //nolint:errcheck
		p.store.ResetIssuePending(issueNumber)                                                      //nolint:errcheck
		p.worktrees.Cleanup(agentID, wtPath)
		return "", fmt.Errorf("failed to spawn agent for issue #%d: %w", issueNumber, err)
	}
	h.IssueNumber = issueNumber
	h.Kind = store.AgentKindImplement
	h.Branch = branch

	p.track(h)
	p.log.Info("dispatched implement agent",
		"agent_id", agentID, "issue", issueNumber, "pid", h.PID, "worktree", wtPath)
	return agentID, nil
}

// DispatchFixReview spawns a fix agent on the PR's branch. threads is the
// unresolved-thread snapshot from the monitor (nil on REST fallback);
// iterationID links the run to its ReviewIteration row.
func (p *Pool) DispatchFixReview(ctx context.Context, prNumber int, branchName string, issueNumber int, threads []githost.Thread, iterationID int64) (string, error) {
	if !p.CanDispatch() {
		return "", fmt.Errorf("agent pool full (%d max)", p.cfg.MaxConcurrentAgents)
	}
	if running, err := p.store.HasRunningFixForPR(prNumber); err != nil {
		return "", err
	} else if running {
		return "", fmt.Errorf("PR #%d already has an outstanding fix agent", prNumber)
	}

	agentID := fmt.Sprintf("agent-pr-fix-%d-%d", prNumber, time.Now().Unix())

	if err := p.worktrees.EnsureRepoUpdated(ctx); err != nil {
		return "", fmt.Errorf("failed to update repo before dispatch: %w", err)
	}
	wtPath, err := p.worktrees.CreateForFix(ctx, agentID, prNumber, branchName)
	if err != nil {
		return "", err
	}

	run := &store.AgentRun{
		AgentID:      agentID,
		IssueNumber:  issueNumber,
		PRNumber:     prNumber,
		Kind:         store.AgentKindFixReview,
		WorktreePath: wtPath,
		BranchName:   branchName,
	}
	if err := p.store.ReserveAgentSlot(run, p.cfg.MaxConcurrentAgents); err != nil {
		p.worktrees.Cleanup(agentID, wtPath)
		if errors.Is(err, store.ErrConflict) {
			return "", fmt.Errorf("agent pool full (%d max)", p.cfg.MaxConcurrentAgents)
		}
		return "", fmt.Errorf("failed to record agent run: %w", err)
	}

	prompt := BuildFixReviewPrompt(p.cfg.GitHubRepo, prNumber, threads, p.cfg.MaxTurnsFix, p.skills)
	h, err := p.launch(agentID, prompt, wtPath, spawnSpec{})
	if err != nil {
		p.store.FinishAgent(agentID, store.AgentStatusFailed, fmt.Sprintf("spawn failed: %v", err)) //nolint:errcheck
		p.worktrees.Cleanup(agentID, wtPath)
		return "", fmt.Errorf("failed to spawn fix agent for PR #%d: %w", prNumber, err)
	}
	h.IssueNumber = issueNumber
	h.PRNumber = prNumber
	h.Kind = store.AgentKindFixReview
	h.Branch = branchName
	h.iterationID = iterationID

	if iterationID > 0 {
		if err := p.store.LinkFixAgent(iterationID, agentID); err != nil {
			p.log.Error("failed to link fix agent to iteration", "error", err)
		}
	}
	p.track(h)
	p.log.Info("dispatched fix agent",
		"agent_id", agentID, "pr", prNumber, "issue", issueNumber, "pid", h.PID)
	return agentID, nil
}

// launch spawns the process with the shared spec fields filled in.
func (p *Pool) launch(agentID, prompt, wtPath string, spec spawnSpec) (*Handle, error) {
	spec.AgentID = agentID
	spec.Prompt = prompt
	spec.WorktreePath = wtPath
	spec.AllowedTools = p.allowedTools()
	spec.ClaudeToken = p.cfg.ClaudeToken
	spec.GHToken = p.cfg.GHToken
	return spawn(p.store, spec)
}

// track backfills the pid on the reserved run row, notes the handle, and
// starts its monitor.
func (p *Pool) track(h *Handle) {
	if err := p.store.RecordAgentPID(h.AgentID, h.PID); err != nil {
		p.log.Error("failed to record agent pid", "agent_id", h.AgentID, "error", err)
	}

	p.mu.Lock()
	p.agents[h.AgentID] = h
	p.mu.Unlock()

	go p.monitor(h)
}

// monitor waits for the agent to finish or exceed the timeout, then applies
// the completion policy.
func (p *Pool) monitor(h *Handle) {
	log := logging.WithAgent(h.AgentID)
	defer func() {
		p.mu.Lock()
		delete(p.agents, h.AgentID)
		p.mu.Unlock()
	}()

	select {
	case <-h.Done():
	case <-time.After(p.cfg.AgentTimeout):
		log.Warn("agent timed out, killing", "timeout", p.cfg.AgentTimeout)
		h.Kill()
		outcome := h.Outcome()
		p.store.SetTurnsUsed(h.AgentID, outcome.Turns)                                    //nolint:errcheck
		p.store.FinishAgent(h.AgentID, store.AgentStatusTimeout, "agent exceeded timeout") //nolint:errcheck
		p.afterFailure(h)
		return
	}

	outcome := h.Outcome()
	if err := p.store.SetTurnsUsed(h.AgentID, outcome.Turns); err != nil {
		log.Error("failed to record turns", "error", err)
	}

	switch {
	case outcome.ExitErr == nil:
		log.Info("agent finished", "turns", outcome.Turns)
		if h.Kind == store.AgentKindImplement {
			p.completeImplement(h, outcome)
		} else {
			p.store.FinishAgent(h.AgentID, store.AgentStatusCompleted, "") //nolint:errcheck
			if h.iterationID > 0 {
				p.store.RecordIterationStatus(h.iterationID, store.ReviewStatusFixed) //nolint:errcheck
			}
			p.worktrees.Cleanup(h.AgentID, h.WorktreePath)
		}

	case outcome.RateLimited:
		p.rateLimitHits.Add(1)
		log.Warn("agent hit rate limit, preserving worktree", "worktree", h.WorktreePath)
		msg := truncateErr(outcome.Stderr, "rate limited")
		if err := p.store.MarkRateLimited(h.AgentID, msg); err != nil {
			log.Error("failed to mark rate limited", "error", err)
		}
		// Work item stays in_progress; the watcher resumes this run.

	default:
		msg := truncateErr(outcome.Stderr, fmt.Sprintf("agent failed: %v", outcome.ExitErr))
		log.Error("agent failed", "error", msg)
		p.store.FinishAgent(h.AgentID, store.AgentStatusFailed, msg) //nolint:errcheck
		p.afterFailure(h)
	}
}

// afterFailure applies the shared failure policy: fix iterations are marked
// failed, implement issues are requeued or escalated, worktrees removed.
func (p *Pool) afterFailure(h *Handle) {
	if h.iterationID > 0 {
		p.store.RecordIterationStatus(h.iterationID, store.ReviewStatusFailed) //nolint:errcheck
	}
	if h.Kind == store.AgentKindImplement {
		p.requeueOrEscalate(h.IssueNumber)
	}
	p.worktrees.Cleanup(h.AgentID, h.WorktreePath)
}

// requeueOrEscalate returns a failed issue to pending while attempts remain,
// or escalates it to needs_human with the hosting-service label.
func (p *Pool) requeueOrEscalate(issueNumber int) {
	issue, err := p.store.GetIssue(issueNumber)
	if err != nil {
		p.log.Error("failed to load issue after failure", "issue", issueNumber, "error", err)
		return
	}
	if issue.Attempts >= p.cfg.MaxIssueRetries {
		p.log.Warn("issue exhausted implement attempts, escalating",
			"issue", issueNumber, "attempts", issue.Attempts)
		p.store.RecordNeedsHuman(issueNumber) //nolint:errcheck
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := p.host.AddIssueLabel(ctx, issueNumber, "needs-human"); err != nil {
			p.log.Error("failed to apply needs-human label", "issue", issueNumber, "error", err)
		}
		return
	}
	if err := p.store.ResetIssuePending(issueNumber); err != nil {
		p.log.Error("failed to requeue issue", "issue", issueNumber, "error", err)
	}
}

// completeImplement verifies that an implement run actually produced a PR,
// walking the recovery ladder when the events do not advertise one:
// existing PR for the branch, pushed branch without a PR, unpushed local
// commits, and finally failure.
func (p *Pool) completeImplement(h *Handle, outcome Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	log := logging.WithAgent(h.AgentID)
	branch := worktree.ImplementBranch(h.IssueNumber)

	prNum, found := stream.ExtractPRNumber(outcome.Events)

	if !found {
		if n, err := p.host.FindOpenPRForBranch(ctx, branch); err == nil && n > 0 {
			log.Info("recovered PR via branch search", "pr", n)
			prNum, found = n, true
		}
	}

	if !found && p.branchPushed(ctx, h.WorktreePath, branch) {
		log.Warn("branch pushed but no PR, creating one")
		if n, err := p.createRecoveryPR(ctx, branch, h.IssueNumber); err == nil {
			prNum, found = n, true
		} else {
			log.Error("failed to create recovery PR", "error", err)
		}
	}

	if !found && p.hasUnpushedCommits(ctx, h.WorktreePath) {
		log.Warn("unpushed commits found, pushing and creating PR")
		if err := p.pushBranch(ctx, h.WorktreePath, branch); err != nil {
			log.Error("failed to push branch", "error", err)
		} else if n, err := p.createRecoveryPR(ctx, branch, h.IssueNumber); err == nil {
			prNum, found = n, true
		} else {
			log.Error("failed to create recovery PR", "error", err)
		}
	}

	if !found {
		log.Warn("agent finished without commits or PR")
		p.store.FinishAgent(h.AgentID, store.AgentStatusFailed, "no PR produced") //nolint:errcheck
		p.requeueOrEscalate(h.IssueNumber)
		p.worktrees.Cleanup(h.AgentID, h.WorktreePath)
		return
	}

	log.Info("implement run produced PR", "pr", prNum, "issue", h.IssueNumber)
	p.store.FinishAgent(h.AgentID, store.AgentStatusCompleted, "") //nolint:errcheck
	p.store.SetAgentPR(h.AgentID, prNum)                           //nolint:errcheck
	if err := p.store.RecordPRCreated(h.IssueNumber, prNum); err != nil {
		log.Error("failed to transition issue to pr_created", "error", err)
	}
	p.worktrees.Cleanup(h.AgentID, h.WorktreePath)
}

func (p *Pool) createRecoveryPR(ctx context.Context, branch string, issueNumber int) (int, error) {
	title := fmt.Sprintf("Fix #%d: auto-created from agent work", issueNumber)
	body := fmt.Sprintf("Closes #%d\n\nThis PR was auto-created by the orchestrator because the agent completed its work but did not open a PR itself.", issueNumber)
	return p.host.CreatePR(ctx, branch, p.cfg.BaseBranch, title, body)
}

func (p *Pool) branchPushed(ctx context.Context, wtPath, branch string) bool {
	out, err := gitOutput(ctx, wtPath, "ls-remote", "--heads", "origin", branch)
	return err == nil && strings.Contains(out, branch)
}

func (p *Pool) hasUnpushedCommits(ctx context.Context, wtPath string) bool {
	out, err := gitOutput(ctx, wtPath, "log", "origin/"+p.cfg.BaseBranch+"..HEAD", "--oneline")
	return err == nil && strings.TrimSpace(out) != ""
}

func (p *Pool) pushBranch(ctx context.Context, wtPath, branch string) error {
	_, err := gitOutput(ctx, wtPath, "push", "-u", "origin", branch)
	return err
}

func gitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s failed: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Resume spawns a successor run for a rate-limited agent in its preserved
// worktree. Returns the new agent id.
func (p *Pool) Resume(ctx context.Context, run *store.AgentRun) (string, error) {
	if !p.CanDispatch() {
		return "", errors.New("agent pool full, deferring resume")
	}

	newCount := run.ResumeCount + 1
	if newCount > p.cfg.MaxRateLimitResumes {
		p.log.Warn("run exceeded resume ceiling, giving up",
			"agent_id", run.AgentID, "resumes", run.ResumeCount)
		p.store.FinishAgent(run.AgentID, store.AgentStatusFailed, "exceeded max rate-limit resumes") //nolint:errcheck
		if run.Kind == store.AgentKindImplement {
			p.requeueOrEscalate(run.IssueNumber)
		}
		p.worktrees.Cleanup(run.AgentID, run.WorktreePath)
		return "", fmt.Errorf("agent %s exceeded max rate-limit resumes", run.AgentID)
	}

	if _, err := os.Stat(run.WorktreePath); err != nil {
		p.store.FinishAgent(run.AgentID, store.AgentStatusFailed, "worktree lost during rate-limit wait") //nolint:errcheck
		if run.Kind == store.AgentKindImplement {
			p.requeueOrEscalate(run.IssueNumber)
		}
		return "", fmt.Errorf("worktree %s no longer exists", run.WorktreePath)
	}

	var prompt string
	if run.Kind == store.AgentKindImplement {
		prompt = BuildResumeImplementPrompt(run.IssueNumber, p.cfg.MaxTurnsImplement, p.skills)
	} else {
		// Fresh snapshot: threads may have changed during the wait.
		threads, err := p.host.UnresolvedThreads(ctx, run.PRNumber)
		if err != nil {
			threads = nil
		}
		prompt = BuildResumeFixReviewPrompt(run.PRNumber, threads, p.cfg.MaxTurnsFix, p.skills)
	}

	// Fix runs have no issue binding; name the successor after the PR.
	ref := run.IssueNumber
	if run.Kind == store.AgentKindFixReview {
		ref = run.PRNumber
	}
	newAgentID := fmt.Sprintf("agent-resume-%d-%d", ref, time.Now().Unix())

	newRun := &store.AgentRun{
		AgentID:      newAgentID,
		IssueNumber:  run.IssueNumber,
		PRNumber:     run.PRNumber,
		Kind:         run.Kind,
		WorktreePath: run.WorktreePath,
		BranchName:   run.BranchName,
		ResumeCount:  newCount,
	}
	if err := p.store.ReserveAgentSlot(newRun, p.cfg.MaxConcurrentAgents); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return "", errors.New("agent pool full, deferring resume")
		}
		return "", fmt.Errorf("failed to record resumed run: %w", err)
	}

	// Guarded transition: only one handler can resume a given run.
	if err := p.store.MarkResumed(run.AgentID); err != nil {
		p.store.DeleteAgent(newAgentID) //nolint:errcheck
		return "", fmt.Errorf("run %s is no longer rate_limited: %w", run.AgentID, err)
	}

	h, err := p.launch(newAgentID, prompt, run.WorktreePath, spawnSpec{
		ResumeSession: run.SessionID,
		ResumeLast:    run.SessionID == "",
	})
	if err != nil {
		p.store.FinishAgent(newAgentID, store.AgentStatusFailed, fmt.Sprintf("resume spawn failed: %v", err)) //nolint:errcheck
		if run.Kind == store.AgentKindImplement {
			p.requeueOrEscalate(run.IssueNumber)
		}
		return "", err
	}
	h.IssueNumber = run.IssueNumber
	h.PRNumber = run.PRNumber
	h.Kind = run.Kind
	h.Branch = run.BranchName

	if run.IssueNumber > 0 {
		p.store.SetIssueAgent(run.IssueNumber, newAgentID) //nolint:errcheck
	}
	p.track(h)

	p.log.Info("resumed rate-limited agent",
		"old", run.AgentID, "new", newAgentID, "resume", newCount, "worktree", run.WorktreePath)
	return newAgentID, nil
}

// EventSummary is a compact event view for the dashboard.
type EventSummary struct {
	Type    string `json:"type"`
	Summary string `json:"summary"`
}

// Snapshot is a live view of one tracked agent for the dashboard.
type Snapshot struct {
	AgentID        string         `json:"agent_id"`
	IssueNumber    int            `json:"issue_number"`
	PRNumber       int            `json:"pr_number,omitempty"`
	Kind           string         `json:"agent_type"`
	ElapsedSeconds int            `json:"elapsed_seconds"`
	EventCount     int            `json:"event_count"`
	RecentEvents   []EventSummary `json:"recent_events"`
}

// Snapshots returns live views of all tracked agents.
func (p *Pool) Snapshots() []Snapshot {
	p.mu.Lock()
	handles := make([]*Handle, 0, len(p.agents))
	for _, h := range p.agents {
		handles = append(handles, h)
	}
	p.mu.Unlock()

	out := make([]Snapshot, 0, len(handles))
	for _, h := range handles {
		recent := h.snapshotEvents(5)
		s := Snapshot{
			AgentID:        h.AgentID,
			IssueNumber:    h.IssueNumber,
			PRNumber:       h.PRNumber,
			Kind:           h.Kind,
			ElapsedSeconds: int(h.Elapsed().Seconds()),
			EventCount:     h.eventCount(),
		}
		for _, e := range recent {
			s.RecentEvents = append(s.RecentEvents, EventSummary{Type: e.Type, Summary: e.Summary})
		}
		out = append(out, s)
	}
	return out
}

// Shutdown stops tracking without killing children: agents are detached and
// keep running; the next startup's recovery pass reconciles them.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.agents) > 0 {
		ids := make([]string, 0, len(p.agents))
		for id := range p.agents {
			ids = append(ids, id)
		}
		p.log.Info("shutting down pool, agents continue independently", "agents", strings.Join(ids, ", "))
	}
}

func truncateErr(stderr, fallback string) string {
	s := strings.TrimSpace(stderr)
	if s == "" {
		return fallback
	}
	if len(s) > 500 {
		return s[:500]
	}
	return s
}
