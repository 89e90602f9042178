package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "swarm.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarm.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Reopening runs migrations again against the populated schema.
	s, err = Open(path)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer func() { _ = s.Close() }()

	if err := s.UpsertIssue(1, "title", "body"); err != nil {
		t.Fatalf("UpsertIssue after reopen failed: %v", err)
	}
	is, err := s.GetIssue(1)
	if err != nil {
		t.Fatalf("GetIssue failed: %v", err)
	}
	if is.Body != "body" {
		t.Errorf("migrated body column not persisted, got %q", is.Body)
	}
}

func TestUpsertIssuePreservesStatus(t *testing.T) {
	s := newTestStore(t)

	if err := s.UpsertIssue(42, "add feature", "details"); err != nil {
		t.Fatalf("UpsertIssue failed: %v", err)
	}
	if err := s.ClaimIssue(42, "agent-1"); err != nil {
		t.Fatalf("ClaimIssue failed: %v", err)
	}

	// A later poll re-upserts the same issue; status must survive.
	if err := s.UpsertIssue(42, "add feature (edited)", "details v2"); err != nil {
		t.Fatalf("second UpsertIssue failed: %v", err)
	}
	is, err := s.GetIssue(42)
	if err != nil {
		t.Fatalf("GetIssue failed: %v", err)
	}
	if is.Status != IssueStatusInProgress {
		t.Errorf("status = %q, want %q", is.Status, IssueStatusInProgress)
	}
	if is.Title != "add feature (edited)" {
		t.Errorf("title not refreshed: %q", is.Title)
	}
	if is.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", is.Attempts)
	}
}

func TestClaimIssueAtomic(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpsertIssue(7, "t", ""); err != nil {
		t.Fatalf("UpsertIssue failed: %v", err)
	}

	if err := s.ClaimIssue(7, "agent-a"); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	if err := s.ClaimIssue(7, "agent-b"); !errors.Is(err, ErrConflict) {
		t.Errorf("second claim err = %v, want ErrConflict", err)
	}

	is, _ := s.GetIssue(7)
	if is.AgentID != "agent-a" {
		t.Errorf("agent_id = %q, want agent-a", is.AgentID)
	}
	if is.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (failed claim must not increment)", is.Attempts)
	}
}

func TestIssueLifecycleGuards(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpsertIssue(3, "t", ""); err != nil {
		t.Fatalf("UpsertIssue failed: %v", err)
	}

	// resolved requires pr_created first
	if err := s.RecordResolved(3); !errors.Is(err, ErrConflict) {
		t.Errorf("RecordResolved from pending err = %v, want ErrConflict", err)
	}
	// pr_created requires in_progress
	if err := s.RecordPRCreated(3, 99); !errors.Is(err, ErrConflict) {
		t.Errorf("RecordPRCreated from pending err = %v, want ErrConflict", err)
	}

	if err := s.ClaimIssue(3, "a1"); err != nil {
		t.Fatalf("ClaimIssue failed: %v", err)
	}
	if err := s.RecordPRCreated(3, 99); err != nil {
		t.Fatalf("RecordPRCreated failed: %v", err)
	}
	if err := s.RecordResolved(3); err != nil {
		t.Fatalf("RecordResolved failed: %v", err)
	}

	is, _ := s.GetIssue(3)
	if is.Status != IssueStatusResolved || is.PRNumber != 99 {
		t.Errorf("got status=%q pr=%d, want resolved/99", is.Status, is.PRNumber)
	}
}

func TestResetIssuePendingOnlyWithoutPR(t *testing.T) {
	s := newTestStore(t)

	if err := s.UpsertIssue(1, "t", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.ClaimIssue(1, "a1"); err != nil {
		t.Fatal(err)
	}
	if err := s.ResetIssuePending(1); err != nil {
		t.Fatalf("ResetIssuePending failed: %v", err)
	}
	is, _ := s.GetIssue(1)
	if is.Status != IssueStatusPending || is.AgentID != "" {
		t.Errorf("got status=%q agent=%q, want pending with no agent", is.Status, is.AgentID)
	}

	// With a PR the reset must be a no-op.
	if err := s.UpsertIssue(2, "t", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.ClaimIssue(2, "a2"); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordPRCreated(2, 55); err != nil {
		t.Fatal(err)
	}
	if err := s.ResetIssuePending(2); err != nil {
		t.Fatalf("ResetIssuePending failed: %v", err)
	}
	is, _ = s.GetIssue(2)
	if is.Status != IssueStatusPRCreated {
		t.Errorf("status = %q, want pr_created to survive reset", is.Status)
	}
}

func TestSeedIssuePRCreated(t *testing.T) {
	s := newTestStore(t)
	if err := s.SeedIssuePRCreated(10, "already has pr", "", 77); err != nil {
		t.Fatalf("SeedIssuePRCreated failed: %v", err)
	}
	is, err := s.GetIssue(10)
	if err != nil {
		t.Fatal(err)
	}
	if is.Status != IssueStatusPRCreated || is.PRNumber != 77 {
		t.Errorf("got status=%q pr=%d, want pr_created/77", is.Status, is.PRNumber)
	}
	if is.Attempts != 0 {
		t.Errorf("attempts = %d, want 0 for seeded issue", is.Attempts)
	}
}

func TestAgentRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpsertIssue(5, "t", ""); err != nil {
		t.Fatal(err)
	}

	run := &AgentRun{
		AgentID:      "implement-5-abc",
		IssueNumber:  5,
		Kind:         AgentKindImplement,
		WorktreePath: "/tmp/wt/issue-5",
		BranchName:   "fix/issue-5",
	}
	if err := s.CreateAgent(run); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}
	if err := s.RecordAgentPID(run.AgentID, 12345); err != nil {
		t.Fatal(err)
	}

	// First session id wins.
	if err := s.RecordAgentSession(run.AgentID, "sess-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordAgentSession(run.AgentID, "sess-2"); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetAgent(run.AgentID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SessionID != "sess-1" {
		t.Errorf("session_id = %q, want sess-1 (first wins)", got.SessionID)
	}
	if got.PID != 12345 {
		t.Errorf("pid = %d, want 12345", got.PID)
	}

	n, err := s.ActiveRunningCount()
	if err != nil || n != 1 {
		t.Errorf("ActiveRunningCount = %d (%v), want 1", n, err)
	}

	if err := s.FinishAgent(run.AgentID, AgentStatusCompleted, ""); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetAgent(run.AgentID)
	if got.Status != AgentStatusCompleted || got.FinishedAt == "" {
		t.Errorf("got status=%q finished_at=%q", got.Status, got.FinishedAt)
	}
}

func TestRateLimitTransitions(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpsertIssue(8, "t", ""); err != nil {
		t.Fatal(err)
	}
	run := &AgentRun{AgentID: "implement-8-x", IssueNumber: 8, Kind: AgentKindImplement}
	if err := s.CreateAgent(run); err != nil {
		t.Fatal(err)
	}

	if err := s.MarkRateLimited(run.AgentID, "usage limit reached"); err != nil {
		t.Fatalf("MarkRateLimited failed: %v", err)
	}
	limited, err := s.RateLimitedAgents()
	if err != nil || len(limited) != 1 {
		t.Fatalf("RateLimitedAgents = %d (%v), want 1", len(limited), err)
	}
	if limited[0].RateLimitedAt == "" {
		t.Error("rate_limited_at not set")
	}

	// Rate limited runs do not count toward the concurrency cap.
	n, _ := s.ActiveRunningCount()
	if n != 0 {
		t.Errorf("ActiveRunningCount = %d, want 0", n)
	}
	// But the issue still has an active run.
	active, _ := s.HasActiveRunForIssue(8)
	if !active {
		t.Error("HasActiveRunForIssue = false, want true for rate_limited run")
	}

	if err := s.MarkResumed(run.AgentID); err != nil {
		t.Fatalf("MarkResumed failed: %v", err)
	}
	if err := s.MarkResumed(run.AgentID); !errors.Is(err, ErrConflict) {
		t.Errorf("second MarkResumed err = %v, want ErrConflict", err)
	}
}

func TestEventsSinceOrdering(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpsertIssue(1, "t", ""); err != nil {
		t.Fatal(err)
	}
	run := &AgentRun{AgentID: "a1", IssueNumber: 1, Kind: AgentKindImplement}
	if err := s.CreateAgent(run); err != nil {
		t.Fatal(err)
	}

	for _, typ := range []string{"system", "assistant", "tool_use", "assistant", "result"} {
		if err := s.AppendEvent("a1", typ, `{"t":"`+typ+`"}`); err != nil {
			t.Fatal(err)
		}
	}

	events, err := s.EventsSince("a1", 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 5 {
		t.Fatalf("len(events) = %d, want 5", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].ID <= events[i-1].ID {
			t.Errorf("events out of order at %d: %d <= %d", i, events[i].ID, events[i-1].ID)
		}
	}

	tail, err := s.EventsSince("a1", events[2].ID, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 2 {
		t.Errorf("len(tail) = %d, want 2", len(tail))
	}

	turns, err := s.TurnCount("a1")
	if err != nil || turns != 2 {
		t.Errorf("TurnCount = %d (%v), want 2", turns, err)
	}
}

func TestReviewIterations(t *testing.T) {
	s := newTestStore(t)

	id, err := s.CreateReviewIteration(12, 1, 3, `[{"path":"main.go"}]`)
	if err != nil {
		t.Fatalf("CreateReviewIteration failed: %v", err)
	}
	if err := s.UpsertIssue(1, "t", ""); err != nil {
		t.Fatal(err)
	}
	run := &AgentRun{AgentID: "fix-12-1", IssueNumber: 1, PRNumber: 12, Kind: AgentKindFixReview}
	if err := s.CreateAgent(run); err != nil {
		t.Fatal(err)
	}
	if err := s.LinkFixAgent(id, run.AgentID); err != nil {
		t.Fatal(err)
	}

	running, err := s.HasRunningFixForPR(12)
	if err != nil || !running {
		t.Errorf("HasRunningFixForPR = %v (%v), want true", running, err)
	}

	if err := s.RecordIterationStatus(id, ReviewStatusFixed); err != nil {
		t.Fatal(err)
	}
	iters, err := s.ReviewIterations(12)
	if err != nil || len(iters) != 1 {
		t.Fatalf("ReviewIterations = %d (%v), want 1", len(iters), err)
	}
	if iters[0].Status != ReviewStatusFixed || iters[0].AgentID != "fix-12-1" {
		t.Errorf("iteration = %+v", iters[0])
	}
}

func TestGetMetrics(t *testing.T) {
	s := newTestStore(t)

	for i := 1; i <= 4; i++ {
		if err := s.UpsertIssue(i, "t", ""); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.ClaimIssue(1, "a1"); err != nil {
		t.Fatal(err)
	}
	if err := s.ClaimIssue(2, "a2"); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordPRCreated(2, 20); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordResolved(2); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateAgent(&AgentRun{AgentID: "a1", IssueNumber: 1, Kind: AgentKindImplement}); err != nil {
		t.Fatal(err)
	}

	m, err := s.GetMetrics()
	if err != nil {
		t.Fatalf("GetMetrics failed: %v", err)
	}
	if m.TotalIssues != 4 || m.Resolved != 1 || m.Pending != 2 || m.InProgress != 1 {
		t.Errorf("metrics = %+v", m)
	}
	if m.ActiveAgents != 1 {
		t.Errorf("ActiveAgents = %d, want 1", m.ActiveAgents)
	}
}

func TestRecoverStaleAgents(t *testing.T) {
	s := newTestStore(t)

	// Dead implement agent with no PR: failed + requeued.
	if err := s.UpsertIssue(1, "t", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.ClaimIssue(1, "dead-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateAgent(&AgentRun{AgentID: "dead-1", IssueNumber: 1, Kind: AgentKindImplement, WorktreePath: "/tmp/wt/issue-1", PID: 111}); err != nil {
		t.Fatal(err)
	}

	// Dead implement agent whose PR landed before the crash: no requeue.
	if err := s.UpsertIssue(2, "t", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.ClaimIssue(2, "dead-2"); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordPRCreated(2, 22); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateAgent(&AgentRun{AgentID: "dead-2", IssueNumber: 2, Kind: AgentKindImplement, PID: 222}); err != nil {
		t.Fatal(err)
	}

	// Live agent: adopted, untouched.
	if err := s.UpsertIssue(3, "t", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.ClaimIssue(3, "live-3"); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateAgent(&AgentRun{AgentID: "live-3", IssueNumber: 3, Kind: AgentKindImplement, PID: 333}); err != nil {
		t.Fatal(err)
	}

	// Rate limited agent: preserved.
	if err := s.UpsertIssue(4, "t", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.ClaimIssue(4, "limited-4"); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateAgent(&AgentRun{AgentID: "limited-4", IssueNumber: 4, Kind: AgentKindImplement, PID: 444}); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkRateLimited("limited-4", "rate limit"); err != nil {
		t.Fatal(err)
	}

	alive := func(pid int) bool { return pid == 333 }
	res, err := s.RecoverStaleAgents(alive)
	if err != nil {
		t.Fatalf("RecoverStaleAgents failed: %v", err)
	}

	if len(res.Adopted) != 1 || res.Adopted[0].AgentID != "live-3" {
		t.Errorf("Adopted = %+v, want live-3", res.Adopted)
	}
	if len(res.Orphaned) != 2 {
		t.Errorf("Orphaned = %d, want 2", len(res.Orphaned))
	}
	if len(res.RateLimited) != 1 || res.RateLimited[0].AgentID != "limited-4" {
		t.Errorf("RateLimited = %+v, want limited-4", res.RateLimited)
	}
	if len(res.RequeuedIssues) != 1 || res.RequeuedIssues[0] != 1 {
		t.Errorf("RequeuedIssues = %v, want [1]", res.RequeuedIssues)
	}
	if len(res.StaleWorktrees) != 1 || res.StaleWorktrees[0] != "/tmp/wt/issue-1" {
		t.Errorf("StaleWorktrees = %v", res.StaleWorktrees)
	}

	is1, _ := s.GetIssue(1)
	if is1.Status != IssueStatusPending {
		t.Errorf("issue 1 status = %q, want pending", is1.Status)
	}
	is2, _ := s.GetIssue(2)
	if is2.Status != IssueStatusPRCreated {
		t.Errorf("issue 2 status = %q, want pr_created", is2.Status)
	}

	a, _ := s.GetAgent("dead-1")
	if a.Status != AgentStatusFailed {
		t.Errorf("dead-1 status = %q, want failed", a.Status)
	}
	a, _ = s.GetAgent("live-3")
	if a.Status != AgentStatusRunning {
		t.Errorf("live-3 status = %q, want running", a.Status)
	}

	// A second pass only re-adopts the live agent.
	res2, err := s.RecoverStaleAgents(alive)
	if err != nil {
		t.Fatal(err)
	}
	if len(res2.Orphaned) != 0 || len(res2.RequeuedIssues) != 0 {
		t.Errorf("second pass orphaned=%d requeued=%d, want 0/0", len(res2.Orphaned), len(res2.RequeuedIssues))
	}
}

func TestEventSubscription(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateAgent(&AgentRun{AgentID: "a1", Kind: AgentKindImplement}); err != nil {
		t.Fatal(err)
	}

	sub := s.SubscribeEvents()
	if err := s.AppendEvent("a1", "assistant", "hello"); err != nil {
		t.Fatal(err)
	}

	select {
	case e := <-sub:
		if e.AgentID != "a1" || e.Type != "assistant" || e.ID == 0 {
			t.Errorf("event = %+v", e)
		}
	default:
		t.Fatal("no event delivered to subscriber")
	}

	s.UnsubscribeEvents(sub)
	if _, ok := <-sub; ok {
		t.Error("channel not closed after unsubscribe")
	}
	// Appending after unsubscribe must not panic.
	if err := s.AppendEvent("a1", "assistant", "again"); err != nil {
		t.Fatal(err)
	}
}

func TestRecentEvents(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateAgent(&AgentRun{AgentID: "a1", Kind: AgentKindImplement}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if err := s.AppendEvent("a1", "assistant", "e"); err != nil {
			t.Fatal(err)
		}
	}

	events, err := s.RecentEvents(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("len = %d, want 3", len(events))
	}
	if events[0].ID <= events[1].ID {
		t.Errorf("expected id-descending order, got %d then %d", events[0].ID, events[1].ID)
	}
}

func TestCreateAgentWithoutIssueBinding(t *testing.T) {
	s := newTestStore(t)

	// Fix runs seeded from a PR have no issue row; issue_number stays NULL.
	if err := s.CreateAgent(&AgentRun{AgentID: "fix-9-x", PRNumber: 9, Kind: AgentKindFixReview}); err != nil {
		t.Fatalf("CreateAgent without issue failed: %v", err)
	}
	got, err := s.GetAgent("fix-9-x")
	if err != nil {
		t.Fatal(err)
	}
	if got.IssueNumber != 0 || got.PRNumber != 9 {
		t.Errorf("issue=%d pr=%d, want 0/9", got.IssueNumber, got.PRNumber)
	}
	if err := s.AppendEvent("fix-9-x", "assistant", "hi"); err != nil {
		t.Errorf("AppendEvent for issue-less run failed: %v", err)
	}
}

func TestReserveAgentSlotEnforcesCap(t *testing.T) {
	s := newTestStore(t)

	for i := 1; i <= 2; i++ {
		run := &AgentRun{AgentID: fmt.Sprintf("a%d", i), Kind: AgentKindImplement}
		if err := s.ReserveAgentSlot(run, 2); err != nil {
			t.Fatalf("reserve %d failed: %v", i, err)
		}
	}
	err := s.ReserveAgentSlot(&AgentRun{AgentID: "a3", Kind: AgentKindImplement}, 2)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("reserve over cap err = %v, want ErrConflict", err)
	}
	if _, err := s.GetAgent("a3"); !errors.Is(err, ErrNotFound) {
		t.Error("refused reservation must not leave a row")
	}

	if err := s.FinishAgent("a1", AgentStatusCompleted, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.ReserveAgentSlot(&AgentRun{AgentID: "a3", Kind: AgentKindImplement}, 2); err != nil {
		t.Errorf("reserve after slot freed failed: %v", err)
	}
}

func TestDeleteAgentRollsBackReservation(t *testing.T) {
	s := newTestStore(t)

	if err := s.ReserveAgentSlot(&AgentRun{AgentID: "a1", Kind: AgentKindImplement}, 1); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteAgent("a1"); err != nil {
		t.Fatalf("DeleteAgent failed: %v", err)
	}
	if _, err := s.GetAgent("a1"); !errors.Is(err, ErrNotFound) {
		t.Error("deleted run still present")
	}
	// The slot is free again.
	if err := s.ReserveAgentSlot(&AgentRun{AgentID: "a2", Kind: AgentKindImplement}, 1); err != nil {
		t.Errorf("reserve after delete failed: %v", err)
	}
}
