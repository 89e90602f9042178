// Package store provides the durable state store for the orchestrator using
// SQLite. It owns the four entity collections (issues, agent runs, agent
// events, PR review iterations) and is the single point of truth all other
// components mutate state through.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a guarded state transition does not apply,
// e.g. claiming an issue that is no longer pending.
var ErrConflict = errors.New("store: conflicting state transition")

// Issue statuses.
const (
	IssueStatusPending    = "pending"
	IssueStatusInProgress = "in_progress"
	IssueStatusPRCreated  = "pr_created"
	IssueStatusResolved   = "resolved"
	IssueStatusNeedsHuman = "needs_human"
)

// Agent run statuses.
const (
	AgentStatusRunning     = "running"
	AgentStatusCompleted   = "completed"
	AgentStatusFailed      = "failed"
	AgentStatusTimeout     = "timeout"
	AgentStatusRateLimited = "rate_limited"
	AgentStatusResumed     = "resumed"
)

// Agent run kinds.
const (
	AgentKindImplement = "implement"
	AgentKindFixReview = "fix_review"
)

// Review iteration statuses.
const (
	ReviewStatusPending = "pending"
	ReviewStatusFixing  = "fixing"
	ReviewStatusFixed   = "fixed"
	ReviewStatusFailed  = "failed"
)

// Store wraps the SQLite database. Writes are serialized by SQLite itself;
// WAL mode keeps readers from blocking the writer.
type Store struct {
	db   *sql.DB
	path string

	subMu       sync.Mutex
	subscribers map[chan *Event]struct{}
}

// Open opens (creating if necessary) the database at path and applies schema
// migrations. The parent directory is created if absent.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps the single-writer discipline simple.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path, subscribers: make(map[chan *Event]struct{})}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Vacuum reclaims free space. Run occasionally from the maintenance job.
func (s *Store) Vacuum() error {
	_, err := s.db.Exec("VACUUM")
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS issues (
	issue_number INTEGER PRIMARY KEY,
	title TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	agent_id TEXT,
	pr_number INTEGER,
	attempts INTEGER DEFAULT 0,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS agents (
	agent_id TEXT PRIMARY KEY,
	issue_number INTEGER,
	pr_number INTEGER,
	agent_type TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'running',
	worktree_path TEXT,
	branch_name TEXT,
	pid INTEGER,
	turns_used INTEGER DEFAULT 0,
	started_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	finished_at TIMESTAMP,
	error_message TEXT,
	FOREIGN KEY (issue_number) REFERENCES issues(issue_number)
);

CREATE TABLE IF NOT EXISTS agent_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id TEXT NOT NULL,
	event_type TEXT,
	event_data TEXT,
	timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY (agent_id) REFERENCES agents(agent_id)
);

CREATE TABLE IF NOT EXISTS pr_reviews (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	pr_number INTEGER NOT NULL,
	iteration INTEGER NOT NULL,
	comments_count INTEGER,
	comments_json TEXT,
	agent_id TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY (agent_id) REFERENCES agents(agent_id)
);

CREATE INDEX IF NOT EXISTS idx_issues_status ON issues(status);
CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);
CREATE INDEX IF NOT EXISTS idx_agent_events_agent ON agent_events(agent_id, id);
CREATE INDEX IF NOT EXISTS idx_pr_reviews_pr ON pr_reviews(pr_number, iteration);
`

// columnMigration adds a column to an existing table. Probing for the column
// must happen before the ALTER so re-running migrations is a no-op.
type columnMigration struct {
	table   string
	column  string
	colType string
}

var columnMigrations = []columnMigration{
	{"issues", "body", "TEXT"},
	{"agents", "pid", "INTEGER"},
	{"agents", "session_id", "TEXT"},
	{"agents", "resume_count", "INTEGER DEFAULT 0"},
	{"agents", "rate_limited_at", "TIMESTAMP"},
	{"pr_reviews", "comments_json", "TEXT"},
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("schema creation failed: %w", err)
	}
	for _, m := range columnMigrations {
		// Probe first: selecting a missing column fails, an existing one
		// succeeds and skips the ALTER.
		probe := fmt.Sprintf("SELECT %s FROM %s LIMIT 1", m.column, m.table)
		if _, err := s.db.Exec(probe); err == nil {
			continue
		}
		alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.table, m.column, m.colType)
		if _, err := s.db.Exec(alter); err != nil {
			return fmt.Errorf("migration %s.%s failed: %w", m.table, m.column, err)
		}
	}
	return nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// Issue is a tracked work item mirroring a GitHub issue.
type Issue struct {
	Number    int
	Title     string
	Body      string
	Status    string
	AgentID   string
	PRNumber  int
	Attempts  int
	CreatedAt string
	UpdatedAt string
}

// AgentRun is one invocation of the agent CLI bound to an issue or a review
// iteration.
type AgentRun struct {
	AgentID       string
	IssueNumber   int
	PRNumber      int
	Kind          string
	Status        string
	WorktreePath  string
	BranchName    string
	PID           int
	SessionID     string
	ResumeCount   int
	RateLimitedAt string
	TurnsUsed     int
	StartedAt     string
	FinishedAt    string
	ErrorMessage  string
}

// Event is one parsed line of an agent's stream-json output.
type Event struct {
	ID        int64
	AgentID   string
	Type      string
	Data      string
	Timestamp string
}

// ReviewIteration is one observed cycle of the review-fix loop on a PR.
type ReviewIteration struct {
	ID            int64
	PRNumber      int
	Iteration     int
	CommentsCount int
	CommentsJSON  string
	AgentID       string
	Status        string
	CreatedAt     string
}

// === Issues ===

// UpsertIssue inserts a new issue as pending, or refreshes the title/body
// snapshot of an existing one. Status is never touched on conflict.
func (s *Store) UpsertIssue(number int, title, body string) error {
	ts := now()
	_, err := s.db.Exec(`
		INSERT INTO issues (issue_number, title, body, status, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', ?, ?)
		ON CONFLICT(issue_number) DO UPDATE SET
			title = excluded.title,
			body = excluded.body,
			updated_at = excluded.updated_at
	`, number, title, body, ts, ts)
	return err
}

// SeedIssuePRCreated records a newly discovered issue that already has an
// open PR, skipping the implement phase entirely.
func (s *Store) SeedIssuePRCreated(number int, title, body string, prNumber int) error {
	ts := now()
	_, err := s.db.Exec(`
		INSERT INTO issues (issue_number, title, body, status, pr_number, created_at, updated_at)
		VALUES (?, ?, ?, 'pr_created', ?, ?, ?)
		ON CONFLICT(issue_number) DO UPDATE SET
			status = 'pr_created',
			pr_number = excluded.pr_number,
			updated_at = excluded.updated_at
	`, number, title, body, prNumber, ts, ts)
	return err
}

// GetIssue returns the issue with the given number, or ErrNotFound.
func (s *Store) GetIssue(number int) (*Issue, error) {
	row := s.db.QueryRow(`
		SELECT issue_number, title, COALESCE(body, ''), status, COALESCE(agent_id, ''),
			COALESCE(pr_number, 0), attempts, created_at, updated_at
		FROM issues WHERE issue_number = ?
	`, number)
	var is Issue
	err := row.Scan(&is.Number, &is.Title, &is.Body, &is.Status, &is.AgentID,
		&is.PRNumber, &is.Attempts, &is.CreatedAt, &is.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &is, nil
}

// IssuesByStatus returns all issues with the given status ordered by number.
func (s *Store) IssuesByStatus(status string) ([]*Issue, error) {
	return s.queryIssues(`
		SELECT issue_number, title, COALESCE(body, ''), status, COALESCE(agent_id, ''),
			COALESCE(pr_number, 0), attempts, created_at, updated_at
		FROM issues WHERE status = ? ORDER BY issue_number
	`, status)
}

// AllIssues returns every tracked issue ordered by number.
func (s *Store) AllIssues() ([]*Issue, error) {
	return s.queryIssues(`
		SELECT issue_number, title, COALESCE(body, ''), status, COALESCE(agent_id, ''),
			COALESCE(pr_number, 0), attempts, created_at, updated_at
		FROM issues ORDER BY issue_number
	`)
}

func (s *Store) queryIssues(query string, args ...any) ([]*Issue, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var issues []*Issue
	for rows.Next() {
		var is Issue
		if err := rows.Scan(&is.Number, &is.Title, &is.Body, &is.Status, &is.AgentID,
			&is.PRNumber, &is.Attempts, &is.CreatedAt, &is.UpdatedAt); err != nil {
			return nil, err
		}
		issues = append(issues, &is)
	}
	return issues, rows.Err()
}

// ClaimIssue atomically transitions a pending issue to in_progress, assigns
// the agent, and increments the attempt counter. Returns ErrConflict if the
// issue is not pending, which makes concurrent dispatches safe: only one
// claim can succeed.
func (s *Store) ClaimIssue(number int, agentID string) error {
	res, err := s.db.Exec(`
		UPDATE issues
		SET status = 'in_progress', agent_id = ?, attempts = attempts + 1, updated_at = ?
		WHERE issue_number = ? AND status = 'pending'
	`, agentID, now(), number)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// RecordPRCreated transitions an in-progress issue to pr_created with the PR
// linkage.
func (s *Store) RecordPRCreated(number, prNumber int) error {
	return s.guardedIssueUpdate(`
		UPDATE issues SET status = 'pr_created', pr_number = ?, updated_at = ?
		WHERE issue_number = ? AND status = 'in_progress'
	`, prNumber, now(), number)
}

// ReopenIssuePR moves an issue back to pr_created monitoring, used when a
// previously resolved issue turns out to still have an open PR.
func (s *Store) ReopenIssuePR(number, prNumber int) error {
	_, err := s.db.Exec(`
		UPDATE issues SET status = 'pr_created', pr_number = ?, updated_at = ?
		WHERE issue_number = ?
	`, prNumber, now(), number)
	return err
}

// RecordResolved marks the issue resolved. Only valid from pr_created, after
// the PR merge has been confirmed externally.
func (s *Store) RecordResolved(number int) error {
	return s.guardedIssueUpdate(`
		UPDATE issues SET status = 'resolved', updated_at = ?
		WHERE issue_number = ? AND status = 'pr_created'
	`, now(), number)
}

// RecordNeedsHuman escalates the issue for human attention.
func (s *Store) RecordNeedsHuman(number int) error {
	_, err := s.db.Exec(`
		UPDATE issues SET status = 'needs_human', updated_at = ?
		WHERE issue_number = ?
	`, now(), number)
	return err
}

// ResetIssuePending returns an in-progress issue with no PR to the pending
// queue so the poller can retry it.
func (s *Store) ResetIssuePending(number int) error {
	_, err := s.db.Exec(`
		UPDATE issues SET status = 'pending', agent_id = NULL, updated_at = ?
		WHERE issue_number = ? AND status = 'in_progress' AND pr_number IS NULL
	`, now(), number)
	return err
}

// SetIssueAgent repoints the issue at a new agent run (used on resume).
func (s *Store) SetIssueAgent(number int, agentID string) error {
	_, err := s.db.Exec(`
		UPDATE issues SET agent_id = ?, updated_at = ? WHERE issue_number = ?
	`, agentID, now(), number)
	return err
}

func (s *Store) guardedIssueUpdate(query string, args ...any) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// === Agent runs ===

// CreateAgent inserts a new agent run in running status. A zero issue number
// means the run is not bound to an issue (fix runs seeded from a PR).
func (s *Store) CreateAgent(run *AgentRun) error {
	_, err := s.db.Exec(`
		INSERT INTO agents (agent_id, issue_number, pr_number, agent_type, status,
			worktree_path, branch_name, pid, resume_count, started_at)
		VALUES (?, NULLIF(?, 0), NULLIF(?, 0), ?, 'running', ?, ?, NULLIF(?, 0), ?, ?)
	`, run.AgentID, run.IssueNumber, run.PRNumber, run.Kind,
		run.WorktreePath, run.BranchName, run.PID, run.ResumeCount, now())
	return err
}

// ReserveAgentSlot inserts a new running run only while fewer than maxRunning
// runs are in running status. The count check and the insert are a single
// statement on the store's single connection, so concurrent dispatchers
// cannot overshoot the concurrency cap between checking and inserting.
// Returns ErrConflict when the pool is full.
func (s *Store) ReserveAgentSlot(run *AgentRun, maxRunning int) error {
	res, err := s.db.Exec(`
		INSERT INTO agents (agent_id, issue_number, pr_number, agent_type, status,
			worktree_path, branch_name, pid, resume_count, started_at)
		SELECT ?, NULLIF(?, 0), NULLIF(?, 0), ?, 'running', ?, ?, NULLIF(?, 0), ?, ?
		WHERE (SELECT COUNT(*) FROM agents WHERE status = 'running') < ?
	`, run.AgentID, run.IssueNumber, run.PRNumber, run.Kind,
		run.WorktreePath, run.BranchName, run.PID, run.ResumeCount, now(), maxRunning)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// DeleteAgent removes a run whose process never started, e.g. a reserved
// slot rolled back before spawn. Finished runs are kept for history.
func (s *Store) DeleteAgent(agentID string) error {
	_, err := s.db.Exec(`DELETE FROM agents WHERE agent_id = ?`, agentID)
	return err
}

// GetAgent returns the agent run with the given id, or ErrNotFound.
func (s *Store) GetAgent(agentID string) (*AgentRun, error) {
	rows, err := s.queryAgents(`
		SELECT agent_id, COALESCE(issue_number, 0), COALESCE(pr_number, 0), agent_type, status,
			COALESCE(worktree_path, ''), COALESCE(branch_name, ''), COALESCE(pid, 0),
			COALESCE(session_id, ''), COALESCE(resume_count, 0), COALESCE(rate_limited_at, ''),
			COALESCE(turns_used, 0), started_at, COALESCE(finished_at, ''), COALESCE(error_message, '')
		FROM agents WHERE agent_id = ?
	`, agentID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}

// RunningAgents returns all runs currently in running status.
func (s *Store) RunningAgents() ([]*AgentRun, error) {
	return s.agentsByStatus(AgentStatusRunning)
}

// RateLimitedAgents returns all runs paused on a rate limit, oldest first.
func (s *Store) RateLimitedAgents() ([]*AgentRun, error) {
	return s.queryAgents(`
		SELECT agent_id, COALESCE(issue_number, 0), COALESCE(pr_number, 0), agent_type, status,
			COALESCE(worktree_path, ''), COALESCE(branch_name, ''), COALESCE(pid, 0),
			COALESCE(session_id, ''), COALESCE(resume_count, 0), COALESCE(rate_limited_at, ''),
			COALESCE(turns_used, 0), started_at, COALESCE(finished_at, ''), COALESCE(error_message, '')
		FROM agents WHERE status = 'rate_limited' ORDER BY rate_limited_at
	`)
}

// StaleAgents returns runs the recovery path must reconcile: anything still
// marked running or rate_limited in the store.
func (s *Store) StaleAgents() ([]*AgentRun, error) {
	return s.queryAgents(`
		SELECT agent_id, COALESCE(issue_number, 0), COALESCE(pr_number, 0), agent_type, status,
			COALESCE(worktree_path, ''), COALESCE(branch_name, ''), COALESCE(pid, 0),
			COALESCE(session_id, ''), COALESCE(resume_count, 0), COALESCE(rate_limited_at, ''),
			COALESCE(turns_used, 0), started_at, COALESCE(finished_at, ''), COALESCE(error_message, '')
		FROM agents WHERE status IN ('running', 'rate_limited') ORDER BY started_at
	`)
}

// AllAgents returns every agent run, newest first.
func (s *Store) AllAgents() ([]*AgentRun, error) {
	return s.queryAgents(`
		SELECT agent_id, COALESCE(issue_number, 0), COALESCE(pr_number, 0), agent_type, status,
			COALESCE(worktree_path, ''), COALESCE(branch_name, ''), COALESCE(pid, 0),
			COALESCE(session_id, ''), COALESCE(resume_count, 0), COALESCE(rate_limited_at, ''),
			COALESCE(turns_used, 0), started_at, COALESCE(finished_at, ''), COALESCE(error_message, '')
		FROM agents ORDER BY started_at DESC
	`)
}

func (s *Store) agentsByStatus(status string) ([]*AgentRun, error) {
	return s.queryAgents(`
		SELECT agent_id, COALESCE(issue_number, 0), COALESCE(pr_number, 0), agent_type, status,
			COALESCE(worktree_path, ''), COALESCE(branch_name, ''), COALESCE(pid, 0),
			COALESCE(session_id, ''), COALESCE(resume_count, 0), COALESCE(rate_limited_at, ''),
			COALESCE(turns_used, 0), started_at, COALESCE(finished_at, ''), COALESCE(error_message, '')
		FROM agents WHERE status = ? ORDER BY started_at
	`, status)
}

func (s *Store) queryAgents(query string, args ...any) ([]*AgentRun, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var runs []*AgentRun
	for rows.Next() {
		var r AgentRun
		if err := rows.Scan(&r.AgentID, &r.IssueNumber, &r.PRNumber, &r.Kind, &r.Status,
			&r.WorktreePath, &r.BranchName, &r.PID, &r.SessionID, &r.ResumeCount,
			&r.RateLimitedAt, &r.TurnsUsed, &r.StartedAt, &r.FinishedAt, &r.ErrorMessage); err != nil {
			return nil, err
		}
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}

// ActiveRunningCount returns the number of runs in running status. Rate
// limited runs do not count toward the concurrency cap.
func (s *Store) ActiveRunningCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM agents WHERE status = 'running'`).Scan(&n)
	return n, err
}

// HasActiveRunForIssue reports whether any run for the issue is running or
// rate limited. At most one may be at any time.
func (s *Store) HasActiveRunForIssue(issueNumber int) (bool, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM agents
		WHERE issue_number = ? AND status IN ('running', 'rate_limited')
	`, issueNumber).Scan(&n)
	return n > 0, err
}

// HasRunningFixForPR reports whether a fix agent is outstanding on the PR.
func (s *Store) HasRunningFixForPR(prNumber int) (bool, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM agents
		WHERE pr_number = ? AND agent_type = 'fix_review' AND status IN ('running', 'rate_limited')
	`, prNumber).Scan(&n)
	return n > 0, err
}

// FinishAgent records a terminal status with timestamp and optional error.
func (s *Store) FinishAgent(agentID, status, errorMessage string) error {
	_, err := s.db.Exec(`
		UPDATE agents SET status = ?, finished_at = ?, error_message = NULLIF(?, '')
		WHERE agent_id = ?
	`, status, now(), errorMessage, agentID)
	return err
}

// MarkRateLimited parks a run on a rate limit: terminal-ish, but the worktree
// is preserved and the watcher will resume it.
func (s *Store) MarkRateLimited(agentID, errorMessage string) error {
	ts := now()
	_, err := s.db.Exec(`
		UPDATE agents SET status = 'rate_limited', rate_limited_at = ?, finished_at = ?,
			error_message = NULLIF(?, '')
		WHERE agent_id = ? AND status = 'running'
	`, ts, ts, errorMessage, agentID)
	return err
}

// MarkResumed flips a rate-limited run to resumed once its successor run has
// been spawned. Guarded so a concurrent handler cannot resume twice.
func (s *Store) MarkResumed(agentID string) error {
	res, err := s.db.Exec(`
		UPDATE agents SET status = 'resumed' WHERE agent_id = ? AND status = 'rate_limited'
	`, agentID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// RecordAgentSession stores the session id for a run. First occurrence wins;
// later writes are ignored.
func (s *Store) RecordAgentSession(agentID, sessionID string) error {
	_, err := s.db.Exec(`
		UPDATE agents SET session_id = ?
		WHERE agent_id = ? AND (session_id IS NULL OR session_id = '')
	`, sessionID, agentID)
	return err
}

// RecordAgentPID stores the operating-system pid of the spawned process.
func (s *Store) RecordAgentPID(agentID string, pid int) error {
	_, err := s.db.Exec(`UPDATE agents SET pid = ? WHERE agent_id = ?`, pid, agentID)
	return err
}

// SetAgentPR links a run to the PR it produced.
func (s *Store) SetAgentPR(agentID string, prNumber int) error {
	_, err := s.db.Exec(`UPDATE agents SET pr_number = ? WHERE agent_id = ?`, prNumber, agentID)
	return err
}

// SetTurnsUsed records the assistant-turn count for a run.
func (s *Store) SetTurnsUsed(agentID string, turns int) error {
	_, err := s.db.Exec(`UPDATE agents SET turns_used = ? WHERE agent_id = ?`, turns, agentID)
	return err
}

// === Agent events ===

// AppendEvent appends one event to the agent's log and notifies live
// subscribers. Events are append-only; the auto-increment id is the
// canonical ordering.
func (s *Store) AppendEvent(agentID, eventType, eventData string) error {
	ts := now()
	res, err := s.db.Exec(`
		INSERT INTO agent_events (agent_id, event_type, event_data, timestamp)
		VALUES (?, ?, ?, ?)
	`, agentID, eventType, eventData, ts)
	if err != nil {
		return err
	}
	id, _ := res.LastInsertId()
	s.publish(&Event{ID: id, AgentID: agentID, Type: eventType, Data: eventData, Timestamp: ts})
	return nil
}

// SubscribeEvents returns a channel receiving every event appended after the
// call. Slow consumers drop events rather than block the writers.
func (s *Store) SubscribeEvents() chan *Event {
	ch := make(chan *Event, 64)
	s.subMu.Lock()
	s.subscribers[ch] = struct{}{}
	s.subMu.Unlock()
	return ch
}

// UnsubscribeEvents removes the channel and closes it.
func (s *Store) UnsubscribeEvents(ch chan *Event) {
	s.subMu.Lock()
	if _, ok := s.subscribers[ch]; ok {
		delete(s.subscribers, ch)
		close(ch)
	}
	s.subMu.Unlock()
}

func (s *Store) publish(e *Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subscribers {
		select {
		case ch <- e:
		default:
		}
	}
}

// EventsSince returns up to limit events for the agent with id greater than
// sinceID, ordered by id ascending.
func (s *Store) EventsSince(agentID string, sinceID int64, limit int) ([]*Event, error) {
	rows, err := s.db.Query(`
		SELECT id, agent_id, event_type, event_data, timestamp
		FROM agent_events
		WHERE agent_id = ? AND id > ?
		ORDER BY id
		LIMIT ?
	`, agentID, sinceID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []*Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.AgentID, &e.Type, &e.Data, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// RecentEvents returns the newest events across all agents, id descending.
func (s *Store) RecentEvents(limit int) ([]*Event, error) {
	rows, err := s.db.Query(`
		SELECT id, agent_id, event_type, event_data, timestamp
		FROM agent_events
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []*Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.AgentID, &e.Type, &e.Data, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// TurnCount counts assistant events for an agent.
func (s *Store) TurnCount(agentID string) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM agent_events WHERE agent_id = ? AND event_type = 'assistant'
	`, agentID).Scan(&n)
	return n, err
}

// === Review iterations ===

// CreateReviewIteration opens a new review-fix iteration for the PR.
// commentsJSON may be empty when thread details are unavailable.
func (s *Store) CreateReviewIteration(prNumber, iteration, commentsCount int, commentsJSON string) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO pr_reviews (pr_number, iteration, comments_count, comments_json, created_at)
		VALUES (?, ?, ?, NULLIF(?, ''), ?)
	`, prNumber, iteration, commentsCount, commentsJSON, now())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// LinkFixAgent attaches the dispatched fix agent to an iteration and moves it
// to fixing.
func (s *Store) LinkFixAgent(iterationID int64, agentID string) error {
	_, err := s.db.Exec(`
		UPDATE pr_reviews SET agent_id = ?, status = 'fixing' WHERE id = ?
	`, agentID, iterationID)
	return err
}

// RecordIterationStatus updates the status of a review iteration.
func (s *Store) RecordIterationStatus(iterationID int64, status string) error {
	_, err := s.db.Exec(`UPDATE pr_reviews SET status = ? WHERE id = ?`, status, iterationID)
	return err
}

// ReviewIterations returns the iterations for a PR ordered by iteration.
func (s *Store) ReviewIterations(prNumber int) ([]*ReviewIteration, error) {
	return s.queryReviews(`
		SELECT id, pr_number, iteration, COALESCE(comments_count, 0), COALESCE(comments_json, ''),
			COALESCE(agent_id, ''), status, created_at
		FROM pr_reviews WHERE pr_number = ? ORDER BY iteration
	`, prNumber)
}

// AllReviewIterations returns every iteration ordered by PR then iteration.
func (s *Store) AllReviewIterations() ([]*ReviewIteration, error) {
	return s.queryReviews(`
		SELECT id, pr_number, iteration, COALESCE(comments_count, 0), COALESCE(comments_json, ''),
			COALESCE(agent_id, ''), status, created_at
		FROM pr_reviews ORDER BY pr_number, iteration
	`)
}

func (s *Store) queryReviews(query string, args ...any) ([]*ReviewIteration, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var iters []*ReviewIteration
	for rows.Next() {
		var it ReviewIteration
		if err := rows.Scan(&it.ID, &it.PRNumber, &it.Iteration, &it.CommentsCount,
			&it.CommentsJSON, &it.AgentID, &it.Status, &it.CreatedAt); err != nil {
			return nil, err
		}
		iters = append(iters, &it)
	}
	return iters, rows.Err()
}

// === Metrics ===

// Metrics holds the aggregate counters served by the dashboard.
type Metrics struct {
	ActiveAgents int     `json:"active_agents"`
	TotalIssues  int     `json:"total_issues"`
	Resolved     int     `json:"resolved"`
	Pending      int     `json:"pending"`
	InProgress   int     `json:"in_progress"`
	PRCreated    int     `json:"pr_created"`
	NeedsHuman   int     `json:"needs_human"`
	AvgTurns     float64 `json:"avg_turns"`
	RateLimited  int     `json:"rate_limited"`
}

// GetMetrics computes the aggregate counters in one pass per table.
func (s *Store) GetMetrics() (*Metrics, error) {
	var m Metrics

	err := s.db.QueryRow(`
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'resolved' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'in_progress' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'pr_created' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'needs_human' THEN 1 ELSE 0 END), 0)
		FROM issues
	`).Scan(&m.TotalIssues, &m.Resolved, &m.Pending, &m.InProgress, &m.PRCreated, &m.NeedsHuman)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate issues: %w", err)
	}

	err = s.db.QueryRow(`
		SELECT
			COALESCE(SUM(CASE WHEN status = 'running' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'rate_limited' THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(CASE WHEN status = 'completed' THEN turns_used END), 0)
		FROM agents
	`).Scan(&m.ActiveAgents, &m.RateLimited, &m.AvgTurns)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate agents: %w", err)
	}

	return &m, nil
}
