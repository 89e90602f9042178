// Package githost wraps the GitHub CLI. All hosting-service access goes
// through gh subprocesses so the orchestrator never speaks HTTP to GitHub
// directly; authentication rides on GH_TOKEN in the child environment.
package githost

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/alekspetrov/swarm/internal/logging"
)

// Runner executes a command and returns its stdout. It exists so tests can
// substitute canned gh responses.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

const commandTimeout = 30 * time.Second

// execRunner runs real subprocesses with GH_TOKEN injected.
type execRunner struct {
	token string
}

func (r *execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), "GH_TOKEN="+r.token)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("%s %s failed: %w: %s",
			name, args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Client is a gh-backed adapter for one repository.
type Client struct {
	repo   string // owner/name
	runner Runner
	log    *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithRunner substitutes the command runner, used by tests.
func WithRunner(r Runner) Option {
	return func(c *Client) { c.runner = r }
}

// NewClient returns a Client for the given owner/name repository.
func NewClient(repo, token string, opts ...Option) *Client {
	c := &Client{
		repo:   repo,
		runner: &execRunner{token: token},
		log:    logging.WithComponent("githost"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) gh(ctx context.Context, args ...string) (string, error) {
	return WithRetry(ctx, func() (string, error) {
		return c.runner.Run(ctx, "gh", args...)
	}, DefaultRetryOptions())
}

// Issue is an open issue returned by the hosting service.
type Issue struct {
	Number int     `json:"number"`
	Title  string  `json:"title"`
	Body   string  `json:"body"`
	Labels []Label `json:"labels"`
}

// Label is an issue label.
type Label struct {
	Name string `json:"name"`
}

// ListOpenIssues returns open issues carrying the given label.
func (c *Client) ListOpenIssues(ctx context.Context, label string) ([]Issue, error) {
	out, err := c.gh(ctx, "issue", "list",
		"--repo", c.repo,
		"--label", label,
		"--state", "open",
		"--json", "number,title,labels,body",
		"--limit", "50")
	if err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}
	var issues []Issue
	if strings.TrimSpace(out) == "" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(out), &issues); err != nil {
		return nil, fmt.Errorf("failed to parse issue list: %w", err)
	}
	return issues, nil
}

// IssueComments returns the comment bodies of an issue.
func (c *Client) IssueComments(ctx context.Context, issueNumber int) ([]string, error) {
	out, err := c.gh(ctx, "issue", "view", strconv.Itoa(issueNumber),
		"--repo", c.repo,
		"--json", "comments")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch comments for issue #%d: %w", issueNumber, err)
	}
	var data struct {
		Comments []struct {
			Body string `json:"body"`
		} `json:"comments"`
	}
	if err := json.Unmarshal([]byte(out), &data); err != nil {
		return nil, fmt.Errorf("failed to parse comments for issue #%d: %w", issueNumber, err)
	}
	bodies := make([]string, 0, len(data.Comments))
	for _, cm := range data.Comments {
		bodies = append(bodies, cm.Body)
	}
	return bodies, nil
}

// AddIssueLabel applies a label to an issue.
func (c *Client) AddIssueLabel(ctx context.Context, issueNumber int, label string) error {
	_, err := c.gh(ctx, "issue", "edit", strconv.Itoa(issueNumber),
		"--repo", c.repo,
		"--add-label", label)
	if err != nil {
		return fmt.Errorf("failed to label issue #%d: %w", issueNumber, err)
	}
	return nil
}

// FindOpenPRForBranch returns the number of the open PR whose head is the
// given branch, or 0 when none exists.
func (c *Client) FindOpenPRForBranch(ctx context.Context, branch string) (int, error) {
	out, err := c.gh(ctx, "pr", "list",
		"--repo", c.repo,
		"--head", branch,
		"--state", "open",
		"--json", "number",
		"--limit", "1")
	if err != nil {
		return 0, fmt.Errorf("failed to search PRs for branch %s: %w", branch, err)
	}
	var prs []struct {
		Number int `json:"number"`
	}
	if strings.TrimSpace(out) == "" {
		return 0, nil
	}
	if err := json.Unmarshal([]byte(out), &prs); err != nil {
		return 0, fmt.Errorf("failed to parse PR list: %w", err)
	}
	if len(prs) == 0 {
		return 0, nil
	}
	return prs[0].Number, nil
}

// PRBranch returns the head branch name of a PR.
func (c *Client) PRBranch(ctx context.Context, prNumber int) (string, error) {
	out, err := c.gh(ctx, "pr", "view", strconv.Itoa(prNumber),
		"--repo", c.repo,
		"--json", "headRefName")
	if err != nil {
		return "", fmt.Errorf("failed to fetch branch for PR #%d: %w", prNumber, err)
	}
	var data struct {
		HeadRefName string `json:"headRefName"`
	}
	if err := json.Unmarshal([]byte(out), &data); err != nil {
		return "", fmt.Errorf("failed to parse PR #%d view: %w", prNumber, err)
	}
	return data.HeadRefName, nil
}

// PR states returned by PRState.
const (
	PRStateOpen   = "open"
	PRStateClosed = "closed"
	PRStateMerged = "merged"
)

// PRState returns the normalized state of a PR: merged, closed, or open.
func (c *Client) PRState(ctx context.Context, prNumber int) (string, error) {
	out, err := c.gh(ctx, "pr", "view", strconv.Itoa(prNumber),
		"--repo", c.repo,
		"--json", "state,mergedAt")
	if err != nil {
		return "", fmt.Errorf("failed to fetch state for PR #%d: %w", prNumber, err)
	}
	var data struct {
		State    string `json:"state"`
		MergedAt string `json:"mergedAt"`
	}
	if err := json.Unmarshal([]byte(out), &data); err != nil {
		return "", fmt.Errorf("failed to parse PR #%d state: %w", prNumber, err)
	}
	switch {
	case data.MergedAt != "" || strings.EqualFold(data.State, "MERGED"):
		return PRStateMerged, nil
	case strings.EqualFold(data.State, "CLOSED"):
		return PRStateClosed, nil
	default:
		return PRStateOpen, nil
	}
}

// CreatePR opens a PR from head onto base and returns its number, parsed
// from the URL gh prints.
func (c *Client) CreatePR(ctx context.Context, head, base, title, body string) (int, error) {
	out, err := c.gh(ctx, "pr", "create",
		"--repo", c.repo,
		"--head", head,
		"--base", base,
		"--title", title,
		"--body", body)
	if err != nil {
		return 0, fmt.Errorf("failed to create PR for branch %s: %w", head, err)
	}
	m := prURLPattern.FindStringSubmatch(out)
	if m == nil {
		return 0, fmt.Errorf("PR created for %s but no number in output: %s", head, strings.TrimSpace(out))
	}
	n, _ := strconv.Atoi(m[1])
	return n, nil
}

var prURLPattern = regexp.MustCompile(`/pull/(\d+)`)

// CheckStatus is the normalized CI bucket for a PR.
type CheckStatus string

const (
	ChecksPending CheckStatus = "pending"
	ChecksPassed  CheckStatus = "passed"
	ChecksFailed  CheckStatus = "failed"
)

// PRChecks returns the normalized CI status for a PR. No checks at all
// counts as pending: CI may simply not have started yet.
func (c *Client) PRChecks(ctx context.Context, prNumber int) (CheckStatus, error) {
	// gh pr checks exits non-zero when checks are failing or pending, so a
	// command error with parseable stdout is still a valid answer.
	out, err := c.runner.Run(ctx, "gh", "pr", "checks", strconv.Itoa(prNumber),
		"--repo", c.repo,
		"--json", "name,state,bucket")
	var checks []struct {
		Name   string `json:"name"`
		State  string `json:"state"`
		Bucket string `json:"bucket"`
	}
	if jsonErr := json.Unmarshal([]byte(out), &checks); jsonErr != nil {
		if err != nil {
			return "", fmt.Errorf("failed to fetch checks for PR #%d: %w", prNumber, err)
		}
		if strings.TrimSpace(out) == "" {
			return ChecksPending, nil
		}
		return "", fmt.Errorf("failed to parse checks for PR #%d: %w", prNumber, jsonErr)
	}
	if len(checks) == 0 {
		return ChecksPending, nil
	}

	failed := false
	for _, ch := range checks {
		if ch.State == "PENDING" || ch.Bucket == "pending" {
			return ChecksPending, nil
		}
		if ch.Bucket == "fail" || ch.State == "FAILURE" || ch.State == "ERROR" {
			failed = true
		}
	}
	if failed {
		return ChecksFailed, nil
	}
	return ChecksPassed, nil
}
