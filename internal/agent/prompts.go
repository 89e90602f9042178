package agent

import (
	"fmt"
	"strings"

	"github.com/alekspetrov/swarm/internal/githost"
)

// Prompt builders are pure: they take structured context and return the
// prompt text, no I/O and no globals.

// BuildImplementPrompt composes the prompt for an implement run on an issue.
// maxTurns is advertised as a working budget; the hard stop is the agent
// timeout, not the CLI.
func BuildImplementPrompt(issueNumber, maxTurns int, skills []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `Read the AGENT.md file at the root of this repository FIRST and follow every guideline strictly.

Your task: Implement the feature or fix described in issue #%d.

Step 1 — Read the implementation plan:
Run `+"`gh issue view %d`"+` to read the full issue description.
The issue body contains a DETAILED IMPLEMENTATION PLAN. This is your complete spec.
Read it carefully — it describes exactly what to build, which files to modify,
what approach to take, and any edge cases to handle.

Step 2 — Implement:
Follow the plan in the issue body step by step.
Follow AGENT.md coding standards for all code you write.

Step 3 — Test:
Run the project's test suite to verify your changes work.
If tests fail, fix the issues and re-run tests until they pass.

Step 4 — Commit and push:
Stage your changes and commit with a descriptive message referencing #%d.
Push the branch: `+"`git push -u origin fix/issue-%d`"+`

Step 5 — Create PR:
Create a PR: `+"`gh pr create --title \"Fix #%d: <concise title>\" --body \"Closes #%d\\n\\n<summary of what was implemented based on the plan>\"`"+`

Important:
- The issue body IS the plan. Follow it precisely.
- Do NOT modify files unrelated to what the plan specifies.
- If the plan is unclear or something seems wrong, create the PR as a draft and note your questions in the PR body.
- Always run tests before creating the PR.`,
		issueNumber, issueNumber, issueNumber, issueNumber, issueNumber, issueNumber)
	b.WriteString(turnBudget(maxTurns))
	b.WriteString(skillsHint(skills))
	return b.String()
}

// BuildFixReviewPrompt composes the prompt for a fix run. When a thread
// snapshot is available it is rendered inline so the agent does not have to
// rediscover the comments; otherwise the agent is told to fetch them itself.
func BuildFixReviewPrompt(repo string, prNumber int, threads []githost.Thread, maxTurns int, skills []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `Read the AGENT.md file at the root of this repository FIRST and follow every guideline strictly.

Your task: Fix all review comments on PR #%d.
`, prNumber)

	if len(threads) > 0 {
		fmt.Fprintf(&b, "\nThe following review threads are currently UNRESOLVED:\n\n%s\n", renderThreads(threads))
		fmt.Fprintf(&b, `Steps:
1. For each thread above, understand the issue and implement the fix.
2. Run the project's test suite to verify your changes.
3. If tests fail, fix the issues and re-run tests.
4. Commit all fixes with message: "fix: address review comments on PR #%d"
5. Push to the existing branch.
`, prNumber)
	} else {
		fmt.Fprintf(&b, `
Steps:
1. Run `+"`gh pr view %d --comments`"+` to see the PR description and all comments.
2. Run `+"`gh api repos/%s/pulls/%d/comments`"+` to get all inline review comments.
3. For each review comment, understand the issue and implement the fix.
4. Run the project's test suite to verify your changes.
5. If tests fail, fix the issues and re-run tests.
6. Commit all fixes with message: "fix: address review comments on PR #%d"
7. Push to the existing branch.
`, prNumber, repo, prNumber, prNumber)
	}

	fmt.Fprintf(&b, `
Important:
- Address EVERY comment — do not skip any.
- Do NOT modify files unrelated to the review comments.
- If a comment is unclear, add a reply comment asking for clarification using `+"`gh pr comment`"+`.`)
	b.WriteString(turnBudget(maxTurns))
	b.WriteString(skillsHint(skills))
	return b.String()
}

// BuildResumeImplementPrompt composes the continuation prompt for an
// implement run resumed after a rate limit.
func BuildResumeImplementPrompt(issueNumber, maxTurns int, skills []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `You were previously working on issue #%d in this repository but were interrupted by a usage limit.
The worktree you are in contains your earlier progress.

Step 1 — Reorient:
Run `+"`git status`"+` and `+"`git log --oneline -10`"+` to see what you already did.
Run `+"`gh issue view %d`"+` to re-read the implementation plan.

Step 2 — Continue:
Pick up where you left off. Do not redo completed work.

Step 3 — Finish:
Run the test suite, commit, push the branch `+"`fix/issue-%d`"+`, and create the PR
with `+"`gh pr create`"+` referencing #%d — unless a PR already exists for this branch.`,
		issueNumber, issueNumber, issueNumber, issueNumber)
	b.WriteString(turnBudget(maxTurns))
	b.WriteString(skillsHint(skills))
	return b.String()
}

// BuildResumeFixReviewPrompt composes the continuation prompt for a fix run
// resumed after a rate limit, with a fresh thread snapshot when available.
func BuildResumeFixReviewPrompt(prNumber int, threads []githost.Thread, maxTurns int, skills []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `You were previously fixing review comments on PR #%d but were interrupted by a usage limit.
The worktree you are in contains your earlier progress.

Run `+"`git status`"+` and `+"`git log --oneline -10`"+` to see what you already did, then continue.
`, prNumber)
	if len(threads) > 0 {
		fmt.Fprintf(&b, "\nThreads still unresolved right now:\n\n%s\n", renderThreads(threads))
	}
	fmt.Fprintf(&b, `When every comment is addressed, run the test suite, commit, and push to the existing branch.`)
	b.WriteString(turnBudget(maxTurns))
	b.WriteString(skillsHint(skills))
	return b.String()
}

// renderThreads formats a thread snapshot for prompt embedding.
func renderThreads(threads []githost.Thread) string {
	var b strings.Builder
	for i, t := range threads {
		if t.Line > 0 {
			fmt.Fprintf(&b, "%d. %s:%d\n", i+1, t.Path, t.Line)
		} else {
			fmt.Fprintf(&b, "%d. %s\n", i+1, t.Path)
		}
		for _, c := range t.Comments {
			body := strings.TrimSpace(c.Body)
			if len(body) > 500 {
				body = body[:500] + "…"
			}
			fmt.Fprintf(&b, "   [%s] %s\n", c.Author, body)
		}
	}
	return b.String()
}

// turnBudget advertises the configured turn budget. It is advisory text, not
// a CLI limit: a --max-turns flag would silently stop the agent mid-work.
func turnBudget(maxTurns int) string {
	if maxTurns <= 0 {
		return ""
	}
	return fmt.Sprintf("\n\nYou have a budget of roughly %d turns for this task; plan your work to finish within it.", maxTurns)
}

func skillsHint(skills []string) string {
	if len(skills) == 0 {
		return ""
	}
	return fmt.Sprintf("\n\nThe following skills are installed and available via the Skill tool: %s. Use them when relevant.",
		strings.Join(skills, ", "))
}
