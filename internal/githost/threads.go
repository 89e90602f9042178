package githost

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Thread is one unresolved review thread on a PR, normalized so callers see
// the same shape whether it came from GraphQL or the REST fallback.
type Thread struct {
	Path     string          `json:"path"`
	Line     int             `json:"line,omitempty"`
	Comments []ThreadComment `json:"comments"`
}

// ThreadComment is one comment inside a review thread.
type ThreadComment struct {
	Body   string `json:"body"`
	Author string `json:"author"`
}

// reviewThreadsQuery fetches thread resolution state, which the REST comment
// endpoints do not expose.
const reviewThreadsQuery = `
query($owner: String!, $repo: String!, $pr: Int!) {
  repository(owner: $owner, name: $repo) {
    pullRequest(number: $pr) {
      reviewThreads(first: 100) {
        nodes {
          isResolved
          path
          line
          comments(first: 10) {
            nodes {
              body
              author { login }
            }
          }
        }
      }
    }
  }
}`

// UnresolvedThreads returns the unresolved review threads of a PR via the
// GraphQL API. An error means the caller should fall back to ReviewComments.
func (c *Client) UnresolvedThreads(ctx context.Context, prNumber int) ([]Thread, error) {
	owner, repo, ok := strings.Cut(c.repo, "/")
	if !ok {
		return nil, fmt.Errorf("malformed repo %q, expected owner/name", c.repo)
	}

	out, err := c.gh(ctx, "api", "graphql",
		"-f", "query="+reviewThreadsQuery,
		"-f", "owner="+owner,
		"-f", "repo="+repo,
		"-F", "pr="+strconv.Itoa(prNumber))
	if err != nil {
		return nil, fmt.Errorf("review threads query failed for PR #%d: %w", prNumber, err)
	}

	var resp struct {
		Data struct {
			Repository struct {
				PullRequest struct {
					ReviewThreads struct {
						Nodes []struct {
							IsResolved bool   `json:"isResolved"`
							Path       string `json:"path"`
							Line       int    `json:"line"`
							Comments   struct {
								Nodes []struct {
									Body   string `json:"body"`
									Author struct {
										Login string `json:"login"`
									} `json:"author"`
								} `json:"nodes"`
							} `json:"comments"`
						} `json:"nodes"`
					} `json:"reviewThreads"`
				} `json:"pullRequest"`
			} `json:"repository"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		return nil, fmt.Errorf("failed to parse review threads for PR #%d: %w", prNumber, err)
	}

	threads := []Thread{}
	for _, node := range resp.Data.Repository.PullRequest.ReviewThreads.Nodes {
		if node.IsResolved {
			continue
		}
		t := Thread{Path: node.Path, Line: node.Line}
		if t.Path == "" {
			t.Path = "unknown"
		}
		for _, cm := range node.Comments.Nodes {
			author := cm.Author.Login
			if author == "" {
				author = "unknown"
			}
			t.Comments = append(t.Comments, ThreadComment{Body: cm.Body, Author: author})
		}
		threads = append(threads, t)
	}
	return threads, nil
}

// ReviewComments is the REST fallback when the thread API is unavailable. It
// returns every review comment as a single-comment thread with no resolution
// information, plus the raw count.
func (c *Client) ReviewComments(ctx context.Context, prNumber int) ([]Thread, int, error) {
	out, err := c.gh(ctx, "api",
		fmt.Sprintf("repos/%s/pulls/%d/comments", c.repo, prNumber),
		"--paginate")
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch review comments for PR #%d: %w", prNumber, err)
	}
	if strings.TrimSpace(out) == "" {
		return nil, 0, nil
	}

	var comments []struct {
		Path string `json:"path"`
		Line int    `json:"line"`
		Body string `json:"body"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
	}
	if err := json.Unmarshal([]byte(out), &comments); err != nil {
		return nil, 0, fmt.Errorf("failed to parse review comments for PR #%d: %w", prNumber, err)
	}

	threads := make([]Thread, 0, len(comments))
	for _, cm := range comments {
		path := cm.Path
		if path == "" {
			path = "unknown"
		}
		author := cm.User.Login
		if author == "" {
			author = "unknown"
		}
		threads = append(threads, Thread{
			Path:     path,
			Line:     cm.Line,
			Comments: []ThreadComment{{Body: cm.Body, Author: author}},
		})
	}
	return threads, len(comments), nil
}
