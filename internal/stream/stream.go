// Package stream parses the line-delimited JSON event stream the agent CLI
// emits on stdout into typed events for persistence and the dashboard.
package stream

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/alekspetrov/swarm/internal/logging"
)

// Event types in the fixed taxonomy. Unknown declared types pass through
// verbatim so new CLI versions degrade gracefully.
const (
	TypeSystem     = "system"
	TypeAssistant  = "assistant"
	TypeUser       = "user"
	TypeToolUse    = "tool_use"
	TypeToolResult = "tool_result"
	TypeResult     = "result"
	TypeError      = "error"
	TypeRateLimit  = "rate_limit_event"
)

const summaryLimit = 200

// Event is one classified line of agent output.
type Event struct {
	Type      string
	Summary   string // human-readable one-liner for the dashboard
	SessionID string // set when the payload carries one
	Raw       string // original JSON line (or raw text for synthetic errors)
}

// payload captures the fields we care about from any stream line.
type payload struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Tool      string          `json:"tool"`
	Name      string          `json:"name"`
	Input     map[string]any  `json:"input"`
	Message   *message        `json:"message"`
	Result    json.RawMessage `json:"result"`
	PRNumber  int             `json:"pr_number"`
	Error     json.RawMessage `json:"error"`
}

type message struct {
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type  string         `json:"type"`
	Text  string         `json:"text"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// ParseLine parses one line of stream output. Blank lines yield nil. Lines
// that are not valid JSON become synthetic error events carrying the raw
// text, so nothing the agent says is lost.
func ParseLine(line string) *Event {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	var p payload
	if err := json.Unmarshal([]byte(line), &p); err != nil {
		return &Event{
			Type:    TypeError,
			Summary: truncate("unparseable output: "+line, summaryLimit),
			Raw:     line,
		}
	}

	ev := &Event{Type: p.Type, SessionID: p.SessionID, Raw: line}
	if ev.Type == "" {
		ev.Type = "unknown"
	}

	switch p.Type {
	case TypeAssistant:
		ev.Summary = assistantSummary(p.Message)
	case TypeToolUse:
		name := p.Tool
		if name == "" {
			name = p.Name
		}
		ev.Summary = toolSummary(name, p.Input)
	case TypeToolResult:
		ev.Summary = "(tool result)"
	case TypeResult:
		ev.Summary = resultSummary(p.Result)
	case TypeError, TypeRateLimit:
		ev.Summary = errorSummary(p.Error, line)
	default:
		ev.Summary = truncate(line, summaryLimit)
	}
	return ev
}

// assistantSummary joins the text blocks of an assistant message and renders
// embedded tool-use blocks as short inline markers.
func assistantSummary(m *message) string {
	if m == nil {
		return "(thinking...)"
	}
	var parts []string
	for _, b := range m.Content {
		switch b.Type {
		case "text":
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		case "thinking":
			parts = append(parts, "[thinking]")
		case "tool_use":
			parts = append(parts, "["+toolSummary(b.Name, b.Input)+"]")
		}
	}
	s := strings.Join(parts, " ")
	if s == "" {
		return "(thinking...)"
	}
	return truncate(s, summaryLimit)
}

func toolSummary(name string, input map[string]any) string {
	switch name {
	case "Bash":
		cmd, _ := input["command"].(string)
		return truncate("$ "+cmd, 100)
	case "Read", "Edit", "Write":
		path, _ := input["file_path"].(string)
		if path == "" {
			path = "?"
		}
		return name + " " + path
	case "Skill":
		skill, _ := input["skill"].(string)
		if skill == "" {
			skill, _ = input["name"].(string)
		}
		return "Skill: " + skill
	case "":
		return "(tool)"
	default:
		args, _ := json.Marshal(input)
		return truncate(name+" "+string(args), 100)
	}
}

func resultSummary(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "agent finished"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return "agent finished"
		}
		return truncate(s, summaryLimit)
	}
	return truncate(string(raw), summaryLimit)
}

func errorSummary(raw json.RawMessage, line string) string {
	if len(raw) == 0 {
		return truncate(line, summaryLimit)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return truncate(s, summaryLimit)
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return truncate(obj.Message, summaryLimit)
	}
	return truncate(string(raw), summaryLimit)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// CountTurns counts assistant events.
func CountTurns(events []*Event) int {
	n := 0
	for _, e := range events {
		if e.Type == TypeAssistant {
			n++
		}
	}
	return n
}

// prPattern matches PR references the CLI prints when a PR is created, e.g.
// "https://github.com/o/r/pull/123", "PR #123", "pull request 123".
var prPattern = regexp.MustCompile(`(?:pull/|PR #|pr #|pull request #?)(\d+)`)

// ExtractPRNumber finds the PR number produced by a run. The structured
// pr_number field of a result event is authoritative; failing that, the raw
// payloads are scanned newest-first with a regex, and that path logs a
// warning since it depends on the agent's output format.
func ExtractPRNumber(events []*Event) (int, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type != TypeResult {
			continue
		}
		var p payload
		if err := json.Unmarshal([]byte(events[i].Raw), &p); err == nil && p.PRNumber > 0 {
			return p.PRNumber, true
		}
	}

	for i := len(events) - 1; i >= 0; i-- {
		m := prPattern.FindAllStringSubmatch(events[i].Raw, -1)
		if len(m) == 0 {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(m[len(m)-1][1], "%d", &n); err != nil || n <= 0 {
			continue
		}
		logging.WithComponent("stream").Warn("pr number recovered via text match, not structured result",
			"pr", n)
		return n, true
	}
	return 0, false
}

// ExtractSessionID returns the first session id carried by any event.
func ExtractSessionID(events []*Event) (string, bool) {
	for _, e := range events {
		if e.SessionID != "" {
			return e.SessionID, true
		}
	}
	return "", false
}
