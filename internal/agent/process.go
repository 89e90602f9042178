package agent

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/alekspetrov/swarm/internal/logging"
	"github.com/alekspetrov/swarm/internal/store"
	"github.com/alekspetrov/swarm/internal/stream"
)

const (
	// Agents can emit very long single lines (large tool results).
	maxStreamLine = 1024 * 1024
	// Grace window between SIGTERM and SIGKILL.
	killGracePeriod = 10 * time.Second
	// How long completion waits for the output readers after process exit.
	// A grandchild that inherited the pipes must not hold the run open.
	drainGracePeriod = 2 * time.Second
	// stderr retained for error messages.
	maxStderrBytes = 64 * 1024
)

// claudeBinary is a var so tests can substitute a stub agent.
var claudeBinary = "claude"

// spawnSpec describes one agent process to launch.
type spawnSpec struct {
	AgentID       string
	Prompt        string
	WorktreePath  string
	AllowedTools  string
	ClaudeToken   string
	GHToken       string
	ResumeSession string // attach to this session via --resume
	ResumeLast    bool   // no session id: fall back to --continue
}

// Handle owns one running agent process: its pid, the stdout event reader,
// the stderr scanner, and the exit status. The pool holds handles; everyone
// else sees only the store.
type Handle struct {
	AgentID      string
	IssueNumber  int
	PRNumber     int
	Kind         string
	WorktreePath string
	Branch       string
	PID          int

	// iterationID links a fix run to its review iteration row; zero otherwise.
	iterationID int64

	cmd       *exec.Cmd
	startedAt time.Time

	mu     sync.Mutex
	events []*stream.Event
	stderr strings.Builder

	done    chan struct{}
	waitErr error
}

// spawn starts the agent CLI as a detached child (its own session, so it
// survives orchestrator restarts) and wires up both output readers. Events
// are appended to the store as they arrive.
func spawn(st *store.Store, spec spawnSpec) (*Handle, error) {
	args := []string{}
	switch {
	case spec.ResumeSession != "":
		args = append(args, "--resume", spec.ResumeSession, "-p", spec.Prompt)
	case spec.ResumeLast:
		args = append(args, "--continue", "-p", spec.Prompt)
	default:
		args = append(args, "-p", spec.Prompt)
	}
	args = append(args,
		"--allowedTools", spec.AllowedTools,
		"--output-format", "stream-json",
		"--verbose",
	)

	cmd := exec.Command(claudeBinary, args...)
	cmd.Dir = spec.WorktreePath
	cmd.Env = append(os.Environ(),
		"CLAUDE_CODE_OAUTH_TOKEN="+spec.ClaudeToken,
		"GH_TOKEN="+spec.GHToken,
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	// Manual pipes instead of StdoutPipe: cmd.Wait must not close the read
	// ends while the readers are still draining buffered output.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdout.Close()
		_ = stdoutW.Close()
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stdoutW.Close()
		_ = stderr.Close()
		_ = stderrW.Close()
		return nil, fmt.Errorf("failed to start agent process: %w", err)
	}
	// The child holds its own copies of the write ends.
	_ = stdoutW.Close()
	_ = stderrW.Close()

	h := &Handle{
		AgentID:      spec.AgentID,
		WorktreePath: spec.WorktreePath,
		PID:          cmd.Process.Pid,
		cmd:          cmd,
		startedAt:    time.Now(),
		done:         make(chan struct{}),
	}

	log := logging.WithAgent(spec.AgentID)
	var readers sync.WaitGroup
	readers.Add(2)

	go func() {
		defer readers.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), maxStreamLine)
		for scanner.Scan() {
			ev := stream.ParseLine(scanner.Text())
			if ev == nil {
				continue
			}
			h.mu.Lock()
			h.events = append(h.events, ev)
			h.mu.Unlock()

			if err := st.AppendEvent(spec.AgentID, ev.Type, ev.Raw); err != nil {
				log.Error("failed to persist event", "error", err)
			}
			if ev.SessionID != "" {
				// First occurrence wins; the store ignores later writes.
				if err := st.RecordAgentSession(spec.AgentID, ev.SessionID); err != nil {
					log.Error("failed to record session id", "error", err)
				}
			}
			if ev.Type == stream.TypeToolUse {
				log.Info(ev.Summary)
			}
		}
		if err := scanner.Err(); err != nil {
			log.Warn("stdout reader stopped", "error", err)
		}
	}()

	go func() {
		defer readers.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64*1024), maxStreamLine)
		for scanner.Scan() {
			line := scanner.Text()
			h.mu.Lock()
			if h.stderr.Len() < maxStderrBytes {
				h.stderr.WriteString(line)
				h.stderr.WriteString("\n")
			}
			h.mu.Unlock()
		}
	}()

	// The process is reaped on exit regardless of reader state: a grandchild
	// that inherited the pipes keeps them open, and completion must not wait
	// on it beyond the drain grace.
	go func() {
		waitErr := cmd.Wait()

		drained := make(chan struct{})
		go func() {
			readers.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-time.After(drainGracePeriod):
			log.Warn("output pipes still open after exit, abandoning readers",
				"grace", drainGracePeriod)
		}
		_ = stdout.Close()
		_ = stderr.Close()

		h.waitErr = waitErr
		close(h.done)
	}()

	return h, nil
}

// Done is closed once the process has exited and the readers have drained,
// or the drain grace expired.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Elapsed returns the wall-clock runtime so far.
func (h *Handle) Elapsed() time.Duration {
	return time.Since(h.startedAt)
}

// Kill terminates the process: graceful signal first, force-kill after the
// grace window. Safe to call on an already-exited process.
func (h *Handle) Kill() {
	if h.cmd.Process == nil {
		return
	}
	h.signal(syscall.SIGTERM)
	select {
	case <-h.done:
		return
	case <-time.After(killGracePeriod):
	}
	h.signal(syscall.SIGKILL)
	select {
	case <-h.done:
	case <-time.After(killGracePeriod):
		logging.WithAgent(h.AgentID).Error("process not reaped after SIGKILL", "pid", h.PID)
	}
}

// signal targets the whole process group. The agent is a session leader
// (Setsid) and spawns shell children that must not outlive a kill.
func (h *Handle) signal(sig syscall.Signal) {
	if err := syscall.Kill(-h.PID, sig); err != nil {
		_ = h.cmd.Process.Signal(sig)
	}
}

// Outcome is the terminal report of one agent process.
type Outcome struct {
	ExitErr     error
	Stderr      string
	Events      []*stream.Event
	Turns       int
	RateLimited bool
}

// Outcome reports the result of the run. Valid only after Done is closed.
func (h *Handle) Outcome() Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	events := make([]*stream.Event, len(h.events))
	copy(events, h.events)
	stderr := h.stderr.String()
	return Outcome{
		ExitErr:     h.waitErr,
		Stderr:      stderr,
		Events:      events,
		Turns:       stream.CountTurns(events),
		RateLimited: isRateLimitOutcome(stderr, events),
	}
}

func (h *Handle) eventCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

// snapshotEvents returns a copy of the most recent events for the dashboard.
func (h *Handle) snapshotEvents(n int) []*stream.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.events) <= n {
		out := make([]*stream.Event, len(h.events))
		copy(out, h.events)
		return out
	}
	out := make([]*stream.Event, n)
	copy(out, h.events[len(h.events)-n:])
	return out
}
