// Package dashboard exposes the orchestrator's state over HTTP: aggregate
// metrics, agent runs with live event feeds, tracked issues, and the review
// loop per PR.
package dashboard

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alekspetrov/swarm/internal/agent"
	"github.com/alekspetrov/swarm/internal/config"
	"github.com/alekspetrov/swarm/internal/logging"
	"github.com/alekspetrov/swarm/internal/store"
)

//go:embed static
var staticFS embed.FS

const eventPageSize = 200

// PoolStats is the slice of the agent pool the dashboard reads.
type PoolStats interface {
	Snapshots() []agent.Snapshot
	RateLimitHits() int64
}

// Server is the dashboard HTTP server. Safe for concurrent use.
type Server struct {
	cfg      *config.Config
	store    *store.Store
	pool     PoolStats
	sessions *sessionManager
	upgrader websocket.Upgrader
	server   *http.Server
	log      *slog.Logger
	mu       sync.Mutex
	running  bool
}

// New builds a dashboard server bound to the configured port.
func New(cfg *config.Config, st *store.Store, pool PoolStats) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		pool:     pool,
		sessions: newSessionManager(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				return strings.HasPrefix(origin, "http://localhost") ||
					strings.HasPrefix(origin, "http://127.0.0.1")
			},
		},
		log: logging.WithComponent("dashboard"),
	}
}

// Start serves until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("dashboard already running")
	}
	s.running = true
	s.mu.Unlock()

	mux, err := s.routes()
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("127.0.0.1:%d", s.cfg.DashboardPort)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.log.Info("dashboard starting", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// routes builds the request mux.
func (s *Server) routes() (*http.ServeMux, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/metrics", s.handleMetrics)
	mux.HandleFunc("GET /api/agents", s.handleAgents)
	mux.HandleFunc("GET /api/agents/{id}/logs", s.handleAgentLogs)
	mux.HandleFunc("GET /api/issues", s.handleIssues)
	mux.HandleFunc("GET /api/prs", s.handlePRs)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	static, err := fs.Sub(staticFS, "static")
	if err != nil {
		return nil, fmt.Errorf("dashboard assets unavailable: %w", err)
	}
	mux.Handle("GET /", http.FileServer(http.FS(static)))
	return mux, nil
}

// Shutdown stops the server, waiting briefly for in-flight requests.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"status":   "healthy",
		"sessions": s.sessions.count(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	m, err := s.store.GetMetrics()
	if err != nil {
		s.fail(w, "failed to compute metrics", err)
		return
	}
	writeJSON(w, map[string]any{
		"active_agents":   m.ActiveAgents,
		"total_issues":    m.TotalIssues,
		"resolved":        m.Resolved,
		"pending":         m.Pending,
		"in_progress":     m.InProgress,
		"pr_created":      m.PRCreated,
		"needs_human":     m.NeedsHuman,
		"avg_turns":       m.AvgTurns,
		"rate_limited":    m.RateLimited,
		"rate_limit_hits": s.pool.RateLimitHits(),
	})
}

func (s *Server) handleAgents(w http.ResponseWriter, _ *http.Request) {
	agents, err := s.store.AllAgents()
	if err != nil {
		s.fail(w, "failed to list agents", err)
		return
	}
	writeJSON(w, map[string]any{
		"agents": agents,
		"live":   s.pool.Snapshots(),
	})
}

func (s *Server) handleAgentLogs(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	since := int64(0)
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid since parameter", http.StatusBadRequest)
			return
		}
		since = n
	}

	events, err := s.store.EventsSince(agentID, since, eventPageSize)
	if err != nil {
		s.fail(w, "failed to fetch events", err)
		return
	}
	writeJSON(w, map[string]any{"events": events})
}

func (s *Server) handleIssues(w http.ResponseWriter, _ *http.Request) {
	issues, err := s.store.AllIssues()
	if err != nil {
		s.fail(w, "failed to list issues", err)
		return
	}
	writeJSON(w, map[string]any{"issues": issues})
}

// prSummary is the review loop of one PR collapsed across its iterations.
type prSummary struct {
	PRNumber      int    `json:"pr_number"`
	Iterations    int    `json:"iterations"`
	LatestStatus  string `json:"latest_status"`
	TotalComments int    `json:"total_comments"`
}

func (s *Server) handlePRs(w http.ResponseWriter, _ *http.Request) {
	reviews, err := s.store.AllReviewIterations()
	if err != nil {
		s.fail(w, "failed to list review iterations", err)
		return
	}

	byPR := make(map[int]*prSummary)
	order := []int{}
	for _, rv := range reviews {
		sum, ok := byPR[rv.PRNumber]
		if !ok {
			sum = &prSummary{PRNumber: rv.PRNumber}
			byPR[rv.PRNumber] = sum
			order = append(order, rv.PRNumber)
		}
		if rv.Iteration > sum.Iterations {
			sum.Iterations = rv.Iteration
		}
		sum.LatestStatus = rv.Status
		sum.TotalComments += rv.CommentsCount
	}

	prs := make([]*prSummary, 0, len(order))
	for _, n := range order {
		prs = append(prs, byPR[n])
	}
	writeJSON(w, map[string]any{"prs": prs})
}

func (s *Server) fail(w http.ResponseWriter, msg string, err error) {
	s.log.Error(msg, "error", err)
	http.Error(w, msg, http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
