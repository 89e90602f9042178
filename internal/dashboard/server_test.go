package dashboard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/alekspetrov/swarm/internal/agent"
	"github.com/alekspetrov/swarm/internal/config"
	"github.com/alekspetrov/swarm/internal/store"
)

type fakePool struct {
	snapshots []agent.Snapshot
	hits      int64
}

func (f *fakePool) Snapshots() []agent.Snapshot { return f.snapshots }
func (f *fakePool) RateLimitHits() int64        { return f.hits }

func newFixture(t *testing.T) (*httptest.Server, *store.Store, *fakePool) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "swarm.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	pool := &fakePool{}
	srv := New(config.Default(), st, pool)
	mux, err := srv.routes()
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, st, pool
}

func getJSON(t *testing.T, url string, out any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s = %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatal(err)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts, st, pool := newFixture(t)
	pool.hits = 3

	if err := st.UpsertIssue(1, "a", ""); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertIssue(2, "b", ""); err != nil {
		t.Fatal(err)
	}
	if err := st.ClaimIssue(2, "agent-1"); err != nil {
		t.Fatal(err)
	}

	var m map[string]any
	getJSON(t, ts.URL+"/api/metrics", &m)
	if m["total_issues"].(float64) != 2 {
		t.Errorf("total_issues = %v, want 2", m["total_issues"])
	}
	if m["pending"].(float64) != 1 || m["in_progress"].(float64) != 1 {
		t.Errorf("pending=%v in_progress=%v", m["pending"], m["in_progress"])
	}
	if m["rate_limit_hits"].(float64) != 3 {
		t.Errorf("rate_limit_hits = %v, want 3", m["rate_limit_hits"])
	}
}

func TestAgentsEndpoint(t *testing.T) {
	ts, st, pool := newFixture(t)
	if err := st.UpsertIssue(1, "a", ""); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateAgent(&store.AgentRun{AgentID: "agent-1", IssueNumber: 1, Kind: store.AgentKindImplement}); err != nil {
		t.Fatal(err)
	}
	pool.snapshots = []agent.Snapshot{{AgentID: "agent-1", IssueNumber: 1, Kind: store.AgentKindImplement}}

	var resp struct {
		Agents []store.AgentRun `json:"agents"`
		Live   []agent.Snapshot `json:"live"`
	}
	getJSON(t, ts.URL+"/api/agents", &resp)
	if len(resp.Agents) != 1 || resp.Agents[0].AgentID != "agent-1" {
		t.Errorf("agents = %+v", resp.Agents)
	}
	if len(resp.Live) != 1 || resp.Live[0].AgentID != "agent-1" {
		t.Errorf("live = %+v", resp.Live)
	}
}

func TestAgentLogsEndpoint(t *testing.T) {
	ts, st, _ := newFixture(t)
	if err := st.UpsertIssue(1, "a", ""); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateAgent(&store.AgentRun{AgentID: "agent-1", IssueNumber: 1, Kind: store.AgentKindImplement}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := st.AppendEvent("agent-1", "assistant", "step"); err != nil {
			t.Fatal(err)
		}
	}

	var resp struct {
		Events []store.Event `json:"events"`
	}
	getJSON(t, ts.URL+"/api/agents/agent-1/logs", &resp)
	if len(resp.Events) != 3 {
		t.Fatalf("events = %d, want 3", len(resp.Events))
	}

	// Incremental fetch from the last seen id.
	since := resp.Events[1].ID
	var resp2 struct {
		Events []store.Event `json:"events"`
	}
	getJSON(t, ts.URL+"/api/agents/agent-1/logs?since="+strconv.FormatInt(since, 10), &resp2)
	if len(resp2.Events) != 1 {
		t.Errorf("events since %d = %d, want 1", since, len(resp2.Events))
	}
}

func TestAgentLogsBadSince(t *testing.T) {
	ts, _, _ := newFixture(t)
	resp, err := http.Get(ts.URL + "/api/agents/agent-1/logs?since=abc")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestPRsEndpointGroupsIterations(t *testing.T) {
	ts, st, _ := newFixture(t)
	if _, err := st.CreateReviewIteration(50, 1, 2, ""); err != nil {
		t.Fatal(err)
	}
	id, err := st.CreateReviewIteration(50, 2, 1, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := st.RecordIterationStatus(id, store.ReviewStatusFixed); err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateReviewIteration(60, 1, 4, ""); err != nil {
		t.Fatal(err)
	}

	var resp struct {
		PRs []prSummary `json:"prs"`
	}
	getJSON(t, ts.URL+"/api/prs", &resp)
	if len(resp.PRs) != 2 {
		t.Fatalf("prs = %+v, want 2 groups", resp.PRs)
	}
	byNum := map[int]prSummary{}
	for _, p := range resp.PRs {
		byNum[p.PRNumber] = p
	}
	if p := byNum[50]; p.Iterations != 2 || p.TotalComments != 3 || p.LatestStatus != store.ReviewStatusFixed {
		t.Errorf("pr 50 = %+v", p)
	}
	if p := byNum[60]; p.Iterations != 1 || p.TotalComments != 4 {
		t.Errorf("pr 60 = %+v", p)
	}
}

func TestIndexServed(t *testing.T) {
	ts, _, _ := newFixture(t)
	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}
