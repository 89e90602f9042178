package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/alekspetrov/swarm/internal/config"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7eb8da")) // steel blue

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6e7681")).
			Width(22)

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#7ec699")) // sage green

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#d4b57e"))

	badStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#d48a8a")) // dusty rose
)

type metricsResponse struct {
	ActiveAgents  int     `json:"active_agents"`
	TotalIssues   int     `json:"total_issues"`
	Resolved      int     `json:"resolved"`
	Pending       int     `json:"pending"`
	InProgress    int     `json:"in_progress"`
	PRCreated     int     `json:"pr_created"`
	NeedsHuman    int     `json:"needs_human"`
	AvgTurns      float64 `json:"avg_turns"`
	RateLimited   int     `json:"rate_limited"`
	RateLimitHits int64   `json:"rate_limit_hits"`
}

func newStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show orchestrator status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath())
			if err != nil {
				return err
			}

			url := fmt.Sprintf("http://localhost:%d/api/metrics", cfg.DashboardPort)
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get(url)
			if err != nil {
				fmt.Println(badStyle.Render("✗ orchestrator not reachable"))
				fmt.Printf("  tried %s\n", url)
				fmt.Println("  start it with: swarm start")
				return nil
			}
			defer func() { _ = resp.Body.Close() }()

			var m metricsResponse
			if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
				return fmt.Errorf("failed to parse metrics: %w", err)
			}

			if jsonOutput {
				data, err := json.MarshalIndent(m, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}

			fmt.Println(titleStyle.Render("Swarm Status"))
			fmt.Println(labelStyle.Render("Repo:") + cfg.GitHubRepo)
			fmt.Println(labelStyle.Render("Dashboard:") + url)
			fmt.Println()
			fmt.Println(labelStyle.Render("Active agents:") + okStyle.Render(fmt.Sprintf("%d", m.ActiveAgents)))
			fmt.Println(labelStyle.Render("Issues tracked:") + fmt.Sprintf("%d", m.TotalIssues))
			fmt.Println(labelStyle.Render("  pending:") + fmt.Sprintf("%d", m.Pending))
			fmt.Println(labelStyle.Render("  in progress:") + fmt.Sprintf("%d", m.InProgress))
			fmt.Println(labelStyle.Render("  PR open:") + fmt.Sprintf("%d", m.PRCreated))
			fmt.Println(labelStyle.Render("  resolved:") + okStyle.Render(fmt.Sprintf("%d", m.Resolved)))
			if m.NeedsHuman > 0 {
				fmt.Println(labelStyle.Render("  needs human:") + badStyle.Render(fmt.Sprintf("%d", m.NeedsHuman)))
			} else {
				fmt.Println(labelStyle.Render("  needs human:") + "0")
			}
			fmt.Println()
			fmt.Println(labelStyle.Render("Avg turns:") + fmt.Sprintf("%.1f", m.AvgTurns))
			if m.RateLimited > 0 {
				fmt.Println(labelStyle.Render("Rate limited:") + warnStyle.Render(fmt.Sprintf("%d parked", m.RateLimited)))
			}
			if m.RateLimitHits > 0 {
				fmt.Println(labelStyle.Render("Rate limit hits:") + fmt.Sprintf("%d", m.RateLimitHits))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}
