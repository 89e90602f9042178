package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.PollInterval != 300*time.Second {
		t.Errorf("PollInterval = %v", cfg.PollInterval)
	}
	if cfg.IssueLabel != "agent" || cfg.TriggerMention != "@claude-swarm" {
		t.Errorf("label = %q mention = %q", cfg.IssueLabel, cfg.TriggerMention)
	}
	if cfg.MaxConcurrentAgents != 3 || cfg.MaxIssueRetries != 3 || cfg.MaxPRFixRetries != 5 {
		t.Errorf("limits = %d/%d/%d", cfg.MaxConcurrentAgents, cfg.MaxIssueRetries, cfg.MaxPRFixRetries)
	}
	if cfg.AgentTimeout != 1800*time.Second {
		t.Errorf("AgentTimeout = %v", cfg.AgentTimeout)
	}
	if !cfg.SkillsEnabled {
		t.Error("skills disabled by default")
	}
}

func TestEnvOverridesDefaults(t *testing.T) {
	t.Setenv("GITHUB_REPO", "octo/widgets")
	t.Setenv("MAX_CONCURRENT_AGENTS", "7")
	t.Setenv("POLL_INTERVAL_SECONDS", "60")
	t.Setenv("SKILLS_ENABLED", "false")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.GitHubRepo != "octo/widgets" {
		t.Errorf("GitHubRepo = %q", cfg.GitHubRepo)
	}
	if cfg.MaxConcurrentAgents != 7 {
		t.Errorf("MaxConcurrentAgents = %d", cfg.MaxConcurrentAgents)
	}
	if cfg.PollInterval != 60*time.Second {
		t.Errorf("PollInterval = %v", cfg.PollInterval)
	}
	if cfg.SkillsEnabled {
		t.Error("SKILLS_ENABLED=false not applied")
	}
}

func TestEmptyTriggerMentionIsPreserved(t *testing.T) {
	t.Setenv("TRIGGER_MENTION", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TriggerMention != "" {
		t.Errorf("TriggerMention = %q, want empty (gate disabled)", cfg.TriggerMention)
	}
}

func TestYAMLLayerUnderEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "swarm.yaml")
	yaml := "github_repo: file/repo\nissue_label: swarm-task\nmax_concurrent_agents: 2\n"
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GITHUB_REPO", "env/repo")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.GitHubRepo != "env/repo" {
		t.Errorf("GitHubRepo = %q, env must win over file", cfg.GitHubRepo)
	}
	if cfg.IssueLabel != "swarm-task" || cfg.MaxConcurrentAgents != 2 {
		t.Errorf("file values lost: label=%q agents=%d", cfg.IssueLabel, cfg.MaxConcurrentAgents)
	}
}

func TestMissingConfigFileIsFine(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err != nil {
		t.Errorf("missing file should not fail: %v", err)
	}
}

func TestWorktreeDirDerivedFromRepoPath(t *testing.T) {
	repo := t.TempDir()
	t.Setenv("TARGET_REPO_PATH", repo)

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(filepath.Dir(repo), filepath.Base(repo)+"-worktrees")
	if cfg.WorktreeDir != want {
		t.Errorf("WorktreeDir = %q, want %q", cfg.WorktreeDir, want)
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.ClaudeToken = ""
	cfg.GHToken = ""
	cfg.GitHubRepo = ""
	cfg.TargetRepoPath = ""

	errs := cfg.Validate()
	if len(errs) < 4 {
		t.Fatalf("errs = %v, want at least the four missing settings", errs)
	}
}

func TestValidateRejectsNonRepoPath(t *testing.T) {
	cfg := Default()
	cfg.ClaudeToken = "tok"
	cfg.GHToken = "tok"
	cfg.GitHubRepo = "octo/widgets"
	cfg.TargetRepoPath = t.TempDir() // exists but has no .git

	errs := cfg.Validate()
	found := false
	for _, e := range errs {
		if strings.Contains(e.Error(), "not a git repo") {
			found = true
		}
	}
	if !found {
		t.Errorf("errs = %v, want a 'not a git repo' complaint", errs)
	}
}

func TestRedactedHidesTokens(t *testing.T) {
	cfg := Default()
	cfg.ClaudeToken = "sk-ant-REDACTED"
	cfg.GHToken = "ghp_secretsecret"

	out := cfg.Redacted()
	if strings.Contains(out, "abcdefghijklmnop") || strings.Contains(out, "secretsecret") {
		t.Error("full token leaked into redacted output")
	}
	if !strings.Contains(out, "sk-ant-oat01") {
		t.Error("token preview missing")
	}
}
