// Package config loads and validates orchestrator configuration.
//
// Configuration is resolved in three layers: built-in defaults, an optional
// swarm.yaml file (with environment variable expansion), and environment
// variables, which always win. A .env file in the working directory is
// loaded into the environment first.
package config

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/alekspetrov/swarm/internal/logging"
)

// Config holds all orchestrator settings.
type Config struct {
	// Authentication
	ClaudeToken string `yaml:"-"` // CLAUDE_CODE_OAUTH_TOKEN, env only
	GHToken     string `yaml:"-"` // GH_TOKEN, env only

	// Repository
	GitHubRepo     string `yaml:"github_repo"`      // owner/name
	BaseBranch     string `yaml:"base_branch"`      // branch agents fork from
	TargetRepoPath string `yaml:"target_repo_path"` // absolute path to the local clone

	// Issue polling
	PollInterval    time.Duration `yaml:"poll_interval"`
	IssueLabel      string        `yaml:"issue_label"`
	TriggerMention  string        `yaml:"trigger_mention"` // empty disables the gate
	MaxIssueRetries int           `yaml:"max_issue_retries"`

	// Agent pool
	MaxConcurrentAgents int           `yaml:"max_concurrent_agents"`
	MaxTurnsImplement   int           `yaml:"agent_max_turns_implement"`
	MaxTurnsFix         int           `yaml:"agent_max_turns_fix"`
	AgentTimeout        time.Duration `yaml:"agent_timeout"`

	// PR review loop
	PRPollInterval  time.Duration `yaml:"pr_poll_interval"`
	MaxPRFixRetries int           `yaml:"max_pr_fix_retries"`

	// Rate limit handling
	RateLimitRetryInterval time.Duration `yaml:"rate_limit_retry_interval"`
	MaxRateLimitResumes    int           `yaml:"max_rate_limit_resumes"`

	// Skills
	SkillsEnabled bool `yaml:"skills_enabled"`

	// Paths
	WorktreeDir string `yaml:"worktree_dir"`
	DBPath      string `yaml:"db_path"`

	// Dashboard
	DashboardPort int `yaml:"dashboard_port"`

	// Logging
	Logging *logging.Config `yaml:"logging"`
}

// Default returns a configuration with the documented defaults. Values that
// depend on TargetRepoPath (worktree dir) are resolved in Load.
func Default() *Config {
	return &Config{
		GitHubRepo:             "",
		BaseBranch:             "main",
		PollInterval:           300 * time.Second,
		IssueLabel:             "agent",
		TriggerMention:         "@claude-swarm",
		MaxIssueRetries:        3,
		MaxConcurrentAgents:    3,
		MaxTurnsImplement:      30,
		MaxTurnsFix:            20,
		AgentTimeout:           1800 * time.Second,
		PRPollInterval:         120 * time.Second,
		MaxPRFixRetries:        5,
		RateLimitRetryInterval: 300 * time.Second,
		MaxRateLimitResumes:    5,
		SkillsEnabled:          true,
		DBPath:                 filepath.Join("orchestrator", "swarm.db"),
		DashboardPort:          8420,
		Logging:                logging.DefaultConfig(),
	}
}

// Load resolves the configuration from defaults, an optional YAML file, and
// the environment. path may be empty to skip the file layer.
func Load(path string) (*Config, error) {
	// Best-effort .env loading; absence is not an error.
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err == nil {
			expanded := os.ExpandEnv(string(data))
			if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	cfg.applyEnv()

	if cfg.TargetRepoPath != "" {
		abs, err := filepath.Abs(cfg.TargetRepoPath)
		if err == nil {
			cfg.TargetRepoPath = abs
		}
	}
	if cfg.WorktreeDir == "" && cfg.TargetRepoPath != "" {
		parent := filepath.Dir(cfg.TargetRepoPath)
		name := filepath.Base(cfg.TargetRepoPath)
		cfg.WorktreeDir = filepath.Join(parent, name+"-worktrees")
	}

	return cfg, nil
}

// applyEnv overlays environment variables onto the config.
func (c *Config) applyEnv() {
	c.ClaudeToken = os.Getenv("CLAUDE_CODE_OAUTH_TOKEN")
	c.GHToken = os.Getenv("GH_TOKEN")

	envString(&c.GitHubRepo, "GITHUB_REPO")
	envString(&c.BaseBranch, "BASE_BRANCH")
	envString(&c.TargetRepoPath, "TARGET_REPO_PATH")
	envString(&c.IssueLabel, "ISSUE_LABEL")
	envString(&c.WorktreeDir, "WORKTREE_DIR")
	envString(&c.DBPath, "DB_PATH")

	// TRIGGER_MENTION="" is meaningful (disables the gate), so presence
	// matters rather than non-emptiness.
	if v, ok := os.LookupEnv("TRIGGER_MENTION"); ok {
		c.TriggerMention = v
	}

	envInt(&c.MaxIssueRetries, "MAX_ISSUE_RETRIES")
	envInt(&c.MaxConcurrentAgents, "MAX_CONCURRENT_AGENTS")
	envInt(&c.MaxTurnsImplement, "AGENT_MAX_TURNS_IMPLEMENT")
	envInt(&c.MaxTurnsFix, "AGENT_MAX_TURNS_FIX")
	envInt(&c.MaxPRFixRetries, "MAX_PR_FIX_RETRIES")
	envInt(&c.MaxRateLimitResumes, "MAX_RATE_LIMIT_RESUMES")
	envInt(&c.DashboardPort, "DASHBOARD_PORT")

	envSeconds(&c.PollInterval, "POLL_INTERVAL_SECONDS")
	envSeconds(&c.PRPollInterval, "PR_POLL_INTERVAL_SECONDS")
	envSeconds(&c.AgentTimeout, "AGENT_TIMEOUT_SECONDS")
	envSeconds(&c.RateLimitRetryInterval, "RATE_LIMIT_RETRY_INTERVAL")

	if v := os.Getenv("SKILLS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.SkillsEnabled = b
		}
	}

	if c.Logging == nil {
		c.Logging = logging.DefaultConfig()
	}
	envString(&c.Logging.Level, "SWARM_LOG_LEVEL")
	envString(&c.Logging.Format, "SWARM_LOG_FORMAT")
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envSeconds(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}

// Validate checks that required settings and external tools are present.
// It returns every problem found so the operator can fix them in one pass.
func (c *Config) Validate() []error {
	var errs []error

	if c.ClaudeToken == "" {
		errs = append(errs, fmt.Errorf("CLAUDE_CODE_OAUTH_TOKEN is not set"))
	}
	if c.GHToken == "" {
		errs = append(errs, fmt.Errorf("GH_TOKEN is not set"))
	}
	if c.GitHubRepo == "" {
		errs = append(errs, fmt.Errorf("GITHUB_REPO is not set (expected owner/name)"))
	}
	if c.TargetRepoPath == "" {
		errs = append(errs, fmt.Errorf("TARGET_REPO_PATH is not set"))
	} else if info, err := os.Stat(c.TargetRepoPath); err != nil || !info.IsDir() {
		errs = append(errs, fmt.Errorf("TARGET_REPO_PATH does not exist: %s", c.TargetRepoPath))
	} else if _, err := os.Stat(filepath.Join(c.TargetRepoPath, ".git")); err != nil {
		errs = append(errs, fmt.Errorf("TARGET_REPO_PATH is not a git repo: %s", c.TargetRepoPath))
	}

	for _, tool := range []string{"claude", "gh", "git"} {
		if _, err := exec.LookPath(tool); err != nil {
			errs = append(errs, fmt.Errorf("'%s' not found in PATH", tool))
		}
	}

	return errs
}

// Redacted returns a multi-line rendering of the config with token values
// reduced to short previews, suitable for startup logging.
func (c *Config) Redacted() string {
	trigger := c.TriggerMention
	if trigger == "" {
		trigger = "(disabled: immediate pickup)"
	}
	return fmt.Sprintf(`=== Swarm Configuration ===
  GITHUB_REPO:           %s
  BASE_BRANCH:           %s
  TARGET_REPO_PATH:      %s
  WORKTREE_DIR:          %s
  DB_PATH:               %s
  POLL_INTERVAL:         %s
  ISSUE_LABEL:           %s
  TRIGGER_MENTION:       %s
  MAX_CONCURRENT_AGENTS: %d
  MAX_TURNS (implement): %d
  MAX_TURNS (fix):       %d
  AGENT_TIMEOUT:         %s
  PR_POLL_INTERVAL:      %s
  MAX_PR_FIX_RETRIES:    %d
  RATE_LIMIT_RETRY:      %s
  MAX_RATE_RESUMES:      %d
  SKILLS_ENABLED:        %t
  DASHBOARD_PORT:        %d
  CLAUDE_TOKEN:          %s
  GH_TOKEN:              %s
===========================`,
		c.GitHubRepo, c.BaseBranch, c.TargetRepoPath, c.WorktreeDir, c.DBPath,
		c.PollInterval, c.IssueLabel, trigger,
		c.MaxConcurrentAgents, c.MaxTurnsImplement, c.MaxTurnsFix,
		c.AgentTimeout, c.PRPollInterval, c.MaxPRFixRetries,
		c.RateLimitRetryInterval, c.MaxRateLimitResumes,
		c.SkillsEnabled, c.DashboardPort,
		preview(c.ClaudeToken, 12), preview(c.GHToken, 8))
}

func preview(token string, n int) string {
	if token == "" {
		return "(not set)"
	}
	if len(token) <= n {
		return token[:1] + "..."
	}
	return token[:n] + "..."
}
