package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/swarm/internal/agent"
	"github.com/alekspetrov/swarm/internal/config"
	"github.com/alekspetrov/swarm/internal/dashboard"
	"github.com/alekspetrov/swarm/internal/githost"
	"github.com/alekspetrov/swarm/internal/logging"
	"github.com/alekspetrov/swarm/internal/maintenance"
	"github.com/alekspetrov/swarm/internal/monitor"
	"github.com/alekspetrov/swarm/internal/poller"
	"github.com/alekspetrov/swarm/internal/store"
	"github.com/alekspetrov/swarm/internal/worktree"
)

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the swarm orchestrator",
		RunE:  runStart,
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "  - %v\n", e)
		}
		return fmt.Errorf("environment validation failed (%d problems)", len(errs))
	}
	if err := logging.Init(cfg.Logging); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	log := logging.WithComponent("main")

	fmt.Println(cfg.Redacted())

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	log.Info("database ready", "path", cfg.DBPath)

	worktrees := worktree.NewManager(cfg.TargetRepoPath, cfg.WorktreeDir, cfg.BaseBranch)
	host := githost.NewClient(cfg.GitHubRepo, cfg.GHToken)

	// Reconcile runs left over from a previous process. Agents whose pid is
	// still alive keep running detached; dead ones fail and requeue.
	recovery, err := st.RecoverStaleAgents(nil)
	if err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}
	for _, run := range recovery.Orphaned {
		if run.WorktreePath != "" {
			worktrees.Cleanup(run.AgentID, run.WorktreePath)
		}
	}
	if n := len(recovery.RateLimited); n > 0 {
		log.Info("rate-limited agents parked from previous run, watcher will resume them", "count", n)
	}

	var skills []string
	if cfg.SkillsEnabled {
		skills = agent.DiscoverSkills()
		log.Info("skills discovered", "count", len(skills))
	}

	pool := agent.NewPool(cfg, st, worktrees, host, skills)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			log.Debug("loop exited", "loop", name)
		}()
	}

	run("poller", poller.New(cfg, st, host, pool).Run)
	run("monitor", monitor.New(cfg, st, host, pool).Run)
	run("rate-limit-watcher", agent.NewRateLimitWatcher(cfg, st, pool).Run)

	dash := dashboard.New(cfg, st, pool)
	run("dashboard", func(ctx context.Context) {
		if err := dash.Start(ctx); err != nil {
			log.Error("dashboard failed", "error", err)
		}
	})

	if err := maintenance.New(st, worktrees).Start(ctx); err != nil {
		return fmt.Errorf("failed to schedule maintenance: %w", err)
	}

	log.Info("swarm orchestrator running",
		"repo", cfg.GitHubRepo,
		"poll_interval", cfg.PollInterval,
		"dashboard", fmt.Sprintf("http://localhost:%d", cfg.DashboardPort))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("signal received, shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	// Stop the intake loops; running agents are detached and keep going.
	cancel()
	pool.Shutdown()
	wg.Wait()

	log.Info("swarm orchestrator stopped")
	return nil
}
