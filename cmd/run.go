// File: cmd/run.go
package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/remedy-cli/internal/autofix"
	"github.com/xkilldash9x/remedy-cli/internal/config"
	"github.com/xkilldash9x/remedy-cli/internal/llmclient"
	"github.com/xkilldash9x/remedy-cli/internal/observability"
)

var runOnce bool

// newRunCmd creates the run command: the remediation pipeline itself.
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Poll the configured watches and open fix PRs for remediable errors.",
		Long: `Run executes the remediation pipeline: fetch recent deployment logs for
every enabled watch, group and fingerprint the errors, analyze new ones with
the configured LLM, and open a pull request for each fixable error on its own
branch. By default it keeps polling at the configured interval; --once runs a
single cycle and exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewConfigFromViper(viper.GetViper())
			if err != nil {
				return err
			}
			return runPipeline(cmd.Context(), cfg, observability.GetLogger(), runOnce)
		},
	}

	cmd.Flags().BoolVar(&runOnce, "once", false, "run a single poll cycle and exit")
	return cmd
}

// runPipeline wires the pipeline from configuration and drives it until the
// context is canceled (or after one cycle with once).
func runPipeline(ctx context.Context, cfg *config.Config, logger *zap.Logger, once bool) error {
	if !cfg.Autofix.Enabled {
		logger.Info("Autofix is disabled in configuration; nothing to do.")
		return nil
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loop, cleanup, err := buildLoop(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	if once {
		summary, err := loop.Run(ctx)
		if err != nil {
			return err
		}
		reportSummary(summary, logger)
		if len(summary.Errors) > 0 {
			return fmt.Errorf("%d error(s) failed during the poll cycle", len(summary.Errors))
		}
		return nil
	}

	interval := cfg.Autofix.PollInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	logger.Info("Polling continuously.", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		summary, err := loop.Run(ctx)
		if err != nil {
			logger.Error("Poll cycle failed.", zap.Error(err))
		} else {
			reportSummary(summary, logger)
		}

		select {
		case <-ctx.Done():
			logger.Info("Shutting down.")
			return nil
		case <-ticker.C:
		}
	}
}

// buildLoop assembles the pipeline's dependencies from configuration. The
// returned cleanup closes the LLM client.
func buildLoop(cfg *config.Config, logger *zap.Logger) (*autofix.Loop, func(), error) {
	af := cfg.Autofix

	store := autofix.NewStateStore(af.StateFile, logger)
	for _, w := range af.Watches {
		store.AddWatch(autofix.Watch{
			ProjectID:     w.ProjectID,
			EnvironmentID: w.EnvironmentID,
			ServiceName:   w.ServiceName,
			Enabled:       w.Enabled,
		})
	}

	llmClient, err := llmclient.NewClient(cfg.Agent, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}
	cleanup := func() {
		if err := llmClient.Close(); err != nil {
			logger.Warn("Failed to close LLM client.", zap.Error(err))
		}
	}

	analyzer := autofix.NewAnalyzer(llmClient, af.RepoPath, autofix.Confidence(af.MinConfidence), logger)

	gitClient := autofix.NewCLIGit(af.RepoPath, af.Git.AuthorName, af.Git.AuthorEmail, logger)
	applier := autofix.NewApplier(gitClient, af.RepoPath, "origin", af.GitHub.BaseBranch, af.ValidateCmd, logger)

	owner, repo := af.GitHub.RepoOwner, af.GitHub.RepoName
	if owner == "" || repo == "" {
		owner, repo, err = gitClient.RemoteOwnerRepo("origin")
		if err != nil && !af.DryRun {
			cleanup()
			return nil, nil, fmt.Errorf("github.repo_owner/repo_name not configured and remote detection failed: %w", err)
		}
	}
	prCreator := autofix.NewGitHubPRCreator(af.GitHub.Token, owner, repo, af.GitHub.BaseBranch, logger)

	registry := autofix.NewWatcherRegistry(logger, func(projectID string) autofix.LogWatcher {
		return autofix.NewFileLogWatcher(af.LogDir, projectID, logger)
	})

	loop := autofix.NewLoop(store, registry, analyzer, applier, prCreator, autofix.LoopConfig{
		MaxErrorsPerPoll: af.MaxErrorsPerPoll,
		MaxPRsPerHour:    af.MaxPRsPerHour,
		Cooldown:         time.Duration(af.CooldownSeconds) * time.Second,
		DryRun:           af.DryRun,
	}, logger)

	return loop, cleanup, nil
}

// reportSummary prints the cycle outcome, including every per-error failure.
func reportSummary(summary autofix.CycleSummary, logger *zap.Logger) {
	fmt.Printf("Cycle %s: %d errors found, %d analyzed, %d fixes attempted, %d PRs created\n",
		summary.CycleID, summary.ErrorsFound, summary.ErrorsAnalyzed, summary.FixesAttempted, summary.PRsCreated)
	for _, ce := range summary.Errors {
		fmt.Printf("  FAILED [%s] %s: %s\n", ce.Stage, ce.Fingerprint, ce.Message)
	}
	if len(summary.Errors) > 0 {
		logger.Warn("Cycle finished with per-error failures.", zap.Int("failures", len(summary.Errors)))
	}
}
