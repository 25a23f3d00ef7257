// internal/autofix/loop.go
package autofix

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LoopConfig carries the poll-cycle policy knobs.
type LoopConfig struct {
	MaxErrorsPerPoll int
	MaxPRsPerHour    int
	Cooldown         time.Duration
	DryRun           bool
}

// Loop orchestrates one remediation cycle: fetch, dedup, analyze, fix,
// publish. It is single-threaded by design: the state file has one writer and
// the applier mutates one shared working tree, so errors are processed
// strictly in sequence.
type Loop struct {
	store    *StateStore
	registry *WatcherRegistry
	analyzer ErrorAnalyzer
	applier  FixApplier
	pr       PRCreator
	cfg      LoopConfig
	logger   *zap.Logger
	now      func() time.Time // Injected for tests.
}

// NewLoop assembles the remediation pipeline.
func NewLoop(store *StateStore, registry *WatcherRegistry, analyzer ErrorAnalyzer, applier FixApplier, pr PRCreator, cfg LoopConfig, logger *zap.Logger) *Loop {
	return &Loop{
		store:    store,
		registry: registry,
		analyzer: analyzer,
		applier:  applier,
		pr:       pr,
		cfg:      cfg,
		logger:   logger.Named("loop"),
		now:      time.Now,
	}
}

// Run executes one poll cycle and returns its summary. Per-error failures are
// recorded in the summary and never abort the cycle; the returned error is
// reserved for cycle-level failures such as a final state save that cannot
// complete.
func (l *Loop) Run(ctx context.Context) (CycleSummary, error) {
	summary := CycleSummary{CycleID: uuid.NewString()}
	log := l.logger.With(zap.String("cycle_id", summary.CycleID))

	watches := l.store.EnabledWatches()
	if len(watches) == 0 {
		log.Info("No enabled watches; nothing to poll.")
		return summary, nil
	}

	since := l.store.LastPollAt()
	pollStart := l.now()

	batch := l.fetchBatch(ctx, watches, since, &summary, log)
	summary.ErrorsFound = len(batch)

	l.processBatch(ctx, batch, &summary, log)

	l.store.SetLastPollAt(pollStart)
	if removed := l.store.Cleanup(); removed > 0 {
		log.Info("Pruned stale error records.", zap.Int("removed", removed))
	}
	if err := l.store.Save(); err != nil {
		return summary, err
	}

	log.Info("Poll cycle complete.",
		zap.Int("errors_found", summary.ErrorsFound),
		zap.Int("errors_analyzed", summary.ErrorsAnalyzed),
		zap.Int("fixes_attempted", summary.FixesAttempted),
		zap.Int("prs_created", summary.PRsCreated),
		zap.Int("failures", len(summary.Errors)))
	return summary, nil
}

// fetchBatch polls every enabled watch and returns at most MaxErrorsPerPoll
// errors across all of them. A watch whose fetch fails is recorded and
// skipped; the other watches still run.
func (l *Loop) fetchBatch(ctx context.Context, watches []Watch, since time.Time, summary *CycleSummary, log *zap.Logger) []NormalizedError {
	var batch []NormalizedError
	for _, w := range watches {
		remaining := l.cfg.MaxErrorsPerPoll - len(batch)
		if remaining <= 0 {
			log.Warn("Per-poll error cap reached; remaining watches deferred to the next cycle.",
				zap.Int("cap", l.cfg.MaxErrorsPerPoll))
			break
		}

		watcher, err := l.registry.ForProject(w.ProjectID)
		if err != nil {
			summary.Errors = append(summary.Errors, CycleError{Fingerprint: w.Key(), Stage: "fetch", Message: err.Error()})
			continue
		}

		errs, err := watcher.FetchErrors(ctx, w.EnvironmentID, w.ServiceName, FetchOptions{Since: since, Limit: remaining})
		if err != nil {
			log.Warn("Failed to fetch errors for watch.", zap.String("watch", w.Key()), zap.Error(err))
			summary.Errors = append(summary.Errors, CycleError{Fingerprint: w.Key(), Stage: "fetch", Message: err.Error()})
			continue
		}
		if len(errs) > remaining {
			errs = errs[:remaining]
		}
		batch = append(batch, errs...)
	}
	return batch
}

// processBatch walks the fetched errors strictly in sequence, driving each
// through the tracked-error state machine. State is saved after every status
// transition so an interrupted cycle resumes from a consistent checkpoint.
func (l *Loop) processBatch(ctx context.Context, batch []NormalizedError, summary *CycleSummary, log *zap.Logger) {
	seen := make(map[string]bool, len(batch))

	for _, e := range batch {
		if ctx.Err() != nil {
			log.Warn("Cycle canceled; remaining errors deferred.", zap.Error(ctx.Err()))
			return
		}

		fp := Fingerprint(e)
		if seen[fp] {
			continue
		}
		seen[fp] = true
		elog := log.With(zap.String("fingerprint", fp), zap.String("service", e.ServiceName))

		// Occurrences of known errors always bump the record, whatever the
		// processing decision below.
		tracked, known := l.store.GetError(fp)
		if known {
			switch tracked.Status {
			case StatusIgnored, StatusResolved:
				l.store.TrackError(fp, e)
				continue
			case StatusAnalyzing, StatusFixing:
				// In-flight from an interrupted cycle. Counted, not re-entered.
				l.store.TrackError(fp, e)
				elog.Warn("Error is mid-pipeline from a previous cycle; skipping.", zap.String("status", string(tracked.Status)))
				continue
			case StatusPRCreated:
				if l.store.IsInCooldown(fp, l.cfg.Cooldown) {
					l.store.TrackError(fp, e)
					elog.Debug("Error in post-PR cooldown; skipping.")
					continue
				}
				// Cooldown expired but the error persists: eligible again.
				// The applier's branch guard still blocks a duplicate fix.
			}
		}

		if !l.store.CanCreatePR(l.cfg.MaxPRsPerHour) {
			elog.Warn("Hourly PR quota exhausted; deferring remaining errors to a later cycle.",
				zap.Int("max_prs_per_hour", l.cfg.MaxPRsPerHour))
			return
		}

		l.processError(ctx, fp, e, summary, elog)
	}
}

// processError runs one error through analyze, fix and PR creation. Any
// failure resets the record to new so the error is retried on a later cycle.
func (l *Loop) processError(ctx context.Context, fp string, e NormalizedError, summary *CycleSummary, log *zap.Logger) {
	l.store.TrackError(fp, e)
	l.transition(fp, StatusAnalyzing, nil, log)

	analysis, err := l.analyzer.Analyze(ctx, e)
	if err != nil {
		summary.Errors = append(summary.Errors, CycleError{Fingerprint: fp, Stage: "analyze", Message: err.Error()})
		l.transition(fp, StatusNew, nil, log)
		return
	}
	summary.ErrorsAnalyzed++

	if !analysis.CanFix {
		log.Info("Error classified as not auto-fixable.", zap.String("reason", analysis.Reason))
		l.transition(fp, StatusIgnored, nil, log)
		return
	}

	l.transition(fp, StatusFixing, nil, log)

	if l.cfg.DryRun {
		log.Info("Dry run: fix identified but not applied.",
			zap.String("description", analysis.SuggestedFix.Description),
			zap.String("confidence", string(analysis.Confidence)))
		l.transition(fp, StatusNew, nil, log)
		return
	}

	summary.FixesAttempted++
	fixResult, err := l.applier.ApplyFix(ctx, analysis.SuggestedFix, fp)
	if err != nil {
		summary.Errors = append(summary.Errors, CycleError{Fingerprint: fp, Stage: "fix", Message: err.Error()})
		l.transition(fp, StatusNew, nil, log)
		return
	}

	tracked, _ := l.store.GetError(fp)
	prResult, err := l.pr.CreatePR(ctx, PRRequest{
		BranchName:  fixResult.BranchName,
		Fingerprint: fp,
		Error:       e,
		Tracked:     *tracked,
		Analysis:    analysis,
		Fix:         analysis.SuggestedFix,
	})
	if err != nil {
		// The branch is pushed but unpublished. Reset to new; the next attempt
		// fails fast on the branch guard and surfaces the stale branch.
		summary.Errors = append(summary.Errors, CycleError{Fingerprint: fp, Stage: "pr", Message: err.Error()})
		l.transition(fp, StatusNew, nil, log)
		return
	}

	l.store.IncrementPRCount()
	l.transition(fp, StatusPRCreated, &StatusExtra{PRURL: prResult.PRURL, BranchName: fixResult.BranchName}, log)
	summary.PRsCreated++
	log.Info("Remediation PR created.", zap.String("pr_url", prResult.PRURL))
}

// transition updates a tracked error's status and checkpoints the state file.
// Persistence failures are logged, not fatal: in-memory state stays correct
// and the final save retries.
func (l *Loop) transition(fp string, status ErrorStatus, extra *StatusExtra, log *zap.Logger) {
	if err := l.store.UpdateErrorStatus(fp, status, extra); err != nil {
		log.Warn("Failed to update error status.", zap.String("status", string(status)), zap.Error(err))
		return
	}
	if err := l.store.Save(); err != nil {
		log.Warn("Failed to checkpoint state after status transition.", zap.String("status", string(status)), zap.Error(err))
	}
}
