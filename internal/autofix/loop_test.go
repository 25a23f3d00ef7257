// internal/autofix/loop_test.go
package autofix

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func fixableAnalysis() *AnalysisResult {
	return &AnalysisResult{
		CanFix:     true,
		Reason:     "simple null check",
		RootCause:  "missing guard",
		Confidence: ConfidenceHigh,
		SuggestedFix: &SuggestedFix{
			Description: "add guard",
			Files: []FileChange{{
				Path:    "src/users.ts",
				Changes: []Edit{{Type: EditReplace, Search: "a", Replace: "b"}},
			}},
		},
	}
}

type loopHarness struct {
	loop     *Loop
	store    *StateStore
	clock    *fixedClock
	watcher  *mockLogWatcher
	analyzer *mockAnalyzer
	applier  *mockApplier
	pr       *mockPRCreator
}

func newLoopHarness(t *testing.T, cfg LoopConfig) *loopHarness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	store := NewStateStore(filepath.Join(t.TempDir(), "state.json"), logger)
	clock := newFixedClock()
	store.now = clock.Now

	watcher := &mockLogWatcher{}
	registry := NewWatcherRegistry(logger, func(projectID string) LogWatcher { return watcher })

	analyzer := &mockAnalyzer{result: fixableAnalysis()}
	applier := &mockApplier{}
	pr := &mockPRCreator{}

	if cfg.MaxErrorsPerPoll == 0 {
		cfg.MaxErrorsPerPoll = 20
	}
	if cfg.MaxPRsPerHour == 0 {
		cfg.MaxPRsPerHour = 5
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = time.Hour
	}

	loop := NewLoop(store, registry, analyzer, applier, pr, cfg, logger)
	loop.now = clock.Now

	return &loopHarness{
		loop:     loop,
		store:    store,
		clock:    clock,
		watcher:  watcher,
		analyzer: analyzer,
		applier:  applier,
		pr:       pr,
	}
}

func (h *loopHarness) addWatch() {
	h.store.AddWatch(Watch{ProjectID: "acme", EnvironmentID: "prod", ServiceName: "api", Enabled: true})
}

func sampleError(msg string) NormalizedError {
	return NormalizedError{
		Message:     msg,
		StackTrace:  "    at getUser (src/users.ts:42:10)",
		ServiceName: "api",
	}
}

func TestLoopRun_NoEnabledWatches(t *testing.T) {
	t.Parallel()
	h := newLoopHarness(t, LoopConfig{})
	h.store.AddWatch(Watch{ProjectID: "acme", EnvironmentID: "prod", ServiceName: "api", Enabled: false})

	summary, err := h.loop.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.ErrorsFound)
	assert.Zero(t, h.watcher.fetches, "disabled watches are never polled")
}

func TestLoopRun_FullRemediation(t *testing.T) {
	t.Parallel()
	h := newLoopHarness(t, LoopConfig{})
	h.addWatch()
	e := sampleError("TypeError: Cannot read properties of undefined (reading 'id')")
	h.watcher.errs = []NormalizedError{e}

	summary, err := h.loop.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.ErrorsFound)
	assert.Equal(t, 1, summary.ErrorsAnalyzed)
	assert.Equal(t, 1, summary.FixesAttempted)
	assert.Equal(t, 1, summary.PRsCreated)
	assert.Empty(t, summary.Errors)
	assert.NotEmpty(t, summary.CycleID)

	fp := Fingerprint(e)
	tracked, ok := h.store.GetError(fp)
	require.True(t, ok)
	assert.Equal(t, StatusPRCreated, tracked.Status)
	assert.Equal(t, "https://github.com/acme/shop/pull/42", tracked.PRURL)
	assert.Equal(t, BranchForFingerprint(fp), tracked.BranchName)

	require.Len(t, h.pr.requests, 1)
	assert.Equal(t, fp, h.pr.requests[0].Fingerprint)
	assert.Equal(t, 1, h.pr.requests[0].Tracked.OccurrenceCount)

	assert.False(t, h.store.CanCreatePR(1), "the created PR counts against the hourly quota")
	assert.True(t, h.store.LastPollAt().Equal(h.clock.Now()))
}

func TestLoopRun_DeduplicatesWithinBatch(t *testing.T) {
	t.Parallel()
	h := newLoopHarness(t, LoopConfig{})
	h.addWatch()
	e := sampleError("Error: DbTimeout: query exceeded 30000 ms")
	h.watcher.errs = []NormalizedError{e, e, e}

	summary, err := h.loop.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, summary.ErrorsFound)
	assert.Len(t, h.analyzer.analyzed, 1, "identical fingerprints in one batch are processed once")
	assert.Equal(t, 1, summary.PRsCreated)
}

func TestLoopRun_NotFixableBecomesIgnored(t *testing.T) {
	t.Parallel()
	h := newLoopHarness(t, LoopConfig{})
	h.addWatch()
	e := sampleError("Error: ConfigBad: infra misconfigured")
	h.watcher.errs = []NormalizedError{e}
	h.analyzer.result = &AnalysisResult{
		CanFix:     false,
		Reason:     "requires infrastructure change",
		RootCause:  "misconfigured load balancer",
		Confidence: ConfidenceHigh,
	}

	summary, err := h.loop.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.ErrorsAnalyzed)
	assert.Zero(t, summary.FixesAttempted)
	assert.Empty(t, h.applier.applied)

	tracked, _ := h.store.GetError(Fingerprint(e))
	assert.Equal(t, StatusIgnored, tracked.Status)
}

func TestLoopRun_AnalyzeFailureResetsToNew(t *testing.T) {
	t.Parallel()
	h := newLoopHarness(t, LoopConfig{})
	h.addWatch()
	e := sampleError("Error: Weird: unparseable")
	h.watcher.errs = []NormalizedError{e}
	h.analyzer.err = errors.New("LLM unavailable")

	summary, err := h.loop.Run(context.Background())
	require.NoError(t, err, "per-error failures never fail the cycle")

	require.Len(t, summary.Errors, 1)
	assert.Equal(t, "analyze", summary.Errors[0].Stage)
	assert.Contains(t, summary.Errors[0].Message, "LLM unavailable")

	tracked, _ := h.store.GetError(Fingerprint(e))
	assert.Equal(t, StatusNew, tracked.Status, "failed errors are retried on a later cycle")
}

func TestLoopRun_FixFailureResetsToNew(t *testing.T) {
	t.Parallel()
	h := newLoopHarness(t, LoopConfig{})
	h.addWatch()
	e := sampleError("TypeError: boom")
	h.watcher.errs = []NormalizedError{e}
	h.applier.err = errors.New("anchor not found")

	summary, err := h.loop.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, summary.Errors, 1)
	assert.Equal(t, "fix", summary.Errors[0].Stage)
	assert.Equal(t, 1, summary.FixesAttempted)
	assert.Zero(t, summary.PRsCreated)

	tracked, _ := h.store.GetError(Fingerprint(e))
	assert.Equal(t, StatusNew, tracked.Status)
}

func TestLoopRun_PRFailureResetsToNew(t *testing.T) {
	t.Parallel()
	h := newLoopHarness(t, LoopConfig{})
	h.addWatch()
	e := sampleError("TypeError: boom")
	h.watcher.errs = []NormalizedError{e}
	h.pr.err = errors.New("403 rate limited")

	summary, err := h.loop.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, summary.Errors, 1)
	assert.Equal(t, "pr", summary.Errors[0].Stage)

	tracked, _ := h.store.GetError(Fingerprint(e))
	assert.Equal(t, StatusNew, tracked.Status)
	assert.True(t, h.store.CanCreatePR(1), "a failed PR does not consume quota")
}

func TestLoopRun_DryRunStopsBeforeApplying(t *testing.T) {
	t.Parallel()
	h := newLoopHarness(t, LoopConfig{DryRun: true})
	h.addWatch()
	e := sampleError("TypeError: boom")
	h.watcher.errs = []NormalizedError{e}

	summary, err := h.loop.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.ErrorsAnalyzed)
	assert.Zero(t, summary.FixesAttempted)
	assert.Empty(t, h.applier.applied)
	assert.Empty(t, h.pr.requests)

	tracked, _ := h.store.GetError(Fingerprint(e))
	assert.Equal(t, StatusNew, tracked.Status, "dry run leaves the error eligible for a real run")
}

func TestLoopRun_QuotaStopsProcessing(t *testing.T) {
	t.Parallel()
	h := newLoopHarness(t, LoopConfig{MaxPRsPerHour: 2})
	h.addWatch()
	h.watcher.errs = []NormalizedError{
		sampleError("TypeError: first"),
		sampleError("RangeError: second"),
	}

	h.store.IncrementPRCount()
	h.store.IncrementPRCount()

	summary, err := h.loop.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.ErrorsFound)
	assert.Empty(t, h.analyzer.analyzed, "no analysis is spent once the quota is exhausted")
	assert.Zero(t, summary.PRsCreated)
}

func TestLoopRun_CooldownSkipsButCountsOccurrence(t *testing.T) {
	t.Parallel()
	h := newLoopHarness(t, LoopConfig{Cooldown: time.Hour})
	h.addWatch()
	e := sampleError("TypeError: recurring")
	h.watcher.errs = []NormalizedError{e}

	fp := Fingerprint(e)
	h.store.TrackError(fp, e)
	require.NoError(t, h.store.UpdateErrorStatus(fp, StatusPRCreated, nil))

	h.clock.Advance(10 * time.Minute)
	summary, err := h.loop.Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, h.analyzer.analyzed)
	assert.Zero(t, summary.PRsCreated)

	tracked, _ := h.store.GetError(fp)
	assert.Equal(t, 2, tracked.OccurrenceCount, "skipped occurrences still count")
	assert.Equal(t, StatusPRCreated, tracked.Status)
}

func TestLoopRun_IgnoredErrorsStaySkipped(t *testing.T) {
	t.Parallel()
	h := newLoopHarness(t, LoopConfig{})
	h.addWatch()
	e := sampleError("Error: Known: not fixable")
	h.watcher.errs = []NormalizedError{e}

	fp := Fingerprint(e)
	h.store.TrackError(fp, e)
	require.NoError(t, h.store.UpdateErrorStatus(fp, StatusIgnored, nil))

	_, err := h.loop.Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, h.analyzer.analyzed)
	tracked, _ := h.store.GetError(fp)
	assert.Equal(t, StatusIgnored, tracked.Status)
	assert.Equal(t, 2, tracked.OccurrenceCount)
}

func TestLoopRun_FetchFailureIsIsolated(t *testing.T) {
	t.Parallel()
	h := newLoopHarness(t, LoopConfig{})
	h.addWatch()
	h.watcher.err = errors.New("platform API 502")

	summary, err := h.loop.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, summary.Errors, 1)
	assert.Equal(t, "fetch", summary.Errors[0].Stage)
	assert.Zero(t, summary.ErrorsFound)
}

func TestLoopRun_RespectsPerPollCap(t *testing.T) {
	t.Parallel()
	h := newLoopHarness(t, LoopConfig{MaxErrorsPerPoll: 2})
	h.addWatch()
	h.watcher.errs = []NormalizedError{
		sampleError("TypeError: one"),
		sampleError("RangeError: two"),
		sampleError("SyntaxError: three"),
	}

	summary, err := h.loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.ErrorsFound, "the batch is capped per cycle")
}

func TestLoopRun_PersistsStateAcrossCycles(t *testing.T) {
	t.Parallel()
	h := newLoopHarness(t, LoopConfig{})
	h.addWatch()
	e := sampleError("TypeError: persisted")
	h.watcher.errs = []NormalizedError{e}

	_, err := h.loop.Run(context.Background())
	require.NoError(t, err)

	reloaded := NewStateStore(h.store.path, zaptest.NewLogger(t))
	tracked, ok := reloaded.GetError(Fingerprint(e))
	require.True(t, ok)
	assert.Equal(t, StatusPRCreated, tracked.Status)
}
