// internal/autofix/state_test.go
package autofix

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fixedClock gives tests a movable wall clock.
type fixedClock struct {
	t time.Time
}

func (c *fixedClock) Now() time.Time          { return c.t }
func (c *fixedClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newFixedClock() *fixedClock {
	return &fixedClock{t: time.Date(2026, 8, 20, 14, 30, 0, 0, time.UTC)}
}

func newTestStore(t *testing.T) (*StateStore, *fixedClock, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	store := NewStateStore(path, zaptest.NewLogger(t))
	clock := newFixedClock()
	store.now = clock.Now
	return store, clock, path
}

func TestStateStore_SaveAndReload(t *testing.T) {
	t.Parallel()
	store, clock, path := newTestStore(t)

	store.AddWatch(Watch{ProjectID: "acme", EnvironmentID: "prod", ServiceName: "api", Enabled: true})
	store.TrackError("abc123", NormalizedError{Message: "boom", ServiceName: "api"})
	store.SetLastPollAt(clock.Now())
	require.NoError(t, store.Save())

	reloaded := NewStateStore(path, zaptest.NewLogger(t))
	assert.Len(t, reloaded.Watches(), 1)
	assert.Equal(t, 1, reloaded.ErrorCount())

	tracked, ok := reloaded.GetError("abc123")
	require.True(t, ok)
	assert.Equal(t, StatusNew, tracked.Status)
	assert.Equal(t, 1, tracked.OccurrenceCount)
	assert.True(t, clock.Now().Equal(reloaded.LastPollAt()))
}

func TestStateStore_MissingFileStartsEmpty(t *testing.T) {
	t.Parallel()
	store := NewStateStore(filepath.Join(t.TempDir(), "absent.json"), zaptest.NewLogger(t))
	assert.Empty(t, store.Watches())
	assert.Equal(t, 0, store.ErrorCount())
}

func TestStateStore_CorruptFileStartsEmpty(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	store := NewStateStore(path, zaptest.NewLogger(t))
	assert.Equal(t, 0, store.ErrorCount())

	// The store must still be able to write a fresh document.
	store.TrackError("fp1", NormalizedError{Message: "x"})
	require.NoError(t, store.Save())
}

func TestStateStore_TrackErrorIncrementsOccurrences(t *testing.T) {
	t.Parallel()
	store, clock, _ := newTestStore(t)

	first := store.TrackError("fp1", NormalizedError{Message: "boom", ServiceName: "api"})
	assert.Equal(t, 1, first.OccurrenceCount)
	assert.Equal(t, StatusNew, first.Status)

	require.NoError(t, store.UpdateErrorStatus("fp1", StatusAnalyzing, nil))

	clock.Advance(time.Minute)
	second := store.TrackError("fp1", NormalizedError{Message: "boom", ServiceName: "api"})
	assert.Equal(t, 2, second.OccurrenceCount)
	assert.Equal(t, StatusAnalyzing, second.Status, "re-occurrence must not touch status")
	assert.True(t, second.LastSeen.After(second.FirstSeen))
}

func TestStateStore_TrackErrorTruncatesMessage(t *testing.T) {
	t.Parallel()
	store, _, _ := newTestStore(t)

	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'x'
	}
	tracked := store.TrackError("fp1", NormalizedError{Message: string(long)})
	assert.Len(t, tracked.Message, 500)
}

func TestStateStore_UpdateErrorStatusUnknownFingerprint(t *testing.T) {
	t.Parallel()
	store, _, _ := newTestStore(t)
	assert.Error(t, store.UpdateErrorStatus("nope", StatusFixing, nil))
}

func TestStateStore_UpdateErrorStatusRecordsPRDetails(t *testing.T) {
	t.Parallel()
	store, _, _ := newTestStore(t)
	store.TrackError("fp1", NormalizedError{Message: "boom"})

	require.NoError(t, store.UpdateErrorStatus("fp1", StatusPRCreated, &StatusExtra{
		PRURL:      "https://github.com/acme/shop/pull/7",
		BranchName: "autofix/err-fp1",
	}))

	tracked, _ := store.GetError("fp1")
	assert.Equal(t, StatusPRCreated, tracked.Status)
	assert.Equal(t, "https://github.com/acme/shop/pull/7", tracked.PRURL)
	assert.Equal(t, "autofix/err-fp1", tracked.BranchName)
}

func TestStateStore_HourlyPRQuota(t *testing.T) {
	t.Parallel()
	store, clock, _ := newTestStore(t)
	const maxPerHour = 5

	for i := 0; i < maxPerHour; i++ {
		assert.True(t, store.CanCreatePR(maxPerHour), "PR %d should be allowed", i+1)
		store.IncrementPRCount()
	}
	assert.False(t, store.CanCreatePR(maxPerHour), "quota must be exhausted after 5 PRs")

	// Still the same hour bucket a few minutes later.
	clock.Advance(10 * time.Minute)
	assert.False(t, store.CanCreatePR(maxPerHour))

	// A new epoch hour resets the count.
	clock.Advance(time.Hour)
	assert.True(t, store.CanCreatePR(maxPerHour))
}

func TestStateStore_QuotaBucketSurvivesReload(t *testing.T) {
	t.Parallel()
	store, clock, path := newTestStore(t)

	store.IncrementPRCount()
	store.IncrementPRCount()
	require.NoError(t, store.Save())

	reloaded := NewStateStore(path, zaptest.NewLogger(t))
	reloaded.now = clock.Now
	assert.True(t, reloaded.CanCreatePR(3))
	reloaded.IncrementPRCount()
	assert.False(t, reloaded.CanCreatePR(3))
}

func TestStateStore_Cooldown(t *testing.T) {
	t.Parallel()
	store, clock, _ := newTestStore(t)
	cooldown := time.Hour

	store.TrackError("fp1", NormalizedError{Message: "boom"})
	assert.False(t, store.IsInCooldown("fp1", cooldown), "new errors never cool down")

	require.NoError(t, store.UpdateErrorStatus("fp1", StatusPRCreated, nil))
	assert.True(t, store.IsInCooldown("fp1", cooldown))

	clock.Advance(30 * time.Minute)
	assert.True(t, store.IsInCooldown("fp1", cooldown))

	clock.Advance(31 * time.Minute)
	assert.False(t, store.IsInCooldown("fp1", cooldown), "cooldown expires after the window")

	assert.False(t, store.IsInCooldown("unknown", cooldown))
}

func TestStateStore_CleanupRemovesOnlyStaleTerminalRecords(t *testing.T) {
	t.Parallel()
	store, clock, _ := newTestStore(t)

	store.TrackError("old-ignored", NormalizedError{Message: "a"})
	require.NoError(t, store.UpdateErrorStatus("old-ignored", StatusIgnored, nil))
	store.TrackError("old-resolved", NormalizedError{Message: "b"})
	require.NoError(t, store.UpdateErrorStatus("old-resolved", StatusResolved, nil))
	store.TrackError("old-active", NormalizedError{Message: "c"})

	clock.Advance(8 * 24 * time.Hour)
	store.TrackError("fresh-ignored", NormalizedError{Message: "d"})
	require.NoError(t, store.UpdateErrorStatus("fresh-ignored", StatusIgnored, nil))

	removed := store.Cleanup()
	assert.Equal(t, 2, removed)

	_, oldActive := store.GetError("old-active")
	assert.True(t, oldActive, "active records survive regardless of age")
	_, freshIgnored := store.GetError("fresh-ignored")
	assert.True(t, freshIgnored)

	// A second pass finds nothing further to remove.
	assert.Equal(t, 0, store.Cleanup())
}

func TestStateStore_WatchUpsertAndRemove(t *testing.T) {
	t.Parallel()
	store, _, _ := newTestStore(t)

	w := Watch{ProjectID: "acme", EnvironmentID: "prod", ServiceName: "api", Enabled: true}
	store.AddWatch(w)
	store.AddWatch(Watch{ProjectID: "acme", EnvironmentID: "prod", ServiceName: "worker", Enabled: false})

	// Re-adding the same key updates in place instead of duplicating.
	w.Enabled = false
	store.AddWatch(w)
	require.Len(t, store.Watches(), 2)
	assert.Empty(t, store.EnabledWatches())

	assert.True(t, store.RemoveWatch("acme", "prod", "api"))
	assert.False(t, store.RemoveWatch("acme", "prod", "api"))
	assert.Len(t, store.Watches(), 1)
}
