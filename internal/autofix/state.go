// internal/autofix/state.go
package autofix

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

const (
	maxTrackedMessageLen = 500
	cleanupAge           = 7 * 24 * time.Hour
)

// StateStore owns the durable AutoFixState document. It loads the full state
// into memory on construction, mutates it in place, and rewrites the file in
// full on Save. One process owns the file for the duration of a poll cycle;
// there is no in-file locking.
type StateStore struct {
	path   string
	logger *zap.Logger
	state  *AutoFixState
	now    func() time.Time // Injected for tests.
}

// defaultState returns the document all loads are merged over.
func defaultState() *AutoFixState {
	return &AutoFixState{
		Watches: []Watch{},
		Errors:  map[string]*TrackedError{},
	}
}

// NewStateStore loads state from path. A missing or unreadable file is not
// fatal: the store starts from the default empty state so a corrupt state
// file never blocks remediation.
func NewStateStore(path string, logger *zap.Logger) *StateStore {
	s := &StateStore{
		path:   path,
		logger: logger.Named("state"),
		state:  defaultState(),
		now:    time.Now,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("State file unreadable; starting from empty state.", zap.String("path", path), zap.Error(err))
		}
		return s
	}

	// Unmarshal over the default so fields absent from older state files
	// keep their zero defaults (forward-compatible load).
	loaded := defaultState()
	if err := json.Unmarshal(data, loaded); err != nil {
		s.logger.Warn("State file corrupt; starting from empty state.", zap.String("path", path), zap.Error(err))
		return s
	}
	if loaded.Errors == nil {
		loaded.Errors = map[string]*TrackedError{}
	}
	if loaded.Watches == nil {
		loaded.Watches = []Watch{}
	}
	s.state = loaded
	return s
}

// Save rewrites the state file in full, pretty-printed, via a temp file and
// rename so a crash mid-write never leaves a truncated document.
func (s *StateStore) Save() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// -- Watches --

// AddWatch upserts a watch by its (project, environment, service) key.
func (s *StateStore) AddWatch(w Watch) {
	for i, existing := range s.state.Watches {
		if existing.Key() == w.Key() {
			s.state.Watches[i] = w
			return
		}
	}
	s.state.Watches = append(s.state.Watches, w)
}

// RemoveWatch deletes a watch by key. It reports whether a watch was removed.
func (s *StateStore) RemoveWatch(projectID, environmentID, serviceName string) bool {
	key := Watch{ProjectID: projectID, EnvironmentID: environmentID, ServiceName: serviceName}.Key()
	for i, existing := range s.state.Watches {
		if existing.Key() == key {
			s.state.Watches = append(s.state.Watches[:i], s.state.Watches[i+1:]...)
			return true
		}
	}
	return false
}

// Watches returns all watches, enabled or not.
func (s *StateStore) Watches() []Watch {
	out := make([]Watch, len(s.state.Watches))
	copy(out, s.state.Watches)
	return out
}

// EnabledWatches returns the watches the loop should poll.
func (s *StateStore) EnabledWatches() []Watch {
	var out []Watch
	for _, w := range s.state.Watches {
		if w.Enabled {
			out = append(out, w)
		}
	}
	return out
}

// -- Tracked errors --

// TrackError creates or increments the record for a fingerprint. On first
// sighting the record starts at status new with one occurrence; subsequent
// sightings bump the count and refresh last-seen without touching status.
func (s *StateStore) TrackError(fingerprint string, e NormalizedError) *TrackedError {
	now := s.now()
	msg := e.Message
	if len(msg) > maxTrackedMessageLen {
		msg = msg[:maxTrackedMessageLen]
	}

	if existing, ok := s.state.Errors[fingerprint]; ok {
		existing.OccurrenceCount++
		existing.LastSeen = now
		existing.Message = msg
		if e.ServiceName != "" {
			existing.ServiceName = e.ServiceName
		}
		return existing
	}

	tracked := &TrackedError{
		FirstSeen:       now,
		LastSeen:        now,
		OccurrenceCount: 1,
		Status:          StatusNew,
		ServiceName:     e.ServiceName,
		Message:         msg,
	}
	s.state.Errors[fingerprint] = tracked
	return tracked
}

// GetError returns the tracked record for a fingerprint, if any.
func (s *StateStore) GetError(fingerprint string) (*TrackedError, bool) {
	e, ok := s.state.Errors[fingerprint]
	return e, ok
}

// StatusExtra carries the optional fields of a status transition.
type StatusExtra struct {
	PRURL      string
	BranchName string
}

// UpdateErrorStatus moves a tracked error to a new lifecycle status.
func (s *StateStore) UpdateErrorStatus(fingerprint string, status ErrorStatus, extra *StatusExtra) error {
	tracked, ok := s.state.Errors[fingerprint]
	if !ok {
		return fmt.Errorf("no tracked error for fingerprint %s", fingerprint)
	}
	tracked.Status = status
	if extra != nil {
		if extra.PRURL != "" {
			tracked.PRURL = extra.PRURL
		}
		if extra.BranchName != "" {
			tracked.BranchName = extra.BranchName
		}
	}
	return nil
}

// -- Rate limiting & cooldown --

// epochHour returns the current UTC hour since the epoch.
func (s *StateStore) epochHour() int64 {
	return s.now().UTC().Unix() / 3600
}

// rolloverPRBucket resets the counter when the hour bucket has changed.
func (s *StateStore) rolloverPRBucket() {
	if hour := s.epochHour(); hour != s.state.PRCountHour {
		s.state.PRCountHour = hour
		s.state.PRCount = 0
	}
}

// CanCreatePR reports whether the hourly PR quota still has room.
func (s *StateStore) CanCreatePR(maxPerHour int) bool {
	s.rolloverPRBucket()
	return s.state.PRCount < maxPerHour
}

// IncrementPRCount counts one created PR against the current hour bucket.
func (s *StateStore) IncrementPRCount() {
	s.rolloverPRBucket()
	s.state.PRCount++
}

// IsInCooldown reports whether a fingerprint is inside its post-PR cooldown
// window. Only pr_created errors cool down; every other status is eligible
// for processing immediately.
func (s *StateStore) IsInCooldown(fingerprint string, cooldown time.Duration) bool {
	tracked, ok := s.state.Errors[fingerprint]
	if !ok || tracked.Status != StatusPRCreated {
		return false
	}
	return s.now().Before(tracked.LastSeen.Add(cooldown))
}

// -- Housekeeping --

// Cleanup deletes resolved and ignored errors not seen for the cleanup age.
// It returns the number of records removed. Active statuses survive
// regardless of age.
func (s *StateStore) Cleanup() int {
	cutoff := s.now().Add(-cleanupAge)
	removed := 0
	for fp, tracked := range s.state.Errors {
		if (tracked.Status == StatusResolved || tracked.Status == StatusIgnored) && tracked.LastSeen.Before(cutoff) {
			delete(s.state.Errors, fp)
			removed++
		}
	}
	return removed
}

// LastPollAt returns the previous cycle's poll time.
func (s *StateStore) LastPollAt() time.Time {
	return s.state.LastPollAt
}

// SetLastPollAt records the poll time of the finished cycle.
func (s *StateStore) SetLastPollAt(t time.Time) {
	s.state.LastPollAt = t
}

// ErrorCount returns how many fingerprints are currently tracked.
func (s *StateStore) ErrorCount() int {
	return len(s.state.Errors)
}
