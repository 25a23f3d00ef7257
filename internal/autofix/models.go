// internal/autofix/models.go
package autofix

import (
	"fmt"
	"time"
)

// Watch identifies a log source to poll: one (project, environment, service)
// tuple. Watches are created by configuration or the watch CLI and are
// read-only to the poll loop.
type Watch struct {
	ProjectID     string `json:"project_id"`
	EnvironmentID string `json:"environment_id"`
	ServiceName   string `json:"service_name"`
	Enabled       bool   `json:"enabled"`
}

// Key returns the unique identity of the watch.
func (w Watch) Key() string {
	return w.ProjectID + "/" + w.EnvironmentID + "/" + w.ServiceName
}

// LogLine is one raw line from a deployment log, as delivered by a platform
// log API or read from a log file.
type LogLine struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Severity  string    `json:"severity,omitempty"`
}

// LogGroup is a contiguous run of log lines that belong to one error event,
// e.g. an exception message followed by its stack frames.
type LogGroup struct {
	Timestamp time.Time `json:"timestamp"`
	Lines     []string  `json:"lines"`
}

// NormalizedError is a single detected incident, produced once by a log
// watcher and treated as immutable downstream.
type NormalizedError struct {
	Timestamp       time.Time `json:"timestamp"`
	Message         string    `json:"message"`
	StackTrace      string    `json:"stack_trace,omitempty"`
	ServiceName     string    `json:"service_name"`
	EnvironmentName string    `json:"environment_name"`
	ProjectID       string    `json:"project_id"`
	RawLines        []string  `json:"raw_lines,omitempty"`
	ErrorType       string    `json:"error_type,omitempty"`
}

// ErrorStatus is the lifecycle state of a tracked error.
type ErrorStatus string

const (
	StatusNew       ErrorStatus = "new"
	StatusAnalyzing ErrorStatus = "analyzing"
	StatusFixing    ErrorStatus = "fixing"
	StatusPRCreated ErrorStatus = "pr_created"
	StatusIgnored   ErrorStatus = "ignored"
	StatusResolved  ErrorStatus = "resolved"
)

// TrackedError is the persistent lifecycle record for one fingerprint.
type TrackedError struct {
	FirstSeen       time.Time   `json:"first_seen"`
	LastSeen        time.Time   `json:"last_seen"`
	OccurrenceCount int         `json:"occurrence_count"`
	Status          ErrorStatus `json:"status"`
	PRURL           string      `json:"pr_url,omitempty"`
	BranchName      string      `json:"branch_name,omitempty"`
	ServiceName     string      `json:"service_name"`
	Message         string      `json:"message"` // Truncated to 500 chars.
}

// AutoFixState is the aggregate root persisted between poll cycles. It has a
// single writer: the orchestration loop, one poll at a time.
type AutoFixState struct {
	Watches    []Watch                  `json:"watches"`
	Errors     map[string]*TrackedError `json:"errors"` // Keyed by fingerprint.
	LastPollAt time.Time                `json:"last_poll_at"`
	// PR rate limiting as an explicit (epoch hour, count) pair. The count
	// resets to zero whenever the current hour differs from PRCountHour.
	PRCountHour int64 `json:"pr_count_hour"`
	PRCount     int   `json:"prs_created_this_hour"`
}

// Confidence is the analyzer's self-reported certainty in a suggested fix.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Rank orders confidence levels for threshold comparisons. Unknown values
// rank below low.
func (c Confidence) Rank() int {
	switch c {
	case ConfidenceLow:
		return 1
	case ConfidenceMedium:
		return 2
	case ConfidenceHigh:
		return 3
	default:
		return 0
	}
}

// AnalysisResult is the analyzer's verdict on one error. Transient; never
// persisted beyond the PR body.
type AnalysisResult struct {
	CanFix         bool          `json:"can_fix"`
	Reason         string        `json:"reason"`
	RootCause      string        `json:"root_cause"`
	SuggestedFix   *SuggestedFix `json:"suggested_fix,omitempty"`
	Confidence     Confidence    `json:"confidence"`
	TestSuggestion string        `json:"test_suggestion,omitempty"`
}

// SuggestedFix is the structured patch proposed by the analyzer.
type SuggestedFix struct {
	Description string       `json:"description"`
	Files       []FileChange `json:"files"`
}

// FileChange is an ordered list of edits against one file.
type FileChange struct {
	Path    string `json:"path"`
	Changes []Edit `json:"changes"`
}

// EditType tags the edit union.
type EditType string

const (
	EditReplace EditType = "replace"
	EditInsert  EditType = "insert"
	EditDelete  EditType = "delete"
)

// Edit is one anchor-based modification. All anchors match the FIRST
// occurrence of their search text only; when an anchor appears more than once
// in a file the later occurrences are never considered.
type Edit struct {
	Type    EditType `json:"type"`
	Search  string   `json:"search,omitempty"`  // replace/delete: text that must exist.
	Replace string   `json:"replace,omitempty"` // replace: replacement text.
	After   string   `json:"after,omitempty"`   // insert: anchor to insert after.
	Content string   `json:"content,omitempty"` // insert: text to insert.
}

// Validate checks that the edit carries the fields its type requires.
func (e Edit) Validate() error {
	switch e.Type {
	case EditReplace:
		if e.Search == "" {
			return fmt.Errorf("replace edit requires a search anchor")
		}
	case EditInsert:
		if e.After == "" {
			return fmt.Errorf("insert edit requires an after anchor")
		}
		if e.Content == "" {
			return fmt.Errorf("insert edit requires content")
		}
	case EditDelete:
		if e.Search == "" {
			return fmt.Errorf("delete edit requires a search anchor")
		}
	default:
		return fmt.Errorf("unknown edit type %q", e.Type)
	}
	return nil
}

// FixResult is the transient outcome of one saga invocation.
type FixResult struct {
	Success          bool     `json:"success"`
	BranchName       string   `json:"branch_name,omitempty"`
	FilesChanged     []string `json:"files_changed,omitempty"`
	Error            string   `json:"error,omitempty"`
	ValidationErrors []string `json:"validation_errors,omitempty"`
}

// PRRequest carries everything the PR creator needs to publish a fix.
type PRRequest struct {
	BranchName  string
	Fingerprint string
	Error       NormalizedError
	Tracked     TrackedError
	Analysis    *AnalysisResult
	Fix         *SuggestedFix
}

// PRResult is the outcome of a pull-request creation attempt.
type PRResult struct {
	Success  bool   `json:"success"`
	PRURL    string `json:"pr_url,omitempty"`
	PRNumber int    `json:"pr_number,omitempty"`
	Error    string `json:"error,omitempty"`
}

// CycleError records one per-error failure inside a poll cycle.
type CycleError struct {
	Fingerprint string `json:"fingerprint"`
	Stage       string `json:"stage"` // fetch, analyze, fix, pr
	Message     string `json:"message"`
}

// CycleSummary is the result of one poll cycle.
type CycleSummary struct {
	CycleID        string       `json:"cycle_id"`
	ErrorsFound    int          `json:"errors_found"`
	ErrorsAnalyzed int          `json:"errors_analyzed"`
	FixesAttempted int          `json:"fixes_attempted"`
	PRsCreated     int          `json:"prs_created"`
	Errors         []CycleError `json:"errors,omitempty"`
}
