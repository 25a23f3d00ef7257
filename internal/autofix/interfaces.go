// internal/autofix/interfaces.go
package autofix

import (
	"context"
	"time"
)

// FetchOptions narrows a log query. Both fields are best-effort filters: a
// watcher may over-deliver and the loop relies on its own dedup.
type FetchOptions struct {
	Since time.Time
	Limit int
}

// LogWatcher retrieves errors from one hosting platform's deployment logs.
type LogWatcher interface {
	// CanHandle reports whether this watcher serves the given project.
	CanHandle(projectID string) bool
	// FetchErrors returns normalized errors for a service, newest last.
	FetchErrors(ctx context.Context, environmentID, serviceName string, opts FetchOptions) ([]NormalizedError, error)
}

// ErrorAnalyzer classifies fixability and proposes structured edits.
type ErrorAnalyzer interface {
	Analyze(ctx context.Context, e NormalizedError) (*AnalysisResult, error)
}

// FixApplier executes the fix saga: isolate a branch, apply edits, validate,
// commit and push, or roll everything back.
type FixApplier interface {
	ApplyFix(ctx context.Context, fix *SuggestedFix, fingerprint string) (FixResult, error)
}

// PRCreator publishes a pushed fix branch as a pull request. The loop calls
// it at most once per successful saga.
type PRCreator interface {
	CreatePR(ctx context.Context, req PRRequest) (PRResult, error)
}
