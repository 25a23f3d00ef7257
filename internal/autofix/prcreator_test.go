// internal/autofix/prcreator_test.go
package autofix

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func samplePRRequest() PRRequest {
	return PRRequest{
		BranchName:  "autofix/err-deadbeef12345678",
		Fingerprint: "deadbeef12345678",
		Error: NormalizedError{
			Message:     "TypeError: Cannot read properties of undefined (reading 'id')",
			StackTrace:  "    at getUser (src/users.ts:42:10)",
			ServiceName: "api",
		},
		Tracked: TrackedError{
			OccurrenceCount: 7,
			FirstSeen:       time.Date(2026, 8, 18, 9, 0, 0, 0, time.UTC),
			LastSeen:        time.Date(2026, 8, 20, 14, 0, 0, 0, time.UTC),
		},
		Analysis: &AnalysisResult{
			RootCause:      "users.find returns undefined for unknown ids",
			Confidence:     ConfidenceHigh,
			TestSuggestion: "request GET /users/unknown and expect 404",
		},
		Fix: &SuggestedFix{
			Description: "guard against missing user",
			Files:       []FileChange{{Path: "src/users.ts"}},
		},
	}
}

func TestPRTitle(t *testing.T) {
	t.Parallel()
	title := prTitle(samplePRRequest())
	assert.Equal(t, "fix: guard against missing user", title)
}

func TestPRTitle_FallsBackToErrorMessage(t *testing.T) {
	t.Parallel()
	req := samplePRRequest()
	req.Fix = nil
	title := prTitle(req)
	assert.True(t, strings.HasPrefix(title, "fix: TypeError"))
}

func TestPRTitle_CapsLength(t *testing.T) {
	t.Parallel()
	req := samplePRRequest()
	req.Fix.Description = strings.Repeat("very long description ", 20)
	assert.LessOrEqual(t, len(prTitle(req)), len("fix: ")+72)
}

func TestPRBody(t *testing.T) {
	t.Parallel()
	body := prBody(samplePRRequest())

	assert.Contains(t, body, "**Service:** api")
	assert.Contains(t, body, "`deadbeef12345678`")
	assert.Contains(t, body, "**Occurrences:** 7")
	assert.Contains(t, body, "users.find returns undefined")
	assert.Contains(t, body, "**Confidence:** high")
	assert.Contains(t, body, "request GET /users/unknown")
	assert.Contains(t, body, "- `src/users.ts`")
	assert.Contains(t, body, "at getUser (src/users.ts:42:10)")
	assert.Contains(t, body, "Review carefully before merging")
}

func TestPRBody_TruncatesLongStackTrace(t *testing.T) {
	t.Parallel()
	req := samplePRRequest()
	req.Error.StackTrace = strings.Repeat("    at frame (src/deep.ts:1:1)\n", 500)

	body := prBody(req)
	assert.Contains(t, body, "...")
	assert.Less(t, len(body), 5000)
}
