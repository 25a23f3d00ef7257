// internal/autofix/fingerprint.go
package autofix

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// Keywords that mark a log line as the start of an error event when no
// structured severity is available.
var errorKeywords = []string{
	"error", "exception", "failed", "crash", "fatal", "panic", "unhandled", "uncaught",
}

// Continuation shapes: stack-frame syntax and the lone caret marker emitted
// under syntax errors.
var (
	stackFrameRegex  = regexp.MustCompile(`^\s+at\s`)
	caretMarkerRegex = regexp.MustCompile(`^\s*\^\s*$`)
)

// Ordered patterns for extracting an error type from the first message line.
// First match wins.
var errorTypePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^(\w+Error):`),
	regexp.MustCompile(`^(\w+Exception):`),
	regexp.MustCompile(`^Error: (\w+):`),
	regexp.MustCompile(`^Uncaught (\w+Error)`),
	regexp.MustCompile(`^\[(\w+Error)\]`),
}

// Variable-content substitutions applied to messages before hashing, so that
// two occurrences of the same error differing only in IDs, timestamps or
// addresses collide on the same fingerprint.
var (
	uuidRegex      = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	hexIDRegex     = regexp.MustCompile(`[0-9a-fA-F]{24,}`)
	timestampRegex = regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?`)
	ipRegex        = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	lineColRegex   = regexp.MustCompile(`:\d+:\d+`)
	longNumRegex   = regexp.MustCompile(`\d{5,}`)
	whitespaceRe   = regexp.MustCompile(`\s+`)
)

const maxNormalizedMessageLen = 200

// isErrorLine classifies a line as the start (or body) of an error event.
func isErrorLine(line LogLine) bool {
	if strings.EqualFold(line.Severity, "error") {
		return true
	}
	lower := strings.ToLower(line.Message)
	for _, kw := range errorKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// isContinuationLine reports whether a line extends an open error group even
// though it is not itself an error line.
func isContinuationLine(message string) bool {
	return stackFrameRegex.MatchString(message) || caretMarkerRegex.MatchString(message)
}

// GroupConsecutive scans an ordered log sequence once and returns one group
// per contiguous error run. A group opens on an error line; while open it
// absorbs further error lines and continuation lines (stack frames, caret
// markers); any other line closes it. The group carries the first line's
// timestamp.
func GroupConsecutive(logs []LogLine) []LogGroup {
	var groups []LogGroup
	var current *LogGroup

	for _, line := range logs {
		isErr := isErrorLine(line)

		if current == nil {
			if isErr {
				current = &LogGroup{Timestamp: line.Timestamp, Lines: []string{line.Message}}
			}
			continue
		}

		if isErr || isContinuationLine(line.Message) {
			current.Lines = append(current.Lines, line.Message)
			continue
		}

		groups = append(groups, *current)
		current = nil
	}

	if current != nil {
		groups = append(groups, *current)
	}
	return groups
}

// extractErrorType pulls an error type out of the message using the ordered
// pattern list, defaulting to UnknownError.
func extractErrorType(message string) string {
	for _, re := range errorTypePatterns {
		if m := re.FindStringSubmatch(message); len(m) > 1 {
			return m[1]
		}
	}
	return "UnknownError"
}

// normalizeMessage strips variable content (IDs, timestamps, addresses) from
// a message and bounds its length.
func normalizeMessage(message string) string {
	s := uuidRegex.ReplaceAllString(message, "<UUID>")
	s = hexIDRegex.ReplaceAllString(s, "<ID>")
	s = timestampRegex.ReplaceAllString(s, "<TIMESTAMP>")
	s = ipRegex.ReplaceAllString(s, "<IP>")
	s = lineColRegex.ReplaceAllString(s, ":<LINE>")
	s = longNumRegex.ReplaceAllString(s, "<NUM>")
	s = strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
	if len(s) > maxNormalizedMessageLen {
		s = s[:maxNormalizedMessageLen]
	}
	return s
}

// Fingerprint derives the deterministic dedup key for an error: the error
// type, the first stack frame, and the normalized message, hashed and
// truncated to 16 hex characters. It is a pure function of its input.
func Fingerprint(e NormalizedError) string {
	errorType := e.ErrorType
	if errorType == "" {
		errorType = extractErrorType(e.Message)
	}

	stackFrame := ""
	if e.StackTrace != "" {
		stackFrame = strings.TrimSpace(strings.SplitN(e.StackTrace, "\n", 2)[0])
	}

	key := errorType + ":" + stackFrame + ":" + normalizeMessage(e.Message)
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:16]
}
