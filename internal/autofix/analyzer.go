// internal/autofix/analyzer.go
package autofix

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/remedy-cli/api/schemas"
)

const (
	maxContextFiles    = 5
	maxContextFileSize = 10000
)

// Directories whose files never belong in an analysis prompt.
var skippedPathFragments = []string{
	"node_modules/", "vendor/", ".git/", "__pycache__/",
}

// Compiled-output locations mapped back to their likely sources when the
// stack trace references build artifacts.
var pathAliases = [][2]string{
	{"dist/", "src/"},
	{"build/", "src/"},
	{"out/", "src/"},
}

// Extension fallbacks tried when the referenced file does not exist, e.g.
// transpiled JavaScript tracing back to TypeScript sources.
var extAliases = map[string][]string{
	".js":  {".ts", ".tsx"},
	".jsx": {".tsx"},
	".mjs": {".mts", ".ts"},
}

// filePathRegex pulls file references (path:line) out of stack traces.
var filePathRegex = regexp.MustCompile(`([\w@./\\-]+\.\w{1,4}):\d+`)

// Analyzer classifies an error's fixability and proposes structured edits by
// consulting an LLM under a strict response contract.
type Analyzer struct {
	logger        *zap.Logger
	llmClient     schemas.LLMClient
	repoPath      string
	minConfidence Confidence
}

// NewAnalyzer initializes the error analysis service.
func NewAnalyzer(llmClient schemas.LLMClient, repoPath string, minConfidence Confidence, logger *zap.Logger) *Analyzer {
	return &Analyzer{
		logger:        logger.Named("analyzer"),
		llmClient:     llmClient,
		repoPath:      repoPath,
		minConfidence: minConfidence,
	}
}

// Analyze classifies one error and, when fixable, returns the proposed edits.
func (a *Analyzer) Analyze(ctx context.Context, e NormalizedError) (*AnalysisResult, error) {
	sources := a.gatherSourceContext(e.StackTrace)

	req := schemas.GenerationRequest{
		SystemPrompt: a.systemPrompt(),
		UserPrompt:   a.buildPrompt(e, sources),
		Tier:         schemas.TierPowerful,
		Options: schemas.GenerationOptions{
			ForceJSONFormat: true,
			Temperature:     0.1, // High precision required for fixes.
		},
	}

	response, err := a.llmClient.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("LLM generation failed: %w", err)
	}

	result, err := a.parseResponse(response)
	if err != nil {
		a.logger.Error("Failed to parse LLM response.", zap.Error(err), zap.String("raw_response", response))
		return nil, err
	}

	// Confidence gate: a fix below the configured floor is treated as not
	// fixable rather than risking a low-quality PR.
	if result.CanFix && result.Confidence.Rank() < a.minConfidence.Rank() {
		a.logger.Info("Fix rejected by confidence gate.",
			zap.String("confidence", string(result.Confidence)),
			zap.String("min_confidence", string(a.minConfidence)))
		result.CanFix = false
		result.Reason = fmt.Sprintf("confidence %s below configured minimum %s", result.Confidence, a.minConfidence)
		result.SuggestedFix = nil
	}

	return result, nil
}

// gatherSourceContext locates files referenced in the stack trace (with
// alias fallback for compiled output) and returns up to maxContextFiles of
// them, each truncated to maxContextFileSize characters.
func (a *Analyzer) gatherSourceContext(stackTrace string) map[string]string {
	sources := make(map[string]string)
	if stackTrace == "" {
		return sources
	}

	for _, match := range filePathRegex.FindAllStringSubmatch(stackTrace, -1) {
		if len(sources) >= maxContextFiles {
			break
		}
		raw := filepath.ToSlash(match[1])
		if isSkippedPath(raw) {
			continue
		}

		resolved, content, ok := a.readWithAliases(raw)
		if !ok {
			continue
		}
		if _, seen := sources[resolved]; seen {
			continue
		}
		if len(content) > maxContextFileSize {
			content = content[:maxContextFileSize]
		}
		sources[resolved] = content
	}
	return sources
}

func isSkippedPath(path string) bool {
	for _, frag := range skippedPathFragments {
		if strings.Contains(path, frag) {
			return true
		}
	}
	return false
}

// readWithAliases tries the path as referenced, then its directory and
// extension aliases, returning the first variant that exists in the repo.
func (a *Analyzer) readWithAliases(path string) (string, string, bool) {
	for _, candidate := range a.candidatePaths(path) {
		abs := filepath.Join(a.repoPath, filepath.FromSlash(candidate))
		rel, err := filepath.Rel(a.repoPath, abs)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			continue
		}
		return candidate, string(data), true
	}
	return "", "", false
}

func (a *Analyzer) candidatePaths(path string) []string {
	candidates := []string{path}
	for _, alias := range pathAliases {
		if strings.Contains(path, alias[0]) {
			candidates = append(candidates, strings.Replace(path, alias[0], alias[1], 1))
		}
	}

	ext := filepath.Ext(path)
	if alts, ok := extAliases[ext]; ok {
		base := len(candidates)
		for i := 0; i < base; i++ {
			stem := strings.TrimSuffix(candidates[i], ext)
			for _, alt := range alts {
				candidates = append(candidates, stem+alt)
			}
		}
	}
	return candidates
}

func (a *Analyzer) systemPrompt() string {
	return `You are an expert software engineer performing automated triage of production errors. Classify whether an error can be fixed with a small, safe source-code change. Errors requiring configuration changes, third-party library upgrades, or architectural changes are NOT fixable. When fixable, propose minimal anchor-based edits. Respond with a single JSON document matching the required schema exactly.`
}

func (a *Analyzer) buildPrompt(e NormalizedError, sources map[string]string) string {
	var sb strings.Builder

	sb.WriteString("Analyze the following production error and decide whether it is auto-fixable.\n\n")
	sb.WriteString("**Error:**\n")
	fmt.Fprintf(&sb, "- Service: %s (%s)\n", e.ServiceName, e.EnvironmentName)
	fmt.Fprintf(&sb, "- Message: %s\n", e.Message)
	if e.ErrorType != "" {
		fmt.Fprintf(&sb, "- Type: %s\n", e.ErrorType)
	}
	if e.StackTrace != "" {
		fmt.Fprintf(&sb, "\n**Stack Trace:**\n```\n%s\n```\n", e.StackTrace)
	}

	for path, content := range sources {
		fmt.Fprintf(&sb, "\n**Source File (%s):**\n```\n%s\n```\n", path, content)
	}

	sb.WriteString(`
**Response Format (Strict JSON):**
{
  "can_fix": true,
  "reason": "Why this is or is not auto-fixable.",
  "root_cause": "Concise description of the underlying issue.",
  "confidence": "low|medium|high",
  "test_suggestion": "Optional: how a reviewer could verify the fix.",
  "suggested_fix": {
    "description": "One-line summary of the change.",
    "files": [
      {
        "path": "relative/path/to/file",
        "changes": [
          {"type": "replace", "search": "exact text to find", "replace": "replacement text"},
          {"type": "insert", "after": "anchor text", "content": "text to insert"},
          {"type": "delete", "search": "exact text to remove"}
        ]
      }
    ]
  }
}

Edits apply to the FIRST occurrence of their anchor text only, in the order listed. If can_fix is false, omit suggested_fix.`)

	return sb.String()
}

var fencedBlockRegex = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// extractJSONDocument pulls the structured document out of an LLM response:
// either a fenced block or the first balanced top-level object in free text.
func extractJSONDocument(response string) (string, error) {
	response = strings.TrimSpace(response)
	if m := fencedBlockRegex.FindStringSubmatch(response); len(m) > 1 {
		return m[1], nil
	}

	start := strings.Index(response, "{")
	if start < 0 {
		return "", fmt.Errorf("no JSON object found in response")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(response); i++ {
		c := response[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return response[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("unbalanced JSON object in response")
}

// parseResponse validates the analyzer's strict response contract. A missing
// required field is a hard error; partial data is never propagated.
func (a *Analyzer) parseResponse(response string) (*AnalysisResult, error) {
	doc, err := extractJSONDocument(response)
	if err != nil {
		return nil, err
	}

	var result AnalysisResult
	if err := json.Unmarshal([]byte(doc), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal analysis response: %w", err)
	}

	if result.Reason == "" {
		return nil, fmt.Errorf("analysis response is missing required field 'reason'")
	}
	if result.RootCause == "" {
		return nil, fmt.Errorf("analysis response is missing required field 'root_cause'")
	}
	switch result.Confidence {
	case ConfidenceLow, ConfidenceMedium, ConfidenceHigh:
	default:
		return nil, fmt.Errorf("analysis response has invalid confidence %q", result.Confidence)
	}

	if result.CanFix {
		if result.SuggestedFix == nil || len(result.SuggestedFix.Files) == 0 {
			return nil, fmt.Errorf("analysis response claims can_fix but carries no suggested_fix files")
		}
		if result.SuggestedFix.Description == "" {
			return nil, fmt.Errorf("analysis response suggested_fix is missing a description")
		}
		for _, fc := range result.SuggestedFix.Files {
			if fc.Path == "" {
				return nil, fmt.Errorf("analysis response file change is missing a path")
			}
			if len(fc.Changes) == 0 {
				return nil, fmt.Errorf("analysis response file change for %s has no edits", fc.Path)
			}
			for _, edit := range fc.Changes {
				if err := edit.Validate(); err != nil {
					return nil, fmt.Errorf("analysis response edit for %s invalid: %w", fc.Path, err)
				}
			}
		}
	}

	return &result, nil
}
