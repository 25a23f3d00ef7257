// internal/autofix/mocks_test.go
package autofix

import (
	"context"
	"fmt"
	"strings"
)

// --- Mock GitClient ---

// mockGitClient records every call in order and lets tests inject per-method
// failures.
type mockGitClient struct {
	calls         []string
	failOn        map[string]error
	currentBranch string
	branchExists  bool
	dirty         bool
	owner         string
	repo          string
}

func newMockGitClient() *mockGitClient {
	return &mockGitClient{
		failOn:        map[string]error{},
		currentBranch: "main",
	}
}

func (m *mockGitClient) record(call string) error {
	m.calls = append(m.calls, call)
	name := call
	if idx := strings.Index(call, "("); idx >= 0 {
		name = call[:idx]
	}
	if err, ok := m.failOn[name]; ok {
		return err
	}
	return nil
}

func (m *mockGitClient) calledMethods() []string {
	var names []string
	for _, c := range m.calls {
		name := c
		if idx := strings.Index(c, "("); idx >= 0 {
			name = c[:idx]
		}
		names = append(names, name)
	}
	return names
}

func (m *mockGitClient) CurrentBranch(ctx context.Context) (string, error) {
	if err := m.record("CurrentBranch"); err != nil {
		return "", err
	}
	return m.currentBranch, nil
}

func (m *mockGitClient) BranchExists(ctx context.Context, name string) (bool, error) {
	if err := m.record(fmt.Sprintf("BranchExists(%s)", name)); err != nil {
		return false, err
	}
	return m.branchExists, nil
}

func (m *mockGitClient) HasUncommittedChanges(ctx context.Context) (bool, error) {
	if err := m.record("HasUncommittedChanges"); err != nil {
		return false, err
	}
	return m.dirty, nil
}

func (m *mockGitClient) Stash(ctx context.Context) error {
	return m.record("Stash")
}

func (m *mockGitClient) StashPop(ctx context.Context) error {
	return m.record("StashPop")
}

func (m *mockGitClient) Fetch(ctx context.Context, remote, branch string) error {
	return m.record(fmt.Sprintf("Fetch(%s,%s)", remote, branch))
}

func (m *mockGitClient) CreateBranchFrom(ctx context.Context, name, startPoint string) error {
	return m.record(fmt.Sprintf("CreateBranchFrom(%s,%s)", name, startPoint))
}

func (m *mockGitClient) Checkout(ctx context.Context, branch string) error {
	return m.record(fmt.Sprintf("Checkout(%s)", branch))
}

func (m *mockGitClient) ResetHard(ctx context.Context) error {
	return m.record("ResetHard")
}

func (m *mockGitClient) Add(ctx context.Context, paths []string) error {
	return m.record(fmt.Sprintf("Add(%s)", strings.Join(paths, ",")))
}

func (m *mockGitClient) Commit(ctx context.Context, message string) error {
	return m.record(fmt.Sprintf("Commit(%s)", strings.SplitN(message, "\n", 2)[0]))
}

func (m *mockGitClient) Push(ctx context.Context, remote, branch string) error {
	return m.record(fmt.Sprintf("Push(%s,%s)", remote, branch))
}

func (m *mockGitClient) DeleteBranch(ctx context.Context, name string) error {
	return m.record(fmt.Sprintf("DeleteBranch(%s)", name))
}

func (m *mockGitClient) RemoteOwnerRepo(remote string) (string, string, error) {
	if err := m.record("RemoteOwnerRepo"); err != nil {
		return "", "", err
	}
	return m.owner, m.repo, nil
}

var _ GitClient = (*mockGitClient)(nil)

// --- Mock LogWatcher ---

type mockLogWatcher struct {
	errs    []NormalizedError
	fetches int
	err     error
}

func (m *mockLogWatcher) CanHandle(projectID string) bool { return true }

func (m *mockLogWatcher) FetchErrors(ctx context.Context, environmentID, serviceName string, opts FetchOptions) ([]NormalizedError, error) {
	m.fetches++
	if m.err != nil {
		return nil, m.err
	}
	return m.errs, nil
}

var _ LogWatcher = (*mockLogWatcher)(nil)

// --- Mock ErrorAnalyzer ---

type mockAnalyzer struct {
	result   *AnalysisResult
	err      error
	analyzed []NormalizedError
}

func (m *mockAnalyzer) Analyze(ctx context.Context, e NormalizedError) (*AnalysisResult, error) {
	m.analyzed = append(m.analyzed, e)
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

var _ ErrorAnalyzer = (*mockAnalyzer)(nil)

// --- Mock FixApplier ---

type mockApplier struct {
	result  FixResult
	err     error
	applied []string
}

func (m *mockApplier) ApplyFix(ctx context.Context, fix *SuggestedFix, fingerprint string) (FixResult, error) {
	m.applied = append(m.applied, fingerprint)
	if m.err != nil {
		return FixResult{Success: false, Error: m.err.Error()}, m.err
	}
	result := m.result
	if result.BranchName == "" {
		result.BranchName = BranchForFingerprint(fingerprint)
	}
	result.Success = true
	return result, nil
}

var _ FixApplier = (*mockApplier)(nil)

// --- Mock PRCreator ---

type mockPRCreator struct {
	result   PRResult
	err      error
	requests []PRRequest
}

func (m *mockPRCreator) CreatePR(ctx context.Context, req PRRequest) (PRResult, error) {
	m.requests = append(m.requests, req)
	if m.err != nil {
		return PRResult{Success: false, Error: m.err.Error()}, m.err
	}
	result := m.result
	result.Success = true
	if result.PRURL == "" {
		result.PRURL = "https://github.com/acme/shop/pull/42"
	}
	return result, nil
}

var _ PRCreator = (*mockPRCreator)(nil)
