// internal/autofix/applier.go
package autofix

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// BranchPrefix namespaces every branch this agent creates.
const BranchPrefix = "autofix/err-"

// BranchForFingerprint derives the deterministic fix branch name. The name
// doubles as the saga's idempotency key: if the branch exists, a fix for this
// fingerprint is already in flight or published.
func BranchForFingerprint(fingerprint string) string {
	return BranchPrefix + fingerprint
}

// Applier executes the fix saga against a single shared working tree. Every
// step's failure compensates all prior steps in the same invocation, so the
// tree always comes back to the original branch with its original
// uncommitted state.
//
// The applier must not run concurrently with itself: branch, stash and
// checkout are global to the tree.
type Applier struct {
	git         GitClient
	repoPath    string
	remote      string
	baseBranch  string
	validateCmd []string
	logger      *zap.Logger
}

// NewApplier wires a fix applier for one repository checkout. validateCmd is
// the project's static check (argv form); empty disables validation.
func NewApplier(git GitClient, repoPath, remote, baseBranch string, validateCmd []string, logger *zap.Logger) *Applier {
	if remote == "" {
		remote = "origin"
	}
	return &Applier{
		git:         git,
		repoPath:    repoPath,
		remote:      remote,
		baseBranch:  baseBranch,
		validateCmd: validateCmd,
		logger:      logger.Named("applier"),
	}
}

// ApplyFix runs the saga: guard the idempotency branch, stash any local work,
// branch off the remote default, apply the edits in order, validate, commit,
// push, and restore the original checkout. On any failure it rolls back
// best-effort and returns the original failure.
func (a *Applier) ApplyFix(ctx context.Context, fix *SuggestedFix, fingerprint string) (FixResult, error) {
	branchName := BranchForFingerprint(fingerprint)
	log := a.logger.With(zap.String("fingerprint", fingerprint), zap.String("branch", branchName))

	if fix == nil || len(fix.Files) == 0 {
		return a.fail(fmt.Errorf("suggested fix contains no file changes"))
	}

	// Idempotency guard: an existing branch means this fingerprint was
	// already attempted. Fail before touching anything.
	exists, err := a.git.BranchExists(ctx, branchName)
	if err != nil {
		return a.fail(fmt.Errorf("failed to check branch existence: %w", err))
	}
	if exists {
		return a.fail(fmt.Errorf("branch %s already exists; fix already in flight for this error", branchName))
	}

	originalBranch, err := a.git.CurrentBranch(ctx)
	if err != nil {
		return a.fail(fmt.Errorf("failed to determine current branch: %w", err))
	}

	// Step 1: preserve any local uncommitted work.
	stashed := false
	dirty, err := a.git.HasUncommittedChanges(ctx)
	if err != nil {
		return a.fail(fmt.Errorf("failed to inspect working tree: %w", err))
	}
	if dirty {
		if err := a.git.Stash(ctx); err != nil {
			return a.fail(fmt.Errorf("failed to stash working tree: %w", err))
		}
		stashed = true
		log.Debug("Stashed uncommitted changes before applying fix.")
	}

	branchCreated := false
	rollback := func() {
		a.rollback(ctx, originalBranch, branchName, branchCreated, stashed)
	}

	// Step 2: isolate the fix on a branch cut from the remote default.
	if err := a.git.Fetch(ctx, a.remote, a.baseBranch); err != nil {
		rollback()
		return a.fail(fmt.Errorf("failed to fetch %s/%s: %w", a.remote, a.baseBranch, err))
	}
	if err := a.git.CreateBranchFrom(ctx, branchName, a.remote+"/"+a.baseBranch); err != nil {
		rollback()
		return a.fail(fmt.Errorf("failed to create branch %s: %w", branchName, err))
	}
	branchCreated = true

	// Step 3: apply the structured edits, in order, each anchored to text
	// that must be present.
	filesChanged, err := a.applyEdits(fix.Files)
	if err != nil {
		rollback()
		return a.fail(err)
	}

	// Step 4: static validation of the modified tree, if configured.
	if validationErrs := a.validate(ctx); len(validationErrs) > 0 {
		rollback()
		return FixResult{
			Success:          false,
			Error:            "validation failed",
			ValidationErrors: validationErrs,
		}, fmt.Errorf("validation failed: %s", strings.Join(validationErrs, "; "))
	}

	// Step 5: stage exactly the changed files and commit.
	if err := a.git.Add(ctx, filesChanged); err != nil {
		rollback()
		return a.fail(fmt.Errorf("failed to stage changes: %w", err))
	}
	commitMsg := fmt.Sprintf("fix: %s\n\nAutomated fix for error fingerprint %s.", fix.Description, fingerprint)
	if err := a.git.Commit(ctx, commitMsg); err != nil {
		rollback()
		return a.fail(fmt.Errorf("failed to commit fix: %w", err))
	}

	// Step 6: publish the branch.
	if err := a.git.Push(ctx, a.remote, branchName); err != nil {
		rollback()
		return a.fail(fmt.Errorf("failed to push branch %s: %w", branchName, err))
	}

	// Step 7: restore the original checkout. The fix lives only on the
	// pushed branch from here on.
	if err := a.git.Checkout(ctx, originalBranch); err != nil {
		return a.fail(fmt.Errorf("fix pushed but failed to return to branch %s: %w", originalBranch, err))
	}
	if stashed {
		if err := a.git.StashPop(ctx); err != nil {
			return a.fail(fmt.Errorf("fix pushed but failed to restore stashed changes: %w", err))
		}
	}

	log.Info("Fix applied and pushed.", zap.Strings("files", filesChanged))
	return FixResult{
		Success:      true,
		BranchName:   branchName,
		FilesChanged: filesChanged,
	}, nil
}

func (a *Applier) fail(err error) (FixResult, error) {
	return FixResult{Success: false, Error: err.Error()}, err
}

// rollback compensates a partially executed saga. Errors here are logged and
// swallowed so the caller always receives the original failure, never a
// secondary one.
func (a *Applier) rollback(ctx context.Context, originalBranch, branchName string, branchCreated, stashed bool) {
	if err := a.git.ResetHard(ctx); err != nil {
		a.logger.Warn("Rollback: failed to discard working tree changes.", zap.Error(err))
	}
	if err := a.git.Checkout(ctx, originalBranch); err != nil {
		a.logger.Warn("Rollback: failed to return to original branch.", zap.String("branch", originalBranch), zap.Error(err))
	}
	if branchCreated {
		if err := a.git.DeleteBranch(ctx, branchName); err != nil {
			a.logger.Warn("Rollback: failed to delete fix branch.", zap.String("branch", branchName), zap.Error(err))
		}
	}
	if stashed {
		if err := a.git.StashPop(ctx); err != nil {
			a.logger.Warn("Rollback: failed to restore stashed changes.", zap.Error(err))
		}
	}
}

// applyEdits applies every file's edits in order, returning the repo-relative
// paths that were modified.
func (a *Applier) applyEdits(files []FileChange) ([]string, error) {
	var changed []string
	for _, fc := range files {
		absPath, err := a.resolvePath(fc.Path)
		if err != nil {
			return nil, err
		}

		data, err := os.ReadFile(absPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", fc.Path, err)
		}
		content := string(data)

		for i, edit := range fc.Changes {
			if err := edit.Validate(); err != nil {
				return nil, fmt.Errorf("invalid edit %d for %s: %w", i+1, fc.Path, err)
			}
			content, err = applyEdit(content, edit, fc.Path)
			if err != nil {
				return nil, err
			}
		}

		if err := os.WriteFile(absPath, []byte(content), 0o644); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", fc.Path, err)
		}
		changed = append(changed, fc.Path)
	}
	return changed, nil
}

// resolvePath anchors a change path inside the repository, rejecting
// anything that escapes the checkout.
func (a *Applier) resolvePath(path string) (string, error) {
	abs := filepath.Join(a.repoPath, filepath.FromSlash(path))
	rel, err := filepath.Rel(a.repoPath, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("change path %q is outside the repository", path)
	}
	return abs, nil
}

// applyEdit applies a single anchor-based edit, first occurrence only.
func applyEdit(content string, edit Edit, path string) (string, error) {
	switch edit.Type {
	case EditReplace:
		if !strings.Contains(content, edit.Search) {
			return "", missingAnchorError(path, "search", edit.Search)
		}
		return strings.Replace(content, edit.Search, edit.Replace, 1), nil

	case EditInsert:
		idx := strings.Index(content, edit.After)
		if idx < 0 {
			return "", missingAnchorError(path, "after", edit.After)
		}
		pos := idx + len(edit.After)
		return content[:pos] + edit.Content + content[pos:], nil

	case EditDelete:
		if !strings.Contains(content, edit.Search) {
			return "", missingAnchorError(path, "search", edit.Search)
		}
		return strings.Replace(content, edit.Search, "", 1), nil

	default:
		return "", fmt.Errorf("unknown edit type %q for %s", edit.Type, path)
	}
}

// missingAnchorError names the file and a snippet of the anchor that could
// not be found, so the failure is diagnosable from the run summary.
func missingAnchorError(path, field, anchor string) error {
	snippet := anchor
	if len(snippet) > 80 {
		snippet = snippet[:80] + "..."
	}
	return fmt.Errorf("edit anchor not found in %s: %s text %q is not present in the current file content", path, field, snippet)
}

// validate runs the configured static check against the modified tree and
// returns its complaints, if any.
func (a *Applier) validate(ctx context.Context) []string {
	if len(a.validateCmd) == 0 {
		return nil
	}
	a.logger.Debug("Running validation command.", zap.Strings("cmd", a.validateCmd))
	cmd := exec.CommandContext(ctx, a.validateCmd[0], a.validateCmd[1:]...)
	cmd.Dir = a.repoPath
	output, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	var errs []string
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			errs = append(errs, line)
		}
	}
	if len(errs) == 0 {
		errs = []string{err.Error()}
	}
	return errs
}
