// internal/autofix/gitops.go
package autofix

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"
)

// GitClient is the version-control surface the fix saga drives. Each call is
// one atomic operation against a single shared working tree.
type GitClient interface {
	CurrentBranch(ctx context.Context) (string, error)
	BranchExists(ctx context.Context, name string) (bool, error)
	HasUncommittedChanges(ctx context.Context) (bool, error)
	Stash(ctx context.Context) error
	StashPop(ctx context.Context) error
	Fetch(ctx context.Context, remote, branch string) error
	CreateBranchFrom(ctx context.Context, name, startPoint string) error
	Checkout(ctx context.Context, branch string) error
	ResetHard(ctx context.Context) error
	Add(ctx context.Context, paths []string) error
	Commit(ctx context.Context, message string) error
	Push(ctx context.Context, remote, branch string) error
	DeleteBranch(ctx context.Context, name string) error
	RemoteOwnerRepo(remote string) (owner, repo string, err error)
}

// CLIGit implements GitClient against a local checkout. Read-only
// introspection goes through go-git; mutations shell out to the git CLI,
// which is the only place stash and credential-helper push live.
type CLIGit struct {
	dir         string
	authorName  string
	authorEmail string
	logger      *zap.Logger
}

// NewCLIGit returns a GitClient rooted at dir, committing as the given identity.
func NewCLIGit(dir, authorName, authorEmail string, logger *zap.Logger) *CLIGit {
	return &CLIGit{
		dir:         dir,
		authorName:  authorName,
		authorEmail: authorEmail,
		logger:      logger.Named("git"),
	}
}

// run executes one git command in the working tree, embedding the combined
// output in any error.
func (g *CLIGit) run(ctx context.Context, args ...string) (string, error) {
	g.logger.Debug("Executing git command", zap.String("command", "git "+strings.Join(args, " ")))
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s failed: %w\nOutput: %s", strings.Join(args, " "), err, string(output))
	}
	return string(output), nil
}

// CurrentBranch returns the short name of the branch HEAD points at.
func (g *CLIGit) CurrentBranch(ctx context.Context) (string, error) {
	repo, err := git.PlainOpen(g.dir)
	if err != nil {
		return "", fmt.Errorf("failed to open repository at %s: %w", g.dir, err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	if !head.Name().IsBranch() {
		return "", fmt.Errorf("HEAD is detached (%s); a named branch is required", head.Name())
	}
	return head.Name().Short(), nil
}

// BranchExists reports whether the named branch exists locally or on any
// remote-tracking ref. A hit in either place vetoes a new fix branch.
func (g *CLIGit) BranchExists(ctx context.Context, name string) (bool, error) {
	repo, err := git.PlainOpen(g.dir)
	if err != nil {
		return false, fmt.Errorf("failed to open repository at %s: %w", g.dir, err)
	}

	if _, err := repo.Reference(plumbing.NewBranchReferenceName(name), true); err == nil {
		return true, nil
	}

	refs, err := repo.References()
	if err != nil {
		return false, fmt.Errorf("failed to list references: %w", err)
	}
	defer refs.Close()

	suffix := "/" + name
	found := false
	_ = refs.ForEach(func(ref *plumbing.Reference) error {
		if ref.Name().IsRemote() && strings.HasSuffix(ref.Name().String(), suffix) {
			found = true
		}
		return nil
	})
	return found, nil
}

// HasUncommittedChanges reports whether the working tree is dirty, counting
// untracked files.
func (g *CLIGit) HasUncommittedChanges(ctx context.Context) (bool, error) {
	out, err := g.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// Stash saves the dirty working tree, including untracked files.
func (g *CLIGit) Stash(ctx context.Context) error {
	_, err := g.run(ctx, "stash", "push", "--include-untracked", "-m", "remedy-autofix")
	return err
}

// StashPop restores the most recent stash.
func (g *CLIGit) StashPop(ctx context.Context) error {
	_, err := g.run(ctx, "stash", "pop")
	return err
}

// Fetch updates the remote-tracking ref for one branch.
func (g *CLIGit) Fetch(ctx context.Context, remote, branch string) error {
	_, err := g.run(ctx, "fetch", remote, branch)
	return err
}

// CreateBranchFrom creates and checks out a branch at the given start point.
func (g *CLIGit) CreateBranchFrom(ctx context.Context, name, startPoint string) error {
	_, err := g.run(ctx, "checkout", "-b", name, startPoint)
	return err
}

// Checkout switches the working tree to an existing branch.
func (g *CLIGit) Checkout(ctx context.Context, branch string) error {
	_, err := g.run(ctx, "checkout", branch)
	return err
}

// ResetHard discards all uncommitted changes in the working tree.
func (g *CLIGit) ResetHard(ctx context.Context) error {
	_, err := g.run(ctx, "reset", "--hard", "HEAD")
	return err
}

// Add stages exactly the given paths.
func (g *CLIGit) Add(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return fmt.Errorf("no paths to stage")
	}
	args := append([]string{"add", "--"}, paths...)
	_, err := g.run(ctx, args...)
	return err
}

// Commit records the staged changes under the configured author identity.
func (g *CLIGit) Commit(ctx context.Context, message string) error {
	_, err := g.run(ctx,
		"-c", "user.name="+g.authorName,
		"-c", "user.email="+g.authorEmail,
		"commit", "-m", message)
	return err
}

// Push publishes a branch to the remote.
func (g *CLIGit) Push(ctx context.Context, remote, branch string) error {
	_, err := g.run(ctx, "push", remote, branch)
	return err
}

// DeleteBranch force-deletes a local branch.
func (g *CLIGit) DeleteBranch(ctx context.Context, name string) error {
	_, err := g.run(ctx, "branch", "-D", name)
	return err
}

// RemoteOwnerRepo resolves the owner/repo pair from the configured remote URL.
func (g *CLIGit) RemoteOwnerRepo(remote string) (string, string, error) {
	repo, err := git.PlainOpen(g.dir)
	if err != nil {
		return "", "", fmt.Errorf("failed to open repository at %s: %w", g.dir, err)
	}
	rem, err := repo.Remote(remote)
	if err != nil {
		return "", "", fmt.Errorf("failed to resolve remote %q: %w", remote, err)
	}
	urls := rem.Config().URLs
	if len(urls) == 0 {
		return "", "", fmt.Errorf("remote %q has no URL configured", remote)
	}
	return ParseRemoteURL(urls[0])
}

// Remote URL shapes: scp-like SSH, ssh://, and https://.
var (
	scpRemoteRegex  = regexp.MustCompile(`^(?:[\w.-]+@)?([\w.-]+):([\w.-]+)/([\w.-]+?)(?:\.git)?$`)
	httpRemoteRegex = regexp.MustCompile(`^(?:https?|ssh)://(?:[\w.-]+@)?[\w.-]+(?::\d+)?/([\w.-]+)/([\w.-]+?)(?:\.git)?/?$`)
)

// ParseRemoteURL extracts the owner and repository name from an SSH or HTTPS
// remote URL.
func ParseRemoteURL(url string) (string, string, error) {
	if m := httpRemoteRegex.FindStringSubmatch(url); len(m) == 3 {
		return m[1], m[2], nil
	}
	if m := scpRemoteRegex.FindStringSubmatch(url); len(m) == 4 {
		return m[2], m[3], nil
	}
	return "", "", fmt.Errorf("unrecognized remote URL format: %q", url)
}
