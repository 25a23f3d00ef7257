// internal/autofix/prcreator.go
package autofix

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/v58/github"
	"go.uber.org/zap"
)

// GitHubPRCreator publishes pushed fix branches as pull requests via the
// GitHub API.
type GitHubPRCreator struct {
	client     *github.Client
	owner      string
	repo       string
	baseBranch string
	logger     *zap.Logger
}

// NewGitHubPRCreator builds an authenticated PR creator for one repository.
func NewGitHubPRCreator(token, owner, repo, baseBranch string, logger *zap.Logger) *GitHubPRCreator {
	return &GitHubPRCreator{
		client:     github.NewClient(nil).WithAuthToken(token),
		owner:      owner,
		repo:       repo,
		baseBranch: baseBranch,
		logger:     logger.Named("pr"),
	}
}

// CreatePR opens a pull request for the fix branch. The loop calls this at
// most once per successful saga, so no existence probing is done here.
func (c *GitHubPRCreator) CreatePR(ctx context.Context, req PRRequest) (PRResult, error) {
	title := prTitle(req)

	newPR := &github.NewPullRequest{
		Title:               github.String(title),
		Head:                github.String(req.BranchName),
		Base:                github.String(c.baseBranch),
		Body:                github.String(prBody(req)),
		MaintainerCanModify: github.Bool(true),
	}

	pr, _, err := c.client.PullRequests.Create(ctx, c.owner, c.repo, newPR)
	if err != nil {
		return PRResult{Success: false, Error: err.Error()}, fmt.Errorf("failed to create pull request: %w", err)
	}

	c.logger.Info("Pull request created.",
		zap.String("url", pr.GetHTMLURL()),
		zap.Int("number", pr.GetNumber()),
		zap.String("branch", req.BranchName))

	return PRResult{
		Success:  true,
		PRURL:    pr.GetHTMLURL(),
		PRNumber: pr.GetNumber(),
	}, nil
}

func prTitle(req PRRequest) string {
	desc := req.Error.Message
	if req.Fix != nil && req.Fix.Description != "" {
		desc = req.Fix.Description
	}
	if len(desc) > 72 {
		desc = desc[:72]
	}
	return fmt.Sprintf("fix: %s", desc)
}

// prBody renders the reviewable summary of the automated fix: what broke,
// what changed, and how confident the analyzer was.
func prBody(req PRRequest) string {
	var sb strings.Builder

	sb.WriteString("## Automated error fix\n\n")
	fmt.Fprintf(&sb, "**Service:** %s\n", req.Error.ServiceName)
	fmt.Fprintf(&sb, "**Error:** `%s`\n", req.Error.Message)
	fmt.Fprintf(&sb, "**Fingerprint:** `%s`\n", req.Fingerprint)
	if req.Tracked.OccurrenceCount > 0 {
		fmt.Fprintf(&sb, "**Occurrences:** %d (first seen %s, last seen %s)\n",
			req.Tracked.OccurrenceCount,
			req.Tracked.FirstSeen.UTC().Format("2006-01-02 15:04 MST"),
			req.Tracked.LastSeen.UTC().Format("2006-01-02 15:04 MST"))
	}

	if req.Analysis != nil {
		fmt.Fprintf(&sb, "\n### Root cause\n%s\n", req.Analysis.RootCause)
		fmt.Fprintf(&sb, "\n**Confidence:** %s\n", req.Analysis.Confidence)
		if req.Analysis.TestSuggestion != "" {
			fmt.Fprintf(&sb, "\n### Suggested verification\n%s\n", req.Analysis.TestSuggestion)
		}
	}

	if req.Fix != nil {
		fmt.Fprintf(&sb, "\n### Fix\n%s\n\n**Files changed:**\n", req.Fix.Description)
		for _, fc := range req.Fix.Files {
			fmt.Fprintf(&sb, "- `%s`\n", fc.Path)
		}
	}

	if req.Error.StackTrace != "" {
		trace := req.Error.StackTrace
		if len(trace) > 3000 {
			trace = trace[:3000] + "\n..."
		}
		fmt.Fprintf(&sb, "\n<details>\n<summary>Stack trace</summary>\n\n```\n%s\n```\n</details>\n", trace)
	}

	sb.WriteString("\n---\n*Opened automatically by remedy-cli. Review carefully before merging.*\n")
	return sb.String()
}
