package forge

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// GitHub talks to GitHub through the gh CLI, so the user's existing gh
// auth applies. repoDir must be a working copy whose origin points at
// the repository in question.
type GitHub struct {
	repoDir string
}

// NewGitHub returns a Forge for the repository checked out at repoDir.
func NewGitHub(repoDir string) *GitHub {
	return &GitHub{repoDir: repoDir}
}

type ghPR struct {
	URL         string `json:"url"`
	HeadRefName string `json:"headRefName"`
	BaseRefName string `json:"baseRefName"`
	Title       string `json:"title"`
	Body        string `json:"body"`
	State       string `json:"state"`
	Mergeable   string `json:"mergeable"`
}

func (p ghPR) toProposal() *Proposal {
	status := StatusClosed
	switch p.State {
	case "OPEN":
		status = StatusOpen
		if p.Mergeable == "CONFLICTING" {
			status = StatusConflicted
		}
	case "MERGED":
		status = StatusMerged
	}
	return &Proposal{
		URL:          p.URL,
		SourceBranch: p.HeadRefName,
		TargetBranch: p.BaseRefName,
		Title:        p.Title,
		Description:  p.Body,
		Status:       status,
	}
}

const prFields = "url,headRefName,baseRefName,title,body,state,mergeable"

func (g *GitHub) FindProposal(ctx context.Context, sourceBranch, targetBranch string) (*Proposal, error) {
	out, err := g.gh(ctx, "pr", "list",
		"--head", sourceBranch,
		"--base", targetBranch,
		"--state", "all",
		"--limit", "1",
		"--json", prFields,
	)
	if err != nil {
		return nil, err
	}
	var prs []ghPR
	if err := json.Unmarshal([]byte(out), &prs); err != nil {
		return nil, fmt.Errorf("parsing gh pr list output: %w", err)
	}
	if len(prs) == 0 {
		return nil, ErrProposalNotFound
	}
	return prs[0].toProposal(), nil
}

func (g *GitHub) GetProposal(ctx context.Context, url string) (*Proposal, error) {
	out, err := g.gh(ctx, "pr", "view", url, "--json", prFields)
	if err != nil {
		if strings.Contains(err.Error(), "no pull requests found") ||
			strings.Contains(err.Error(), "Could not resolve") {
			return nil, ErrProposalNotFound
		}
		return nil, err
	}
	var pr ghPR
	if err := json.Unmarshal([]byte(out), &pr); err != nil {
		return nil, fmt.Errorf("parsing gh pr view output: %w", err)
	}
	return pr.toProposal(), nil
}

func (g *GitHub) CreateProposal(ctx context.Context, opts CreateOptions) (*Proposal, error) {
	args := []string{"pr", "create",
		"--head", opts.SourceBranch,
		"--base", opts.TargetBranch,
		"--title", opts.Title,
		"--body", opts.Description,
	}
	for _, label := range opts.Labels {
		args = append(args, "--label", label)
	}
	out, err := g.gh(ctx, args...)
	if err != nil {
		return nil, err
	}
	url := strings.TrimSpace(out)
	// gh prints extra lines before the URL in some versions
	if i := strings.LastIndexByte(url, '\n'); i >= 0 {
		url = url[i+1:]
	}

	if opts.AutoMerge {
		if _, err := g.gh(ctx, "pr", "merge", url, "--auto", "--merge"); err != nil {
			return nil, fmt.Errorf("enabling auto-merge: %w", err)
		}
	}

	return &Proposal{
		URL:          url,
		SourceBranch: opts.SourceBranch,
		TargetBranch: opts.TargetBranch,
		Title:        opts.Title,
		Description:  opts.Description,
		Status:       StatusOpen,
	}, nil
}

func (g *GitHub) UpdateProposal(ctx context.Context, url string, opts UpdateOptions) error {
	args := []string{"pr", "edit", url}
	if opts.Title != nil {
		args = append(args, "--title", *opts.Title)
	}
	if opts.Description != nil {
		args = append(args, "--body", *opts.Description)
	}
	for _, label := range opts.Labels {
		args = append(args, "--add-label", label)
	}
	if len(args) == 3 {
		return nil
	}
	_, err := g.gh(ctx, args...)
	return err
}

func (g *GitHub) CloseProposal(ctx context.Context, url string) error {
	_, err := g.gh(ctx, "pr", "close", url)
	return err
}

func (g *GitHub) gh(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = g.repoDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("gh %s: %s: %w", args[0]+" "+args[1], strings.TrimSpace(string(out)), err)
	}
	return string(out), nil
}
