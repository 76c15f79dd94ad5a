package publish

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/forgesweep/forgesweep/internal/codemod"
	"github.com/forgesweep/forgesweep/internal/forge"
	"github.com/forgesweep/forgesweep/internal/recipe"
	"github.com/forgesweep/forgesweep/internal/render"
	"github.com/forgesweep/forgesweep/internal/workspace"
)

// Engine runs a recipe against a single repository end to end: acquire a
// workspace, execute the codemod, settle pending changes, verify, and
// publish.
type Engine struct {
	Runner *codemod.Runner

	// ForgeFor builds a forge client scoped to a working copy. Left nil
	// in dry runs that never publish.
	ForgeFor func(repoDir string) forge.Forge

	CacheDir  string
	Committer string
	Logger    *slog.Logger
}

// Job is one repository-level unit of work.
type Job struct {
	URL     string
	Name    string
	Branch  string
	Subpath string

	Recipe *recipe.Recipe

	// Mode overrides the recipe's publish mode when non-empty.
	Mode recipe.Mode

	ExtraEnv map[string]string

	// Resume is checkpoint state from a previous run, handed to the
	// codemod when the derived branch is picked up again.
	Resume *codemod.Result

	// Dir reuses an existing working copy instead of a temp clone.
	Dir string

	// Refresh discards any published partial work and rebuilds the
	// derived branch from the current base.
	Refresh bool

	// KeepWorkspace leaves the working copy on disk after the run.
	KeepWorkspace bool

	// DryRun stops before publishing.
	DryRun bool

	// WantDiff captures the diff against the base in the job result.
	WantDiff bool
}

// JobResult reports what one engine run did.
type JobResult struct {
	RunID   string
	Outcome Outcome

	Result *codemod.Result

	ProposalURL    string
	ProposalStatus forge.ProposalStatus

	Branch        string
	TargetBranch  string
	CommitMessage string
	Title         string
	Description   string

	// WorkDir is set when the workspace was kept.
	WorkDir string

	Diff string

	Duration time.Duration
}

// Run executes one job. The returned JobResult is non-nil whenever the
// job got far enough to have an outcome, even alongside an error.
func (e *Engine) Run(ctx context.Context, job Job) (*JobResult, error) {
	start := time.Now()
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := job.Recipe
	logger = logger.With("recipe", r.Name, "url", job.URL)

	res := &JobResult{
		RunID:  uuid.NewString(),
		Branch: r.BranchName(),
	}
	fail := func(err error) (*JobResult, error) {
		res.Outcome = OutcomeFailed
		res.Duration = time.Since(start)
		return res, err
	}

	resumeBranch := ""
	if r.Resume && !job.Refresh && job.Dir == "" {
		resumeBranch = r.BranchName()
	}

	ws, err := e.acquire(ctx, job, resumeBranch, logger)
	if err != nil {
		return fail(fmt.Errorf("acquiring workspace: %w", err))
	}
	defer ws.Release()
	if job.KeepWorkspace {
		ws.Keep()
		res.WorkDir = ws.Path
	}

	if job.Refresh {
		if err := ws.ResetToBase(ctx); err != nil {
			return fail(err)
		}
	}

	runDir := ws.Path
	if job.Subpath != "" {
		runDir = filepath.Join(ws.Path, job.Subpath)
	}

	var resume *codemod.Result
	if ws.Resumed {
		resume = job.Resume
	}
	commitsBefore, err := ws.CommitsSinceBase()
	if err != nil {
		return fail(err)
	}
	result, err := e.Runner.Run(ctx, codemod.RunOptions{
		Command:  r.Command,
		Dir:      runDir,
		ExtraEnv: job.ExtraEnv,
		Resume:   resume,
	})
	if err != nil {
		return fail(err)
	}
	res.Result = result

	if err := e.settlePending(ctx, ws, r, result, commitsBefore, logger); err != nil {
		return fail(err)
	}
	res.CommitMessage = result.CommitMessage

	changed, err := ws.Changed()
	if err != nil {
		return fail(err)
	}
	commits, err := ws.CommitsSinceBase()
	if err != nil {
		return fail(err)
	}
	// nothing-to-do on a workspace that already carries prepared commits
	// (a reopened workdir, a resumed branch) still has work to publish.
	if !changed || (result.NothingToDo() && commits == 0) {
		res.Outcome = OutcomeNoOp
		res.Duration = time.Since(start)
		logger.Info("codemod made no changes")
		return res, nil
	}

	if r.Verify != "" {
		if err := runVerify(ctx, runDir, r.Verify); err != nil {
			return fail(fmt.Errorf("verification failed: %w", err))
		}
	}

	if job.WantDiff {
		diff, err := ws.Diff(ctx)
		if err != nil {
			return fail(err)
		}
		res.Diff = diff
	}

	title, description, err := e.renderProposalText(r, result)
	if err != nil {
		return fail(err)
	}
	res.Title = title
	res.Description = description
	res.TargetBranch = r.TargetBranch
	if res.TargetBranch == "" {
		res.TargetBranch = ws.Main
	}

	if job.DryRun {
		res.Outcome = OutcomePending
		res.Duration = time.Since(start)
		return res, nil
	}

	mode := job.Mode
	if mode == "" {
		mode = r.Mode
	}
	var fg forge.Forge
	if e.ForgeFor != nil {
		fg = e.ForgeFor(ws.Path)
	}
	resolution, err := Publish(ctx, Request{
		Workspace:    ws,
		Forge:        fg,
		Mode:         mode,
		Branch:       r.BranchName(),
		TargetBranch: r.TargetBranch,
		Title:        title,
		Description:  description,
		Labels:       r.Labels,
		AutoMerge:    r.MergeRequest.AutoMerge,
		Threshold:    r.MergeRequest.ProposeThreshold,
		Result:       result,
		Logger:       logger,
	})
	if err != nil {
		return fail(err)
	}
	res.Outcome = resolution.Outcome
	if resolution.Proposal != nil {
		res.ProposalURL = resolution.Proposal.URL
		res.ProposalStatus = resolution.Proposal.Status
	}
	res.Duration = time.Since(start)
	return res, nil
}

func (e *Engine) acquire(ctx context.Context, job Job, resumeBranch string, logger *slog.Logger) (*workspace.Workspace, error) {
	if job.Dir != "" {
		return workspace.Open(job.Dir)
	}
	return workspace.Acquire(ctx, workspace.Options{
		URL:          job.URL,
		Branch:       job.Branch,
		CacheDir:     e.CacheDir,
		ResumeBranch: resumeBranch,
		Logger:       logger,
	})
}

// settlePending deals with uncommitted edits the codemod left behind:
// commit them, or discard them, per the recipe's commit-pending policy.
func (e *Engine) settlePending(ctx context.Context, ws *workspace.Workspace, r *recipe.Recipe, result *codemod.Result, commitsBefore int, logger *slog.Logger) error {
	dirty, err := ws.Repo.HasChanges()
	if err != nil {
		return err
	}
	if !dirty {
		return nil
	}

	commit := false
	switch r.CommitPending {
	case recipe.CommitPendingYes:
		commit = true
	case recipe.CommitPendingNo:
		commit = false
	default:
		// auto: only commit when the codemod made no commits of its
		// own this run, otherwise leftover edits are assumed
		// unintentional.
		n, err := ws.CommitsSinceBase()
		if err != nil {
			return err
		}
		commit = n == commitsBefore
	}

	if !commit {
		logger.Warn("discarding uncommitted changes left by codemod")
		return ws.Discard(ctx)
	}

	message := result.CommitMessage
	if message == "" {
		message, err = render.Template("commit-message", r.MergeRequest.CommitMessage, result.Context)
		if err != nil {
			return err
		}
	}
	if message == "" {
		message = "Apply " + r.Name
	}
	result.CommitMessage = message
	_, err = ws.Commit(message, e.Committer)
	return err
}

func (e *Engine) renderProposalText(r *recipe.Recipe, result *codemod.Result) (title, description string, err error) {
	title = result.Title
	if title == "" {
		title, err = render.Template("title", r.MergeRequest.Title, result.Context)
		if err != nil {
			return "", "", err
		}
	}
	description, err = render.Template("description", r.MergeRequest.Description, result.Context)
	if err != nil {
		return "", "", err
	}
	if description == "" {
		description = result.Description
	}
	if title == "" {
		title = result.CommitMessage
	}
	if title == "" {
		title = "Apply " + r.Name
	}
	return title, description, nil
}

func runVerify(ctx context.Context, dir, command string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w", firstLines(string(out), 10), err)
	}
	return nil
}

func firstLines(s string, n int) string {
	for i, count := 0, 0; i < len(s); i++ {
		if s[i] == '\n' {
			count++
			if count == n {
				return s[:i]
			}
		}
	}
	return s
}
