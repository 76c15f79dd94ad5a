// Package batch coordinates a recipe run across many candidate
// repositories, persisting per-repository state so runs can stop and
// resume.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/forgesweep/forgesweep/internal/batchstore"
	"github.com/forgesweep/forgesweep/internal/codemod"
	"github.com/forgesweep/forgesweep/internal/forge"
	"github.com/forgesweep/forgesweep/internal/publish"
	"github.com/forgesweep/forgesweep/internal/recipe"
)

// Runner executes one engine job. Satisfied by *publish.Engine.
type Runner interface {
	Run(ctx context.Context, job publish.Job) (*publish.JobResult, error)
}

// Coordinator fans a recipe out over candidates and tracks every entry
// in the store.
type Coordinator struct {
	Store  *batchstore.Store
	Engine Runner

	// ForgeFor builds a forge client for an entry's working copy, used
	// when refreshing proposal status.
	ForgeFor func(repoDir string) forge.Forge

	// Workers bounds concurrent publishes. Zero means sequential.
	Workers int

	Logger *slog.Logger
}

func (c *Coordinator) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Generate dry-runs the recipe against every candidate and records an
// entry per repository that produced changes. Candidate failures are
// recorded, not fatal; a missing codemod executable aborts the whole
// generation since no candidate can succeed.
func (c *Coordinator) Generate(ctx context.Context, batchName string, r *recipe.Recipe, candidates []recipe.Candidate) error {
	logger := c.logger().With("batch", batchName)
	if err := c.Store.UpsertBatch(batchName, r.Name); err != nil {
		return err
	}

	seen := make(map[string]bool)
	for _, cand := range candidates {
		name := c.entryName(batchName, cand.ShortName(), seen)
		seen[name] = true
		entryLogger := logger.With("entry", name, "url", cand.URL)

		mode := r.Mode
		if cand.DefaultMode != "" {
			mode = cand.DefaultMode
		}

		res, err := c.Engine.Run(ctx, publish.Job{
			URL:           cand.URL,
			Name:          name,
			Branch:        cand.Branch,
			Subpath:       cand.Subpath,
			Recipe:        r,
			Mode:          mode,
			DryRun:        true,
			KeepWorkspace: true,
		})
		if err != nil {
			if errors.Is(err, codemod.ErrCommandNotFound) {
				return fmt.Errorf("generating batch %s: %w", batchName, err)
			}
			entryLogger.Error("candidate failed", "error", err)
			c.recordEntry(batchName, name, &cand, string(mode), res, err)
			continue
		}
		if res.Outcome == publish.OutcomeNoOp {
			entryLogger.Info("no changes, skipping entry")
			if res.WorkDir != "" {
				os.RemoveAll(res.WorkDir)
			}
			continue
		}
		entryLogger.Info("entry generated", "workdir", res.WorkDir)
		c.recordEntry(batchName, name, &cand, string(mode), res, nil)
	}
	return nil
}

// entryName derives a unique entry name within the batch, suffixing
// duplicates with .1, .2 and so on.
func (c *Coordinator) entryName(batchName, short string, seen map[string]bool) string {
	exists := func(name string) bool {
		if seen[name] {
			return true
		}
		_, err := c.Store.GetEntry(batchName, name)
		return err == nil
	}
	if !exists(short) {
		return short
	}
	for i := 1; ; i++ {
		name := fmt.Sprintf("%s.%d", short, i)
		if !exists(name) {
			return name
		}
	}
}

func (c *Coordinator) recordEntry(batchName, name string, cand *recipe.Candidate, mode string, res *publish.JobResult, runErr error) {
	e := &batchstore.Entry{
		Batch:   batchName,
		Name:    name,
		URL:     cand.URL,
		Subpath: cand.Subpath,
		Mode:    mode,
		Outcome: string(publish.OutcomePending),
	}
	if res != nil {
		e.Branch = res.Branch
		e.TargetBranch = res.TargetBranch
		e.CommitMessage = res.CommitMessage
		e.Title = res.Title
		e.Description = res.Description
		e.WorkDir = res.WorkDir
		e.Result = res.Result
		if res.Result != nil {
			e.Context = res.Result.Context
		}
	}
	if runErr != nil {
		e.Outcome = string(publish.OutcomeFailed)
		e.Error = runErr.Error()
	}
	if err := c.Store.UpsertEntry(e); err != nil {
		c.logger().Error("persisting entry", "batch", batchName, "entry", name, "error", err)
	}
}

// Publish pushes every non-terminal entry of a batch through the engine,
// bounded by Workers. Already-published entries are skipped, so rerunning
// a partly-published batch is safe.
func (c *Coordinator) Publish(ctx context.Context, batchName string, r *recipe.Recipe, refresh bool) error {
	logger := c.logger().With("batch", batchName)
	entries, err := c.Store.ListEntries(batchName, batchstore.ListOptions{NonTerminal: true})
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		logger.Info("nothing left to publish")
		return nil
	}

	workers := int64(c.Workers)
	if workers < 1 {
		workers = 1
	}
	sem := semaphore.NewWeighted(workers)
	var wg sync.WaitGroup

	for _, entry := range entries {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(e *batchstore.Entry) {
			defer wg.Done()
			defer sem.Release(1)
			c.publishEntry(ctx, e, r, refresh, logger.With("entry", e.Name))
		}(entry)
	}
	wg.Wait()
	return ctx.Err()
}

func (c *Coordinator) publishEntry(ctx context.Context, e *batchstore.Entry, r *recipe.Recipe, refresh bool, logger *slog.Logger) {
	job := publish.Job{
		URL:     e.URL,
		Name:    e.Name,
		Subpath: e.Subpath,
		Recipe:  r,
		Mode:    recipe.Mode(e.Mode),
		Refresh: refresh,

		// The stored result is the resume checkpoint; the engine hands
		// it to the codemod when the prepared work is picked up again.
		Resume: e.Result,
	}
	// Reuse the prepared working copy when it is still on disk,
	// otherwise rebuild from scratch.
	if e.WorkDir != "" {
		if _, err := os.Stat(e.WorkDir); err == nil {
			job.Dir = e.WorkDir
		}
	}

	res, err := c.Engine.Run(ctx, job)
	if err != nil {
		logger.Error("publish failed", "error", err)
		outcome := string(publish.OutcomeFailed)
		if res != nil && res.Outcome != "" {
			outcome = string(res.Outcome)
		}
		if serr := c.Store.UpdateOutcome(e.Batch, e.Name, outcome, err.Error(), e.ProposalURL, e.ProposalStatus); serr != nil {
			logger.Error("persisting failure", "error", serr)
		}
		return
	}

	logger.Info("entry published", "outcome", res.Outcome, "proposal", res.ProposalURL)
	if serr := c.Store.UpdateOutcome(e.Batch, e.Name, string(res.Outcome), "", res.ProposalURL, string(res.ProposalStatus)); serr != nil {
		logger.Error("persisting outcome", "error", serr)
	}
}

// Status re-queries the forge for every entry with a proposal and
// refreshes the cached status.
func (c *Coordinator) Status(ctx context.Context, batchName string) ([]*batchstore.Entry, error) {
	entries, err := c.Store.ListEntries(batchName, batchstore.ListOptions{})
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.ProposalURL == "" || c.ForgeFor == nil {
			continue
		}
		// A workdir gives the forge client repo context, but the full
		// proposal URL is enough on its own, so a pruned or moved
		// workdir must not stop the refresh.
		dir := e.WorkDir
		if dir != "" {
			if _, err := os.Stat(dir); err != nil {
				dir = ""
			}
		}
		p, err := c.ForgeFor(dir).GetProposal(ctx, e.ProposalURL)
		if err != nil {
			c.logger().Warn("refreshing proposal status", "entry", e.Name, "error", err)
			continue
		}
		if string(p.Status) != e.ProposalStatus {
			e.ProposalStatus = string(p.Status)
			if err := c.Store.UpdateProposalStatus(e.Batch, e.Name, e.ProposalStatus); err != nil {
				return nil, err
			}
		}
	}
	return entries, nil
}

// Prune drops entries whose work is finished (merged proposals, direct
// pushes, no-ops) and removes their kept working copies.
func (c *Coordinator) Prune(ctx context.Context, batchName string) (int, error) {
	entries, err := c.Status(ctx, batchName)
	if err != nil {
		return 0, err
	}
	pruned := 0
	for _, e := range entries {
		done := e.Outcome == string(publish.OutcomePushed) ||
			e.Outcome == string(publish.OutcomeNoOp) ||
			e.ProposalStatus == string(forge.StatusMerged)
		if !done {
			continue
		}
		if e.WorkDir != "" {
			os.RemoveAll(e.WorkDir)
		}
		if err := c.Store.DeleteEntry(e.Batch, e.Name); err != nil {
			return pruned, err
		}
		pruned++
	}
	return pruned, nil
}
