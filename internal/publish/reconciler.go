// Package publish turns a workspace with codemod changes into a push or
// a merge proposal, reconciling against whatever already exists on the
// forge.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/forgesweep/forgesweep/internal/codemod"
	"github.com/forgesweep/forgesweep/internal/forge"
	"github.com/forgesweep/forgesweep/internal/recipe"
	"github.com/forgesweep/forgesweep/internal/vcs"
	"github.com/forgesweep/forgesweep/internal/workspace"
)

// Outcome is the terminal state of a publish attempt.
type Outcome string

const (
	OutcomePushed   Outcome = "pushed"
	OutcomeProposed Outcome = "proposed"
	OutcomeNoOp     Outcome = "no-op"

	// OutcomePending means changes were built but publishing was
	// deliberately not attempted (dry runs, batch generation).
	OutcomePending Outcome = "pending"

	// OutcomeSkipped means the changes were below the recipe's
	// propose threshold, so no new proposal was opened.
	OutcomeSkipped Outcome = "skipped-insufficient"

	OutcomeFailed Outcome = "failed"
)

// Terminal reports whether a batch entry with this outcome needs no
// further publish attempts.
func (o Outcome) Terminal() bool {
	return o == OutcomePushed || o == OutcomeProposed || o == OutcomeNoOp
}

// ErrEmptyProposal is returned when a proposal would contain no commits
// on top of the target branch.
var ErrEmptyProposal = errors.New("refusing to open an empty proposal")

// Request describes one publish operation against a prepared workspace.
// All text fields arrive already rendered.
type Request struct {
	Workspace *workspace.Workspace
	Forge     forge.Forge

	Mode recipe.Mode

	// Branch is the derived branch proposals are pushed to.
	Branch string

	// TargetBranch defaults to the workspace's detected main branch.
	TargetBranch string

	Title       string
	Description string
	Labels      []string
	AutoMerge   bool

	// Threshold gates the opening of new proposals on the codemod's
	// reported value. Updates to existing open proposals are exempt.
	Threshold *int

	Result *codemod.Result

	Logger *slog.Logger
}

// Resolution is the result of a publish.
type Resolution struct {
	Outcome  Outcome
	Proposal *forge.Proposal
}

// Publish pushes or proposes the workspace's changes per the request
// mode. It is idempotent: republishing unchanged work updates the
// existing proposal rather than opening a second one.
func Publish(ctx context.Context, req Request) (*Resolution, error) {
	logger := req.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ws := req.Workspace
	target := req.TargetBranch
	if target == "" {
		target = ws.Main
	}

	changed, err := ws.Changed()
	if err != nil {
		return nil, err
	}
	if !changed {
		logger.Info("no changes to publish", "url", ws.URL)
		return &Resolution{Outcome: OutcomeNoOp}, nil
	}

	switch req.Mode {
	case recipe.ModePush:
		if err := pushTarget(ctx, ws, target); err != nil {
			return nil, err
		}
		return &Resolution{Outcome: OutcomePushed}, nil

	case recipe.ModeAttemptPush, recipe.ModeAuto:
		// auto derives the action from the codemod's result: an
		// insufficient result must never land on the target branch, so
		// it is routed to the propose path, where an existing open
		// proposal may still be refreshed.
		if req.Mode == recipe.ModeAuto && !sufficient(req) {
			return propose(ctx, req, target, logger)
		}
		err := pushTarget(ctx, ws, target)
		if err == nil {
			return &Resolution{Outcome: OutcomePushed}, nil
		}
		if !errors.Is(err, vcs.ErrPushDenied) {
			return nil, err
		}
		logger.Info("push denied, falling back to proposal", "url", ws.URL)
		return propose(ctx, req, target, logger)

	case recipe.ModePropose:
		return propose(ctx, req, target, logger)
	}
	return nil, fmt.Errorf("unknown publish mode %q", req.Mode)
}

func pushTarget(ctx context.Context, ws *workspace.Workspace, target string) error {
	return withRetry(ctx, func() error {
		return ws.Repo.Push(ctx, target, false)
	})
}

func propose(ctx context.Context, req Request, target string, logger *slog.Logger) (*Resolution, error) {
	ws := req.Workspace

	commits, err := ws.CommitsSinceBase()
	if err != nil {
		return nil, err
	}
	if commits == 0 {
		return nil, ErrEmptyProposal
	}

	// A moved target branch means the derived branch must be rebuilt,
	// even when an open proposal could otherwise be reused as-is.
	moved, err := ws.MainMoved(ctx)
	if err != nil {
		return nil, err
	}
	if moved {
		logger.Info("target branch moved since acquisition, overwriting derived branch",
			"url", ws.URL, "branch", req.Branch)
	}

	existing, err := req.Forge.FindProposal(ctx, req.Branch, target)
	if err != nil && !errors.Is(err, forge.ErrProposalNotFound) {
		return nil, err
	}

	reusable := existing != nil &&
		(existing.Status == forge.StatusOpen || existing.Status == forge.StatusConflicted)

	if !reusable && !sufficient(req) {
		logger.Info("changes below propose threshold, skipping",
			"url", ws.URL, "value", req.Result.ValueOr(0))
		return &Resolution{Outcome: OutcomeSkipped}, nil
	}

	// The derived branch is ours; force keeps it exactly at the local
	// state whether or not a prior run published something different.
	if err := withRetry(ctx, func() error {
		return ws.Repo.Push(ctx, req.Branch, true)
	}); err != nil {
		return nil, err
	}

	if reusable {
		title, desc := req.Title, req.Description
		err := req.Forge.UpdateProposal(ctx, existing.URL, forge.UpdateOptions{
			Title:       &title,
			Description: &desc,
			Labels:      req.Labels,
		})
		if err != nil {
			return nil, err
		}
		existing.Title = title
		existing.Description = desc
		logger.Info("updated existing proposal", "url", existing.URL)
		return &Resolution{Outcome: OutcomeProposed, Proposal: existing}, nil
	}

	proposal, err := req.Forge.CreateProposal(ctx, forge.CreateOptions{
		SourceBranch: req.Branch,
		TargetBranch: target,
		Title:        req.Title,
		Description:  req.Description,
		Labels:       req.Labels,
		AutoMerge:    req.AutoMerge,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("opened proposal", "url", proposal.URL)
	return &Resolution{Outcome: OutcomeProposed, Proposal: proposal}, nil
}

// sufficient decides whether the codemod's result justifies a new
// proposal.
func sufficient(req Request) bool {
	if req.Result == nil {
		return true
	}
	if req.Result.SufficientForProposal != nil && !*req.Result.SufficientForProposal {
		return false
	}
	if req.Threshold != nil && req.Result.Value != nil && *req.Result.Value < *req.Threshold {
		return false
	}
	return true
}
