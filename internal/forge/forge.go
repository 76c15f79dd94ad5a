// Package forge abstracts the code hosting side of publishing: finding,
// creating and updating merge proposals for a pushed branch.
package forge

import (
	"context"
	"errors"
)

// ProposalStatus is the lifecycle state of a merge proposal.
type ProposalStatus string

const (
	StatusOpen       ProposalStatus = "open"
	StatusMerged     ProposalStatus = "merged"
	StatusClosed     ProposalStatus = "closed"
	StatusConflicted ProposalStatus = "conflicted"
)

// Proposal is a merge proposal as seen on the forge.
type Proposal struct {
	URL          string
	SourceBranch string
	TargetBranch string
	Title        string
	Description  string
	Status       ProposalStatus
}

// CreateOptions carries everything needed to open a proposal.
type CreateOptions struct {
	SourceBranch string
	TargetBranch string
	Title        string
	Description  string
	Labels       []string
	AutoMerge    bool
}

// UpdateOptions mutates an existing proposal. Nil fields are untouched.
type UpdateOptions struct {
	Title       *string
	Description *string
	Labels      []string
}

// ErrProposalNotFound is returned when no proposal matches.
var ErrProposalNotFound = errors.New("proposal not found")

// Forge is the hosting-side collaborator. Implementations operate on a
// single repository identified at construction time.
type Forge interface {
	// FindProposal locates a proposal from the given source branch into
	// the given target branch, in any state. Returns ErrProposalNotFound
	// when none exists.
	FindProposal(ctx context.Context, sourceBranch, targetBranch string) (*Proposal, error)

	// GetProposal fetches a proposal by URL.
	GetProposal(ctx context.Context, url string) (*Proposal, error)

	// CreateProposal opens a new proposal for an already-pushed branch.
	CreateProposal(ctx context.Context, opts CreateOptions) (*Proposal, error)

	// UpdateProposal edits an open proposal in place.
	UpdateProposal(ctx context.Context, url string, opts UpdateOptions) error

	// CloseProposal closes a proposal without merging.
	CloseProposal(ctx context.Context, url string) error
}
