package vcs

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

// Repo wraps a local working copy. Local introspection goes through
// go-git; anything that touches the network shells out to the git CLI so
// the user's SSH agent and credential helpers apply.
type Repo struct {
	Path string
	URL  string

	repo *git.Repository
}

// Open opens an existing working copy.
func Open(path string) (*Repo, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	r := &Repo{Path: path, repo: repo}
	if remote, err := repo.Remote("origin"); err == nil && len(remote.Config().URLs) > 0 {
		r.URL = remote.Config().URLs[0]
	}
	return r, nil
}

// Clone clones url into path. branch may be empty to take the remote
// default.
func Clone(ctx context.Context, url, path, branch string) (*Repo, error) {
	args := []string{"clone"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, url, path)
	if out, err := runGit(ctx, "", args...); err != nil {
		return nil, classifyRemoteError(url, out)
	}
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	r.URL = url
	return r, nil
}

// Head returns the current HEAD commit hash.
func (r *Repo) Head() (string, error) {
	ref, err := r.repo.Head()
	if err != nil {
		return "", err
	}
	return ref.Hash().String(), nil
}

// CurrentBranch returns the short name of the checked-out branch.
func (r *Repo) CurrentBranch() (string, error) {
	ref, err := r.repo.Head()
	if err != nil {
		return "", err
	}
	if !ref.Name().IsBranch() {
		return "", fmt.Errorf("detached HEAD at %s", ref.Hash())
	}
	return ref.Name().Short(), nil
}

// MainBranch determines whether the repository uses main or master,
// preferring remote refs over local ones.
func (r *Repo) MainBranch() string {
	refs, err := r.repo.References()
	if err != nil {
		return "main"
	}
	var remoteMain, remoteMaster, localMain, localMaster bool
	refs.ForEach(func(ref *plumbing.Reference) error {
		switch ref.Name().String() {
		case "refs/remotes/origin/main":
			remoteMain = true
		case "refs/remotes/origin/master":
			remoteMaster = true
		case "refs/heads/main":
			localMain = true
		case "refs/heads/master":
			localMaster = true
		}
		return nil
	})
	switch {
	case remoteMain:
		return "main"
	case remoteMaster:
		return "master"
	case localMain:
		return "main"
	case localMaster:
		return "master"
	}
	return "main"
}

// BranchTip resolves a branch from local refs, preferring the
// remote-tracking ref over the local one so a reopened working copy
// measures against the upstream tip, not its own commits.
func (r *Repo) BranchTip(name string) (string, error) {
	for _, ref := range []plumbing.ReferenceName{
		plumbing.NewRemoteReferenceName("origin", name),
		plumbing.NewBranchReferenceName(name),
	} {
		if resolved, err := r.repo.Reference(ref, true); err == nil {
			return resolved.Hash().String(), nil
		}
	}
	return "", fmt.Errorf("branch %s not found", name)
}

// HasChanges reports whether the worktree has uncommitted modifications.
func (r *Repo) HasChanges() (bool, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return false, err
	}
	status, err := wt.Status()
	if err != nil {
		return false, err
	}
	return !status.IsClean(), nil
}

// Commit stages everything and commits with the given committer identity
// ("Name <email>"). Returns the new commit hash, or "" when the worktree
// was already clean.
func (r *Repo) Commit(message, committer string) (string, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return "", err
	}
	status, err := wt.Status()
	if err != nil {
		return "", err
	}
	if status.IsClean() {
		return "", nil
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("staging changes: %w", err)
	}
	name, email := splitIdentity(committer)
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: name, Email: email, When: time.Now()},
	})
	if err != nil {
		return "", fmt.Errorf("committing: %w", err)
	}
	return hash.String(), nil
}

// DiscardChanges resets the worktree to HEAD, dropping uncommitted edits
// and untracked files.
func (r *Repo) DiscardChanges(ctx context.Context) error {
	if out, err := runGit(ctx, r.Path, "reset", "--hard", "HEAD"); err != nil {
		return &GitError{Command: "reset", Output: out}
	}
	if out, err := runGit(ctx, r.Path, "clean", "-fd"); err != nil {
		return &GitError{Command: "clean", Output: out}
	}
	return nil
}

// CheckoutBranch switches to a branch, creating it at HEAD when it does
// not exist yet.
func (r *Repo) CheckoutBranch(name string) error {
	wt, err := r.repo.Worktree()
	if err != nil {
		return err
	}
	branch := plumbing.NewBranchReferenceName(name)
	err = wt.Checkout(&git.CheckoutOptions{Branch: branch})
	if err == nil {
		return nil
	}
	return wt.Checkout(&git.CheckoutOptions{Branch: branch, Create: true})
}

// ResetBranch force-moves the current branch to the given revision.
func (r *Repo) ResetBranch(ctx context.Context, revision string) error {
	if out, err := runGit(ctx, r.Path, "reset", "--hard", revision); err != nil {
		return &GitError{Command: "reset", Output: out}
	}
	return nil
}

// CommitsAhead counts commits reachable from HEAD but not from base.
func (r *Repo) CommitsAhead(base string) (int, error) {
	head, err := r.repo.Head()
	if err != nil {
		return 0, err
	}
	baseHash := plumbing.NewHash(base)
	iter, err := r.repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	count := 0
	err = iter.ForEach(func(c *object.Commit) error {
		if c.Hash == baseHash {
			return storer.ErrStop
		}
		count++
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// RemoteHead resolves the tip of a remote branch without fetching.
func (r *Repo) RemoteHead(ctx context.Context, branch string) (string, error) {
	out, err := runGit(ctx, r.Path, "ls-remote", "origin", "refs/heads/"+branch)
	if err != nil {
		return "", classifyRemoteError(r.URL, out)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", &BranchError{Kind: KindMissing, URL: r.URL, Description: "branch " + branch + " not on remote"}
	}
	fields := strings.Fields(out)
	return fields[0], nil
}

// Fetch updates remote-tracking refs for the given branches.
func (r *Repo) Fetch(ctx context.Context, branches ...string) error {
	args := append([]string{"fetch", "origin"}, branches...)
	if out, err := runGit(ctx, r.Path, args...); err != nil {
		return classifyRemoteError(r.URL, out)
	}
	return nil
}

// Push pushes HEAD to the named remote branch. force overwrites the
// remote branch; without it a diverged remote returns ErrDivergedBranch.
func (r *Repo) Push(ctx context.Context, branch string, force bool) error {
	args := []string{"push"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, "origin", "HEAD:refs/heads/"+branch)
	if out, err := runGit(ctx, r.Path, args...); err != nil {
		return classifyRemoteError(r.URL, out)
	}
	return nil
}

// SetRemoteURL repoints origin, used when a working copy is seeded from
// a local cache but should talk to the real remote.
func (r *Repo) SetRemoteURL(ctx context.Context, url string) error {
	if out, err := runGit(ctx, r.Path, "remote", "set-url", "origin", url); err != nil {
		return &GitError{Command: "remote set-url", Output: out}
	}
	r.URL = url
	return nil
}

// DeleteRemoteBranch removes a branch on origin.
func (r *Repo) DeleteRemoteBranch(ctx context.Context, branch string) error {
	if out, err := runGit(ctx, r.Path, "push", "origin", "--delete", branch); err != nil {
		return classifyRemoteError(r.URL, out)
	}
	return nil
}

// Diff returns the textual diff between base and the worktree, staged
// and unstaged changes included.
func (r *Repo) Diff(ctx context.Context, base string) (string, error) {
	out, err := runGit(ctx, r.Path, "diff", base)
	if err != nil {
		return "", &GitError{Command: "diff", Output: out}
	}
	return out, nil
}

// GitError reports a failed local git invocation.
type GitError struct {
	Command string
	Output  string
}

func (e *GitError) Error() string {
	return "git " + e.Command + ": " + firstLine(e.Output)
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func splitIdentity(identity string) (name, email string) {
	if i := strings.IndexByte(identity, '<'); i >= 0 {
		name = strings.TrimSpace(identity[:i])
		email = strings.TrimSuffix(strings.TrimSpace(identity[i+1:]), ">")
		return name, email
	}
	return identity, ""
}
