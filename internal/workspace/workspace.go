// Package workspace manages the lifecycle of a transient working copy:
// clone or reuse, optional resume branch, base tracking, and cleanup.
package workspace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/forgesweep/forgesweep/internal/vcs"
)

// Options controls how a workspace is acquired.
type Options struct {
	// URL of the remote repository.
	URL string

	// Branch to check out as the base. Empty means the remote default.
	Branch string

	// CacheDir, when set, holds long-lived clones keyed by URL so
	// repeated acquisitions avoid full network clones.
	CacheDir string

	// Dir pins the working copy location. Empty means a fresh temp dir
	// that is removed on Release.
	Dir string

	// ResumeBranch is fetched and checked out on top of the base when it
	// exists on the remote, so a codemod can continue earlier work.
	ResumeBranch string

	Logger *slog.Logger
}

// Workspace is an acquired working copy. The base revision is the main
// branch tip at acquisition time; all change detection is relative to it.
type Workspace struct {
	Path string
	URL  string
	Repo *vcs.Repo

	// Base is the commit the codemod's changes are measured against.
	Base string

	// Main is the short name of the target branch (main or master
	// unless Options.Branch pinned something else).
	Main string

	// Resumed reports whether an existing remote branch was picked up.
	Resumed bool

	temp     bool
	keep     bool
	released bool
	logger   *slog.Logger
}

// Acquire prepares a working copy per opts. The caller must Release it;
// Release is safe to defer alongside an explicit Keep.
func Acquire(ctx context.Context, opts Options) (*Workspace, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dir := opts.Dir
	temp := false
	if dir == "" {
		var err error
		dir, err = os.MkdirTemp("", "forgesweep-")
		if err != nil {
			return nil, fmt.Errorf("creating workspace dir: %w", err)
		}
		temp = true
		// git clone wants the target to not exist yet
		os.Remove(dir)
	}

	repo, err := cloneInto(ctx, opts, dir, logger)
	if err != nil {
		if temp {
			os.RemoveAll(dir)
		}
		return nil, err
	}

	ws := &Workspace{
		Path:   dir,
		URL:    opts.URL,
		Repo:   repo,
		temp:   temp,
		logger: logger,
	}

	ws.Main = opts.Branch
	if ws.Main == "" {
		ws.Main = repo.MainBranch()
	}
	ws.Base, err = repo.Head()
	if err != nil {
		ws.Release()
		return nil, fmt.Errorf("resolving base revision: %w", err)
	}

	if opts.ResumeBranch != "" {
		resumed, err := ws.seedResumeBranch(ctx, opts.ResumeBranch)
		if err != nil {
			ws.Release()
			return nil, err
		}
		ws.Resumed = resumed
	}

	return ws, nil
}

// Open reopens an existing working copy, typically one kept by a batch
// entry. The base is the target branch tip, not HEAD: a kept working
// copy carries the commits prepared earlier, and those must still count
// as changes to publish.
func Open(path string) (*Workspace, error) {
	repo, err := vcs.Open(path)
	if err != nil {
		return nil, err
	}
	ws := &Workspace{
		Path:   path,
		URL:    repo.URL,
		Repo:   repo,
		Main:   repo.MainBranch(),
		logger: slog.Default(),
	}
	base, err := repo.BranchTip(ws.Main)
	if err != nil {
		base, err = repo.Head()
		if err != nil {
			return nil, err
		}
	}
	ws.Base = base
	if ahead, err := repo.CommitsAhead(base); err == nil && ahead > 0 {
		ws.Resumed = true
	}
	return ws, nil
}

func cloneInto(ctx context.Context, opts Options, dir string, logger *slog.Logger) (*vcs.Repo, error) {
	if opts.CacheDir == "" {
		return vcs.Clone(ctx, opts.URL, dir, opts.Branch)
	}

	cachePath := filepath.Join(opts.CacheDir, cacheKey(opts.URL))
	if _, err := os.Stat(cachePath); err == nil {
		cached, err := vcs.Open(cachePath)
		if err == nil {
			if err := cached.Fetch(ctx); err != nil {
				logger.Warn("cache refresh failed, falling back to direct clone", "url", opts.URL, "error", err)
				return vcs.Clone(ctx, opts.URL, dir, opts.Branch)
			}
		}
	} else {
		if err := os.MkdirAll(opts.CacheDir, 0755); err != nil {
			return nil, err
		}
		if _, err := vcs.Clone(ctx, opts.URL, cachePath, ""); err != nil {
			return nil, err
		}
	}

	repo, err := vcs.Clone(ctx, cachePath, dir, opts.Branch)
	if err != nil {
		return nil, err
	}
	if err := repo.SetRemoteURL(ctx, opts.URL); err != nil {
		return nil, err
	}
	return repo, nil
}

func cacheKey(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:8])
}

// seedResumeBranch checks out the remote resume branch on top of the
// base. A missing branch is not an error; the run starts fresh.
func (w *Workspace) seedResumeBranch(ctx context.Context, branch string) (bool, error) {
	err := w.Repo.Fetch(ctx, branch)
	if err != nil {
		var be *vcs.BranchError
		if errors.As(err, &be) && be.Kind == vcs.KindMissing {
			return false, nil
		}
		return false, err
	}
	if err := w.Repo.CheckoutBranch(branch); err != nil {
		return false, fmt.Errorf("checking out resume branch: %w", err)
	}
	if err := w.Repo.ResetBranch(ctx, "origin/"+branch); err != nil {
		return false, err
	}
	w.logger.Debug("resumed existing branch", "branch", branch)
	return true, nil
}

// ResetToBase discards all commits and edits made since acquisition.
func (w *Workspace) ResetToBase(ctx context.Context) error {
	w.Resumed = false
	return w.Repo.ResetBranch(ctx, w.Base)
}

// Changed reports whether the workspace differs from the base, either as
// uncommitted edits or as committed work.
func (w *Workspace) Changed() (bool, error) {
	dirty, err := w.Repo.HasChanges()
	if err != nil {
		return false, err
	}
	if dirty {
		return true, nil
	}
	ahead, err := w.Repo.CommitsAhead(w.Base)
	if err != nil {
		return false, err
	}
	return ahead > 0, nil
}

// CommitsSinceBase counts commits on top of the base revision.
func (w *Workspace) CommitsSinceBase() (int, error) {
	return w.Repo.CommitsAhead(w.Base)
}

// MainMoved reports whether the remote target branch advanced past the
// base since acquisition, meaning published branches need a rebuild.
func (w *Workspace) MainMoved(ctx context.Context) (bool, error) {
	tip, err := w.Repo.RemoteHead(ctx, w.Main)
	if err != nil {
		return false, err
	}
	return tip != w.Base, nil
}

// Commit commits all pending edits. Returns "" when nothing was pending.
func (w *Workspace) Commit(message, committer string) (string, error) {
	return w.Repo.Commit(message, committer)
}

// Discard drops uncommitted edits.
func (w *Workspace) Discard(ctx context.Context) error {
	return w.Repo.DiscardChanges(ctx)
}

// Diff returns the diff of everything since the base revision.
func (w *Workspace) Diff(ctx context.Context) (string, error) {
	return w.Repo.Diff(ctx, w.Base)
}

// Keep prevents Release from deleting the working copy, used when a
// batch wants to revisit it later.
func (w *Workspace) Keep() {
	w.keep = true
}

// Release cleans up a temp working copy. Safe to call more than once and
// from a defer on every path.
func (w *Workspace) Release() {
	if w.released {
		return
	}
	w.released = true
	if w.temp && !w.keep {
		if err := os.RemoveAll(w.Path); err != nil {
			w.logger.Warn("removing workspace", "path", w.Path, "error", err)
		}
	}
}
