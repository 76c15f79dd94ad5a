package vcs

import (
	"errors"
	"testing"
)

func TestClassifyRemoteError(t *testing.T) {
	tests := []struct {
		name   string
		output string
		kind   ErrorKind
		retry  bool
	}{
		{
			name:   "repository not found",
			output: "ERROR: Repository not found.\nfatal: Could not read from remote repository.",
			kind:   KindMissing,
		},
		{
			name:   "missing remote ref",
			output: "fatal: couldn't find remote ref refs/heads/sweep/fix",
			kind:   KindMissing,
		},
		{
			name:   "rate limited",
			output: "remote: API rate limit exceeded",
			kind:   KindRateLimited,
			retry:  true,
		},
		{
			name:   "service unavailable",
			output: "error: RPC failed; HTTP 503 curl 22 Service Unavailable",
			kind:   KindTemporarilyUnavailable,
			retry:  true,
		},
		{
			name:   "connection reset",
			output: "fatal: unable to access: Connection reset by peer",
			kind:   KindTemporarilyUnavailable,
			retry:  true,
		},
		{
			name:   "unknown failure",
			output: "fatal: something strange happened",
			kind:   KindUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyRemoteError("https://example.com/repo", tt.output)
			var be *BranchError
			if !errors.As(err, &be) {
				t.Fatalf("expected BranchError, got %v", err)
			}
			if be.Kind != tt.kind {
				t.Errorf("Kind = %q, want %q", be.Kind, tt.kind)
			}
			if be.Retryable() != tt.retry {
				t.Errorf("Retryable = %v, want %v", be.Retryable(), tt.retry)
			}
		})
	}
}

func TestClassifyPushDenied(t *testing.T) {
	outputs := []string{
		"remote: Permission to org/repo.git denied to sweep-bot.",
		"remote: GitLab: You are not allowed to push code to this project.",
		"remote: error: GH006: Protected branch update failed",
	}
	for _, out := range outputs {
		err := classifyRemoteError("https://example.com/repo", out)
		if !errors.Is(err, ErrPushDenied) {
			t.Errorf("output %q: expected ErrPushDenied, got %v", out, err)
		}
	}
}

func TestClassifyDiverged(t *testing.T) {
	err := classifyRemoteError("https://example.com/repo",
		"! [rejected] HEAD -> sweep/fix (non-fast-forward)")
	if !errors.Is(err, ErrDivergedBranch) {
		t.Errorf("expected ErrDivergedBranch, got %v", err)
	}
}

func TestSplitIdentity(t *testing.T) {
	name, email := splitIdentity("Sweep Bot <bot@example.com>")
	if name != "Sweep Bot" || email != "bot@example.com" {
		t.Errorf("got %q / %q", name, email)
	}
	name, email = splitIdentity("just-a-name")
	if name != "just-a-name" || email != "" {
		t.Errorf("got %q / %q", name, email)
	}
}
