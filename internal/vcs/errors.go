package vcs

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorKind classifies branch acquisition and push failures. The set is
// closed; callers switch on Kind or check Retryable.
type ErrorKind string

const (
	KindMissing                ErrorKind = "missing"
	KindUnavailable            ErrorKind = "unavailable"
	KindTemporarilyUnavailable ErrorKind = "temporarily-unavailable"
	KindRateLimited            ErrorKind = "rate-limited"
	KindUnsupported            ErrorKind = "unsupported"
)

// BranchError describes a failure to reach or modify a remote branch.
type BranchError struct {
	Kind        ErrorKind
	URL         string
	Description string

	// RetryAfter is set when the remote told us how long to back off.
	RetryAfter time.Duration
}

func (e *BranchError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: %s (%s)", e.URL, e.Description, e.Kind)
	}
	return fmt.Sprintf("%s: branch %s", e.URL, e.Kind)
}

// Retryable reports whether retrying the operation may succeed.
func (e *BranchError) Retryable() bool {
	return e.Kind == KindTemporarilyUnavailable || e.Kind == KindRateLimited
}

// ErrPushDenied means the remote refused the push for lack of write
// access. attempt-push mode falls back to a proposal on this error only.
var ErrPushDenied = errors.New("push denied by remote")

// ErrDivergedBranch means a non-forced push was rejected because the
// remote branch has commits we do not have.
var ErrDivergedBranch = errors.New("remote branch has diverged")

// classifyRemoteError maps git CLI output to the closed error set.
// Unrecognized output becomes KindUnavailable without retry metadata.
func classifyRemoteError(url, output string) error {
	out := strings.ToLower(output)
	switch {
	case strings.Contains(out, "permission denied") && strings.Contains(out, "fatal: could not read"):
		// SSH auth failure reads as unavailable, not a push rejection.
		return &BranchError{Kind: KindUnavailable, URL: url, Description: firstLine(output)}
	case strings.Contains(out, "permission to") && strings.Contains(out, "denied"),
		strings.Contains(out, "protected branch"),
		strings.Contains(out, "you are not allowed to push"):
		return fmt.Errorf("%w: %s", ErrPushDenied, firstLine(output))
	case strings.Contains(out, "repository not found"),
		strings.Contains(out, "could not read from remote repository"),
		strings.Contains(out, "does not appear to be a git repository"),
		strings.Contains(out, "couldn't find remote ref"):
		return &BranchError{Kind: KindMissing, URL: url, Description: firstLine(output)}
	case strings.Contains(out, "rate limit"), strings.Contains(out, "429"):
		return &BranchError{Kind: KindRateLimited, URL: url, Description: firstLine(output), RetryAfter: time.Minute}
	case strings.Contains(out, "503"), strings.Contains(out, "service unavailable"),
		strings.Contains(out, "connection timed out"),
		strings.Contains(out, "connection reset"),
		strings.Contains(out, "temporarily unavailable"):
		return &BranchError{Kind: KindTemporarilyUnavailable, URL: url, Description: firstLine(output)}
	case strings.Contains(out, "non-fast-forward"), strings.Contains(out, "fetch first"):
		return fmt.Errorf("%w: %s", ErrDivergedBranch, firstLine(output))
	case strings.Contains(out, "unsupported"), strings.Contains(out, "operation not supported"):
		return &BranchError{Kind: KindUnsupported, URL: url, Description: firstLine(output)}
	default:
		return &BranchError{Kind: KindUnavailable, URL: url, Description: firstLine(output)}
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
