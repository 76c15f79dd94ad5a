package codemod

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Protocol version reported to codemods via SVP_API.
const APIVersion = "1"

// Well-known result codes. Codemods may report other codes; anything
// other than "success" or "nothing-to-do" is treated as a failure code.
const (
	CodeSuccess      = "success"
	CodeNothingToDo  = "nothing-to-do"
	CodeCommandError = "command-error"
)

// Result is the structured outcome a codemod writes to the path in
// SVP_RESULT. It is also the checkpoint unit passed back to a resumed
// codemod via SVP_RESUME; the engine never interprets Context beyond
// handing it to template rendering.
type Result struct {
	Code        string   `json:"code"`
	Transient   *bool    `json:"transient,omitempty"`
	Stage       []string `json:"stage,omitempty"`
	Description string   `json:"description,omitempty"`
	Value       *int     `json:"value,omitempty"`
	Tags        []string `json:"tags,omitempty"`

	// Context is an opaque map consumed only by template rendering.
	Context map[string]any `json:"context,omitempty"`

	TargetBranchURL       string `json:"target-branch-url,omitempty"`
	CommitMessage         string `json:"commit-message,omitempty"`
	Title                 string `json:"title,omitempty"`
	SufficientForProposal *bool  `json:"sufficient-for-proposal,omitempty"`
}

// ParseResult decodes a result document. Unknown optional fields are
// tolerated; a missing code defaults to "success" since codemods that
// exit 0 without declaring a code are successful by contract.
func ParseResult(data []byte) (*Result, error) {
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing result: %w", err)
	}
	if r.Code == "" {
		r.Code = CodeSuccess
	}
	return &r, nil
}

// ReadResultFile reads and parses a result file. Returns (nil, nil) if
// the file does not exist, which callers treat as "no result written".
func ReadResultFile(path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return ParseResult(data)
}

// WriteResultFile serializes a result for hand-off to a resumed run.
func WriteResultFile(path string, r *Result) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Success reports whether the result code indicates the codemod
// completed, including the nothing-to-do case.
func (r *Result) Success() bool {
	return r.Code == CodeSuccess || r.Code == CodeNothingToDo
}

// NothingToDo reports whether the codemod found no applicable work.
func (r *Result) NothingToDo() bool {
	return r.Code == CodeNothingToDo
}

// Retryable reports whether a failure was declared transient.
func (r *Result) Retryable() bool {
	return r.Transient != nil && *r.Transient
}

// ValueOr returns the reported value, or def when none was reported.
func (r *Result) ValueOr(def int) int {
	if r.Value == nil {
		return def
	}
	return *r.Value
}

// HasTag reports whether the codemod attached the given tag.
func (r *Result) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

func (r *Result) String() string {
	var b strings.Builder
	b.WriteString(r.Code)
	if r.Description != "" {
		b.WriteString(": ")
		b.WriteString(r.Description)
	}
	if len(r.Stage) > 0 {
		fmt.Fprintf(&b, " (stage: %s)", strings.Join(r.Stage, "/"))
	}
	return b.String()
}
