// Package recipe loads codemod recipes and candidate repository lists
// from YAML files.
package recipe

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Mode selects how changes are published.
type Mode string

const (
	// ModePush pushes straight to the target branch.
	ModePush Mode = "push"

	// ModeAttemptPush pushes, falling back to a proposal when the
	// remote denies write access.
	ModeAttemptPush Mode = "attempt-push"

	// ModePropose always opens a merge proposal.
	ModePropose Mode = "propose"

	// ModeAuto lets the codemod's own result decide between push
	// and propose.
	ModeAuto Mode = "auto"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModePush, ModeAttemptPush, ModePropose, ModeAuto:
		return Mode(s), nil
	case "":
		return ModePropose, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// CommitPending controls whether leftover uncommitted changes are
// committed by the engine after the codemod ran.
type CommitPending string

const (
	// CommitPendingAuto commits when the codemod left edits behind but
	// made no commits of its own.
	CommitPendingAuto CommitPending = "auto"

	CommitPendingYes CommitPending = "yes"
	CommitPendingNo  CommitPending = "no"
)

// Command is a codemod invocation, written in YAML either as a shell
// string or as an argv list.
type Command []string

func (c *Command) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*c = Command{"sh", "-c", s}
		return nil
	case yaml.SequenceNode:
		var argv []string
		if err := node.Decode(&argv); err != nil {
			return err
		}
		*c = Command(argv)
		return nil
	}
	return fmt.Errorf("command must be a string or a list")
}

// MergeRequest configures the proposal side of a recipe. All text fields
// are templates over the codemod's context.
type MergeRequest struct {
	CommitMessage string `yaml:"commit-message"`
	Title         string `yaml:"title"`
	Description   string `yaml:"description"`

	// ProposeThreshold is the minimum codemod value needed before a
	// proposal is opened.
	ProposeThreshold *int `yaml:"propose-threshold"`

	AutoMerge bool `yaml:"auto-merge"`
}

// Recipe describes one codemod and how to publish its changes.
type Recipe struct {
	Name    string  `yaml:"name"`
	Command Command `yaml:"command"`

	Mode Mode `yaml:"mode"`

	// Resume lets the codemod continue from published partial work.
	Resume bool `yaml:"resume"`

	CommitPending CommitPending `yaml:"commit-pending"`

	Labels []string `yaml:"labels"`

	MergeRequest MergeRequest `yaml:"merge-request"`

	// TargetBranch overrides the detected main branch.
	TargetBranch string `yaml:"target-branch"`

	// Verify is an optional shell command run in the workspace after
	// the codemod; a nonzero exit fails the job.
	Verify string `yaml:"verify"`
}

// Load reads a recipe file. The name defaults to the file stem.
func Load(path string) (*Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r Recipe
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing recipe %s: %w", path, err)
	}
	if r.Name == "" {
		base := filepath.Base(path)
		r.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if len(r.Command) == 0 {
		return nil, fmt.Errorf("recipe %s: no command", path)
	}
	if r.Mode == "" {
		r.Mode = ModePropose
	} else if _, err := ParseMode(string(r.Mode)); err != nil {
		return nil, fmt.Errorf("recipe %s: %w", path, err)
	}
	if r.CommitPending == "" {
		r.CommitPending = CommitPendingAuto
	}
	return &r, nil
}

// BranchName returns the derived branch proposals are pushed to.
func (r *Recipe) BranchName() string {
	return "forgesweep/" + r.Name
}
