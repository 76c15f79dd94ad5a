package recipe

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Candidate is one repository a batch run may operate on.
type Candidate struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"`

	// Branch pins the base branch; empty means the remote default.
	Branch string `yaml:"branch"`

	// Subpath runs the codemod in a subdirectory of the working copy.
	Subpath string `yaml:"subpath"`

	// DefaultMode overrides the recipe's publish mode for this
	// repository.
	DefaultMode Mode `yaml:"default-mode"`
}

// ShortName is the candidate's display name, derived from the URL when
// no explicit name was given.
func (c *Candidate) ShortName() string {
	if c.Name != "" {
		return c.Name
	}
	url := strings.TrimSuffix(strings.TrimRight(c.URL, "/"), ".git")
	if i := strings.LastIndexAny(url, "/:"); i >= 0 {
		return url[i+1:]
	}
	return url
}

// LoadCandidates reads a candidate list file. The file is a YAML list
// whose entries are either bare URLs or candidate mappings.
func LoadCandidates(path string) ([]Candidate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw []yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing candidates %s: %w", path, err)
	}
	candidates := make([]Candidate, 0, len(raw))
	for i, node := range raw {
		var c Candidate
		switch node.Kind {
		case yaml.ScalarNode:
			if err := node.Decode(&c.URL); err != nil {
				return nil, fmt.Errorf("candidates %s entry %d: %w", path, i, err)
			}
		case yaml.MappingNode:
			if err := node.Decode(&c); err != nil {
				return nil, fmt.Errorf("candidates %s entry %d: %w", path, i, err)
			}
		default:
			return nil, fmt.Errorf("candidates %s entry %d: must be a URL or a mapping", path, i)
		}
		if c.URL == "" {
			return nil, fmt.Errorf("candidates %s entry %d: missing url", path, i)
		}
		if c.DefaultMode != "" {
			if _, err := ParseMode(string(c.DefaultMode)); err != nil {
				return nil, fmt.Errorf("candidates %s entry %d: %w", path, i, err)
			}
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}
