// Package render fills commit message and proposal text templates with
// the context a codemod reported.
package render

import (
	"fmt"
	"strings"
	"text/template"
)

// Template renders a named template against a codemod's context map.
// Missing keys are an error rather than silently becoming "<no value>",
// so a recipe with a typo fails loudly instead of publishing garbage.
func Template(name, text string, context map[string]any) (string, error) {
	if text == "" {
		return "", nil
	}
	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parsing %s template: %w", name, err)
	}
	if context == nil {
		context = map[string]any{}
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, context); err != nil {
		return "", fmt.Errorf("rendering %s template: %w", name, err)
	}
	return b.String(), nil
}
