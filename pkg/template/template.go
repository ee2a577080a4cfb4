// Package template renders instruction text with caller-supplied variables.
// It wraps text/template with a small, deliberately restricted function map
// so untrusted instruction bodies cannot reach the filesystem or environment.
package template

import (
	"fmt"
	"strings"
	"text/template"
)

// funcs is the full set of functions available to instruction templates.
var funcs = template.FuncMap{
	"upper":   strings.ToUpper,
	"lower":   strings.ToLower,
	"title":   titleCase,
	"trim":    strings.TrimSpace,
	"replace": strings.ReplaceAll,
	"join":    strings.Join,
	"split":   strings.Split,
	"default": defaultValue,
}

// Render executes text as a Go text/template against vars. Unknown variables
// are an error rather than rendering as "<no value>", so typos in templates
// fail loudly at claim time instead of reaching an instance.
func Render(text string, vars map[string]string) (string, error) {
	if text == "" {
		return "", nil
	}
	tmpl, err := template.New("instructions").
		Funcs(funcs).
		Option("missingkey=error").
		Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, vars); err != nil {
		return "", fmt.Errorf("execute template: %w", err)
	}
	return sb.String(), nil
}

func titleCase(s string) string {
	parts := strings.Fields(s)
	for i, p := range parts {
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, " ")
}

func defaultValue(def, val string) string {
	if val == "" {
		return def
	}
	return val
}
