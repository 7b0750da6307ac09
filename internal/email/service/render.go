package service

import (
	"html"
	"regexp"
	"strings"

	tpldomain "github.com/KanopusDev/Kale/internal/templates/domain"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Rendered is a template with variables substituted.
type Rendered struct {
	Subject string
	HTML    string
	Text    string
}

// MergeVariables overlays request variables on the template defaults.
func MergeVariables(defaults, vars map[string]string) map[string]string {
	out := make(map[string]string, len(defaults)+len(vars))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range vars {
		out[k] = v
	}
	return out
}

// Render substitutes {{name}} placeholders. Unknown names are left verbatim. Values are
// HTML-escaped in the HTML body and stripped of line breaks in the subject.
func Render(t tpldomain.Template, vars map[string]string) Rendered {
	return Rendered{
		Subject: substitute(t.Subject, vars, oneLine),
		HTML:    substitute(t.HTMLBody, vars, html.EscapeString),
		Text:    substitute(t.TextBody, vars, nil),
	}
}

func substitute(s string, vars map[string]string, enc func(string) string) string {
	if s == "" || !strings.Contains(s, "{{") {
		return s
	}
	return placeholder.ReplaceAllStringFunc(s, func(tok string) string {
		name := placeholder.FindStringSubmatch(tok)[1]
		v, ok := vars[name]
		if !ok {
			return tok
		}
		if enc != nil {
			return enc(v)
		}
		return v
	})
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(strings.NewReplacer("\r", " ", "\n", " ").Replace(s)), " ")
}
