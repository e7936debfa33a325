package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
)

var templateFuncs = template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return "", err
		}
		return string(b), nil
	},
	"join":  strings.Join,
	"upper": strings.ToUpper,
}

// Template is a parsed prompt template.
type Template struct {
	t *template.Template
}

// ParseTemplate parses a prompt template. Missing keys are errors so a
// template cannot silently render against the wrong input shape.
func ParseTemplate(name, text string) (*Template, error) {
	t, err := template.New(name).Funcs(templateFuncs).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", name, err)
	}
	return &Template{t: t}, nil
}

// Render executes the template against a context record. It is a pure
// function of its arguments.
func (t *Template) Render(data any) (string, error) {
	var buf bytes.Buffer
	if err := t.t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", t.t.Name(), err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// Render parses and executes text in one step.
func Render(text string, data any) (string, error) {
	t, err := ParseTemplate("inline", text)
	if err != nil {
		return "", err
	}
	return t.Render(data)
}
