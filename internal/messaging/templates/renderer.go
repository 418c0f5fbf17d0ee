package templates

import (
	"bytes"
	"fmt"
	"text/template"
)

// Renderer renders small text templates for outbound messaging.
type Renderer struct{}

// Render compiles the provided template text with strict missing-key semantics.
func (Renderer) Render(name, tmpl string, data any) (string, error) {
	if tmpl == "" {
		return "", fmt.Errorf("templates: template text required")
	}
	t, err := template.New(name).Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("templates: parse: %w", err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("templates: execute: %w", err)
	}
	return buf.String(), nil
}

// OfferTemplate is the default body for slot offers. The claim reference
// doubles as the quick-reply payload.
const OfferTemplate = `{{if .Business}}{{.Business}}: {{end}}A spot just opened up for {{.Slot}}. ` +
	`Reply CLAIM {{.Ref}} to book it, or NO {{.Ref}} to pass. ` +
	`This offer expires at {{.Expires}}. First to claim gets it.`

// OfferData feeds OfferTemplate.
type OfferData struct {
	Business string
	Slot     string
	Ref      string
	Expires  string
}
