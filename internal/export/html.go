// Package export renders a document state as a standalone HTML page for
// download and archival.
package export

import (
	"bytes"
	"html/template"
	"time"

	"tagdoc/api/internal/tags"
)

// SafeHTML marks a string as pre-sanitized HTML. Note bodies pass through the
// editor normalizer before they are stored, so they are safe to embed.
func SafeHTML(s any) template.HTML {
	switch v := s.(type) {
	case string:
		return template.HTML(v)
	case template.HTML:
		return v
	default:
		return template.HTML("")
	}
}

var stateTemplate = template.Must(template.New("state").Funcs(template.FuncMap{
	"safeHTML": SafeHTML,
	"display":  tags.Display,
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
}).Parse(stateTemplateText))

// TemplateData holds everything the state template renders.
type TemplateData struct {
	Title       string
	StateName   string
	GeneratedAt time.Time
	Sections    []tags.Section
}

// RenderStateHTML renders a full document state to a standalone HTML page.
func RenderStateHTML(stateName string, doc *tags.Document, generatedAt time.Time) (string, error) {
	data := TemplateData{
		Title:       doc.Title,
		StateName:   stateName,
		GeneratedAt: generatedAt,
		Sections:    doc.Sections,
	}
	var buf bytes.Buffer
	if err := stateTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const stateTemplateText = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .section { margin: 2rem 0; }
    .note { background: #f5f5f5; padding: 1rem; margin: 1rem 0; border-left: 3px solid #333; }
    .tags { color: #666; font-size: 0.85em; }
    .tag { background: #e8e8e8; border-radius: 3px; padding: 0 0.4em; margin-right: 0.3em; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">{{.StateName}} | exported {{formatDate .GeneratedAt "Jan 2, 2006 15:04"}}</div>
  {{range .Sections}}
  <div class="section">
    <h2>{{.Title}}</h2>
    {{if .Tags}}<div class="tags">{{range .Tags}}<span class="tag">{{display .}}</span>{{end}}</div>{{end}}
    {{range .Notes}}
    <div class="note">
      <h3>{{.Title}}</h3>
      {{if .Tags}}<div class="tags">{{range .Tags}}<span class="tag">{{display .}}</span>{{end}}</div>{{end}}
      <div>{{.BodyHTML | safeHTML}}</div>
    </div>
    {{end}}
  </div>
  {{end}}
</body>
</html>`
