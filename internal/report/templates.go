package report

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"studiodesk/api/internal/store"
)

// markdown renders generated text. Raw HTML in the source is dropped.
var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

var reportTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
	"money": func(v float64) string {
		return fmt.Sprintf("%.2f", v)
	},
	"status": func(s store.TaskStatus) string {
		return strings.ReplaceAll(string(s), "_", " ")
	},
}).Parse(reportHTML))

// TemplateData holds data for report template rendering
type TemplateData struct {
	Title       string
	Summary     Summary
	InsightHTML template.HTML
}

// RenderMarkdown converts generator output to HTML.
func RenderMarkdown(source string) (template.HTML, error) {
	if strings.TrimSpace(source) == "" {
		return "", nil
	}
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(source), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return template.HTML(buf.String()), nil
}

// RenderHTML renders the summary, with insight as markdown, to a standalone
// page.
func RenderHTML(title string, summary Summary, insight string) (string, error) {
	insightHTML, err := RenderMarkdown(insight)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(title) == "" {
		title = "Workspace report"
	}
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, TemplateData{Title: title, Summary: summary, InsightHTML: insightHTML}); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const reportHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.5; max-width: 800px; margin: 2rem auto; color: #222; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    table { border-collapse: collapse; width: 100%; margin-bottom: 1.5rem; }
    th, td { text-align: left; padding: 0.3rem 0.5rem; border-bottom: 1px solid #ddd; }
    .insight { background: #f5f5f5; padding: 1rem; border-left: 3px solid #333; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">Generated {{formatDate .Summary.GeneratedAt "Jan 2, 2006 15:04 MST"}} | {{.Summary.TotalTasks}} tasks | open value {{money .Summary.OpenValue}}</div>

  <h2>Status</h2>
  <table>
    {{range .Summary.ByStatus}}<tr><td>{{status .Status}}</td><td>{{.Count}}</td></tr>
    {{end}}
  </table>

  {{if .Summary.Assignees}}
  <h2>Workload</h2>
  <table>
    <tr><th>Person</th><th>Open</th><th>Done</th></tr>
    {{range .Summary.Assignees}}<tr><td>{{if .Name}}{{.Name}}{{else}}{{.UserID}}{{end}}</td><td>{{.Open}}</td><td>{{.Done}}</td></tr>
    {{end}}
  </table>
  {{end}}

  {{if .Summary.Overdue}}
  <h2>Overdue</h2>
  <ul>
    {{range .Summary.Overdue}}<li>{{.Title}} (due {{.DueDate}}){{if .Assignee}} - {{.Assignee}}{{end}}</li>
    {{end}}
  </ul>
  {{end}}

  {{if .Summary.Blocked}}
  <h2>Blocked</h2>
  <ul>
    {{range .Summary.Blocked}}<li>{{.Title}}{{if .Assignee}} - {{.Assignee}}{{end}}</li>
    {{end}}
  </ul>
  {{end}}

  {{if .Summary.Clients}}
  <h2>Clients</h2>
  <table>
    <tr><th>Client</th><th>Open tasks</th><th>Open value</th></tr>
    {{range .Summary.Clients}}<tr><td>{{if .Name}}{{.Name}}{{else}}{{.ClientID}}{{end}}</td><td>{{.OpenTasks}}</td><td>{{money .OpenValue}}</td></tr>
    {{end}}
  </table>
  {{end}}

  {{if .InsightHTML}}
  <h2>Insight</h2>
  <div class="insight">{{.InsightHTML}}</div>
  {{end}}
</body>
</html>`
