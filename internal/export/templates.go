package export

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
	"time"

	"cellucid/annotation/internal/annotation"
)

//go:embed templates/*.html
var templateFS embed.FS

var reportTemplate = template.Must(template.New("report.html").Funcs(template.FuncMap{
	"lower": strings.ToLower,
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
	"percent": func(v float64) string {
		return fmt.Sprintf("%.0f%%", v*100)
	},
}).ParseFS(templateFS, "templates/report.html"))

// TemplateData holds data for report template rendering
type TemplateData struct {
	Title       string
	Dataset     string
	Field       string
	Closed      bool
	Settings    annotation.Settings
	GeneratedAt time.Time
	Summary     TemplateSummary
	Categories  []TemplateCategory
}

type TemplateSummary struct {
	Consensus int
	Disputed  int
	Pending   int
}

// TemplateCategory is one bucket of the field.
type TemplateCategory struct {
	Index       int
	Status      annotation.Status
	Label       string
	Confidence  float64
	Voters      int
	Up          int
	Down        int
	Suggestions []TemplateSuggestion
}

// TemplateSuggestion is a bundle root with its merged members folded in.
type TemplateSuggestion struct {
	Label      string
	OntologyID string
	ProposedBy string
	Upvotes    int
	Downvotes  int
	Comments   int
	Merged     []string
	MergeNotes []string
}

// RenderReportHTML renders the report template with provided data
func RenderReportHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
