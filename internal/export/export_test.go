package export

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"cellucid/annotation/internal/annotation"
	"cellucid/annotation/internal/rbac"
)

func reportEngine(t *testing.T) *annotation.Engine {
	t.Helper()
	e := annotation.New()
	mod := annotation.Actor{Username: "mod", Role: rbac.RoleAuthor}
	users := []annotation.Actor{
		{Username: "alice", Role: rbac.RoleContributor},
		{Username: "bob", Role: rbac.RoleContributor},
		{Username: "carol", Role: rbac.RoleContributor},
	}
	if err := e.SetFieldAnnotated("cell_type", true, mod); err != nil {
		t.Fatalf("SetFieldAnnotated() error = %v", err)
	}

	k0 := annotation.BucketKey{FieldKey: "cell_type", CategoryIndex: 0}
	k1 := annotation.BucketKey{FieldKey: "cell_type", CategoryIndex: 1}
	macro, err := e.AddSuggestion(k0, annotation.SuggestionInput{Label: "Macrophage", OntologyID: "CL:0000235"}, users[0])
	if err != nil {
		t.Fatalf("AddSuggestion() error = %v", err)
	}
	dup, err := e.AddSuggestion(k0, annotation.SuggestionInput{Label: "macrophages"}, users[1])
	if err != nil {
		t.Fatalf("AddSuggestion() error = %v", err)
	}
	if err := e.AddMerge(k0, dup, macro, "plural form", mod); err != nil {
		t.Fatalf("AddMerge() error = %v", err)
	}
	for _, u := range users {
		if _, err := e.Vote(k0, dup, u, annotation.Up); err != nil {
			t.Fatalf("Vote() error = %v", err)
		}
	}
	if _, err := e.AddSuggestion(k1, annotation.SuggestionInput{Label: "<b>T cell</b>"}, users[2]); err != nil {
		t.Fatalf("AddSuggestion() error = %v", err)
	}
	return e
}

func TestBuildReport(t *testing.T) {
	svc := NewService(reportEngine(t), "pbmc")
	svc.now = func() time.Time { return time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC) }

	data, err := svc.Build("cell_type")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(data.Categories) != 2 {
		t.Fatalf("expected 2 categories, got %d", len(data.Categories))
	}
	if data.Summary.Consensus != 1 || data.Summary.Pending != 1 {
		t.Fatalf("unexpected summary: %+v", data.Summary)
	}

	first := data.Categories[0]
	if first.Status != annotation.StatusConsensus || first.Label != "Macrophage" || first.Voters != 3 {
		t.Fatalf("unexpected first category: %+v", first)
	}
	if len(first.Suggestions) != 1 {
		t.Fatalf("merged member should fold into its root, got %+v", first.Suggestions)
	}
	root := first.Suggestions[0]
	if len(root.Merged) != 1 || root.Merged[0] != "macrophages" || root.MergeNotes[0] != "plural form" {
		t.Fatalf("unexpected root row: %+v", root)
	}

	if _, err := svc.Build("tissue"); !errors.Is(err, ErrNothingToExport) {
		t.Fatalf("Build(empty field) error = %v, want ErrNothingToExport", err)
	}
}

func TestExportHTMLEscapesLabels(t *testing.T) {
	svc := NewService(reportEngine(t), "pbmc")

	res, err := svc.Export(context.Background(), Request{Field: "cell_type", Format: FormatHTML})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	html := string(res.Data)
	for _, want := range []string{"Consensus report pbmc cell_type", "Macrophage", "merged: macrophages", "note: plural form", "Consensus: 1", "100%", "&lt;b&gt;T cell&lt;/b&gt;"} {
		if !strings.Contains(html, want) {
			t.Errorf("HTML missing %q", want)
		}
	}
	if strings.Contains(html, "<b>T cell</b>") {
		t.Error("suggestion label was not escaped")
	}
	if res.Filename != "Consensus-report-pbmc-cell_type.html" {
		t.Errorf("unexpected filename %q", res.Filename)
	}
}

func TestExportDispatchesConverters(t *testing.T) {
	svc := NewService(reportEngine(t), "pbmc")
	var called []string
	svc.pdf = func(_ context.Context, html, title string) (*Result, error) {
		called = append(called, "pdf")
		if !strings.Contains(html, "<html>") {
			t.Errorf("pdf converter got non-html input")
		}
		return &Result{Filename: sanitizeFilename(title) + ".pdf"}, nil
	}
	svc.docx = func(context.Context, string, string) (*Result, error) {
		called = append(called, "docx")
		return nil, ErrDOCXDependencyMissing
	}

	res, err := svc.Export(context.Background(), Request{Field: "cell_type", Format: FormatPDF})
	if err != nil {
		t.Fatalf("Export(pdf) error = %v", err)
	}
	if res.Filename != "Consensus-report-pbmc-cell_type.pdf" {
		t.Fatalf("unexpected filename %q", res.Filename)
	}
	if _, err := svc.Export(context.Background(), Request{Field: "cell_type", Format: FormatDOCX}); !errors.Is(err, ErrDOCXDependencyMissing) {
		t.Fatalf("Export(docx) error = %v", err)
	}
	if _, err := svc.Export(context.Background(), Request{Field: "cell_type", Format: "odt"}); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("Export(odt) error = %v", err)
	}
	if strings.Join(called, ",") != "pdf,docx" {
		t.Fatalf("unexpected converter calls %v", called)
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		input   string
		want    Format
		wantErr bool
	}{
		{"", FormatPDF, false},
		{"PDF", FormatPDF, false},
		{" docx ", FormatDOCX, false},
		{"html", FormatHTML, false},
		{"odt", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.input)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, %v", tt.input, got, err)
		}
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Consensus report pbmc cell_type", "Consensus-report-pbmc-cell_type"},
		{"a/b\\c:d", "abcd"},
		{"Zellen über alles", "Zellen-ber-alles"},
		{"", "report"},
		{"!!!", "report"},
		{strings.Repeat("x", 80), strings.Repeat("x", 60)},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := sanitizeFilename(tt.input)
			if result != tt.expected {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}
