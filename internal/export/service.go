package export

import (
	"context"
	"fmt"
	"time"

	"cellucid/annotation/internal/annotation"
)

// Source is the read side of the annotation engine used for reports.
type Source interface {
	Field(field string) annotation.FieldConfig
	FieldSettings(field string) annotation.Settings
	FieldConsensus(field string) []annotation.BucketConsensus
	Suggestions(key annotation.BucketKey) []annotation.Suggestion
}

type converter func(ctx context.Context, html, title string) (*Result, error)

// Service provides consensus report export
type Service struct {
	source  Source
	dataset string
	now     func() time.Time
	pdf     converter
	docx    converter
}

func NewService(source Source, dataset string) *Service {
	return &Service{
		source:  source,
		dataset: dataset,
		now:     time.Now,
		pdf:     exportPDF,
		docx:    exportDOCX,
	}
}

// Export renders the report for req.Field in the requested format
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	data, err := s.Build(req.Field)
	if err != nil {
		return nil, err
	}
	html, err := RenderReportHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch req.Format {
	case FormatHTML:
		return &Result{
			Data:     []byte(html),
			Filename: sanitizeFilename(data.Title) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	case FormatPDF:
		return s.pdf(ctx, html, data.Title)
	case FormatDOCX:
		return s.docx(ctx, html, data.Title)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
}

// Build collects the template data for one field.
func (s *Service) Build(field string) (TemplateData, error) {
	consensus := s.source.FieldConsensus(field)
	if len(consensus) == 0 {
		return TemplateData{}, fmt.Errorf("%w: %s", ErrNothingToExport, field)
	}

	data := TemplateData{
		Title:       fmt.Sprintf("Consensus report %s %s", s.dataset, field),
		Dataset:     s.dataset,
		Field:       field,
		Closed:      s.source.Field(field).Closed,
		Settings:    s.source.FieldSettings(field),
		GeneratedAt: s.now().UTC(),
	}

	for _, bc := range consensus {
		switch bc.Result.Status {
		case annotation.StatusConsensus:
			data.Summary.Consensus++
		case annotation.StatusDisputed:
			data.Summary.Disputed++
		default:
			data.Summary.Pending++
		}

		category := TemplateCategory{
			Index:      bc.Bucket.CategoryIndex,
			Status:     bc.Result.Status,
			Label:      bc.Result.Label,
			Confidence: bc.Result.Confidence,
			Voters:     bc.Result.Voters,
			Up:         bc.Result.Up,
			Down:       bc.Result.Down,
		}
		suggestions := s.source.Suggestions(bc.Bucket)
		folded := make(map[string]bool)
		for _, sg := range suggestions {
			for _, member := range sg.MergedFrom {
				folded[member.ID] = true
			}
		}
		for _, sg := range suggestions {
			if folded[sg.ID] {
				continue
			}
			row := TemplateSuggestion{
				Label:      sg.Label,
				OntologyID: sg.OntologyID,
				ProposedBy: sg.ProposedBy,
				Upvotes:    len(sg.Upvotes),
				Downvotes:  len(sg.Downvotes),
				Comments:   sg.CommentCount,
				MergeNotes: sg.MergeNotes,
			}
			for _, member := range sg.MergedFrom {
				row.Merged = append(row.Merged, member.Label)
			}
			category.Suggestions = append(category.Suggestions, row)
		}
		data.Categories = append(data.Categories, category)
	}
	return data, nil
}
