// Package export renders per-field consensus reports as HTML, PDF and DOCX.
package export

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Format represents the export output format
type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

// ParseFormat accepts html, pdf or docx; blank means pdf.
func ParseFormat(raw string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(raw))); f {
	case "":
		return FormatPDF, nil
	case FormatHTML, FormatPDF, FormatDOCX:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, raw)
	}
}

// Request contains parameters for an export operation
type Request struct {
	Field  string
	Format Format
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrUnsupportedFormat indicates an unknown format was requested.
	ErrUnsupportedFormat = errors.New("export format unsupported")
	// ErrNothingToExport indicates the field has no suggestions.
	ErrNothingToExport = errors.New("export field has no suggestions")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates DOCX export runtime dependencies are unavailable.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)

const maxFilenameLen = 60

// sanitizeFilename keeps ASCII letters, digits, '-' and '_', turns spaces
// into '-' and drops everything else.
func sanitizeFilename(title string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r == ' ':
			return '-'
		case r == '-' || r == '_':
			return r
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			return r
		default:
			return -1
		}
	}, title)
	if len(name) > maxFilenameLen {
		name = name[:maxFilenameLen]
	}
	if name == "" {
		return "report"
	}
	return name
}
