package image

import (
	"html"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/aliskhannn/media-service/internal/model"
)

const (
	maxTitleLen       = 255
	maxAltTextLen     = 255
	maxDescriptionLen = 2000
	maxFilenameLen    = 255
)

// sanitizeDetails escapes markup, strips control characters and caps lengths.
func sanitizeDetails(d model.Details) model.Details {
	return model.Details{
		Title:       sanitizeText(d.Title, maxTitleLen),
		Description: sanitizeText(d.Description, maxDescriptionLen),
		AltText:     sanitizeText(d.AltText, maxAltTextLen),
	}
}

func sanitizeText(s string, limit int) string {
	s = strings.ToValidUTF8(s, "")
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)

	// Truncate before escaping so entities are never cut in half.
	s = truncate(s, limit)

	return html.EscapeString(s)
}

// sanitizeFilename keeps the user-supplied name for display only.
func sanitizeFilename(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}

	return truncate(sanitizeText(name, maxFilenameLen), maxFilenameLen)
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}

	return string([]rune(s)[:limit])
}
