// Package validator checks uploaded bytes against their declared type before anything is persisted.
package validator

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"

	"github.com/aliskhannn/media-service/internal/model"
)

// DefaultMaxSize is the upload limit used when none is configured.
const DefaultMaxSize = 10 << 20

// ErrInvalidFormat is the sentinel every rejection unwraps to.
var ErrInvalidFormat = errors.New("invalid format")

// Error describes why an upload was rejected.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return "invalid format: " + e.Reason
}

func (e *Error) Unwrap() error {
	return ErrInvalidFormat
}

func reject(format string, args ...any) error {
	return &Error{Reason: fmt.Sprintf(format, args...)}
}

// Result is what a successful validation learned about the payload.
type Result struct {
	Format   model.Format
	MimeType string
	Size     int64
}

// Validator enforces size, allow-list and content/declaration consistency.
type Validator struct {
	maxSize int64
	allowed map[model.Format]struct{}
}

// New creates a Validator. A non-positive maxSize falls back to DefaultMaxSize,
// an empty allow-list allows every known format.
func New(maxSize int64, allowed []model.Format) *Validator {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if len(allowed) == 0 {
		allowed = []model.Format{model.FormatJPEG, model.FormatPNG, model.FormatGIF, model.FormatWebP, model.FormatSVG}
	}

	set := make(map[model.Format]struct{}, len(allowed))
	for _, f := range allowed {
		set[f] = struct{}{}
	}

	return &Validator{maxSize: maxSize, allowed: set}
}

// MaxSize returns the configured upload limit in bytes.
func (v *Validator) MaxSize() int64 {
	return v.maxSize
}

// Validate checks data against the declared MIME type and filename.
// A mismatch between content, MIME type and extension is rejected, never corrected.
func (v *Validator) Validate(data []byte, declaredMime, declaredFilename string) (Result, error) {
	size := int64(len(data))
	if size == 0 {
		return Result{}, reject("empty payload")
	}
	if size > v.maxSize {
		return Result{}, reject("payload of %d bytes exceeds limit of %d bytes", size, v.maxSize)
	}

	declared, ok := model.FormatFromMime(declaredMime)
	if !ok || !v.isAllowed(declared) {
		return Result{}, reject("mime type %q is not allowed", declaredMime)
	}

	ext := filepath.Ext(declaredFilename)
	byExt, ok := model.FormatFromExtension(ext)
	if !ok || !v.isAllowed(byExt) {
		return Result{}, reject("file extension %q is not allowed", ext)
	}

	detected, ok := Detect(data)
	if !ok {
		return Result{}, reject("unrecognized content (detected %s)", mimetype.Detect(data).String())
	}

	if detected != declared {
		return Result{}, reject("content is %s but mime type declares %s", detected, declared)
	}
	if detected != byExt {
		return Result{}, reject("content is %s but file extension is %q", detected, ext)
	}

	if detected == model.FormatSVG {
		if err := ScanSVG(data); err != nil {
			return Result{}, err
		}
	}

	return Result{Format: detected, MimeType: detected.MimeType(), Size: size}, nil
}

func (v *Validator) isAllowed(f model.Format) bool {
	_, ok := v.allowed[f]
	return ok
}

type signature struct {
	format model.Format
	match  func([]byte) bool
}

var signatures = []signature{
	{model.FormatJPEG, func(b []byte) bool { return bytes.HasPrefix(b, []byte{0xFF, 0xD8, 0xFF}) }},
	{model.FormatPNG, func(b []byte) bool { return bytes.HasPrefix(b, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}) }},
	{model.FormatGIF, func(b []byte) bool {
		return bytes.HasPrefix(b, []byte("GIF87a")) || bytes.HasPrefix(b, []byte("GIF89a"))
	}},
	{model.FormatWebP, func(b []byte) bool {
		return len(b) >= 12 && bytes.Equal(b[0:4], []byte("RIFF")) && bytes.Equal(b[8:12], []byte("WEBP"))
	}},
}

// Detect identifies the format from the leading bytes.
// Binary formats are matched by magic number; SVG is recognized as UTF-8 text with an svg root.
func Detect(data []byte) (model.Format, bool) {
	for _, s := range signatures {
		if s.match(data) {
			return s.format, true
		}
	}

	if looksLikeSVG(data) {
		return model.FormatSVG, true
	}

	return "", false
}

func looksLikeSVG(data []byte) bool {
	if mimetype.Detect(data).Is("image/svg+xml") {
		return true
	}
	if !utf8.Valid(data) {
		return false
	}

	return strings.Contains(strings.ToLower(string(data)), "<svg")
}

var (
	svgDenied = []string{"<script", "javascript:", "vbscript:", "<iframe", "<object", "<embed"}

	// on<event>= attributes, e.g. onload="..." or onclick = '...'.
	svgEventHandler = regexp.MustCompile(`(?i)[\s"'/]on[a-z]+\s*=`)
)

// ScanSVG rejects SVG text containing scriptable constructs.
// It is a textual heuristic, not an XML sanitizer: it errs towards rejection
// and does not attempt to clean documents.
func ScanSVG(data []byte) error {
	text := strings.ToLower(string(data))

	for _, d := range svgDenied {
		if strings.Contains(text, d) {
			return reject("svg contains forbidden construct %q", d)
		}
	}

	if loc := svgEventHandler.FindStringIndex(text); loc != nil {
		return reject("svg contains inline event handler %q", strings.TrimSpace(text[loc[0]:loc[1]]))
	}

	return nil
}
