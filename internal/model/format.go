package model

import "strings"

// Format is a detected image container format.
type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatGIF  Format = "gif"
	FormatWebP Format = "webp"
	FormatSVG  Format = "svg"
)

var formatMimeTypes = map[Format]string{
	FormatJPEG: "image/jpeg",
	FormatPNG:  "image/png",
	FormatGIF:  "image/gif",
	FormatWebP: "image/webp",
	FormatSVG:  "image/svg+xml",
}

var formatExtensions = map[Format][]string{
	FormatJPEG: {".jpg", ".jpeg", ".jpe"},
	FormatPNG:  {".png"},
	FormatGIF:  {".gif"},
	FormatWebP: {".webp"},
	FormatSVG:  {".svg"},
}

// MimeType returns the canonical MIME type of the format.
func (f Format) MimeType() string {
	return formatMimeTypes[f]
}

// Extension returns the canonical file extension, including the dot.
func (f Format) Extension() string {
	exts := formatExtensions[f]
	if len(exts) == 0 {
		return ""
	}

	return exts[0]
}

// Raster reports whether the format can be decoded into pixels.
func (f Format) Raster() bool {
	switch f {
	case FormatJPEG, FormatPNG, FormatGIF, FormatWebP:
		return true
	default:
		return false
	}
}

// FormatFromMime maps a MIME type (parameters ignored) to a Format.
func FormatFromMime(mime string) (Format, bool) {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	if mime == "image/jpg" || mime == "image/pjpeg" {
		return FormatJPEG, true
	}

	for f, m := range formatMimeTypes {
		if m == mime {
			return f, true
		}
	}

	return "", false
}

// FormatFromExtension maps a file extension (with or without the dot) to a Format.
func FormatFromExtension(ext string) (Format, bool) {
	ext = strings.ToLower(ext)
	if ext != "" && ext[0] != '.' {
		ext = "." + ext
	}

	for f, exts := range formatExtensions {
		for _, e := range exts {
			if e == ext {
				return f, true
			}
		}
	}

	return "", false
}
