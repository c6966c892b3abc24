// Package storage defines the blob key layout shared by every blob store backend.
package storage

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aliskhannn/media-service/internal/model"
)

// Root is the key prefix every media blob lives under.
const Root = "uploads/images"

const (
	variantsDir = "variants"
	maxKeyLen   = 512
)

var (
	// ErrNotFound is returned by blob stores when a key does not exist.
	ErrNotFound = errors.New("blob not found")
	// ErrInvalidKey is returned for keys outside the media layout.
	ErrInvalidKey = errors.New("invalid blob key")
)

// OriginalDir returns the date-partitioned directory for originals uploaded at t.
func OriginalDir(t time.Time) string {
	return path.Join(Root, t.UTC().Format("2006-01"))
}

// VariantDir returns the variants directory next to an originals directory.
func VariantDir(originalDir string) string {
	return path.Join(originalDir, variantsDir)
}

// NewStoredFilename returns a collision-resistant filename that carries
// nothing from user input except the detected format's extension.
func NewStoredFilename(f model.Format) string {
	return uuid.NewString() + f.Extension()
}

// VariantFilename names a rendition of stored. Renditions that change format
// swap the extension, e.g. webp_<uuid>.webp.
func VariantFilename(t model.VariantType, stored string, f model.Format) string {
	name := stored
	if f != "" {
		name = strings.TrimSuffix(stored, path.Ext(stored)) + f.Extension()
	}

	return string(t) + "_" + name
}

// URL returns the public URL path of a key.
func URL(key string) string {
	return "/" + key
}

// KeyFromURL accepts either an absolute URL or a URL path and returns the blob key.
func KeyFromURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	key := strings.TrimPrefix(u.Path, "/")
	if err := ValidateKey(key); err != nil {
		return "", err
	}

	return key, nil
}

// ValidateKey checks that key is a clean relative path under Root.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	case len(key) > maxKeyLen:
		return fmt.Errorf("%w: key too long", ErrInvalidKey)
	case strings.Contains(key, "\x00"):
		return fmt.Errorf("%w: null byte", ErrInvalidKey)
	case strings.Contains(key, ".."):
		return fmt.Errorf("%w: path traversal", ErrInvalidKey)
	case path.Clean(key) != key:
		return fmt.Errorf("%w: key is not clean", ErrInvalidKey)
	case !strings.HasPrefix(key, Root+"/"):
		return fmt.Errorf("%w: key outside %s", ErrInvalidKey, Root)
	}

	return nil
}
