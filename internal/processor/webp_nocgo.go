//go:build !cgo

package processor

import (
	"fmt"
	"image"
	"io"
)

// WebPSupported reports whether this build can encode WebP variants.
const WebPSupported = false

func encodeWebP(io.Writer, image.Image, float32) error {
	return fmt.Errorf("%w: webp encoding requires cgo", ErrUnsupportedFormat)
}
