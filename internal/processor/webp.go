//go:build cgo

package processor

import (
	"image"
	"io"

	"github.com/kolesa-team/go-webp/encoder"
	"github.com/kolesa-team/go-webp/webp"
)

// WebPSupported reports whether this build can encode WebP variants.
const WebPSupported = true

func encodeWebP(w io.Writer, img image.Image, quality float32) error {
	options, err := encoder.NewLossyEncoderOptions(encoder.PresetDefault, quality)
	if err != nil {
		return err
	}

	return webp.Encode(w, img, options)
}
