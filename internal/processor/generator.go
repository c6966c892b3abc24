package processor

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"golang.org/x/image/font/basicfont"

	// Registers the WebP decoder with image.Decode.
	_ "golang.org/x/image/webp"

	"github.com/aliskhannn/media-service/internal/model"
)

var (
	// ErrDecode is returned when the original cannot be decoded into pixels.
	ErrDecode = errors.New("decode image")
	// ErrInvalidRegion is returned for crop regions outside the image bounds.
	ErrInvalidRegion = errors.New("invalid crop region")
	// ErrUnsupportedFormat is returned when asked to encode a non-raster format.
	ErrUnsupportedFormat = errors.New("unsupported output format")
)

const (
	defaultJPEGQuality = 85
	defaultWebPQuality = 80
	watermarkMargin    = 10
)

// Options tune encoding and watermarking.
type Options struct {
	JPEGQuality   int
	WebPQuality   float32
	WatermarkText string // empty disables watermarking
}

// Output is one encoded rendition, measured after encoding.
type Output struct {
	Data   []byte
	Width  int
	Height int
	Format model.Format
}

// Size returns the encoded size in bytes.
func (o Output) Size() int64 {
	return int64(len(o.Data))
}

// Generator turns decoded originals into encoded renditions.
type Generator struct {
	opts Options
}

// NewGenerator creates a Generator, filling zero options with defaults.
func NewGenerator(opts Options) *Generator {
	if opts.JPEGQuality <= 0 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = defaultJPEGQuality
	}
	if opts.WebPQuality <= 0 || opts.WebPQuality > 100 {
		opts.WebPQuality = defaultWebPQuality
	}

	return &Generator{opts: opts}
}

// Decode decodes raster bytes, applying EXIF orientation.
func Decode(data []byte) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	return img, nil
}

// Probe reads the pixel dimensions from the header without decoding the whole image.
func Probe(data []byte) (int, int, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	return cfg.Width, cfg.Height, nil
}

// Generate derives one rendition from src according to spec.
// Sources in srcFormat are re-encoded in the same format unless spec forces one.
func (g *Generator) Generate(src image.Image, srcFormat model.Format, spec model.VariantSpec) (Output, error) {
	if spec.Width <= 0 {
		return Output{}, fmt.Errorf("variant %s: invalid target width %d", spec.Type, spec.Width)
	}

	var out image.Image
	switch spec.Fit {
	case model.FitCover:
		height := spec.Height
		if height <= 0 {
			height = spec.Width
		}
		out = imaging.Fill(src, spec.Width, height, imaging.Center, imaging.Lanczos)
	default:
		out = bounded(src, spec.Width, spec.Height)
	}

	if spec.Watermark && g.opts.WatermarkText != "" {
		out = g.watermark(out)
	}

	format := srcFormat
	if spec.OutputFormat != "" {
		format = spec.OutputFormat
	}

	return g.Encode(out, format)
}

// Crop cuts region out of src. The region must lie within the image.
func Crop(src image.Image, region model.CropRegion) (image.Image, error) {
	b := src.Bounds()
	if region.Width <= 0 || region.Height <= 0 || region.X < 0 || region.Y < 0 ||
		region.X+region.Width > b.Dx() || region.Y+region.Height > b.Dy() {
		return nil, fmt.Errorf("%w: %dx%d at (%d,%d) on %dx%d image",
			ErrInvalidRegion, region.Width, region.Height, region.X, region.Y, b.Dx(), b.Dy())
	}

	rect := image.Rect(region.X, region.Y, region.X+region.Width, region.Y+region.Height).Add(b.Min)

	return imaging.Crop(src, rect), nil
}

// Encode encodes img in the given format and measures the result.
func (g *Generator) Encode(img image.Image, format model.Format) (Output, error) {
	buf := new(bytes.Buffer)

	var err error
	switch format {
	case model.FormatJPEG:
		err = imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(g.opts.JPEGQuality))
	case model.FormatPNG:
		err = imaging.Encode(buf, img, imaging.PNG)
	case model.FormatGIF:
		err = imaging.Encode(buf, img, imaging.GIF)
	case model.FormatWebP:
		err = encodeWebP(buf, img, g.opts.WebPQuality)
	default:
		return Output{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return Output{}, fmt.Errorf("encode %s: %w", format, err)
	}

	b := img.Bounds()

	return Output{
		Data:   buf.Bytes(),
		Width:  b.Dx(),
		Height: b.Dy(),
		Format: format,
	}, nil
}

// bounded scales src to fit in width x height (height 0 means proportional),
// never upscaling.
func bounded(src image.Image, width, height int) image.Image {
	b := src.Bounds()

	if height <= 0 {
		if b.Dx() <= width {
			return imaging.Clone(src)
		}
		return imaging.Resize(src, width, 0, imaging.Lanczos)
	}

	return imaging.Fit(src, width, height, imaging.Lanczos)
}

// watermark draws the configured text in the bottom-right corner.
// Images too small to hold the text are returned unchanged.
func (g *Generator) watermark(img image.Image) image.Image {
	dc := gg.NewContextForImage(img)
	dc.SetFontFace(basicfont.Face7x13)

	tw, th := dc.MeasureString(g.opts.WatermarkText)
	if tw+2*watermarkMargin > float64(dc.Width()) || th+2*watermarkMargin > float64(dc.Height()) {
		return img
	}

	x := float64(dc.Width()) - watermarkMargin
	y := float64(dc.Height()) - watermarkMargin

	// Shadow first so the text stays legible on light backgrounds.
	dc.SetColor(color.RGBA{A: 160})
	dc.DrawStringAnchored(g.opts.WatermarkText, x+1, y+1, 1, 1)
	dc.SetColor(color.White)
	dc.DrawStringAnchored(g.opts.WatermarkText, x, y, 1, 1)

	return dc.Image()
}
