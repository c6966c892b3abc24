package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"time"

	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/media-service/internal/model"
	"github.com/aliskhannn/media-service/internal/storage"
)

// ErrNoVariants is returned when every rendition of an original failed.
var ErrNoVariants = errors.New("no variant could be generated")

// fileStorage defines the interface for blob storage.
// It allows saving and deleting files in a backend (e.g., local FS, MinIO).
type fileStorage interface {
	Save(ctx context.Context, subdir, filename string, src io.Reader) (string, error)
	Delete(ctx context.Context, key string) error
}

// variantGenerator derives encoded renditions from a decoded original.
type variantGenerator interface {
	Generate(src image.Image, srcFormat model.Format, spec model.VariantSpec) (Output, error)
	Encode(img image.Image, format model.Format) (Output, error)
}

// Processor renders the fixed variant table for an original and stores the results.
type Processor struct {
	fileStorage fileStorage
	generator   variantGenerator
}

// New creates a new Processor with the given blob store and generator.
func New(fs fileStorage, g variantGenerator) *Processor {
	return &Processor{fileStorage: fs, generator: g}
}

// Process decodes the task's original and renders every variant for it.
// It fails only when the original is undecodable or no variant could be produced;
// individual variant failures are reported in the result.
func (p *Processor) Process(ctx context.Context, task model.VariantTask) (model.VariantResult, error) {
	src, err := Decode(task.Original)
	if err != nil {
		return model.VariantResult{ImageID: task.ImageID}, err
	}

	res := p.Derive(ctx, src, task.Format, task.Dir, task.StoredFilename)
	res.ImageID = task.ImageID

	if len(res.Generated) == 0 {
		return res, fmt.Errorf("%w: %d failures", ErrNoVariants, len(res.Failures))
	}

	return res, nil
}

// Derive generates and stores each variant independently: one failing never aborts the others.
// dir is the originals directory; variants go to its variants subdirectory.
func (p *Processor) Derive(ctx context.Context, src image.Image, format model.Format, dir, storedFilename string) model.VariantResult {
	b := src.Bounds()
	res := model.VariantResult{SourceWidth: b.Dx(), SourceHeight: b.Dy()}
	variantDir := storage.VariantDir(dir)

	for _, spec := range model.ExpectedVariantSpecs(format) {
		if err := ctx.Err(); err != nil {
			res.Failures = append(res.Failures, model.VariantFailure{Type: spec.Type, Error: err.Error()})
			continue
		}

		started := time.Now()

		out, err := p.generator.Generate(src, format, spec)
		if err != nil {
			p.fail(&res, spec.Type, fmt.Errorf("generate: %w", err))
			continue
		}

		filename := storage.VariantFilename(spec.Type, storedFilename, spec.OutputFormat)
		key, err := p.fileStorage.Save(ctx, variantDir, filename, bytes.NewReader(out.Data))
		if err != nil {
			p.fail(&res, spec.Type, fmt.Errorf("save: %w", err))
			continue
		}

		res.Generated = append(res.Generated, model.GeneratedVariant{
			Variant: model.ImageVariant{
				Type:           spec.Type,
				StoredFilename: filename,
				Path:           key,
				Size:           out.Size(),
				Width:          out.Width,
				Height:         out.Height,
				Format:         out.Format,
			},
			Duration: time.Since(started).Milliseconds(),
		})
	}

	return res
}

// CropOriginal decodes original, cuts region out of it and re-encodes it in format.
// The cropped pixels are returned alongside so variants need not decode again.
func (p *Processor) CropOriginal(original []byte, format model.Format, region model.CropRegion) (Output, image.Image, error) {
	src, err := Decode(original)
	if err != nil {
		return Output{}, nil, err
	}

	cropped, err := Crop(src, region)
	if err != nil {
		return Output{}, nil, err
	}

	out, err := p.generator.Encode(cropped, format)
	if err != nil {
		return Output{}, nil, err
	}

	return out, cropped, nil
}

// Discard deletes the files of generated variants that will never be recorded.
// Failures are returned per file.
func (p *Processor) Discard(ctx context.Context, generated []model.GeneratedVariant) []error {
	var errs []error
	for _, g := range generated {
		if err := p.fileStorage.Delete(ctx, g.Variant.Path); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", g.Variant.Path, err))
		}
	}

	return errs
}

func (p *Processor) fail(res *model.VariantResult, t model.VariantType, err error) {
	zlog.Logger.Warn().
		Err(err).
		Str("variant", string(t)).
		Msg("variant generation failed")

	res.Failures = append(res.Failures, model.VariantFailure{Type: t, Error: err.Error()})
}
