package image

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/media-service/internal/model"
	"github.com/aliskhannn/media-service/internal/processor"
	imagerepo "github.com/aliskhannn/media-service/internal/repository/image"
	"github.com/aliskhannn/media-service/internal/storage"
)

// CropResult is the re-derived image and the non-fatal problems met on the way.
type CropResult struct {
	Image  model.Image `json:"image"`
	Errors []string    `json:"errors,omitempty"`
}

// Crop cuts region out of the original, stores it under a fresh filename,
// regenerates every variant synchronously and swaps the metadata over.
// Old files are deleted only after the swap.
func (s *Service) Crop(ctx context.Context, r model.Requester, id int64, region model.CropRegion) (CropResult, error) {
	img, err := s.getManaged(ctx, r, id)
	if err != nil {
		return CropResult{}, err
	}

	if !img.Format.Raster() {
		return CropResult{}, fmt.Errorf("%w: %s images cannot be cropped", ErrValidation, img.Format)
	}
	if !img.Status.Terminal() {
		return CropResult{}, ErrConflict
	}
	if err := checkRegion(region, img.Width, img.Height); err != nil {
		return CropResult{}, err
	}

	original, err := s.readFile(ctx, img.Path)
	if err != nil {
		return CropResult{}, err
	}

	started := time.Now()

	out, cropped, err := s.processor.CropOriginal(original, img.Format, region)
	if err != nil {
		if errors.Is(err, processor.ErrInvalidRegion) {
			return CropResult{}, fmt.Errorf("%w: %w", ErrValidation, err)
		}
		return CropResult{}, fmt.Errorf("%w: %w", ErrTransform, err)
	}

	dir := storage.OriginalDir(s.now().UTC())
	stored := storage.NewStoredFilename(img.Format)

	key, err := s.fileStorage.Save(ctx, dir, stored, bytes.NewReader(out.Data))
	if err != nil {
		return CropResult{}, fmt.Errorf("%w: save cropped original: %w", ErrStorage, err)
	}

	vr := s.processor.Derive(ctx, cropped, img.Format, dir, stored)
	if len(vr.Generated) == 0 {
		s.removeFile(ctx, key)
		return CropResult{}, fmt.Errorf("%w: no variant could be regenerated", ErrTransform)
	}

	next := img
	next.StoredFilename = stored
	next.Path = key
	next.Size = out.Size()
	next.Width = out.Width
	next.Height = out.Height
	next.Status = model.StatusCompleted
	next.ProcessingMs = time.Since(started).Milliseconds()
	next.Variants = make([]model.ImageVariant, 0, len(vr.Generated))
	for _, g := range vr.Generated {
		v := g.Variant
		v.ImageID = img.ID
		next.Variants = append(next.Variants, v)
	}

	prev, err := s.repo.ReplaceOriginal(ctx, next)
	if err != nil {
		s.discard(ctx, vr.Generated)
		s.removeFile(ctx, key)

		if errors.Is(err, imagerepo.ErrImageNotFound) {
			return CropResult{}, ErrNotFound
		}
		return CropResult{}, fmt.Errorf("%w: replace original: %w", ErrStorage, err)
	}

	var errs []string
	for _, f := range vr.Failures {
		errs = append(errs, fmt.Sprintf("variant %s: %s", f.Type, f.Error))
	}
	errs = append(errs, s.deleteFiles(ctx, prev)...)

	updated, err := s.repo.GetImage(ctx, img.ID)
	if err != nil {
		zlog.Logger.Warn().Err(err).Int64("image_id", img.ID).Msg("failed to reload cropped image")
		updated = next
	}

	s.audit.Record(r.UserID, model.ActionCrop, img.ID, map[string]any{
		"x":      region.X,
		"y":      region.Y,
		"width":  region.Width,
		"height": region.Height,
	})

	return CropResult{Image: updated, Errors: errs}, nil
}

func checkRegion(region model.CropRegion, width, height int) error {
	switch {
	case region.Width <= 0 || region.Height <= 0:
		return fmt.Errorf("%w: crop size must be positive", ErrValidation)
	case region.X < 0 || region.Y < 0:
		return fmt.Errorf("%w: crop offset must not be negative", ErrValidation)
	case region.X+region.Width > width || region.Y+region.Height > height:
		return fmt.Errorf("%w: crop region exceeds %dx%d", ErrValidation, width, height)
	}

	return nil
}

// deleteFiles removes every variant file of img, then its original.
// Failures are collected, never escalated.
func (s *Service) deleteFiles(ctx context.Context, img model.Image) []string {
	var errs []string

	for _, v := range img.Variants {
		if err := s.fileStorage.Delete(ctx, v.Path); err != nil {
			zlog.Logger.Warn().Err(err).Str("path", v.Path).Msg("failed to delete variant file")
			errs = append(errs, fmt.Sprintf("delete %s: %v", v.Path, err))
		}
	}

	if err := s.fileStorage.Delete(ctx, img.Path); err != nil {
		zlog.Logger.Warn().Err(err).Str("path", img.Path).Msg("failed to delete original file")
		errs = append(errs, fmt.Sprintf("delete %s: %v", img.Path, err))
	}

	return errs
}

func (s *Service) readFile(ctx context.Context, key string) ([]byte, error) {
	rc, err := s.fileStorage.Load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %w", ErrStorage, key, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrStorage, key, err)
	}

	return data, nil
}
