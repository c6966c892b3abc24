package image

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/media-service/internal/auth"
	"github.com/aliskhannn/media-service/internal/hash"
	"github.com/aliskhannn/media-service/internal/model"
	"github.com/aliskhannn/media-service/internal/processor"
	imagerepo "github.com/aliskhannn/media-service/internal/repository/image"
	"github.com/aliskhannn/media-service/internal/storage"
)

// Upload is one file received from a client.
type Upload struct {
	Data     []byte
	Filename string // untrusted, kept for display only
	MimeType string // as declared by the client
	Details  model.Details
}

// IngestResult is what Ingest hands back before any variant exists.
type IngestResult struct {
	Image     model.Image
	JobID     string
	Duplicate bool
}

// Ingest validates and deduplicates an upload, stores the original, creates its
// metadata row and schedules variant generation. It never waits for the variants.
func (s *Service) Ingest(ctx context.Context, r model.Requester, up Upload) (IngestResult, error) {
	if !s.authz.Authorize(r, auth.UploadMedia) {
		return IngestResult{}, ErrForbidden
	}

	res, err := s.validator.Validate(up.Data, up.MimeType, up.Filename)
	if err != nil {
		return IngestResult{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	var width, height int
	if res.Format.Raster() {
		width, height, err = processor.Probe(up.Data)
		if err != nil {
			return IngestResult{}, fmt.Errorf("%w: %w", ErrValidation, err)
		}
		if err := s.checkCanvas(width, height); err != nil {
			return IngestResult{}, err
		}
	}

	contentHash := hash.Sum(up.Data)

	existing, err := s.repo.GetImageByHash(ctx, contentHash)
	switch {
	case err == nil:
		return IngestResult{Image: existing, JobID: existing.JobID, Duplicate: true}, nil
	case !errors.Is(err, imagerepo.ErrImageNotFound):
		return IngestResult{}, fmt.Errorf("%w: find by hash: %w", ErrStorage, err)
	}

	now := s.now().UTC()
	dir := storage.OriginalDir(now)
	stored := storage.NewStoredFilename(res.Format)

	key, err := s.fileStorage.Save(ctx, dir, stored, bytes.NewReader(up.Data))
	if err != nil {
		return IngestResult{}, fmt.Errorf("%w: save original: %w", ErrStorage, err)
	}

	status := model.StatusPending
	if len(model.ExpectedVariants(res.Format)) == 0 {
		status = model.StatusCompleted
	}

	details := sanitizeDetails(up.Details)
	img, err := s.repo.CreateImage(ctx, model.Image{
		StoredFilename:   stored,
		OriginalFilename: sanitizeFilename(up.Filename),
		Path:             key,
		Size:             res.Size,
		Width:            width,
		Height:           height,
		Format:           res.Format,
		MimeType:         res.MimeType,
		Title:            details.Title,
		Description:      details.Description,
		AltText:          details.AltText,
		ContentHash:      contentHash,
		OwnerID:          r.UserID,
		Status:           status,
	})
	if err != nil {
		s.removeFile(ctx, key)

		// Lost a concurrent upload race for the same content.
		if errors.Is(err, imagerepo.ErrDuplicateHash) {
			existing, getErr := s.repo.GetImageByHash(ctx, contentHash)
			if getErr != nil {
				return IngestResult{}, fmt.Errorf("%w: find by hash: %w", ErrStorage, getErr)
			}
			return IngestResult{Image: existing, JobID: existing.JobID, Duplicate: true}, nil
		}

		return IngestResult{}, fmt.Errorf("%w: create image: %w", ErrStorage, err)
	}

	zlog.Logger.Info().
		Int64("image_id", img.ID).
		Str("format", string(img.Format)).
		Int64("size", img.Size).
		Msg("original stored")

	var jobID string
	if status == model.StatusPending {
		jobID, err = s.enqueue(ctx, model.VariantTask{
			ImageID:        img.ID,
			Original:       up.Data,
			Format:         img.Format,
			StoredFilename: img.StoredFilename,
			Dir:            dir,
			Attempt:        1,
		})
		if err != nil {
			// The row stays pending; the reconciler schedules it later.
			zlog.Logger.Error().Err(err).Int64("image_id", img.ID).Msg("failed to enqueue variant job")
		} else {
			img.JobID = jobID
			img.Attempts = 1
		}
	}

	s.audit.Record(r.UserID, model.ActionUpload, img.ID, map[string]any{
		"filename": img.OriginalFilename,
		"format":   string(img.Format),
		"size":     img.Size,
	})

	return IngestResult{Image: img, JobID: jobID}, nil
}

// checkCanvas rejects dimensions whose decoded bitmap would exceed the pixel limit.
// Headers are cheap to forge, so this runs before any full decode is scheduled.
func (s *Service) checkCanvas(width, height int) error {
	if int64(width)*int64(height) > s.opts.MaxPixels {
		return fmt.Errorf("%w: %dx%d exceeds the limit of %d pixels", ErrValidation, width, height, s.opts.MaxPixels)
	}

	return nil
}

func (s *Service) removeFile(ctx context.Context, key string) {
	if err := s.fileStorage.Delete(ctx, key); err != nil {
		zlog.Logger.Warn().Err(err).Str("path", key).Msg("failed to remove file")
	}
}
