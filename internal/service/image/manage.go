package image

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aliskhannn/media-service/internal/auth"
	"github.com/aliskhannn/media-service/internal/model"
	imagerepo "github.com/aliskhannn/media-service/internal/repository/image"
	"github.com/aliskhannn/media-service/internal/storage"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	auditTrailLimit  = 100
)

// DeleteTarget selects an image by id or by the URL of any of its files.
type DeleteTarget struct {
	ID  int64  `json:"id"`
	URL string `json:"url"`
}

// DeleteResult reports a delete. Errors lists files that could not be removed.
type DeleteResult struct {
	Success bool     `json:"success"`
	Errors  []string `json:"errors,omitempty"`
}

// File is an open original or variant.
type File struct {
	Body        io.ReadCloser
	ContentType string
	Size        int64
	Name        string
}

// Get returns an image with its variants.
func (s *Service) Get(ctx context.Context, r model.Requester, id int64) (model.Image, error) {
	return s.getManaged(ctx, r, id)
}

// List returns the requester's images, or everyone's for media managers, newest first.
func (s *Service) List(ctx context.Context, r model.Requester, limit, offset int) ([]model.Image, error) {
	if !s.authz.Authorize(r, auth.View) {
		return nil, ErrForbidden
	}

	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	owner := r.UserID
	if s.authz.Authorize(r, auth.ManageMedia) {
		owner = 0
	}

	images, err := s.repo.ListImages(ctx, owner, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: list images: %w", ErrStorage, err)
	}

	return images, nil
}

// Update sets the sanitised title, description and alt text of an image.
func (s *Service) Update(ctx context.Context, r model.Requester, id int64, d model.Details) (model.Image, error) {
	if _, err := s.getManaged(ctx, r, id); err != nil {
		return model.Image{}, err
	}

	img, err := s.repo.UpdateDetails(ctx, id, sanitizeDetails(d))
	if err != nil {
		if errors.Is(err, imagerepo.ErrImageNotFound) {
			return model.Image{}, ErrNotFound
		}
		return model.Image{}, fmt.Errorf("%w: update details: %w", ErrStorage, err)
	}

	s.audit.Record(r.UserID, model.ActionUpdate, id, map[string]any{
		"title":    img.Title,
		"alt_text": img.AltText,
	})

	return img, nil
}

// Delete removes an image row and then every file it owned at the moment of removal.
// A job still running for the image finds it gone and discards its output.
func (s *Service) Delete(ctx context.Context, r model.Requester, target DeleteTarget) (DeleteResult, error) {
	img, err := s.resolve(ctx, target)
	if err != nil {
		return DeleteResult{}, err
	}

	if !s.authz.CanManage(r, img.OwnerID) {
		return DeleteResult{}, ErrForbidden
	}

	deleted, err := s.repo.DeleteImage(ctx, img.ID)
	if err != nil {
		if errors.Is(err, imagerepo.ErrImageNotFound) {
			return DeleteResult{}, ErrNotFound
		}
		return DeleteResult{}, fmt.Errorf("%w: delete image: %w", ErrStorage, err)
	}

	errs := s.deleteFiles(ctx, deleted)

	s.audit.Record(r.UserID, model.ActionDelete, deleted.ID, map[string]any{
		"filename": deleted.OriginalFilename,
		"files":    len(deleted.Variants) + 1,
	})

	return DeleteResult{Success: true, Errors: errs}, nil
}

// OpenFile opens the original (variant "" or "original") or one variant of an image.
func (s *Service) OpenFile(ctx context.Context, r model.Requester, id int64, variant string) (File, error) {
	if !s.authz.Authorize(r, auth.View) {
		return File{}, ErrForbidden
	}

	img, err := s.getImage(ctx, id)
	if err != nil {
		return File{}, err
	}

	if variant == "" || variant == "original" {
		return s.open(ctx, img.Path, img.MimeType, img.StoredFilename)
	}

	t, ok := model.ParseVariantType(variant)
	if !ok {
		return File{}, fmt.Errorf("%w: unknown variant %q", ErrValidation, variant)
	}

	v, ok := img.VariantByType(t)
	if !ok {
		return File{}, ErrNotFound
	}

	return s.open(ctx, v.Path, v.Format.MimeType(), v.StoredFilename)
}

// OpenByKey opens a file by its public path. Only files recorded as an
// original or variant are served.
func (s *Service) OpenByKey(ctx context.Context, key string) (File, error) {
	if err := storage.ValidateKey(key); err != nil {
		return File{}, ErrNotFound
	}

	img, err := s.repo.GetImageByPath(ctx, key)
	if err != nil {
		if errors.Is(err, imagerepo.ErrImageNotFound) {
			return File{}, ErrNotFound
		}
		return File{}, fmt.Errorf("%w: find by path: %w", ErrStorage, err)
	}

	if img.Path == key {
		return s.open(ctx, key, img.MimeType, img.StoredFilename)
	}
	for _, v := range img.Variants {
		if v.Path == key {
			return s.open(ctx, key, v.Format.MimeType(), v.StoredFilename)
		}
	}

	return File{}, ErrNotFound
}

// AuditTrail returns the most recent audit records of an image.
func (s *Service) AuditTrail(ctx context.Context, r model.Requester, id int64) ([]model.AuditRecord, error) {
	if _, err := s.getManaged(ctx, r, id); err != nil {
		return nil, err
	}
	if s.auditLog == nil {
		return []model.AuditRecord{}, nil
	}

	records, err := s.auditLog.ListByImage(ctx, id, auditTrailLimit)
	if err != nil {
		return nil, fmt.Errorf("%w: list audit records: %w", ErrStorage, err)
	}

	return records, nil
}

func (s *Service) open(ctx context.Context, key, contentType, name string) (File, error) {
	rc, err := s.fileStorage.Load(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return File{}, ErrNotFound
		}
		return File{}, fmt.Errorf("%w: load %s: %w", ErrStorage, key, err)
	}

	f := File{Body: rc, ContentType: contentType, Size: -1, Name: name}
	if sized, ok := rc.(interface{ Size() int64 }); ok {
		f.Size = sized.Size()
	}

	return f, nil
}

func (s *Service) resolve(ctx context.Context, target DeleteTarget) (model.Image, error) {
	if target.ID > 0 {
		return s.getImage(ctx, target.ID)
	}
	if target.URL == "" {
		return model.Image{}, fmt.Errorf("%w: id or url is required", ErrValidation)
	}

	key, err := storage.KeyFromURL(target.URL)
	if err != nil {
		return model.Image{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	img, err := s.repo.GetImageByPath(ctx, key)
	if err != nil {
		if errors.Is(err, imagerepo.ErrImageNotFound) {
			return model.Image{}, ErrNotFound
		}
		return model.Image{}, fmt.Errorf("%w: find by path: %w", ErrStorage, err)
	}

	return img, nil
}

// getManaged loads an image the requester owns or may manage.
func (s *Service) getManaged(ctx context.Context, r model.Requester, id int64) (model.Image, error) {
	img, err := s.getImage(ctx, id)
	if err != nil {
		return model.Image{}, err
	}

	if !s.authz.CanManage(r, img.OwnerID) {
		return model.Image{}, ErrForbidden
	}

	return img, nil
}

func (s *Service) getImage(ctx context.Context, id int64) (model.Image, error) {
	img, err := s.repo.GetImage(ctx, id)
	if err != nil {
		if errors.Is(err, imagerepo.ErrImageNotFound) {
			return model.Image{}, ErrNotFound
		}
		return model.Image{}, fmt.Errorf("%w: get image: %w", ErrStorage, err)
	}

	return img, nil
}
