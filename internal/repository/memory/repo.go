// Package memory is an in-process metadata store with the same contract as the
// PostgreSQL repository. It backs development runs and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aliskhannn/media-service/internal/model"
	imagerepo "github.com/aliskhannn/media-service/internal/repository/image"
)

// Repository keeps images and variants in maps guarded by a mutex.
type Repository struct {
	mu        sync.RWMutex
	images    map[int64]model.Image
	variants  map[int64][]model.ImageVariant
	byHash    map[string]int64
	nextID    int64
	nextVarID int64
	now       func() time.Time
}

// NewRepository creates an empty Repository.
func NewRepository() *Repository {
	return &Repository{
		images:   make(map[int64]model.Image),
		variants: make(map[int64][]model.ImageVariant),
		byHash:   make(map[string]int64),
		now:      time.Now,
	}
}

// CreateImage stores a new image. Content hashes are unique.
func (r *Repository) CreateImage(_ context.Context, img model.Image) (model.Image, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byHash[img.ContentHash]; ok {
		return model.Image{}, imagerepo.ErrDuplicateHash
	}

	r.nextID++
	now := r.now().UTC()
	img.ID = r.nextID
	img.CreatedAt = now
	img.UpdatedAt = now
	img.Variants = nil

	r.images[img.ID] = img
	r.byHash[img.ContentHash] = img.ID

	return img, nil
}

// GetImage returns an image with its variants.
func (r *Repository) GetImage(_ context.Context, id int64) (model.Image, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.get(id)
}

// GetImageByHash returns the image with the given content hash.
func (r *Repository) GetImageByHash(_ context.Context, hash string) (model.Image, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byHash[hash]
	if !ok {
		return model.Image{}, imagerepo.ErrImageNotFound
	}

	return r.get(id)
}

// GetImageByPath returns the image owning an original or variant path.
func (r *Repository) GetImageByPath(_ context.Context, path string) (model.Image, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, img := range r.images {
		if img.Path == path {
			return r.get(id)
		}
		for _, v := range r.variants[id] {
			if v.Path == path {
				return r.get(id)
			}
		}
	}

	return model.Image{}, imagerepo.ErrImageNotFound
}

// ListVariants returns the variants of an image in generation order.
func (r *Repository) ListVariants(_ context.Context, imageID int64) ([]model.ImageVariant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.copyVariants(imageID), nil
}

// ListImages returns images newest first. A zero ownerID lists every owner.
func (r *Repository) ListImages(_ context.Context, ownerID int64, limit, offset int) ([]model.Image, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.Image
	for _, img := range r.images {
		if ownerID == 0 || img.OwnerID == ownerID {
			out = append(out, img)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})

	return page(out, limit, offset), nil
}

// ListStale returns images in one of statuses last updated before olderThan, oldest first.
func (r *Repository) ListStale(_ context.Context, statuses []model.Status, olderThan time.Time, limit int) ([]model.Image, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	want := make(map[model.Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	var out []model.Image
	for _, img := range r.images {
		if want[img.Status] && img.UpdatedAt.Before(olderThan) {
			out = append(out, img)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })

	return page(out, limit, 0), nil
}

// UpdateStatus sets the processing status of an image.
func (r *Repository) UpdateStatus(_ context.Context, id int64, status model.Status) error {
	return r.update(id, func(img *model.Image) { img.Status = status })
}

// SetJob records the job processing an image and how many attempts it has had.
func (r *Repository) SetJob(_ context.Context, id int64, jobID string, attempts int) error {
	return r.update(id, func(img *model.Image) {
		img.JobID = jobID
		img.Attempts = attempts
	})
}

// UpdateDetails sets the user-editable text fields.
func (r *Repository) UpdateDetails(ctx context.Context, id int64, d model.Details) (model.Image, error) {
	err := r.update(id, func(img *model.Image) {
		img.Title = d.Title
		img.Description = d.Description
		img.AltText = d.AltText
	})
	if err != nil {
		return model.Image{}, err
	}

	return r.GetImage(ctx, id)
}

// CompleteProcessing records generated variants, replacing any of the same type,
// and sets the final dimensions, status and processing time atomically.
func (r *Repository) CompleteProcessing(_ context.Context, id int64, c model.Completion) (model.Image, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	img, ok := r.images[id]
	if !ok {
		return model.Image{}, imagerepo.ErrImageNotFound
	}

	r.upsertVariants(id, c.Variants)

	img.Width = c.Width
	img.Height = c.Height
	img.Status = c.Status
	img.ProcessingMs = c.ProcessingMs
	img.UpdatedAt = r.now().UTC()
	r.images[id] = img

	return r.get(id)
}

// ReplaceOriginal swaps the original file fields and the variant set of next.ID
// atomically and returns the image as it was before.
func (r *Repository) ReplaceOriginal(_ context.Context, next model.Image) (model.Image, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, err := r.get(next.ID)
	if err != nil {
		return model.Image{}, err
	}

	img := r.images[next.ID]
	img.StoredFilename = next.StoredFilename
	img.Path = next.Path
	img.Size = next.Size
	img.Width = next.Width
	img.Height = next.Height
	img.Status = next.Status
	img.ProcessingMs = next.ProcessingMs
	img.UpdatedAt = r.now().UTC()
	r.images[next.ID] = img

	r.variants[next.ID] = nil
	r.upsertVariants(next.ID, next.Variants)

	return prev, nil
}

// DeleteImage removes an image and its variants and returns them as they were
// at the moment of removal.
func (r *Repository) DeleteImage(_ context.Context, id int64) (model.Image, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	img, err := r.get(id)
	if err != nil {
		return model.Image{}, err
	}

	delete(r.images, id)
	delete(r.variants, id)
	delete(r.byHash, img.ContentHash)

	return img, nil
}

func (r *Repository) get(id int64) (model.Image, error) {
	img, ok := r.images[id]
	if !ok {
		return model.Image{}, imagerepo.ErrImageNotFound
	}

	img.Variants = r.copyVariants(id)

	return img, nil
}

func (r *Repository) update(id int64, fn func(*model.Image)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	img, ok := r.images[id]
	if !ok {
		return imagerepo.ErrImageNotFound
	}

	fn(&img)
	img.UpdatedAt = r.now().UTC()
	r.images[id] = img

	return nil
}

// upsertVariants keeps at most one variant per type. Callers hold the write lock.
func (r *Repository) upsertVariants(imageID int64, variants []model.ImageVariant) {
	now := r.now().UTC()
	current := r.variants[imageID]

	for _, v := range variants {
		v.ImageID = imageID
		v.CreatedAt = now

		replaced := false
		for i := range current {
			if current[i].Type == v.Type {
				v.ID = current[i].ID
				current[i] = v
				replaced = true
				break
			}
		}
		if !replaced {
			r.nextVarID++
			v.ID = r.nextVarID
			current = append(current, v)
		}
	}

	r.variants[imageID] = current
}

func (r *Repository) copyVariants(imageID int64) []model.ImageVariant {
	src := r.variants[imageID]
	if len(src) == 0 {
		return nil
	}

	order := make(map[model.VariantType]int, model.VariantCount)
	for i, s := range model.VariantSpecs {
		order[s.Type] = i
	}

	out := make([]model.ImageVariant, len(src))
	copy(out, src)
	sort.Slice(out, func(i, j int) bool { return order[out[i].Type] < order[out[j].Type] })

	return out
}

func page(images []model.Image, limit, offset int) []model.Image {
	if offset >= len(images) {
		return nil
	}
	images = images[offset:]

	if limit > 0 && limit < len(images) {
		images = images[:limit]
	}

	return images
}
