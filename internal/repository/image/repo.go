package image

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/wb-go/wbf/dbpg"

	"github.com/aliskhannn/media-service/internal/model"
)

var (
	ErrImageNotFound = errors.New("image not found")
	ErrDuplicateHash = errors.New("image with this content hash already exists")
)

const uniqueViolation = "23505"

const imageColumns = `
	id, stored_filename, original_filename, path, size, width, height, format, mime_type,
	title, description, alt_text, content_hash, owner_id, status, job_id, attempts,
	processing_ms, created_at, updated_at`

const variantColumns = `
	id, image_id, type, stored_filename, path, size, width, height, format, created_at`

// Repository provides CRUD operations for images and their variants in PostgreSQL.
type Repository struct {
	db *dbpg.DB
}

// NewRepository creates a new Repository with the given DB connection.
func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanImage(s scanner) (model.Image, error) {
	var img model.Image
	err := s.Scan(
		&img.ID, &img.StoredFilename, &img.OriginalFilename, &img.Path, &img.Size, &img.Width, &img.Height,
		&img.Format, &img.MimeType, &img.Title, &img.Description, &img.AltText, &img.ContentHash,
		&img.OwnerID, &img.Status, &img.JobID, &img.Attempts, &img.ProcessingMs, &img.CreatedAt, &img.UpdatedAt,
	)
	return img, err
}

func scanVariant(s scanner) (model.ImageVariant, error) {
	var v model.ImageVariant
	err := s.Scan(&v.ID, &v.ImageID, &v.Type, &v.StoredFilename, &v.Path, &v.Size, &v.Width, &v.Height, &v.Format, &v.CreatedAt)
	return v, err
}

// CreateImage inserts a new image row. A content hash that already exists yields ErrDuplicateHash.
func (r *Repository) CreateImage(ctx context.Context, img model.Image) (model.Image, error) {
	query := `
		INSERT INTO images (
			stored_filename, original_filename, path, size, width, height, format, mime_type,
			title, description, alt_text, content_hash, owner_id, status, job_id, attempts
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING ` + imageColumns

	created, err := scanImage(r.db.Master.QueryRowContext(ctx, query,
		img.StoredFilename, img.OriginalFilename, img.Path, img.Size, img.Width, img.Height,
		img.Format, img.MimeType, img.Title, img.Description, img.AltText, img.ContentHash,
		img.OwnerID, img.Status, img.JobID, img.Attempts,
	))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation && pqErr.Constraint == "images_content_hash_key" {
			return model.Image{}, ErrDuplicateHash
		}
		return model.Image{}, fmt.Errorf("create: failed to insert image: %w", err)
	}

	return created, nil
}

// GetImage retrieves an image and its variants by ID.
func (r *Repository) GetImage(ctx context.Context, id int64) (model.Image, error) {
	return r.getImageWhere(ctx, "id = $1", id)
}

// GetImageByHash retrieves an image and its variants by content hash.
func (r *Repository) GetImageByHash(ctx context.Context, hash string) (model.Image, error) {
	return r.getImageWhere(ctx, "content_hash = $1", hash)
}

// GetImageByPath retrieves the image owning the given original or variant path.
func (r *Repository) GetImageByPath(ctx context.Context, path string) (model.Image, error) {
	return r.getImageWhere(ctx, "path = $1 OR id IN (SELECT image_id FROM image_variants WHERE path = $1)", path)
}

func (r *Repository) getImageWhere(ctx context.Context, where string, arg any) (model.Image, error) {
	query := `SELECT ` + imageColumns + ` FROM images WHERE ` + where + ` LIMIT 1`

	img, err := scanImage(r.db.Master.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Image{}, ErrImageNotFound
		}
		return model.Image{}, fmt.Errorf("get: failed to get image: %w", err)
	}

	img.Variants, err = r.ListVariants(ctx, img.ID)
	if err != nil {
		return model.Image{}, err
	}

	return img, nil
}

// ListVariants returns the variants of an image in generation order.
func (r *Repository) ListVariants(ctx context.Context, imageID int64) ([]model.ImageVariant, error) {
	return listVariants(ctx, r.db.Master, imageID)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listVariants(ctx context.Context, q queryer, imageID int64) ([]model.ImageVariant, error) {
	query := `
		SELECT ` + variantColumns + `
		FROM image_variants
		WHERE image_id = $1
		ORDER BY array_position(ARRAY['thumbnail', 'small', 'medium', 'large', 'webp'], type)`

	rows, err := q.QueryContext(ctx, query, imageID)
	if err != nil {
		return nil, fmt.Errorf("list variants: %w", err)
	}
	defer rows.Close()

	var variants []model.ImageVariant
	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			return nil, fmt.Errorf("list variants: scan: %w", err)
		}
		variants = append(variants, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list variants: %w", err)
	}

	return variants, nil
}

// ListImages returns images newest first. A zero ownerID lists every owner.
func (r *Repository) ListImages(ctx context.Context, ownerID int64, limit, offset int) ([]model.Image, error) {
	query := `
		SELECT ` + imageColumns + `
		FROM images
		WHERE ($1::bigint = 0 OR owner_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`

	return r.listImages(ctx, query, ownerID, limit, offset)
}

// ListStale returns images in one of statuses last updated before olderThan, oldest first.
func (r *Repository) ListStale(ctx context.Context, statuses []model.Status, olderThan time.Time, limit int) ([]model.Image, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	query := `
		SELECT ` + imageColumns + `
		FROM images
		WHERE status = ANY($1) AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3`

	return r.listImages(ctx, query, pq.Array(names), olderThan, limit)
}

func (r *Repository) listImages(ctx context.Context, query string, args ...any) ([]model.Image, error) {
	rows, err := r.db.Master.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	defer rows.Close()

	var images []model.Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("list images: scan: %w", err)
		}
		images = append(images, img)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}

	return images, nil
}

// UpdateStatus sets the processing status of an image.
func (r *Repository) UpdateStatus(ctx context.Context, id int64, status model.Status) error {
	query := `
		UPDATE images
		SET status = $1, updated_at = now()
		WHERE id = $2`

	return r.exec(ctx, "update status", query, status, id)
}

// SetJob records the job processing an image and how many attempts it has had.
func (r *Repository) SetJob(ctx context.Context, id int64, jobID string, attempts int) error {
	query := `
		UPDATE images
		SET job_id = $1, attempts = $2, updated_at = now()
		WHERE id = $3`

	return r.exec(ctx, "set job", query, jobID, attempts, id)
}

// UpdateDetails sets the user-editable text fields and returns the updated image.
func (r *Repository) UpdateDetails(ctx context.Context, id int64, d model.Details) (model.Image, error) {
	query := `
		UPDATE images
		SET title = $1, description = $2, alt_text = $3, updated_at = now()
		WHERE id = $4`

	if err := r.exec(ctx, "update details", query, d.Title, d.Description, d.AltText, id); err != nil {
		return model.Image{}, err
	}

	return r.GetImage(ctx, id)
}

// CompleteProcessing records generated variants, replacing any of the same type,
// and sets the final dimensions, status and processing time in one transaction.
// It returns ErrImageNotFound when the image was deleted meanwhile.
func (r *Repository) CompleteProcessing(ctx context.Context, id int64, c model.Completion) (model.Image, error) {
	tx, err := r.db.Master.BeginTx(ctx, nil)
	if err != nil {
		return model.Image{}, fmt.Errorf("complete: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var locked int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM images WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Image{}, ErrImageNotFound
		}
		return model.Image{}, fmt.Errorf("complete: lock image: %w", err)
	}

	if err := upsertVariants(ctx, tx, id, c.Variants); err != nil {
		return model.Image{}, fmt.Errorf("complete: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE images
		SET width = $1, height = $2, status = $3, processing_ms = $4, updated_at = now()
		WHERE id = $5`, c.Width, c.Height, c.Status, c.ProcessingMs, id)
	if err != nil {
		return model.Image{}, fmt.Errorf("complete: update image: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.Image{}, fmt.Errorf("complete: commit: %w", err)
	}

	return r.GetImage(ctx, id)
}

// ReplaceOriginal swaps the original file fields and the full variant set of next.ID
// in one transaction and returns the image as it was before the swap.
func (r *Repository) ReplaceOriginal(ctx context.Context, next model.Image) (model.Image, error) {
	tx, err := r.db.Master.BeginTx(ctx, nil)
	if err != nil {
		return model.Image{}, fmt.Errorf("replace: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	prev, err := scanImage(tx.QueryRowContext(ctx, `SELECT `+imageColumns+` FROM images WHERE id = $1 FOR UPDATE`, next.ID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Image{}, ErrImageNotFound
		}
		return model.Image{}, fmt.Errorf("replace: lock image: %w", err)
	}

	prev.Variants, err = listVariants(ctx, tx, next.ID)
	if err != nil {
		return model.Image{}, fmt.Errorf("replace: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE images
		SET stored_filename = $1, path = $2, size = $3, width = $4, height = $5, status = $6,
		    processing_ms = $7, updated_at = now()
		WHERE id = $8`,
		next.StoredFilename, next.Path, next.Size, next.Width, next.Height, next.Status, next.ProcessingMs, next.ID)
	if err != nil {
		return model.Image{}, fmt.Errorf("replace: update image: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM image_variants WHERE image_id = $1`, next.ID); err != nil {
		return model.Image{}, fmt.Errorf("replace: delete variants: %w", err)
	}

	if err := upsertVariants(ctx, tx, next.ID, next.Variants); err != nil {
		return model.Image{}, fmt.Errorf("replace: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.Image{}, fmt.Errorf("replace: commit: %w", err)
	}

	return prev, nil
}

func upsertVariants(ctx context.Context, tx *sql.Tx, imageID int64, variants []model.ImageVariant) error {
	query := `
		INSERT INTO image_variants (image_id, type, stored_filename, path, size, width, height, format)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (image_id, type) DO UPDATE
		SET stored_filename = EXCLUDED.stored_filename,
		    path = EXCLUDED.path,
		    size = EXCLUDED.size,
		    width = EXCLUDED.width,
		    height = EXCLUDED.height,
		    format = EXCLUDED.format,
		    created_at = now()`

	for _, v := range variants {
		_, err := tx.ExecContext(ctx, query, imageID, v.Type, v.StoredFilename, v.Path, v.Size, v.Width, v.Height, v.Format)
		if err != nil {
			return fmt.Errorf("upsert variant %s: %w", v.Type, err)
		}
	}

	return nil
}

// DeleteImage deletes an image row and returns it with the variants it had when
// deleted. The row is locked first, so a concurrent CompleteProcessing either
// commits before and its variants are returned, or finds the image gone.
func (r *Repository) DeleteImage(ctx context.Context, id int64) (model.Image, error) {
	tx, err := r.db.Master.BeginTx(ctx, nil)
	if err != nil {
		return model.Image{}, fmt.Errorf("delete: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	img, err := scanImage(tx.QueryRowContext(ctx, `SELECT `+imageColumns+` FROM images WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Image{}, ErrImageNotFound
		}
		return model.Image{}, fmt.Errorf("delete: lock image: %w", err)
	}

	img.Variants, err = listVariants(ctx, tx, id)
	if err != nil {
		return model.Image{}, fmt.Errorf("delete: %w", err)
	}

	// Variants go with the row by cascade.
	if _, err := tx.ExecContext(ctx, `DELETE FROM images WHERE id = $1`, id); err != nil {
		return model.Image{}, fmt.Errorf("delete: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.Image{}, fmt.Errorf("delete: commit: %w", err)
	}

	return img, nil
}

func (r *Repository) exec(ctx context.Context, op, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: failed to get number of rows affected: %w", op, err)
	}

	if n == 0 {
		return ErrImageNotFound
	}

	return nil
}
