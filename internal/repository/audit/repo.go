// Package audit stores the media audit trail in PostgreSQL.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/wb-go/wbf/dbpg"

	"github.com/aliskhannn/media-service/internal/model"
)

// Repository appends and reads audit records.
type Repository struct {
	db *dbpg.DB
}

// NewRepository creates a new Repository with the given DB connection.
func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

// Record appends one audit record.
func (r *Repository) Record(ctx context.Context, rec model.AuditRecord) error {
	details, err := json.Marshal(rec.Details)
	if err != nil {
		return fmt.Errorf("record: marshal details: %w", err)
	}
	if rec.Details == nil {
		details = []byte("{}")
	}

	var imageID sql.NullInt64
	if rec.ImageID != 0 {
		imageID = sql.NullInt64{Int64: rec.ImageID, Valid: true}
	}

	query := `
		INSERT INTO audit_log (actor_id, action, image_id, details, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))`

	var createdAt any
	if !rec.CreatedAt.IsZero() {
		createdAt = rec.CreatedAt
	}

	if _, err := r.db.ExecContext(ctx, query, rec.ActorID, rec.Action, imageID, details, createdAt); err != nil {
		return fmt.Errorf("record: insert audit record: %w", err)
	}

	return nil
}

// ListByImage returns the most recent audit records of an image.
func (r *Repository) ListByImage(ctx context.Context, imageID int64, limit int) ([]model.AuditRecord, error) {
	query := `
		SELECT id, actor_id, action, COALESCE(image_id, 0), details, created_at
		FROM audit_log
		WHERE image_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	rows, err := r.db.Master.QueryContext(ctx, query, imageID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var records []model.AuditRecord
	for rows.Next() {
		var rec model.AuditRecord
		var details []byte
		if err := rows.Scan(&rec.ID, &rec.ActorID, &rec.Action, &rec.ImageID, &details, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("list audit: scan: %w", err)
		}
		if err := json.Unmarshal(details, &rec.Details); err != nil {
			return nil, fmt.Errorf("list audit: unmarshal details: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}

	return records, nil
}
