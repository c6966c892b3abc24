package memory

import (
	"context"
	"sync"
	"time"

	"github.com/aliskhannn/media-service/internal/model"
)

// AuditLog is an in-process audit trail.
type AuditLog struct {
	mu      sync.RWMutex
	records []model.AuditRecord
}

// NewAuditLog creates an empty AuditLog.
func NewAuditLog() *AuditLog {
	return &AuditLog{}
}

// Record appends one audit record.
func (l *AuditLog) Record(_ context.Context, rec model.AuditRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec.ID = int64(len(l.records) + 1)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	l.records = append(l.records, rec)

	return nil
}

// ListByImage returns the most recent audit records of an image.
func (l *AuditLog) ListByImage(_ context.Context, imageID int64, limit int) ([]model.AuditRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []model.AuditRecord
	for i := len(l.records) - 1; i >= 0; i-- {
		if l.records[i].ImageID != imageID {
			continue
		}
		out = append(out, l.records[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}

	return out, nil
}
