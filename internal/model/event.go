package model

import "time"

// EventType is the routing name of a published media event.
type EventType string

const (
	EventJobCompleted EventType = "media.job.completed"
	EventJobFailed    EventType = "media.job.failed"
	EventAudit        EventType = "media.audit"
)

// Audit actions.
const (
	ActionUpload = "upload"
	ActionCrop   = "crop"
	ActionDelete = "delete"
	ActionUpdate = "update"
)

// Event is the envelope published on the media event bus.
type Event struct {
	Type       EventType      `json:"type"`
	JobID      string         `json:"job_id,omitempty"`
	JobType    JobType        `json:"job_type,omitempty"`
	ImageID    int64          `json:"image_id,omitempty"`
	ActorID    int64          `json:"actor_id,omitempty"`
	Action     string         `json:"action,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMs int64          `json:"duration_ms,omitempty"`
	HappenedAt time.Time      `json:"happened_at"`
}

// AuditRecord is a persisted audit log entry.
type AuditRecord struct {
	ID        int64          `json:"id"`
	ActorID   int64          `json:"actor_id"`
	Action    string         `json:"action"`
	ImageID   int64          `json:"image_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
