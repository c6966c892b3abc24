package event

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/media-service/internal/model"
)

// auditStore defines the interface for persisting audit records.
type auditStore interface {
	Record(ctx context.Context, rec model.AuditRecord) error
}

// Handler consumes media events: audit events are persisted,
// job outcomes are logged.
type Handler struct {
	store auditStore
}

// NewHandler creates a new handler with the given audit store.
func NewHandler(s auditStore) *Handler {
	return &Handler{store: s}
}

// Handle processes a Kafka message carrying a media event.
func (h *Handler) Handle(ctx context.Context, msg kafka.Message) error {
	return h.HandleEvent(ctx, msg.Value)
}

// HandleEvent processes one JSON-encoded media event regardless of transport.
func (h *Handler) HandleEvent(ctx context.Context, data []byte) error {
	var ev model.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("unmarshal event: %w", err)
	}

	switch ev.Type {
	case model.EventAudit:
		rec := model.AuditRecord{
			ActorID:   ev.ActorID,
			Action:    ev.Action,
			ImageID:   ev.ImageID,
			Details:   ev.Details,
			CreatedAt: ev.HappenedAt,
		}
		if err := h.store.Record(ctx, rec); err != nil {
			return fmt.Errorf("persist audit event: %w", err)
		}
	case model.EventJobCompleted, model.EventJobFailed:
		zlog.Logger.Info().
			Str("event", string(ev.Type)).
			Str("job_id", ev.JobID).
			Int64("image_id", ev.ImageID).
			Int64("duration_ms", ev.DurationMs).
			Str("error", ev.Error).
			Msg("media job finished")
	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}

	return nil
}
