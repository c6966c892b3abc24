// Package events publishes media job outcomes and audit records.
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/media-service/internal/model"
	"github.com/aliskhannn/media-service/internal/queue"
)

const defaultPublishTimeout = 5 * time.Second

// Publisher delivers events to an external bus.
type Publisher interface {
	Publish(ctx context.Context, ev model.Event) error
	Close() error
}

// auditStore persists audit records directly, bypassing the bus.
type auditStore interface {
	Record(ctx context.Context, rec model.AuditRecord) error
}

// Nop is a Publisher that drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, model.Event) error { return nil }

func (Nop) Close() error { return nil }

// Bus emits events asynchronously. Emission never blocks or fails the caller:
// delivery errors are logged and dropped.
type Bus struct {
	publisher Publisher
	audit     auditStore
	timeout   time.Duration
	now       func() time.Time

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewBus creates a Bus. audit may be nil when audit records reach storage through the bus.
func NewBus(p Publisher, audit auditStore, timeout time.Duration) *Bus {
	if p == nil {
		p = Nop{}
	}
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}

	return &Bus{
		publisher: p,
		audit:     audit,
		timeout:   timeout,
		now:       time.Now,
	}
}

// Record emits an audit record for an action on an image. Fire-and-forget.
func (b *Bus) Record(actorID int64, action string, imageID int64, details map[string]any) {
	now := b.now().UTC()

	b.goSafe(func(ctx context.Context) {
		if b.audit != nil {
			rec := model.AuditRecord{ActorID: actorID, Action: action, ImageID: imageID, Details: details, CreatedAt: now}
			if err := b.audit.Record(ctx, rec); err != nil {
				zlog.Logger.Warn().Err(err).Str("action", action).Int64("image_id", imageID).Msg("failed to store audit record")
			}
		}

		b.publish(ctx, model.Event{
			Type:       model.EventAudit,
			ImageID:    imageID,
			ActorID:    actorID,
			Action:     action,
			Details:    details,
			HappenedAt: now,
		})
	})
}

// OnJob publishes a job's terminal result. It satisfies queue.Listener.
func (b *Bus) OnJob(r queue.Result) {
	ev := model.Event{
		Type:       model.EventJobCompleted,
		JobID:      r.JobID,
		JobType:    r.Type,
		DurationMs: r.Duration().Milliseconds(),
		HappenedAt: r.FinishedAt.UTC(),
	}
	if r.Err != nil {
		ev.Type = model.EventJobFailed
		ev.Error = r.Err.Error()
	}

	switch p := r.Payload.(type) {
	case model.VariantTask:
		ev.ImageID = p.ImageID
		ev.Details = map[string]any{"attempt": p.Attempt}
	case *model.VariantTask:
		ev.ImageID = p.ImageID
		ev.Details = map[string]any{"attempt": p.Attempt}
	}

	if res, ok := r.Value.(model.VariantResult); ok {
		if ev.Details == nil {
			ev.Details = make(map[string]any)
		}
		ev.Details["generated"] = len(res.Generated)
		ev.Details["failed"] = len(res.Failures)
	}

	b.goSafe(func(ctx context.Context) {
		b.publish(ctx, ev)
	})
}

// Close waits for in-flight emissions and closes the publisher.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	return errors.Join(waitErr, b.publisher.Close())
}

func (b *Bus) publish(ctx context.Context, ev model.Event) {
	if err := b.publisher.Publish(ctx, ev); err != nil {
		zlog.Logger.Warn().
			Err(err).
			Str("event", string(ev.Type)).
			Str("job_id", ev.JobID).
			Int64("image_id", ev.ImageID).
			Msg("failed to publish event")
	}
}

func (b *Bus) goSafe(fn func(ctx context.Context)) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				zlog.Logger.Error().Msgf("event emission panicked: %v", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		defer cancel()

		fn(ctx)
	}()
}
