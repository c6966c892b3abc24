package image

import (
	"context"
	"errors"
	"fmt"

	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/media-service/internal/model"
	"github.com/aliskhannn/media-service/internal/processor"
	"github.com/aliskhannn/media-service/internal/queue"
	imagerepo "github.com/aliskhannn/media-service/internal/repository/image"
)

// Fresh uploads run ahead of retries and reconciled leftovers.
const (
	priorityUpload = 10
	priorityRetry  = 0
)

// enqueue schedules a variant job and attaches a continuation to its ticket.
func (s *Service) enqueue(ctx context.Context, task model.VariantTask) (string, error) {
	priority := priorityUpload
	if task.Attempt > 1 {
		priority = priorityRetry
	}

	ticket, err := s.queue.AddJob(model.JobTypeVariants, task, priority)
	if err != nil {
		return "", fmt.Errorf("add job: %w", err)
	}

	s.mu.Lock()
	s.inFlight[task.ImageID] = ticket.ID
	s.wg.Add(1)
	s.mu.Unlock()

	// The job is queued; a caller going away must not lose its bookkeeping.
	if err := s.repo.SetJob(context.WithoutCancel(ctx), task.ImageID, ticket.ID, task.Attempt); err != nil {
		zlog.Logger.Warn().Err(err).Int64("image_id", task.ImageID).Str("job_id", ticket.ID).Msg("failed to record job id")
	}

	go s.await(ticket, task)

	return ticket.ID, nil
}

// await runs the continuation of one job once its ticket resolves.
func (s *Service) await(ticket *queue.Ticket, task model.VariantTask) {
	defer s.wg.Done()

	res := ticket.Result()

	ctx, cancel := context.WithTimeout(context.Background(), continuationTimeout)
	defer cancel()

	s.finishJob(ctx, task, res)

	s.mu.Lock()
	if s.inFlight[task.ImageID] == ticket.ID {
		delete(s.inFlight, task.ImageID)
	}
	s.mu.Unlock()
}

// runVariantJob is the queue handler of model.JobTypeVariants.
func (s *Service) runVariantJob(ctx context.Context, payload any) (any, error) {
	task, ok := payload.(model.VariantTask)
	if !ok {
		return nil, fmt.Errorf("unexpected payload %T", payload)
	}

	if err := s.repo.UpdateStatus(ctx, task.ImageID, model.StatusProcessing); err != nil {
		if errors.Is(err, imagerepo.ErrImageNotFound) {
			return nil, errImageGone
		}
		return nil, fmt.Errorf("mark processing: %w", err)
	}

	res, err := s.processor.Process(ctx, task)
	if err != nil {
		return res, err
	}

	return res, nil
}

func (s *Service) finishJob(ctx context.Context, task model.VariantTask, res queue.Result) {
	log := zlog.Logger.With().
		Int64("image_id", task.ImageID).
		Str("job_id", res.JobID).
		Int("attempt", task.Attempt).
		Logger()

	if res.Err == nil {
		vr, ok := res.Value.(model.VariantResult)
		if !ok {
			s.retryOrFail(ctx, task, fmt.Errorf("unexpected job result %T", res.Value))
			return
		}
		s.complete(ctx, task, vr, res.Duration().Milliseconds())
		return
	}

	switch {
	case errors.Is(res.Err, errImageGone):
		log.Info().Msg("image deleted before its job ran")
	case errors.Is(res.Err, queue.ErrQueueClosed):
		log.Info().Msg("queue closed, image left pending for reconciliation")
	default:
		s.retryOrFail(ctx, task, res.Err)
	}
}

// complete records the generated variants. Partial output still completes the image.
func (s *Service) complete(ctx context.Context, task model.VariantTask, vr model.VariantResult, processingMs int64) {
	variants := make([]model.ImageVariant, 0, len(vr.Generated))
	for _, g := range vr.Generated {
		v := g.Variant
		v.ImageID = task.ImageID
		variants = append(variants, v)
	}

	_, err := s.repo.CompleteProcessing(ctx, task.ImageID, model.Completion{
		Width:        vr.SourceWidth,
		Height:       vr.SourceHeight,
		Status:       model.StatusCompleted,
		Variants:     variants,
		ProcessingMs: processingMs,
	})
	if err != nil {
		s.discard(ctx, vr.Generated)

		if errors.Is(err, imagerepo.ErrImageNotFound) {
			zlog.Logger.Info().Int64("image_id", task.ImageID).Msg("image deleted while processing, variants discarded")
			return
		}

		s.retryOrFail(ctx, task, fmt.Errorf("record variants: %w", err))
		return
	}

	ev := zlog.Logger.Info()
	if len(vr.Failures) > 0 {
		ev = zlog.Logger.Warn()
	}
	ev.Int64("image_id", task.ImageID).
		Int("generated", len(vr.Generated)).
		Int("expected", len(model.ExpectedVariants(task.Format))).
		Msg("variants recorded")
}

// retryOrFail re-enqueues a failed job until the attempt budget is spent.
// Undecodable originals fail at once.
func (s *Service) retryOrFail(ctx context.Context, task model.VariantTask, cause error) {
	log := zlog.Logger.With().Int64("image_id", task.ImageID).Int("attempt", task.Attempt).Logger()

	if errors.Is(cause, processor.ErrDecode) || task.Attempt >= s.opts.MaxAttempts {
		log.Error().Err(cause).Msg("variant generation failed")
		s.markFailed(ctx, task.ImageID)
		return
	}

	log.Warn().Err(cause).Msg("variant generation failed, retrying")

	if err := s.repo.UpdateStatus(ctx, task.ImageID, model.StatusPending); err != nil {
		if !errors.Is(err, imagerepo.ErrImageNotFound) {
			log.Error().Err(err).Msg("failed to reset status")
		}
		return
	}

	next := task
	next.Attempt++
	if _, err := s.enqueue(ctx, next); err != nil {
		log.Error().Err(err).Msg("failed to re-enqueue, left pending")
	}
}

func (s *Service) markFailed(ctx context.Context, id int64) {
	err := s.repo.UpdateStatus(ctx, id, model.StatusFailed)
	if err != nil && !errors.Is(err, imagerepo.ErrImageNotFound) {
		zlog.Logger.Error().Err(err).Int64("image_id", id).Msg("failed to mark image failed")
	}
}

func (s *Service) discard(ctx context.Context, generated []model.GeneratedVariant) {
	for _, err := range s.processor.Discard(ctx, generated) {
		zlog.Logger.Warn().Err(err).Msg("failed to discard variant file")
	}
}
