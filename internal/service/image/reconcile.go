package image

import (
	"context"
	"path"
	"time"

	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/media-service/internal/model"
)

// Reconcile re-schedules images stuck in pending or processing longer than the
// stale timeout. Images out of attempts, or whose original is unreadable, are failed.
// It returns the number of jobs enqueued.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	olderThan := s.now().Add(-s.opts.StaleAfter)

	stale, err := s.repo.ListStale(ctx, []model.Status{model.StatusPending, model.StatusProcessing}, olderThan, reconcileBatch)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, img := range stale {
		if s.running(img.ID) {
			continue
		}

		log := zlog.Logger.With().Int64("image_id", img.ID).Str("status", string(img.Status)).Logger()

		if len(model.ExpectedVariants(img.Format)) == 0 {
			if err := s.repo.UpdateStatus(ctx, img.ID, model.StatusCompleted); err != nil {
				log.Error().Err(err).Msg("failed to complete vector image")
			}
			continue
		}

		if err := s.checkCanvas(img.Width, img.Height); err != nil {
			log.Warn().Err(err).Msg("stale image too large to decode, marking failed")
			s.markFailed(ctx, img.ID)
			continue
		}

		if img.Attempts >= s.opts.MaxAttempts {
			log.Warn().Int("attempts", img.Attempts).Msg("stale image out of attempts, marking failed")
			s.markFailed(ctx, img.ID)
			continue
		}

		original, err := s.readFile(ctx, img.Path)
		if err != nil {
			log.Error().Err(err).Msg("stale image original unreadable, marking failed")
			s.markFailed(ctx, img.ID)
			continue
		}

		if err := s.repo.UpdateStatus(ctx, img.ID, model.StatusPending); err != nil {
			log.Error().Err(err).Msg("failed to reset status")
			continue
		}

		jobID, err := s.enqueue(ctx, model.VariantTask{
			ImageID:        img.ID,
			Original:       original,
			Format:         img.Format,
			StoredFilename: img.StoredFilename,
			Dir:            path.Dir(img.Path),
			Attempt:        img.Attempts + 1,
		})
		if err != nil {
			log.Error().Err(err).Msg("failed to re-enqueue stale image")
			continue
		}

		log.Info().Str("job_id", jobID).Msg("stale image re-enqueued")
		enqueued++
	}

	return enqueued, nil
}

// RunReconciler runs Reconcile immediately and then every interval until ctx is done.
func (s *Service) RunReconciler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if n, err := s.Reconcile(ctx); err != nil {
			zlog.Logger.Error().Err(err).Msg("reconciliation failed")
		} else if n > 0 {
			zlog.Logger.Info().Int("enqueued", n).Msg("reconciliation done")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) running(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.inFlight[id]
	return ok
}
