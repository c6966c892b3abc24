package image

import (
	"context"

	"github.com/aliskhannn/media-service/internal/model"
)

// GetStatus reports how much of an image's expected output exists right now.
func (s *Service) GetStatus(ctx context.Context, r model.Requester, id int64) (model.StatusView, error) {
	img, err := s.getManaged(ctx, r, id)
	if err != nil {
		return model.StatusView{}, err
	}

	expected := model.ExpectedVariants(img.Format)
	stats := s.queue.Stats()

	view := model.StatusView{
		ImageID:          img.ID,
		ProcessingStatus: img.Status,
		JobID:            img.JobID,
		Expected:         len(expected),
		Variants:         make([]model.VariantState, 0, len(expected)),
		QueuePending:     stats.Pending,
		QueueProcessing:  stats.Processing,
		CheckedAt:        s.now().UTC(),
	}

	for _, t := range expected {
		state := model.VariantState{Type: t, Expected: true}

		if v, ok := img.VariantByType(t); ok {
			state.Status = model.StatusCompleted
			state.Variant = &v
			view.Generated++
		} else {
			// A terminal image will never produce the missing type.
			if img.Status.Terminal() {
				state.Status = model.StatusFailed
			} else {
				state.Status = model.StatusPending
			}
			view.Missing = append(view.Missing, t)
		}

		view.Variants = append(view.Variants, state)
	}

	if !img.Status.Terminal() {
		eta := s.estimate(stats.AverageProcessingTimeMs, stats.Pending)
		view.EstimatedRemaining = &eta
	}

	if img.Status == model.StatusCompleted {
		view.Performance = performance(img)
	}

	return view, nil
}

// estimate is the advisory time until a newly queued job finishes, capped.
func (s *Service) estimate(avgMs int64, pending int) int64 {
	if avgMs <= 0 {
		avgMs = defaultJobEstimate.Milliseconds()
	}

	eta := avgMs * int64(pending+1)
	if limit := s.opts.ETACap.Milliseconds(); eta > limit {
		eta = limit
	}

	return eta
}

func performance(img model.Image) *model.Performance {
	p := &model.Performance{
		OriginalSize:   img.Size,
		ProcessingTime: img.ProcessingMs,
	}

	var smallest int64 = -1
	for _, v := range img.Variants {
		p.VariantsSize += v.Size
		if smallest < 0 || v.Size < smallest {
			smallest = v.Size
		}
	}

	if img.Size > 0 {
		p.CompressionRatio = float64(p.VariantsSize) / float64(img.Size)
	}
	if smallest >= 0 {
		p.SavedBytes = img.Size - smallest
	}

	return p
}
