package image

import (
	"context"
	"errors"
	"image"
	"io"
	"sync"
	"time"

	"github.com/aliskhannn/media-service/internal/auth"
	"github.com/aliskhannn/media-service/internal/model"
	"github.com/aliskhannn/media-service/internal/processor"
	"github.com/aliskhannn/media-service/internal/queue"
	"github.com/aliskhannn/media-service/internal/validator"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("image not found")
	ErrForbidden  = errors.New("forbidden")
	ErrStorage    = errors.New("storage unavailable")
	ErrTransform  = errors.New("image transform failed")
	ErrConflict   = errors.New("image is still being processed")
)

// errImageGone marks a job whose image was deleted before it ran.
var errImageGone = errors.New("image deleted before processing")

const (
	defaultMaxAttempts  = 3
	defaultStaleAfter   = 10 * time.Minute
	defaultETACap       = 5 * time.Minute
	defaultMaxPixels    = 100_000_000
	defaultJobEstimate  = 2 * time.Second
	continuationTimeout = 30 * time.Second
	reconcileBatch      = 100
)

// Repository is the metadata store the service depends on.
type Repository interface {
	CreateImage(ctx context.Context, img model.Image) (model.Image, error)
	GetImage(ctx context.Context, id int64) (model.Image, error)
	GetImageByHash(ctx context.Context, hash string) (model.Image, error)
	GetImageByPath(ctx context.Context, path string) (model.Image, error)
	ListImages(ctx context.Context, ownerID int64, limit, offset int) ([]model.Image, error)
	ListStale(ctx context.Context, statuses []model.Status, olderThan time.Time, limit int) ([]model.Image, error)
	UpdateStatus(ctx context.Context, id int64, status model.Status) error
	SetJob(ctx context.Context, id int64, jobID string, attempts int) error
	UpdateDetails(ctx context.Context, id int64, d model.Details) (model.Image, error)
	CompleteProcessing(ctx context.Context, id int64, c model.Completion) (model.Image, error)
	ReplaceOriginal(ctx context.Context, next model.Image) (model.Image, error)
	DeleteImage(ctx context.Context, id int64) (model.Image, error)
}

// FileStorage is the blob store for originals and variants.
type FileStorage interface {
	Save(ctx context.Context, subdir, filename string, src io.Reader) (string, error)
	Load(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// variantProcessor renders and stores variants.
type variantProcessor interface {
	Process(ctx context.Context, task model.VariantTask) (model.VariantResult, error)
	Derive(ctx context.Context, src image.Image, format model.Format, dir, storedFilename string) model.VariantResult
	CropOriginal(original []byte, format model.Format, region model.CropRegion) (processor.Output, image.Image, error)
	Discard(ctx context.Context, generated []model.GeneratedVariant) []error
}

// jobQueue runs variant jobs off the request path.
type jobQueue interface {
	Handle(t model.JobType, h queue.Handler)
	AddJob(t model.JobType, payload any, priority int) (*queue.Ticket, error)
	Stats() queue.Stats
}

// formatValidator checks uploads before anything is persisted.
type formatValidator interface {
	Validate(data []byte, declaredMime, declaredFilename string) (validator.Result, error)
}

// authorizer answers capability questions.
type authorizer interface {
	Authorize(r model.Requester, c auth.Capability) bool
	CanManage(r model.Requester, ownerID int64) bool
}

// auditor records actions, fire-and-forget.
type auditor interface {
	Record(actorID int64, action string, imageID int64, details map[string]any)
}

// auditReader reads the audit trail of an image.
type auditReader interface {
	ListByImage(ctx context.Context, imageID int64, limit int) ([]model.AuditRecord, error)
}

// Options tune retry, reconciliation and status estimates.
type Options struct {
	MaxAttempts int
	StaleAfter  time.Duration
	ETACap      time.Duration
	MaxPixels   int64 // largest raster canvas accepted for decoding, width x height
}

// Service implements media ingestion, status reporting, re-cropping and deletion.
type Service struct {
	repo        Repository
	fileStorage FileStorage
	processor   variantProcessor
	queue       jobQueue
	validator   formatValidator
	authz       authorizer
	audit       auditor
	auditLog    auditReader
	opts        Options
	now         func() time.Time

	mu       sync.Mutex
	inFlight map[int64]string // image id -> job id
	wg       sync.WaitGroup
}

// NewService creates a Service and registers its variant job handler on q.
func NewService(
	repo Repository,
	fs FileStorage,
	p variantProcessor,
	q jobQueue,
	v formatValidator,
	authz authorizer,
	audit auditor,
	opts Options,
) *Service {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}
	if opts.ETACap <= 0 {
		opts.ETACap = defaultETACap
	}
	if opts.MaxPixels <= 0 {
		opts.MaxPixels = defaultMaxPixels
	}

	s := &Service{
		repo:        repo,
		fileStorage: fs,
		processor:   p,
		queue:       q,
		validator:   v,
		authz:       authz,
		audit:       audit,
		opts:        opts,
		now:         time.Now,
		inFlight:    make(map[int64]string),
	}
	q.Handle(model.JobTypeVariants, s.runVariantJob)

	return s
}

// WithAuditLog enables AuditTrail.
func (s *Service) WithAuditLog(r auditReader) *Service {
	s.auditLog = r
	return s
}

// Wait blocks until every job continuation has finished or ctx is done.
// Call it after the queue has stopped so every ticket resolves.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
