package image

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aliskhannn/media-service/internal/auth"
	"github.com/aliskhannn/media-service/internal/hash"
	"github.com/aliskhannn/media-service/internal/model"
	"github.com/aliskhannn/media-service/internal/processor"
	"github.com/aliskhannn/media-service/internal/queue"
	"github.com/aliskhannn/media-service/internal/repository/memory"
	"github.com/aliskhannn/media-service/internal/storage"
	"github.com/aliskhannn/media-service/internal/storage/file"
	"github.com/aliskhannn/media-service/internal/validator"
)

var (
	admin  = model.Requester{UserID: 1, Role: "admin"}
	editor = model.Requester{UserID: 2, Role: "editor"}
	other  = model.Requester{UserID: 3, Role: "editor"}
	viewer = model.Requester{UserID: 4, Role: "viewer"}

	red  = color.RGBA{R: 255, A: 255}
	blue = color.RGBA{B: 255, A: 255}
)

type testGenerator interface {
	Generate(src image.Image, srcFormat model.Format, spec model.VariantSpec) (processor.Output, error)
	Encode(img image.Image, format model.Format) (processor.Output, error)
}

type testConfig struct {
	Generator testGenerator
	Options   Options
	MaxSize   int64
	Repo      func(*memory.Repository) Repository // wraps the metadata store seen by the service
	Store     func(*file.Storage) FileStorage     // wraps the blob store seen by the service
}

type testEnv struct {
	svc   *Service
	repo  *memory.Repository
	store *file.Storage
	base  string
	audit *recordingAuditor
}

func newTestEnv(t *testing.T, cfg testConfig) *testEnv {
	t.Helper()

	base := t.TempDir()
	store, err := file.NewStorage(base)
	if err != nil {
		t.Fatal(err)
	}

	gen := cfg.Generator
	if gen == nil {
		gen = processor.NewGenerator(processor.Options{})
	}

	repo := memory.NewRepository()
	q := queue.New(2)
	audit := &recordingAuditor{}

	var svcRepo Repository = repo
	if cfg.Repo != nil {
		svcRepo = cfg.Repo(repo)
	}
	var svcStore FileStorage = store
	if cfg.Store != nil {
		svcStore = cfg.Store(store)
	}

	svc := NewService(
		svcRepo,
		svcStore,
		processor.New(store, gen),
		q,
		validator.New(cfg.MaxSize, nil),
		auth.New(auth.DefaultTable()),
		audit,
		cfg.Options,
	)
	q.Start()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = q.Stop(ctx)
		_ = svc.Wait(ctx)
	})

	return &testEnv{svc: svc, repo: repo, store: store, base: base, audit: audit}
}

// waitIdle blocks until every job continuation, retries included, has finished.
func (e *testEnv) waitIdle(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.svc.Wait(ctx); err != nil {
		t.Fatalf("jobs did not finish: %v", err)
	}
}

func (e *testEnv) ingestPNG(t *testing.T, r model.Requester, w, h int, c color.Color) IngestResult {
	t.Helper()

	res, err := e.svc.Ingest(context.Background(), r, Upload{
		Data:     encodePNG(t, w, h, c),
		Filename: "photo.png",
		MimeType: "image/png",
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	return res
}

func (e *testEnv) countFiles(t *testing.T) int {
	t.Helper()

	n := 0
	err := filepath.WalkDir(e.base, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			n++
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return n
}

type recordingAuditor struct {
	mu      sync.Mutex
	actions []string
}

func (a *recordingAuditor) Record(_ int64, action string, _ int64, _ map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, action)
}

func (a *recordingAuditor) has(action string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, got := range a.actions {
		if got == action {
			return true
		}
	}
	return false
}

// failingGenerator fails the configured variant types and delegates the rest.
type failingGenerator struct {
	*processor.Generator
	fail map[model.VariantType]bool
}

func (f failingGenerator) Generate(src image.Image, format model.Format, spec model.VariantSpec) (processor.Output, error) {
	if f.fail[spec.Type] {
		return processor.Output{}, errors.New("encoder exploded")
	}
	return f.Generator.Generate(src, format, spec)
}

// gatedGenerator blocks every Generate call until gate is closed.
type gatedGenerator struct {
	*processor.Generator
	started chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (g *gatedGenerator) Generate(src image.Image, format model.Format, spec model.VariantSpec) (processor.Output, error) {
	g.once.Do(func() { close(g.started) })
	<-g.gate
	return g.Generator.Generate(src, format, spec)
}

// stubbornStore refuses to delete keys containing refuse.
type stubbornStore struct {
	*file.Storage
	refuse string
}

func (s stubbornStore) Delete(ctx context.Context, key string) error {
	if strings.Contains(key, s.refuse) {
		return errors.New("permission denied")
	}
	return s.Storage.Delete(ctx, key)
}

// completingRepo runs beforeDelete between the service's lookup and the row removal.
type completingRepo struct {
	*memory.Repository
	beforeDelete func()
}

func (r *completingRepo) DeleteImage(ctx context.Context, id int64) (model.Image, error) {
	if r.beforeDelete != nil {
		r.beforeDelete()
	}
	return r.Repository.DeleteImage(ctx, id)
}

// strictRepo fails job bookkeeping made with a finished context, as a database driver does.
type strictRepo struct {
	*memory.Repository
}

func (r strictRepo) SetJob(ctx context.Context, id int64, jobID string, attempts int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.Repository.SetJob(ctx, id, jobID, attempts)
}

func encodePNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, c)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func expectedGenerated() int {
	if processor.WebPSupported {
		return model.VariantCount
	}
	return model.VariantCount - 1
}

func TestIngestRedSquare(t *testing.T) {
	env := newTestEnv(t, testConfig{})
	ctx := context.Background()
	data := encodePNG(t, 10, 10, red)

	first, err := env.svc.Ingest(ctx, editor, Upload{Data: data, Filename: "red.png", MimeType: "image/png"})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if first.Duplicate || first.JobID == "" {
		t.Fatalf("first upload: duplicate=%v job=%q", first.Duplicate, first.JobID)
	}
	if first.Image.Width != 10 || first.Image.Height != 10 {
		t.Fatalf("probed %dx%d, want 10x10", first.Image.Width, first.Image.Height)
	}
	if !strings.HasPrefix(first.Image.Path, storage.Root+"/") {
		t.Fatalf("original stored at %q", first.Image.Path)
	}

	env.waitIdle(t)

	view, err := env.svc.GetStatus(ctx, editor, first.Image.ID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if view.ProcessingStatus != model.StatusCompleted {
		t.Fatalf("status %s, want completed", view.ProcessingStatus)
	}
	if view.Expected != model.VariantCount || view.Generated != expectedGenerated() {
		t.Fatalf("generated %d of %d", view.Generated, view.Expected)
	}
	if view.EstimatedRemaining != nil || view.Performance == nil {
		t.Fatalf("completed view: eta=%v performance=%v", view.EstimatedRemaining, view.Performance)
	}

	img, err := env.svc.Get(ctx, editor, first.Image.ID)
	if err != nil {
		t.Fatal(err)
	}
	thumb, ok := img.VariantByType(model.VariantThumbnail)
	if !ok || thumb.Width != 150 || thumb.Height != 150 {
		t.Fatalf("thumbnail %+v, want 150x150", thumb)
	}
	small, ok := img.VariantByType(model.VariantSmall)
	if !ok || small.Width != 10 || small.Height != 10 {
		t.Fatalf("small variant %+v must not be upscaled", small)
	}

	f, err := env.svc.OpenFile(ctx, viewer, img.ID, "thumbnail")
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	cfg, _, err := image.DecodeConfig(f.Body)
	_ = f.Body.Close()
	if err != nil || cfg.Width != 150 || cfg.Height != 150 {
		t.Fatalf("stored thumbnail %dx%d (%v)", cfg.Width, cfg.Height, err)
	}

	second, err := env.svc.Ingest(ctx, editor, Upload{Data: data, Filename: "again.png", MimeType: "image/png"})
	if err != nil {
		t.Fatalf("second Ingest: %v", err)
	}
	if !second.Duplicate || second.Image.ID != first.Image.ID {
		t.Fatalf("second upload: duplicate=%v id=%d, want duplicate of %d", second.Duplicate, second.Image.ID, first.Image.ID)
	}

	all, err := env.svc.List(ctx, admin, 0, 0)
	if err != nil || len(all) != 1 {
		t.Fatalf("List: %d images (%v), want 1", len(all), err)
	}
	if got := env.countFiles(t); got != 1+expectedGenerated() {
		t.Fatalf("%d files on disk, want %d", got, 1+expectedGenerated())
	}
	if !env.audit.has(model.ActionUpload) {
		t.Fatal("upload was not audited")
	}
}

func TestIngestPartialFailureCompletes(t *testing.T) {
	env := newTestEnv(t, testConfig{Generator: failingGenerator{
		Generator: processor.NewGenerator(processor.Options{}),
		fail:      map[model.VariantType]bool{model.VariantLarge: true, model.VariantWebP: true},
	}})

	res := env.ingestPNG(t, editor, 64, 48, blue)
	env.waitIdle(t)

	view, err := env.svc.GetStatus(context.Background(), editor, res.Image.ID)
	if err != nil {
		t.Fatal(err)
	}
	if view.ProcessingStatus != model.StatusCompleted {
		t.Fatalf("status %s, want completed", view.ProcessingStatus)
	}
	if view.Generated != 3 || view.Expected != 5 {
		t.Fatalf("generated %d of %d, want 3 of 5", view.Generated, view.Expected)
	}

	states := make(map[model.VariantType]model.Status)
	for _, v := range view.Variants {
		states[v.Type] = v.Status
	}
	if states[model.VariantLarge] != model.StatusFailed || states[model.VariantWebP] != model.StatusFailed {
		t.Fatalf("missing variants must be failed on a completed image: %v", states)
	}
	if states[model.VariantThumbnail] != model.StatusCompleted {
		t.Fatalf("thumbnail state %s", states[model.VariantThumbnail])
	}

	img, err := env.repo.GetImage(context.Background(), res.Image.ID)
	if err != nil || len(img.Variants) != 3 {
		t.Fatalf("%d variant rows (%v), want 3", len(img.Variants), err)
	}
}

func TestIngestRetriesUntilBudgetSpent(t *testing.T) {
	fail := make(map[model.VariantType]bool)
	for _, s := range model.VariantSpecs {
		fail[s.Type] = true
	}

	env := newTestEnv(t, testConfig{
		Generator: failingGenerator{Generator: processor.NewGenerator(processor.Options{}), fail: fail},
		Options:   Options{MaxAttempts: 2},
	})

	res := env.ingestPNG(t, editor, 20, 20, red)
	env.waitIdle(t)

	img, err := env.repo.GetImage(context.Background(), res.Image.ID)
	if err != nil {
		t.Fatal(err)
	}
	if img.Status != model.StatusFailed || img.Attempts != 2 {
		t.Fatalf("status %s after %d attempts, want failed after 2", img.Status, img.Attempts)
	}

	view, err := env.svc.GetStatus(context.Background(), editor, img.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range view.Variants {
		if v.Status != model.StatusFailed {
			t.Fatalf("variant %s is %s on a failed image", v.Type, v.Status)
		}
	}
}

func TestIngestRejectsInvalidUploads(t *testing.T) {
	env := newTestEnv(t, testConfig{})

	var jpg bytes.Buffer
	if err := jpeg.Encode(&jpg, image.NewRGBA(image.Rect(0, 0, 8, 8)), nil); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		up   Upload
	}{
		{"jpeg bytes named png", Upload{Data: jpg.Bytes(), Filename: "fake.png", MimeType: "image/png"}},
		{"script in svg", Upload{
			Data:     []byte(`<svg xmlns="http://www.w3.org/2000/svg"><script>alert(1)</script></svg>`),
			Filename: "x.svg",
			MimeType: "image/svg+xml",
		}},
		{"text file", Upload{Data: []byte("hello"), Filename: "a.png", MimeType: "image/png"}},
		{"empty", Upload{Filename: "a.png", MimeType: "image/png"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.Ingest(context.Background(), editor, tt.up)
			if !errors.Is(err, ErrValidation) || !errors.Is(err, validator.ErrInvalidFormat) {
				t.Fatalf("got %v, want validation error", err)
			}
		})
	}

	if n := env.countFiles(t); n != 0 {
		t.Fatalf("%d files written for rejected uploads", n)
	}
}

func TestIngestMaxFileSizeBoundary(t *testing.T) {
	data := encodePNG(t, 12, 12, blue)
	limit := int64(len(data))

	atLimit := newTestEnv(t, testConfig{MaxSize: limit})
	if _, err := atLimit.svc.Ingest(context.Background(), editor, Upload{Data: data, Filename: "a.png", MimeType: "image/png"}); err != nil {
		t.Fatalf("upload of exactly the limit rejected: %v", err)
	}

	below := newTestEnv(t, testConfig{MaxSize: limit - 1})
	_, err := below.svc.Ingest(context.Background(), editor, Upload{Data: data, Filename: "a.png", MimeType: "image/png"})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("upload one byte over the limit: got %v", err)
	}
}

func TestIngestRejectsOversizedCanvas(t *testing.T) {
	env := newTestEnv(t, testConfig{})

	// A 1x1 PNG whose header claims a 60000x60000 canvas.
	data := encodePNG(t, 1, 1, red)
	binary.BigEndian.PutUint32(data[16:20], 60000)
	binary.BigEndian.PutUint32(data[20:24], 60000)
	binary.BigEndian.PutUint32(data[29:33], crc32.ChecksumIEEE(data[12:29]))

	_, err := env.svc.Ingest(context.Background(), editor, Upload{Data: data, Filename: "bomb.png", MimeType: "image/png"})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("got %v, want ErrValidation", err)
	}
	if n := env.countFiles(t); n != 0 {
		t.Fatalf("%d files written for a rejected canvas", n)
	}
	if _, err := env.repo.GetImageByHash(context.Background(), hash.Sum(data)); err == nil {
		t.Fatal("image row created for a rejected canvas")
	}

	capped := newTestEnv(t, testConfig{Options: Options{MaxPixels: 100}})
	if _, err := capped.svc.Ingest(context.Background(), editor, Upload{Data: encodePNG(t, 10, 10, red), Filename: "a.png", MimeType: "image/png"}); err != nil {
		t.Fatalf("canvas at the pixel limit rejected: %v", err)
	}
	_, err = capped.svc.Ingest(context.Background(), editor, Upload{Data: encodePNG(t, 11, 10, red), Filename: "b.png", MimeType: "image/png"})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("canvas over the pixel limit: got %v", err)
	}
}

func TestEnqueueRecordsJobAfterCallerCancels(t *testing.T) {
	env := newTestEnv(t, testConfig{Repo: func(m *memory.Repository) Repository { return strictRepo{m} }})

	img, err := env.repo.CreateImage(context.Background(), model.Image{
		StoredFilename: "late.png",
		Path:           "uploads/images/2024-01/late.png",
		Format:         model.FormatPNG,
		ContentHash:    "late",
		OwnerID:        editor.UserID,
		Status:         model.StatusPending,
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	jobID, err := env.svc.enqueue(ctx, model.VariantTask{
		ImageID:        img.ID,
		Original:       encodePNG(t, 12, 12, blue),
		Format:         model.FormatPNG,
		StoredFilename: img.StoredFilename,
		Dir:            "uploads/images/2024-01",
		Attempt:        1,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got, err := env.repo.GetImage(context.Background(), img.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.JobID != jobID || got.Attempts != 1 {
		t.Fatalf("job bookkeeping lost: job=%q attempts=%d, want %q and 1", got.JobID, got.Attempts, jobID)
	}

	env.waitIdle(t)
}

func TestIngestSVGCompletesWithoutJob(t *testing.T) {
	env := newTestEnv(t, testConfig{})
	ctx := context.Background()

	svg := []byte(`<svg xmlns="http://www.w3.org/2000/svg" width="10" height="10"><rect width="10" height="10" fill="red"/><path d="M0 0L10 10"/></svg>`)
	res, err := env.svc.Ingest(ctx, editor, Upload{Data: svg, Filename: "logo.svg", MimeType: "image/svg+xml"})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.JobID != "" || res.Image.Status != model.StatusCompleted {
		t.Fatalf("svg: job=%q status=%s", res.JobID, res.Image.Status)
	}

	view, err := env.svc.GetStatus(ctx, editor, res.Image.ID)
	if err != nil {
		t.Fatal(err)
	}
	if view.Expected != 0 || view.Generated != 0 || len(view.Variants) != 0 {
		t.Fatalf("svg status view %+v", view)
	}

	_, err = env.svc.Crop(ctx, editor, res.Image.ID, model.CropRegion{Width: 5, Height: 5})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("crop of svg: got %v", err)
	}
}

func TestIngestAuthorization(t *testing.T) {
	env := newTestEnv(t, testConfig{})
	up := Upload{Data: encodePNG(t, 5, 5, red), Filename: "a.png", MimeType: "image/png"}

	for _, r := range []model.Requester{viewer, {}} {
		if _, err := env.svc.Ingest(context.Background(), r, up); !errors.Is(err, ErrForbidden) {
			t.Fatalf("requester %+v: got %v, want ErrForbidden", r, err)
		}
	}

	res := env.ingestPNG(t, editor, 6, 6, red)
	env.waitIdle(t)

	if _, err := env.svc.GetStatus(context.Background(), other, res.Image.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("status by non-owner: got %v", err)
	}
	if _, err := env.svc.GetStatus(context.Background(), admin, res.Image.ID); err != nil {
		t.Fatalf("status by admin: %v", err)
	}
	if _, err := env.svc.GetStatus(context.Background(), admin, 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("status of unknown image: got %v", err)
	}
}

func TestCropReplacesOriginalAndVariants(t *testing.T) {
	env := newTestEnv(t, testConfig{})
	ctx := context.Background()

	res := env.ingestPNG(t, editor, 200, 100, blue)
	env.waitIdle(t)

	before, err := env.svc.Get(ctx, editor, res.Image.ID)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := env.svc.Crop(ctx, other, before.ID, model.CropRegion{Width: 10, Height: 10}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("crop by non-owner: got %v", err)
	}
	if _, err := env.svc.Crop(ctx, editor, before.ID, model.CropRegion{X: 150, Width: 100, Height: 50}); !errors.Is(err, ErrValidation) {
		t.Fatalf("out-of-bounds crop: got %v", err)
	}

	out, err := env.svc.Crop(ctx, editor, before.ID, model.CropRegion{X: 10, Y: 10, Width: 50, Height: 40})
	if err != nil {
		t.Fatalf("Crop: %v", err)
	}
	if processor.WebPSupported && len(out.Errors) != 0 {
		t.Fatalf("unexpected crop errors: %v", out.Errors)
	}

	after := out.Image
	if after.Width != 50 || after.Height != 40 {
		t.Fatalf("cropped to %dx%d, want 50x40", after.Width, after.Height)
	}
	if after.Path == before.Path || after.StoredFilename == before.StoredFilename {
		t.Fatal("cropped original must get a fresh filename")
	}
	if after.ContentHash != before.ContentHash {
		t.Fatal("crop must keep the content hash")
	}
	if len(after.Variants) != expectedGenerated() {
		t.Fatalf("%d variants after crop, want %d", len(after.Variants), expectedGenerated())
	}
	if thumb, ok := after.VariantByType(model.VariantThumbnail); !ok || thumb.Width != 150 || thumb.Height != 150 {
		t.Fatalf("thumbnail after crop: %+v", thumb)
	}

	if _, err := env.store.Load(ctx, before.Path); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("old original still readable: %v", err)
	}
	for _, v := range before.Variants {
		if _, err := env.store.Load(ctx, v.Path); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("old %s variant still readable: %v", v.Type, err)
		}
	}
	if got := env.countFiles(t); got != 1+len(after.Variants) {
		t.Fatalf("%d files on disk, want %d", got, 1+len(after.Variants))
	}
	if !env.audit.has(model.ActionCrop) {
		t.Fatal("crop was not audited")
	}
}

func TestCropCollectsFileErrors(t *testing.T) {
	env := newTestEnv(t, testConfig{Store: func(fs *file.Storage) FileStorage {
		return stubbornStore{Storage: fs, refuse: "/variants/thumbnail_"}
	}})
	ctx := context.Background()

	res := env.ingestPNG(t, editor, 200, 100, red)
	env.waitIdle(t)

	before, err := env.svc.Get(ctx, editor, res.Image.ID)
	if err != nil {
		t.Fatal(err)
	}
	oldThumb, ok := before.VariantByType(model.VariantThumbnail)
	if !ok {
		t.Fatal("no thumbnail before crop")
	}

	out, err := env.svc.Crop(ctx, editor, before.ID, model.CropRegion{Width: 80, Height: 60})
	if err != nil {
		t.Fatalf("Crop failed on a file delete error: %v", err)
	}
	if !containsPath(out.Errors, oldThumb.Path) {
		t.Fatalf("errors %v do not name %s", out.Errors, oldThumb.Path)
	}

	cur, err := env.repo.GetImage(ctx, before.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cur.Path == before.Path || cur.Width != 80 || cur.Height != 60 {
		t.Fatalf("metadata not swapped: %s %dx%d", cur.Path, cur.Width, cur.Height)
	}
	if _, err := env.store.Load(ctx, before.Path); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("old original still readable: %v", err)
	}
	rc, err := env.store.Load(ctx, oldThumb.Path)
	if err != nil {
		t.Fatalf("undeletable thumbnail should remain: %v", err)
	}
	_ = rc.Close()
}

func TestCropWhileProcessingConflicts(t *testing.T) {
	env := newTestEnv(t, testConfig{})

	img, err := env.repo.CreateImage(context.Background(), model.Image{
		Path:        "uploads/images/2024-01/busy.png",
		Format:      model.FormatPNG,
		Width:       100,
		Height:      100,
		ContentHash: "busy",
		OwnerID:     editor.UserID,
		Status:      model.StatusProcessing,
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = env.svc.Crop(context.Background(), editor, img.ID, model.CropRegion{Width: 10, Height: 10})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("got %v, want ErrConflict", err)
	}
}

func TestDeleteByURLRemovesEverything(t *testing.T) {
	env := newTestEnv(t, testConfig{})
	ctx := context.Background()

	res := env.ingestPNG(t, editor, 40, 40, red)
	env.waitIdle(t)

	img, err := env.svc.Get(ctx, editor, res.Image.ID)
	if err != nil {
		t.Fatal(err)
	}
	thumb, _ := img.VariantByType(model.VariantThumbnail)

	if _, err := env.svc.Delete(ctx, other, DeleteTarget{ID: img.ID}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("delete by non-owner: got %v", err)
	}
	if _, err := env.svc.Delete(ctx, editor, DeleteTarget{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("delete without target: got %v", err)
	}

	out, err := env.svc.Delete(ctx, editor, DeleteTarget{URL: "https://cms.example.com" + storage.URL(thumb.Path)})
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !out.Success || len(out.Errors) != 0 {
		t.Fatalf("delete result %+v", out)
	}

	if _, err := env.svc.Get(ctx, editor, img.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted image still readable: %v", err)
	}
	if n := env.countFiles(t); n != 0 {
		t.Fatalf("%d files left after delete", n)
	}
	if _, err := env.svc.Delete(ctx, editor, DeleteTarget{ID: img.ID}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete: got %v", err)
	}
	if !env.audit.has(model.ActionDelete) {
		t.Fatal("delete was not audited")
	}
}

func TestDeleteRacingRunningJob(t *testing.T) {
	gen := &gatedGenerator{
		Generator: processor.NewGenerator(processor.Options{}),
		started:   make(chan struct{}),
		gate:      make(chan struct{}),
	}
	env := newTestEnv(t, testConfig{Generator: gen})
	ctx := context.Background()

	res := env.ingestPNG(t, editor, 30, 30, blue)

	select {
	case <-gen.started:
	case <-time.After(5 * time.Second):
		close(gen.gate)
		t.Fatal("job never started")
	}

	out, err := env.svc.Delete(ctx, editor, DeleteTarget{ID: res.Image.ID})
	close(gen.gate)
	if err != nil || !out.Success {
		t.Fatalf("Delete: %+v, %v", out, err)
	}

	env.waitIdle(t)

	if _, err := env.repo.GetImage(ctx, res.Image.ID); err == nil {
		t.Fatal("image came back after the job finished")
	}
	if n := env.countFiles(t); n != 0 {
		t.Fatalf("%d orphaned files left by the racing job", n)
	}
}

func TestDeleteCollectsFileErrors(t *testing.T) {
	env := newTestEnv(t, testConfig{Store: func(fs *file.Storage) FileStorage {
		return stubbornStore{Storage: fs, refuse: "/variants/thumbnail_"}
	}})
	ctx := context.Background()

	res := env.ingestPNG(t, editor, 40, 40, blue)
	env.waitIdle(t)

	img, err := env.svc.Get(ctx, editor, res.Image.ID)
	if err != nil {
		t.Fatal(err)
	}
	thumb, _ := img.VariantByType(model.VariantThumbnail)

	out, err := env.svc.Delete(ctx, editor, DeleteTarget{ID: img.ID})
	if err != nil {
		t.Fatalf("Delete failed on a file delete error: %v", err)
	}
	if !out.Success || len(out.Errors) != 1 || !containsPath(out.Errors, thumb.Path) {
		t.Fatalf("delete result %+v, want success with one error naming %s", out, thumb.Path)
	}

	if _, err := env.repo.GetImage(ctx, img.ID); err == nil {
		t.Fatal("image row survived the delete")
	}
	if n := env.countFiles(t); n != 1 {
		t.Fatalf("%d files left, want only the undeletable thumbnail", n)
	}
}

func TestDeleteAfterLateCompletionRemovesNewVariants(t *testing.T) {
	gen := &gatedGenerator{
		Generator: processor.NewGenerator(processor.Options{}),
		started:   make(chan struct{}),
		gate:      make(chan struct{}),
	}
	repo := &completingRepo{}
	env := newTestEnv(t, testConfig{
		Generator: gen,
		Repo: func(m *memory.Repository) Repository {
			repo.Repository = m
			return repo
		},
	})
	ctx := context.Background()

	res := env.ingestPNG(t, editor, 30, 30, red)

	select {
	case <-gen.started:
	case <-time.After(5 * time.Second):
		close(gen.gate)
		t.Fatal("job never started")
	}

	// The job records its variants after Delete looked the image up.
	repo.beforeDelete = func() {
		close(gen.gate)

		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			img, err := env.repo.GetImage(ctx, res.Image.ID)
			if err == nil && img.Status == model.StatusCompleted {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Error("job did not complete before the delete")
	}

	out, err := env.svc.Delete(ctx, editor, DeleteTarget{ID: res.Image.ID})
	if err != nil || !out.Success || len(out.Errors) != 0 {
		t.Fatalf("Delete: %+v, %v", out, err)
	}

	env.waitIdle(t)

	if n := env.countFiles(t); n != 0 {
		t.Fatalf("%d variant files left behind by the delete", n)
	}
}

func TestReconcile(t *testing.T) {
	env := newTestEnv(t, testConfig{Options: Options{MaxAttempts: 3}})
	ctx := context.Background()

	data := encodePNG(t, 30, 20, red)
	key, err := env.store.Save(ctx, "uploads/images/2024-01", "stale.png", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}

	create := func(img model.Image) model.Image {
		t.Helper()
		img.OwnerID = editor.UserID
		created, err := env.repo.CreateImage(ctx, img)
		if err != nil {
			t.Fatal(err)
		}
		return created
	}

	stale := create(model.Image{StoredFilename: "stale.png", Path: key, Format: model.FormatPNG, Width: 30, Height: 20, ContentHash: "h1", Status: model.StatusPending})
	lost := create(model.Image{StoredFilename: "lost.png", Path: "uploads/images/2024-01/lost.png", Format: model.FormatPNG, ContentHash: "h2", Status: model.StatusProcessing})
	spent := create(model.Image{StoredFilename: "spent.png", Path: key, Format: model.FormatPNG, ContentHash: "h3", Status: model.StatusPending, Attempts: 3})
	vector := create(model.Image{StoredFilename: "v.svg", Path: "uploads/images/2024-01/v.svg", Format: model.FormatSVG, ContentHash: "h4", Status: model.StatusPending})
	huge := create(model.Image{StoredFilename: "huge.png", Path: key, Format: model.FormatPNG, Width: 60000, Height: 60000, ContentHash: "h5", Status: model.StatusPending})

	if n, err := env.svc.Reconcile(ctx); err != nil || n != 0 {
		t.Fatalf("fresh images reconciled: n=%d err=%v", n, err)
	}

	env.svc.now = func() time.Time { return time.Now().Add(time.Hour) }

	n, err := env.svc.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if n != 1 {
		t.Fatalf("enqueued %d, want 1", n)
	}

	env.waitIdle(t)

	want := map[int64]model.Status{
		stale.ID:  model.StatusCompleted,
		lost.ID:   model.StatusFailed,
		spent.ID:  model.StatusFailed,
		vector.ID: model.StatusCompleted,
		huge.ID:   model.StatusFailed,
	}
	for id, status := range want {
		img, err := env.repo.GetImage(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if img.Status != status {
			t.Errorf("image %d (%s): status %s, want %s", id, img.StoredFilename, img.Status, status)
		}
	}

	img, _ := env.repo.GetImage(ctx, stale.ID)
	if img.Attempts != 1 || img.JobID == "" || len(img.Variants) != expectedGenerated() {
		t.Fatalf("reconciled image: attempts=%d job=%q variants=%d", img.Attempts, img.JobID, len(img.Variants))
	}
}

func TestUpdateSanitizesDetails(t *testing.T) {
	env := newTestEnv(t, testConfig{})
	ctx := context.Background()

	res := env.ingestPNG(t, editor, 8, 8, blue)
	env.waitIdle(t)

	if _, err := env.svc.Update(ctx, other, res.Image.ID, model.Details{Title: "x"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("update by non-owner: got %v", err)
	}

	img, err := env.svc.Update(ctx, editor, res.Image.ID, model.Details{
		Title:       "  <b>Sunset</b>\x00 ",
		Description: strings.Repeat("a", 3000),
		AltText:     `a "quoted" alt`,
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	if img.Title != "&lt;b&gt;Sunset&lt;/b&gt;" {
		t.Errorf("title %q", img.Title)
	}
	if len(img.Description) != maxDescriptionLen {
		t.Errorf("description length %d, want %d", len(img.Description), maxDescriptionLen)
	}
	if img.AltText != "a &#34;quoted&#34; alt" {
		t.Errorf("alt text %q", img.AltText)
	}
	if !env.audit.has(model.ActionUpdate) {
		t.Fatal("update was not audited")
	}
}

func TestListScopesToOwner(t *testing.T) {
	env := newTestEnv(t, testConfig{})
	ctx := context.Background()

	env.ingestPNG(t, editor, 9, 9, red)
	env.ingestPNG(t, other, 9, 9, blue)
	env.waitIdle(t)

	own, err := env.svc.List(ctx, editor, 10, 0)
	if err != nil || len(own) != 1 || own[0].OwnerID != editor.UserID {
		t.Fatalf("editor list: %+v, %v", own, err)
	}

	all, err := env.svc.List(ctx, admin, 10, 0)
	if err != nil || len(all) != 2 {
		t.Fatalf("admin list: %d images, %v", len(all), err)
	}

	if _, err := env.svc.List(ctx, model.Requester{}, 10, 0); !errors.Is(err, ErrForbidden) {
		t.Fatalf("anonymous list: got %v", err)
	}
}

func TestOpenFiles(t *testing.T) {
	env := newTestEnv(t, testConfig{})
	ctx := context.Background()

	data := encodePNG(t, 16, 16, red)
	res, err := env.svc.Ingest(ctx, editor, Upload{Data: data, Filename: "a.png", MimeType: "image/png"})
	if err != nil {
		t.Fatal(err)
	}
	env.waitIdle(t)

	f, err := env.svc.OpenByKey(ctx, res.Image.Path)
	if err != nil {
		t.Fatalf("OpenByKey: %v", err)
	}
	var got bytes.Buffer
	_, _ = got.ReadFrom(f.Body)
	_ = f.Body.Close()
	if !bytes.Equal(got.Bytes(), data) || f.ContentType != "image/png" {
		t.Fatalf("original: %d bytes of %s", got.Len(), f.ContentType)
	}

	if _, err := env.svc.OpenFile(ctx, viewer, res.Image.ID, "poster"); !errors.Is(err, ErrValidation) {
		t.Fatalf("unknown variant: got %v", err)
	}
	for _, key := range []string{"uploads/images/2024-01/none.png", "uploads/images/../../etc/passwd", "config/config.yml"} {
		if _, err := env.svc.OpenByKey(ctx, key); !errors.Is(err, ErrNotFound) {
			t.Fatalf("OpenByKey(%q): got %v", key, err)
		}
	}
}

func TestPerformanceUsesRecordedProcessingTime(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	img := model.Image{
		Size:         1000,
		ProcessingMs: 120,
		CreatedAt:    created,
		UpdatedAt:    created.Add(48 * time.Hour), // a later details edit
		Variants:     []model.ImageVariant{{Size: 100}, {Size: 300}},
	}

	p := performance(img)
	if p.ProcessingTime != 120 {
		t.Errorf("processing time %d, want 120", p.ProcessingTime)
	}
	if p.VariantsSize != 400 || p.SavedBytes != 900 || p.CompressionRatio != 0.4 {
		t.Errorf("unexpected summary %+v", p)
	}
}

func containsPath(errs []string, path string) bool {
	for _, e := range errs {
		if strings.Contains(e, path) {
			return true
		}
	}
	return false
}

func TestEstimateIsCapped(t *testing.T) {
	s := &Service{opts: Options{ETACap: 5 * time.Minute}}

	tests := []struct {
		avg     int64
		pending int
		want    int64
	}{
		{0, 0, defaultJobEstimate.Milliseconds()},
		{100, 4, 500},
		{60_000, 10, (5 * time.Minute).Milliseconds()},
	}

	for _, tt := range tests {
		if got := s.estimate(tt.avg, tt.pending); got != tt.want {
			t.Errorf("estimate(%d, %d) = %d, want %d", tt.avg, tt.pending, got, tt.want)
		}
	}
}
