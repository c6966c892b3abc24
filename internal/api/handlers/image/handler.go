package image

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"

	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/media-service/internal/api/respond"
	"github.com/aliskhannn/media-service/internal/middleware"
	"github.com/aliskhannn/media-service/internal/model"
	imagesvc "github.com/aliskhannn/media-service/internal/service/image"
	"github.com/aliskhannn/media-service/internal/storage"
)

// multipartOverhead is the room left for form fields and part headers.
const multipartOverhead = 1 << 20

// service defines the interface for image-related operations.
type service interface {
	Ingest(ctx context.Context, r model.Requester, up imagesvc.Upload) (imagesvc.IngestResult, error)
	Get(ctx context.Context, r model.Requester, id int64) (model.Image, error)
	List(ctx context.Context, r model.Requester, limit, offset int) ([]model.Image, error)
	GetStatus(ctx context.Context, r model.Requester, id int64) (model.StatusView, error)
	Update(ctx context.Context, r model.Requester, id int64, d model.Details) (model.Image, error)
	Crop(ctx context.Context, r model.Requester, id int64, region model.CropRegion) (imagesvc.CropResult, error)
	Delete(ctx context.Context, r model.Requester, target imagesvc.DeleteTarget) (imagesvc.DeleteResult, error)
	OpenFile(ctx context.Context, r model.Requester, id int64, variant string) (imagesvc.File, error)
	OpenByKey(ctx context.Context, key string) (imagesvc.File, error)
	AuditTrail(ctx context.Context, r model.Requester, id int64) ([]model.AuditRecord, error)
}

// Handler provides HTTP handlers for image-related endpoints.
// It depends on a service interface to perform the business logic.
type Handler struct {
	service       service
	maxUploadSize int64
}

// NewHandler creates a new Handler with the given service and upload limit in bytes.
func NewHandler(s service, maxUploadSize int64) *Handler {
	return &Handler{service: s, maxUploadSize: maxUploadSize}
}

// VariantLink points at where a variant is, or will be, served.
type VariantLink struct {
	Type model.VariantType `json:"type"`
	URL  string            `json:"url"`
}

// UploadResponse describes a freshly stored original.
type UploadResponse struct {
	ID       int64         `json:"id"`
	URL      string        `json:"url"`
	Width    int           `json:"width"`
	Height   int           `json:"height"`
	Status   model.Status  `json:"status"`
	JobID    string        `json:"job_id,omitempty"`
	Variants []VariantLink `json:"variants"`
}

// DuplicateResponse is returned when the uploaded content already exists.
type DuplicateResponse struct {
	Duplicate bool   `json:"duplicate"`
	ID        int64  `json:"id"`
	URL       string `json:"url"`
}

// Upload handles the HTTP request for uploading an image.
// It reads the multipart form, hands the file to the service and responds
// without waiting for the variants.
func (h *Handler) Upload(c *ginext.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadSize+multipartOverhead)

	// Retrieve the uploaded file from the form.
	file, header, err := c.Request.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respond.Fail(c, http.StatusRequestEntityTooLarge, fmt.Errorf("upload exceeds %d bytes", h.maxUploadSize))
			return
		}

		zlog.Logger.Warn().Err(err).Msg("failed to read the uploaded file")
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("multipart field %q with an image is required", "image"))
		return
	}
	defer file.Close()

	// Read one byte past the limit so the validator sees oversized uploads.
	data, err := io.ReadAll(io.LimitReader(file, h.maxUploadSize+1))
	if err != nil {
		zlog.Logger.Err(err).Msg("failed to read the uploaded file")
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("failed to read the file"))
		return
	}

	res, err := h.service.Ingest(c.Request.Context(), middleware.RequesterFrom(c), imagesvc.Upload{
		Data:     data,
		Filename: header.Filename,
		MimeType: header.Header.Get("Content-Type"),
		Details: model.Details{
			Title:       c.PostForm("title"),
			Description: c.PostForm("description"),
			AltText:     c.PostForm("alt"),
		},
	})
	if err != nil {
		fail(c, "upload", err)
		return
	}

	img := res.Image
	if res.Duplicate {
		respond.OK(c, DuplicateResponse{Duplicate: true, ID: img.ID, URL: storage.URL(img.Path)})
		return
	}

	zlog.Logger.Info().Int64("image_id", img.ID).Str("job_id", res.JobID).Msg("image uploaded")

	respond.Created(c, UploadResponse{
		ID:       img.ID,
		URL:      storage.URL(img.Path),
		Width:    img.Width,
		Height:   img.Height,
		Status:   img.Status,
		JobID:    res.JobID,
		Variants: plannedVariants(img),
	})
}

// List returns the caller's images.
func (h *Handler) List(c *ginext.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))

	images, err := h.service.List(c.Request.Context(), middleware.RequesterFrom(c), limit, offset)
	if err != nil {
		fail(c, "list", err)
		return
	}

	respond.OK(c, images)
}

// Get returns metadata about the image and its variants without serving the file itself.
func (h *Handler) Get(c *ginext.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	img, err := h.service.Get(c.Request.Context(), middleware.RequesterFrom(c), id)
	if err != nil {
		fail(c, "get", err)
		return
	}

	respond.OK(c, img)
}

// Status reports variant generation progress.
func (h *Handler) Status(c *ginext.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	view, err := h.service.GetStatus(c.Request.Context(), middleware.RequesterFrom(c), id)
	if err != nil {
		fail(c, "status", err)
		return
	}

	respond.OK(c, view)
}

// File serves the original, or the variant named by the variant query parameter.
func (h *Handler) File(c *ginext.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	f, err := h.service.OpenFile(c.Request.Context(), middleware.RequesterFrom(c), id, c.Query("variant"))
	if err != nil {
		fail(c, "file", err)
		return
	}
	defer f.Body.Close()

	// The file behind an id changes on crop.
	c.Header("Cache-Control", "no-cache")

	respond.Attachment(c, f.ContentType, f.Name, f.Size, f.Body)
}

// Serve serves a stored file by its public path.
func (h *Handler) Serve(c *ginext.Context) {
	key := path.Join("uploads", c.Param("path"))

	f, err := h.service.OpenByKey(c.Request.Context(), key)
	if err != nil {
		fail(c, "serve", err)
		return
	}
	defer f.Body.Close()

	// Stored filenames are never reused.
	c.Header("Cache-Control", "public, max-age=31536000, immutable")

	respond.Data(c, http.StatusOK, f.ContentType, f.Size, f.Body)
}

// Update sets the title, description and alt text.
func (h *Handler) Update(c *ginext.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var d model.Details
	if err := c.ShouldBindJSON(&d); err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid request body: %v", err))
		return
	}

	img, err := h.service.Update(c.Request.Context(), middleware.RequesterFrom(c), id, d)
	if err != nil {
		fail(c, "update", err)
		return
	}

	respond.OK(c, img)
}

// Crop re-crops the original and regenerates its variants synchronously.
func (h *Handler) Crop(c *ginext.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var region model.CropRegion
	if err := c.ShouldBindJSON(&region); err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid crop region: %v", err))
		return
	}

	res, err := h.service.Crop(c.Request.Context(), middleware.RequesterFrom(c), id, region)
	if err != nil {
		fail(c, "crop", err)
		return
	}

	respond.OK(c, res)
}

// Delete removes an image, addressed by id or by the URL of any of its files.
func (h *Handler) Delete(c *ginext.Context) {
	var target imagesvc.DeleteTarget
	if err := c.ShouldBindJSON(&target); err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid request body: %v", err))
		return
	}

	res, err := h.service.Delete(c.Request.Context(), middleware.RequesterFrom(c), target)
	if err != nil {
		fail(c, "delete", err)
		return
	}

	respond.OK(c, res)
}

// Audit returns the audit trail of an image.
func (h *Handler) Audit(c *ginext.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	records, err := h.service.AuditTrail(c.Request.Context(), middleware.RequesterFrom(c), id)
	if err != nil {
		fail(c, "audit", err)
		return
	}

	respond.OK(c, records)
}

func parseID(c *ginext.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		zlog.Logger.Warn().Str("id", c.Param("id")).Msg("invalid id")
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid id %q", c.Param("id")))
		return 0, false
	}

	return id, true
}

// fail maps service errors to HTTP statuses. Server-side causes are logged, not echoed.
func fail(c *ginext.Context, op string, err error) {
	status := statusFor(err)

	if status >= http.StatusInternalServerError {
		zlog.Logger.Err(err).Str("op", op).Msg("request failed")
		respond.Fail(c, status, errors.New(http.StatusText(status)))
		return
	}

	zlog.Logger.Warn().Err(err).Str("op", op).Msg("request rejected")
	respond.Fail(c, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, imagesvc.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, imagesvc.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, imagesvc.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, imagesvc.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, imagesvc.ErrTransform):
		return http.StatusUnprocessableEntity
	case errors.Is(err, imagesvc.ErrStorage):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// plannedVariants lists where each expected variant of img will be served.
func plannedVariants(img model.Image) []VariantLink {
	specs := model.ExpectedVariantSpecs(img.Format)
	links := make([]VariantLink, 0, len(specs))

	dir := storage.VariantDir(path.Dir(img.Path))
	for _, spec := range specs {
		name := storage.VariantFilename(spec.Type, img.StoredFilename, spec.OutputFormat)
		links = append(links, VariantLink{Type: spec.Type, URL: storage.URL(path.Join(dir, name))})
	}

	return links
}
