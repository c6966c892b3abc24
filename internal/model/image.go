package model

import "time"

// Status is the processing state of an uploaded original.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further processing is expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Image represents one uploaded original and its metadata row.
type Image struct {
	ID               int64          `json:"id"`
	StoredFilename   string         `json:"stored_filename"`
	OriginalFilename string         `json:"original_filename"`
	Path             string         `json:"path"` // relative to the blob store root
	Size             int64          `json:"size"`
	Width            int            `json:"width"`
	Height           int            `json:"height"`
	Format           Format         `json:"format"`
	MimeType         string         `json:"mime_type"`
	Title            string         `json:"title,omitempty"`
	Description      string         `json:"description,omitempty"`
	AltText          string         `json:"alt_text,omitempty"`
	ContentHash      string         `json:"content_hash"`
	OwnerID          int64          `json:"owner_id"`
	Status           Status         `json:"status"`
	JobID            string         `json:"job_id,omitempty"`
	Attempts         int            `json:"attempts"`
	ProcessingMs     int64          `json:"processing_ms"` // run time of the job that produced the current variants
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	Variants         []ImageVariant `json:"variants,omitempty"`
}

// ImageVariant is one derived rendition owned by exactly one Image.
type ImageVariant struct {
	ID             int64       `json:"id"`
	ImageID        int64       `json:"image_id"`
	Type           VariantType `json:"type"`
	StoredFilename string      `json:"stored_filename"`
	Path           string      `json:"path"`
	Size           int64       `json:"size"`
	Width          int         `json:"width"`
	Height         int         `json:"height"`
	Format         Format      `json:"format"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Completion is the outcome of a variant job as recorded on its image.
type Completion struct {
	Width        int
	Height       int
	Status       Status
	Variants     []ImageVariant
	ProcessingMs int64
}

// Details are the user-editable, sanitized text fields of an Image.
type Details struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	AltText     string `json:"alt_text"`
}

// VariantByType returns the variant of the given type, if present.
func (img Image) VariantByType(t VariantType) (ImageVariant, bool) {
	for _, v := range img.Variants {
		if v.Type == t {
			return v, true
		}
	}

	return ImageVariant{}, false
}
