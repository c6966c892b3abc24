package model

import "time"

// VariantState is the per-rendition entry of a StatusView.
type VariantState struct {
	Type     VariantType   `json:"type"`
	Status   Status        `json:"status"`
	Variant  *ImageVariant `json:"variant,omitempty"`
	Expected bool          `json:"expected"`
}

// Performance summarises the renditions of a completed image.
type Performance struct {
	OriginalSize     int64   `json:"original_size"`
	VariantsSize     int64   `json:"variants_size"`
	CompressionRatio float64 `json:"compression_ratio"` // variants size / original size
	SavedBytes       int64   `json:"saved_bytes"`       // original size - smallest variant
	ProcessingTime   int64   `json:"processing_time_ms"`
}

// StatusView is a point-in-time summary of how much expected output exists.
type StatusView struct {
	ImageID            int64          `json:"image_id"`
	ProcessingStatus   Status         `json:"processing_status"`
	JobID              string         `json:"job_id,omitempty"`
	Generated          int            `json:"generated"`
	Expected           int            `json:"expected"`
	Variants           []VariantState `json:"variants"`
	Missing            []VariantType  `json:"missing,omitempty"`
	EstimatedRemaining *int64         `json:"estimated_remaining_ms,omitempty"` // advisory
	QueuePending       int            `json:"queue_pending"`
	QueueProcessing    int            `json:"queue_processing"`
	Performance        *Performance   `json:"performance,omitempty"`
	CheckedAt          time.Time      `json:"checked_at"`
}
