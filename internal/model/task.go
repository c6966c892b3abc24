package model

// JobType identifies the kind of work a queued job performs.
type JobType string

// JobTypeVariants generates the rendition set for one original.
const JobTypeVariants JobType = "variants"

// VariantTask is the payload of a JobTypeVariants job.
type VariantTask struct {
	ImageID        int64  `json:"image_id"`
	Original       []byte `json:"-"`
	Format         Format `json:"format"`
	StoredFilename string `json:"stored_filename"` // target filename the variants derive their names from
	Dir            string `json:"dir"`             // target directory, relative to the blob store root
	Attempt        int    `json:"attempt"`
}

// GeneratedVariant is a rendition written to the blob store but not yet recorded.
type GeneratedVariant struct {
	Variant  ImageVariant `json:"variant"`
	Duration int64        `json:"duration_ms"`
}

// VariantFailure records why one rendition could not be produced.
type VariantFailure struct {
	Type  VariantType `json:"type"`
	Error string      `json:"error"`
}

// VariantResult is what a finished JobTypeVariants job hands back.
type VariantResult struct {
	ImageID      int64              `json:"image_id"`
	SourceWidth  int                `json:"source_width"`
	SourceHeight int                `json:"source_height"`
	Generated    []GeneratedVariant `json:"generated"`
	Failures     []VariantFailure   `json:"failures,omitempty"`
}
