package model

// VariantType names one of the fixed renditions derived from an original.
type VariantType string

const (
	VariantThumbnail VariantType = "thumbnail"
	VariantSmall     VariantType = "small"
	VariantMedium    VariantType = "medium"
	VariantLarge     VariantType = "large"
	VariantWebP      VariantType = "webp"
)

// FitMode controls how a variant is fitted into its target box.
type FitMode string

const (
	// FitCover scales and center-crops to exactly fill the box.
	FitCover FitMode = "cover"
	// FitBounded scales proportionally to fit inside the box, never upscaling.
	FitBounded FitMode = "bounded"
)

// VariantSpec describes how to derive one rendition.
// A zero Height means proportional scaling to Width.
// An empty OutputFormat keeps the source format.
type VariantSpec struct {
	Type         VariantType
	Width        int
	Height       int
	Fit          FitMode
	OutputFormat Format
	Watermark    bool
}

// VariantCount is the number of renditions produced for a raster original.
const VariantCount = 5

// VariantSpecs is the fixed rendition table, in generation order.
var VariantSpecs = [VariantCount]VariantSpec{
	{Type: VariantThumbnail, Width: 150, Height: 150, Fit: FitCover},
	{Type: VariantSmall, Width: 320, Fit: FitBounded},
	{Type: VariantMedium, Width: 640, Fit: FitBounded},
	{Type: VariantLarge, Width: 1280, Fit: FitBounded, Watermark: true},
	{Type: VariantWebP, Width: 1280, Fit: FitBounded, OutputFormat: FormatWebP},
}

// ExpectedVariants returns the renditions an original of the given format must end up with.
// Vector originals are served as uploaded.
func ExpectedVariants(f Format) []VariantType {
	if !f.Raster() {
		return nil
	}

	types := make([]VariantType, 0, VariantCount)
	for _, s := range VariantSpecs {
		types = append(types, s.Type)
	}

	return types
}

// ExpectedVariantSpecs returns the table entries ExpectedVariants names.
func ExpectedVariantSpecs(f Format) []VariantSpec {
	if !f.Raster() {
		return nil
	}

	return VariantSpecs[:]
}

// SpecFor returns the table entry for the given type.
func SpecFor(t VariantType) (VariantSpec, bool) {
	for _, s := range VariantSpecs {
		if s.Type == t {
			return s, true
		}
	}

	return VariantSpec{}, false
}

// ParseVariantType validates a variant type name.
func ParseVariantType(s string) (VariantType, bool) {
	_, ok := SpecFor(VariantType(s))
	return VariantType(s), ok
}
