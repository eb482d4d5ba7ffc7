// Package recipe defines the structured recipe content, its provenance, and
// the review-time reports attached to a draft.
package recipe

import (
	"time"
)

// Ingredient is one ingredient line. Section groups lines under a heading
// such as "For the sauce".
type Ingredient struct {
	Text    string `json:"text"`
	Section string `json:"section,omitempty"`
}

// Step is one instruction step.
type Step struct {
	Text    string `json:"text"`
	Section string `json:"section,omitempty"`
}

// Content is the structured body of a recipe.
type Content struct {
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	Yield        string       `json:"yield,omitempty"`
	PrepTime     Duration     `json:"prep_time,omitempty"`
	CookTime     Duration     `json:"cook_time,omitempty"`
	TotalTime    Duration     `json:"total_time,omitempty"`
	Ingredients  []Ingredient `json:"ingredients"`
	Instructions []Step       `json:"instructions"`
	Cuisine      string       `json:"cuisine,omitempty"`
	Category     string       `json:"category,omitempty"`
	Keywords     []string     `json:"keywords,omitempty"`
	ImageURL     string       `json:"image_url,omitempty"`
}

// Complete reports whether the content is a usable recipe: a name, at least
// one ingredient and at least one instruction.
func (c Content) Complete() bool {
	return c.Name != "" && len(c.Ingredients) > 0 && len(c.Instructions) > 0
}

// Extraction method tags.
const (
	MethodStructuredData = "structured_data"
	MethodTextGeneration = "text_generation"
)

// Source is the provenance of a recipe.
type Source struct {
	URL              string    `json:"url"`
	URLHash          string    `json:"url_hash"`
	SiteName         string    `json:"site_name,omitempty"`
	Author           string    `json:"author,omitempty"`
	RetrievedAt      time.Time `json:"retrieved_at"`
	ExtractionMethod string    `json:"extraction_method"`
	Confidence       float64   `json:"confidence"`
	LicenseHint      string    `json:"license_hint,omitempty"`
}

// ArtifactKind names a byproduct stored during ingest.
type ArtifactKind string

const (
	ArtifactRawFetch      ArtifactKind = "raw_fetch"
	ArtifactSanitizedText ArtifactKind = "sanitized_text"
	ArtifactExtraction    ArtifactKind = "extraction_payload"
	ArtifactValidation    ArtifactKind = "validation_payload"
)

// ArtifactRef points at a stored byproduct.
type ArtifactRef struct {
	Kind        ArtifactKind `json:"kind"`
	URI         string       `json:"uri"`
	ContentType string       `json:"content_type"`
	Size        int          `json:"size"`
}

// Draft is the reviewable candidate produced by the ingest pipeline.
type Draft struct {
	TaskID     string           `json:"task_id"`
	Recipe     Content          `json:"recipe"`
	Source     Source           `json:"source"`
	Validation ValidationReport `json:"validation"`
	Similarity SimilarityReport `json:"similarity"`
	Artifacts  []ArtifactRef    `json:"artifacts,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

// Recipe is a committed recipe in the permanent collection.
type Recipe struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Content   Content   `json:"content"`
	Source    Source    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
