package recipe

// Issue is a single validation finding.
type Issue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationReport lists blocking errors and advisory warnings.
type ValidationReport struct {
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}

// IsValid reports whether the report has no errors.
func (r ValidationReport) IsValid() bool {
	return len(r.Errors) == 0
}

// Level classifies a similarity metric against its thresholds.
type Level string

const (
	LevelOK    Level = "ok"
	LevelWarn  Level = "warn"
	LevelBlock Level = "block"
)

// SectionScore holds the similarity metrics for one extracted section.
// Section is "description" or "instruction[N]" (zero-based).
type SectionScore struct {
	Section        string  `json:"section"`
	LongestOverlap int     `json:"longest_overlap"`
	Similarity     float64 `json:"similarity"`
	Level          Level   `json:"level"`
	Repaired       bool    `json:"repaired,omitempty"`
}

// Thresholds are the warn/error cut-offs for both metrics.
type Thresholds struct {
	OverlapWarn     int     `json:"overlap_warn"`
	OverlapError    int     `json:"overlap_error"`
	SimilarityWarn  float64 `json:"similarity_warn"`
	SimilarityError float64 `json:"similarity_error"`
}

// DefaultThresholds returns the standard guard thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		OverlapWarn:     40,
		OverlapError:    80,
		SimilarityWarn:  0.20,
		SimilarityError: 0.35,
	}
}

// Classify returns the level for a pair of metrics.
func (t Thresholds) Classify(overlap int, similarity float64) Level {
	if overlap >= t.OverlapError || similarity >= t.SimilarityError {
		return LevelBlock
	}
	if overlap >= t.OverlapWarn || similarity >= t.SimilarityWarn {
		return LevelWarn
	}
	return LevelOK
}

// SimilarityReport is the per-section overlap assessment of a draft.
type SimilarityReport struct {
	Sections            []SectionScore `json:"sections"`
	Thresholds          Thresholds     `json:"thresholds"`
	ViolatesPolicy      bool           `json:"violates_policy"`
	RepairAttempted     bool           `json:"repair_attempted"`
	StillViolatesPolicy bool           `json:"still_violates_policy"`
}

// Offending returns the sections at block level.
func (r SimilarityReport) Offending() []SectionScore {
	var out []SectionScore
	for _, s := range r.Sections {
		if s.Level == LevelBlock {
			out = append(out, s)
		}
	}
	return out
}
