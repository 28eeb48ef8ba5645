package domain

import "time"

// PatternKind names one of the four conversion detector families.
type PatternKind string

const (
	PatternWho  PatternKind = "WHO"
	PatternWhat PatternKind = "WHAT"
	PatternWhen PatternKind = "WHEN"
	PatternHow  PatternKind = "HOW"
)

// PatternFeature is one learned (feature → lift) observation inside a
// pattern record. Lift is the segment conversion rate divided by the
// tenant baseline; 1.0 means no signal.
type PatternFeature struct {
	Feature     string  `json:"feature"`
	Lift        float64 `json:"lift"`
	SampleSize  int     `json:"sample_size"`
	Conversions int     `json:"conversions"`
	Confidence  float64 `json:"confidence"`
}

// PatternRecord is a detector's output for one tenant and kind. The
// detectors overwrite the record wholesale on each weekly run.
type PatternRecord struct {
	TenantID   string           `json:"tenant_id" dynamodbav:"-"`
	Kind       PatternKind      `json:"kind" dynamodbav:"-"`
	Features   []PatternFeature `json:"features"`
	SampleSize int              `json:"sample_size"`
	ComputedAt time.Time        `json:"computed_at"`
}

// Eligible returns the subset of features gated for production use:
// confidence at or above minConfidence and at least minConversions
// observed conversions. Ungated features remain stored for visibility.
func (p *PatternRecord) Eligible(minConfidence float64, minConversions int) []PatternFeature {
	var out []PatternFeature
	for _, f := range p.Features {
		if f.Confidence >= minConfidence && f.Conversions >= minConversions {
			out = append(out, f)
		}
	}
	return out
}
