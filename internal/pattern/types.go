package pattern

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Common errors for pattern validation. These are the caller-facing validation
// failures; they are surfaced synchronously and never retried.
var (
	ErrInvalidCategory   = errors.New("unrecognized pattern category")
	ErrInvalidConfidence = errors.New("confidence must be between 0.0 and 1.0")
	ErrDimensionMismatch = errors.New("coordinate dimensionality does not match store configuration")
	ErrEmptyID           = errors.New("pattern ID cannot be empty")
	ErrEmptyLabel        = errors.New("pattern label cannot be empty")
)

// Category classifies a pattern. The enumeration is closed: records carrying
// an unrecognized category are rejected at insert.
type Category string

const (
	CategoryArchitectural Category = "architectural"
	CategoryBehavioral    Category = "behavioral"
	CategoryStructural    Category = "structural"
	CategoryErrorHandling Category = "error_handling"
	CategoryPerformance   Category = "performance"
	CategoryConcurrency   Category = "concurrency"
	CategoryNaming        Category = "naming"
)

// Categories lists every recognized category in stable order.
func Categories() []Category {
	return []Category{
		CategoryArchitectural,
		CategoryBehavioral,
		CategoryStructural,
		CategoryErrorHandling,
		CategoryPerformance,
		CategoryConcurrency,
		CategoryNaming,
	}
}

// Valid reports whether c is a recognized category.
func (c Category) Valid() bool {
	switch c {
	case CategoryArchitectural, CategoryBehavioral, CategoryStructural,
		CategoryErrorHandling, CategoryPerformance, CategoryConcurrency,
		CategoryNaming:
		return true
	}
	return false
}

// Evidence is one supporting observation for a pattern. The evidence list on
// a record is append-only until the record is superseded by an upsert.
type Evidence struct {
	// Type describes the kind of evidence (e.g. "call-site", "metric").
	Type string `json:"type"`

	// Description is a human-readable summary of the observation.
	Description string `json:"description"`

	// Location points at the source artifact the evidence came from.
	Location string `json:"location"`

	// Confidence is the reliability of this single observation, in [0,1].
	Confidence float64 `json:"confidence"`
}

// Location is a source span a pattern was observed in.
type Location struct {
	File        string `json:"file"`
	StartLine   int    `json:"start_line"`
	EndLine     int    `json:"end_line"`
	StartColumn int    `json:"start_column"`
	EndColumn   int    `json:"end_column"`
}

// HarmonicProperties are producer-derived signal scores for a pattern. They
// are carried through unchanged; this core never recomputes them. The
// coordinate of a record is derived from these by the producer.
type HarmonicProperties struct {
	Category    Category `json:"category"`
	Strength    float64  `json:"strength"`
	Occurrences int      `json:"occurrences"`
	Confidence  float64  `json:"confidence"`
	Complexity  float64  `json:"complexity"`
}

// Content is the descriptive payload of a pattern.
type Content struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Type        string         `json:"type"`
	Tags        []string       `json:"tags,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// Memory is the core pattern entity.
//
// Confidence is the overall record confidence and may differ from
// HarmonicProperties.Confidence (the producer's raw signal score).
// Coordinates must have the dimensionality the owning store was created
// with; the store rejects mismatches at insert.
type Memory struct {
	// ID uniquely identifies the record within a store instance.
	// Caller-supplied or generated by New.
	ID string `json:"id"`

	// Pattern is the short label (e.g. "singleton-factory").
	Pattern string `json:"pattern"`

	// Category classifies the pattern. Immutable, assigned at creation.
	Category Category `json:"category"`

	// Evidence is the ordered list of supporting observations.
	Evidence []Evidence `json:"evidence,omitempty"`

	// Confidence is the overall record confidence, in [0,1].
	Confidence float64 `json:"confidence"`

	// Locations are the source spans the pattern was observed in.
	Locations []Location `json:"locations,omitempty"`

	// Timestamp is the creation time.
	Timestamp time.Time `json:"timestamp"`

	// Content is the descriptive payload.
	Content Content `json:"content"`

	// HarmonicProperties are the producer's derived signal scores.
	HarmonicProperties HarmonicProperties `json:"harmonic_properties"`

	// Coordinates embed the pattern in the field's proximity space.
	Coordinates []float64 `json:"coordinates"`
}

// New creates a pattern memory with a generated UUID and the current time.
// Validation is deferred to the store, which knows the configured
// dimensionality.
func New(label string, category Category, confidence float64, coordinates []float64) *Memory {
	return &Memory{
		ID:          uuid.New().String(),
		Pattern:     label,
		Category:    category,
		Confidence:  confidence,
		Timestamp:   time.Now(),
		Coordinates: coordinates,
	}
}

// Validate checks the record against the given store dimensionality.
// It has no side effects.
func (m *Memory) Validate(dimensions int) error {
	if m.ID == "" {
		return ErrEmptyID
	}
	if m.Pattern == "" {
		return ErrEmptyLabel
	}
	if !m.Category.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidCategory, m.Category)
	}
	if m.Confidence < 0.0 || m.Confidence > 1.0 {
		return fmt.Errorf("%w: confidence=%v", ErrInvalidConfidence, m.Confidence)
	}
	hp := m.HarmonicProperties
	for _, v := range []float64{hp.Strength, hp.Confidence, hp.Complexity} {
		if v < 0.0 || v > 1.0 {
			return fmt.Errorf("%w: harmonic score=%v", ErrInvalidConfidence, v)
		}
	}
	for _, ev := range m.Evidence {
		if ev.Confidence < 0.0 || ev.Confidence > 1.0 {
			return fmt.Errorf("%w: evidence confidence=%v", ErrInvalidConfidence, ev.Confidence)
		}
	}
	if len(m.Coordinates) != dimensions {
		return fmt.Errorf("%w: got %d, store configured for %d",
			ErrDimensionMismatch, len(m.Coordinates), dimensions)
	}
	return nil
}

// Clone returns a deep copy. Stores hand out clones so callers cannot mutate
// indexed records in place.
func (m *Memory) Clone() *Memory {
	if m == nil {
		return nil
	}
	out := *m
	out.Evidence = append([]Evidence(nil), m.Evidence...)
	out.Locations = append([]Location(nil), m.Locations...)
	out.Coordinates = append([]float64(nil), m.Coordinates...)
	out.Content.Tags = append([]string(nil), m.Content.Tags...)
	if m.Content.Data != nil {
		data := make(map[string]any, len(m.Content.Data))
		for k, v := range m.Content.Data {
			data[k] = v
		}
		out.Content.Data = data
	}
	return &out
}

// StoreStats summarizes a coordinate index.
type StoreStats struct {
	// TotalEntries is the current number of records.
	TotalEntries int `json:"total_entries"`

	// UniquePatterns counts distinct pattern labels.
	UniquePatterns int `json:"unique_patterns"`

	// TotalOperations is the cumulative count of inserts and queries.
	TotalOperations uint64 `json:"total_operations"`

	// Evictions is the cumulative count of capacity evictions.
	Evictions uint64 `json:"evictions"`

	// CategoryDistribution maps category to record count.
	CategoryDistribution map[Category]int `json:"category_distribution"`
}
