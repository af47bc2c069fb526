package pattern

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validMemory() *Memory {
	return &Memory{
		ID:          "mem-1",
		Pattern:     "singleton-factory",
		Category:    CategoryArchitectural,
		Confidence:  0.8,
		Timestamp:   time.Now(),
		Coordinates: []float64{0.1, 0.2, 0.3},
	}
}

func TestMemoryValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Memory)
		wantErr error
	}{
		{
			name:   "valid record",
			mutate: func(m *Memory) {},
		},
		{
			name:    "empty ID",
			mutate:  func(m *Memory) { m.ID = "" },
			wantErr: ErrEmptyID,
		},
		{
			name:    "empty label",
			mutate:  func(m *Memory) { m.Pattern = "" },
			wantErr: ErrEmptyLabel,
		},
		{
			name:    "unknown category",
			mutate:  func(m *Memory) { m.Category = "quantum" },
			wantErr: ErrInvalidCategory,
		},
		{
			name:    "confidence above one",
			mutate:  func(m *Memory) { m.Confidence = 1.5 },
			wantErr: ErrInvalidConfidence,
		},
		{
			name:    "negative confidence",
			mutate:  func(m *Memory) { m.Confidence = -0.1 },
			wantErr: ErrInvalidConfidence,
		},
		{
			name:    "harmonic strength out of range",
			mutate:  func(m *Memory) { m.HarmonicProperties.Strength = 2.0 },
			wantErr: ErrInvalidConfidence,
		},
		{
			name: "evidence confidence out of range",
			mutate: func(m *Memory) {
				m.Evidence = []Evidence{{Type: "call-site", Confidence: 1.2}}
			},
			wantErr: ErrInvalidConfidence,
		},
		{
			name:    "too few coordinates",
			mutate:  func(m *Memory) { m.Coordinates = []float64{0.1} },
			wantErr: ErrDimensionMismatch,
		},
		{
			name:    "too many coordinates",
			mutate:  func(m *Memory) { m.Coordinates = []float64{0.1, 0.2, 0.3, 0.4} },
			wantErr: ErrDimensionMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validMemory()
			tt.mutate(m)
			err := m.Validate(3)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestNewGeneratesIdentity(t *testing.T) {
	m := New("observer-chain", CategoryBehavioral, 0.7, []float64{1, 2, 3})

	require.NotEmpty(t, m.ID)
	assert.Equal(t, "observer-chain", m.Pattern)
	assert.Equal(t, CategoryBehavioral, m.Category)
	assert.InDelta(t, 0.7, m.Confidence, 1e-9)
	assert.False(t, m.Timestamp.IsZero())

	other := New("observer-chain", CategoryBehavioral, 0.7, []float64{1, 2, 3})
	assert.NotEqual(t, m.ID, other.ID)
}

func TestCloneIsDeep(t *testing.T) {
	m := validMemory()
	m.Evidence = []Evidence{{Type: "metric", Description: "p99 regression", Confidence: 0.6}}
	m.Locations = []Location{{File: "store.go", StartLine: 10, EndLine: 20}}
	m.Content.Tags = []string{"cache", "hot-path"}
	m.Content.Data = map[string]any{"occurrences": 4}

	c := m.Clone()
	require.Equal(t, m, c)

	c.Evidence[0].Confidence = 0.1
	c.Locations[0].File = "other.go"
	c.Coordinates[0] = 99
	c.Content.Tags[0] = "mutated"
	c.Content.Data["occurrences"] = 5

	assert.InDelta(t, 0.6, m.Evidence[0].Confidence, 1e-9)
	assert.Equal(t, "store.go", m.Locations[0].File)
	assert.InDelta(t, 0.1, m.Coordinates[0], 1e-9)
	assert.Equal(t, "cache", m.Content.Tags[0])
	assert.Equal(t, 4, m.Content.Data["occurrences"])
}

func TestCloneNil(t *testing.T) {
	var m *Memory
	assert.Nil(t, m.Clone())
}

func TestCategoryValid(t *testing.T) {
	for _, c := range Categories() {
		assert.True(t, c.Valid(), "category %q should be valid", c)
	}
	assert.False(t, Category("").Valid())
	assert.False(t, Category("Architectural").Valid(), "categories are case sensitive")
	assert.False(t, Category("quantum").Valid())
}
