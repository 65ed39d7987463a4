package pointcloud

import (
	"fmt"
	"math/rand/v2"
	"sort"
)

// MemorySource serves pre-built shapes. It is used for synthetic runs
// and tests. Shapes are returned as stored; SampleSize, when positive,
// subsamples each access.
type MemorySource struct {
	shapes     []Shape
	stats      Stats
	sampleSize int
}

// NewMemorySource wraps shapes. Stats are applied on every access.
func NewMemorySource(shapes []Shape, stats Stats, sampleSize int) *MemorySource {
	return &MemorySource{shapes: shapes, stats: stats, sampleSize: sampleSize}
}

// Len returns the number of shapes.
func (m *MemorySource) Len() int { return len(m.shapes) }

// Shape returns shape idx.
func (m *MemorySource) Shape(idx int, rng *rand.Rand) (Shape, error) {
	if idx < 0 || idx >= len(m.shapes) {
		return Shape{}, fmt.Errorf("shape index %d out of range [0, %d)", idx, len(m.shapes))
	}
	s := m.shapes[idx]
	c := s.Cloud
	if m.sampleSize > 0 {
		c = c.Subsample(m.sampleSize, rng)
	}
	s.Cloud = m.stats.Normalize(c)
	return s, nil
}

// Categories returns the distinct sorted synset IDs.
func (m *MemorySource) Categories() []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range m.shapes {
		if !seen[s.SynsetID] {
			seen[s.SynsetID] = true
			out = append(out, s.SynsetID)
		}
	}
	sort.Strings(out)
	return out
}

// Stats returns the normalization statistics.
func (m *MemorySource) Stats() Stats { return m.stats }

var _ Source = (*MemorySource)(nil)
