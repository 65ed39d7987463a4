// Package labels maps category identifiers to dense integer labels.
//
// A Map is built once during training setup and passed by reference to
// every dataset. It is never mutated after construction, so concurrent
// lookups need no locking.
package labels

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownCategory is returned when a category is not in the universe.
var ErrUnknownCategory = errors.New("unknown category")

// Map assigns positions 0..K-1 to category identifiers in lexicographic
// order.
type Map struct {
	ids   []string
	index map[string]int
}

// NewMap builds a Map from the category universe. The input order does
// not matter; duplicates and empty identifiers are rejected.
func NewMap(ids []string) (*Map, error) {
	if len(ids) == 0 {
		return nil, errors.New("label map: empty category universe")
	}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	index := make(map[string]int, len(sorted))
	for i, id := range sorted {
		if id == "" {
			return nil, errors.New("label map: empty category identifier")
		}
		if _, dup := index[id]; dup {
			return nil, fmt.Errorf("label map: duplicate category %q", id)
		}
		index[id] = i
	}
	return &Map{ids: sorted, index: index}, nil
}

// DefaultMap returns the Map over every known synset. The universe is
// fixed regardless of which categories a run trains on, so label indices
// agree across runs and splits.
func DefaultMap() *Map {
	ids := make([]string, 0, len(Synsets))
	for id := range Synsets {
		ids = append(ids, id)
	}
	m, err := NewMap(ids)
	if err != nil {
		panic(err)
	}
	return m
}

// Index returns the label for id.
func (m *Map) Index(id string) (int, error) {
	i, ok := m.index[id]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownCategory, id)
	}
	return i, nil
}

// Len returns the number of categories.
func (m *Map) Len() int { return len(m.ids) }

// IDs returns the categories in label order.
func (m *Map) IDs() []string { return append([]string(nil), m.ids...) }

// Validate checks that every id is known. It reports the first unknown one.
func (m *Map) Validate(ids []string) error {
	for _, id := range ids {
		if _, err := m.Index(id); err != nil {
			return err
		}
	}
	return nil
}
