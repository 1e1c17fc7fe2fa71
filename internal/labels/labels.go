// Package labels loads the class index file that pairs model output
// positions with disease names.
package labels

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

var (
	// ErrLoad is returned when the label file is missing or malformed.
	ErrLoad = errors.New("label map load failed")
	// ErrLookup is returned for an index the map has no label for.
	ErrLookup = errors.New("label lookup failed")
)

// Map is an immutable index -> label table with keys 0..N-1.
type Map struct {
	labels []string
}

// Load reads and validates a JSON object such as
// {"0": "Apple___Black_rot", "1": "Apple___healthy"}.
func Load(path string) (*Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoad, err)
	}
	return Parse(data)
}

// Parse validates raw label file contents.
func Parse(data []byte) (*Map, error) {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: invalid json: %v", ErrLoad, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: no labels", ErrLoad)
	}

	labels := make([]string, len(raw))
	seen := make([]bool, len(raw))
	for key, label := range raw {
		idx, err := strconv.Atoi(strings.TrimSpace(key))
		if err != nil {
			return nil, fmt.Errorf("%w: key %q is not an integer", ErrLoad, key)
		}
		if idx < 0 || idx >= len(raw) {
			return nil, fmt.Errorf("%w: key %d outside contiguous range 0..%d", ErrLoad, idx, len(raw)-1)
		}
		// "1" and "01" both parse to 1
		if seen[idx] {
			return nil, fmt.Errorf("%w: duplicate key %d", ErrLoad, idx)
		}
		if strings.TrimSpace(label) == "" {
			return nil, fmt.Errorf("%w: empty label for key %d", ErrLoad, idx)
		}
		seen[idx] = true
		labels[idx] = label
	}

	return &Map{labels: labels}, nil
}

// Lookup returns the label for index.
func (m *Map) Lookup(index int) (string, error) {
	if index < 0 || index >= len(m.labels) {
		return "", fmt.Errorf("%w: index %d not in 0..%d", ErrLookup, index, len(m.labels)-1)
	}
	return m.labels[index], nil
}

// Len is the number of classes.
func (m *Map) Len() int {
	return len(m.labels)
}

// Labels returns a copy of the labels in index order.
func (m *Map) Labels() []string {
	out := make([]string, len(m.labels))
	copy(out, m.labels)
	return out
}
