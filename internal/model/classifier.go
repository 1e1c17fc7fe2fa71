package model

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/Brownie44l1/agroscan-api/internal/labels"
	"github.com/Brownie44l1/agroscan-api/internal/preprocess"
)

// Classifier maps a Predictor's probability vector to a labelled Prediction.
type Classifier struct {
	predictor Predictor
	labels    *labels.Map
	topK      int
}

// NewClassifier pairs a predictor with its label map. topK below one is
// treated as one.
func NewClassifier(predictor Predictor, labelMap *labels.Map, topK int) *Classifier {
	if topK < 1 {
		topK = 1
	}
	return &Classifier{
		predictor: predictor,
		labels:    labelMap,
		topK:      topK,
	}
}

// CheckCompatibility fails when the model's output length and the label count
// differ.
func CheckCompatibility(numClasses int, labelMap *labels.Map) error {
	if numClasses != labelMap.Len() {
		return fmt.Errorf("%w: model outputs %d classes, label map has %d", ErrLoad, numClasses, labelMap.Len())
	}
	return nil
}

// Classify runs a single forward pass. The confidence is the maximum output
// value as reported by the model; ties resolve to the lowest index.
func (c *Classifier) Classify(input *preprocess.Tensor) (*Prediction, error) {
	probs, err := c.predictor.Predict(input)
	if err != nil {
		if errors.Is(err, ErrInference) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}
	if len(probs) == 0 {
		return nil, fmt.Errorf("%w: empty output vector", ErrInference)
	}
	for i, v := range probs {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, fmt.Errorf("%w: non-finite output %v at index %d", ErrInference, v, i)
		}
	}

	maxIdx := Argmax(probs)
	class, err := c.labels.Lookup(maxIdx)
	if err != nil {
		return nil, err
	}

	return &Prediction{
		Class:      class,
		Index:      maxIdx,
		Confidence: probs[maxIdx],
		Top:        c.top(probs),
	}, nil
}

// Argmax returns the first index holding the largest value, or -1 for an
// empty slice.
func Argmax(values []float32) int {
	if len(values) == 0 {
		return -1
	}
	maxIdx := 0
	maxVal := values[0]
	for i, val := range values {
		if val > maxVal {
			maxVal = val
			maxIdx = i
		}
	}
	return maxIdx
}

func (c *Classifier) top(probs []float32) []Score {
	indices := make([]int, 0, len(probs))
	for i := range probs {
		// outputs without a label cannot be shown
		if i < c.labels.Len() {
			indices = append(indices, i)
		}
	}
	sort.SliceStable(indices, func(a, b int) bool {
		return probs[indices[a]] > probs[indices[b]]
	})
	if len(indices) > c.topK {
		indices = indices[:c.topK]
	}

	scores := make([]Score, 0, len(indices))
	for _, i := range indices {
		label, _ := c.labels.Lookup(i)
		scores = append(scores, Score{Index: i, Label: label, Confidence: probs[i]})
	}
	return scores
}
