package model

import (
	"errors"

	"github.com/Brownie44l1/agroscan-api/internal/preprocess"
)

var (
	// ErrLoad means the model artifact could not be loaded or does not pair
	// with the label map.
	ErrLoad = errors.New("model load failed")
	// ErrInference means the forward pass failed.
	ErrInference = errors.New("inference failed")
)

// Predictor runs one forward pass and returns the class probability vector.
type Predictor interface {
	Predict(input *preprocess.Tensor) ([]float32, error)
}

// Metadata describes the tensors bound to an ONNX session.
type Metadata struct {
	InputName   string  `json:"input_name"`
	OutputName  string  `json:"output_name"`
	InputShape  []int64 `json:"input_shape"`
	OutputShape []int64 `json:"output_shape"`
}

// NumClasses is the length of the output vector for a batch of one.
func (m Metadata) NumClasses() int {
	n := 1
	for _, d := range m.OutputShape {
		n *= int(d)
	}
	return n
}

// Score is one class probability.
type Score struct {
	Index      int     `json:"index"`
	Label      string  `json:"label"`
	Confidence float32 `json:"confidence"`
}

// Prediction is the argmax class with its raw probability and the best
// scoring classes in descending order.
type Prediction struct {
	Class      string  `json:"class"`
	Index      int     `json:"index"`
	Confidence float32 `json:"confidence"`
	Top        []Score `json:"top"`
}
