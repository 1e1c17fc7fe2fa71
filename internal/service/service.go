// Package service ties preprocessing and classification into a single
// diagnosis of an uploaded leaf photograph.
package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Brownie44l1/agroscan-api/internal/model"
	"github.com/Brownie44l1/agroscan-api/internal/preprocess"
)

// ErrUnsupportedFile is returned for uploads without a .jpg, .jpeg or .png
// extension. Such errors also match preprocess.ErrDecode.
var ErrUnsupportedFile = errors.New("unsupported file type")

// ErrBadTensor is returned when raw tensor input has the wrong length.
var ErrBadTensor = errors.New("invalid tensor")

// AcceptedExtensions lists the upload file extensions, lower case.
var AcceptedExtensions = []string{".jpg", ".jpeg", ".png"}

const searchBaseURL = "https://www.google.com/search?q="

// Diagnosis is a prediction ready to be shown to the user.
type Diagnosis struct {
	model.Prediction
	DisplayName string `json:"display_name"`
	SearchURL   string `json:"search_url"`
	Percent     string `json:"percent"`
	Preview     string `json:"-"`
}

// Recorder receives timings for completed stages. A nil Recorder is allowed.
type Recorder interface {
	ObserveInference(d time.Duration)
	IncDiagnosis(outcome string)
}

// Service is created once at startup and shared by all requests.
type Service struct {
	pre        *preprocess.Preprocessor
	classifier *model.Classifier
	logger     *zap.Logger
	recorder   Recorder
}

// New returns a Service. logger and recorder may be nil.
func New(pre *preprocess.Preprocessor, classifier *model.Classifier, logger *zap.Logger, recorder Recorder) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		pre:        pre,
		classifier: classifier,
		logger:     logger,
		recorder:   recorder,
	}
}

// Diagnose validates and classifies one upload. withPreview adds a PNG data
// URI of the resized image.
func (s *Service) Diagnose(ctx context.Context, filename string, data []byte, withPreview bool) (*Diagnosis, error) {
	// the client may be gone already; inference itself is not interruptible
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d, err := s.diagnose(filename, data, withPreview)
	s.record(outcome(err))
	if err != nil {
		s.logger.Warn("diagnosis failed",
			zap.String("filename", filename),
			zap.Int("bytes", len(data)),
			zap.Error(err))
		return nil, err
	}

	s.logger.Info("diagnosis",
		zap.String("filename", filename),
		zap.String("class", d.Class),
		zap.Float32("confidence", d.Confidence))
	return d, nil
}

func (s *Service) diagnose(filename string, data []byte, withPreview bool) (*Diagnosis, error) {
	if !AcceptedExtension(filename) {
		return nil, fmt.Errorf("%w: %w: %q", preprocess.ErrDecode, ErrUnsupportedFile, filepath.Ext(filename))
	}

	tensor, err := s.pre.Preprocess(data)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("preprocessed image", zap.Int64s("shape", tensor.Shape))

	start := time.Now()
	prediction, err := s.classifier.Classify(tensor)
	if s.recorder != nil {
		s.recorder.ObserveInference(time.Since(start))
	}
	if err != nil {
		return nil, err
	}

	d := &Diagnosis{
		Prediction:  *prediction,
		DisplayName: DisplayName(prediction.Class),
		SearchURL:   SearchURL(prediction.Class),
		Percent:     FormatPercent(prediction.Confidence),
	}

	if withPreview {
		preview, err := s.pre.Preview(data)
		if err != nil {
			s.logger.Warn("preview failed", zap.Error(err))
		} else {
			d.Preview = preview
		}
	}
	return d, nil
}

// ClassifyTensor classifies an already preprocessed image given as flat
// values in the preprocessor's layout.
func (s *Service) ClassifyTensor(ctx context.Context, values []float32) (*model.Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	shape := s.pre.Shape()
	tensor := &preprocess.Tensor{Shape: shape, Data: values}
	if len(values) != tensor.Len() {
		return nil, fmt.Errorf("%w: expected %d values, got %d", ErrBadTensor, tensor.Len(), len(values))
	}

	start := time.Now()
	prediction, err := s.classifier.Classify(tensor)
	if s.recorder != nil {
		s.recorder.ObserveInference(time.Since(start))
	}
	s.record(outcome(err))
	return prediction, err
}

func (s *Service) record(outcome string) {
	if s.recorder != nil {
		s.recorder.IncDiagnosis(outcome)
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnsupportedFile), errors.Is(err, preprocess.ErrDecode), errors.Is(err, ErrBadTensor):
		return "invalid_image"
	case errors.Is(err, model.ErrInference):
		return "inference_error"
	default:
		return "internal_error"
	}
}

// AcceptedExtension reports whether filename has an accepted image extension.
func AcceptedExtension(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, accepted := range AcceptedExtensions {
		if ext == accepted {
			return true
		}
	}
	return false
}

// SearchURL builds a web search link for a label: "___" becomes a space,
// spaces become "+", and "+plant+disease" is appended.
func SearchURL(label string) string {
	query := strings.ReplaceAll(strings.ReplaceAll(label, "___", " "), " ", "+")
	return searchBaseURL + query + "+plant+disease"
}

// DisplayName turns "Tomato___Early_blight" into "Tomato - Early blight".
func DisplayName(label string) string {
	name := strings.ReplaceAll(label, "___", " - ")
	return strings.TrimSpace(strings.ReplaceAll(name, "_", " "))
}

// FormatPercent renders a confidence in [0,1] as a percentage with two
// decimals.
func FormatPercent(confidence float32) string {
	return fmt.Sprintf("%.2f%%", float64(confidence)*100)
}
