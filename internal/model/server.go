package model

import (
	"fmt"
	"slices"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/Brownie44l1/agroscan-api/internal/preprocess"
)

// OnnxPredictor runs an ONNX classification model with tensors bound once at
// startup. Run mutates the shared input/output tensors, so calls are
// serialised.
type OnnxPredictor struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	Metadata     Metadata
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

// NewOnnxPredictor initialises the onnxruntime environment and loads the model
// at modelPath. sharedLibrary may be empty to use the runtime's default lookup.
func NewOnnxPredictor(modelPath, sharedLibrary string, metadata Metadata) (*OnnxPredictor, error) {
	if sharedLibrary != "" {
		ort.SetSharedLibraryPath(sharedLibrary)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("%w: failed to initialize ONNX environment: %v", ErrLoad, err)
	}

	p, err := newSession(modelPath, metadata)
	if err != nil {
		ort.DestroyEnvironment()
		return nil, err
	}
	return p, nil
}

func newSession(modelPath string, metadata Metadata) (*OnnxPredictor, error) {
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create input tensor: %v", ErrLoad, err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("%w: failed to create output tensor: %v", ErrLoad, err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{metadata.InputName}, []string{metadata.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("%w: failed to create ONNX session for %s: %v", ErrLoad, modelPath, err)
	}

	return &OnnxPredictor{
		session:      session,
		Metadata:     metadata,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

// Predict copies input into the bound tensor, runs the session and returns a
// copy of the output vector.
func (p *OnnxPredictor) Predict(input *preprocess.Tensor) ([]float32, error) {
	if !slices.Equal(input.Shape, p.Metadata.InputShape) {
		return nil, fmt.Errorf("%w: input shape %v, model expects %v", ErrInference, input.Shape, p.Metadata.InputShape)
	}
	if len(input.Data) != input.Len() {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrInference, len(input.Data), input.Shape)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	copy(p.inputTensor.GetData(), input.Data)

	if err := p.session.Run(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}

	out := p.outputTensor.GetData()
	probs := make([]float32, len(out))
	copy(probs, out)
	return probs, nil
}

// Close releases the tensors, the session and the runtime environment.
func (p *OnnxPredictor) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.inputTensor != nil {
		p.inputTensor.Destroy()
	}
	if p.outputTensor != nil {
		p.outputTensor.Destroy()
	}
	if p.session != nil {
		p.session.Destroy()
	}
	ort.DestroyEnvironment()
}
