package model

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/Brownie44l1/image-classifier/internal/metrics"
	"github.com/Brownie44l1/image-classifier/internal/preprocess"
)

// Server runs an exported network through ONNX Runtime. The session owns a
// single pair of input/output tensors, so calls to Predict are serialized.
type Server struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	metadata     Metadata
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

// onnxMetadata checks what the runtime needs before any session is built and
// fills in the default layout and activation.
func onnxMetadata(metadata Metadata) (Metadata, error) {
	if len(metadata.InputShape) == 0 || len(metadata.OutputShape) == 0 {
		return metadata, fmt.Errorf("metadata is missing input or output shape")
	}
	switch metadata.Layout {
	case "":
		metadata.Layout = LayoutNCHW
	case LayoutNCHW, LayoutNHWC:
	default:
		return metadata, fmt.Errorf("unknown input layout %q", metadata.Layout)
	}
	switch metadata.Activation {
	case "":
		metadata.Activation = ActivationSoftmax
	case ActivationSoftmax, ActivationLogits:
	default:
		return metadata, fmt.Errorf("unknown output activation %q", metadata.Activation)
	}
	return metadata, nil
}

// DestroyEnvironment releases the ONNX runtime once every Server is closed.
// The environment is process wide, so only the owner of the last session
// should call it.
func DestroyEnvironment() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// SetSharedLibraryPath points the runtime at a specific onnxruntime build.
// It must be called before the first NewServer.
func SetSharedLibraryPath(path string) {
	if path != "" {
		ort.SetSharedLibraryPath(path)
	}
}

// NewServer loads the ONNX model at modelPath. metadata describes the input
// and output shapes plus the class catalog the model was trained on.
func NewServer(modelPath string, metadata Metadata) (*Server, error) {
	metadata, err := onnxMetadata(metadata)
	if err != nil {
		return nil, err
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}

	inputShape := ort.NewShape(metadata.InputShape...)
	outputShape := ort.NewShape(metadata.OutputShape...)

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input"}, []string{"output"},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &Server{
		session:      session,
		metadata:     metadata,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

func (s *Server) Metadata() Metadata {
	return s.metadata
}

func (s *Server) Predict(ctx context.Context, t preprocess.Tensor) (*Prediction, error) {
	defer metrics.Start("onnx_predict").Stop()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.Size != s.metadata.ImageSize {
		return nil, fmt.Errorf("expected %dx%d input, got %dx%d", s.metadata.ImageSize, s.metadata.ImageSize, t.Size, t.Size)
	}

	data := t.Data
	if s.metadata.Layout == LayoutNCHW {
		data = t.CHW()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil, ErrNotLoaded
	}

	in := s.inputTensor.GetData()
	if len(in) != len(data) {
		return nil, fmt.Errorf("expected %d input values, got %d", len(in), len(data))
	}
	copy(in, data)

	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	return prediction(s.outputTensor.GetData(), s.metadata)
}

// prediction turns raw network output into class probabilities. Outputs past
// the class count are ignored.
func prediction(output []float32, metadata Metadata) (*Prediction, error) {
	n := len(metadata.Classes)
	if len(output) < n {
		return nil, fmt.Errorf("model produced %d outputs for %d classes", len(output), n)
	}
	probs := make([]float64, n)
	for i := range probs {
		probs[i] = float64(output[i])
	}
	if metadata.Activation == ActivationLogits {
		Softmax(probs)
	} else {
		Normalize(probs)
	}
	return newPrediction(probs, metadata.Classes), nil
}

// Close releases the session and its tensors. The shared runtime
// environment is left to DestroyEnvironment.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inputTensor != nil {
		s.inputTensor.Destroy()
		s.inputTensor = nil
	}
	if s.outputTensor != nil {
		s.outputTensor.Destroy()
		s.outputTensor = nil
	}
	if s.session != nil {
		if err := s.session.Destroy(); err != nil {
			return fmt.Errorf("failed to destroy ONNX session: %w", err)
		}
		s.session = nil
	}
	return nil
}
