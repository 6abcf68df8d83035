package model

import (
	"context"
	"errors"
	"math"

	"github.com/Brownie44l1/image-classifier/internal/preprocess"
)

// ErrNotLoaded is returned when a prediction is attempted without a usable model.
var ErrNotLoaded = errors.New("model not loaded")

// Checkpoint formats understood by Load.
const (
	FormatONNX   = "onnx"
	FormatLinear = "linear"
)

// Input layouts for ONNX models.
const (
	LayoutNCHW = "NCHW"
	LayoutNHWC = "NHWC"
)

// Output activations for ONNX models.
const (
	ActivationSoftmax = "softmax"
	ActivationLogits  = "logits"
)

// Metadata is stored next to every checkpoint as <name>.json.
type Metadata struct {
	Format      string   `json:"format"`
	ModelFile   string   `json:"model_file"`
	InputShape  []int64  `json:"input_shape,omitempty"`
	OutputShape []int64  `json:"output_shape,omitempty"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`
	Layout      string   `json:"layout,omitempty"`
	Activation  string   `json:"activation,omitempty"`
	// Grid is the pooled feature resolution of linear checkpoints.
	Grid int `json:"grid,omitempty"`
}

// Prediction is the outcome of one forward pass.
type Prediction struct {
	ClassIdx      int       `json:"class_idx"`
	ClassName     string    `json:"class_name"`
	Probabilities []float64 `json:"probabilities"`
}

// Classifier maps a preprocessed image onto a probability distribution over
// the class catalog. Probabilities are non-negative and sum to one;
// ClassIdx is their argmax.
type Classifier interface {
	Predict(ctx context.Context, t preprocess.Tensor) (*Prediction, error)
	Metadata() Metadata
	Close() error
}

// Argmax returns the index of the largest value, preferring the lowest index
// on ties. It returns -1 for an empty slice.
func Argmax(v []float64) int {
	if len(v) == 0 {
		return -1
	}
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

// Softmax converts logits into a probability distribution in place and
// returns it.
func Softmax(v []float64) []float64 {
	if len(v) == 0 {
		return v
	}
	max := v[Argmax(v)]
	var sum float64
	for i, x := range v {
		e := math.Exp(x - max)
		v[i] = e
		sum += e
	}
	for i := range v {
		v[i] /= sum
	}
	return v
}

// Normalize repairs model outputs that should already be probabilities:
// negatives and NaNs are clamped to zero and the vector is rescaled to sum to
// one. An all-zero vector becomes uniform.
func Normalize(v []float64) []float64 {
	var sum float64
	for i, x := range v {
		if x < 0 || math.IsNaN(x) {
			v[i] = 0
			continue
		}
		sum += x
	}
	if sum == 0 || math.IsInf(sum, 0) {
		for i := range v {
			v[i] = 1 / float64(len(v))
		}
		return v
	}
	for i := range v {
		v[i] /= sum
	}
	return v
}

func newPrediction(probs []float64, classes []string) *Prediction {
	idx := Argmax(probs)
	p := &Prediction{ClassIdx: idx, Probabilities: probs}
	if idx >= 0 && idx < len(classes) {
		p.ClassName = classes[idx]
	}
	return p
}
