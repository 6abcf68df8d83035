package model

import (
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/Brownie44l1/image-classifier/internal/metrics"
	"github.com/Brownie44l1/image-classifier/internal/preprocess"
)

// DefaultGrid is the pooled resolution used for linear checkpoints.
const DefaultGrid = 16

// Linear is the native checkpoint format written by the trainer: the image
// is average-pooled onto a grid x grid x 3 feature map and fed to a single
// dense softmax layer.
type Linear struct {
	metadata Metadata
	// w is features x classes.
	w *mat.Dense
	b []float64
}

// NewLinear returns an untrained, zero-initialized model for the given class
// catalog.
func NewLinear(classes []string, imageSize, grid int) (*Linear, error) {
	if len(classes) == 0 {
		return nil, fmt.Errorf("empty class catalog")
	}
	if grid <= 0 || grid > imageSize {
		return nil, fmt.Errorf("grid %d must be within 1..%d", grid, imageSize)
	}
	features := grid * grid * 3
	return &Linear{
		metadata: Metadata{
			Format:    FormatLinear,
			Classes:   append([]string(nil), classes...),
			ImageSize: imageSize,
			Grid:      grid,
		},
		w: mat.NewDense(features, len(classes), nil),
		b: make([]float64, len(classes)),
	}, nil
}

func (l *Linear) Metadata() Metadata {
	return l.metadata
}

func (l *Linear) Close() error {
	return nil
}

// Features average-pools t onto the model's grid.
func (l *Linear) Features(t preprocess.Tensor) ([]float64, error) {
	if t.Size != l.metadata.ImageSize {
		return nil, fmt.Errorf("expected %dx%d input, got %dx%d", l.metadata.ImageSize, l.metadata.ImageSize, t.Size, t.Size)
	}
	grid := l.metadata.Grid
	out := make([]float64, grid*grid*3)
	for gy := 0; gy < grid; gy++ {
		y0, y1 := gy*t.Size/grid, (gy+1)*t.Size/grid
		for gx := 0; gx < grid; gx++ {
			x0, x1 := gx*t.Size/grid, (gx+1)*t.Size/grid
			var sum [3]float64
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					for c := 0; c < 3; c++ {
						sum[c] += float64(t.At(x, y, c))
					}
				}
			}
			n := float64((y1 - y0) * (x1 - x0))
			i := (gy*grid + gx) * 3
			for c := 0; c < 3; c++ {
				out[i+c] = sum[c] / n
			}
		}
	}
	return out, nil
}

func (l *Linear) Predict(ctx context.Context, t preprocess.Tensor) (*Prediction, error) {
	defer metrics.Start("linear_predict").Stop()

	if l == nil || l.w == nil {
		return nil, ErrNotLoaded
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	x, err := l.Features(t)
	if err != nil {
		return nil, err
	}
	probs := l.forward([][]float64{x})
	return newPrediction(mat.Row(nil, 0, probs), l.metadata.Classes), nil
}

// forward returns the row-wise softmax of X·W + b.
func (l *Linear) forward(batch [][]float64) *mat.Dense {
	x := rows(batch)
	var z mat.Dense
	z.Mul(x, l.w)
	r, _ := z.Dims()
	for i := 0; i < r; i++ {
		row := z.RawRowView(i)
		floats.Add(row, l.b)
		Softmax(row)
	}
	return &z
}

// Fit runs one gradient descent step of cross-entropy loss over the batch and
// returns the loss and accuracy measured before the update.
func (l *Linear) Fit(batch [][]float64, labels []int, lr float64) (loss, accuracy float64) {
	defer metrics.Start("linear_fit").Stop()

	probs := l.forward(batch)
	loss, accuracy = score(probs, labels)

	// dL/dz = p - onehot(y)
	grad := probs
	for i, y := range labels {
		grad.Set(i, y, grad.At(i, y)-1)
	}
	n := float64(len(labels))

	var dw mat.Dense
	dw.Mul(rows(batch).T(), grad)
	floats.AddScaled(l.w.RawMatrix().Data, -lr/n, dw.RawMatrix().Data)

	db := make([]float64, len(l.b))
	for i := range labels {
		floats.Add(db, grad.RawRowView(i))
	}
	floats.AddScaled(l.b, -lr/n, db)
	return loss, accuracy
}

// Evaluate returns the mean loss and the accuracy over the batch without
// touching the weights.
func (l *Linear) Evaluate(batch [][]float64, labels []int) (loss, accuracy float64) {
	return score(l.forward(batch), labels)
}

// Clone returns an independent copy of the model.
func (l *Linear) Clone() *Linear {
	meta := l.metadata
	meta.Classes = append([]string(nil), l.metadata.Classes...)
	return &Linear{
		metadata: meta,
		w:        mat.DenseCopyOf(l.w),
		b:        append([]float64(nil), l.b...),
	}
}

func score(probs *mat.Dense, labels []int) (loss, accuracy float64) {
	correct := 0
	for i, y := range labels {
		row := probs.RawRowView(i)
		loss -= math.Log(math.Max(row[y], 1e-12))
		if Argmax(row) == y {
			correct++
		}
	}
	n := float64(len(labels))
	return loss / n, float64(correct) / n
}

func rows(batch [][]float64) *mat.Dense {
	cols := len(batch[0])
	data := make([]float64, 0, len(batch)*cols)
	for _, r := range batch {
		data = append(data, r...)
	}
	return mat.NewDense(len(batch), cols, data)
}

// weights is the gob payload of a linear checkpoint.
type weights struct {
	Rows, Cols int
	W          []float64
	B          []float64
}

// WriteTo serializes the weights. The metadata is stored separately.
func (l *Linear) WriteTo(w io.Writer) (int64, error) {
	r, c := l.w.Dims()
	cw := &countingWriter{w: w}
	err := gob.NewEncoder(cw).Encode(weights{Rows: r, Cols: c, W: l.w.RawMatrix().Data, B: l.b})
	if err != nil {
		return cw.n, fmt.Errorf("failed to encode weights: %w", err)
	}
	return cw.n, nil
}

// ReadLinear restores a model written by WriteTo.
func ReadLinear(r io.Reader, metadata Metadata) (*Linear, error) {
	var p weights
	if err := gob.NewDecoder(r).Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to decode weights: %w", err)
	}
	grid := metadata.Grid
	if grid <= 0 || grid > metadata.ImageSize {
		return nil, fmt.Errorf("grid %d must be within 1..%d", grid, metadata.ImageSize)
	}
	if len(metadata.Classes) == 0 {
		return nil, fmt.Errorf("empty class catalog")
	}
	if want := grid * grid * 3; p.Rows != want || p.Cols != len(metadata.Classes) {
		return nil, fmt.Errorf("weights are %dx%d, metadata expects %dx%d", p.Rows, p.Cols, want, len(metadata.Classes))
	}
	if len(p.W) != p.Rows*p.Cols || len(p.B) != p.Cols {
		return nil, fmt.Errorf("truncated weights")
	}
	return &Linear{
		metadata: metadata,
		w:        mat.NewDense(p.Rows, p.Cols, p.W),
		b:        p.B,
	}, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
