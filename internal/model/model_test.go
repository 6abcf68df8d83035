package model

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Brownie44l1/image-classifier/internal/artifact"
	"github.com/Brownie44l1/image-classifier/internal/preprocess"
)

func uniform(size int, r, g, b float32) preprocess.Tensor {
	data := make([]float32, size*size*3)
	for i := 0; i < size*size; i++ {
		data[i*3], data[i*3+1], data[i*3+2] = r, g, b
	}
	return preprocess.Tensor{Size: size, Data: data}
}

func sum(v []float64) float64 {
	var s float64
	for _, x := range v {
		s += x
	}
	return s
}

func TestArgmax(t *testing.T) {
	assert.Equal(t, -1, Argmax(nil))
	assert.Equal(t, 0, Argmax([]float64{3}))
	assert.Equal(t, 2, Argmax([]float64{0.1, 0.2, 0.7}))
	assert.Equal(t, 1, Argmax([]float64{0.1, 0.45, 0.45}), "ties go to the lowest index")
	assert.Equal(t, 0, Argmax([]float64{0.5, 0.5}))
}

func TestSoftmax(t *testing.T) {
	p := Softmax([]float64{1, 2, 3})
	assert.InDelta(t, 1.0, sum(p), 1e-12)
	assert.Equal(t, 2, Argmax(p))

	// large logits must not overflow
	p = Softmax([]float64{1000, 1000})
	assert.InDelta(t, 0.5, p[0], 1e-12)
	assert.InDelta(t, 0.5, p[1], 1e-12)
}

func TestNormalize(t *testing.T) {
	p := Normalize([]float64{2, -1, 2})
	assert.Equal(t, []float64{0.5, 0, 0.5}, p)

	p = Normalize([]float64{0, 0, 0, 0})
	assert.Equal(t, []float64{0.25, 0.25, 0.25, 0.25}, p)

	p = Normalize([]float64{math.NaN(), 1})
	assert.Equal(t, []float64{0, 1}, p)
}

func TestNewLinear_Validates(t *testing.T) {
	_, err := NewLinear(nil, 32, 4)
	assert.Error(t, err)
	_, err = NewLinear([]string{"a"}, 32, 0)
	assert.Error(t, err)
	_, err = NewLinear([]string{"a"}, 4, 8)
	assert.Error(t, err)
}

func TestLinear_FeaturesAveragePool(t *testing.T) {
	l, err := NewLinear([]string{"a", "b"}, 4, 2)
	require.NoError(t, err)

	tensor := uniform(4, 0, 0, 0)
	// brighten the top-left 2x2 cell's red channel to 1 on half its pixels
	tensor.Data[0] = 1
	tensor.Data[(1*4+1)*3] = 1
	f, err := l.Features(tensor)
	require.NoError(t, err)
	require.Len(t, f, 2*2*3)
	assert.InDelta(t, 0.5, f[0], 1e-9)
	for i := 1; i < len(f); i++ {
		assert.Zero(t, f[i])
	}

	_, err = l.Features(uniform(8, 0, 0, 0))
	assert.Error(t, err)
}

func TestLinear_PredictReturnsDistribution(t *testing.T) {
	l, err := NewLinear([]string{"a", "b", "c"}, 8, 4)
	require.NoError(t, err)

	p, err := l.Predict(context.Background(), uniform(8, 0.3, 0.6, 0.9))
	require.NoError(t, err)
	require.Len(t, p.Probabilities, 3)
	assert.InDelta(t, 1.0, sum(p.Probabilities), 1e-9)
	// untrained weights are all zero: uniform output, argmax is the first class
	assert.Equal(t, 0, p.ClassIdx)
	assert.Equal(t, "a", p.ClassName)
}

func TestLinear_FitSeparatesColors(t *testing.T) {
	l, err := NewLinear([]string{"blue", "red"}, 4, 2)
	require.NoError(t, err)

	red, err := l.Features(uniform(4, 0.9, 0.1, 0.1))
	require.NoError(t, err)
	blue, err := l.Features(uniform(4, 0.1, 0.1, 0.9))
	require.NoError(t, err)
	batch := [][]float64{red, blue, red, blue}
	labels := []int{1, 0, 1, 0}

	first, _ := l.Evaluate(batch, labels)
	var loss float64
	for i := 0; i < 200; i++ {
		loss, _ = l.Fit(batch, labels, 0.5)
	}
	last, acc := l.Evaluate(batch, labels)
	assert.Less(t, last, first)
	assert.LessOrEqual(t, last, loss)
	assert.Equal(t, 1.0, acc)

	for _, tc := range []struct {
		tensor preprocess.Tensor
		want   int
	}{
		{uniform(4, 0.8, 0.2, 0.1), 1},
		{uniform(4, 0.2, 0.1, 0.8), 0},
	} {
		p, err := l.Predict(context.Background(), tc.tensor)
		require.NoError(t, err)
		assert.Equal(t, tc.want, p.ClassIdx)
		assert.Equal(t, Argmax(p.Probabilities), p.ClassIdx)
		assert.InDelta(t, 1.0, sum(p.Probabilities), 1e-9)
		for _, v := range p.Probabilities {
			assert.GreaterOrEqual(t, v, 0.0)
		}
	}
}

func TestLinear_CloneIsIndependent(t *testing.T) {
	l, err := NewLinear([]string{"a", "b"}, 2, 1)
	require.NoError(t, err)
	snapshot := l.Clone()

	x := [][]float64{{1, 0, 0}}
	l.Fit(x, []int{1}, 1)
	trained, _ := l.Evaluate(x, []int{1})
	untouched, _ := snapshot.Evaluate(x, []int{1})
	assert.InDelta(t, math.Log(2), untouched, 1e-9)
	assert.Less(t, trained, untouched)
}

func TestLinear_ZeroValueNotLoaded(t *testing.T) {
	var l Linear
	_, err := l.Predict(context.Background(), uniform(2, 0, 0, 0))
	assert.ErrorIs(t, err, ErrNotLoaded)
}

func TestCheckpoint_SaveAndLoadLinear(t *testing.T) {
	store := artifact.NewStore(t.TempDir(), zap.NewNop())
	l, err := NewLinear([]string{"blue", "red"}, 4, 2)
	require.NoError(t, err)
	red, _ := l.Features(uniform(4, 1, 0, 0))
	blue, _ := l.Features(uniform(4, 0, 0, 1))
	for i := 0; i < 50; i++ {
		l.Fit([][]float64{red, blue}, []int{1, 0}, 0.5)
	}
	require.NoError(t, SaveLinear(store, "best_model", l))

	loaded, err := Load(store, "best_model")
	require.NoError(t, err)
	defer loaded.Close()
	meta := loaded.Metadata()
	assert.Equal(t, FormatLinear, meta.Format)
	assert.Equal(t, []string{"blue", "red"}, meta.Classes)
	assert.Equal(t, 4, meta.ImageSize)
	assert.Equal(t, "best_model.bin", meta.ModelFile)

	tensor := uniform(4, 1, 0, 0)
	want, err := l.Predict(context.Background(), tensor)
	require.NoError(t, err)
	got, err := loaded.Predict(context.Background(), tensor)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestCheckpoint_LoadErrors(t *testing.T) {
	dir := t.TempDir()
	store := artifact.NewStore(dir, zap.NewNop())

	_, err := Load(store, "missing")
	assert.Error(t, err)

	write := func(name, body string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	write("bad.json", "{")
	_, err = Load(store, "bad")
	assert.Error(t, err)

	write("noclasses.json", `{"format":"linear","image_size":4,"grid":2}`)
	_, err = Load(store, "noclasses")
	assert.Error(t, err)

	write("weird.json", `{"format":"tflite","classes":["a"],"image_size":4}`)
	_, err = Load(store, "weird")
	assert.ErrorContains(t, err, "unknown checkpoint format")

	write("short.json", `{"format":"linear","classes":["a","b"],"image_size":4,"grid":2}`)
	write("short.bin", "not gob")
	_, err = Load(store, "short")
	assert.Error(t, err)
}

func TestCheckpoint_LoadRejectsMismatchedWeights(t *testing.T) {
	store := artifact.NewStore(t.TempDir(), zap.NewNop())
	l, err := NewLinear([]string{"a", "b"}, 4, 2)
	require.NoError(t, err)
	require.NoError(t, SaveLinear(store, "m", l))

	// catalog grew after training: the checkpoint no longer matches
	meta := l.Metadata()
	meta.ModelFile = "m.bin"
	meta.Classes = []string{"a", "b", "c"}
	data, err := store.Read("m.bin")
	require.NoError(t, err)
	_, err = ReadLinear(bytes.NewReader(data), meta)
	assert.Error(t, err)
}
