package train

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArgs(t *testing.T) {
	a := Args{DataDir: "data", BatchSize: 16, DirSaveModels: "out", ImageSize: 64, Seed: 7, LearningRate: 0.1, Grid: 8, Workers: 2}
	require.NoError(t, a.Validate())

	lo := a.LoaderOptions()
	assert.Equal(t, 64, lo.ImageSize)
	assert.Equal(t, int64(7), lo.Seed)
	assert.Equal(t, 2, lo.Workers)
	assert.InDelta(t, 1.0, lo.TrainRatio+lo.ValRatio+lo.TestRatio, 1e-9)

	to := a.Options()
	assert.Equal(t, 16, to.BatchSize)
	assert.Equal(t, Epochs, to.Epochs)
	assert.Equal(t, Patience, to.Patience)

	a.Grid = 128
	assert.Error(t, a.Validate())
	a.Grid = 8
	a.BatchSize = 0
	assert.Error(t, a.Validate())
}
