package train

import (
	"fmt"

	"github.com/Brownie44l1/image-classifier/internal/dataset"
	"github.com/Brownie44l1/image-classifier/internal/preprocess"
)

// Args uses snake_case flag names so existing training invocations keep
// working.
type Args struct {
	DataDir       string  `arg:"--data_dir,env:DATA_DIR" default:"data/raw_data/" help:"directory with one subdirectory per class"`
	BatchSize     int     `arg:"--batch_size,env:BATCH_SIZE" default:"32"`
	DirSaveModels string  `arg:"--dir_save_models,env:DIR_SAVE_MODELS" default:"models/" help:"where the checkpoint and history are written"`
	ImageSize     int     `arg:"--image_size,env:IMAGE_SIZE" default:"256"`
	Seed          int64   `arg:"--seed,env:SEED" default:"42"`
	LearningRate  float64 `arg:"--learning_rate,env:LEARNING_RATE" default:"0.05"`
	Grid          int     `arg:"--grid,env:GRID" default:"16" help:"pooled feature resolution"`
	Workers       int     `arg:"--workers,env:WORKERS" default:"4" help:"images decoded in parallel"`
}

func (a Args) Validate() error {
	if a.DataDir == "" || a.DirSaveModels == "" {
		return fmt.Errorf("data and model directories must be set")
	}
	if a.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", a.BatchSize)
	}
	if a.ImageSize <= 0 {
		return fmt.Errorf("image size must be positive, got %d", a.ImageSize)
	}
	if a.Grid <= 0 || a.Grid > a.ImageSize {
		return fmt.Errorf("grid must be within 1..%d, got %d", a.ImageSize, a.Grid)
	}
	return nil
}

// LoaderOptions maps the arguments onto the dataset loader. The split ratios
// are fixed at 70/15/15.
func (a Args) LoaderOptions() dataset.Options {
	opts := dataset.DefaultOptions()
	opts.ImageSize = a.ImageSize
	opts.Seed = a.Seed
	if a.Workers > 0 {
		opts.Workers = a.Workers
	}
	if opts.ImageSize <= 0 {
		opts.ImageSize = preprocess.DefaultSize
	}
	return opts
}

// Options maps the arguments onto the trainer. Epochs and patience are
// fixed.
func (a Args) Options() Options {
	return Options{
		BatchSize:    a.BatchSize,
		LearningRate: a.LearningRate,
		Grid:         a.Grid,
		Epochs:       Epochs,
		Patience:     Patience,
		Seed:         a.Seed,
	}
}
