// Package train fits a classifier on a dataset split, keeping the weights
// with the lowest validation loss.
package train

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"

	"go.uber.org/zap"

	"github.com/Brownie44l1/image-classifier/internal/artifact"
	"github.com/Brownie44l1/image-classifier/internal/dataset"
	"github.com/Brownie44l1/image-classifier/internal/metrics"
	"github.com/Brownie44l1/image-classifier/internal/model"
)

const (
	// Epochs is the maximum number of passes over the training split.
	Epochs = 50
	// Patience is how many epochs without a validation improvement are
	// tolerated before training stops.
	Patience = 5

	CheckpointName = "best_model"
	HistoryFile    = "history.json"
)

// Options tune a training run. Zero values fall back to defaults.
type Options struct {
	BatchSize    int
	LearningRate float64
	Grid         int
	Epochs       int
	Patience     int
	Seed         int64
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 32
	}
	if o.LearningRate <= 0 {
		o.LearningRate = 0.05
	}
	if o.Grid <= 0 {
		o.Grid = model.DefaultGrid
	}
	if o.Epochs <= 0 {
		o.Epochs = Epochs
	}
	if o.Patience <= 0 {
		o.Patience = Patience
	}
	return o
}

// History has one entry per completed epoch.
type History struct {
	Loss        []float64 `json:"loss"`
	Accuracy    []float64 `json:"accuracy"`
	ValLoss     []float64 `json:"val_loss"`
	ValAccuracy []float64 `json:"val_accuracy"`
}

// Result summarizes a finished run.
type Result struct {
	History      History
	BestEpoch    int
	BestValLoss  float64
	StoppedEarly bool
	TestLoss     float64
	TestAccuracy float64
	// Model holds the restored best weights.
	Model *model.Linear
}

type Trainer struct {
	loader *dataset.Loader
	store  artifact.Store
	opts   Options
	logger *zap.Logger
}

func New(loader *dataset.Loader, store artifact.Store, opts Options, logger *zap.Logger) *Trainer {
	return &Trainer{
		loader: loader,
		store:  store,
		opts:   opts.withDefaults(),
		logger: logger,
	}
}

// Run trains until the epoch budget is spent or validation loss stops
// improving, checkpointing every improvement, then writes the history and
// evaluates the restored best model on the test split.
func (t *Trainer) Run(ctx context.Context) (*Result, error) {
	if t.loader.Train.Len() == 0 {
		return nil, fmt.Errorf("training split is empty")
	}
	m, err := model.NewLinear(t.loader.Classes, t.loader.ImageSize(), t.opts.Grid)
	if err != nil {
		return nil, err
	}

	monitor := t.loader.Val
	if monitor.Len() == 0 {
		t.logger.Warn("validation split is empty, monitoring training loss instead")
		monitor = t.loader.Train
	}

	rng := rand.New(rand.NewSource(t.opts.Seed))
	res := &Result{BestValLoss: math.Inf(1), BestEpoch: -1}
	var best *model.Linear
	wait := 0

	for epoch := 0; epoch < t.opts.Epochs; epoch++ {
		loss, acc, err := t.fitEpoch(ctx, m, rng)
		if err != nil {
			return nil, fmt.Errorf("epoch %d: %w", epoch+1, err)
		}
		valLoss, valAcc, err := evaluate(ctx, m, monitor, t.opts.BatchSize)
		if err != nil {
			return nil, fmt.Errorf("epoch %d validation: %w", epoch+1, err)
		}

		res.History.Loss = append(res.History.Loss, loss)
		res.History.Accuracy = append(res.History.Accuracy, acc)
		res.History.ValLoss = append(res.History.ValLoss, valLoss)
		res.History.ValAccuracy = append(res.History.ValAccuracy, valAcc)
		metrics.EpochLoss.WithLabelValues("train").Set(loss)
		metrics.EpochLoss.WithLabelValues("val").Set(valLoss)

		t.logger.Info("epoch finished",
			zap.Int("epoch", epoch+1),
			zap.Float64("loss", loss),
			zap.Float64("accuracy", acc),
			zap.Float64("val_loss", valLoss),
			zap.Float64("val_accuracy", valAcc),
		)

		if valLoss < res.BestValLoss {
			res.BestValLoss = valLoss
			res.BestEpoch = epoch
			best = m.Clone()
			wait = 0
			if err := model.SaveLinear(t.store, CheckpointName, best); err != nil {
				return nil, fmt.Errorf("failed to save checkpoint: %w", err)
			}
			t.logger.Info("validation loss improved, checkpoint saved",
				zap.Float64("val_loss", valLoss),
				zap.String("checkpoint", t.store.Location(CheckpointName+".json")),
			)
			continue
		}
		wait++
		if wait >= t.opts.Patience {
			res.StoppedEarly = true
			t.logger.Info("early stopping", zap.Int("epoch", epoch+1), zap.Int("best_epoch", res.BestEpoch+1))
			break
		}
	}

	if best == nil {
		return nil, fmt.Errorf("validation loss never became finite")
	}
	res.Model = best

	historyFile, err := json.MarshalIndent(res.History, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode history: %w", err)
	}
	if err := t.store.Write(HistoryFile, historyFile); err != nil {
		return nil, fmt.Errorf("failed to save history: %w", err)
	}

	if t.loader.Test.Len() > 0 {
		res.TestLoss, res.TestAccuracy, err = evaluate(ctx, best, t.loader.Test, t.opts.BatchSize)
		if err != nil {
			return nil, fmt.Errorf("test evaluation: %w", err)
		}
		t.logger.Info("test evaluation",
			zap.Float64("test_loss", res.TestLoss),
			zap.Float64("test_accuracy", res.TestAccuracy),
		)
	} else {
		t.logger.Warn("test split is empty, skipping evaluation")
	}
	return res, nil
}

func (t *Trainer) fitEpoch(ctx context.Context, m *model.Linear, rng *rand.Rand) (loss, accuracy float64, err error) {
	var seen float64
	err = t.loader.Train.ShuffledBatches(ctx, rng, t.opts.BatchSize, func(b dataset.Batch) error {
		x, err := features(m, b)
		if err != nil {
			return err
		}
		l, a := m.Fit(x, b.Labels, t.opts.LearningRate)
		n := float64(len(b.Labels))
		loss += l * n
		accuracy += a * n
		seen += n
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return loss / seen, accuracy / seen, nil
}

func evaluate(ctx context.Context, m *model.Linear, split dataset.Split, batchSize int) (loss, accuracy float64, err error) {
	var seen float64
	err = split.Batches(ctx, batchSize, func(b dataset.Batch) error {
		x, err := features(m, b)
		if err != nil {
			return err
		}
		l, a := m.Evaluate(x, b.Labels)
		n := float64(len(b.Labels))
		loss += l * n
		accuracy += a * n
		seen += n
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	if seen == 0 {
		return math.Inf(1), 0, nil
	}
	return loss / seen, accuracy / seen, nil
}

func features(m *model.Linear, b dataset.Batch) ([][]float64, error) {
	x := make([][]float64, len(b.Images))
	for i, img := range b.Images {
		f, err := m.Features(img)
		if err != nil {
			return nil, err
		}
		x[i] = f
	}
	return x, nil
}
