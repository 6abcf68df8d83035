// Package dataset enumerates a directory of labeled images and splits it
// into reproducible train, validation and test partitions.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/Brownie44l1/image-classifier/internal/preprocess"
)

// ErrRatios is returned when the split ratios do not add up to one.
var ErrRatios = errors.New("split ratios must sum to 1")

// ratioTolerance mirrors a relative closeness check around 1.0.
const ratioTolerance = 1e-9

var extensions = []string{".png", ".jpg", ".jpeg"}

// Options configure a Loader. Zero values are replaced by the defaults used
// by the trainer.
type Options struct {
	ImageSize  int
	TrainRatio float64
	ValRatio   float64
	TestRatio  float64
	Seed       int64
	// Workers bounds how many images are decoded concurrently per batch.
	Workers int
}

// DefaultOptions returns a 70/15/15 split of 256px images with seed 42.
func DefaultOptions() Options {
	return Options{
		ImageSize:  preprocess.DefaultSize,
		TrainRatio: 0.7,
		ValRatio:   0.15,
		TestRatio:  0.15,
		Seed:       42,
		Workers:    4,
	}
}

// Sample is one labeled image on disk.
type Sample struct {
	Path  string
	Label int
}

// Load preprocesses the sample's image.
func (s Sample) Load(size int) (preprocess.Tensor, error) {
	t, err := preprocess.File(s.Path, size)
	if err != nil {
		return preprocess.Tensor{}, fmt.Errorf("%s: %w", s.Path, err)
	}
	return t, nil
}

// Loader holds the class catalog and the three partitions.
type Loader struct {
	Classes []string
	Train   Split
	Val     Split
	Test    Split

	counts    []int
	imageSize int
}

// NewLoader scans dir, whose immediate subdirectories name the classes, and
// partitions the shuffled samples. Images are not decoded here.
func NewLoader(dir string, opts Options) (*Loader, error) {
	sum := opts.TrainRatio + opts.ValRatio + opts.TestRatio
	if math.Abs(sum-1.0) > ratioTolerance {
		return nil, fmt.Errorf("%w: %g + %g + %g = %g", ErrRatios, opts.TrainRatio, opts.ValRatio, opts.TestRatio, sum)
	}
	if opts.TrainRatio < 0 || opts.ValRatio < 0 || opts.TestRatio < 0 {
		return nil, fmt.Errorf("%w: negative ratio", ErrRatios)
	}
	if opts.ImageSize <= 0 {
		opts.ImageSize = preprocess.DefaultSize
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}

	classes, samples, err := scan(dir)
	if err != nil {
		return nil, err
	}
	if len(classes) == 0 {
		return nil, fmt.Errorf("no class directories found in %s", dir)
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("no images found in %s", dir)
	}

	counts := make([]int, len(classes))
	for _, s := range samples {
		counts[s.Label]++
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	rng.Shuffle(len(samples), func(i, j int) { samples[i], samples[j] = samples[j], samples[i] })

	total := len(samples)
	trainSize := int(math.Floor(opts.TrainRatio * float64(total)))
	valSize := int(math.Floor(opts.ValRatio * float64(total)))

	split := func(from, to int) Split {
		return Split{Samples: samples[from:to:to], size: opts.ImageSize, workers: opts.Workers}
	}
	return &Loader{
		Classes:   classes,
		Train:     split(0, trainSize),
		Val:       split(trainSize, trainSize+valSize),
		Test:      split(trainSize+valSize, total),
		counts:    counts,
		imageSize: opts.ImageSize,
	}, nil
}

// Counts returns the number of images found for each class, indexed by label.
func (l *Loader) Counts() []int {
	return append([]int(nil), l.counts...)
}

// ImageSize is the edge length every sample is preprocessed to.
func (l *Loader) ImageSize() int {
	return l.imageSize
}

// Total is the number of samples across all partitions.
func (l *Loader) Total() int {
	return l.Train.Len() + l.Val.Len() + l.Test.Len()
}

func scan(dir string) ([]string, []Sample, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read data directory: %w", err)
	}
	classes := lo.Map(lo.Filter(entries, func(e os.DirEntry, _ int) bool {
		return isDir(dir, e)
	}), func(e os.DirEntry, _ int) string {
		return e.Name()
	})
	sort.Strings(classes)

	var samples []Sample
	for label, class := range classes {
		files, err := os.ReadDir(filepath.Join(dir, class))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read class directory %s: %w", class, err)
		}
		for _, f := range files {
			if isDir(filepath.Join(dir, class), f) || !isImage(f.Name()) {
				continue
			}
			samples = append(samples, Sample{Path: filepath.Join(dir, class, f.Name()), Label: label})
		}
	}
	return classes, samples, nil
}

// isDir follows symlinks, so a linked class directory counts as a class.
func isDir(parent string, e os.DirEntry) bool {
	if e.Type()&fs.ModeSymlink == 0 {
		return e.IsDir()
	}
	info, err := os.Stat(filepath.Join(parent, e.Name()))
	return err == nil && info.IsDir()
}

func isImage(name string) bool {
	return lo.Contains(extensions, strings.ToLower(filepath.Ext(name)))
}

// Split is an ordered partition of samples. Images are decoded on demand.
type Split struct {
	Samples []Sample

	size    int
	workers int
}

// Len is the number of samples in the split.
func (s Split) Len() int {
	return len(s.Samples)
}

// Batch is a run of preprocessed images with their labels.
type Batch struct {
	Images []preprocess.Tensor
	Labels []int
}

// Batches walks the split in order, preprocessing batchSize samples at a
// time, and calls fn for each batch. The last batch may be shorter. While fn
// runs on one batch, the next one is already being decoded.
func (s Split) Batches(ctx context.Context, batchSize int, fn func(Batch) error) error {
	return s.batches(ctx, s.Samples, batchSize, fn)
}

// ShuffledBatches is like Batches but visits the samples in an order drawn
// from rng. The split itself is left untouched.
func (s Split) ShuffledBatches(ctx context.Context, rng *rand.Rand, batchSize int, fn func(Batch) error) error {
	order := append([]Sample(nil), s.Samples...)
	rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	return s.batches(ctx, order, batchSize, fn)
}

func (s Split) batches(ctx context.Context, samples []Sample, batchSize int, fn func(Batch) error) error {
	if batchSize <= 0 {
		return fmt.Errorf("invalid batch size %d", batchSize)
	}
	g, ctx := errgroup.WithContext(ctx)
	out := make(chan Batch, 1)

	g.Go(func() error {
		defer close(out)
		for start := 0; start < len(samples); start += batchSize {
			end := start + batchSize
			if end > len(samples) {
				end = len(samples)
			}
			b, err := s.load(ctx, samples[start:end])
			if err != nil {
				return err
			}
			select {
			case out <- b:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	g.Go(func() error {
		for b := range out {
			if err := fn(b); err != nil {
				return err
			}
		}
		return nil
	})
	return g.Wait()
}

func (s Split) load(ctx context.Context, samples []Sample) (Batch, error) {
	b := Batch{
		Images: make([]preprocess.Tensor, len(samples)),
		Labels: make([]int, len(samples)),
	}
	workers := s.workers
	if workers <= 0 {
		workers = 1
	}
	size := s.size
	if size <= 0 {
		size = preprocess.DefaultSize
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range samples {
		i := i
		b.Labels[i] = samples[i].Label
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			t, err := samples[i].Load(size)
			if err != nil {
				return err
			}
			b.Images[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Batch{}, err
	}
	return b, nil
}
