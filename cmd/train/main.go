package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexflint/go-arg"
	"go.uber.org/zap"

	"github.com/Brownie44l1/image-classifier/internal/artifact"
	"github.com/Brownie44l1/image-classifier/internal/config"
	"github.com/Brownie44l1/image-classifier/internal/dataset"
	"github.com/Brownie44l1/image-classifier/internal/metrics"
	"github.com/Brownie44l1/image-classifier/internal/train"
)

type flags struct {
	train.Args
	config.LogArgs
	artifact.S3Args
	metrics.PrometheusArgs
}

func main() {
	var args flags
	arg.MustParse(&args)
	if err := args.Args.Validate(); err != nil {
		panic(err)
	}

	logger, err := config.NewLogger(args.LogArgs)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// epoch losses and fit timings stay scrapeable while training runs
	metrics.StartServer(args.MetricsPort)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loader, err := dataset.NewLoader(args.DataDir, args.LoaderOptions())
	if err != nil {
		logger.Fatal("failed to load dataset", zap.String("data_dir", args.DataDir), zap.Error(err))
	}
	counts := loader.Counts()
	for i, class := range loader.Classes {
		logger.Info("class", zap.Int("label", i), zap.String("name", class), zap.Int("images", counts[i]))
	}
	logger.Info("dataset split",
		zap.Int("total", loader.Total()),
		zap.Int("train", loader.Train.Len()),
		zap.Int("val", loader.Val.Len()),
		zap.Int("test", loader.Test.Len()),
	)

	store := artifact.FromArgs(args.DirSaveModels, args.S3Args, logger)
	res, err := train.New(loader, store, args.Options(), logger).Run(ctx)
	if err != nil {
		logger.Fatal("training failed", zap.Error(err))
	}

	logger.Info("training finished",
		zap.Int("epochs", len(res.History.Loss)),
		zap.Int("best_epoch", res.BestEpoch+1),
		zap.Float64("best_val_loss", res.BestValLoss),
		zap.Bool("stopped_early", res.StoppedEarly),
		zap.Float64("test_loss", res.TestLoss),
		zap.Float64("test_accuracy", res.TestAccuracy),
		zap.String("checkpoint", store.Location(train.CheckpointName+".json")),
	)
}
