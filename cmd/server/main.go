package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/Brownie44l1/image-classifier/internal/artifact"
	"github.com/Brownie44l1/image-classifier/internal/config"
	"github.com/Brownie44l1/image-classifier/internal/handlers"
	"github.com/Brownie44l1/image-classifier/internal/history"
	"github.com/Brownie44l1/image-classifier/internal/metrics"
	"github.com/Brownie44l1/image-classifier/internal/model"
)

type flags struct {
	config.ServerArgs
	config.LogArgs
	artifact.S3Args
	metrics.PrometheusArgs
}

func main() {
	var args flags
	arg.MustParse(&args)
	if err := args.ServerArgs.Validate(); err != nil {
		panic(err)
	}

	logger, err := config.NewLogger(args.LogArgs)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if args.ONNXLibrary != "" {
		model.SetSharedLibraryPath(args.ONNXLibrary)
	}

	store := artifact.FromArgs(args.ModelsDir, args.S3Args, logger)
	logger.Info("loading classifier",
		zap.String("checkpoint", args.Checkpoint),
		zap.String("location", store.Location(args.Checkpoint+".json")),
	)
	classifier, err := model.Load(store, args.Checkpoint)
	if err != nil {
		logger.Fatal("failed to load classifier", zap.Error(err))
	}
	defer func() {
		if err := classifier.Close(); err != nil {
			logger.Warn("failed to close classifier", zap.Error(err))
		}
		if err := model.DestroyEnvironment(); err != nil {
			logger.Warn("failed to release onnx runtime", zap.Error(err))
		}
	}()

	meta := classifier.Metadata()
	logger.Info("classifier loaded",
		zap.String("format", meta.Format),
		zap.Strings("classes", meta.Classes),
		zap.Int("image_size", meta.ImageSize),
	)

	handler, err := handlers.NewHandler(classifier, history.NewMemory(args.HistoryCapacity), handlers.Options{
		UploadDir:      args.UploadDir,
		UploadNaming:   args.UploadNaming,
		MaxUploadBytes: args.MaxUploadBytes,
	}, logger)
	if err != nil {
		logger.Fatal("failed to set up handlers", zap.Error(err))
	}

	router := mux.NewRouter()
	handler.SetHandlers(router)

	metrics.StartServer(args.MetricsPort)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", args.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("server starting",
		zap.Uint("port", args.Port),
		zap.Uint("metrics_port", args.MetricsPort),
		zap.String("upload_dir", args.UploadDir),
		zap.String("upload_naming", args.UploadNaming),
	)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("server stopped unexpectedly", zap.Error(err))
	}
}
