// Package config declares the command line / environment arguments of the
// server and builds the logger shared by both binaries. It imports nothing
// from this module so the server does not link the training code.
package config

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Upload naming strategies.
const (
	// NamingOriginal keeps the client's file name; a second upload with the
	// same name overwrites the first.
	NamingOriginal = "original"
	// NamingUUID stores every upload under a fresh random name.
	NamingUUID = "uuid"
)

type LogArgs struct {
	Dev      bool   `arg:"--dev,env:DEV" help:"human readable development logging"`
	LogLevel string `arg:"--log-level,env:LOG_LEVEL" default:"info" help:"debug, info, warn or error"`
}

type ServerArgs struct {
	Port            uint   `arg:"--port,env:PORT" default:"8000"`
	UploadDir       string `arg:"--upload-dir,env:UPLOAD_DIR" default:"uploads"`
	ModelsDir       string `arg:"--models-dir,env:MODELS_DIR" default:"models"`
	Checkpoint      string `arg:"--checkpoint,env:CHECKPOINT" default:"best_model" help:"checkpoint name inside the models directory"`
	UploadNaming    string `arg:"--upload-naming,env:UPLOAD_NAMING" default:"original" help:"original or uuid"`
	HistoryCapacity int    `arg:"--history-capacity,env:HISTORY_CAPACITY" default:"0" help:"keep at most this many classifications, 0 keeps all"`
	MaxUploadBytes  int64  `arg:"--max-upload-bytes,env:MAX_UPLOAD_BYTES" default:"10485760"`
	ONNXLibrary     string `arg:"--onnx-library,env:ONNXRUNTIME_LIB" help:"path to the onnxruntime shared library"`
}

func (a ServerArgs) Validate() error {
	if a.UploadNaming != NamingOriginal && a.UploadNaming != NamingUUID {
		return fmt.Errorf("unknown upload naming %q", a.UploadNaming)
	}
	if a.UploadDir == "" || a.ModelsDir == "" || a.Checkpoint == "" {
		return fmt.Errorf("upload dir, models dir and checkpoint must be set")
	}
	if a.MaxUploadBytes <= 0 {
		return fmt.Errorf("max upload bytes must be positive")
	}
	return nil
}

// NewLogger builds a development logger or a JSON production logger with
// RFC3339 timestamps.
func NewLogger(args LogArgs) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if args.LogLevel != "" {
		if err := level.UnmarshalText([]byte(args.LogLevel)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", args.LogLevel, err)
		}
	}

	var config zap.Config
	if args.Dev {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
		config.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	}
	config.Level = level
	logger, err := config.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zap.ErrorLevel),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to construct logger: %w", err)
	}
	_ = zap.ReplaceGlobals(logger)
	return logger, nil
}
