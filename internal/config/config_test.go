package config

import (
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func serverArgs() ServerArgs {
	return ServerArgs{
		Port:           8000,
		UploadDir:      "uploads",
		ModelsDir:      "models",
		Checkpoint:     "best_model",
		UploadNaming:   NamingOriginal,
		MaxUploadBytes: 1 << 20,
	}
}

func TestServerArgs_Validate(t *testing.T) {
	assert.NoError(t, serverArgs().Validate())

	a := serverArgs()
	a.UploadNaming = NamingUUID
	assert.NoError(t, a.Validate())

	a.UploadNaming = "hash"
	assert.Error(t, a.Validate())

	a = serverArgs()
	a.Checkpoint = ""
	assert.Error(t, a.Validate())

	a = serverArgs()
	a.MaxUploadBytes = 0
	assert.Error(t, a.Validate())
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(LogArgs{LogLevel: "warn"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	logger, err = NewLogger(LogArgs{Dev: true, LogLevel: "debug"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	_, err = NewLogger(LogArgs{LogLevel: "loud"})
	assert.Error(t, err)
}

// The server imports this package; it must stay free of the training code.
func TestConfigHasNoModuleImports(t *testing.T) {
	files, err := filepath.Glob("*.go")
	require.NoError(t, err)
	for _, name := range files {
		if strings.HasSuffix(name, "_test.go") {
			continue
		}
		src, err := os.ReadFile(name)
		require.NoError(t, err)
		f, err := parser.ParseFile(token.NewFileSet(), name, src, parser.ImportsOnly)
		require.NoError(t, err)
		for _, imp := range f.Imports {
			assert.NotContains(t, imp.Path.Value, "github.com/Brownie44l1/image-classifier/", name)
		}
	}
}
