package main

import (
	"testing"

	"github.com/alexflint/go-arg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, argv ...string) flags {
	t.Helper()
	var args flags
	p, err := arg.NewParser(arg.Config{}, &args)
	require.NoError(t, err)
	require.NoError(t, p.Parse(argv))
	return args
}

func TestFlags_Defaults(t *testing.T) {
	args := parse(t)
	assert.Equal(t, "data/raw_data/", args.DataDir)
	assert.Equal(t, 32, args.BatchSize)
	assert.Equal(t, "models/", args.DirSaveModels)
	assert.Equal(t, uint(2112), args.MetricsPort)
	assert.NoError(t, args.Args.Validate())
}

func TestFlags_MetricsPort(t *testing.T) {
	args := parse(t, "--metrics-port", "9100", "--batch_size", "8")
	assert.Equal(t, uint(9100), args.MetricsPort)
	assert.Equal(t, 8, args.Options().BatchSize)
}
