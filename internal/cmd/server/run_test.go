package serverrun

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfgpkg "github.com/rzbill/flostream/internal/config"
	"github.com/rzbill/flostream/internal/runtime"
)

func TestRunMemoryBackend(t *testing.T) {
	cfg := cfgpkg.Default()
	cfg.Backend = cfgpkg.BackendMemory
	cfg.Log.Level = "error"

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	ready := false
	err := Run(ctx, Options{Config: cfg, HTTPAddr: "127.0.0.1:0", Ready: func(rt *runtime.Runtime) {
		ready = rt.CheckHealth(context.Background()) == nil
	}})
	require.NoError(t, err)
	assert.True(t, ready)
}

func TestRunPebbleBackend(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	cfg := cfgpkg.Default()
	cfg.DataDir = t.TempDir()
	cfg.Storage.Fsync = "never"
	cfg.Log.Level = "error"

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, Run(ctx, Options{Config: cfg, HTTPAddr: "127.0.0.1:0"}))
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfg := cfgpkg.Default()
	cfg.Backend = cfgpkg.BackendMemory
	cfg.Log.Level = "error"
	cfg.Processor.Codec = "nope"
	assert.Error(t, Run(context.Background(), Options{Config: cfg}))
}
