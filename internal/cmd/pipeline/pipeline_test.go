package pipeline

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	cfgpkg "github.com/rzbill/flostream/internal/config"
	"github.com/rzbill/flostream/internal/runtime"
	logpkg "github.com/rzbill/flostream/pkg/log"
)

func memoryConfig() cfgpkg.Config {
	cfg := cfgpkg.Default()
	cfg.Backend = cfgpkg.BackendMemory
	cfg.Log.Level = "error"
	cfg.Processor.CheckpointInterval = cfgpkg.Duration(20 * time.Millisecond)
	return cfg
}

func TestRunDemoWithFilter(t *testing.T) {
	defer goleak.VerifyNone(t)
	rt, err := runtime.Open(context.Background(), runtime.Options{Config: memoryConfig(), Logger: logpkg.NopLogger()})
	require.NoError(t, err)
	defer rt.Close()

	report, err := RunDemo(context.Background(), rt, DemoOptions{
		Count:         200,
		PerTick:       50,
		Filter:        "int(key) % 2 == 0",
		CountInterval: 20 * time.Millisecond,
	}, 10*time.Second)
	require.NoError(t, err)
	assert.True(t, report.Drained)
	assert.Equal(t, 100, report.Counted)
	assert.Len(t, report.Computations, 3)
}

func TestDemoTopologyRejectsBadFilter(t *testing.T) {
	_, err := DemoTopology(DemoOptions{Count: 1, Filter: "key +"}, 0)
	assert.Error(t, err)
}

func TestCommands(t *testing.T) {
	load := func(*cobra.Command) (cfgpkg.Config, error) { return memoryConfig(), nil }

	root := &cobra.Command{Use: "flostream"}
	root.AddCommand(NewPipelineCommand(load), NewTopologyCommand(load))
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetArgs([]string{"topology", "plantuml", "--filter", "true"})
	require.NoError(t, root.Execute())
	out := buf.String()
	assert.Contains(t, out, "@startuml")
	assert.Contains(t, out, `rectangle "FILTER x1" as c_FILTER`)
	assert.Contains(t, out, `rectangle "GENERATOR x1" as c_GENERATOR`)
	assert.Contains(t, out, `queue "demo/generated [4]" as s_demo_generated`)

	buf.Reset()
	root.SetArgs([]string{"pipeline", "run", "--count", "50", "--per-tick", "25", "--count-interval", "20ms", "--timeout", "10s"})
	require.NoError(t, root.Execute())
	assert.Contains(t, buf.String(), `"counted": 50`)
}
