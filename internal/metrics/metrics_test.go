package metrics

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/flostream/internal/computation"
	"github.com/rzbill/flostream/internal/processor"
	"github.com/rzbill/flostream/internal/record"
	"github.com/rzbill/flostream/internal/streamlog"
	"github.com/rzbill/flostream/internal/streamlog/memory"
	"github.com/rzbill/flostream/internal/topology"
)

func TestRegistry(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)
	families, err := r.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestStorage(t *testing.T) {
	s := NewStorage()
	s.ObserveWrite(time.Millisecond, 10)
	s.ObserveRead(time.Millisecond, 4)
	s.ObserveBatchCommit(time.Millisecond, 3, 30)
	assert.Equal(t, 40.0, testutil.ToFloat64(s.bytes.WithLabelValues("write"))+testutil.ToFloat64(s.bytes.WithLabelValues("commit")))
	assert.Equal(t, 3.0, testutil.ToFloat64(s.ops))
	assert.Equal(t, 3, testutil.CollectAndCount(s, "flostream_storage_latency_seconds"))
}

func TestLogs(t *testing.T) {
	logs := memory.NewManager()
	defer logs.Close()
	ctx := context.Background()
	name := streamlog.MustName("ns/orders")
	_, err := logs.CreateIfNotExists(ctx, name, 2)
	require.NoError(t, err)
	a, err := logs.GetAppender(name, nil)
	require.NoError(t, err)
	for _, k := range []string{"a", "b", "c"} {
		_, err := a.AppendKey(ctx, k, record.New(k, nil))
		require.NoError(t, err)
	}
	tailer, err := streamlog.CreateTailerForLog(logs, streamlog.MustName("billing"), name, nil)
	require.NoError(t, err)
	res, err := tailer.Read(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, res.IsOk())
	require.NoError(t, tailer.Commit(ctx))
	require.NoError(t, tailer.Close())

	expected := `
# HELP flostream_log_lag Records not committed by the group.
# TYPE flostream_log_lag gauge
flostream_log_lag{group="billing",log="ns/orders"} 2
# HELP flostream_log_partitions Partitions of the log.
# TYPE flostream_log_partitions gauge
flostream_log_partitions{log="ns/orders"} 2
`
	require.NoError(t, testutil.CollectAndCompare(NewLogs(logs), strings.NewReader(expected),
		"flostream_log_lag", "flostream_log_partitions"))
}

func TestProcessors(t *testing.T) {
	logs := memory.NewManager()
	defer logs.Close()
	sm := processor.NewStreamManager(logs)
	defer sm.Close()

	topo := topology.NewBuilder().
		AddComputation(func() computation.Computation { return computation.NewForward("C1", 1, 1) },
			[]string{"i1:input", "o1:output"}).
		MustBuild()
	p, err := sm.RegisterAndCreateProcessor(context.Background(), "demo", topo, processor.NewSettings(1, 1))
	require.NoError(t, err)
	_, err = sm.Append(context.Background(), "input", record.New("k", nil))
	require.NoError(t, err)
	require.NoError(t, p.Start())
	require.True(t, p.DrainAndStop(10*time.Second))

	c := NewProcessors(sm, nil)
	assert.Equal(t, 8, testutil.CollectAndCount(c))
	expected := `
# HELP flostream_computation_records_total Records processed.
# TYPE flostream_computation_records_total counter
flostream_computation_records_total{computation="C1",processor="demo"} 1
# HELP flostream_computation_lag Records not committed on the inputs.
# TYPE flostream_computation_lag gauge
flostream_computation_lag{computation="C1",processor="demo"} 0
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"flostream_computation_records_total", "flostream_computation_lag"))
}
