package client

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfgpkg "github.com/rzbill/flostream/internal/config"
	"github.com/rzbill/flostream/internal/runtime"
	httpserver "github.com/rzbill/flostream/internal/server/http"
	logpkg "github.com/rzbill/flostream/pkg/log"
)

func startServer(t *testing.T) BaseURLFunc {
	t.Helper()
	cfg := cfgpkg.Default()
	cfg.Backend = cfgpkg.BackendMemory
	rt, err := runtime.Open(context.Background(), runtime.Options{Config: cfg, Logger: logpkg.NopLogger()})
	require.NoError(t, err)
	ts := httptest.NewServer(httpserver.New(rt, nil).Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = rt.Close()
	})
	return func() string { return ts.URL }
}

func run(t *testing.T, baseURL BaseURLFunc, args ...string) (string, error) {
	t.Helper()
	cmd := NewRoot(baseURL)
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestLogCommands(t *testing.T) {
	base := startServer(t)

	out, err := run(t, base, "log", "create", "--log", "shop/orders", "--partitions", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "status: OK")
	out, err = run(t, base, "log", "create", "--log", "shop/orders")
	require.NoError(t, err)
	assert.Contains(t, out, "status: EXISTS")

	out, err = run(t, base, "log", "append", "--log", "shop/orders", "--key", "o-1", "--data", `{"total":12}`, "--codec", "json", "--partition", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "offset: shop/orders:1@0")
	_, err = run(t, base, "log", "append", "--log", "shop/orders", "--key", "o-2", "--data", `{"total":3}`, "--partition", "1")
	require.NoError(t, err)

	out, err = run(t, base, "log", "list")
	require.NoError(t, err)
	assert.Contains(t, out, `"shop/orders"`)

	out, err = run(t, base, "log", "tail", "--log", "shop/orders", "--group", "audit", "--from", "earliest",
		"--codec", "json", "--filter", "json.total > 10", "--limit", "1", "--commit")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"key":"o-1"`)
	assert.Contains(t, lines[0], `"data_json":{"total":12}`)

	out, err = run(t, base, "log", "lag", "--log", "shop/orders", "--group", "audit")
	require.NoError(t, err)
	assert.Contains(t, out, `"lag": 1`)

	_, err = run(t, base, "log", "delete", "--log", "shop/orders")
	assert.Error(t, err)
	_, err = run(t, base, "log", "delete", "--log", "shop/orders", "--confirm")
	require.NoError(t, err)
	_, err = run(t, base, "log", "delete", "--log", "shop/orders", "--confirm")
	assert.ErrorContains(t, err, "404")
}

func TestQueueAndProcessorCommands(t *testing.T) {
	base := startServer(t)
	out, err := run(t, base, "queue", "list")
	require.NoError(t, err)
	assert.Contains(t, out, `"queues": []`)

	_, err = run(t, base, "queue", "cancel", "--queue", "mail", "--id", "w-1")
	assert.ErrorContains(t, err, "unknown queue mail")

	out, err = run(t, base, "processor", "list")
	require.NoError(t, err)
	assert.Contains(t, out, `"processors": []`)
}

func TestDecodedData(t *testing.T) {
	assert.Equal(t, map[string]any{"data_text": "hi"}, decodedData([]byte("hi")))
	assert.Equal(t, map[string]any{"data_json": map[string]any{"a": float64(1)}}, decodedData([]byte(`{"a":1}`)))
	assert.Equal(t, map[string]any{"data_b64": "/w=="}, decodedData([]byte{0xff}))
}
