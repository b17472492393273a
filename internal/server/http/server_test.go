package httpserver

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfgpkg "github.com/rzbill/flostream/internal/config"
	"github.com/rzbill/flostream/internal/runtime"
	"github.com/rzbill/flostream/internal/streamlog"
	logpkg "github.com/rzbill/flostream/pkg/log"
)

func newServer(t *testing.T) (*Server, *runtime.Runtime) {
	t.Helper()
	cfg := cfgpkg.Default()
	cfg.Backend = cfgpkg.BackendMemory
	rt, err := runtime.Open(context.Background(), runtime.Options{Config: cfg, Logger: logpkg.NopLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return New(rt, nil), rt
}

func do(s *Server, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, jsoniter.Unmarshal(w.Body.Bytes(), v))
}

func TestHealthHandler(t *testing.T) {
	s, _ := newServer(t)
	w := do(s, http.MethodGet, "/v1/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ok"`)
}

func TestCreateAppendAndLag(t *testing.T) {
	s, _ := newServer(t)
	w := do(s, http.MethodPost, "/v1/logs/create", `{"log":"shop/orders","partitions":2}`)
	require.Equal(t, http.StatusCreated, w.Code)
	w = do(s, http.MethodPost, "/v1/logs/create", `{"log":"shop/orders","partitions":3}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"created":false`)

	for i, key := range []string{"a", "b", "c"} {
		w = do(s, http.MethodPost, "/v1/logs/append", `{"log":"shop/orders","key":"`+key+`","data":"aGVsbG8="}`)
		require.Equal(t, http.StatusAccepted, w.Code, "append %d", i)
	}
	w = do(s, http.MethodPost, "/v1/logs/append", `{"log":"shop/orders","key":"x","partition":1,"data":"aGVsbG8="}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	var app struct{ Partition int }
	decode(t, w, &app)
	assert.Equal(t, 1, app.Partition)

	w = do(s, http.MethodGet, "/v1/logs/lag?log=shop/orders&group=billing", "")
	require.Equal(t, http.StatusOK, w.Code)
	var lag struct {
		Lag        int64
		Partitions []struct{ Lag int64 }
	}
	decode(t, w, &lag)
	assert.EqualValues(t, 4, lag.Lag)
	assert.Len(t, lag.Partitions, 2)

	w = do(s, http.MethodGet, "/v1/logs", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Logs []struct {
			Log        string
			Partitions int
		}
	}
	decode(t, w, &list)
	require.Len(t, list.Logs, 1)
	assert.Equal(t, "shop/orders", list.Logs[0].Log)
	assert.Equal(t, 2, list.Logs[0].Partitions)
}

func TestAppendErrors(t *testing.T) {
	s, _ := newServer(t)
	assert.Equal(t, http.StatusBadRequest, do(s, http.MethodPost, "/v1/logs/append", `{"log":"missing","data":""}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(s, http.MethodPost, "/v1/logs/append", `{"log":"bad name!"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(s, http.MethodPost, "/v1/logs/append", `not json`).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(s, http.MethodGet, "/v1/logs/append", "").Code)
	assert.Equal(t, http.StatusNotFound, do(s, http.MethodPost, "/v1/logs/delete", `{"log":"missing"}`).Code)
}

func TestTailWithFilter(t *testing.T) {
	s, rt := newServer(t)
	require.Equal(t, http.StatusCreated, do(s, http.MethodPost, "/v1/logs/create", `{"log":"events","partitions":1}`).Code)
	for _, key := range []string{"skip", "keep", "skip", "keep"} {
		require.Equal(t, http.StatusAccepted, do(s, http.MethodPost, "/v1/logs/append", `{"log":"events","key":"`+key+`"}`).Code)
	}

	w := do(s, http.MethodGet, `/v1/logs/tail?log=events&group=viewer&from=earliest&limit=2&commit=1&filter=key%3D%3D%22keep%22`, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	var positions []int64
	sc := bufio.NewScanner(w.Body)
	for sc.Scan() {
		line, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		var item struct {
			Key      string
			Position int64
		}
		require.NoError(t, jsoniter.UnmarshalFromString(line, &item))
		assert.Equal(t, "keep", item.Key)
		positions = append(positions, item.Position)
	}
	assert.Equal(t, []int64{1, 3}, positions)

	w = do(s, http.MethodGet, "/v1/logs/lag?log=events&group=viewer", "")
	assert.Contains(t, w.Body.String(), `"lag":0`)
	assert.Len(t, rt.Logs().ListConsumerGroups(mustName(t, "events")), 1)
}

func TestTailRejectsBadFilter(t *testing.T) {
	s, _ := newServer(t)
	require.Equal(t, http.StatusCreated, do(s, http.MethodPost, "/v1/logs/create", `{"log":"events"}`).Code)
	w := do(s, http.MethodGet, "/v1/logs/tail?log=events&filter=key%20%2B", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newServer(t)
	require.Equal(t, http.StatusCreated, do(s, http.MethodPost, "/v1/logs/create", `{"log":"metered","partitions":3}`).Code)
	w := do(s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `flostream_log_partitions{log="metered"} 3`)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestProcessorsAndQueues(t *testing.T) {
	s, _ := newServer(t)
	w := do(s, http.MethodGet, "/v1/processors", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"processors":[]}`, w.Body.String())
	assert.Equal(t, http.StatusNotFound, do(s, http.MethodGet, "/v1/processors/lag?processor=nope&computation=C1", "").Code)

	w = do(s, http.MethodGet, "/v1/queues", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"queues":[]}`, w.Body.String())
	assert.Equal(t, http.StatusBadRequest, do(s, http.MethodPost, "/v1/queues/cancel", `{"queue":"nope","id":"1"}`).Code)
}

func TestCORSPreflight(t *testing.T) {
	s, _ := newServer(t)
	w := do(s, http.MethodOptions, "/v1/logs", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func mustName(t *testing.T, urn string) streamlog.Name {
	t.Helper()
	n, err := streamlog.NameOfURN(urn)
	require.NoError(t, err)
	return n
}
