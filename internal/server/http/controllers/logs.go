package controllers

import (
	"net/http"
	"sort"
	"time"

	"github.com/rzbill/flostream/internal/codec"
	"github.com/rzbill/flostream/internal/computation"
	"github.com/rzbill/flostream/internal/record"
	"github.com/rzbill/flostream/internal/runtime"
	"github.com/rzbill/flostream/internal/streamlog"
	logpkg "github.com/rzbill/flostream/pkg/log"
)

const tailReadTimeout = 200 * time.Millisecond

// LogsController exposes log administration, appends and tails.
type LogsController struct {
	rt     *runtime.Runtime
	logger logpkg.Logger
}

func NewLogsController(rt *runtime.Runtime, logger logpkg.Logger) *LogsController {
	return &LogsController{rt: rt, logger: logger}
}

// RegisterRoutes registers:
// - Log management (/v1/logs, /v1/logs/create, /v1/logs/delete)
// - Appends (/v1/logs/append)
// - Consumer lag (/v1/logs/lag)
// - Streaming (/v1/logs/tail)
func (c *LogsController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/logs", c.handleList)
	mux.HandleFunc("/v1/logs/create", c.handleCreate)
	mux.HandleFunc("/v1/logs/delete", c.handleDelete)
	mux.HandleFunc("/v1/logs/append", c.handleAppend)
	mux.HandleFunc("/v1/logs/lag", c.handleLag)
	mux.HandleFunc("/v1/logs/tail", c.handleTailSSE)
}

func (c *LogsController) handleList(w http.ResponseWriter, r *http.Request) {
	logs := c.rt.Logs()
	names := logs.ListAll()
	sort.Slice(names, func(i, j int) bool { return names[i].URN() < names[j].URN() })
	out := make([]logJSON, 0, len(names))
	for _, n := range names {
		groups := []string{}
		for _, g := range logs.ListConsumerGroups(n) {
			groups = append(groups, g.URN())
		}
		sort.Strings(groups)
		out = append(out, logJSON{Log: n.URN(), Partitions: logs.Size(n), Groups: groups})
	}
	writeJSON(w, map[string]any{"logs": out})
}

func (c *LogsController) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createReq
	if !decodeBody(w, r, &req) {
		return
	}
	name, err := streamlog.NameOfURN(req.Log)
	if err != nil {
		writeErr(w, err)
		return
	}
	if req.Partitions <= 0 {
		req.Partitions = 1
	}
	created, err := c.rt.Logs().CreateIfNotExists(r.Context(), name, req.Partitions)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !created {
		writeJSON(w, map[string]any{"log": name.URN(), "created": false})
		return
	}
	c.logger.Info("log created", logpkg.Str("log", name.URN()), logpkg.Int("partitions", req.Partitions))
	writeCreated(w)
}

func (c *LogsController) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req deleteReq
	if !decodeBody(w, r, &req) {
		return
	}
	name, err := streamlog.NameOfURN(req.Log)
	if err != nil {
		writeErr(w, err)
		return
	}
	deleted, err := c.rt.Logs().Delete(r.Context(), name)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "unknown log "+name.URN())
		return
	}
	writeNoContent(w)
}

func (c *LogsController) handleAppend(w http.ResponseWriter, r *http.Request) {
	var req appendReq
	if !decodeBody(w, r, &req) {
		return
	}
	name, err := streamlog.NameOfURN(req.Log)
	if err != nil {
		writeErr(w, err)
		return
	}
	cd, err := codec.ByName(req.Codec)
	if err != nil {
		writeErr(w, err)
		return
	}
	app, err := c.rt.Logs().GetAppender(name, cd)
	if err != nil {
		writeErr(w, err)
		return
	}
	defer app.Close()

	rec := record.New(req.Key, req.Data)
	if req.Watermark != 0 {
		rec.Watermark = req.Watermark
	}
	rec.Headers = req.Headers
	var off streamlog.Offset
	if req.Partition != nil && *req.Partition >= 0 {
		off, err = app.Append(r.Context(), *req.Partition, rec)
	} else {
		off, err = app.AppendKey(r.Context(), req.Key, rec)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(appendResp{Partition: off.Partition.Index, Position: off.Position})
}

func (c *LogsController) handleLag(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name, err := streamlog.NameOfURN(q.Get("log"))
	if err != nil {
		writeErr(w, err)
		return
	}
	group, err := streamlog.NameOfURN(q.Get("group"))
	if err != nil {
		writeErr(w, err)
		return
	}
	logs := c.rt.Logs()
	if !logs.Exists(name) {
		writeError(w, http.StatusNotFound, "unknown log "+name.URN())
		return
	}
	per := logs.GetLagPerPartition(name, group)
	resp := lagResp{Log: name.URN(), Group: group.URN(), Partitions: make([]lagJSON, 0, len(per))}
	for i, l := range per {
		resp.Partitions = append(resp.Partitions, lagJSON{Partition: i, Lower: l.Lower, Upper: l.Upper, Lag: l.Lag()})
	}
	total := streamlog.SumLags(per...)
	resp.Lag, resp.Upper = total.Lag(), total.Upper
	writeJSON(w, resp)
}

// handleTailSSE streams records of a log as SSE events. Query parameters:
// log, group (default "tail"), codec, from (earliest|latest|committed,
// default committed), filter (CEL), limit, commit.
func (c *LogsController) handleTailSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	q := r.URL.Query()
	name, err := streamlog.NameOfURN(q.Get("log"))
	if err != nil {
		writeErr(w, err)
		return
	}
	groupURN := q.Get("group")
	if groupURN == "" {
		groupURN = "tail"
	}
	group, err := streamlog.NameOfURN(groupURN)
	if err != nil {
		writeErr(w, err)
		return
	}
	cd, err := codec.ByName(q.Get("codec"))
	if err != nil {
		writeErr(w, err)
		return
	}
	pred, err := computation.CompilePredicate(q.Get("filter"))
	if err != nil {
		writeErr(w, err)
		return
	}
	tailer, err := streamlog.CreateTailerForLog(c.rt.Logs(), group, name, cd)
	if err != nil {
		writeErr(w, err)
		return
	}
	defer tailer.Close()

	ctx := r.Context()
	switch q.Get("from") {
	case "earliest":
		err = tailer.ToStart(ctx)
	case "latest":
		err = tailer.ToEnd(ctx)
	}
	if err != nil {
		writeErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	sink := sseSink{w: w, r: r}
	_ = sink.Flush()

	limit := parseLimit(q.Get("limit"))
	commit := q.Get("commit") == "true" || q.Get("commit") == "1"
	sent := 0
	for ctx.Err() == nil && (limit == 0 || sent < limit) {
		res, err := tailer.Read(ctx, tailReadTimeout)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("tail read failed", logpkg.Str("log", name.URN()), logpkg.Err(err))
			}
			return
		}
		if !res.IsOk() || !pred.Match(res.Record.Record) {
			continue
		}
		if err := sink.Send(res.Record); err != nil {
			return
		}
		_ = sink.Flush()
		sent++
	}
	if commit && ctx.Err() == nil {
		if err := tailer.Commit(ctx); err != nil {
			c.logger.Warn("tail commit failed", logpkg.Str("log", name.URN()), logpkg.Err(err))
		}
	}
}
