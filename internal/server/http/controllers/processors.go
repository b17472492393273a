package controllers

import (
	"net/http"

	"github.com/rzbill/flostream/internal/processor"
	"github.com/rzbill/flostream/internal/runtime"
)

// ProcessorsController exposes the stream processors of the runtime.
type ProcessorsController struct {
	rt *runtime.Runtime
}

func NewProcessorsController(rt *runtime.Runtime) *ProcessorsController {
	return &ProcessorsController{rt: rt}
}

func (c *ProcessorsController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/processors", c.handleList)
	mux.HandleFunc("/v1/processors/lag", c.handleLag)
	mux.HandleFunc("/v1/processors/topology", c.handleTopology)
}

func (c *ProcessorsController) find(name string) *processor.StreamProcessor {
	for _, p := range c.rt.Processors().Processors() {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

func (c *ProcessorsController) handleList(w http.ResponseWriter, r *http.Request) {
	procs := c.rt.Processors().Processors()
	out := make([]processorJSON, 0, len(procs))
	for _, p := range procs {
		out = append(out, processorJSON{
			Name:         p.Name(),
			ID:           p.ID(),
			Terminated:   p.IsTerminated(),
			LowWatermark: p.LowWatermark().Value(),
			Computations: p.Metrics(),
		})
	}
	writeJSON(w, map[string]any{"processors": out})
}

// handleLag reports the lag and latency of one computation.
func (c *ProcessorsController) handleLag(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p := c.find(q.Get("processor"))
	if p == nil {
		writeError(w, http.StatusNotFound, "unknown processor "+q.Get("processor"))
		return
	}
	name := q.Get("computation")
	lag, err := p.Lag(name)
	if err != nil {
		writeErr(w, err)
		return
	}
	resp := computationLagResp{Processor: p.Name(), Computation: name, Lag: lag.Lag(), Upper: lag.Upper}
	lat, err := p.Latency(r.Context(), name)
	if err != nil {
		writeErr(w, err)
		return
	}
	resp.LatencyMs = lat.LatencyMillis()
	writeJSON(w, resp)
}

func (c *ProcessorsController) handleTopology(w http.ResponseWriter, r *http.Request) {
	p := c.find(r.URL.Query().Get("processor"))
	if p == nil {
		writeError(w, http.StatusNotFound, "unknown processor "+r.URL.Query().Get("processor"))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(p.Topology().PlantUML(p.Settings())))
}

