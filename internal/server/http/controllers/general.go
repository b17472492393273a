package controllers

import (
	"net/http"

	"github.com/rzbill/flostream/internal/codec"
	"github.com/rzbill/flostream/internal/runtime"
)

// GeneralController handles health and runtime information.
type GeneralController struct {
	rt *runtime.Runtime
}

func NewGeneralController(rt *runtime.Runtime) *GeneralController {
	return &GeneralController{rt: rt}
}

// RegisterRoutes registers:
// - Health checks (/v1/healthz)
// - Runtime information (/v1/info)
func (c *GeneralController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/healthz", c.handleHealth)
	mux.HandleFunc("/v1/info", c.handleInfo)
}

// handleHealth returns 200 OK with {"status": "ok"} if healthy, 503 Service
// Unavailable otherwise.
func (c *GeneralController) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := c.rt.CheckHealth(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "not_serving")
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (c *GeneralController) handleInfo(w http.ResponseWriter, r *http.Request) {
	cfg := c.rt.Config()
	writeJSON(w, infoResp{
		Backend:     cfg.Backend,
		Codecs:      codec.Names(),
		Subscribe:   c.rt.Logs().SupportsSubscribe(),
		Concurrency: cfg.Processor.Concurrency,
		Partitions:  cfg.Processor.Partitions,
	})
}
