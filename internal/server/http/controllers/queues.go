package controllers

import (
	"net/http"

	"github.com/rzbill/flostream/internal/runtime"
	"github.com/rzbill/flostream/internal/scheduler"
)

// QueuesController exposes scheduler queues. Works are scheduled in
// process, so only metrics and cancellation are served.
type QueuesController struct {
	rt *runtime.Runtime
}

func NewQueuesController(rt *runtime.Runtime) *QueuesController {
	return &QueuesController{rt: rt}
}

func (c *QueuesController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/queues", c.handleList)
	mux.HandleFunc("/v1/queues/cancel", c.handleCancel)
}

func (c *QueuesController) handleList(w http.ResponseWriter, r *http.Request) {
	sched := c.rt.Scheduler()
	out := []scheduler.QueueMetrics{}
	for _, name := range sched.Queues() {
		m, err := sched.Metrics(name)
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	writeJSON(w, map[string]any{"queues": out})
}

func (c *QueuesController) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelReq
	if !decodeBody(w, r, &req) {
		return
	}
	cancelled, err := c.rt.Scheduler().Cancel(req.Queue, req.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]bool{"cancelled": cancelled})
}
