package controllers

import (
	"net/http"

	"github.com/rzbill/flostream/internal/runtime"
	logpkg "github.com/rzbill/flostream/pkg/log"
)

// ControllerRegistry manages all HTTP controllers.
type ControllerRegistry struct {
	general    *GeneralController
	logs       *LogsController
	processors *ProcessorsController
	queues     *QueuesController
}

// NewControllerRegistry creates every controller on the same runtime.
func NewControllerRegistry(rt *runtime.Runtime, logger logpkg.Logger) *ControllerRegistry {
	return &ControllerRegistry{
		general:    NewGeneralController(rt),
		logs:       NewLogsController(rt, logger.WithComponent("logs")),
		processors: NewProcessorsController(rt),
		queues:     NewQueuesController(rt),
	}
}

// RegisterAllRoutes registers all controller routes with the given mux.
func (r *ControllerRegistry) RegisterAllRoutes(mux *http.ServeMux) {
	r.general.RegisterRoutes(mux)
	r.logs.RegisterRoutes(mux)
	r.processors.RegisterRoutes(mux)
	r.queues.RegisterRoutes(mux)
}
