package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/okian/builderscore/pkg/metrics"
)

// StatsProvider reports queue, worker, dedupe and index figures.
type StatsProvider interface {
	GetStats() map[string]any
}

// OpsHandler serves the operational endpoints: Prometheus exposition on
// /healthz and the service counters on /stats.
type OpsHandler struct {
	exposition http.Handler
	stats      StatsProvider
}

// NewOpsHandler creates the handler over the metrics registry and stats.
func NewOpsHandler(stats StatsProvider) *OpsHandler {
	return &OpsHandler{
		exposition: promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{
			ErrorHandling: promhttp.ContinueOnError,
		}),
		stats: stats,
	}
}

// HandleHealth handles GET /healthz. A 200 with the exposition body means
// the process is up.
func (h *OpsHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.exposition.ServeHTTP(w, r)
}

// HandleStats handles GET /stats.
func (h *OpsHandler) HandleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.stats.GetStats())
}
