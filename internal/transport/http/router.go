package httptransport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires the ops surface: health, metrics, inbound mutation events
// and read-side status views.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/changes", h.handleAppendChange)
		r.Get("/replication/status", h.handleReplicationStatus)
		r.Get("/conflicts", h.handleConflicts)
		r.Get("/rotation/jobs", h.handleRotationJobs)
		r.Post("/rotation/jobs", h.handleRotate)
		r.Post("/rotation/jobs/{jobID}/rollback", h.handleRollback)
		r.Get("/partitions/{table}", h.handlePartitions)
	})
	return r
}
