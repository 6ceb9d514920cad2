package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"k8s.io/klog/v2"

	"github.com/mimir-aip/mimir-fleet/pkg/models"
	"github.com/mimir-aip/mimir-fleet/pkg/store"
)

// QueueDepth is one pool's row in GET /api/queue
type QueueDepth struct {
	OrgID           string         `json:"org_id"`
	Kind            models.JobKind `json:"kind"`
	Queued          int            `json:"queued"`
	OldestCreatedAt time.Time      `json:"oldest_created_at"`
}

// handleListWorkers lists workers filtered by org_id, kind and status (comma separated)
func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.WorkerFilter{
		OrgID: q.Get("org_id"),
		Kind:  models.JobKind(q.Get("kind")),
	}
	for _, status := range splitList(q.Get("status")) {
		filter.Statuses = append(filter.Statuses, models.WorkerStatus(status))
	}

	workers, err := s.store.ListWorkers(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list workers: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, workers)
}

// handleDrainWorker asks a worker to stop claiming; it finishes its current job first
func (s *Server) handleDrainWorker(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ok, err := s.store.RequestDrain(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to drain worker: %v", err))
		return
	}

	worker, err := s.store.GetWorker(r.Context(), id)
	if err != nil {
		writeStoreError(w, "worker", err)
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, fmt.Sprintf("worker %s is %s", id, worker.Status))
		return
	}

	klog.InfoS("Worker drain requested", "worker", id, "status", worker.Status)
	writeJSON(w, http.StatusOK, worker)
}

// handleQueue reports queued jobs per pool
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	depths, err := s.store.QueueDepths(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read queue depths: %v", err))
		return
	}

	out := make([]QueueDepth, 0, len(depths))
	for _, d := range depths {
		out = append(out, QueueDepth{
			OrgID:           d.Pool.OrgID,
			Kind:            d.Pool.Kind,
			Queued:          d.Queued,
			OldestCreatedAt: d.OldestCreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
