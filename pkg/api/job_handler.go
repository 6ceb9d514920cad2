package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"k8s.io/klog/v2"

	"github.com/mimir-aip/mimir-fleet/pkg/models"
	"github.com/mimir-aip/mimir-fleet/pkg/notify"
	"github.com/mimir-aip/mimir-fleet/pkg/store"
)

const defaultListLimit = 100

// handleSubmitJob validates a submission against its kind profile and enqueues it
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req models.JobSubmissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	profile, ok := s.kinds[req.Kind]
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("no workers are configured for kind %q", req.Kind))
		return
	}
	if !req.Resources.Fits(profile.Resources()) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf(
			"job needs %d GPUs and %d MB on %q, a %s worker offers %d GPUs and %d MB on %q",
			req.Resources.GPUCount, req.Resources.MemoryMB, req.Resources.GPUType,
			req.Kind, profile.GPUCount, profile.MemoryMB, profile.GPUType))
		return
	}

	job := &models.Job{
		OrgID:     req.OrgID,
		Kind:      req.Kind,
		Image:     req.Image,
		Command:   req.Command,
		Env:       req.Env,
		Resources: req.Resources,
	}
	if err := s.store.Enqueue(r.Context(), job); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to enqueue job: %v", err))
		return
	}

	s.publish(r, notify.Event{Type: notify.EventEnqueued, JobID: job.ID, OrgID: job.OrgID, Kind: job.Kind})
	klog.InfoS("Job enqueued", "job", job.ID, "pool", job.Pool(), "image", job.Image)
	writeJSON(w, http.StatusCreated, job)
}

// handleListJobs lists jobs filtered by org_id, kind, status (comma separated) and worker_id
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.JobFilter{
		OrgID:    q.Get("org_id"),
		Kind:     models.JobKind(q.Get("kind")),
		WorkerID: q.Get("worker_id"),
		Limit:    parseLimit(r, defaultListLimit),
	}
	for _, status := range splitList(q.Get("status")) {
		filter.Statuses = append(filter.Statuses, models.JobStatus(status))
	}

	jobs, err := s.store.ListJobs(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list jobs: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, "job", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleCancelJob cancels a queued or running job. Running jobs are torn
// down by their agent on its next cancel poll, or at once on a hint.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ok, err := s.store.CancelJob(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to cancel job: %v", err))
		return
	}

	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		writeStoreError(w, "job", err)
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, fmt.Sprintf("job %s is already %s", id, job.Status))
		return
	}

	s.publish(r, notify.Event{Type: notify.EventCanceled, JobID: job.ID, OrgID: job.OrgID, Kind: job.Kind})
	klog.InfoS("Job canceled", "job", job.ID, "worker", job.WorkerID)
	writeJSON(w, http.StatusOK, job)
}

// publish sends a best-effort hint; the store already holds the truth
func (s *Server) publish(r *http.Request, event notify.Event) {
	if err := s.notifier.Publish(r.Context(), event); err != nil {
		klog.V(1).InfoS("Failed to publish hint", "type", event.Type, "job", event.JobID, "err", err)
	}
}

func writeStoreError(w http.ResponseWriter, what string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("%s not found", what))
		return
	}
	writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get %s: %v", what, err))
}

// parseLimit extracts a positive limit parameter, returning def if absent or invalid
func parseLimit(r *http.Request, def int) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return def
	}
	return limit
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
