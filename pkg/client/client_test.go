package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mimir-aip/mimir-fleet/pkg/api"
	"github.com/mimir-aip/mimir-fleet/pkg/config"
	"github.com/mimir-aip/mimir-fleet/pkg/models"
	"github.com/mimir-aip/mimir-fleet/pkg/queue"
)

func newTestClient(t *testing.T) (*Client, *queue.Queue) {
	t.Helper()
	st := queue.NewQueue(nil)
	srv := httptest.NewServer(api.NewServer(st, config.Default().Kinds, "0").Handler())
	t.Cleanup(srv.Close)
	return NewClient(srv.URL + "/"), st
}

func TestClientJobLifecycle(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.HealthCheck(ctx))

	job, err := c.SubmitJob(ctx, models.JobSubmissionRequest{
		OrgID: "acme",
		Kind:  models.JobKindInfer,
		Image: "registry.local/infer:2",
		Env:   map[string]string{"MODEL": "small"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, job.Status)

	_, err = c.SubmitJob(ctx, models.JobSubmissionRequest{OrgID: "acme", Kind: models.JobKindInfer, Image: "img"})
	require.NoError(t, err)

	got, err := c.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "small", got.Env["MODEL"])

	jobs, err := c.ListJobs(ctx, JobListOptions{OrgID: "acme", Statuses: []models.JobStatus{models.JobStatusQueued}})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	jobs, err = c.ListJobs(ctx, JobListOptions{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	depths, err := c.QueueDepths(ctx)
	require.NoError(t, err)
	require.Len(t, depths, 1)
	assert.Equal(t, 2, depths[0].Queued)

	canceled, err := c.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCanceled, canceled.Status)

	_, err = c.CancelJob(ctx, job.ID)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "canceled")
}

func TestClientErrors(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, err := c.GetJob(ctx, "missing")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "HTTP error 404: job not found", err.Error())

	_, err = c.SubmitJob(ctx, models.JobSubmissionRequest{OrgID: "acme", Kind: models.JobKindInfer})
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
}

func TestClientWorkers(t *testing.T) {
	c, st := newTestClient(t)
	ctx := context.Background()

	_, err := st.RegisterWorker(ctx, &models.Worker{ID: "w1", OrgID: "acme", Kind: models.JobKindTrain})
	require.NoError(t, err)

	workers, err := c.ListWorkers(ctx, WorkerListOptions{Statuses: []models.WorkerStatus{models.WorkerStatusIdle}})
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, "w1", workers[0].ID)

	w, err := c.DrainWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkerStatusDraining, w.Status)

	workers, err = c.ListWorkers(ctx, WorkerListOptions{Statuses: []models.WorkerStatus{models.WorkerStatusIdle}})
	require.NoError(t, err)
	assert.Empty(t, workers)
}
