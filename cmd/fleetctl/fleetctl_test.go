package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mimir-aip/mimir-fleet/pkg/api"
	"github.com/mimir-aip/mimir-fleet/pkg/client"
	"github.com/mimir-aip/mimir-fleet/pkg/config"
	"github.com/mimir-aip/mimir-fleet/pkg/models"
	"github.com/mimir-aip/mimir-fleet/pkg/queue"
)

// newTestFleet points the commands at an in-memory API and captures their output
func newTestFleet(t *testing.T) (*queue.Queue, *bytes.Buffer) {
	t.Helper()
	st := queue.NewQueue(nil)
	srv := httptest.NewServer(api.NewServer(st, config.Default().Kinds, "0").Handler())

	var buf bytes.Buffer
	prevAPI, prevOut := cAPI, out
	cAPI = client.NewClient(srv.URL)
	out = getTabOutWithWriter(&buf)
	sharedFlags.OrgID, sharedFlags.Kind, sharedFlags.Status, sharedFlags.NoLegend = "", "", "", false
	t.Cleanup(func() {
		srv.Close()
		cAPI, out = prevAPI, prevOut
	})
	return st, &buf
}

func TestSubmitAndStatus(t *testing.T) {
	st, buf := newTestFleet(t)

	sharedFlags.OrgID = "acme"
	sharedFlags.Kind = "infer"
	submitFlags.Image = "registry.local/infer:2"
	submitFlags.Env = []string{"MODEL=small"}
	t.Cleanup(func() { submitFlags.Image, submitFlags.Env = "", nil })

	require.Equal(t, 0, runSubmit(cmdSubmit, []string{"python", "serve.py"}))
	id := strings.TrimSpace(buf.String())
	require.NotEmpty(t, id)

	job, err := st.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []string{"python", "serve.py"}, job.Command)
	assert.Equal(t, "small", job.Env["MODEL"])

	buf.Reset()
	require.Equal(t, 0, runStatus(cmdStatus, []string{id}))
	assert.Contains(t, buf.String(), "acme/infer")
	assert.Contains(t, buf.String(), "queued")
	assert.Contains(t, buf.String(), "python serve.py")

	assert.Equal(t, 1, runStatus(cmdStatus, []string{"missing"}))
	assert.Equal(t, 1, runStatus(cmdStatus, nil))
}

func TestSubmitRejectsInvalidJob(t *testing.T) {
	_, _ = newTestFleet(t)

	sharedFlags.OrgID = "acme"
	sharedFlags.Kind = "render"
	submitFlags.Image = "img"
	t.Cleanup(func() { submitFlags.Image = "" })
	assert.Equal(t, 1, runSubmit(cmdSubmit, nil))

	sharedFlags.Kind = "infer"
	submitFlags.Env = []string{"NOVALUE"}
	t.Cleanup(func() { submitFlags.Env = nil })
	assert.Equal(t, 1, runSubmit(cmdSubmit, nil))
}

func TestListJobsAndCancel(t *testing.T) {
	st, buf := newTestFleet(t)
	ctx := context.Background()

	a := &models.Job{OrgID: "acme", Kind: models.JobKindTrain, Image: "img"}
	b := &models.Job{OrgID: "globex", Kind: models.JobKindTrain, Image: "img"}
	require.NoError(t, st.Enqueue(ctx, a))
	require.NoError(t, st.Enqueue(ctx, b))

	sharedFlags.OrgID = "acme"
	require.Equal(t, 0, runListJobs(cmdListJobs, nil))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "JOB"))
	assert.Contains(t, lines[1], a.ID)

	buf.Reset()
	require.Equal(t, 0, runCancel(cmdCancel, []string{a.ID}))
	assert.Contains(t, buf.String(), "Canceled job "+a.ID)

	// second cancel reports the conflict and keeps going
	buf.Reset()
	assert.Equal(t, 1, runCancel(cmdCancel, []string{a.ID, b.ID}))
	assert.Contains(t, buf.String(), "Canceled job "+b.ID)

	buf.Reset()
	sharedFlags.OrgID = ""
	sharedFlags.Status = "canceled"
	sharedFlags.NoLegend = true
	require.Equal(t, 0, runListJobs(cmdListJobs, nil))
	assert.Len(t, strings.Split(strings.TrimSpace(buf.String()), "\n"), 2)
}

func TestListWorkersAndDrain(t *testing.T) {
	st, buf := newTestFleet(t)
	_, err := st.RegisterWorker(context.Background(), &models.Worker{ID: "w1", OrgID: "acme", Kind: models.JobKindTrain})
	require.NoError(t, err)

	require.Equal(t, 0, runListWorkers(cmdListWorkers, nil))
	assert.Contains(t, buf.String(), "w1")
	assert.Contains(t, buf.String(), "acme/train")

	buf.Reset()
	require.Equal(t, 0, runDrain(cmdDrain, []string{"w1"}))
	assert.Contains(t, buf.String(), "Worker w1 is draining")

	assert.Equal(t, 1, runDrain(cmdDrain, []string{"w1"}))
	assert.Equal(t, 1, runDrain(cmdDrain, nil))
}

func TestListQueue(t *testing.T) {
	st, buf := newTestFleet(t)
	require.NoError(t, st.Enqueue(context.Background(), &models.Job{OrgID: "acme", Kind: models.JobKindFinetune, Image: "img"}))

	require.Equal(t, 0, runListQueue(cmdListQueue, nil))
	assert.Contains(t, buf.String(), "acme/finetune")
	assert.Regexp(t, `acme/finetune\s+1\s`, buf.String())
}

func TestParseEnv(t *testing.T) {
	env, err := parseEnv([]string{"A=1", "B=x=y"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "1", "B": "x=y"}, env)

	_, err = parseEnv([]string{"=1"})
	assert.Error(t, err)
}
