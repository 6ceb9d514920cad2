package notify

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mimir-aip/mimir-fleet/pkg/models"
)

func receive(t *testing.T, ch <-chan Event) (Event, bool) {
	t.Helper()
	select {
	case e := <-ch:
		return e, true
	case <-time.After(2 * time.Second):
		return Event{}, false
	}
}

func TestMemoryRoutesByPool(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewMemory()
	train, err := m.Subscribe(ctx, models.Pool{OrgID: "acme", Kind: models.JobKindTrain})
	require.NoError(t, err)
	infer, err := m.Subscribe(ctx, models.Pool{OrgID: "acme", Kind: models.JobKindInfer})
	require.NoError(t, err)

	require.NoError(t, m.Publish(ctx, Event{Type: EventEnqueued, JobID: "j1", OrgID: "acme", Kind: models.JobKindTrain}))
	e, ok := receive(t, train)
	require.True(t, ok)
	assert.Equal(t, "j1", e.JobID)

	select {
	case e := <-infer:
		t.Fatalf("infer subscriber got %+v", e)
	default:
	}

	// cancel hints reach every pool
	require.NoError(t, m.Publish(ctx, Event{Type: EventCanceled, JobID: "j2"}))
	_, ok = receive(t, train)
	assert.True(t, ok)
	_, ok = receive(t, infer)
	assert.True(t, ok)
}

func TestNopNeverDelivers(t *testing.T) {
	ch, err := Nop{}.Subscribe(context.Background(), models.Pool{})
	require.NoError(t, err)
	require.NoError(t, Nop{}.Publish(context.Background(), Event{Type: EventEnqueued}))

	select {
	case <-ch:
		t.Fatal("Nop delivered an event")
	case <-time.After(10 * time.Millisecond):
	}
}

func TestRedisNotifier(t *testing.T) {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		t.Skip("Integration test - requires Redis")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n, err := NewRedisNotifier(ctx, redisURL)
	require.NoError(t, err)
	defer n.Close()

	pool := models.Pool{OrgID: "acme", Kind: models.JobKindFinetune}
	ch, err := n.Subscribe(ctx, pool)
	require.NoError(t, err)

	require.NoError(t, n.Publish(ctx, Event{Type: EventEnqueued, JobID: "j1", OrgID: "acme", Kind: models.JobKindFinetune}))
	e, ok := receive(t, ch)
	require.True(t, ok)
	assert.Equal(t, EventEnqueued, e.Type)
	assert.Equal(t, "j1", e.JobID)
}
