package queue

import (
	"container/heap"
	"context"
	"testing"
	"time"

	"k8s.io/utils/clock"

	"github.com/mimir-aip/mimir-fleet/pkg/models"
	"github.com/mimir-aip/mimir-fleet/pkg/store"
	"github.com/mimir-aip/mimir-fleet/pkg/store/storetest"
)

func TestQueueStore(t *testing.T) {
	storetest.RunSuite(t, func(t *testing.T, clk clock.PassiveClock) store.Store {
		return NewQueue(clk)
	})
}

// TestPriorityQueueOrder tests the heap pops the oldest job first
func TestPriorityQueueOrder(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	pq := &PriorityQueue{}
	heap.Init(pq)

	heap.Push(pq, &PriorityQueueItem{JobID: "c", CreatedAt: base.Add(2 * time.Second)})
	heap.Push(pq, &PriorityQueueItem{JobID: "b", CreatedAt: base})
	heap.Push(pq, &PriorityQueueItem{JobID: "a", CreatedAt: base})
	heap.Push(pq, &PriorityQueueItem{JobID: "d", CreatedAt: base.Add(time.Second)})

	var got []string
	for pq.Len() > 0 {
		got = append(got, heap.Pop(pq).(*PriorityQueueItem).JobID)
	}

	want := []string{"a", "b", "d", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected order %v, got %v", want, got)
		}
	}
}

// TestClaimRemovesFromPool tests claimed and canceled jobs leave the pool heap
func TestClaimRemovesFromPool(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(nil)

	first := &models.Job{OrgID: "acme", Kind: models.JobKindTrain, Image: "img"}
	second := &models.Job{OrgID: "acme", Kind: models.JobKindTrain, Image: "img", CreatedAt: time.Now().Add(time.Second)}
	if err := q.Enqueue(ctx, first); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, second); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}

	w := &models.Worker{OrgID: "acme", Kind: models.JobKindTrain, Status: models.WorkerStatusIdle}
	if err := q.CreateWorker(ctx, w); err != nil {
		t.Fatalf("Failed to create worker: %v", err)
	}

	if ok, err := q.TryClaim(ctx, first.ID, w.ID); err != nil || !ok {
		t.Fatalf("Expected claim to succeed, got %v %v", ok, err)
	}
	if ok, _ := q.CancelJob(ctx, second.ID); !ok {
		t.Fatal("Expected cancel to succeed")
	}

	if len(q.pools) != 0 || len(q.items) != 0 {
		t.Errorf("Expected empty pool heaps, got %d pools and %d items", len(q.pools), len(q.items))
	}

	depths, err := q.QueueDepths(ctx)
	if err != nil {
		t.Fatalf("Failed to read depths: %v", err)
	}
	if len(depths) != 0 {
		t.Errorf("Expected no queued pools, got %v", depths)
	}
}
