package models

import (
	"testing"
	"time"
)

// TestWorkerPool tests worker pool derivation
func TestWorkerPool(t *testing.T) {
	w := &Worker{
		ID:            "worker-1",
		OrgID:         "acme",
		Kind:          JobKindFinetune,
		Status:        WorkerStatusIdle,
		LastHeartbeat: time.Now(),
		Resources: ResourceRequirements{
			GPUType:  "a100",
			GPUCount: 8,
		},
	}

	pool := w.Pool()
	if pool.OrgID != "acme" || pool.Kind != JobKindFinetune {
		t.Errorf("Expected pool acme/finetune, got %s", pool)
	}
}

// TestLiveWorkerStatuses tests terminated workers are not live
func TestLiveWorkerStatuses(t *testing.T) {
	for _, s := range LiveWorkerStatuses {
		if s == WorkerStatusTerminated {
			t.Error("Terminated must not be a live status")
		}
	}

	if len(LiveWorkerStatuses) != 4 {
		t.Errorf("Expected 4 live statuses, got %d", len(LiveWorkerStatuses))
	}
}
