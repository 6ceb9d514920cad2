package models

import (
	"testing"
)

// TestJobKinds tests all job kinds are valid
func TestJobKinds(t *testing.T) {
	for _, kind := range JobKinds {
		if !kind.Valid() {
			t.Errorf("Expected kind %s to be valid", kind)
		}
	}

	if JobKind("render").Valid() {
		t.Error("Expected unknown kind to be invalid")
	}
}

// TestJobStatusTransitions tests the forward-only lifecycle
func TestJobStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		allowed  bool
	}{
		{JobStatusQueued, JobStatusClaimed, true},
		{JobStatusClaimed, JobStatusRunning, true},
		{JobStatusRunning, JobStatusCompleted, true},
		{JobStatusRunning, JobStatusFailed, true},
		{JobStatusRunning, JobStatusQueued, true},
		{JobStatusClaimed, JobStatusQueued, true},
		{JobStatusQueued, JobStatusCanceled, true},
		{JobStatusQueued, JobStatusRunning, false},
		{JobStatusCompleted, JobStatusQueued, false},
		{JobStatusFailed, JobStatusRunning, false},
		{JobStatusCanceled, JobStatusQueued, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.allowed {
			t.Errorf("%s -> %s: expected %v, got %v", tt.from, tt.to, tt.allowed, got)
		}
	}
}

// TestJobStatusTerminal tests terminal status detection
func TestJobStatusTerminal(t *testing.T) {
	terminal := []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCanceled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("Expected %s to be terminal", s)
		}
	}

	for _, s := range []JobStatus{JobStatusQueued, JobStatusClaimed, JobStatusRunning} {
		if s.IsTerminal() {
			t.Errorf("Expected %s to be non-terminal", s)
		}
	}
}

// TestResourceRequirementsFits tests worker capacity matching
func TestResourceRequirementsFits(t *testing.T) {
	capacity := ResourceRequirements{GPUType: "a100", GPUCount: 4, MemoryMB: 65536}

	if !(ResourceRequirements{GPUType: "a100", GPUCount: 2, MemoryMB: 1024}).Fits(capacity) {
		t.Error("Expected smaller a100 job to fit")
	}

	if !(ResourceRequirements{GPUCount: 4}).Fits(capacity) {
		t.Error("Expected job without GPU type to fit")
	}

	if (ResourceRequirements{GPUType: "h100", GPUCount: 1}).Fits(capacity) {
		t.Error("Expected h100 job not to fit an a100 worker")
	}

	if (ResourceRequirements{GPUCount: 8}).Fits(capacity) {
		t.Error("Expected 8 GPU job not to fit a 4 GPU worker")
	}

	if (ResourceRequirements{GPUCount: 1, MemoryMB: 131072}).Fits(capacity) {
		t.Error("Expected memory-heavy job not to fit")
	}
}

// TestJobSubmissionRequestValidate tests request validation
func TestJobSubmissionRequestValidate(t *testing.T) {
	req := &JobSubmissionRequest{
		OrgID: "acme",
		Kind:  JobKindInfer,
		Image: "registry.local/llm-serve:1.2",
	}
	if err := req.Validate(); err != nil {
		t.Fatalf("Expected valid request, got %v", err)
	}

	missingOrg := *req
	missingOrg.OrgID = ""
	if err := missingOrg.Validate(); err == nil {
		t.Error("Expected error for missing org_id")
	}

	badKind := *req
	badKind.Kind = "render"
	if err := badKind.Validate(); err == nil {
		t.Error("Expected error for invalid kind")
	}

	noImage := *req
	noImage.Image = ""
	if err := noImage.Validate(); err == nil {
		t.Error("Expected error for missing image")
	}
}

// TestPoolString tests pool formatting
func TestPoolString(t *testing.T) {
	job := &Job{OrgID: "acme", Kind: JobKindTrain}
	if got := job.Pool().String(); got != "acme/train" {
		t.Errorf("Expected acme/train, got %s", got)
	}
}
