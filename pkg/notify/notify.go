// Package notify carries best-effort hints between the API and worker
// agents. Hints only shorten polling; the store stays the source of truth,
// so a lost hint delays work by at most one poll interval.
package notify

import (
	"context"
	"sync"

	"github.com/mimir-aip/mimir-fleet/pkg/models"
)

// EventType identifies a hint
type EventType string

const (
	EventEnqueued EventType = "enqueued"
	EventCanceled EventType = "canceled"
)

// Event is a hint about a job
type Event struct {
	Type  EventType      `json:"type"`
	JobID string         `json:"job_id"`
	OrgID string         `json:"org_id"`
	Kind  models.JobKind `json:"kind"`
}

// Notifier publishes and delivers hints
type Notifier interface {
	Publish(ctx context.Context, event Event) error

	// Subscribe delivers enqueue hints for pool and all cancel hints until
	// ctx is done
	Subscribe(ctx context.Context, pool models.Pool) (<-chan Event, error)
	Close() error
}

// Nop drops every hint
type Nop struct{}

func (Nop) Publish(ctx context.Context, event Event) error { return nil }

// Subscribe returns a channel that never delivers
func (Nop) Subscribe(ctx context.Context, pool models.Pool) (<-chan Event, error) {
	return make(chan Event), nil
}

func (Nop) Close() error { return nil }

// Memory delivers hints within one process
type Memory struct {
	mu   sync.Mutex
	subs map[*memorySub]struct{}
}

type memorySub struct {
	pool models.Pool
	ch   chan Event
}

// NewMemory creates an in-process notifier
func NewMemory() *Memory {
	return &Memory{subs: make(map[*memorySub]struct{})}
}

// Publish never blocks; slow subscribers miss hints
func (m *Memory) Publish(ctx context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for sub := range m.subs {
		if !matches(sub.pool, event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, pool models.Pool) (<-chan Event, error) {
	sub := &memorySub{pool: pool, ch: make(chan Event, 16)}

	m.mu.Lock()
	m.subs[sub] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs, sub)
		m.mu.Unlock()
	}()
	return sub.ch, nil
}

func (m *Memory) Close() error { return nil }

func matches(pool models.Pool, event Event) bool {
	if event.Type == EventCanceled {
		return true
	}
	return event.OrgID == pool.OrgID && event.Kind == pool.Kind
}
