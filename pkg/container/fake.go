package container

import (
	"context"
	"io"
	"sync"
)

// FakeResult scripts one FakeRuntime.Run call
type FakeResult struct {
	ExitCode int
	Err      error
	Output   string

	// Wait, when set, blocks the run until closed or the context ends
	Wait <-chan struct{}
}

// FakeRuntime replays scripted results in order; unscripted runs exit 0
type FakeRuntime struct {
	mu      sync.Mutex
	results []FakeResult
	runs    []RunSpec
	started chan RunSpec
}

var _ Runtime = (*FakeRuntime)(nil)

// NewFakeRuntime creates a fake runtime
func NewFakeRuntime(results ...FakeResult) *FakeRuntime {
	return &FakeRuntime{
		results: results,
		started: make(chan RunSpec, 64),
	}
}

// Push appends scripted results
func (f *FakeRuntime) Push(results ...FakeResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, results...)
}

// Started delivers each run's spec as it begins
func (f *FakeRuntime) Started() <-chan RunSpec {
	return f.started
}

// Runs returns the specs of all runs so far
func (f *FakeRuntime) Runs() []RunSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RunSpec(nil), f.runs...)
}

func (f *FakeRuntime) Run(ctx context.Context, spec RunSpec, logs io.Writer) (int, error) {
	f.mu.Lock()
	result := FakeResult{}
	if len(f.results) > 0 {
		result = f.results[0]
		f.results = f.results[1:]
	}
	f.runs = append(f.runs, spec)
	f.mu.Unlock()

	select {
	case f.started <- spec:
	default:
	}

	if result.Output != "" {
		io.WriteString(logs, result.Output)
	}
	if result.Wait != nil {
		select {
		case <-result.Wait:
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	}
	if result.Err != nil {
		return -1, result.Err
	}
	return result.ExitCode, nil
}
