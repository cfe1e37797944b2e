// Package mocks provides shared test doubles for shipyard packages.
package mocks

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/AndreyAkinshin/shipyard/internal/stage"
)

// Result is one scripted outcome of Executor.Execute.
type Result struct {
	Code int
	Err  error
	// Block makes the attempt wait until its context is canceled, simulating
	// a hung command.
	Block bool
}

// Executor implements stage.Executor for testing.
// Use NewExecutor() to create instances with a fluent builder API.
type Executor struct {
	// ExecFunc, when set, replaces scripted results.
	ExecFunc func(ctx context.Context, job stage.Job) (int, error)

	mu       sync.Mutex
	scripts  map[string][]Result
	fallback Result
	jobs     []stage.Job
	perCell  map[string]int

	execCount int32
	inFlight  int32
	peak      int32
}

// NewExecutor creates an executor whose attempts succeed unless scripted.
func NewExecutor() *Executor {
	return &Executor{
		scripts: make(map[string][]Result),
		perCell: make(map[string]int),
	}
}

// WithResults scripts consecutive attempts of a cell. Attempts past the end
// of the script repeat the last result.
func (m *Executor) WithResults(cellID string, results ...Result) *Executor {
	m.scripts[cellID] = results
	return m
}

// WithExitCode scripts every attempt of a cell to exit with code.
func (m *Executor) WithExitCode(cellID string, code int) *Executor {
	return m.WithResults(cellID, Result{Code: code})
}

// WithDefault sets the result for cells without a script.
func (m *Executor) WithDefault(r Result) *Executor {
	m.fallback = r
	return m
}

// WithExecFunc sets the function called by Execute.
func (m *Executor) WithExecFunc(fn func(ctx context.Context, job stage.Job) (int, error)) *Executor {
	m.ExecFunc = fn
	return m
}

// Execute implements stage.Executor.
func (m *Executor) Execute(ctx context.Context, job stage.Job) (int, error) {
	atomic.AddInt32(&m.execCount, 1)
	current := atomic.AddInt32(&m.inFlight, 1)
	defer atomic.AddInt32(&m.inFlight, -1)
	for {
		peak := atomic.LoadInt32(&m.peak)
		if current <= peak || atomic.CompareAndSwapInt32(&m.peak, peak, current) {
			break
		}
	}

	m.mu.Lock()
	m.jobs = append(m.jobs, job)
	n := m.perCell[job.CellID]
	m.perCell[job.CellID] = n + 1
	result := m.fallback
	if script, ok := m.scripts[job.CellID]; ok && len(script) > 0 {
		result = script[min(n, len(script)-1)]
	}
	m.mu.Unlock()

	if m.ExecFunc != nil {
		return m.ExecFunc(ctx, job)
	}
	if result.Block {
		<-ctx.Done()
		return -1, ctx.Err()
	}
	return result.Code, result.Err
}

// Test inspection methods

// ExecCount returns the number of times Execute was called.
func (m *Executor) ExecCount() int32 {
	return atomic.LoadInt32(&m.execCount)
}

// Attempts returns how many times a cell was executed.
func (m *Executor) Attempts(cellID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.perCell[cellID]
}

// Jobs returns every job received, in call order.
func (m *Executor) Jobs() []stage.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]stage.Job, len(m.jobs))
	copy(result, m.jobs)
	return result
}

// PeakConcurrency returns the highest number of overlapping Execute calls.
func (m *Executor) PeakConcurrency() int32 {
	return atomic.LoadInt32(&m.peak)
}

// Reset clears execution tracking state.
func (m *Executor) Reset() {
	atomic.StoreInt32(&m.execCount, 0)
	atomic.StoreInt32(&m.peak, 0)
	m.mu.Lock()
	m.jobs = nil
	m.perCell = make(map[string]int)
	m.mu.Unlock()
}
