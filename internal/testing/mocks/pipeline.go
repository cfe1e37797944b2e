package mocks

import (
	"context"
	"sync"

	"github.com/AndreyAkinshin/shipyard/internal/model"
)

// Notifier records every outcome it is asked to report.
type Notifier struct {
	rec *Recorder
	Err error

	mu       sync.Mutex
	outcomes []model.PipelineOutcome
	canceled []bool
}

// NewNotifier creates a Notifier logging to rec, which may be nil.
func NewNotifier(rec *Recorder) *Notifier {
	return &Notifier{rec: rec}
}

func (n *Notifier) Notify(ctx context.Context, _ model.RunContext, outcome model.PipelineOutcome) error {
	n.rec.record("notify %s", outcome.Verdict())
	n.mu.Lock()
	defer n.mu.Unlock()
	n.outcomes = append(n.outcomes, outcome)
	n.canceled = append(n.canceled, ctx.Err() != nil)
	return n.Err
}

// Outcomes returns the reported outcomes in order.
func (n *Notifier) Outcomes() []model.PipelineOutcome {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]model.PipelineOutcome(nil), n.outcomes...)
}

// SawCanceledContext reports whether any Notify call got a canceled context.
func (n *Notifier) SawCanceledContext() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, c := range n.canceled {
		if c {
			return true
		}
	}
	return false
}

// DebugHook records debug sessions.
type DebugHook struct {
	rec *Recorder

	mu      sync.Mutex
	reasons []error
}

// NewDebugHook creates a DebugHook logging to rec, which may be nil.
func NewDebugHook(rec *Recorder) *DebugHook {
	return &DebugHook{rec: rec}
}

func (d *DebugHook) Open(_ context.Context, rc model.RunContext, reason error) error {
	d.rec.record("debug %s", rc.Trigger.Actor)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reasons = append(d.reasons, reason)
	return nil
}

// Sessions returns how many sessions were opened.
func (d *DebugHook) Sessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.reasons)
}
