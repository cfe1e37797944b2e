// Package pipeline drives one release run through
// Init → Prepared → Tested → Finalized → Reported, with Aborted for fatal
// errors and cancellation.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/AndreyAkinshin/shipyard/internal/clock"
	shipyarderrors "github.com/AndreyAkinshin/shipyard/internal/errors"
	"github.com/AndreyAkinshin/shipyard/internal/logging"
	"github.com/AndreyAkinshin/shipyard/internal/matrix"
	"github.com/AndreyAkinshin/shipyard/internal/model"
	"github.com/AndreyAkinshin/shipyard/internal/output"
	"github.com/AndreyAkinshin/shipyard/internal/release"
)

// Preparer produces the release facts a run acts on.
type Preparer interface {
	Prepare(ctx context.Context, rc model.RunContext) (release.Result, error)
}

// Matrix runs the test matrix. *matrix.Scheduler implements it.
type Matrix interface {
	Run(ctx context.Context, cells []model.MatrixCell, rc model.RunContext) *matrix.Report
}

// Finalizer performs the ordered release steps. *release.Finalizer
// implements it.
type Finalizer interface {
	Finalize(ctx context.Context, rc model.RunContext, res release.Result) ([]string, error)
}

// Notifier reports the verdict. *notify.Notifier implements it.
type Notifier interface {
	Notify(ctx context.Context, rc model.RunContext, outcome model.PipelineOutcome) error
}

// DebugHook opens a diagnostic session after a failure. *debug.Hook
// implements it.
type DebugHook interface {
	Open(ctx context.Context, rc model.RunContext, reason error) error
}

// Definition is the static part of a pipeline: what the matrix is built
// from.
type Definition struct {
	Platforms []model.Platform
	Commands  []model.TestCommand
	Exclude   model.ExcludeFunc
	// Prepare, when set, runs on every platform with a cache restoring
	// cell before the test cells.
	Prepare *model.TestCommand
}

// Cells expands the matrix for trigger, prepare cells first.
func (d Definition) Cells(trigger model.TriggerKind) []model.MatrixCell {
	cells := matrix.Expand(d.Platforms, d.Commands, d.Exclude, trigger)
	if d.Prepare == nil {
		return cells
	}
	return append(matrix.PrepareCells(d.Platforms, cells, *d.Prepare), cells...)
}

// Result is everything a run produced.
type Result struct {
	// ID is the history record of the run, empty without history.
	ID      string
	Outcome model.PipelineOutcome
	// States lists every state the run passed through, starting with Init.
	States []model.PipelineState
	// Report is nil when the test stage did not run.
	Report *matrix.Report
}

// Final returns the last state reached.
func (r *Result) Final() model.PipelineState {
	return r.States[len(r.States)-1]
}

// Pipeline coordinates the collaborators of one run.
type Pipeline struct {
	def       Definition
	preparer  Preparer
	matrix    Matrix
	finalizer Finalizer
	notifier  Notifier
	debug     DebugHook
	history   History

	pollInterval time.Duration
	waitTimeout  time.Duration

	clock  clock.Clock
	logger *slog.Logger
	out    *output.Writer
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithHistory records runs and enables the supersede guard.
func WithHistory(h History) Option {
	return func(p *Pipeline) { p.history = h }
}

// WithDebugHook sets the hook opened on test or finalize failure when the
// run has debug enabled.
func WithDebugHook(h DebugHook) Option {
	return func(p *Pipeline) { p.debug = h }
}

// WithSupersede tunes how often a run polls its history record and how long
// a release run waits for older runs on the same branch.
func WithSupersede(pollInterval, waitTimeout time.Duration) Option {
	return func(p *Pipeline) {
		p.pollInterval = pollInterval
		p.waitTimeout = waitTimeout
	}
}

// WithClock sets the clock used for polling.
func WithClock(c clock.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logging.OrDiscard(l) }
}

// WithOutput enables phase headers, the matrix report and the verdict line.
func WithOutput(out *output.Writer) Option {
	return func(p *Pipeline) { p.out = out }
}

// New creates a Pipeline.
func New(def Definition, preparer Preparer, m Matrix, finalizer Finalizer, notifier Notifier, opts ...Option) *Pipeline {
	p := &Pipeline{
		def:          def,
		preparer:     preparer,
		matrix:       m,
		finalizer:    finalizer,
		notifier:     notifier,
		pollInterval: 10 * time.Second,
		waitTimeout:  2 * time.Hour,
		clock:        clock.Real(),
		logger:       logging.Discard(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// runState carries the mutable progress of one Run call.
type runState struct {
	rc     model.RunContext
	result *Result
	prep   release.Result
	logger *slog.Logger
}

func (s *runState) enter(state model.PipelineState) {
	s.logger.Info("pipeline state", "state", string(state))
	s.result.States = append(s.result.States, state)
}

// abort records a fatal error and moves to Aborted.
func (s *runState) abort(err error) {
	s.result.Outcome.Aborted = true
	s.result.Outcome.Err = err
	var pe *shipyarderrors.PipelineError
	if errors.As(err, &pe) && pe.Step != "" && s.result.Outcome.FailedStep == "" {
		s.result.Outcome.FailedStep = pe.Step
	}
	s.logger.Error("pipeline aborted", "error", err)
	s.enter(model.PipelineAborted)
}

// Run executes the pipeline. It always reaches Reported: the notifier runs
// whatever happened before, including external cancellation.
func (p *Pipeline) Run(ctx context.Context, rc model.RunContext) *Result {
	s := &runState{
		rc:     rc,
		result: &Result{},
		logger: p.logger.With("branch", rc.HolochainSourceBranch, "trigger", string(rc.Trigger.Kind)),
	}
	s.enter(model.PipelineInit)

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	guard, err := p.acquire(ctx, rc, cancel)
	if err != nil {
		s.abort(err)
		p.report(ctx, s, guard)
		return s.result
	}
	defer guard.stop()

	if p.prepare(ctx, s) && p.test(ctx, s) {
		p.finalize(ctx, s)
	}

	p.report(ctx, s, guard)
	return s.result
}

func (p *Pipeline) prepare(ctx context.Context, s *runState) bool {
	p.phase("prepare")
	prep, err := p.preparer.Prepare(ctx, s.rc)
	if err != nil {
		if ctx.Err() != nil {
			s.abort(shipyarderrors.Canceled(context.Cause(ctx)))
			return false
		}
		s.abort(&shipyarderrors.PipelineError{Kind: shipyarderrors.KindSetup, Message: "prepare failed", Step: "prepare", Cause: err})
		return false
	}

	s.prep = prep
	o := &s.result.Outcome
	o.PrepareOK = true
	o.ReleasableCrates = prep.ReleasableCrates
	o.Version = prep.Version
	o.Tag = prep.Tag
	s.enter(model.PipelinePrepared)
	return true
}

// test runs the matrix and reports whether the run may continue toward
// finalize. A failing matrix is not an abort: the run goes on to Reported.
func (p *Pipeline) test(ctx context.Context, s *runState) bool {
	o := &s.result.Outcome
	if s.rc.Trigger.Kind == model.TriggerPullRequest {
		s.logger.Info("test stage skipped for peer-review trigger")
		o.TestOK = true
		s.enter(model.PipelineTested)
		return true
	}

	p.phase("test")
	report := p.matrix.Run(ctx, p.def.Cells(s.rc.Trigger.Kind), s.rc)
	s.result.Report = report
	o.Results = report.Results
	if p.out != nil {
		matrix.PrintReport(report, p.out)
	}

	if ctx.Err() != nil {
		s.abort(shipyarderrors.Canceled(context.Cause(ctx)))
		return false
	}

	o.TestOK = report.Success
	s.enter(model.PipelineTested)
	if !o.TestOK {
		p.openDebug(ctx, s, errors.New("test matrix failed"))
		return false
	}
	return true
}

func (p *Pipeline) finalize(ctx context.Context, s *runState) {
	o := &s.result.Outcome
	if !s.rc.ReleaseIntent() || !s.prep.ReleasableCrates {
		s.logger.Info("finalize not entered", "release_intent", s.rc.ReleaseIntent(), "releasable_crates", s.prep.ReleasableCrates)
		return
	}

	p.phase("finalize")
	o.FinalizeEntered = true
	steps, err := p.finalizer.Finalize(ctx, s.rc, s.prep)
	o.Steps = steps
	if err != nil {
		if ctx.Err() != nil {
			s.abort(shipyarderrors.Canceled(context.Cause(ctx)))
			return
		}
		s.abort(err)
		p.openDebug(ctx, s, err)
		return
	}
	o.FinalizeOK = true
	s.enter(model.PipelineFinalized)
}

func (p *Pipeline) openDebug(ctx context.Context, s *runState, reason error) {
	if !s.rc.Debug || p.debug == nil {
		return
	}
	s.logger.Info("opening debug session", "actor", s.rc.Trigger.Actor)
	if err := p.debug.Open(ctx, s.rc, reason); err != nil {
		s.logger.Warn("debug session failed", "error", err)
	}
}

// report always runs, on a context that survives cancellation of the run.
func (p *Pipeline) report(ctx context.Context, s *runState, guard *runGuard) {
	ctx = context.WithoutCancel(ctx)
	outcome := s.result.Outcome
	verdict := outcome.Verdict()

	if err := p.notifier.Notify(ctx, s.rc, outcome); err != nil {
		s.logger.Warn("notification failed", "error", err)
	}
	guard.complete(ctx, s.result)
	s.enter(model.PipelineReported)

	if p.out == nil {
		return
	}
	switch verdict {
	case model.VerdictFailure:
		if outcome.Err != nil {
			p.out.FinalFailure("Release run failed: %v", outcome.Err)
		} else {
			p.out.FinalFailure("Release run failed.")
		}
	case model.VerdictNoChanges:
		p.out.FinalSuccess("Release run finished: %s.", verdict)
	default:
		if outcome.Tag != "" && outcome.FinalizeEntered {
			p.out.FinalSuccess("Release %s (%s) finished successfully.", outcome.Version, outcome.Tag)
		} else {
			p.out.FinalSuccess("Release run finished successfully.")
		}
	}
}

func (p *Pipeline) phase(name string) {
	if p.out != nil {
		p.out.PhaseHeader(name)
	}
}
