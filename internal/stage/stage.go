// Package stage runs a single matrix cell: cache restore, the run command
// under a timeout with retries, and cache save.
package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/AndreyAkinshin/shipyard/internal/cache"
	"github.com/AndreyAkinshin/shipyard/internal/clock"
	shipyarderrors "github.com/AndreyAkinshin/shipyard/internal/errors"
	"github.com/AndreyAkinshin/shipyard/internal/logging"
	"github.com/AndreyAkinshin/shipyard/internal/model"
	"github.com/AndreyAkinshin/shipyard/internal/output"
)

// RestoreKey is the exact key a cell restores from.
func RestoreKey(platform, name, runID string) string {
	return fmt.Sprintf("%s-%s-%s", platform, name, runID)
}

// FallbackKeys is the ordered prefix chain tried when RestoreKey misses.
func FallbackKeys(platform, name, runID string) []string {
	return []string{
		fmt.Sprintf("%s-%s", platform, name),
		fmt.Sprintf("%s-%s-%s", platform, model.PrepareCommandName, runID),
		fmt.Sprintf("%s-%s", platform, model.PrepareCommandName),
	}
}

// PrepareFallbackKeys is the prefix chain of the prepare cell: the newest
// build of any earlier run.
func PrepareFallbackKeys(platform string) []string {
	return []string{fmt.Sprintf("%s-%s", platform, model.PrepareCommandName)}
}

// SaveKey is the key a cell saves under.
func SaveKey(platform, name, runID string, runAttempt int) string {
	return fmt.Sprintf("%s-%s-%s-%d", platform, name, runID, runAttempt)
}

// Runner executes matrix cells. A Runner is safe for concurrent use as long
// as its Cache and Executor are.
type Runner struct {
	cache    cache.Cache
	executor Executor
	clock    clock.Clock
	logger   *slog.Logger
	out      *output.Writer
	workDir  string
}

// Option configures a Runner.
type Option func(*Runner)

// WithClock sets the clock used for timeouts and durations.
func WithClock(c clock.Clock) Option {
	return func(r *Runner) { r.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = logging.OrDiscard(l) }
}

// WithOutput enables human-readable progress lines.
func WithOutput(out *output.Writer) Option {
	return func(r *Runner) { r.out = out }
}

// WithWorkDir overrides the directory commands run in. The default is the
// run's repository checkout.
func WithWorkDir(dir string) Option {
	return func(r *Runner) { r.workDir = dir }
}

// New creates a Runner.
func New(c cache.Cache, executor Executor, opts ...Option) *Runner {
	r := &Runner{
		cache:    c,
		executor: executor,
		clock:    clock.Real(),
		logger:   logging.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes one cell and returns its result. It never panics on command
// failure; every failure is reported through the result.
func (r *Runner) Run(ctx context.Context, cell model.MatrixCell, rc model.RunContext) model.StageResult {
	s := &stageRun{
		runner: r,
		cell:   cell,
		rc:     rc,
		state:  model.StatePending,
		logger: r.logger.With("cell", cell.ID()),
	}
	return s.run(ctx)
}

// stageRun carries the state machine of one cell.
type stageRun struct {
	runner *Runner
	cell   model.MatrixCell
	rc     model.RunContext
	state  model.StageState
	result model.StageResult
	logger *slog.Logger
}

func (s *stageRun) transition(to model.StageState, attempt int) {
	s.result.Transitions = append(s.result.Transitions, model.Transition{
		From:    s.state,
		To:      to,
		Attempt: attempt,
		At:      s.runner.clock.Now(),
	})
	s.logger.Debug("stage transition", "from", s.state, "to", to, "attempt", attempt)
	s.state = to
}

func (s *stageRun) run(ctx context.Context) model.StageResult {
	r := s.runner
	cell := s.cell
	platform := cell.Platform.Name
	started := r.clock.Now()

	s.result = model.StageResult{
		CellID:    cell.ID(),
		Platform:  platform,
		Command:   cell.Command.Name,
		Outcome:   model.OutcomeSuccess,
		Tolerated: !cell.Platform.Primary && cell.Command.IgnoreErrorOnSecondaryPlatform,
	}
	defer func() { s.result.Duration = r.clock.Now().Sub(started) }()

	if cell.Command.RestoresCache {
		if err := s.restore(ctx); err != nil {
			s.result.Outcome = model.OutcomeFailure
			s.result.Err = err
			s.transition(model.StateDone, 0)
			s.report()
			return s.result
		}
	}

	if s.rc.SkipTest && !cell.Command.Prepare {
		s.result.Skipped = true
		s.transition(model.StateDone, 0)
		s.logger.Info("run step skipped")
		return s.result
	}

	// A prepare cell without a build command only carries the cache forward.
	if cell.Command.Run == "" {
		s.transition(model.StateDone, 0)
	} else {
		s.execute(ctx)
	}

	if cell.Command.SavesCache && ctx.Err() == nil {
		s.save(ctx)
	}

	s.report()
	return s.result
}

// restore consults the cache. A required miss is a fatal setup error; other
// restore failures only lose the warm start. The prepare cell seeds the
// chain and never requires a hit.
func (s *stageRun) restore(ctx context.Context) error {
	cell := s.cell
	platform := cell.Platform.Name
	key := RestoreKey(platform, cell.Command.Name, s.rc.Trigger.RunID)
	fallbacks := FallbackKeys(platform, cell.Command.Name, s.rc.Trigger.RunID)
	required := cell.Platform.Primary
	if cell.Command.Prepare {
		fallbacks = PrepareFallbackKeys(platform)
		required = false
	}

	res, err := s.runner.cache.Restore(ctx, key, fallbacks, cell.Command.CachePaths, required)
	if err != nil {
		if errors.Is(err, shipyarderrors.ErrCacheRequiredMissing) {
			return shipyarderrors.Setup(cell.ID(), err)
		}
		s.logger.Warn("cache restore failed", "key", key, "error", err)
		return nil
	}
	s.result.CacheHit = res.Hit
	s.result.CacheMatchedKey = res.MatchedKey
	return nil
}

// execute drives Pending → Running → (Succeeded | Failed) → (Retrying | Done)
// until the command succeeds or the attempt budget is spent.
func (s *stageRun) execute(ctx context.Context) {
	maxAttempts := s.cell.Command.AttemptsOn(s.cell.Platform.Name)

	for attempt := 1; ; attempt++ {
		s.result.Attempt = attempt
		s.transition(model.StateRunning, attempt)
		if s.runner.out != nil {
			s.runner.out.CellStart(s.cell.ID(), attempt)
		}

		outcome, err := s.attempt(ctx, attempt)
		s.result.Outcome = outcome
		s.result.Err = err

		if outcome == model.OutcomeSuccess {
			s.transition(model.StateSucceeded, attempt)
			s.transition(model.StateDone, attempt)
			return
		}

		s.transition(model.StateFailed, attempt)
		s.logger.Warn("attempt failed", "attempt", attempt, "max_attempts", maxAttempts, "error", err)

		if ctx.Err() != nil || !shipyarderrors.IsRetryable(err) || attempt >= maxAttempts {
			s.transition(model.StateDone, attempt)
			return
		}
		s.transition(model.StateRetrying, attempt)
	}
}

// attempt runs the command once under the cell timeout.
func (s *stageRun) attempt(ctx context.Context, attempt int) (model.Outcome, error) {
	r := s.runner
	cellID := s.cell.ID()
	bound := s.cell.Command.Timeout()

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type execResult struct {
		code int
		err  error
	}
	done := make(chan execResult, 1)
	job := Job{
		CellID:  cellID,
		Script:  s.cell.Command.Run,
		Dir:     s.workDir(),
		Env:     s.env(attempt),
		Attempt: attempt,
	}
	go func() {
		code, err := r.executor.Execute(attemptCtx, job)
		done <- execResult{code, err}
	}()

	var timeout <-chan time.Time
	if bound > 0 {
		timeout = r.clock.After(bound)
	}

	select {
	case res := <-done:
		switch {
		case res.err != nil && ctx.Err() != nil:
			return model.OutcomeFailure, shipyarderrors.Canceled(ctx.Err())
		case res.err != nil:
			return model.OutcomeFailure, &shipyarderrors.PipelineError{
				Kind: shipyarderrors.KindExecution, Message: "command failed", Cell: cellID, Cause: res.err,
			}
		case res.code != 0:
			return model.OutcomeFailure, shipyarderrors.Execution(cellID, res.code)
		default:
			return model.OutcomeSuccess, nil
		}
	case <-timeout:
		cancel()
		<-done
		return model.OutcomeTimedOut, shipyarderrors.Timeout(cellID, bound)
	case <-ctx.Done():
		cancel()
		<-done
		return model.OutcomeFailure, shipyarderrors.Canceled(ctx.Err())
	}
}

// save runs once per executed cell regardless of outcome.
func (s *stageRun) save(ctx context.Context) {
	key := SaveKey(s.cell.Platform.Name, s.cell.Command.Name, s.rc.Trigger.RunID, s.rc.Trigger.RunAttempt)
	if err := s.runner.cache.Save(ctx, key, s.cell.Command.CachePaths); err != nil {
		s.logger.Warn("cache save failed", "key", key, "error", err)
		return
	}
	s.result.CacheSaved = true
}

func (s *stageRun) report() {
	res := &s.result
	if res.Failed() && res.Tolerated {
		res.Err = shipyarderrors.Tolerated(res.CellID, res.Err)
	}

	s.logger.Info("stage finished",
		"outcome", res.Outcome.String(),
		"attempts", res.Attempt,
		"tolerated", res.Tolerated,
		"cache_hit", res.CacheHit,
		"cache_saved", res.CacheSaved,
	)

	out := s.runner.out
	if out == nil {
		return
	}
	if res.Failed() {
		out.CellFailed(res.CellID, res.Tolerated, res.Err)
	} else {
		out.CellSuccess(res.CellID)
	}
}

func (s *stageRun) workDir() string {
	if s.runner.workDir != "" {
		return s.runner.workDir
	}
	return s.rc.RepoPath
}

// env layers the run context, the command's own variables and the cell
// identity.
func (s *stageRun) env(attempt int) map[string]string {
	env := s.rc.Env()
	for k, v := range s.cell.Command.Env {
		env[k] = v
	}
	env["SHIPYARD_PLATFORM"] = s.cell.Platform.Name
	env["SHIPYARD_CELL"] = s.cell.ID()
	env["SHIPYARD_ATTEMPT"] = strconv.Itoa(attempt)
	return env
}
