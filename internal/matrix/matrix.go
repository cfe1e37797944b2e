// Package matrix expands the platform × test-command matrix and runs every
// cell in parallel on a bounded worker pool.
package matrix

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AndreyAkinshin/shipyard/internal/clock"
	shipyarderrors "github.com/AndreyAkinshin/shipyard/internal/errors"
	"github.com/AndreyAkinshin/shipyard/internal/logging"
	"github.com/AndreyAkinshin/shipyard/internal/model"
	"github.com/AndreyAkinshin/shipyard/internal/output"
)

// ParallelEnv overrides the worker count.
const ParallelEnv = "SHIPYARD_PARALLEL"

const (
	// minParallelWorkers keeps at least one worker even if runtime.NumCPU()
	// reports zero in a restricted container.
	minParallelWorkers = 1

	// maxParallelWorkers caps SHIPYARD_PARALLEL. Cells are subprocess-bound,
	// so more workers than this only add scheduling overhead.
	maxParallelWorkers = 256
)

// Expand builds the cross product of platforms and commands in declaration
// order, skipping every pair exclude rejects for trigger. A nil exclude keeps
// all pairs.
func Expand(platforms []model.Platform, commands []model.TestCommand, exclude model.ExcludeFunc, trigger model.TriggerKind) []model.MatrixCell {
	cells := make([]model.MatrixCell, 0, len(platforms)*len(commands))
	for _, cmd := range commands {
		for _, p := range platforms {
			if exclude != nil && exclude(p, cmd, trigger) {
				continue
			}
			cells = append(cells, model.MatrixCell{Platform: p, Command: cmd})
		}
	}
	return cells
}

// PrepareCells returns one prepare cell per platform that runs a cache
// restoring cell, in platform order. The prepare cells save the
// {platform}-prepare-{runId} entries those cells fall back to.
func PrepareCells(platforms []model.Platform, cells []model.MatrixCell, prepare model.TestCommand) []model.MatrixCell {
	restoring := make(map[string]bool)
	for _, c := range cells {
		if c.Command.RestoresCache {
			restoring[c.Platform.Name] = true
		}
	}
	var out []model.MatrixCell
	for _, p := range platforms {
		if restoring[p.Name] {
			out = append(out, model.MatrixCell{Platform: p, Command: prepare})
		}
	}
	return out
}

// CellRunner runs one cell. *stage.Runner implements it.
type CellRunner interface {
	Run(ctx context.Context, cell model.MatrixCell, rc model.RunContext) model.StageResult
}

// Report aggregates the results of one matrix run.
type Report struct {
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	// Results are in cell order, not completion order.
	Results []model.StageResult
	Success bool
}

// Blocking returns results that fail the aggregate.
func (r *Report) Blocking() []model.StageResult {
	var out []model.StageResult
	for _, res := range r.Results {
		if res.Blocking() {
			out = append(out, res)
		}
	}
	return out
}

// ToleratedFailures returns failed results that do not fail the aggregate.
func (r *Report) ToleratedFailures() []model.StageResult {
	var out []model.StageResult
	for _, res := range r.Results {
		if res.Failed() && res.Tolerated {
			out = append(out, res)
		}
	}
	return out
}

// Scheduler runs cells concurrently.
type Scheduler struct {
	runner  CellRunner
	workers int
	clock   clock.Clock
	logger  *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithWorkers fixes the worker count instead of reading SHIPYARD_PARALLEL.
func WithWorkers(n int) Option {
	return func(s *Scheduler) { s.workers = max(minParallelWorkers, n) }
}

// WithClock sets the clock used for report timing.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logging.OrDiscard(l) }
}

// NewScheduler creates a Scheduler.
func NewScheduler(runner CellRunner, opts ...Option) *Scheduler {
	s := &Scheduler{
		runner: runner,
		clock:  clock.Real(),
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.workers == 0 {
		s.workers = ParallelWorkers(s.logger)
	}
	return s
}

// Workers returns the worker count.
func (s *Scheduler) Workers() int {
	return s.workers
}

// Run executes every cell to completion. Prepare cells run first; test
// cells start once every prepare cell has finished, and on a platform whose
// prepare cell failed they report a setup failure without running. A failing
// cell never cancels its siblings; only ctx cancellation stops the matrix
// early, and cells not yet started then report a canceled failure.
func (s *Scheduler) Run(ctx context.Context, cells []model.MatrixCell, rc model.RunContext) *Report {
	report := &Report{
		StartTime: s.clock.Now(),
		Results:   make([]model.StageResult, len(cells)),
	}
	s.logger.Info("matrix started", "cells", len(cells), "workers", s.workers, "skip_test", rc.SkipTest)

	var prepare, tests []int
	for i, cell := range cells {
		if cell.Command.Prepare {
			prepare = append(prepare, i)
		} else {
			tests = append(tests, i)
		}
	}

	s.runPhase(ctx, cells, prepare, rc, report.Results, nil)
	failed := make(map[string]bool)
	for _, i := range prepare {
		if report.Results[i].Failed() {
			failed[cells[i].Platform.Name] = true
			s.logger.Warn("prepare failed, skipping platform", "platform", cells[i].Platform.Name)
		}
	}
	s.runPhase(ctx, cells, tests, rc, report.Results, failed)

	report.Success = true
	for _, res := range report.Results {
		if res.Blocking() {
			report.Success = false
			break
		}
	}
	report.EndTime = s.clock.Now()
	report.Duration = report.EndTime.Sub(report.StartTime)

	s.logger.Info("matrix finished",
		"success", report.Success,
		"blocking_failures", len(report.Blocking()),
		"tolerated_failures", len(report.ToleratedFailures()),
		"duration", report.Duration,
	)
	return report
}

// runPhase runs the cells at indices on the worker pool and stores each
// result at its index. Cells on a blocked platform do not run.
func (s *Scheduler) runPhase(ctx context.Context, cells []model.MatrixCell, indices []int, rc model.RunContext, results []model.StageResult, blocked map[string]bool) {
	// Goroutines never return an error, so the group never cancels.
	var g errgroup.Group
	g.SetLimit(s.workers)
	for _, i := range indices {
		cell := cells[i]
		g.Go(func() error {
			switch {
			case ctx.Err() != nil:
				results[i] = canceledResult(cell, ctx.Err())
			case blocked[cell.Platform.Name]:
				results[i] = blockedResult(cell)
			default:
				results[i] = s.runner.Run(ctx, cell, rc)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func canceledResult(cell model.MatrixCell, cause error) model.StageResult {
	return model.StageResult{
		CellID:   cell.ID(),
		Platform: cell.Platform.Name,
		Command:  cell.Command.Name,
		Outcome:  model.OutcomeFailure,
		Err:      &shipyarderrors.PipelineError{Kind: shipyarderrors.KindCanceled, Message: "run canceled", Cell: cell.ID(), Cause: cause},
	}
}

func blockedResult(cell model.MatrixCell) model.StageResult {
	res := model.StageResult{
		CellID:    cell.ID(),
		Platform:  cell.Platform.Name,
		Command:   cell.Command.Name,
		Outcome:   model.OutcomeFailure,
		Tolerated: !cell.Platform.Primary && cell.Command.IgnoreErrorOnSecondaryPlatform,
		Err:       shipyarderrors.Setup(cell.ID(), fmt.Errorf("prepare failed on %s", cell.Platform.Name)),
	}
	if res.Tolerated {
		res.Err = shipyarderrors.Tolerated(res.CellID, res.Err)
	}
	return res
}

// defaultWorkerCount returns the default number of parallel workers based on
// CPU count.
func defaultWorkerCount() int {
	return max(minParallelWorkers, runtime.NumCPU())
}

// ParallelWorkers reads SHIPYARD_PARALLEL. Invalid values (non-numeric, <1,
// >256) log a warning and fall back to runtime.NumCPU().
func ParallelWorkers(logger *slog.Logger) int {
	logger = logging.OrDiscard(logger)
	env := os.Getenv(ParallelEnv)
	if env == "" {
		return defaultWorkerCount()
	}

	n, err := strconv.Atoi(env)
	if err != nil {
		logger.Warn("invalid "+ParallelEnv+" value (not a number), using default", "value", env)
		return defaultWorkerCount()
	}

	if n < minParallelWorkers || n > maxParallelWorkers {
		logger.Warn(ParallelEnv+" out of range, using default", "value", n, "min", minParallelWorkers, "max", maxParallelWorkers)
		return defaultWorkerCount()
	}

	return n
}

// PrintReport prints the per-cell breakdown and the verdict of a matrix run.
func PrintReport(report *Report, out *output.Writer) {
	out.SummaryHeader("Test Matrix")

	rows := make([][]string, 0, len(report.Results))
	for _, res := range report.Results {
		rows = append(rows, []string{
			res.CellID,
			outcomeLabel(res),
			strconv.Itoa(res.Attempt),
			cacheLabel(res),
			strconv.FormatInt(res.DurationSeconds(), 10),
		})
	}
	out.Table([]string{"cell", "outcome", "attempts", "cache", "seconds"}, rows)
	out.Println("")

	out.SummarySectionLabel("Cells:")
	for _, res := range report.Results {
		var errMsg string
		if res.Err != nil {
			errMsg = res.Err.Error()
		}
		out.SummaryAction(res.CellID, !res.Failed(), FormatDuration(res.Duration), errMsg)
	}
	out.Println("")

	var passed []model.StageResult
	for _, res := range report.Results {
		if !res.Failed() {
			passed = append(passed, res)
		}
	}
	if len(passed) > 0 {
		out.SummaryPassed("Passed", cellIDs(passed))
	}
	if blocking := report.Blocking(); len(blocking) > 0 {
		out.SummaryFailed("Failed", cellIDs(blocking))
	}
	if tolerated := report.ToleratedFailures(); len(tolerated) > 0 {
		out.SummaryItem("Tolerated", cellIDs(tolerated))
	}
	out.SummaryItem("Duration", FormatDuration(report.Duration))
}

func outcomeLabel(res model.StageResult) string {
	switch {
	case res.Skipped:
		return "skipped"
	case res.Failed() && res.Tolerated:
		return res.Outcome.String() + " (tolerated)"
	default:
		return res.Outcome.String()
	}
}

func cacheLabel(res model.StageResult) string {
	switch {
	case res.CacheHit && res.CacheSaved:
		return "hit, saved"
	case res.CacheHit:
		return "hit"
	case res.CacheSaved:
		return "saved"
	default:
		return "-"
	}
}

func cellIDs(results []model.StageResult) string {
	ids := make([]string, len(results))
	for i, res := range results {
		ids[i] = res.CellID
	}
	return strings.Join(ids, ", ")
}

// FormatDuration formats a duration in a human-readable way.
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dm%ds", m, s)
}
