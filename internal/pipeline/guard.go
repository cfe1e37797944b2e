package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AndreyAkinshin/shipyard/internal/clock"
	shipyarderrors "github.com/AndreyAkinshin/shipyard/internal/errors"
	"github.com/AndreyAkinshin/shipyard/internal/model"
	"github.com/AndreyAkinshin/shipyard/internal/state"
)

// ErrSuperseded is the cancellation cause of a run replaced by a newer run
// for the same branch.
var ErrSuperseded = errors.New("superseded by a newer run")

// History persists runs. *state.Store implements it.
type History interface {
	CreateRun(ctx context.Context, r state.Run) (*state.Run, error)
	SetRunStatus(ctx context.Context, id string, status state.RunStatus) (bool, error)
	Heartbeat(ctx context.Context, id string) (state.RunStatus, error)
	ActiveRuns(ctx context.Context, key, excludeID string, staleAfter time.Duration) ([]state.Run, error)
	SupersedeActive(ctx context.Context, key, newID string) (int64, error)
	CompleteRun(ctx context.Context, id string, c state.RunCompletion) error
	RecordCellResults(ctx context.Context, runID string, cells []state.CellRecord) error
}

// staleHeartbeats is how many missed polls make an active run count as dead.
const staleHeartbeats = 3

// runGuard holds a run's concurrency key. A nil guard is valid and does
// nothing.
type runGuard struct {
	history History
	run     *state.Run
	clock   clock.Clock
	poll    time.Duration
	logger  *slog.Logger

	done chan struct{}
	wg   sync.WaitGroup
}

// acquire records the run and applies the supersede policy. Runs without
// release intent, or with force_cancel_in_progress, take the key at once
// and supersede older runs; release runs wait until older runs finish.
// Once the key is held, a heartbeat loop cancels ctx if a newer run
// supersedes this one.
func (p *Pipeline) acquire(ctx context.Context, rc model.RunContext, cancel context.CancelCauseFunc) (*runGuard, error) {
	if p.history == nil {
		return nil, nil
	}
	key := rc.ConcurrencyKey()
	run, err := p.history.CreateRun(ctx, state.Run{
		ConcurrencyKey: key,
		Trigger:        string(rc.Trigger.Kind),
		Branch:         rc.HolochainSourceBranch,
		Actor:          rc.Trigger.Actor,
		ExternalRunID:  rc.Trigger.RunID,
		RunAttempt:     rc.Trigger.RunAttempt,
		ReleaseIntent:  rc.ReleaseIntent(),
		DryRun:         rc.DryRun,
		Status:         state.RunStatusWaiting,
	})
	if err != nil {
		return nil, shipyarderrors.Wrap(err, "recording run")
	}
	g := &runGuard{
		history: p.history,
		run:     run,
		clock:   p.clock,
		poll:    p.pollInterval,
		logger:  p.logger.With("run", run.ID, "concurrency_key", key),
	}

	if !rc.ReleaseIntent() || rc.ForceCancelInProgress {
		n, err := p.history.SupersedeActive(ctx, key, run.ID)
		if err != nil {
			return g, shipyarderrors.Wrap(err, "superseding older runs")
		}
		if n > 0 {
			g.logger.Info("superseded older runs", "count", n)
		}
	} else if err := g.waitForOlder(ctx, p.waitTimeout); err != nil {
		return g, err
	}

	if ok, err := p.history.SetRunStatus(ctx, run.ID, state.RunStatusRunning); err != nil {
		return g, shipyarderrors.Wrap(err, "marking run running")
	} else if !ok {
		return g, shipyarderrors.Canceled(ErrSuperseded)
	}

	g.done = make(chan struct{})
	g.wg.Add(1)
	go g.heartbeat(ctx, cancel)
	return g, nil
}

// waitForOlder blocks while older live runs hold the key.
func (g *runGuard) waitForOlder(ctx context.Context, timeout time.Duration) error {
	deadline := g.clock.Now().Add(timeout)
	for {
		active, err := g.history.ActiveRuns(ctx, g.run.ConcurrencyKey, g.run.ID, staleHeartbeats*g.poll)
		if err != nil {
			return shipyarderrors.Wrap(err, "listing active runs")
		}
		older := olderThan(active, g.run)
		if len(older) == 0 {
			return nil
		}

		status, err := g.history.Heartbeat(ctx, g.run.ID)
		if err != nil {
			return shipyarderrors.Wrap(err, "heartbeat")
		}
		if status == state.RunStatusSuperseded {
			return shipyarderrors.Canceled(ErrSuperseded)
		}
		if !g.clock.Now().Before(deadline) {
			return &shipyarderrors.PipelineError{
				Kind:    shipyarderrors.KindSetup,
				Message: fmt.Sprintf("timed out after %s waiting for run %s", timeout, older[0].ID),
			}
		}

		g.logger.Info("waiting for older run", "older_run", older[0].ID, "older_trigger", older[0].Trigger)
		select {
		case <-ctx.Done():
			return shipyarderrors.Canceled(context.Cause(ctx))
		case <-g.clock.After(g.poll):
		}
	}
}

func olderThan(runs []state.Run, self *state.Run) []state.Run {
	var out []state.Run
	for _, r := range runs {
		if r.StartedAt.Before(self.StartedAt) || (r.StartedAt.Equal(self.StartedAt) && r.ID < self.ID) {
			out = append(out, r)
		}
	}
	return out
}

func (g *runGuard) heartbeat(ctx context.Context, cancel context.CancelCauseFunc) {
	defer g.wg.Done()
	for {
		select {
		case <-g.done:
			return
		case <-ctx.Done():
			return
		case <-g.clock.After(g.poll):
		}

		status, err := g.history.Heartbeat(ctx, g.run.ID)
		if err != nil {
			if ctx.Err() == nil {
				g.logger.Warn("heartbeat failed", "error", err)
			}
			continue
		}
		if status == state.RunStatusSuperseded {
			g.logger.Warn("run superseded, canceling")
			cancel(ErrSuperseded)
			return
		}
	}
}

// stop ends the heartbeat loop.
func (g *runGuard) stop() {
	if g == nil || g.done == nil {
		return
	}
	select {
	case <-g.done:
	default:
		close(g.done)
	}
	g.wg.Wait()
}

// complete stops the heartbeat and writes the outcome to history.
func (g *runGuard) complete(ctx context.Context, res *Result) {
	if g == nil {
		return
	}
	g.stop()
	res.ID = g.run.ID
	o := res.Outcome

	if len(o.Results) > 0 {
		if err := g.history.RecordCellResults(ctx, g.run.ID, cellRecords(o.Results)); err != nil {
			g.logger.Warn("recording cell results failed", "error", err)
		}
	}

	c := state.RunCompletion{
		Status:     runStatus(o),
		Verdict:    string(o.Verdict()),
		Version:    o.Version,
		Tag:        o.Tag,
		FailedStep: o.FailedStep,
	}
	if o.Err != nil {
		c.Error = o.Err.Error()
	}
	if err := g.history.CompleteRun(ctx, g.run.ID, c); err != nil {
		g.logger.Warn("recording run outcome failed", "error", err)
	}
}

func runStatus(o model.PipelineOutcome) state.RunStatus {
	switch {
	case o.Aborted && shipyarderrors.KindOf(o.Err) == shipyarderrors.KindCanceled:
		return state.RunStatusCanceled
	case o.Verdict() == model.VerdictFailure:
		return state.RunStatusFailed
	default:
		return state.RunStatusSucceeded
	}
}

func cellRecords(results []model.StageResult) []state.CellRecord {
	records := make([]state.CellRecord, len(results))
	for i, r := range results {
		records[i] = state.CellRecord{
			CellID:    r.CellID,
			Platform:  r.Platform,
			Command:   r.Command,
			Attempts:  r.Attempt,
			Outcome:   r.Outcome.String(),
			Tolerated: r.Tolerated,
			Skipped:   r.Skipped,
			CacheHit:  r.CacheHit,
			CacheKey:  r.CacheMatchedKey,
			Duration:  r.Duration,
		}
		if r.Err != nil {
			records[i].Error = r.Err.Error()
		}
	}
	return records
}
