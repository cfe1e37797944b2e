package stage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AndreyAkinshin/shipyard/internal/clock"
	shipyarderrors "github.com/AndreyAkinshin/shipyard/internal/errors"
	"github.com/AndreyAkinshin/shipyard/internal/model"
	"github.com/AndreyAkinshin/shipyard/internal/stage"
	"github.com/AndreyAkinshin/shipyard/internal/testing/mocks"
	"github.com/AndreyAkinshin/shipyard/internal/testutil"
)

var (
	linux = model.Platform{Name: "linux", Primary: true}
	macos = model.Platform{Name: "macos"}
)

func unitCommand() model.TestCommand {
	return model.TestCommand{
		Name:           "unit",
		RestoresCache:  true,
		SavesCache:     true,
		TimeoutMinutes: 90,
		MaxAttempts:    map[string]int{"linux": 3, "macos": 2},
		Run:            "cargo test",
		CachePaths:     []string{"target"},
		Env:            map[string]string{"RUST_BACKTRACE": "1"},
	}
}

func runContext() model.RunContext {
	return model.RunContext{
		HolochainSourceBranch: "develop",
		RepoPath:              "/var/tmp/repo",
		Trigger:               model.Trigger{Kind: model.TriggerSchedule, RunID: "42", RunAttempt: 1},
	}
}

func newRunner(t *testing.T, c *mocks.Cache, e *mocks.Executor, opts ...stage.Option) *stage.Runner {
	t.Helper()
	opts = append([]stage.Option{stage.WithLogger(testutil.NewTestLogger(t))}, opts...)
	return stage.New(c, e, opts...)
}

func states(transitions []model.Transition) []model.StageState {
	var out []model.StageState
	for i, tr := range transitions {
		if i == 0 {
			out = append(out, tr.From)
		}
		out = append(out, tr.To)
	}
	return out
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "linux-unit-42", stage.RestoreKey("linux", "unit", "42"))
	assert.Equal(t, []string{"linux-unit", "linux-prepare-42", "linux-prepare"}, stage.FallbackKeys("linux", "unit", "42"))
	assert.Equal(t, "linux-unit-42-2", stage.SaveKey("linux", "unit", "42", 2))
	assert.Equal(t, []string{"linux-prepare"}, stage.PrepareFallbackKeys("linux"))
}

func prepareCommand(run string) model.TestCommand {
	return model.TestCommand{
		Name:           model.PrepareCommandName,
		Prepare:        true,
		RestoresCache:  true,
		SavesCache:     true,
		TimeoutMinutes: 60,
		MaxAttempts:    map[string]int{"linux": 1, "macos": 1},
		Run:            run,
		CachePaths:     []string{"target"},
	}
}

func TestRun_PrepareCell(t *testing.T) {
	tests := []struct {
		name         string
		run          string
		skipTest     bool
		seeded       []string
		wantExec     int32
		wantAttempt  int
		wantMatched  string
		wantSaveKeys []string
	}{
		{"builds on an empty cache", "cargo build", false, nil, 1, 1, "", []string{"linux-prepare-42-1"}},
		{"warm start from an earlier run", "cargo build", false, []string{"linux-prepare-41-1"}, 1, 1, "linux-prepare-41-1", []string{"linux-prepare-42-1"}},
		{"runs when tests are skipped", "cargo build", true, nil, 1, 1, "", []string{"linux-prepare-42-1"}},
		{"no build command still saves", "", false, nil, 0, 0, "", []string{"linux-prepare-42-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := mocks.NewCache().WithEntries(tt.seeded...)
			e := mocks.NewExecutor()
			rc := runContext()
			rc.SkipTest = tt.skipTest
			cell := model.MatrixCell{Platform: linux, Command: prepareCommand(tt.run)}

			res := newRunner(t, c, e).Run(context.Background(), cell, rc)

			assert.Equal(t, model.OutcomeSuccess, res.Outcome)
			assert.NoError(t, res.Err)
			assert.False(t, res.Skipped)
			assert.Equal(t, tt.wantExec, e.ExecCount())
			assert.Equal(t, tt.wantAttempt, res.Attempt)
			assert.Equal(t, tt.wantMatched, res.CacheMatchedKey)

			require.Len(t, c.Restores(), 1)
			restore := c.Restores()[0]
			assert.Equal(t, "linux-prepare-42", restore.Key)
			assert.Equal(t, []string{"linux-prepare"}, restore.FallbackKeys)
			assert.False(t, restore.Required, "the primary prepare cell may miss")

			var saved []string
			for _, sc := range c.Saves() {
				saved = append(saved, sc.Key)
			}
			assert.Equal(t, tt.wantSaveKeys, saved)
		})
	}
}

func TestRun_PrepareSeedsPrimaryRestore(t *testing.T) {
	c := mocks.NewCache()
	e := mocks.NewExecutor()
	runner := newRunner(t, c, e)

	prep := runner.Run(context.Background(), model.MatrixCell{Platform: linux, Command: prepareCommand("cargo build")}, runContext())
	require.False(t, prep.Failed())

	res := runner.Run(context.Background(), model.MatrixCell{Platform: linux, Command: unitCommand()}, runContext())
	assert.Equal(t, model.OutcomeSuccess, res.Outcome)
	assert.Equal(t, "linux-prepare-42-1", res.CacheMatchedKey)
}

func TestRun_SuccessFirstAttempt(t *testing.T) {
	c := mocks.NewCache().WithEntries("linux-prepare-42")
	e := mocks.NewExecutor()
	cell := model.MatrixCell{Platform: linux, Command: unitCommand()}

	res := newRunner(t, c, e).Run(context.Background(), cell, runContext())

	assert.Equal(t, model.OutcomeSuccess, res.Outcome)
	assert.Equal(t, 1, res.Attempt)
	assert.NoError(t, res.Err)
	assert.True(t, res.CacheHit)
	assert.Equal(t, "linux-prepare-42", res.CacheMatchedKey)
	assert.True(t, res.CacheSaved)
	assert.Equal(t, []model.StageState{
		model.StatePending, model.StateRunning, model.StateSucceeded, model.StateDone,
	}, states(res.Transitions))

	restores := c.Restores()
	require.Len(t, restores, 1)
	assert.Equal(t, "linux-unit-42", restores[0].Key)
	assert.True(t, restores[0].Required, "primary platform restore is required")
	assert.Equal(t, []string{"target"}, restores[0].Paths)
	assert.Equal(t, 1, c.SaveCount("linux-unit-42-1"))
}

func TestRun_RetryThenSuccess(t *testing.T) {
	c := mocks.NewCache().WithEntries("linux-unit")
	e := mocks.NewExecutor().WithResults("linux/unit", mocks.Result{Code: 1}, mocks.Result{Code: 0})
	cell := model.MatrixCell{Platform: linux, Command: unitCommand()}

	res := newRunner(t, c, e).Run(context.Background(), cell, runContext())

	assert.Equal(t, model.OutcomeSuccess, res.Outcome)
	assert.Equal(t, 2, res.Attempt)
	assert.Equal(t, 2, e.Attempts("linux/unit"))
	assert.Equal(t, []model.StageState{
		model.StatePending,
		model.StateRunning, model.StateFailed, model.StateRetrying,
		model.StateRunning, model.StateSucceeded, model.StateDone,
	}, states(res.Transitions))
	assert.Equal(t, 1, c.SaveCount("linux-unit-42-1"))
}

func TestRun_RetryBoundAndSaveOnFailure(t *testing.T) {
	tests := []struct {
		name     string
		platform model.Platform
		want     int
	}{
		{"primary", linux, 3},
		{"secondary", macos, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := mocks.NewCache().WithEntries("linux-prepare")
			e := mocks.NewExecutor().WithDefault(mocks.Result{Code: 101})
			cell := model.MatrixCell{Platform: tt.platform, Command: unitCommand()}

			res := newRunner(t, c, e).Run(context.Background(), cell, runContext())

			assert.Equal(t, model.OutcomeFailure, res.Outcome)
			assert.Equal(t, tt.want, res.Attempt)
			assert.Equal(t, tt.want, e.Attempts(cell.ID()))
			assert.Equal(t, shipyarderrors.KindExecution, shipyarderrors.KindOf(res.Err))
			assert.True(t, res.Blocking())
			assert.Equal(t, 1, c.SaveCount(stage.SaveKey(tt.platform.Name, "unit", "42", 1)), "saved once even after failure")
		})
	}
}

func TestRun_Tolerance(t *testing.T) {
	cmd := unitCommand()
	cmd.IgnoreErrorOnSecondaryPlatform = true

	tests := []struct {
		name          string
		platform      model.Platform
		wantTolerated bool
	}{
		{"secondary tolerated", macos, true},
		{"primary never tolerated", linux, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := mocks.NewCache().WithEntries("linux-prepare")
			e := mocks.NewExecutor().WithDefault(mocks.Result{Code: 1})
			cell := model.MatrixCell{Platform: tt.platform, Command: cmd}

			res := newRunner(t, c, e).Run(context.Background(), cell, runContext())

			assert.Equal(t, model.OutcomeFailure, res.Outcome)
			assert.Equal(t, tt.wantTolerated, res.Tolerated)
			assert.Equal(t, !tt.wantTolerated, res.Blocking())
			assert.Equal(t, cmd.AttemptsOn(tt.platform.Name), res.Attempt, "tolerance does not relax the attempt budget")
			if tt.wantTolerated {
				assert.Equal(t, shipyarderrors.KindTolerated, shipyarderrors.KindOf(res.Err))
			}
		})
	}
}

func TestRun_RequiredCacheMissing(t *testing.T) {
	c := mocks.NewCache()
	e := mocks.NewExecutor()
	cell := model.MatrixCell{Platform: linux, Command: unitCommand()}

	res := newRunner(t, c, e).Run(context.Background(), cell, runContext())

	assert.Equal(t, model.OutcomeFailure, res.Outcome)
	assert.True(t, shipyarderrors.IsSetup(res.Err))
	assert.ErrorIs(t, res.Err, shipyarderrors.ErrCacheRequiredMissing)
	assert.Zero(t, e.ExecCount(), "setup failures are not retried or executed")
	assert.Empty(t, c.Saves())
}

func TestRun_SecondaryCacheMissIsNotFatal(t *testing.T) {
	c := mocks.NewCache()
	e := mocks.NewExecutor()
	cell := model.MatrixCell{Platform: macos, Command: unitCommand()}

	res := newRunner(t, c, e).Run(context.Background(), cell, runContext())

	assert.Equal(t, model.OutcomeSuccess, res.Outcome)
	assert.False(t, res.CacheHit)
	require.Len(t, c.Restores(), 1)
	assert.False(t, c.Restores()[0].Required)
}

func TestRun_SkipTest(t *testing.T) {
	c := mocks.NewCache().WithEntries("linux-prepare")
	e := mocks.NewExecutor()
	cell := model.MatrixCell{Platform: linux, Command: unitCommand()}
	rc := runContext()
	rc.SkipTest = true

	res := newRunner(t, c, e).Run(context.Background(), cell, rc)

	assert.Equal(t, model.OutcomeSuccess, res.Outcome)
	assert.True(t, res.Skipped)
	assert.Len(t, c.Restores(), 1, "restore still runs")
	assert.Zero(t, e.ExecCount())
	assert.Empty(t, c.Saves())
	assert.False(t, res.CacheSaved)
}

func TestRun_NoCacheFlags(t *testing.T) {
	cmd := unitCommand()
	cmd.RestoresCache = false
	cmd.SavesCache = false
	c := mocks.NewCache()
	e := mocks.NewExecutor()

	res := newRunner(t, c, e).Run(context.Background(), model.MatrixCell{Platform: linux, Command: cmd}, runContext())

	assert.Equal(t, model.OutcomeSuccess, res.Outcome)
	assert.Empty(t, c.Restores())
	assert.Empty(t, c.Saves())
}

func TestRun_TimeoutRetries(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	c := mocks.NewCache().WithEntries("macos-prepare")
	e := mocks.NewExecutor().WithResults("macos/unit", mocks.Result{Block: true}, mocks.Result{Block: true})
	cell := model.MatrixCell{Platform: macos, Command: unitCommand()}

	done := make(chan model.StageResult, 1)
	go func() {
		done <- newRunner(t, c, e, stage.WithClock(fake)).Run(context.Background(), cell, runContext())
	}()

	for range 2 {
		fake.BlockUntilWaiters(1)
		fake.Advance(90 * time.Minute)
	}

	res := <-done
	assert.Equal(t, model.OutcomeTimedOut, res.Outcome)
	assert.Equal(t, 2, res.Attempt)
	assert.Equal(t, shipyarderrors.KindTimeout, shipyarderrors.KindOf(res.Err))
	assert.Equal(t, 180*time.Minute, res.Duration)
	assert.Equal(t, 1, c.SaveCount("macos-unit-42-1"))
}

func TestRun_CancelStopsWithoutRetry(t *testing.T) {
	c := mocks.NewCache().WithEntries("linux-prepare")
	e := mocks.NewExecutor().WithDefault(mocks.Result{Block: true})
	cell := model.MatrixCell{Platform: linux, Command: unitCommand()}

	ctx, cancel := context.WithCancel(context.Background())
	e.WithExecFunc(func(ctx context.Context, _ stage.Job) (int, error) {
		cancel()
		<-ctx.Done()
		return -1, ctx.Err()
	})

	res := newRunner(t, c, e).Run(ctx, cell, runContext())

	assert.Equal(t, model.OutcomeFailure, res.Outcome)
	assert.Equal(t, shipyarderrors.KindCanceled, shipyarderrors.KindOf(res.Err))
	assert.Equal(t, 1, res.Attempt)
	assert.Empty(t, c.Saves())
}

func TestRun_JobEnvironment(t *testing.T) {
	c := mocks.NewCache().WithEntries("linux-prepare")
	e := mocks.NewExecutor().WithResults("linux/unit", mocks.Result{Code: 1}, mocks.Result{Code: 0})
	cell := model.MatrixCell{Platform: linux, Command: unitCommand()}

	newRunner(t, c, e).Run(context.Background(), cell, runContext())

	jobs := e.Jobs()
	require.Len(t, jobs, 2)
	job := jobs[1]
	assert.Equal(t, "cargo test", job.Script)
	assert.Equal(t, "/var/tmp/repo", job.Dir)
	assert.Equal(t, 2, job.Attempt)
	assert.Equal(t, "2", job.Env["SHIPYARD_ATTEMPT"])
	assert.Equal(t, "linux/unit", job.Env["SHIPYARD_CELL"])
	assert.Equal(t, "linux", job.Env["SHIPYARD_PLATFORM"])
	assert.Equal(t, "1", job.Env["RUST_BACKTRACE"])
	assert.Equal(t, "develop", job.Env["HOLOCHAIN_SOURCE_BRANCH"])

	newRunner(t, c, e, stage.WithWorkDir("/elsewhere")).Run(context.Background(), cell, runContext())
	assert.Equal(t, "/elsewhere", e.Jobs()[len(e.Jobs())-1].Dir)
}
