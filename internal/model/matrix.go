package model

import (
	"time"
)

// Platform is a target operating environment for matrix cells.
type Platform struct {
	Name    string
	Primary bool // Failures on the primary platform are never tolerated
}

// PrepareCommandName names the per-platform build that seeds the cache
// chain of a run. Test commands may not use it.
const PrepareCommandName = "prepare"

// TestCommand describes one unit of work run on every platform it is not
// excluded from.
type TestCommand struct {
	Name                           string
	Prepare                        bool // Per-platform build run before the test cells
	RestoresCache                  bool
	SavesCache                     bool
	IgnoreErrorOnSecondaryPlatform bool
	TimeoutMinutes                 int
	MaxAttempts                    map[string]int // Keyed by platform name
	Run                            string         // Shell command
	CachePaths                     []string
	Env                            map[string]string
}

// Timeout returns the bound for a single attempt.
func (c TestCommand) Timeout() time.Duration {
	return time.Duration(c.TimeoutMinutes) * time.Minute
}

// AttemptsOn returns the attempt budget on a platform. A missing or
// non-positive entry yields a single attempt; configuration validation rejects
// missing entries before a run starts.
func (c TestCommand) AttemptsOn(platform string) int {
	if n, ok := c.MaxAttempts[platform]; ok && n > 0 {
		return n
	}
	return 1
}

// MatrixCell pairs a platform with a test command.
type MatrixCell struct {
	Platform Platform
	Command  TestCommand
}

// ID returns the cell identifier "{platform}/{command}".
func (c MatrixCell) ID() string {
	return c.Platform.Name + "/" + c.Command.Name
}

// ExcludeFunc reports whether a (platform, command) pair must not run for a
// trigger. It is evaluated while the matrix is generated.
type ExcludeFunc func(platform Platform, command TestCommand, trigger TriggerKind) bool

// Outcome is the final result of a stage.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeTimedOut
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTimedOut:
		return "timed_out"
	default:
		return "failure"
	}
}

// StageState is a node in the per-stage state machine
// Pending → Running → (Succeeded | Failed) → (Retrying | Done).
type StageState string

const (
	StatePending   StageState = "pending"
	StateRunning   StageState = "running"
	StateSucceeded StageState = "succeeded"
	StateFailed    StageState = "failed"
	StateRetrying  StageState = "retrying"
	StateDone      StageState = "done"
)

// Transition records one move of the stage state machine.
type Transition struct {
	From    StageState
	To      StageState
	Attempt int
	At      time.Time
}

// StageResult is the outcome of running one matrix cell.
type StageResult struct {
	CellID    string
	Platform  string
	Command   string
	Attempt   int // Attempts actually executed
	Outcome   Outcome
	Duration  time.Duration
	Tolerated bool
	Skipped   bool // Run step short-circuited by skip_test

	CacheHit        bool
	CacheMatchedKey string
	CacheSaved      bool

	Err         error
	Transitions []Transition
}

// DurationSeconds returns the stage duration in whole seconds.
func (r StageResult) DurationSeconds() int64 {
	return int64(r.Duration / time.Second)
}

// Failed reports whether the stage did not succeed.
func (r StageResult) Failed() bool {
	return r.Outcome != OutcomeSuccess
}

// Blocking reports whether the result fails the aggregate.
func (r StageResult) Blocking() bool {
	return r.Failed() && !r.Tolerated
}
