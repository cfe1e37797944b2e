package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RunStatus is the lifecycle status of a recorded run.
type RunStatus string

const (
	RunStatusWaiting    RunStatus = "waiting"
	RunStatusRunning    RunStatus = "running"
	RunStatusSuperseded RunStatus = "superseded"
	RunStatusSucceeded  RunStatus = "succeeded"
	RunStatusFailed     RunStatus = "failed"
	RunStatusCanceled   RunStatus = "canceled"
)

// Active reports whether the run still holds its concurrency key.
func (s RunStatus) Active() bool {
	return s == RunStatusRunning || s == RunStatusWaiting
}

// Run is one recorded pipeline invocation.
type Run struct {
	ID             string
	ConcurrencyKey string
	Trigger        string
	Branch         string
	Actor          string
	ExternalRunID  string
	RunAttempt     int
	ReleaseIntent  bool
	DryRun         bool
	Status         RunStatus
	Verdict        string
	Version        string
	Tag            string
	FailedStep     string
	Error          string
	SupersededBy   string
	StartedAt      time.Time
	HeartbeatAt    time.Time
	CompletedAt    *time.Time
}

// RunCompletion holds the fields written when a run finishes.
type RunCompletion struct {
	Status     RunStatus
	Verdict    string
	Version    string
	Tag        string
	FailedStep string
	Error      string
}

// CellRecord is a persisted matrix cell result.
type CellRecord struct {
	CellID    string
	Platform  string
	Command   string
	Attempts  int
	Outcome   string
	Tolerated bool
	Skipped   bool
	CacheHit  bool
	CacheKey  string
	Duration  time.Duration
	Error     string
}

const runColumns = `id, concurrency_key, trigger_kind, branch, actor, external_run_id, run_attempt,
	release_intent, dry_run, status, verdict, version, tag, failed_step, error, superseded_by,
	started_at, heartbeat_at, completed_at`

// CreateRun records a new run. ID, StartedAt and HeartbeatAt are assigned;
// Status defaults to running.
func (s *Store) CreateRun(ctx context.Context, r Run) (*Run, error) {
	now := s.now()
	r.ID = generateID()
	r.StartedAt = now
	r.HeartbeatAt = now
	if r.Status == "" {
		r.Status = RunStatusRunning
	}
	if r.RunAttempt == 0 {
		r.RunAttempt = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, concurrency_key, trigger_kind, branch, actor, external_run_id, run_attempt,
			release_intent, dry_run, status, started_at, heartbeat_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ConcurrencyKey, r.Trigger, r.Branch, r.Actor, r.ExternalRunID, r.RunAttempt,
		boolInt(r.ReleaseIntent), boolInt(r.DryRun), r.Status, toMillis(now), toMillis(now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	return &r, nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return r, err
}

// SetRunStatus updates the status of an active run and refreshes its
// heartbeat. A run that has already left the active states is not changed
// and false is returned.
func (s *Store) SetRunStatus(ctx context.Context, id string, status RunStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, heartbeat_at = ?
		WHERE id = ? AND status IN ('running', 'waiting')`,
		status, toMillis(s.now()), id)
	if err != nil {
		return false, fmt.Errorf("failed to update run status: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Heartbeat marks the run as alive and returns its current status, which
// tells a run whether it has been superseded.
func (s *Store) Heartbeat(ctx context.Context, id string) (RunStatus, error) {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE runs SET heartbeat_at = ? WHERE id = ? AND status IN ('running', 'waiting')`,
		toMillis(s.now()), id); err != nil {
		return "", fmt.Errorf("failed to heartbeat run: %w", err)
	}
	var status RunStatus
	err := s.db.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read run status: %w", err)
	}
	return status, nil
}

// ActiveRuns returns other active runs for key whose heartbeat is newer than
// staleAfter ago, oldest first. Runs whose process died stop heartbeating
// and drop out of this list.
func (s *Store) ActiveRuns(ctx context.Context, key, excludeID string, staleAfter time.Duration) ([]Run, error) {
	cutoff := toMillis(s.now().Add(-staleAfter))
	return s.queryRuns(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE concurrency_key = ? AND id != ? AND status IN ('running', 'waiting') AND heartbeat_at >= ?
		ORDER BY started_at, id`, key, excludeID, cutoff)
}

// SupersedeActive marks every active run for key that started before newID
// as superseded by newID and returns how many were marked. Runs started
// after newID are left alone, as is everything when newID is unknown.
func (s *Store) SupersedeActive(ctx context.Context, key, newID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = 'superseded', superseded_by = ?1
		WHERE concurrency_key = ?2 AND id != ?1 AND status IN ('running', 'waiting')
			AND EXISTS (
				SELECT 1 FROM runs AS n
				WHERE n.id = ?1 AND (runs.started_at < n.started_at
					OR (runs.started_at = n.started_at AND runs.id < n.id))
			)`,
		newID, key)
	if err != nil {
		return 0, fmt.Errorf("failed to supersede runs: %w", err)
	}
	return res.RowsAffected()
}

// CompleteRun records the final outcome. A superseded run keeps its
// superseded status but still records verdict and error.
func (s *Store) CompleteRun(ctx context.Context, id string, c RunCompletion) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			status = CASE WHEN status = 'superseded' THEN status ELSE ? END,
			verdict = ?, version = ?, tag = ?, failed_step = ?, error = ?, completed_at = ?
		WHERE id = ?`,
		c.Status, c.Verdict, c.Version, c.Tag, c.FailedStep, c.Error, toMillis(s.now()), id)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	return nil
}

// RecordCellResults stores the per-cell breakdown for a run.
func (s *Store) RecordCellResults(ctx context.Context, runID string, cells []CellRecord) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO cell_results (run_id, cell_id, platform, command, attempts, outcome,
			tolerated, skipped, cache_hit, cache_key, duration_ms, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, c := range cells {
		if _, err = stmt.ExecContext(ctx, runID, c.CellID, c.Platform, c.Command, c.Attempts, c.Outcome,
			boolInt(c.Tolerated), boolInt(c.Skipped), boolInt(c.CacheHit), c.CacheKey,
			c.Duration.Milliseconds(), c.Error); err != nil {
			return fmt.Errorf("failed to record cell %s: %w", c.CellID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cell results: %w", err)
	}
	return nil
}

// CellResults returns the recorded cells of a run ordered by cell ID.
func (s *Store) CellResults(ctx context.Context, runID string) ([]CellRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cell_id, platform, command, attempts, outcome, tolerated, skipped, cache_hit,
			cache_key, duration_ms, error
		FROM cell_results WHERE run_id = ? ORDER BY cell_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query cell results: %w", err)
	}
	defer rows.Close()

	var cells []CellRecord
	for rows.Next() {
		var (
			c                          CellRecord
			tolerated, skipped, cached int
			durationMS                 int64
		)
		if err := rows.Scan(&c.CellID, &c.Platform, &c.Command, &c.Attempts, &c.Outcome,
			&tolerated, &skipped, &cached, &c.CacheKey, &durationMS, &c.Error); err != nil {
			return nil, fmt.Errorf("failed to scan cell result: %w", err)
		}
		c.Tolerated = tolerated != 0
		c.Skipped = skipped != 0
		c.CacheHit = cached != 0
		c.Duration = time.Duration(durationMS) * time.Millisecond
		cells = append(cells, c)
	}
	return cells, rows.Err()
}

// ListRuns returns the most recent runs, newest first. A limit <= 0 returns
// all runs.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryRuns(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id LIMIT ?`, limit)
}

func (s *Store) queryRuns(ctx context.Context, query string, args ...any) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func scanRun(row scanner) (*Run, error) {
	var (
		r                  Run
		intent, dry        int
		started, heartbeat int64
		completed          sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.ConcurrencyKey, &r.Trigger, &r.Branch, &r.Actor, &r.ExternalRunID,
		&r.RunAttempt, &intent, &dry, &r.Status, &r.Verdict, &r.Version, &r.Tag, &r.FailedStep,
		&r.Error, &r.SupersededBy, &started, &heartbeat, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	r.ReleaseIntent = intent != 0
	r.DryRun = dry != 0
	r.StartedAt = fromMillis(started)
	r.HeartbeatAt = fromMillis(heartbeat)
	r.CompletedAt = nullMillis(completed)
	return &r, nil
}
