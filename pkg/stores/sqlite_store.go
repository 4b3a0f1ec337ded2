package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/netfroyo/pkg/engine"
	"github.com/openfroyo/netfroyo/pkg/errdefs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate&_time_format=sqlite", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// RecordRun stores a finished reconciliation with its operations and
// checkpoint in one transaction. It implements engine.RunRecorder.
func (s *SQLiteStore) RecordRun(ctx context.Context, rec *engine.RunRecord) error {
	if rec == nil || rec.Result == nil {
		return fmt.Errorf("run record has no result")
	}
	run, err := runFromRecord(rec)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = insertRun(ctx, tx, run); err != nil {
		return err
	}
	for i, res := range rec.Result.Operations {
		if err = insertOperation(ctx, tx, operationFromResult(run.ID, i, res)); err != nil {
			return err
		}
	}
	if run.Checkpoint != nil {
		cp := &Checkpoint{
			ID:             *run.Checkpoint,
			RunID:          run.ID,
			Status:         checkpointStatus(run.Outcome),
			RevertAttempts: run.RevertAttempts,
			CreatedAt:      run.StartedAt,
		}
		if err = insertCheckpoint(ctx, tx, cp); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run %s: %w", run.ID, err)
	}
	return nil
}

func runFromRecord(rec *engine.RunRecord) (*Run, error) {
	res := rec.Result

	summary := engine.PlanSummary{}
	if res.Plan != nil {
		summary = res.Plan.Summary
	}
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return nil, fmt.Errorf("failed to encode plan summary: %w", err)
	}
	optionsJSON, err := json.Marshal(rec.Options)
	if err != nil {
		return nil, fmt.Errorf("failed to encode options: %w", err)
	}

	run := &Run{
		ID:             res.RunID,
		Outcome:        res.Outcome,
		Status:         RunStatusSucceeded,
		DryRun:         rec.Options.DryRun,
		Polls:          res.Polls,
		RevertAttempts: res.RevertAttempts,
		Summary:        string(summaryJSON),
		Options:        string(optionsJSON),
		StartedAt:      res.StartedAt.UTC(),
		FinishedAt:     res.FinishedAt.UTC(),
	}
	if res.Checkpoint != "" {
		cp := res.Checkpoint
		run.Checkpoint = &cp
	}
	if rec.Err != nil {
		msg := rec.Err.Error()
		kind := string(errdefs.KindOf(rec.Err))
		run.Error = &msg
		run.ErrorKind = &kind
		run.Status = RunStatusFailed
		if errdefs.IsKind(rec.Err, errdefs.KindCancelled) {
			run.Status = RunStatusCancelled
		}
	}
	return run, nil
}

func operationFromResult(runID string, seq int, res engine.OperationResult) *Operation {
	op := &Operation{
		ID:         res.OperationID,
		RunID:      runID,
		Seq:        seq,
		Action:     res.Action,
		Subject:    res.Subject,
		Status:     res.Status,
		DurationMS: res.Duration.Milliseconds(),
	}
	if res.Error != "" {
		msg := res.Error
		op.Error = &msg
	}
	if !res.StartedAt.IsZero() {
		started := res.StartedAt.UTC()
		op.StartedAt = &started
	}
	return op
}

func checkpointStatus(outcome engine.Outcome) CheckpointStatus {
	switch outcome {
	case engine.OutcomeCommitted:
		return CheckpointStatusCommitted
	case engine.OutcomeReverted:
		return CheckpointStatusReverted
	case engine.OutcomeRevertFailed:
		return CheckpointStatusRevertFailed
	default:
		return CheckpointStatusReleased
	}
}

func insertRun(ctx context.Context, tx *sql.Tx, run *Run) error {
	query := `
		INSERT INTO runs (
			id, outcome, status, dry_run, checkpoint, polls, revert_attempts,
			summary, options, error, error_kind, started_at, finished_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := tx.ExecContext(ctx, query,
		run.ID,
		run.Outcome,
		run.Status,
		run.DryRun,
		run.Checkpoint,
		run.Polls,
		run.RevertAttempts,
		run.Summary,
		run.Options,
		run.Error,
		run.ErrorKind,
		run.StartedAt,
		run.FinishedAt,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

func insertOperation(ctx context.Context, tx *sql.Tx, op *Operation) error {
	query := `
		INSERT INTO operations (id, run_id, seq, action, subject, status, error, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := tx.ExecContext(ctx, query,
		op.ID,
		op.RunID,
		op.Seq,
		op.Action,
		op.Subject,
		op.Status,
		op.Error,
		op.StartedAt,
		op.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("failed to create operation %s: %w", op.ID, err)
	}
	return nil
}

func insertCheckpoint(ctx context.Context, tx *sql.Tx, cp *Checkpoint) error {
	query := `
		INSERT INTO checkpoints (id, run_id, status, revert_attempts, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := tx.ExecContext(ctx, query, cp.ID, cp.RunID, cp.Status, cp.RevertAttempts, cp.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint: %w", err)
	}
	return nil
}

const runColumns = `id, outcome, status, dry_run, checkpoint, polls, revert_attempts,
	summary, options, error, error_kind, started_at, finished_at, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	run := &Run{}
	err := row.Scan(
		&run.ID,
		&run.Outcome,
		&run.Status,
		&run.DryRun,
		&run.Checkpoint,
		&run.Polls,
		&run.RevertAttempts,
		&run.Summary,
		&run.Options,
		&run.Error,
		&run.ErrorKind,
		&run.StartedAt,
		&run.FinishedAt,
		&run.CreatedAt,
	)
	return run, err
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// ListRuns lists runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any
	if filter.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, filter.Outcome)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, limitOrAll(filter.Limit), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// DeleteRun deletes a run with its operations and checkpoint.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("run not found: %s", id)
	}

	return nil
}

// Prune deletes runs started and events emitted before the cutoff. It
// returns the number of runs deleted.
func (s *SQLiteStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	cutoff := before.UTC()

	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	runs, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE timestamp < ?`, cutoff); err != nil {
		return runs, fmt.Errorf("failed to prune events: %w", err)
	}

	return runs, nil
}

// ListOperationsByRun lists a run's operations in execution order.
func (s *SQLiteStore) ListOperationsByRun(ctx context.Context, runID string) ([]*Operation, error) {
	query := `
		SELECT id, run_id, seq, action, subject, status, error, started_at, duration_ms
		FROM operations
		WHERE run_id = ?
		ORDER BY seq ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	ops := []*Operation{}
	for rows.Next() {
		op := &Operation{}
		err := rows.Scan(
			&op.ID,
			&op.RunID,
			&op.Seq,
			&op.Action,
			&op.Subject,
			&op.Status,
			&op.Error,
			&op.StartedAt,
			&op.DurationMS,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		ops = append(ops, op)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operations: %w", err)
	}

	return ops, nil
}

// GetCheckpoint retrieves a checkpoint by ID
func (s *SQLiteStore) GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	query := `
		SELECT id, run_id, status, revert_attempts, created_at
		FROM checkpoints
		WHERE id = ?
	`

	cp := &Checkpoint{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&cp.ID,
		&cp.RunID,
		&cp.Status,
		&cp.RevertAttempts,
		&cp.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}

	return cp, nil
}

// Publish appends an engine event. It implements engine.EventPublisher.
func (s *SQLiteStore) Publish(ctx context.Context, event *engine.Event) error {
	if event == nil {
		return nil
	}
	e := &Event{
		EventID:   event.ID,
		RunID:     event.RunID,
		Type:      string(event.Type),
		Level:     EventLevel(event.Level),
		Message:   event.Message,
		Timestamp: event.Timestamp.UTC(),
	}
	if e.Level == "" {
		e.Level = EventLevel(event.Type.Severity())
	}
	if event.Phase != "" {
		phase := string(event.Phase)
		e.Phase = &phase
	}
	if event.OperationID != "" {
		id := event.OperationID
		e.OperationID = &id
	}
	if event.Interface != "" {
		name := event.Interface
		e.Interface = &name
	}
	if len(event.Details) > 0 {
		details, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("failed to encode event details: %w", err)
		}
		d := string(details)
		e.Details = &d
	}
	return s.AppendEvent(ctx, e)
}

// AppendEvent appends a new event to the log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO events (event_id, run_id, type, phase, operation_id, interface, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.EventID,
		event.RunID,
		event.Type,
		event.Phase,
		event.OperationID,
		event.Interface,
		event.Level,
		event.Message,
		event.Details,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// GetEvents retrieves events in emission order with optional filters.
func (s *SQLiteStore) GetEvents(ctx context.Context, filter EventFilter) ([]*Event, error) {
	query := `
		SELECT id, event_id, run_id, type, phase, operation_id, interface, level, message, details, timestamp
		FROM events
		WHERE (? IS NULL OR run_id = ?)
		  AND (? IS NULL OR interface = ?)
		  AND (? IS NULL OR level = ?)
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		filter.RunID, filter.RunID,
		filter.Interface, filter.Interface,
		filter.Level, filter.Level,
		limitOrAll(filter.Limit), filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		err := rows.Scan(
			&event.ID,
			&event.EventID,
			&event.RunID,
			&event.Type,
			&event.Phase,
			&event.OperationID,
			&event.Interface,
			&event.Level,
			&event.Message,
			&event.Details,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// limitOrAll maps a non-positive limit to SQLite's "no limit".
func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
