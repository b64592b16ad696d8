package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/clusterup/clusterup/pkg/cluster"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite. It also
// implements cluster.RunRecorder so it can be passed directly to the
// orchestration engine.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

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
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		cfg: cfg,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	// Open database with SQLite-specific connection parameters
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	// Verify connection and set PRAGMAs
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Ensure foreign keys are enabled (connection-level setting)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
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

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// CommitTx commits a transaction
func (s *SQLiteStore) CommitTx(tx *sql.Tx) error {
	return tx.Commit()
}

// RollbackTx rolls back a transaction
func (s *SQLiteStore) RollbackTx(tx *sql.Tx) error {
	return tx.Rollback()
}

// CreateRun creates a new run record
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	instances, err := json.Marshal(run.Instances)
	if err != nil {
		return fmt.Errorf("failed to encode instances: %w", err)
	}

	query := `
		INSERT INTO runs (id, cluster, status, instances, started_at, finished_at, elapsed_ms, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		run.ID,
		run.Cluster,
		run.Status,
		string(instances),
		run.StartedAt,
		run.FinishedAt,
		run.ElapsedMS,
		run.CreatedAt,
		run.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `
		SELECT id, cluster, status, instances, started_at, finished_at, elapsed_ms, created_at, updated_at
		FROM runs
		WHERE id = ?
	`

	run := &Run{}
	var instances string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID,
		&run.Cluster,
		&run.Status,
		&instances,
		&run.StartedAt,
		&run.FinishedAt,
		&run.ElapsedMS,
		&run.CreatedAt,
		&run.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	if err := json.Unmarshal([]byte(instances), &run.Instances); err != nil {
		return nil, fmt.Errorf("failed to decode instances: %w", err)
	}

	return run, nil
}

// UpdateRunStatus updates the status of a run
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, id string, status RunStatus) error {
	query := `
		UPDATE runs
		SET status = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
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

// FinishRun marks a run as finished with its final status and elapsed time
func (s *SQLiteStore) FinishRun(ctx context.Context, id string, status RunStatus, elapsed time.Duration) error {
	query := `
		UPDATE runs
		SET status = ?, finished_at = ?, elapsed_ms = ?, updated_at = ?
		WHERE id = ?
	`

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, query, status, now, elapsed.Milliseconds(), now, id)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
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

// ListRuns lists runs with pagination, newest first
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	query := `
		SELECT id, cluster, status, instances, started_at, finished_at, elapsed_ms, created_at, updated_at
		FROM runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run := &Run{}
		var instances string
		err := rows.Scan(
			&run.ID,
			&run.Cluster,
			&run.Status,
			&instances,
			&run.StartedAt,
			&run.FinishedAt,
			&run.ElapsedMS,
			&run.CreatedAt,
			&run.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if err := json.Unmarshal([]byte(instances), &run.Instances); err != nil {
			return nil, fmt.Errorf("failed to decode instances: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// DeleteRun deletes a run and its transitions
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	query := `DELETE FROM runs WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, id)
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

// AppendTransition appends an instance lifecycle transition to a run
func (s *SQLiteStore) AppendTransition(ctx context.Context, tr *Transition) error {
	query := `
		INSERT INTO transitions (run_id, instance, from_state, to_state, detail, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		tr.RunID,
		tr.Instance,
		tr.FromState,
		tr.ToState,
		tr.Detail,
		tr.OccurredAt,
	)

	if err != nil {
		return fmt.Errorf("failed to append transition: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get transition ID: %w", err)
	}

	tr.ID = id
	return nil
}

// ListTransitions lists all transitions for a run in the order they occurred
func (s *SQLiteStore) ListTransitions(ctx context.Context, runID string) ([]*Transition, error) {
	query := `
		SELECT id, run_id, instance, from_state, to_state, detail, occurred_at
		FROM transitions
		WHERE run_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	transitions := []*Transition{}
	for rows.Next() {
		tr := &Transition{}
		err := rows.Scan(
			&tr.ID,
			&tr.RunID,
			&tr.Instance,
			&tr.FromState,
			&tr.ToState,
			&tr.Detail,
			&tr.OccurredAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		transitions = append(transitions, tr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transitions: %w", err)
	}

	return transitions, nil
}

// HealthCheck verifies the database connection is alive
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// RecordRunStarted implements cluster.RunRecorder
func (s *SQLiteStore) RecordRunStarted(ctx context.Context, runID, clusterName string, instances []string) error {
	now := time.Now().UTC()
	return s.CreateRun(ctx, &Run{
		ID:        runID,
		Cluster:   clusterName,
		Status:    RunStatusStarting,
		Instances: instances,
		StartedAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// RecordTransition implements cluster.RunRecorder
func (s *SQLiteStore) RecordTransition(ctx context.Context, runID, instance string, from, to cluster.InstanceState, detail string) error {
	return s.AppendTransition(ctx, &Transition{
		RunID:      runID,
		Instance:   instance,
		FromState:  string(from),
		ToState:    string(to),
		Detail:     detail,
		OccurredAt: time.Now().UTC(),
	})
}

// RecordRunFinished implements cluster.RunRecorder
func (s *SQLiteStore) RecordRunFinished(ctx context.Context, runID string, state cluster.ClusterState, elapsed time.Duration) error {
	return s.FinishRun(ctx, runID, runStatusFor(state), elapsed)
}

// runStatusFor maps an aggregate cluster state to a stored run status.
func runStatusFor(state cluster.ClusterState) RunStatus {
	switch state {
	case cluster.ClusterOperational:
		return RunStatusUp
	case cluster.ClusterDegraded:
		return RunStatusDegraded
	case cluster.ClusterStopped:
		return RunStatusDown
	case cluster.ClusterBuilding, cluster.ClusterStarting:
		return RunStatusStarting
	case cluster.ClusterFailed:
		return RunStatusFailed
	default:
		return RunStatusFailed
	}
}
