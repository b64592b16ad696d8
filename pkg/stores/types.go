package stores

import (
	"context"
	"database/sql"
	"time"
)

// RunStatus represents the status of a recorded cluster run
type RunStatus string

const (
	RunStatusStarting RunStatus = "starting"
	RunStatusUp       RunStatus = "up"
	RunStatusDegraded RunStatus = "degraded"
	RunStatusFailed   RunStatus = "failed"
	RunStatusDown     RunStatus = "down"
)

// Run represents one bring-up attempt of a cluster
type Run struct {
	ID         string     `json:"id"`
	Cluster    string     `json:"cluster"`
	Status     RunStatus  `json:"status"`
	Instances  []string   `json:"instances"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ElapsedMS  *int64     `json:"elapsed_ms,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Transition represents a single instance lifecycle transition within a run
type Transition struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	Instance   string    `json:"instance"`
	FromState  string    `json:"from_state"`
	ToState    string    `json:"to_state"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Store defines the interface for the run history persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRunStatus(ctx context.Context, id string, status RunStatus) error
	FinishRun(ctx context.Context, id string, status RunStatus, elapsed time.Duration) error
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Transition operations
	AppendTransition(ctx context.Context, tr *Transition) error
	ListTransitions(ctx context.Context, runID string) ([]*Transition, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
