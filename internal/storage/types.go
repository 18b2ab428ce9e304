package storage

import (
	"context"
	"errors"
	"time"

	"harvester/internal/domain"
)

var (
	ErrConflict = errors.New("already exists")
	// ErrVanished is returned by a single upsert attempt when the conflicting
	// row disappeared before it could be touched.
	ErrVanished = errors.New("record vanished during upsert")
)

// Config configures storage.
//
// Driver values: "sqlite" (DSN is a file path) and "postgres" (DSN is a
// libpq connection string or URL).
type Config struct {
	Driver       string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means 5s
	MaxOpenConns int           // postgres only; 0 means driver default
}

type GroupStore interface {
	CreateGroup(ctx context.Context, g *domain.Group) error
	UpdateGroup(ctx context.Context, g *domain.Group) error
	GetGroup(ctx context.Context, id string) (domain.Group, error)
	GetGroupByName(ctx context.Context, name string) (domain.Group, error)
	ListGroups(ctx context.Context) ([]domain.Group, error)
	DeleteGroup(ctx context.Context, id string) error
}

type JobFilter struct {
	GroupID    string
	ActiveOnly bool
}

type JobStore interface {
	CreateJob(ctx context.Context, j *domain.Job) error
	// UpdateJob bumps RoutineVersion when the routine text changed and
	// writes the new version back into j.
	UpdateJob(ctx context.Context, j *domain.Job) error
	GetJob(ctx context.Context, id string) (domain.Job, error)
	GetJobByName(ctx context.Context, groupID, name string) (domain.Job, error)
	// ListJobs orders by execution order, then name.
	ListJobs(ctx context.Context, f JobFilter) ([]domain.Job, error)
	DeleteJob(ctx context.Context, id string) error
	SetJobTestStatus(ctx context.Context, id string, status domain.TestStatus, at time.Time) error
	SetJobAverage(ctx context.Context, id string, avgSeconds float64) error
}

type RunFilter struct {
	JobID  string
	Status domain.RunStatus
	Since  time.Time
	Until  time.Time
	Limit  int
}

type RunStore interface {
	CreateRun(ctx context.Context, r *domain.Run) error
	// StartRun moves a PENDING run to RUNNING.
	StartRun(ctx context.Context, id string, at time.Time) error
	// FinishRun writes a terminal status and the outcome fields. It fails with
	// domain.ErrRunTerminal if the stored run is already terminal.
	FinishRun(ctx context.Context, r *domain.Run) error
	GetRun(ctx context.Context, id string) (domain.Run, error)
	// ListRuns returns newest first.
	ListRuns(ctx context.Context, f RunFilter) ([]domain.Run, error)
	// AbandonRuns fails every non-terminal run; used at startup after a crash.
	AbandonRuns(ctx context.Context, reason string, at time.Time) (int64, error)
}

// Observation is one sighting of an extracted item.
type Observation struct {
	JobID       string
	RunID       string
	Category    string
	Fingerprint string
	Payload     []byte
	SourceURL   string
	At          time.Time
}

// UpsertResult describes the stored record after an observation.
type UpsertResult struct {
	RecordID  string
	IsNew     bool
	TimesSeen int
}

type RecordFilter struct {
	JobID string
	Since time.Time // last_seen >= Since
	Until time.Time // last_seen < Until
	Limit int
}

type RecordStore interface {
	// UpsertRecord inserts a record or touches the existing one for
	// (JobID, Fingerprint) in one transaction.
	UpsertRecord(ctx context.Context, o Observation) (UpsertResult, error)
	GetRecord(ctx context.Context, id string) (domain.Record, error)
	// ListRecords returns most recently seen first.
	ListRecords(ctx context.Context, f RecordFilter) ([]domain.Record, error)
	CountRecords(ctx context.Context, jobID string) (int, error)
}

type GroupRunStore interface {
	CreateGroupRun(ctx context.Context, gr *domain.GroupRun) error
	FinishGroupRun(ctx context.Context, gr *domain.GroupRun) error
	GetGroupRun(ctx context.Context, id string) (domain.GroupRun, error)
	ListGroupRuns(ctx context.Context, groupID string, limit int) ([]domain.GroupRun, error)
}

// Store is the full persistence API.
type Store interface {
	GroupStore
	JobStore
	RunStore
	RecordStore
	GroupRunStore
	Ping(ctx context.Context) error
	Close() error
}
