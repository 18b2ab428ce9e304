package domain

import "time"

// Group is a named collection of jobs sharing a schedule and execution mode.
type Group struct {
	ID                       string
	Name                     string
	Schedule                 string
	Active                   bool
	Parallel                 bool
	NotificationDestinations []string
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// Mode returns "parallel" or "sequential".
func (g Group) Mode() string {
	if g.Parallel {
		return "parallel"
	}
	return "sequential"
}

type GroupRunStatus string

const (
	GroupRunRunning   GroupRunStatus = "RUNNING"
	GroupRunCompleted GroupRunStatus = "COMPLETED"
)

// JobOutcome is one job's line in a group run.
type JobOutcome struct {
	JobID      string    `json:"job_id"`
	JobName    string    `json:"job_name"`
	RunID      string    `json:"run_id,omitempty"`
	Status     RunStatus `json:"status"`
	Success    bool      `json:"success"`
	ItemsFound int       `json:"items_found"`
	NewItems   int       `json:"new_items"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

// GroupRun records one invocation of a group so callers can poll its outcome.
type GroupRun struct {
	ID          string
	GroupID     string
	Status      GroupRunStatus
	QueueHandle string
	StartedAt   time.Time
	CompletedAt *time.Time
	TasksRun    int
	Succeeded   int
	Failed      int
	ItemsFound  int
	NewItems    int
	Results     []JobOutcome
}
