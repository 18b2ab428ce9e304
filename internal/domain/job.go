package domain

import "time"

// DataType classifies what a job extracts; it becomes the category of every
// record the job produces.
type DataType string

const (
	DataTypeRFP     DataType = "RFP"
	DataTypeGrant   DataType = "GRANT"
	DataTypeJob     DataType = "JOB"
	DataTypeNews    DataType = "NEWS"
	DataTypeGeneric DataType = "GENERIC"
)

// TestStatus reflects the outcome of the latest TestJob command.
type TestStatus string

const (
	TestUntested TestStatus = "UNTESTED"
	TestTesting  TestStatus = "TESTING"
	TestPassed   TestStatus = "PASSED"
	TestFailed   TestStatus = "FAILED"
)

// Job is a configured unit of repeated extraction work.
//
// Routine is opaque text produced elsewhere; the engine only checks its shape
// before handing it to a sandbox. RoutineVersion goes up by one each time the
// routine text changes.
type Job struct {
	ID             string
	GroupID        string
	Name           string
	TargetURL      string
	Description    string
	Routine        string
	Runtime        string
	RoutineVersion int
	DataType       DataType
	Schema         []string
	ExecutionOrder int
	Active         bool
	Timeout        time.Duration

	TestStatus          TestStatus
	LastTestAt          *time.Time
	AvgExecutionSeconds *float64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Category returns the record category for this job.
func (j Job) Category() string {
	if j.DataType == "" {
		return string(DataTypeGeneric)
	}
	return string(j.DataType)
}

// NextAverage folds sample into the rolling average execution time.
func NextAverage(prev *float64, sample float64) float64 {
	if prev == nil {
		return sample
	}
	return (*prev + sample) / 2
}
