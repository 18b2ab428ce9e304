package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"harvester/internal/domain"
)

const jobColumns = `id, group_id, name, target_url, description, routine, runtime, routine_version,
	data_type, schema_fields, execution_order, active, timeout_ms, test_status, last_test_at,
	avg_execution_seconds, created_at, updated_at`

func (s *sqlStore) CreateJob(ctx context.Context, j *domain.Job) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	if j.RoutineVersion <= 0 {
		j.RoutineVersion = 1
	}
	if j.DataType == "" {
		j.DataType = domain.DataTypeGeneric
	}
	if j.TestStatus == "" {
		j.TestStatus = domain.TestUntested
	}
	var avg any
	if j.AvgExecutionSeconds != nil {
		avg = *j.AvgExecutionSeconds
	}
	_, err := s.exec(ctx, s.db,
		`INSERT INTO jobs(`+jobColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.GroupID, j.Name, j.TargetURL, j.Description, j.Routine, j.Runtime, j.RoutineVersion,
		string(j.DataType), stringsJSON(j.Schema), j.ExecutionOrder, j.Active, j.Timeout.Milliseconds(),
		string(j.TestStatus), nullMS(j.LastTestAt), avg, ms(j.CreatedAt), ms(j.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("job %q: %w", j.Name, ErrConflict)
	}
	return err
}

func (s *sqlStore) UpdateJob(ctx context.Context, j *domain.Job) error {
	j.UpdatedAt = time.Now().UTC()
	err := s.queryRow(ctx, s.db,
		`UPDATE jobs SET
			routine_version = CASE WHEN routine <> ? THEN routine_version + 1 ELSE routine_version END,
			group_id=?, name=?, target_url=?, description=?, routine=?, runtime=?, data_type=?,
			schema_fields=?, execution_order=?, active=?, timeout_ms=?, updated_at=?
		WHERE id=? RETURNING routine_version`,
		j.Routine,
		j.GroupID, j.Name, j.TargetURL, j.Description, j.Routine, j.Runtime, string(j.DataType),
		stringsJSON(j.Schema), j.ExecutionOrder, j.Active, j.Timeout.Milliseconds(), ms(j.UpdatedAt),
		j.ID,
	).Scan(&j.RoutineVersion)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return domain.ErrNotFound
	case isUniqueViolation(err):
		return fmt.Errorf("job %q: %w", j.Name, ErrConflict)
	}
	return err
}

func (s *sqlStore) GetJob(ctx context.Context, id string) (domain.Job, error) {
	return scanJob(s.queryRow(ctx, s.db, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
}

func (s *sqlStore) GetJobByName(ctx context.Context, groupID, name string) (domain.Job, error) {
	return scanJob(s.queryRow(ctx, s.db, `SELECT `+jobColumns+` FROM jobs WHERE group_id=? AND name=?`, groupID, name))
}

func (s *sqlStore) ListJobs(ctx context.Context, f JobFilter) ([]domain.Job, error) {
	var (
		where []string
		args  []any
	)
	if f.GroupID != "" {
		where = append(where, "group_id=?")
		args = append(args, f.GroupID)
	}
	if f.ActiveOnly {
		where = append(where, "active=?")
		args = append(args, true)
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY execution_order, name"

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqlStore) DeleteJob(ctx context.Context, id string) error {
	res, err := s.exec(ctx, s.db, `DELETE FROM jobs WHERE id=?`, id)
	if err != nil {
		return err
	}
	return mustAffect(res, domain.ErrNotFound)
}

// SetJobTestStatus records a test outcome; a zero at leaves last_test_at alone.
func (s *sqlStore) SetJobTestStatus(ctx context.Context, id string, status domain.TestStatus, at time.Time) error {
	var (
		res sql.Result
		err error
	)
	now := ms(time.Now())
	if at.IsZero() {
		res, err = s.exec(ctx, s.db, `UPDATE jobs SET test_status=?, updated_at=? WHERE id=?`, string(status), now, id)
	} else {
		res, err = s.exec(ctx, s.db, `UPDATE jobs SET test_status=?, last_test_at=?, updated_at=? WHERE id=?`, string(status), ms(at), now, id)
	}
	if err != nil {
		return err
	}
	return mustAffect(res, domain.ErrNotFound)
}

func (s *sqlStore) SetJobAverage(ctx context.Context, id string, avgSeconds float64) error {
	res, err := s.exec(ctx, s.db, `UPDATE jobs SET avg_execution_seconds=? WHERE id=?`, avgSeconds, id)
	if err != nil {
		return err
	}
	return mustAffect(res, domain.ErrNotFound)
}

func scanJob(r rowScanner) (domain.Job, error) {
	var (
		j                domain.Job
		dataType, schema string
		testStatus       string
		timeoutMS        int64
		lastTest         sql.NullInt64
		avg              sql.NullFloat64
		created, updated int64
	)
	err := r.Scan(&j.ID, &j.GroupID, &j.Name, &j.TargetURL, &j.Description, &j.Routine, &j.Runtime,
		&j.RoutineVersion, &dataType, &schema, &j.ExecutionOrder, &j.Active, &timeoutMS, &testStatus,
		&lastTest, &avg, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return j, domain.ErrNotFound
	}
	if err != nil {
		return j, err
	}
	j.DataType = domain.DataType(dataType)
	j.Schema = stringList(schema)
	j.Timeout = time.Duration(timeoutMS) * time.Millisecond
	j.TestStatus = domain.TestStatus(testStatus)
	j.LastTestAt = fromNullMS(lastTest)
	if avg.Valid {
		v := avg.Float64
		j.AvgExecutionSeconds = &v
	}
	j.CreatedAt, j.UpdatedAt = fromMS(created), fromMS(updated)
	return j, nil
}
