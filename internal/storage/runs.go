package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"harvester/internal/domain"
)

const runColumns = `id, job_id, status, started_at, completed_at, items_found, new_items,
	error_message, error_kind, execution_log, queue_handle, is_test`

func (s *sqlStore) CreateRun(ctx context.Context, r *domain.Run) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = domain.RunPending
	}
	if r.Status != domain.RunPending && r.Status != domain.RunRunning {
		return fmt.Errorf("create run in %s: %w", r.Status, domain.ErrTransition)
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, s.db,
		`INSERT INTO runs(`+runColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.JobID, string(r.Status), ms(r.StartedAt), nil, 0, 0,
		"", "", logText(r.ExecutionLog), r.QueueHandle, r.Test,
	)
	return err
}

func (s *sqlStore) StartRun(ctx context.Context, id string, at time.Time) error {
	res, err := s.exec(ctx, s.db,
		`UPDATE runs SET status=?, started_at=? WHERE id=? AND status=?`,
		string(domain.RunRunning), ms(at), id, string(domain.RunPending),
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return err
	}
	return s.transitionError(ctx, id, domain.RunRunning)
}

func (s *sqlStore) FinishRun(ctx context.Context, r *domain.Run) error {
	if !r.Status.Terminal() {
		return fmt.Errorf("finish run with %s: %w", r.Status, domain.ErrTransition)
	}
	from := allowedFrom(r.Status)
	if r.CompletedAt == nil {
		now := time.Now().UTC()
		r.CompletedAt = &now
	}
	args := []any{
		string(r.Status), nullMS(r.CompletedAt), r.ItemsFound, r.NewItems, r.ErrorMessage,
		string(r.ErrorKind), logText(r.ExecutionLog), r.ID,
	}
	for _, st := range from {
		args = append(args, string(st))
	}
	res, err := s.exec(ctx, s.db,
		`UPDATE runs SET status=?, completed_at=?, items_found=?, new_items=?, error_message=?,
			error_kind=?, execution_log=?
		WHERE id=? AND status IN (`+placeholders(len(from))+`)`,
		args...,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return err
	}
	return s.transitionError(ctx, r.ID, r.Status)
}

// transitionError explains why a guarded update touched nothing.
func (s *sqlStore) transitionError(ctx context.Context, id string, to domain.RunStatus) error {
	var cur string
	err := s.queryRow(ctx, s.db, `SELECT status FROM runs WHERE id=?`, id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	if domain.RunStatus(cur).Terminal() {
		return fmt.Errorf("run %s is %s: %w", id, cur, domain.ErrRunTerminal)
	}
	return fmt.Errorf("run %s: %s -> %s: %w", id, cur, to, domain.ErrTransition)
}

func allowedFrom(to domain.RunStatus) []domain.RunStatus {
	var out []domain.RunStatus
	for _, from := range []domain.RunStatus{domain.RunPending, domain.RunRunning} {
		if domain.CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func (s *sqlStore) GetRun(ctx context.Context, id string) (domain.Run, error) {
	return scanRun(s.queryRow(ctx, s.db, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
}

func (s *sqlStore) ListRuns(ctx context.Context, f RunFilter) ([]domain.Run, error) {
	var (
		where []string
		args  []any
	)
	if f.JobID != "" {
		where = append(where, "job_id=?")
		args = append(args, f.JobID)
	}
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, string(f.Status))
	}
	if !f.Since.IsZero() {
		where = append(where, "started_at>=?")
		args = append(args, ms(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "started_at<?")
		args = append(args, ms(f.Until))
	}
	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) AbandonRuns(ctx context.Context, reason string, at time.Time) (int64, error) {
	res, err := s.exec(ctx, s.db,
		`UPDATE runs SET status=?, completed_at=?, error_message=?, error_kind=? WHERE status IN (?,?)`,
		string(domain.RunFailed), ms(at), reason, string(domain.KindInternal),
		string(domain.RunPending), string(domain.RunRunning),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanRun(r rowScanner) (domain.Run, error) {
	var (
		run          domain.Run
		status, kind string
		started      int64
		completed    sql.NullInt64
		executionLog string
	)
	err := r.Scan(&run.ID, &run.JobID, &status, &started, &completed, &run.ItemsFound, &run.NewItems,
		&run.ErrorMessage, &kind, &executionLog, &run.QueueHandle, &run.Test)
	if errors.Is(err, sql.ErrNoRows) {
		return run, domain.ErrNotFound
	}
	if err != nil {
		return run, err
	}
	run.Status = domain.RunStatus(status)
	run.ErrorKind = domain.ErrorKind(kind)
	run.StartedAt = fromMS(started)
	run.CompletedAt = fromNullMS(completed)
	if executionLog != "" {
		run.ExecutionLog = json.RawMessage(executionLog)
	}
	return run, nil
}

func logText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}
