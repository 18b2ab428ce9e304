package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"harvester/internal/domain"
)

const groupRunColumns = `id, group_id, status, queue_handle, started_at, completed_at, tasks_run,
	succeeded, failed, items_found, new_items, results`

func (s *sqlStore) CreateGroupRun(ctx context.Context, gr *domain.GroupRun) error {
	if gr.ID == "" {
		gr.ID = uuid.NewString()
	}
	if gr.Status == "" {
		gr.Status = domain.GroupRunRunning
	}
	if gr.StartedAt.IsZero() {
		gr.StartedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, s.db,
		`INSERT INTO group_runs(`+groupRunColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		gr.ID, gr.GroupID, string(gr.Status), gr.QueueHandle, ms(gr.StartedAt), nil, 0, 0, 0, 0, 0, "[]",
	)
	return err
}

func (s *sqlStore) FinishGroupRun(ctx context.Context, gr *domain.GroupRun) error {
	gr.Status = domain.GroupRunCompleted
	if gr.CompletedAt == nil {
		now := time.Now().UTC()
		gr.CompletedAt = &now
	}
	results, err := jsonText(gr.Results)
	if err != nil {
		return err
	}
	res, err := s.exec(ctx, s.db,
		`UPDATE group_runs SET status=?, completed_at=?, tasks_run=?, succeeded=?, failed=?,
			items_found=?, new_items=?, results=?
		WHERE id=?`,
		string(gr.Status), nullMS(gr.CompletedAt), gr.TasksRun, gr.Succeeded, gr.Failed,
		gr.ItemsFound, gr.NewItems, results, gr.ID,
	)
	if err != nil {
		return err
	}
	return mustAffect(res, domain.ErrNotFound)
}

func (s *sqlStore) GetGroupRun(ctx context.Context, id string) (domain.GroupRun, error) {
	return scanGroupRun(s.queryRow(ctx, s.db, `SELECT `+groupRunColumns+` FROM group_runs WHERE id=?`, id))
}

func (s *sqlStore) ListGroupRuns(ctx context.Context, groupID string, limit int) ([]domain.GroupRun, error) {
	query := `SELECT ` + groupRunColumns + ` FROM group_runs WHERE group_id=? ORDER BY started_at DESC, id`
	args := []any{groupID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.GroupRun
	for rows.Next() {
		gr, err := scanGroupRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, gr)
	}
	return out, rows.Err()
}

func scanGroupRun(r rowScanner) (domain.GroupRun, error) {
	var (
		gr        domain.GroupRun
		status    string
		started   int64
		completed sql.NullInt64
		results   string
	)
	err := r.Scan(&gr.ID, &gr.GroupID, &status, &gr.QueueHandle, &started, &completed, &gr.TasksRun,
		&gr.Succeeded, &gr.Failed, &gr.ItemsFound, &gr.NewItems, &results)
	if errors.Is(err, sql.ErrNoRows) {
		return gr, domain.ErrNotFound
	}
	if err != nil {
		return gr, err
	}
	gr.Status = domain.GroupRunStatus(status)
	gr.StartedAt = fromMS(started)
	gr.CompletedAt = fromNullMS(completed)
	if results != "" {
		if err := json.Unmarshal([]byte(results), &gr.Results); err != nil {
			return gr, err
		}
	}
	return gr, nil
}
