package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"harvester/internal/domain"
)

const groupColumns = `id, name, schedule, active, parallel, destinations, created_at, updated_at`

func (s *sqlStore) CreateGroup(ctx context.Context, g *domain.Group) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	g.UpdatedAt = now
	_, err := s.exec(ctx, s.db,
		`INSERT INTO groups(`+groupColumns+`) VALUES(?,?,?,?,?,?,?,?)`,
		g.ID, g.Name, g.Schedule, g.Active, g.Parallel, stringsJSON(g.NotificationDestinations),
		ms(g.CreatedAt), ms(g.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("group %q: %w", g.Name, ErrConflict)
	}
	return err
}

func (s *sqlStore) UpdateGroup(ctx context.Context, g *domain.Group) error {
	g.UpdatedAt = time.Now().UTC()
	res, err := s.exec(ctx, s.db,
		`UPDATE groups SET name=?, schedule=?, active=?, parallel=?, destinations=?, updated_at=? WHERE id=?`,
		g.Name, g.Schedule, g.Active, g.Parallel, stringsJSON(g.NotificationDestinations), ms(g.UpdatedAt), g.ID,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("group %q: %w", g.Name, ErrConflict)
	}
	if err != nil {
		return err
	}
	return mustAffect(res, domain.ErrNotFound)
}

func (s *sqlStore) GetGroup(ctx context.Context, id string) (domain.Group, error) {
	return scanGroup(s.queryRow(ctx, s.db, `SELECT `+groupColumns+` FROM groups WHERE id=?`, id))
}

func (s *sqlStore) GetGroupByName(ctx context.Context, name string) (domain.Group, error) {
	return scanGroup(s.queryRow(ctx, s.db, `SELECT `+groupColumns+` FROM groups WHERE name=?`, name))
}

func (s *sqlStore) ListGroups(ctx context.Context) ([]domain.Group, error) {
	rows, err := s.query(ctx, s.db, `SELECT `+groupColumns+` FROM groups ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// DeleteGroup removes the group and, through cascading keys, its jobs,
// their runs and records.
func (s *sqlStore) DeleteGroup(ctx context.Context, id string) error {
	res, err := s.exec(ctx, s.db, `DELETE FROM groups WHERE id=?`, id)
	if err != nil {
		return err
	}
	return mustAffect(res, domain.ErrNotFound)
}

func scanGroup(r rowScanner) (domain.Group, error) {
	var (
		g            domain.Group
		destinations string
		created      int64
		updated      int64
	)
	err := r.Scan(&g.ID, &g.Name, &g.Schedule, &g.Active, &g.Parallel, &destinations, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return g, domain.ErrNotFound
	}
	if err != nil {
		return g, err
	}
	g.NotificationDestinations = stringList(destinations)
	g.CreatedAt, g.UpdatedAt = fromMS(created), fromMS(updated)
	return g, nil
}
