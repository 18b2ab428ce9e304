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
	logx "harvester/pkg/logx"
)

// upsertAttempts bounds retries when the conflicting row is deleted between
// the insert and the touch.
const upsertAttempts = 3

const recordColumns = `id, job_id, run_id, category, fingerprint, payload, source_urls,
	first_seen, last_seen, times_seen`

func (s *sqlStore) UpsertRecord(ctx context.Context, o Observation) (UpsertResult, error) {
	if o.JobID == "" || o.Fingerprint == "" {
		return UpsertResult{}, errors.New("upsert record: job id and fingerprint are required")
	}
	if o.At.IsZero() {
		o.At = time.Now().UTC()
	}

	var lastErr error
	for attempt := 1; attempt <= upsertAttempts; attempt++ {
		var res UpsertResult
		err := s.inTx(ctx, func(tx *sql.Tx) error {
			var err error
			res, err = s.upsertOnce(ctx, tx, o)
			return err
		})
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, ErrVanished) {
			return UpsertResult{}, err
		}
		lastErr = err
		s.log.Debug("record vanished during upsert; retrying", logx.Int("attempt", attempt))
	}
	return UpsertResult{}, fmt.Errorf("upsert record after %d attempts: %w", upsertAttempts, lastErr)
}

func (s *sqlStore) upsertOnce(ctx context.Context, tx *sql.Tx, o Observation) (UpsertResult, error) {
	var sources []string
	sources, _ = domain.MergeSource(sources, o.SourceURL)

	id := uuid.NewString()
	var runID any
	if o.RunID != "" {
		runID = o.RunID
	}
	var inserted string
	err := s.queryRow(ctx, tx,
		`INSERT INTO records(`+recordColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (job_id, fingerprint) DO NOTHING
		RETURNING id`,
		id, o.JobID, runID, o.Category, o.Fingerprint, string(o.Payload), stringsJSON(sources),
		ms(o.At), ms(o.At), 1,
	).Scan(&inserted)
	if err == nil {
		return UpsertResult{RecordID: inserted, IsNew: true, TimesSeen: 1}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return UpsertResult{}, err
	}

	var (
		res     UpsertResult
		srcJSON string
	)
	err = s.queryRow(ctx, tx,
		`UPDATE records SET last_seen=?, times_seen=times_seen+1
		WHERE job_id=? AND fingerprint=?
		RETURNING id, times_seen, source_urls`,
		ms(o.At), o.JobID, o.Fingerprint,
	).Scan(&res.RecordID, &res.TimesSeen, &srcJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return UpsertResult{}, ErrVanished
	}
	if err != nil {
		return UpsertResult{}, err
	}

	if merged, changed := domain.MergeSource(stringList(srcJSON), o.SourceURL); changed {
		if _, err := s.exec(ctx, tx, `UPDATE records SET source_urls=? WHERE id=?`, stringsJSON(merged), res.RecordID); err != nil {
			return UpsertResult{}, err
		}
	}
	return res, nil
}

func (s *sqlStore) GetRecord(ctx context.Context, id string) (domain.Record, error) {
	return scanRecord(s.queryRow(ctx, s.db, `SELECT `+recordColumns+` FROM records WHERE id=?`, id))
}

func (s *sqlStore) ListRecords(ctx context.Context, f RecordFilter) ([]domain.Record, error) {
	var (
		where []string
		args  []any
	)
	if f.JobID != "" {
		where = append(where, "job_id=?")
		args = append(args, f.JobID)
	}
	if !f.Since.IsZero() {
		where = append(where, "last_seen>=?")
		args = append(args, ms(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "last_seen<?")
		args = append(args, ms(f.Until))
	}
	query := `SELECT ` + recordColumns + ` FROM records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY last_seen DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqlStore) CountRecords(ctx context.Context, jobID string) (int, error) {
	var n int
	err := s.queryRow(ctx, s.db, `SELECT COUNT(*) FROM records WHERE job_id=?`, jobID).Scan(&n)
	return n, err
}

func scanRecord(r rowScanner) (domain.Record, error) {
	var (
		rec         domain.Record
		runID       sql.NullString
		payload     string
		sources     string
		first, last int64
	)
	err := r.Scan(&rec.ID, &rec.JobID, &runID, &rec.Category, &rec.Fingerprint, &payload, &sources,
		&first, &last, &rec.TimesSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, domain.ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	rec.RunID = runID.String
	rec.Payload = json.RawMessage(payload)
	rec.SourceURLs = stringList(sources)
	rec.FirstSeen, rec.LastSeen = fromMS(first), fromMS(last)
	return rec, nil
}
