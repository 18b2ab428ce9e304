// Package dedup computes record fingerprints and reconciles extracted records
// against those already stored for a job.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"sort"
	"time"

	"harvester/internal/domain"
	"harvester/internal/storage"
)

// DefaultFields is used when a job declares no schema.
var DefaultFields = []string{"title", "url", "description"}

// Fingerprint hashes the values of the selected fields of rec.
//
// Keys are sorted before hashing so field order in the input never matters.
// When none of the fields is present the whole record is hashed instead,
// otherwise every such record would collapse onto the hash of {}.
func Fingerprint(rec map[string]any, fields []string) (string, error) {
	if len(fields) == 0 {
		fields = DefaultFields
	}
	subset := make(map[string]any, len(fields))
	for _, k := range fields {
		if v, ok := rec[k]; ok {
			subset[k] = v
		}
	}
	if len(subset) == 0 {
		subset = rec
	}
	// encoding/json writes map keys in sorted order.
	b, err := json.Marshal(subset)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// SortedFields returns the distinct selected field names in hashing order.
func SortedFields(fields []string) []string {
	if len(fields) == 0 {
		fields = DefaultFields
	}
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, ok := seen[f]; ok || f == "" {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Reconciled is the outcome of one Reconcile call.
type Reconciled struct {
	RecordID  string
	IsNew     bool
	TimesSeen int
}

// Target identifies the job a record belongs to.
type Target struct {
	JobID     string
	RunID     string
	Category  string
	SourceURL string
	Fields    []string
}

// TargetFor builds the reconcile target for a run of j.
func TargetFor(j domain.Job, runID string) Target {
	return Target{JobID: j.ID, RunID: runID, Category: j.Category(), SourceURL: j.TargetURL, Fields: j.Schema}
}

// Store reconciles records through a storage.RecordStore.
type Store struct {
	records storage.RecordStore
	now     func() time.Time
}

func New(records storage.RecordStore) *Store {
	return &Store{records: records, now: time.Now}
}

// Reconcile inserts rec as a new record or touches the existing one with the
// same fingerprint. Failures carry domain.KindReconciliation.
func (s *Store) Reconcile(ctx context.Context, t Target, rec map[string]any) (Reconciled, error) {
	fp, err := Fingerprint(rec, t.Fields)
	if err != nil {
		return Reconciled{}, domain.NewError(domain.KindReconciliation, "fingerprint", err)
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return Reconciled{}, domain.NewError(domain.KindReconciliation, "encode payload", err)
	}
	res, err := s.records.UpsertRecord(ctx, storage.Observation{
		JobID:       t.JobID,
		RunID:       t.RunID,
		Category:    t.Category,
		Fingerprint: fp,
		Payload:     payload,
		SourceURL:   sourceURL(t.SourceURL, rec),
		At:          s.now().UTC(),
	})
	if err != nil {
		return Reconciled{}, domain.NewError(domain.KindReconciliation, "upsert record", err)
	}
	return Reconciled{RecordID: res.RecordID, IsNew: res.IsNew, TimesSeen: res.TimesSeen}, nil
}

// sourceURL prefers the record's own absolute url field over the job target.
func sourceURL(target string, rec map[string]any) string {
	if s, ok := rec["url"].(string); ok {
		if u, err := url.Parse(s); err == nil && u.IsAbs() && u.Host != "" {
			return s
		}
	}
	return target
}
