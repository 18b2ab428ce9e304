package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harvester/internal/domain"
	"harvester/internal/storage"
	logx "harvester/pkg/logx"
)

func decode(t *testing.T, raw string) map[string]any {
	t.Helper()
	var m map[string]any
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	require.NoError(t, dec.Decode(&m))
	return m
}

func TestFingerprintIgnoresKeyOrder(t *testing.T) {
	t.Parallel()
	a := decode(t, `{"title":"A","url":"https://x/1","description":"d","extra":1}`)
	b := decode(t, `{"extra":2,"description":"d","url":"https://x/1","title":"A"}`)

	fa, err := Fingerprint(a, nil)
	require.NoError(t, err)
	fb, err := Fingerprint(b, nil)
	require.NoError(t, err)
	assert.Equal(t, fa, fb)
	assert.Len(t, fa, 64)
}

func TestFingerprintUsesSchemaFields(t *testing.T) {
	t.Parallel()
	a := decode(t, `{"id":7,"title":"first"}`)
	b := decode(t, `{"id":7,"title":"renamed"}`)

	fa, _ := Fingerprint(a, []string{"id"})
	fb, _ := Fingerprint(b, []string{"id"})
	assert.Equal(t, fa, fb)

	da, _ := Fingerprint(a, nil)
	db, _ := Fingerprint(b, nil)
	assert.NotEqual(t, da, db)
}

func TestFingerprintFallsBackToWholeRecord(t *testing.T) {
	t.Parallel()
	a := decode(t, `{"name":"x"}`)
	b := decode(t, `{"name":"y"}`)
	fa, _ := Fingerprint(a, nil)
	fb, _ := Fingerprint(b, nil)
	assert.NotEqual(t, fa, fb)
}

func TestSortedFields(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"description", "title", "url"}, SortedFields(nil))
	assert.Equal(t, []string{"a", "b"}, SortedFields([]string{"b", "a", "b", ""}))
}

func TestSourceURLPrefersAbsoluteRecordURL(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "https://item/1", sourceURL("https://list", map[string]any{"url": "https://item/1"}))
	assert.Equal(t, "https://list", sourceURL("https://list", map[string]any{"url": "/relative"}))
	assert.Equal(t, "https://list", sourceURL("https://list", map[string]any{}))
}

func newStore(t *testing.T) (storage.Store, domain.Job) {
	t.Helper()
	ctx := context.Background()
	st, err := storage.Open(ctx, storage.Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "d.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	g := domain.Group{Name: "g"}
	require.NoError(t, st.CreateGroup(ctx, &g))
	j := domain.Job{GroupID: g.ID, Name: "j", TargetURL: "https://example.org", DataType: domain.DataTypeNews}
	require.NoError(t, st.CreateJob(ctx, &j))
	return st, j
}

func TestReconcileRepeatedObservations(t *testing.T) {
	st, j := newStore(t)
	d := New(st)
	ctx := context.Background()
	rec := decode(t, `{"title":"A","url":"https://example.org/a"}`)

	first, err := d.Reconcile(ctx, TargetFor(j, ""), rec)
	require.NoError(t, err)
	assert.True(t, first.IsNew)

	for i := 2; i <= 4; i++ {
		again, err := d.Reconcile(ctx, TargetFor(j, ""), rec)
		require.NoError(t, err)
		assert.False(t, again.IsNew)
		assert.Equal(t, first.RecordID, again.RecordID)
		assert.Equal(t, i, again.TimesSeen)
	}

	stored, err := st.GetRecord(ctx, first.RecordID)
	require.NoError(t, err)
	assert.Equal(t, "NEWS", stored.Category)
	assert.Equal(t, []string{"https://example.org/a"}, stored.SourceURLs)
}

func TestReconcileConcurrentSamePair(t *testing.T) {
	st, j := newStore(t)
	d := New(st)
	ctx := context.Background()

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fresh int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := d.Reconcile(ctx, TargetFor(j, ""), map[string]any{"title": "same"})
			assert.NoError(t, err)
			if res.IsNew {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, fresh)
	n, err := st.CountRecords(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

type failingRecords struct{ storage.RecordStore }

func (failingRecords) UpsertRecord(context.Context, storage.Observation) (storage.UpsertResult, error) {
	return storage.UpsertResult{}, errors.New("disk full")
}

func TestReconcileErrorKind(t *testing.T) {
	t.Parallel()
	_, err := New(failingRecords{}).Reconcile(context.Background(), Target{JobID: "j"}, map[string]any{"title": "x"})
	require.Error(t, err)
	assert.Equal(t, domain.KindReconciliation, domain.KindOf(err))
}
