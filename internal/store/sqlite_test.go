// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers batch recording, delivery ordering, listing and outcome counts

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestNewSQLiteStore_Memory(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore(:memory:) failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.RecordBatch(ctx, sampleBatch("mem-1", time.Now())); err != nil {
		t.Fatalf("RecordBatch failed: %v", err)
	}
	batches, err := store.ListBatches(ctx, 10)
	if err != nil {
		t.Fatalf("ListBatches failed: %v", err)
	}
	if len(batches) != 1 {
		t.Errorf("got %d batches, want 1", len(batches))
	}
}

func sampleBatch(id string, started time.Time) *BatchRecord {
	started = started.UTC().Truncate(time.Millisecond)
	return &BatchRecord{
		ID:            id,
		Body:          "[img = https://example.com/a.png] hello",
		Payload:       "image",
		HasAttachment: false,
		StartedAt:     started,
		FinishedAt:    started.Add(5 * time.Second),
		Deliveries: []Delivery{
			{Destination: "5511987654321", Kind: "individual", Address: "551187654321@s.whatsapp.net", Outcome: "sent", Elapsed: 120 * time.Millisecond},
			{Destination: "MyGroup", Kind: "group", Outcome: "not-found", Error: `group "MyGroup": destination not found`},
		},
	}
}

func TestRecordAndGetBatch(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	want := sampleBatch("batch-1", time.Now())

	if err := store.RecordBatch(ctx, want); err != nil {
		t.Fatalf("RecordBatch failed: %v", err)
	}

	got, err := store.GetBatch(ctx, "batch-1")
	if err != nil {
		t.Fatalf("GetBatch failed: %v", err)
	}

	if got.Body != want.Body || got.Payload != want.Payload {
		t.Errorf("got body/payload %q/%q, want %q/%q", got.Body, got.Payload, want.Body, want.Payload)
	}
	if !got.StartedAt.Equal(want.StartedAt) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, want.StartedAt)
	}
	if !got.FinishedAt.Equal(want.FinishedAt) {
		t.Errorf("FinishedAt = %v, want %v", got.FinishedAt, want.FinishedAt)
	}
	if len(got.Deliveries) != 2 {
		t.Fatalf("got %d deliveries, want 2", len(got.Deliveries))
	}

	first := got.Deliveries[0]
	if first.Position != 0 || first.Outcome != "sent" || first.Address != "551187654321@s.whatsapp.net" {
		t.Errorf("first delivery = %+v", first)
	}
	if first.Elapsed != 120*time.Millisecond {
		t.Errorf("first delivery elapsed = %v, want 120ms", first.Elapsed)
	}
	second := got.Deliveries[1]
	if second.Position != 1 || second.Outcome != "not-found" || second.Error == "" {
		t.Errorf("second delivery = %+v", second)
	}
}

func TestGetBatch_NotFound(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	_, err := store.GetBatch(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRecordBatch_Duplicate(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	if err := store.RecordBatch(ctx, sampleBatch("dup", time.Now())); err != nil {
		t.Fatalf("first RecordBatch failed: %v", err)
	}
	err := store.RecordBatch(ctx, sampleBatch("dup", time.Now()))
	if !errors.Is(err, ErrDuplicateBatch) {
		t.Errorf("expected ErrDuplicateBatch, got %v", err)
	}
}

func TestRecordBatch_InvalidOutcomeRollsBack(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	b := sampleBatch("bad", time.Now())
	b.Deliveries[1].Outcome = "delivered"

	if err := store.RecordBatch(ctx, b); err == nil {
		t.Fatal("RecordBatch should reject unknown outcome")
	}
	if _, err := store.GetBatch(ctx, "bad"); !errors.Is(err, ErrNotFound) {
		t.Errorf("batch should not exist after rollback, got %v", err)
	}
}

func TestListBatches_NewestFirstWithLimit(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		if err := store.RecordBatch(ctx, sampleBatch(fmt.Sprintf("b%d", i), base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("RecordBatch %d failed: %v", i, err)
		}
	}

	batches, err := store.ListBatches(ctx, 3)
	if err != nil {
		t.Fatalf("ListBatches failed: %v", err)
	}
	if len(batches) != 3 {
		t.Fatalf("got %d batches, want 3", len(batches))
	}
	for i, want := range []string{"b4", "b3", "b2"} {
		if batches[i].ID != want {
			t.Errorf("batches[%d].ID = %q, want %q", i, batches[i].ID, want)
		}
		if len(batches[i].Deliveries) != 2 {
			t.Errorf("batches[%d] has %d deliveries, want 2", i, len(batches[i].Deliveries))
		}
	}
}

func TestCountOutcomes(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := store.RecordBatch(ctx, sampleBatch(fmt.Sprintf("c%d", i), time.Now())); err != nil {
			t.Fatalf("RecordBatch failed: %v", err)
		}
	}

	counts, err := store.CountOutcomes(ctx)
	if err != nil {
		t.Fatalf("CountOutcomes failed: %v", err)
	}
	if counts["sent"] != 2 || counts["not-found"] != 2 {
		t.Errorf("counts = %v, want sent=2 not-found=2", counts)
	}
}

func TestMockStoreMatchesSQLite(t *testing.T) {
	ctx := context.Background()
	stores := map[string]Store{
		"sqlite": newTestStore(t),
		"mock":   NewMockStore(),
	}

	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			defer s.Close()

			older := sampleBatch("older", time.Now().Add(-time.Minute))
			newer := sampleBatch("newer", time.Now())
			for _, b := range []*BatchRecord{older, newer} {
				if err := s.RecordBatch(ctx, b); err != nil {
					t.Fatalf("RecordBatch failed: %v", err)
				}
			}

			batches, err := s.ListBatches(ctx, 0)
			if err != nil {
				t.Fatalf("ListBatches failed: %v", err)
			}
			if len(batches) != 2 || batches[0].ID != "newer" {
				t.Errorf("ListBatches order wrong: %v", batches)
			}

			if _, err := s.GetBatch(ctx, "nope"); !errors.Is(err, ErrNotFound) {
				t.Errorf("GetBatch(nope) = %v, want ErrNotFound", err)
			}
		})
	}
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}

	return store
}
