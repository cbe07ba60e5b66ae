package cache

import (
	"context"
	"testing"
)

func TestVectorIndexTopKOrdering(t *testing.T) {
	db := openTestDB(t)
	idx := NewSQLiteVectorIndex(db.DB())
	ctx := context.Background()

	points := map[string][]float32{
		"exact":   {1, 0, 0},
		"close":   {0.95, 0.312, 0},
		"farther": {0.7, 0.714, 0},
		"ortho":   {0, 1, 0},
	}
	for id, v := range points {
		if err := idx.Upsert(ctx, id, v, []byte(id)); err != nil {
			t.Fatalf("Upsert %s: %v", id, err)
		}
	}

	matches, err := idx.Query(ctx, []float32{1, 0, 0}, 2, 0.5)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2", len(matches))
	}
	if matches[0].ID != "exact" || matches[1].ID != "close" {
		t.Errorf("order = [%s, %s], want [exact, close]", matches[0].ID, matches[1].ID)
	}
	if matches[0].Score < matches[1].Score {
		t.Errorf("scores not descending: %v then %v", matches[0].Score, matches[1].Score)
	}
	if string(matches[0].Payload) != "exact" {
		t.Errorf("payload = %q", matches[0].Payload)
	}
}

func TestVectorIndexUpsertReplaces(t *testing.T) {
	db := openTestDB(t)
	idx := NewSQLiteVectorIndex(db.DB())
	ctx := context.Background()

	if err := idx.Upsert(ctx, "p", []float32{1, 0}, []byte("old")); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := idx.Upsert(ctx, "p", []float32{0, 1}, []byte("new")); err != nil {
		t.Fatalf("Upsert replace: %v", err)
	}

	matches, err := idx.Query(ctx, []float32{0, 1}, 1, 0.9)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(matches) != 1 || string(matches[0].Payload) != "new" {
		t.Fatalf("matches = %+v, want single replaced point", matches)
	}
}

func TestVectorIndexZeroQueryVector(t *testing.T) {
	db := openTestDB(t)
	idx := NewSQLiteVectorIndex(db.DB())
	ctx := context.Background()

	if err := idx.Upsert(ctx, "p", []float32{1, 0}, []byte("v")); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	matches, err := idx.Query(ctx, []float32{0, 0}, 1, 0.1)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if matches != nil {
		t.Fatalf("want nil for zero-norm query, got %+v", matches)
	}
}

func TestVectorIndexDelete(t *testing.T) {
	db := openTestDB(t)
	idx := NewSQLiteVectorIndex(db.DB())
	ctx := context.Background()

	if err := idx.Upsert(ctx, "p", []float32{1, 0}, []byte("v")); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := idx.Delete(ctx, "p"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	matches, err := idx.Query(ctx, []float32{1, 0}, 1, 0.1)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("want empty after delete, got %+v", matches)
	}
}
