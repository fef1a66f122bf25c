package index

import (
	"context"
	"testing"
)

func seedIndex(t *testing.T) *MemIndex {
	t.Helper()
	x := NewMemIndex()
	err := x.Upsert(context.Background(), []Item{
		{ID: "a", Text: "the quick brown fox", Vector: []float64{1, 0, 0}, Fields: map[string]any{"lang": "en"}},
		{ID: "b", Text: "jumped over the lazy dog", Vector: []float64{0, 1, 0}, Fields: map[string]any{"lang": "en"}},
		{ID: "c", Text: "le renard brun rapide", Vector: []float64{0.9, 0.1, 0}, Fields: map[string]any{"lang": "fr"}},
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	return x
}

func TestMemIndex_QueryVector(t *testing.T) {
	x := seedIndex(t)

	results, err := x.QueryVector(context.Background(), []float64{1, 0, 0}, 2, nil, nil)
	if err != nil {
		t.Fatalf("QueryVector: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].ChunkID != "a" {
		t.Errorf("top hit = %q, want a", results[0].ChunkID)
	}
	if results[1].ChunkID != "c" {
		t.Errorf("second hit = %q, want c", results[1].ChunkID)
	}
	if results[0].Score < results[1].Score {
		t.Errorf("scores not descending: %v", results)
	}
}

func TestMemIndex_ScoreThreshold(t *testing.T) {
	x := seedIndex(t)
	threshold := 0.5
	results, err := x.QueryVector(context.Background(), []float64{1, 0, 0}, 10, &threshold, nil)
	if err != nil {
		t.Fatalf("QueryVector: %v", err)
	}
	for _, r := range results {
		if r.Score < threshold {
			t.Errorf("result %q score %f below threshold %f", r.ChunkID, r.Score, threshold)
		}
	}
}

func TestMemIndex_Filters(t *testing.T) {
	x := seedIndex(t)
	results, err := x.QueryVector(context.Background(), []float64{1, 0, 0}, 10, nil, map[string]any{"lang": "fr"})
	if err != nil {
		t.Fatalf("QueryVector: %v", err)
	}
	if len(results) != 1 || results[0].ChunkID != "c" {
		t.Errorf("filtered results = %v, want only c", results)
	}
}

func TestMemIndex_QueryText(t *testing.T) {
	x := seedIndex(t)
	results, err := x.QueryText(context.Background(), "quick fox", 10, nil, nil)
	if err != nil {
		t.Fatalf("QueryText: %v", err)
	}
	if len(results) == 0 || results[0].ChunkID != "a" {
		t.Errorf("text results = %v, want a first", results)
	}
}

func TestMemIndex_UpsertReplaces(t *testing.T) {
	x := seedIndex(t)
	if err := x.Upsert(context.Background(), []Item{{ID: "a", Text: "replaced", Vector: []float64{0, 0, 1}}}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if x.Len() != 3 {
		t.Errorf("Len = %d, want 3 after replace", x.Len())
	}
	results, err := x.QueryVector(context.Background(), []float64{0, 0, 1}, 1, nil, nil)
	if err != nil {
		t.Fatalf("QueryVector: %v", err)
	}
	if results[0].ChunkID != "a" || results[0].Text != "replaced" {
		t.Errorf("replaced item = %+v", results[0])
	}
}
