package index

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
)

// MemIndex is a thread-safe in-memory Index: linear-scan cosine
// similarity for vector queries, token-overlap scoring for text queries.
// It backs tests and the seed examples; production documents bind a real
// store client through the same interface.
type MemIndex struct {
	mu    sync.RWMutex
	items map[string]Item
	order []string // insertion order, for deterministic tie-breaking
}

// NewMemIndex creates an empty in-memory index.
func NewMemIndex() *MemIndex {
	return &MemIndex{items: make(map[string]Item)}
}

// Len reports how many items the index holds.
func (x *MemIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.items)
}

func (x *MemIndex) Upsert(_ context.Context, items []Item) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, it := range items {
		if _, exists := x.items[it.ID]; !exists {
			x.order = append(x.order, it.ID)
		}
		x.items[it.ID] = it
	}
	return nil
}

func (x *MemIndex) QueryVector(_ context.Context, vector []float64, topK int, scoreThreshold *float64, filters map[string]any) ([]SearchResult, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	var results []SearchResult
	for _, id := range x.order {
		it := x.items[id]
		if len(it.Vector) == 0 || !matchesFilters(it, filters) {
			continue
		}
		score := cosine(vector, it.Vector)
		if scoreThreshold != nil && score < *scoreThreshold {
			continue
		}
		results = append(results, SearchResult{ChunkID: it.ID, Text: it.Text, Score: score, Fields: it.Fields})
	}
	sortResults(results)
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (x *MemIndex) QueryText(_ context.Context, query string, maxResults int, searchFields []string, filters map[string]any) ([]SearchResult, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	terms := strings.Fields(strings.ToLower(query))
	var results []SearchResult
	for _, id := range x.order {
		it := x.items[id]
		if !matchesFilters(it, filters) {
			continue
		}
		score := overlapScore(terms, searchableText(it, searchFields))
		if score <= 0 {
			continue
		}
		results = append(results, SearchResult{ChunkID: it.ID, Text: it.Text, Score: score, Fields: it.Fields})
	}
	sortResults(results)
	if maxResults > 0 && len(results) > maxResults {
		results = results[:maxResults]
	}
	return results, nil
}

func sortResults(results []SearchResult) {
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
}

func matchesFilters(it Item, filters map[string]any) bool {
	for k, want := range filters {
		got, ok := it.Fields[k]
		if !ok || got != want {
			return false
		}
	}
	return true
}

func searchableText(it Item, fields []string) string {
	if len(fields) == 0 {
		return it.Text
	}
	var parts []string
	for _, f := range fields {
		if f == "text" {
			parts = append(parts, it.Text)
			continue
		}
		if v, ok := it.Fields[f]; ok {
			if s, ok := v.(string); ok {
				parts = append(parts, s)
			}
		}
	}
	return strings.Join(parts, " ")
}

func overlapScore(terms []string, text string) float64 {
	if len(terms) == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	hits := 0
	for _, t := range terms {
		if strings.Contains(lower, t) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}

func cosine(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

var _ Index = (*MemIndex)(nil)
