// Package index defines the abstract vector/document store contract
// plus one in-memory implementation. Concrete store clients
// (Pinecone, OpenSearch, ...) live outside the core; the interpreter's
// VectorSearch/DocumentSearch/IndexUpsert executors dispatch only through
// the Index interface, the same interface-in-core shape model.Provider
// uses for LLM providers.
package index

import "context"

// Item is one upsertable record: a chunk of text with an optional
// embedding vector and arbitrary metadata fields.
type Item struct {
	ID     string
	Text   string
	Vector []float64
	Fields map[string]any
}

// SearchResult is one query hit, scored high-to-low.
type SearchResult struct {
	ChunkID string
	Text    string
	Score   float64
	Fields  map[string]any
}

// Index is the abstract store contract. Implementations are safe
// for concurrent use; the interpreter caches one client per index id.
type Index interface {
	// Upsert inserts or replaces items by id.
	Upsert(ctx context.Context, items []Item) error

	// QueryVector returns up to topK results by vector similarity,
	// dropping results below scoreThreshold when non-nil.
	QueryVector(ctx context.Context, vector []float64, topK int, scoreThreshold *float64, filters map[string]any) ([]SearchResult, error)

	// QueryText returns up to maxResults results by text relevance over
	// searchFields (the item's Text when empty).
	QueryText(ctx context.Context, query string, maxResults int, searchFields []string, filters map[string]any) ([]SearchResult, error)
}
