package interpreter

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/bazaarvoice/qtype/core"
	"github.com/bazaarvoice/qtype/dsl"
	"github.com/bazaarvoice/qtype/index"
)

// fanOutFunc maps one capsule to zero or more capsules, in order.
type fanOutFunc func(ctx context.Context, msg *FlowMessage) ([]*FlowMessage, error)

// fanOut drives the one-to-many executors (DocumentSplitter, Explode):
// sequential per input message, so output order follows input order with
// each message's expansion contiguous.
func fanOut(ctx context.Context, env *runEnv, step dsl.Step, in <-chan *FlowMessage, fn fanOutFunc) <-chan *FlowMessage {
	base := step.Base()
	out := make(chan *FlowMessage, bufferFor(base))
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				if msg.Failed() {
					if !send(ctx, out, msg) {
						return
					}
					continue
				}
				env.emit(NewEvent(EventStartStep, env.runID).WithStep(base.ID, step.StepType()))
				expanded, err := fn(ctx, msg)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					rt := asRuntimeError(err, base.ID)
					env.emit(NewEvent(EventError, env.runID).WithStep(base.ID, step.StepType()).WithPayload("error", rt.Error()))
					if rt.Class == core.RuntimeFatal {
						env.fatal(rt)
						return
					}
					expanded = []*FlowMessage{msg.Fail(rt, base.ID)}
				}
				env.emit(NewEvent(EventFinishStep, env.runID).WithStep(base.ID, step.StepType()))
				for _, m := range expanded {
					m.Metadata.StepID = base.ID
					if !send(ctx, out, m) {
						return
					}
				}
			}
		}
	}()
	return out
}

// documentSplitterExecutor splits one document into overlapping chunks,
// emitting one capsule per chunk that retains the parent document id
//.
type documentSplitterExecutor struct {
	env  *runEnv
	step *dsl.DocumentSplitter
}

func newDocumentSplitterExecutor(env *runEnv, _ *dsl.Flow, step dsl.Step) (Executor, error) {
	return &documentSplitterExecutor{env: env, step: step.(*dsl.DocumentSplitter)}, nil
}

func (e *documentSplitterExecutor) Process(ctx context.Context, in <-chan *FlowMessage) <-chan *FlowMessage {
	return fanOut(ctx, e.env, e.step, in, e.split)
}

func (e *documentSplitterExecutor) split(_ context.Context, msg *FlowMessage) ([]*FlowMessage, error) {
	if len(e.step.Inputs) == 0 || len(e.step.Outputs) == 0 {
		return []*FlowMessage{msg}, nil
	}
	v, _ := msg.Var(e.step.Inputs[0])
	docID := ""
	text := ""
	switch doc := v.(type) {
	case map[string]any:
		docID, _ = doc["id"].(string)
		text, _ = doc["text"].(string)
	case string:
		text = doc
	default:
		return nil, &core.RuntimeError{
			Class: core.RuntimeMessageFailure, Code: core.RuntimeDecodeError,
			Message: fmt.Sprintf("splitter input %q is not a document", e.step.Inputs[0]),
		}
	}
	if docID == "" {
		docID = uuid.NewString()
	}

	chunks := splitText(text, e.step.ChunkSize, e.step.ChunkOverlap)
	out := make([]*FlowMessage, 0, len(chunks))
	for i, chunk := range chunks {
		out = append(out, msg.WithVar(e.step.Outputs[0], map[string]any{
			"id":          fmt.Sprintf("%s#%d", docID, i),
			"document_id": docID,
			"text":        chunk,
		}))
	}
	return out, nil
}

// splitText windows text into rune chunks of size chunkSize advancing by
// chunkSize-chunkOverlap. An empty text yields no chunks.
func splitText(text string, chunkSize, chunkOverlap int) []string {
	if chunkSize <= 0 {
		chunkSize = 512
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		chunkOverlap = 0
	}
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	stride := chunkSize - chunkOverlap
	var chunks []string
	for start := 0; start < len(runes); start += stride {
		end := start + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}

// documentEmbedderExecutor embeds chunk text through the configured
// embedding model, batching up to batch_size inputs per provider call
//.
type documentEmbedderExecutor struct {
	env  *runEnv
	step *dsl.DocumentEmbedder
}

func newDocumentEmbedderExecutor(env *runEnv, _ *dsl.Flow, step dsl.Step) (Executor, error) {
	return &documentEmbedderExecutor{env: env, step: step.(*dsl.DocumentEmbedder)}, nil
}

func (e *documentEmbedderExecutor) Process(ctx context.Context, in <-chan *FlowMessage) <-chan *FlowMessage {
	return mapBatched(ctx, e.env, e.step, in, e.embed)
}

func (e *documentEmbedderExecutor) embed(ctx context.Context, msgs []*FlowMessage) ([]*FlowMessage, error) {
	provider, m, err := e.env.providerFor(e.step.Model)
	if err != nil {
		return nil, err
	}

	texts := make([]string, len(msgs))
	for i, msg := range msgs {
		v, _ := msg.Var(e.step.Inputs[0])
		texts[i] = textOf(v)
	}

	var vectors [][]float64
	err = withRetry(ctx, e.env.retry, func(ctx context.Context) error {
		var embedErr error
		vectors, embedErr = provider.Embed(ctx, texts, m.Dimensions)
		return embedErr
	})
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(msgs) {
		return nil, &core.RuntimeError{
			Class: core.RuntimeMessageFailure, Code: core.RuntimeDecodeError,
			Message: fmt.Sprintf("provider returned %d vectors for %d inputs", len(vectors), len(msgs)),
		}
	}

	out := make([]*FlowMessage, len(msgs))
	for i, msg := range msgs {
		vec := make([]any, len(vectors[i]))
		for j, f := range vectors[i] {
			vec[j] = f
		}
		out[i] = msg.WithVar(e.step.Outputs[0], map[string]any{
			"vector":      vec,
			"source_text": texts[i],
		})
	}
	return out, nil
}

// textOf extracts the embeddable text of a value: chunk/document maps
// use their text field, everything else stringifies.
func textOf(v any) string {
	if m, ok := v.(map[string]any); ok {
		if t, ok := m["text"].(string); ok {
			return t
		}
	}
	if t, ok := chatText(v); ok {
		return t
	}
	return stringify(v)
}

// indexUpsertExecutor writes items into the step's index, batching up to
// batch_size inputs per upsert call and re-emitting one capsule per
// input in input order.
type indexUpsertExecutor struct {
	env  *runEnv
	step *dsl.IndexUpsert
}

func newIndexUpsertExecutor(env *runEnv, _ *dsl.Flow, step dsl.Step) (Executor, error) {
	return &indexUpsertExecutor{env: env, step: step.(*dsl.IndexUpsert)}, nil
}

func (e *indexUpsertExecutor) Process(ctx context.Context, in <-chan *FlowMessage) <-chan *FlowMessage {
	return mapBatched(ctx, e.env, e.step, in, e.upsert)
}

func (e *indexUpsertExecutor) upsert(ctx context.Context, msgs []*FlowMessage) ([]*FlowMessage, error) {
	client, _, err := e.env.indexFor(e.step.Index)
	if err != nil {
		return nil, err
	}

	items := make([]index.Item, len(msgs))
	for i, msg := range msgs {
		items[i] = itemFromMessage(e.step.Inputs, msg)
	}

	err = withRetry(ctx, e.env.retry, func(ctx context.Context) error {
		return client.Upsert(ctx, items)
	})
	if err != nil {
		return nil, &core.RuntimeError{Class: core.RuntimeMessageFailure, Code: core.RuntimeIndexUnavailable, Message: "upsert: " + err.Error(), Cause: err}
	}

	out := make([]*FlowMessage, len(msgs))
	for i, msg := range msgs {
		if len(e.step.Outputs) > 0 {
			out[i] = msg.WithVar(e.step.Outputs[0], items[i].ID)
		} else {
			out[i] = msg
		}
	}
	return out, nil
}

// itemFromMessage assembles an index item from the step's input
// variables: embedding-shaped values contribute the vector and source
// text, chunk/document-shaped values contribute id, text, and parent
// metadata.
func itemFromMessage(inputs []string, msg *FlowMessage) index.Item {
	item := index.Item{Fields: map[string]any{}}
	for _, in := range inputs {
		v, ok := msg.Var(in)
		if !ok {
			continue
		}
		m, ok := v.(map[string]any)
		if !ok {
			if item.Text == "" {
				item.Text = stringify(v)
			}
			continue
		}
		if vec, ok := asFloatSlice(m["vector"]); ok {
			item.Vector = vec
			if st, ok := m["source_text"].(string); ok && item.Text == "" {
				item.Text = st
			}
			continue
		}
		if id, ok := m["id"].(string); ok && item.ID == "" {
			item.ID = id
		}
		if t, ok := m["text"].(string); ok {
			item.Text = t
		}
		if docID, ok := m["document_id"].(string); ok {
			item.Fields["document_id"] = docID
		}
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	return item
}

// vectorSearchExecutor queries the step's vector index: text inputs are
// embedded through the index's embedding model first, vector inputs
// query directly.
type vectorSearchExecutor struct {
	env  *runEnv
	step *dsl.VectorSearch
}

func newVectorSearchExecutor(env *runEnv, _ *dsl.Flow, step dsl.Step) (Executor, error) {
	return &vectorSearchExecutor{env: env, step: step.(*dsl.VectorSearch)}, nil
}

func (e *vectorSearchExecutor) Process(ctx context.Context, in <-chan *FlowMessage) <-chan *FlowMessage {
	return mapOrdered(ctx, e.env, e.step, in, e.search)
}

func (e *vectorSearchExecutor) search(ctx context.Context, msg *FlowMessage) (*FlowMessage, error) {
	client, idx, err := e.env.indexFor(e.step.Index)
	if err != nil {
		return nil, err
	}

	v, _ := msg.Var(e.step.Inputs[0])
	vector, isVector := asFloatSlice(v)
	if !isVector {
		if emb, ok := v.(map[string]any); ok {
			if vec, ok := asFloatSlice(emb["vector"]); ok {
				vector, isVector = vec, true
			}
		}
	}
	if !isVector {
		provider, m, perr := e.env.providerFor(idx.EmbeddingModel)
		if perr != nil {
			return nil, perr
		}
		err = withRetry(ctx, e.env.retry, func(ctx context.Context) error {
			vecs, embedErr := provider.Embed(ctx, []string{textOf(v)}, m.Dimensions)
			if embedErr != nil {
				return embedErr
			}
			vector = vecs[0]
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	topK := e.step.DefaultTopK
	if topK <= 0 {
		topK = 5
	}
	var results []index.SearchResult
	err = withRetry(ctx, e.env.retry, func(ctx context.Context) error {
		var queryErr error
		results, queryErr = client.QueryVector(ctx, vector, topK, e.step.ScoreThreshold, nil)
		return queryErr
	})
	if err != nil {
		return nil, &core.RuntimeError{Class: core.RuntimeMessageFailure, Code: core.RuntimeIndexUnavailable, Message: "vector query: " + err.Error(), Cause: err}
	}
	return msg.WithVar(e.step.Outputs[0], searchResultList(results)), nil
}

// documentSearchExecutor queries the step's document index by text
// relevance.
type documentSearchExecutor struct {
	env  *runEnv
	step *dsl.DocumentSearch
}

func newDocumentSearchExecutor(env *runEnv, _ *dsl.Flow, step dsl.Step) (Executor, error) {
	return &documentSearchExecutor{env: env, step: step.(*dsl.DocumentSearch)}, nil
}

func (e *documentSearchExecutor) Process(ctx context.Context, in <-chan *FlowMessage) <-chan *FlowMessage {
	return mapOrdered(ctx, e.env, e.step, in, e.search)
}

func (e *documentSearchExecutor) search(ctx context.Context, msg *FlowMessage) (*FlowMessage, error) {
	client, _, err := e.env.indexFor(e.step.Index)
	if err != nil {
		return nil, err
	}
	v, _ := msg.Var(e.step.Inputs[0])
	query := textOf(v)

	max := e.step.MaxResults
	if max <= 0 {
		max = 10
	}
	var results []index.SearchResult
	err = withRetry(ctx, e.env.retry, func(ctx context.Context) error {
		var queryErr error
		results, queryErr = client.QueryText(ctx, query, max, e.step.SearchFields, e.step.Filters)
		return queryErr
	})
	if err != nil {
		return nil, &core.RuntimeError{Class: core.RuntimeMessageFailure, Code: core.RuntimeIndexUnavailable, Message: "text query: " + err.Error(), Cause: err}
	}
	return msg.WithVar(e.step.Outputs[0], searchResultList(results)), nil
}

func searchResultList(results []index.SearchResult) []any {
	out := make([]any, len(results))
	for i, r := range results {
		out[i] = map[string]any{
			"chunk_id": r.ChunkID,
			"text":     r.Text,
			"score":    r.Score,
		}
	}
	return out
}

// rerankerExecutor reorders search results by embedding-space similarity
// to the query through the step's model, keeping the top_n.
type rerankerExecutor struct {
	env  *runEnv
	step *dsl.Reranker
}

func newRerankerExecutor(env *runEnv, _ *dsl.Flow, step dsl.Step) (Executor, error) {
	return &rerankerExecutor{env: env, step: step.(*dsl.Reranker)}, nil
}

func (e *rerankerExecutor) Process(ctx context.Context, in <-chan *FlowMessage) <-chan *FlowMessage {
	return mapOrdered(ctx, e.env, e.step, in, e.rerank)
}

func (e *rerankerExecutor) rerank(ctx context.Context, msg *FlowMessage) (*FlowMessage, error) {
	if len(e.step.Inputs) < 2 {
		return nil, &core.RuntimeError{
			Class: core.RuntimeMessageFailure, Code: core.RuntimeDecodeError,
			Message: "reranker needs a query input and a results input",
		}
	}
	provider, m, err := e.env.providerFor(e.step.Model)
	if err != nil {
		return nil, err
	}

	queryVal, _ := msg.Var(e.step.Inputs[0])
	resultsVal, _ := msg.Var(e.step.Inputs[1])
	results, ok := asList(resultsVal)
	if !ok {
		return nil, &core.RuntimeError{
			Class: core.RuntimeMessageFailure, Code: core.RuntimeDecodeError,
			Message: fmt.Sprintf("reranker input %q is not a list", e.step.Inputs[1]),
		}
	}

	texts := make([]string, 0, len(results)+1)
	texts = append(texts, textOf(queryVal))
	for _, r := range results {
		texts = append(texts, textOf(r))
	}

	var vectors [][]float64
	err = withRetry(ctx, e.env.retry, func(ctx context.Context) error {
		var embedErr error
		vectors, embedErr = provider.Embed(ctx, texts, m.Dimensions)
		return embedErr
	})
	if err != nil {
		return nil, err
	}

	type scored struct {
		value any
		score float64
	}
	ranked := make([]scored, len(results))
	for i, r := range results {
		ranked[i] = scored{value: r, score: cosineSim(vectors[0], vectors[i+1])}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	topN := e.step.TopN
	if topN <= 0 || topN > len(ranked) {
		topN = len(ranked)
	}
	out := make([]any, topN)
	for i := 0; i < topN; i++ {
		out[i] = ranked[i].value
	}
	return msg.WithVar(e.step.Outputs[0], out), nil
}

func cosineSim(a, b []float64) float64 {
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
