package interpreter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bazaarvoice/qtype/checker"
	"github.com/bazaarvoice/qtype/core"
	"github.com/bazaarvoice/qtype/dsl"
	"github.com/bazaarvoice/qtype/index"
	"github.com/bazaarvoice/qtype/ir"
	"github.com/bazaarvoice/qtype/loader"
	"github.com/bazaarvoice/qtype/memory"
	"github.com/bazaarvoice/qtype/model"
	"github.com/bazaarvoice/qtype/tool"
)

func compileApp(t *testing.T, text string) *ir.SemanticIR {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.qtype.yaml")
	if err := os.WriteFile(path, []byte(text), 0o600); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	tree, sm, err := loader.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	doc, diags := dsl.Parse(tree, sm)
	if diags.HasErrors() {
		t.Fatalf("parse errors: %v", diags.Errors())
	}
	sem, checkDiags := checker.Check(doc)
	if checkDiags.HasErrors() {
		t.Fatalf("check errors: %v", checkDiags.Errors())
	}
	return sem
}

// eventRecorder collects the secondary event stream for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) handle(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) kinds(stepID string) []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []EventKind
	for _, e := range r.events {
		if stepID == "" || e.StepID == stepID {
			out = append(out, e.Kind)
		}
	}
	return out
}

func (r *eventRecorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

const helloDoc = `
id: hello
models:
  - id: gpt4
    type: generative
    provider: openai
flows:
  - id: main
    variables:
      - id: question
        type: text
    inputs: [question]
    outputs: [ask.response]
    steps:
      - id: ask
        type: LLMInference
        model: gpt4
        system_message: You are a helpful assistant.
        inputs: [question]
`

func TestRun_HelloWorld(t *testing.T) {
	sem := compileApp(t, helloDoc)
	rec := &eventRecorder{}
	interp := New(sem, Config{
		Providers: map[string]model.Provider{"openai": model.NewStubProvider(map[string]string{
			"What is 2+2?": "2+2 equals 4.",
		})},
		Events: rec.handle,
	})

	result, err := interp.Run(context.Background(), "main", map[string]any{"question": "What is 2+2?"}, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	response, _ := result.Outputs["ask.response"].(string)
	if !strings.Contains(response, "4") {
		t.Errorf("response = %q, want it to contain 4", response)
	}
	if len(result.Messages) != 1 {
		t.Errorf("terminal messages = %d, want 1", len(result.Messages))
	}

	// Exactly one text-start/text-delta*/finish-step sequence.
	if got := rec.count(EventTextStart); got != 1 {
		t.Errorf("text-start events = %d, want 1", got)
	}
	if got := rec.count(EventTextDelta); got < 1 {
		t.Errorf("text-delta events = %d, want at least 1", got)
	}
	kinds := rec.kinds("ask")
	if len(kinds) < 3 || kinds[0] != EventStartStep || kinds[len(kinds)-1] != EventFinishStep {
		t.Errorf("step event sequence = %v, want start-step first, finish-step last", kinds)
	}
	sawText := false
	for _, k := range kinds {
		if k == EventTextStart {
			sawText = true
		}
		if k == EventFinishStep && !sawText {
			t.Error("finish-step before text-start")
		}
	}
}

func TestRun_TemplateThenInference(t *testing.T) {
	sem := compileApp(t, `
id: translate
models:
  - id: gpt4
    type: generative
    provider: openai
flows:
  - id: main
    variables:
      - id: text
        type: text
      - id: lang
        type: text
    inputs: [text, lang]
    outputs: [answer.response]
    steps:
      - id: render
        type: PromptTemplate
        template: "Translate '{{text}}' to {{lang}}"
        inputs: [text, lang]
      - id: answer
        type: LLMInference
        model: gpt4
        inputs: [render.prompt]
`)
	interp := New(sem, Config{
		Providers: map[string]model.Provider{"openai": model.NewStubProvider(nil)},
	})

	result, err := interp.Run(context.Background(), "main", map[string]any{"text": "hello", "lang": "French"}, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Messages) != 1 {
		t.Fatalf("terminal messages = %d, want 1", len(result.Messages))
	}
	prompt, _ := result.Messages[0].Var("render.prompt")
	if prompt != "Translate 'hello' to French" {
		t.Errorf("rendered prompt = %q, want %q", prompt, "Translate 'hello' to French")
	}
}

func TestRun_FileSourceAggregate(t *testing.T) {
	csvPath := filepath.Join(t.TempDir(), "customers.csv")
	content := "name,region,purchases\nAda,EMEA,3\nGrace,AMER,5\nAlan,EMEA,2\nEdsger,EMEA,7\nBarbara,AMER,1\n"
	if err := os.WriteFile(csvPath, []byte(content), 0o600); err != nil {
		t.Fatalf("writing csv: %v", err)
	}
	t.Setenv("QTYPE_TEST_CSV", csvPath)

	sem := compileApp(t, `
id: batch
flows:
  - id: main
    variables:
      - id: name
        type: text
      - id: region
        type: text
      - id: purchases
        type: text
    outputs: [agg.stats]
    steps:
      - id: rows
        type: FileSource
        path: ${QTYPE_TEST_CSV}
        outputs: [name, region, purchases]
      - id: agg
        type: Aggregate
        inputs: [name]
`)
	interp := New(sem, Config{})

	result, err := interp.Run(context.Background(), "main", nil, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	stats, ok := result.Outputs["agg.stats"].(map[string]any)
	if !ok {
		t.Fatalf("agg.stats = %T, want stats map", result.Outputs["agg.stats"])
	}
	if stats["num_successful"] != 5 || stats["num_failed"] != 0 || stats["num_total"] != 5 {
		t.Errorf("stats = %v, want 5/0/5", stats)
	}
}

func TestRun_AggregateEmptyStream(t *testing.T) {
	csvPath := filepath.Join(t.TempDir(), "empty.csv")
	if err := os.WriteFile(csvPath, []byte("name\n"), 0o600); err != nil {
		t.Fatalf("writing csv: %v", err)
	}
	t.Setenv("QTYPE_TEST_EMPTY_CSV", csvPath)

	sem := compileApp(t, `
id: batch
flows:
  - id: main
    variables:
      - id: name
        type: text
    outputs: [agg.stats]
    steps:
      - id: rows
        type: FileSource
        path: ${QTYPE_TEST_EMPTY_CSV}
        outputs: [name]
      - id: agg
        type: Aggregate
        inputs: [name]
`)
	interp := New(sem, Config{})

	result, err := interp.Run(context.Background(), "main", nil, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Messages) != 1 {
		t.Fatalf("terminal messages = %d, want exactly 1", len(result.Messages))
	}
	stats, _ := result.Outputs["agg.stats"].(map[string]any)
	if stats["num_total"] != 0 {
		t.Errorf("stats = %v, want num_total 0", stats)
	}
}

const chatDoc = `
id: chat
memories:
  - id: mem
models:
  - id: gpt4
    type: generative
    provider: openai
flows:
  - id: chat
    interface: Conversational
    variables:
      - id: user_message
        type: ChatMessage
      - id: reply
        type: ChatMessage
    inputs: [user_message]
    outputs: [reply]
    steps:
      - id: answer
        type: LLMInference
        model: gpt4
        memory: mem
        inputs: [user_message]
        outputs: [reply]
`

func userMessage(text string) map[string]any {
	return map[string]any{
		"role": "user",
		"blocks": []any{
			map[string]any{"type": "text", "content": text},
		},
	}
}

func TestRun_ConversationalMemory(t *testing.T) {
	sem := compileApp(t, chatDoc)
	store := memory.NewMemStore()
	interp := New(sem, Config{
		Providers: map[string]model.Provider{"openai": model.NewStubProvider(map[string]string{
			"My name is Alice.": "Nice to meet you, Alice.",
		})},
		Memory: store,
	})

	first, err := interp.Run(context.Background(), "chat",
		map[string]any{"user_message": userMessage("My name is Alice.")},
		RunOptions{SessionID: "turns"})
	if err != nil {
		t.Fatalf("turn 1: %v", err)
	}
	if first.SessionID != "turns" {
		t.Errorf("session id = %q, want stable turns", first.SessionID)
	}

	second, err := interp.Run(context.Background(), "chat",
		map[string]any{"user_message": userMessage("What's my name?")},
		RunOptions{SessionID: "turns"})
	if err != nil {
		t.Fatalf("turn 2: %v", err)
	}
	replyText, _ := chatText(second.Outputs["reply"])
	if !strings.Contains(replyText, "Alice") {
		t.Errorf("turn 2 reply = %q, want it to recall Alice", replyText)
	}

	// Both turns committed: 2 user + 2 assistant records.
	turns, err := store.History(context.Background(), "turns", sem.Application().Memories[0])
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(turns) != 4 {
		t.Errorf("memory turns = %d, want 4", len(turns))
	}
}

const ragDoc = `
id: rag
models:
  - id: embedder
    type: embedding
    provider: openai
    dimensions: 8
  - id: gpt4
    type: generative
    provider: openai
indexes:
  - id: kb
    type: vector
    name: knowledge-base
    embedding_model: embedder
flows:
  - id: ingest
    variables:
      - id: doc
        type: RAGDocument
      - id: chunk
        type: RAGChunk
      - id: emb
        type: Embedding
      - id: upserted
        type: text
    outputs: [agg.stats]
    steps:
      - id: docs
        type: DocumentSource
        reader_module: directory
        args:
          path: ${QTYPE_TEST_DOCS}
          glob: "*.txt"
        outputs: [doc]
      - id: split
        type: DocumentSplitter
        chunk_size: 512
        chunk_overlap: 50
        inputs: [doc]
        outputs: [chunk]
      - id: embed
        type: DocumentEmbedder
        model: embedder
        concurrency: 5
        inputs: [chunk]
        outputs: [emb]
      - id: upsert
        type: IndexUpsert
        index: kb
        batch_size: 25
        inputs: [emb, chunk]
        outputs: [upserted]
      - id: agg
        type: Aggregate
        inputs: [upserted]
  - id: query
    variables:
      - id: question
        type: ChatMessage
      - id: qtext
        type: text
      - id: hits
        type: list[RAGSearchResult]
    inputs: [question]
    outputs: [answer.response]
    steps:
      - id: extract
        type: FieldExtractor
        json_path: blocks.0.content
        inputs: [question]
        outputs: [qtext]
      - id: search
        type: VectorSearch
        index: kb
        default_top_k: 5
        inputs: [qtext]
        outputs: [hits]
      - id: prompt
        type: PromptTemplate
        template: "Answer from the context.\nContext: {{hits}}\nQuestion: {{qtext}}"
        inputs: [hits, qtext]
      - id: answer
        type: LLMInference
        model: gpt4
        inputs: [prompt.prompt]
`

func TestRun_RAGIngestionAndQuery(t *testing.T) {
	docsDir := t.TempDir()
	for i := 0; i < 34; i++ {
		text := fmt.Sprintf("Document %d discusses topic %d in depth. %s", i, i, strings.Repeat(fmt.Sprintf("Fact %d. ", i), 40))
		if err := os.WriteFile(filepath.Join(docsDir, fmt.Sprintf("doc-%02d.txt", i)), []byte(text), 0o600); err != nil {
			t.Fatalf("writing doc: %v", err)
		}
	}
	t.Setenv("QTYPE_TEST_DOCS", docsDir)

	sem := compileApp(t, ragDoc)
	kb := index.NewMemIndex()
	interp := New(sem, Config{
		Providers: map[string]model.Provider{"openai": model.NewStubProvider(nil)},
		Indexes:   map[string]index.Index{"kb": kb},
	})

	result, err := interp.Run(context.Background(), "ingest", nil, RunOptions{})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	stats, _ := result.Outputs["agg.stats"].(map[string]any)
	if stats["num_failed"] != 0 {
		t.Errorf("ingest stats = %v, want 0 failed", stats)
	}
	if total, _ := stats["num_total"].(int); total < 34 {
		t.Errorf("ingest total = %d, want at least 34 chunks", total)
	}
	if kb.Len() < 34 {
		t.Errorf("index size = %d, want at least 34 upserted chunks", kb.Len())
	}

	queryResult, err := interp.Run(context.Background(), "query",
		map[string]any{"question": userMessage("What does document 7 discuss?")},
		RunOptions{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(queryResult.Messages) != 1 {
		t.Fatalf("query messages = %d, want 1", len(queryResult.Messages))
	}
	hits, _ := queryResult.Messages[0].Var("hits")
	hitList, ok := hits.([]any)
	if !ok || len(hitList) != 5 {
		t.Fatalf("hits = %v, want 5 results", hits)
	}
	for _, h := range hitList {
		hit := h.(map[string]any)
		if hit["chunk_id"] == "" {
			t.Errorf("hit missing chunk_id: %v", hit)
		}
	}
	if response, _ := queryResult.Outputs["answer.response"].(string); response == "" {
		t.Error("query produced no response")
	}
}

// slowProvider blocks until its delay elapses or the call is cancelled.
type slowProvider struct {
	delay time.Duration
}

func (p *slowProvider) Complete(ctx context.Context, messages []model.Message, params model.Params, tools []model.ToolSpec) (<-chan model.Delta, error) {
	ch := make(chan model.Delta, 1)
	go func() {
		defer close(ch)
		select {
		case <-ctx.Done():
			ch <- model.Delta{Err: ctx.Err()}
		case <-time.After(p.delay):
			ch <- model.Delta{Done: true, Final: &model.Response{Text: "too late"}}
		}
	}()
	return ch, nil
}

func (p *slowProvider) Embed(ctx context.Context, texts []string, dims int) ([][]float64, error) {
	return nil, model.ErrUnsupportedOperation
}

func TestRun_Cancellation(t *testing.T) {
	sem := compileApp(t, chatDoc)
	store := memory.NewMemStore()
	interp := New(sem, Config{
		Providers: map[string]model.Provider{"openai": &slowProvider{delay: 10 * time.Second}},
		Memory:    store,
	})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	started := time.Now()
	_, err := interp.Run(ctx, "chat",
		map[string]any{"user_message": userMessage("hello?")},
		RunOptions{SessionID: "cancelled"})
	elapsed := time.Since(started)

	var cancelled *core.Cancelled
	if !errors.As(err, &cancelled) {
		t.Fatalf("Run error = %v, want Cancelled", err)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("run took %v to terminate after cancellation", elapsed)
	}

	// Memory must be unchanged for the cancelled session.
	turns, err := store.History(context.Background(), "cancelled", sem.Application().Memories[0])
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(turns) != 0 {
		t.Errorf("memory turns = %d after cancellation, want 0", len(turns))
	}
}

func TestRun_FlowTimeout(t *testing.T) {
	sem := compileApp(t, helloDoc)
	interp := New(sem, Config{
		Providers: map[string]model.Provider{"openai": &slowProvider{delay: 10 * time.Second}},
	})

	_, err := interp.Run(context.Background(), "main",
		map[string]any{"question": "anyone there?"},
		RunOptions{Timeout: 50 * time.Millisecond})

	var cancelled *core.Cancelled
	if !errors.As(err, &cancelled) {
		t.Fatalf("Run error = %v, want Cancelled on deadline", err)
	}
}

func TestRun_UnknownFlow(t *testing.T) {
	sem := compileApp(t, helloDoc)
	interp := New(sem, Config{
		Providers: map[string]model.Provider{"openai": model.NewStubProvider(nil)},
	})
	if _, err := interp.Run(context.Background(), "nope", nil, RunOptions{}); err == nil {
		t.Fatal("Run of unknown flow succeeded, want error")
	}
}

func TestRun_Condition(t *testing.T) {
	sem := compileApp(t, `
id: routed
flows:
  - id: main
    variables:
      - id: x
        type: text
      - id: styled
        type: text
    inputs: [x]
    outputs: [styled]
    steps:
      - id: route
        type: Condition
        equals: 'x == "loud"'
        inputs: [x]
        then: shout
        else: whisper
      - id: shout
        type: PromptTemplate
        template: "LOUD: {{x}}"
        inputs: [x]
        outputs: [styled]
      - id: whisper
        type: PromptTemplate
        template: "soft: {{x}}"
        inputs: [x]
        outputs: [styled]
`)
	interp := New(sem, Config{})

	result, err := interp.Run(context.Background(), "main", map[string]any{"x": "loud"}, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(result.Messages))
	}
	if result.Outputs["styled"] != "LOUD: loud" {
		t.Errorf("styled = %v, want then-branch result", result.Outputs["styled"])
	}

	result, err = interp.Run(context.Background(), "main", map[string]any{"x": "quiet"}, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Outputs["styled"] != "soft: quiet" {
		t.Errorf("styled = %v, want else-branch result", result.Outputs["styled"])
	}
}

func TestRun_InvokeToolNative(t *testing.T) {
	sem := compileApp(t, `
id: tools
tools:
  - id: shout
    type: native
    name: shout
    module_path: strings
    function_name: shout
    inputs:
      - id: word
        type: text
    outputs:
      - id: loud
        type: text
flows:
  - id: main
    variables:
      - id: word
        type: text
      - id: loud
        type: text
    inputs: [word]
    outputs: [loud]
    steps:
      - id: call
        type: InvokeTool
        tool: shout
        inputs: [word]
        input_bindings:
          - param: word
            var: word
        output_bindings:
          - param: loud
            var: loud
`)
	interp := New(sem, Config{
		NativeTools: tool.NativeRegistry{"shout": shoutTool{}},
	})

	result, err := interp.Run(context.Background(), "main", map[string]any{"word": "hello"}, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Outputs["loud"] != "HELLO" {
		t.Errorf("loud = %v, want HELLO", result.Outputs["loud"])
	}
}

func TestRun_InvokeFlow(t *testing.T) {
	sem := compileApp(t, `
id: nested
flows:
  - id: inner
    variables:
      - id: inner_in
        type: text
      - id: inner_out
        type: text
    inputs: [inner_in]
    outputs: [inner_out]
    steps:
      - id: pass
        type: Echo
        inputs: [inner_in]
        outputs: [inner_out]
  - id: outer
    variables:
      - id: x
        type: text
      - id: y
        type: text
    inputs: [x]
    outputs: [y]
    steps:
      - id: call
        type: InvokeFlow
        flow: inner
        inputs: [x]
        input_bindings:
          - param: inner_in
            var: x
        output_bindings:
          - param: inner_out
            var: y
`)
	interp := New(sem, Config{})

	result, err := interp.Run(context.Background(), "outer", map[string]any{"x": "through"}, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Outputs["y"] != "through" {
		t.Errorf("y = %v, want through", result.Outputs["y"])
	}
}

func TestRun_ExplodeCollect(t *testing.T) {
	sem := compileApp(t, `
id: fan
flows:
  - id: main
    variables:
      - id: items
        type: list[text]
      - id: item
        type: text
      - id: gathered
        type: list[text]
    inputs: [items]
    outputs: [gathered]
    steps:
      - id: burst
        type: Explode
        inputs: [items]
        outputs: [item]
      - id: gather
        type: Collect
        inputs: [item]
        outputs: [gathered]
`)
	interp := New(sem, Config{})

	result, err := interp.Run(context.Background(), "main",
		map[string]any{"items": []any{"a", "b", "c"}}, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Messages) != 1 {
		t.Fatalf("messages = %d, want 1 after collect", len(result.Messages))
	}
	gathered, _ := result.Outputs["gathered"].([]any)
	if len(gathered) != 3 || gathered[0] != "a" || gathered[2] != "c" {
		t.Errorf("gathered = %v, want [a b c] in order", gathered)
	}
}

func TestRun_SQLSource(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "source.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("opening db: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE users (name TEXT, city TEXT)`); err != nil {
		t.Fatalf("creating table: %v", err)
	}
	for _, row := range [][2]string{{"Ada", "London"}, {"Grace", "Arlington"}, {"Alan", "Wilmslow"}} {
		if _, err := db.Exec(`INSERT INTO users (name, city) VALUES (?, ?)`, row[0], row[1]); err != nil {
			t.Fatalf("inserting row: %v", err)
		}
	}
	if err := db.Close(); err != nil {
		t.Fatalf("closing db: %v", err)
	}
	t.Setenv("QTYPE_TEST_DB", dbPath)

	sem := compileApp(t, `
id: sqlbatch
flows:
  - id: main
    variables:
      - id: name
        type: text
      - id: city
        type: text
      - id: gathered
        type: list[text]
    outputs: [gathered]
    steps:
      - id: rows
        type: SQLSource
        connection: sqlite://${QTYPE_TEST_DB}
        query: SELECT name, city FROM users ORDER BY name
        outputs: [name, city]
      - id: gather
        type: Collect
        inputs: [name]
        outputs: [gathered]
`)
	interp := New(sem, Config{})

	result, err := interp.Run(context.Background(), "main", nil, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	gathered, _ := result.Outputs["gathered"].([]any)
	if len(gathered) != 3 || gathered[0] != "Ada" || gathered[1] != "Alan" || gathered[2] != "Grace" {
		t.Errorf("gathered = %v, want names in query order", gathered)
	}
}

// shoutTool is a trivial native tool used by the InvokeTool test.
type shoutTool struct{}

func (shoutTool) Invoke(_ context.Context, inputs map[string]any) (map[string]any, error) {
	word, _ := inputs["word"].(string)
	return map[string]any{"loud": strings.ToUpper(word)}, nil
}

// scriptedProvider returns a fixed sequence of responses, one per
// Complete call, so tests can drive the agent's tool-call cycle.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*model.Response
	calls     [][]model.Message
}

func (p *scriptedProvider) Complete(ctx context.Context, messages []model.Message, params model.Params, tools []model.ToolSpec) (<-chan model.Delta, error) {
	p.mu.Lock()
	p.calls = append(p.calls, messages)
	var resp *model.Response
	if len(p.responses) > 0 {
		resp = p.responses[0]
		p.responses = p.responses[1:]
	} else {
		resp = &model.Response{Text: "done"}
	}
	p.mu.Unlock()

	ch := make(chan model.Delta, 2)
	if resp.Text != "" {
		ch <- model.Delta{TextDelta: resp.Text}
	}
	ch <- model.Delta{Done: true, Final: resp}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) Embed(ctx context.Context, texts []string, dims int) ([][]float64, error) {
	return nil, model.ErrUnsupportedOperation
}

const agentDoc = `
id: agentic
models:
  - id: gpt4
    type: generative
    provider: openai
tools:
  - id: weather
    type: native
    name: get_weather
    description: Look up the weather for a city
    module_path: internal
    function_name: get_weather
    inputs:
      - id: city
        type: text
    outputs:
      - id: forecast
        type: text
flows:
  - id: main
    variables:
      - id: question
        type: text
    inputs: [question]
    outputs: [assistant.response]
    steps:
      - id: assistant
        type: Agent
        model: gpt4
        tools: [weather]
        max_iterations: 3
        inputs: [question]
`

type weatherTool struct{}

func (weatherTool) Invoke(_ context.Context, inputs map[string]any) (map[string]any, error) {
	return map[string]any{"forecast": "sunny in " + fmt.Sprint(inputs["city"])}, nil
}

func TestRun_AgentToolLoop(t *testing.T) {
	sem := compileApp(t, agentDoc)
	provider := &scriptedProvider{responses: []*model.Response{
		{ToolCalls: []model.ToolCall{{ID: "call-1", Name: "get_weather", Arguments: map[string]any{"city": "Paris"}}}},
		{Text: "It is sunny in Paris."},
	}}
	rec := &eventRecorder{}
	interp := New(sem, Config{
		Providers:   map[string]model.Provider{"openai": provider},
		NativeTools: tool.NativeRegistry{"get_weather": weatherTool{}},
		Events:      rec.handle,
	})

	result, err := interp.Run(context.Background(), "main",
		map[string]any{"question": "Weather in Paris?"}, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	response, _ := result.Outputs["assistant.response"].(string)
	if !strings.Contains(response, "sunny") {
		t.Errorf("response = %q, want the tool-informed answer", response)
	}

	// The second model call must carry the tool result back.
	if len(provider.calls) != 2 {
		t.Fatalf("model calls = %d, want 2", len(provider.calls))
	}
	second := provider.calls[1]
	sawToolResult := false
	for _, m := range second {
		if m.Role == model.RoleTool && strings.Contains(m.Content, "sunny in Paris") {
			sawToolResult = true
		}
	}
	if !sawToolResult {
		t.Error("second model call missing the tool result message")
	}

	for _, kind := range []EventKind{EventToolInputStart, EventToolInputEnd, EventToolOutputAvailable} {
		if rec.count(kind) != 1 {
			t.Errorf("%s events = %d, want 1", kind, rec.count(kind))
		}
	}
}

func TestRun_AgentLoopExhausted(t *testing.T) {
	sem := compileApp(t, agentDoc)
	// The model asks for a tool on every turn and never finishes.
	endless := make([]*model.Response, 5)
	for i := range endless {
		endless[i] = &model.Response{ToolCalls: []model.ToolCall{{ID: fmt.Sprintf("call-%d", i), Name: "get_weather", Arguments: map[string]any{"city": "Paris"}}}}
	}
	interp := New(sem, Config{
		Providers:   map[string]model.Provider{"openai": &scriptedProvider{responses: endless}},
		NativeTools: tool.NativeRegistry{"get_weather": weatherTool{}},
	})

	_, err := interp.Run(context.Background(), "main",
		map[string]any{"question": "Weather?"}, RunOptions{})
	var rt *core.RuntimeError
	if !errors.As(err, &rt) {
		t.Fatalf("Run error = %v, want RuntimeError", err)
	}
	if rt.Code != core.RuntimeAgentLoopExhausted {
		t.Errorf("code = %q, want %q", rt.Code, core.RuntimeAgentLoopExhausted)
	}
}
