package checker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bazaarvoice/qtype/core"
	"github.com/bazaarvoice/qtype/dsl"
	"github.com/bazaarvoice/qtype/linker"
	"github.com/bazaarvoice/qtype/loader"
)

func checkDoc(t *testing.T, text string) core.Diagnostics {
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
	_, checkDiags := Check(doc)
	return checkDiags
}

func hasCode(diags core.Diagnostics, code string) bool {
	for _, d := range diags {
		if d.Code == code {
			return true
		}
	}
	return false
}

func TestCheck_ValidDocument(t *testing.T) {
	diags := checkDoc(t, `
models:
  - id: gpt4
    type: generative
    provider: openai
flows:
  - id: main
    variables:
      - id: q
        type: text
    inputs: [q]
    outputs: [ask.response]
    steps:
      - id: ask
        type: LLMInference
        model: gpt4
        inputs: [q]
`)
	if diags.HasErrors() {
		t.Fatalf("unexpected errors: %v", diags.Errors())
	}
}

func TestCheck_DuplicateIDs(t *testing.T) {
	diags := checkDoc(t, `
memories:
  - id: thing
models:
  - id: thing
    type: generative
    provider: openai
`)
	if !hasCode(diags, core.CheckerDuplicateID) {
		t.Errorf("diagnostics %v missing %s", diags, core.CheckerDuplicateID)
	}
}

func TestCheck_CyclicFlow(t *testing.T) {
	diags := checkDoc(t, `
flows:
  - id: main
    variables:
      - id: a
        type: text
      - id: b
        type: text
    steps:
      - id: first
        type: Echo
        inputs: [b]
        outputs: [a]
      - id: second
        type: Echo
        inputs: [a]
        outputs: [b]
`)
	if !hasCode(diags, core.CheckerFlowCyclic) {
		t.Errorf("diagnostics %v missing %s", diags, core.CheckerFlowCyclic)
	}
}

func TestCheck_RecursiveInvokeFlow(t *testing.T) {
	diags := checkDoc(t, `
flows:
  - id: a
    variables:
      - id: x
        type: text
      - id: y
        type: text
    inputs: [x]
    outputs: [y]
    steps:
      - id: call_b
        type: InvokeFlow
        flow: b
        inputs: [x]
        input_bindings:
          - param: x
            var: x
        output_bindings:
          - param: y
            var: y
  - id: b
    variables:
      - id: x
        type: text
      - id: y
        type: text
    inputs: [x]
    outputs: [y]
    steps:
      - id: call_a
        type: InvokeFlow
        flow: a
        inputs: [x]
        input_bindings:
          - param: x
            var: x
        output_bindings:
          - param: y
            var: y
`)
	if !hasCode(diags, core.CheckerFlowCyclic) {
		t.Errorf("diagnostics %v missing %s for mutual recursion", diags, core.CheckerFlowCyclic)
	}
}

func TestCheck_UnproducedInput(t *testing.T) {
	diags := checkDoc(t, `
flows:
  - id: main
    variables:
      - id: q
        type: text
      - id: ghost
        type: text
    inputs: [q]
    steps:
      - id: first
        type: Echo
        inputs: [ghost]
        outputs: [q]
`)
	if !hasCode(diags, core.CheckerUnproducedInput) {
		t.Errorf("diagnostics %v missing %s", diags, core.CheckerUnproducedInput)
	}
}

func TestCheck_UndeclaredVariable(t *testing.T) {
	diags := checkDoc(t, `
flows:
  - id: main
    inputs: [mystery]
`)
	if !hasCode(diags, core.CheckerUnproducedInput) {
		t.Errorf("diagnostics %v missing %s", diags, core.CheckerUnproducedInput)
	}
}

func TestCheck_TemplatePlaceholder(t *testing.T) {
	diags := checkDoc(t, `
flows:
  - id: main
    variables:
      - id: text_in
        type: text
    inputs: [text_in]
    steps:
      - id: render
        type: PromptTemplate
        template: "Hello {{nope}}"
        inputs: [text_in]
`)
	if !hasCode(diags, core.CheckerTemplatePlaceholder) {
		t.Errorf("diagnostics %v missing %s", diags, core.CheckerTemplatePlaceholder)
	}
}

func TestCheck_ConversationalConstraints(t *testing.T) {
	// A conversational flow without a ChatMessage input must fail.
	diags := checkDoc(t, `
models:
  - id: gpt4
    type: generative
    provider: openai
flows:
  - id: chat
    interface: Conversational
    variables:
      - id: q
        type: text
      - id: reply
        type: ChatMessage
    inputs: [q]
    outputs: [reply]
    steps:
      - id: ask
        type: LLMInference
        model: gpt4
        inputs: [q]
        outputs: [reply]
`)
	if !hasCode(diags, core.CheckerInterfaceConstraint) {
		t.Errorf("diagnostics %v missing %s", diags, core.CheckerInterfaceConstraint)
	}

	// Fixing the input type satisfies the constraint.
	diags = checkDoc(t, `
models:
  - id: gpt4
    type: generative
    provider: openai
flows:
  - id: chat
    interface: Conversational
    variables:
      - id: q
        type: ChatMessage
      - id: reply
        type: ChatMessage
    inputs: [q]
    outputs: [reply]
    steps:
      - id: ask
        type: LLMInference
        model: gpt4
        inputs: [q]
        outputs: [reply]
`)
	if diags.HasErrors() {
		t.Errorf("unexpected errors: %v", diags.Errors())
	}
}

func TestCheck_EmbeddingDimensionMismatch(t *testing.T) {
	diags := checkDoc(t, `
models:
  - id: small
    type: embedding
    provider: openai
    dimensions: 256
  - id: large
    type: embedding
    provider: openai
    dimensions: 1024
indexes:
  - id: kb
    type: vector
    name: kb
    embedding_model: small
flows:
  - id: ingest
    variables:
      - id: chunk
        type: RAGChunk
      - id: emb
        type: Embedding
      - id: ack
        type: text
    inputs: [chunk]
    outputs: [ack]
    steps:
      - id: embed
        type: DocumentEmbedder
        model: large
        inputs: [chunk]
        outputs: [emb]
      - id: upsert
        type: IndexUpsert
        index: kb
        inputs: [emb]
        outputs: [ack]
`)
	if !hasCode(diags, core.CheckerDimensionMismatch) {
		t.Errorf("diagnostics %v missing %s", diags, core.CheckerDimensionMismatch)
	}
}

func TestCheck_ConditionBranchArity(t *testing.T) {
	diags := checkDoc(t, `
flows:
  - id: main
    variables:
      - id: x
        type: text
      - id: mode
        type: text
      - id: a
        type: text
      - id: b
        type: text
    inputs: [x, mode]
    steps:
      - id: route
        type: Condition
        equals: mode
        inputs: [x]
        then: left
        else: right
      - id: left
        type: Echo
        inputs: [x]
        outputs: [a]
      - id: right
        type: Echo
        inputs: [x]
        outputs: [b]
`)
	if !hasCode(diags, core.CheckerConditionBranchArity) {
		t.Errorf("diagnostics %v missing %s", diags, core.CheckerConditionBranchArity)
	}
}

func TestCheck_UnreachableWarning(t *testing.T) {
	// A step that only feeds itself is producible on paper but never
	// reachable from the flow's inputs.
	diags := checkDoc(t, `
flows:
  - id: main
    variables:
      - id: q
        type: text
      - id: echoed
        type: text
      - id: loop
        type: text
    inputs: [q]
    outputs: [echoed]
    steps:
      - id: echo_q
        type: Echo
        inputs: [q]
        outputs: [echoed]
      - id: orphan
        type: Echo
        inputs: [loop]
        outputs: [loop]
`)
	if diags.HasErrors() {
		t.Fatalf("unexpected errors: %v", diags.Errors())
	}
	warned := false
	for _, d := range diags.Warnings() {
		if d.Code == core.CheckerStepUnreachable {
			warned = true
		}
	}
	if !warned {
		t.Errorf("diagnostics %v missing %s warning", diags, core.CheckerStepUnreachable)
	}
}

func TestTypeCompatibility(t *testing.T) {
	text := core.TypeRef{Form: core.FormPrimitive, Primitive: core.KindText}
	optText := text
	optText.Optional = true
	intT := core.TypeRef{Form: core.FormPrimitive, Primitive: core.KindInt}
	listText := core.TypeRef{Form: core.FormList, Elem: &text}

	doc := &dsl.Document{App: &dsl.Application{
		Types: append(dsl.BuiltinTypes(),
			&dsl.CustomType{ID: "Person", Kind: dsl.CustomObject, Fields: []dsl.Field{
				{Name: "name", Type: text},
				{Name: "age", Type: intT},
			}},
			&dsl.CustomType{ID: "NamedThing", Kind: dsl.CustomObject, Fields: []dsl.Field{
				{Name: "name", Type: text},
			}},
		),
	}}
	linked, linkDiags := linker.Link(doc)
	if linkDiags.HasErrors() {
		t.Fatalf("link errors: %v", linkDiags.Errors())
	}
	st := linked.Symbols

	person := core.TypeRef{Form: core.FormCustom, CustomID: "Person"}
	named := core.TypeRef{Form: core.FormCustom, CustomID: "NamedThing"}

	tests := []struct {
		name     string
		producer core.TypeRef
		consumer core.TypeRef
		want     bool
	}{
		{"same primitive", text, text, true},
		{"different primitive", text, intT, false},
		{"non-optional into optional", text, optText, true},
		{"optional into non-optional", optText, text, false},
		{"list of compatible", listText, listText, true},
		{"list into scalar", listText, text, false},
		{"same custom", person, person, true},
		{"structural widening", person, named, true},
		{"structural narrowing", named, person, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := typesCompatible(st, tt.producer, tt.consumer); got != tt.want {
				t.Errorf("typesCompatible(%s, %s) = %v, want %v", tt.producer.String(), tt.consumer.String(), got, tt.want)
			}
		})
	}
}
