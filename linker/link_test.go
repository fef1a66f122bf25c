package linker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bazaarvoice/qtype/core"
	"github.com/bazaarvoice/qtype/dsl"
	"github.com/bazaarvoice/qtype/loader"
)

func linkDoc(t *testing.T, text string) (*Linked, core.Diagnostics) {
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
	return Link(doc)
}

func TestLink_Resolves(t *testing.T) {
	linked, diags := linkDoc(t, `
memories:
  - id: mem
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
    steps:
      - id: ask
        type: LLMInference
        model: gpt4
        memory: mem
        inputs: [q]
`)
	if diags.HasErrors() {
		t.Fatalf("unexpected errors: %v", diags.Errors())
	}
	llm := linked.StepsByFlow["main"]["ask"].(*dsl.LLMInference)
	m, ok := linked.ModelOf[llm.Model]
	if !ok || m.ID != "gpt4" {
		t.Errorf("model resolution = %+v, %v", m, ok)
	}
	mem, ok := linked.MemoryOf[llm.Memory]
	if !ok || mem.ID != "mem" {
		t.Errorf("memory resolution = %+v, %v", mem, ok)
	}
}

func TestLink_Unresolved(t *testing.T) {
	_, diags := linkDoc(t, `
flows:
  - id: main
    steps:
      - id: ask
        type: LLMInference
        model: missing_model
`)
	if !hasCode(diags, core.LinkRefUnresolved) {
		t.Errorf("diagnostics %v missing %s", diags, core.LinkRefUnresolved)
	}
}

func TestLink_KindMismatch(t *testing.T) {
	_, diags := linkDoc(t, `
memories:
  - id: mem
flows:
  - id: main
    steps:
      - id: ask
        type: LLMInference
        model: mem
`)
	if !hasCode(diags, core.LinkRefKindMismatch) {
		t.Errorf("diagnostics %v missing %s", diags, core.LinkRefKindMismatch)
	}
}

func TestLink_ConditionBranches(t *testing.T) {
	linked, diags := linkDoc(t, `
flows:
  - id: main
    variables:
      - id: x
        type: text
      - id: mode
        type: text
      - id: out
        type: text
    inputs: [x, mode]
    steps:
      - id: route
        type: Condition
        equals: mode
        inputs: [x]
        then: upper
        else:
          id: fallback
          type: Echo
          inputs: [x]
          outputs: [out]
      - id: upper
        type: Echo
        inputs: [x]
        outputs: [out]
`)
	if diags.HasErrors() {
		t.Fatalf("unexpected errors: %v", diags.Errors())
	}
	cond := linked.StepsByFlow["main"]["route"].(*dsl.Condition)
	thenStep, ok := linked.StepOf[cond.Then]
	if !ok || thenStep.Base().ID != "upper" {
		t.Errorf("then branch resolved to %v, %v", thenStep, ok)
	}
	elseStep, ok := linked.StepOf[cond.Else]
	if !ok || elseStep.Base().ID != "fallback" {
		t.Errorf("else branch resolved to %v, %v", elseStep, ok)
	}
	if _, ok := linked.StepsByFlow["main"]["fallback"]; !ok {
		t.Error("inline branch step not indexed in StepsByFlow")
	}
}

func TestLink_SharedAuthCycleAllowed(t *testing.T) {
	// Entity-level reference sharing (two tools, one auth) is legal;
	// only step-graph cycles are rejected, and that happens in the
	// checker.
	linked, diags := linkDoc(t, `
auths:
  - id: key
    type: bearer
    token: sekret
tools:
  - id: t1
    type: api
    name: one
    endpoint: https://example.com/1
    auth: key
  - id: t2
    type: api
    name: two
    endpoint: https://example.com/2
    auth: key
`)
	if diags.HasErrors() {
		t.Fatalf("unexpected errors: %v", diags.Errors())
	}
	if len(linked.AuthOf) != 2 {
		t.Errorf("auth resolutions = %d, want 2", len(linked.AuthOf))
	}
}

func hasCode(diags core.Diagnostics, code string) bool {
	for _, d := range diags {
		if d.Code == code {
			return true
		}
	}
	return false
}
