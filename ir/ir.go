// Package ir holds the Semantic IR the Checker produces once a Document
// has passed every semantic invariant: an immutable, fully linked view
// of the application that the Interpreter executes against. SemanticIR
// exposes no setters; it is built once, by checker.Check, and handed to
// the interpreter read-only.
package ir

import (
	"github.com/bazaarvoice/qtype/dsl"
	"github.com/bazaarvoice/qtype/linker"
)

// SemanticIR is the checked, linked application: every reference slot
// resolves to a concrete entity and every declared invariant holds. It
// wraps the already-immutable dsl/linker structures rather than
// re-declaring parallel types for each of the 20+ step variants — the
// checker's job is to prove the wrapped data is internally consistent,
// not to re-shape it.
type SemanticIR struct {
	app    *dsl.Application
	linked *linker.Linked
}

// New constructs a SemanticIR. Only checker.Check should call this: it is
// exported so the checker package (which cannot import itself) can build
// one, not so callers can bypass validation.
func New(app *dsl.Application, linked *linker.Linked) *SemanticIR {
	return &SemanticIR{app: app, linked: linked}
}

func (s *SemanticIR) Application() *dsl.Application { return s.app }

func (s *SemanticIR) Flows() []*dsl.Flow { return s.app.Flows }

func (s *SemanticIR) Flow(id string) (*dsl.Flow, bool) {
	f, ok := s.linked.Symbols.Flows[id]
	return f, ok
}

func (s *SemanticIR) StepsOf(flowID string) map[string]dsl.Step {
	return s.linked.StepsByFlow[flowID]
}

func (s *SemanticIR) Model(ref *dsl.Ref) (*dsl.Model, bool) {
	if ref == nil {
		return nil, false
	}
	m, ok := s.linked.ModelOf[ref]
	return m, ok
}

func (s *SemanticIR) Memory(ref *dsl.Ref) (*dsl.Memory, bool) {
	if ref == nil {
		return nil, false
	}
	m, ok := s.linked.MemoryOf[ref]
	return m, ok
}

func (s *SemanticIR) Auth(ref *dsl.Ref) (*dsl.AuthorizationProvider, bool) {
	if ref == nil {
		return nil, false
	}
	a, ok := s.linked.AuthOf[ref]
	return a, ok
}

func (s *SemanticIR) Tool(ref *dsl.Ref) (*dsl.Tool, bool) {
	if ref == nil {
		return nil, false
	}
	t, ok := s.linked.ToolOf[ref]
	return t, ok
}

func (s *SemanticIR) Index(ref *dsl.Ref) (*dsl.Index, bool) {
	if ref == nil {
		return nil, false
	}
	i, ok := s.linked.IndexOf[ref]
	return i, ok
}

func (s *SemanticIR) SubFlow(ref *dsl.Ref) (*dsl.Flow, bool) {
	if ref == nil {
		return nil, false
	}
	f, ok := s.linked.FlowOf[ref]
	return f, ok
}

func (s *SemanticIR) BranchStep(b *dsl.Branch) (dsl.Step, bool) {
	if b == nil {
		return nil, false
	}
	st, ok := s.linked.StepOf[b]
	return st, ok
}

func (s *SemanticIR) Type(id string) (*dsl.CustomType, bool) {
	t, ok := s.linked.Symbols.Types[id]
	return t, ok
}
