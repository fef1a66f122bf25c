// Package linker resolves every reference slot in a parsed dsl.Document —
// string id, {ref: id} map, or inline embedded entity, all already
// normalized by the parser into *dsl.Ref — against the document's own
// symbol table, producing a fully pointer-linked view for the checker
//. Unresolved or kind-mismatched references are reported as
// aggregated diagnostics rather than the first one stopping resolution,
// matching the Parser's and Checker's own aggregate-don't-short-circuit
// style.
package linker

import (
	"fmt"

	"github.com/bazaarvoice/qtype/core"
	"github.com/bazaarvoice/qtype/dsl"
)

// SymbolTable indexes every top-level named entity in an Application by
// id, one table per entity kind.
type SymbolTable struct {
	Models   map[string]*dsl.Model
	Memories map[string]*dsl.Memory
	Auths    map[string]*dsl.AuthorizationProvider
	Tools    map[string]*dsl.Tool
	Indexes  map[string]*dsl.Index
	Types    map[string]*dsl.CustomType
	Flows    map[string]*dsl.Flow
}

// Linked carries the parsed Document alongside its SymbolTable and the
// per-reference resolution results, keyed by the *dsl.Ref pointer itself
// (the same pointer-identity-as-key idiom the loader uses for its
// SourceMap, reused here because QType's Ref values have no natural
// resolved-target field of their own).
type Linked struct {
	Doc     *dsl.Document
	Symbols *SymbolTable

	ModelOf map[*dsl.Ref]*dsl.Model
	MemoryOf map[*dsl.Ref]*dsl.Memory
	AuthOf  map[*dsl.Ref]*dsl.AuthorizationProvider
	ToolOf  map[*dsl.Ref]*dsl.Tool
	IndexOf map[*dsl.Ref]*dsl.Index
	FlowOf  map[*dsl.Ref]*dsl.Flow

	// StepOf resolves a Condition branch to the step it targets, whether
	// the branch named an existing step in the same flow or embedded one
	// inline.
	StepOf map[*dsl.Branch]dsl.Step

	// StepsByFlow gives each flow's own id->Step map, including steps
	// reachable only through an inline Condition branch. The checker
	// uses this for reachability and cardinality propagation.
	StepsByFlow map[string]map[string]dsl.Step
}

// Link resolves doc against itself and returns the linked view plus any
// RefUnresolved and RefKindMismatch diagnostics.
func Link(doc *dsl.Document) (*Linked, core.Diagnostics) {
	var diags core.Diagnostics
	app := doc.App

	st := &SymbolTable{
		Models:   map[string]*dsl.Model{},
		Memories: map[string]*dsl.Memory{},
		Auths:    map[string]*dsl.AuthorizationProvider{},
		Tools:    map[string]*dsl.Tool{},
		Indexes:  map[string]*dsl.Index{},
		Types:    map[string]*dsl.CustomType{},
		Flows:    map[string]*dsl.Flow{},
	}
	for _, m := range app.Models {
		st.Models[m.ID] = m
	}
	for _, m := range app.Memories {
		st.Memories[m.ID] = m
	}
	for _, a := range app.Auths {
		st.Auths[a.ID] = a
	}
	for _, t := range app.Tools {
		st.Tools[t.ID] = t
	}
	for _, i := range app.Indexes {
		st.Indexes[i.ID] = i
	}
	for _, t := range app.Types {
		st.Types[t.ID] = t
	}
	for _, f := range app.Flows {
		st.Flows[f.ID] = f
	}

	lk := &Linked{
		Doc:         doc,
		Symbols:     st,
		ModelOf:     map[*dsl.Ref]*dsl.Model{},
		MemoryOf:    map[*dsl.Ref]*dsl.Memory{},
		AuthOf:      map[*dsl.Ref]*dsl.AuthorizationProvider{},
		ToolOf:      map[*dsl.Ref]*dsl.Tool{},
		IndexOf:     map[*dsl.Ref]*dsl.Index{},
		FlowOf:      map[*dsl.Ref]*dsl.Flow{},
		StepOf:      map[*dsl.Branch]dsl.Step{},
		StepsByFlow: map[string]map[string]dsl.Step{},
	}

	// otherKind reports the entity kind id actually names, if it names
	// one at all — used to tell RefKindMismatch (wrong table) apart from
	// RefUnresolved (no such id anywhere).
	otherKind := func(id string) string {
		switch {
		case st.Models[id] != nil:
			return "model"
		case st.Memories[id] != nil:
			return "memory"
		case st.Auths[id] != nil:
			return "auth"
		case st.Tools[id] != nil:
			return "tool"
		case st.Indexes[id] != nil:
			return "index"
		case st.Types[id] != nil:
			return "type"
		case st.Flows[id] != nil:
			return "flow"
		default:
			return ""
		}
	}

	unresolved := func(kind, id, path string) {
		if other := otherKind(id); other != "" && other != kind {
			diags = append(diags, core.Diagnostic{
				Code:     core.LinkRefKindMismatch,
				Severity: core.SeverityError,
				Message:  fmt.Sprintf("reference %q is a %s, expected a %s", id, other, kind),
				Path:     path,
			})
			return
		}
		diags = append(diags, core.Diagnostic{
			Code:     core.LinkRefUnresolved,
			Severity: core.SeverityError,
			Message:  fmt.Sprintf("%s reference %q does not resolve to a declared entity", kind, id),
			Path:     path,
		})
	}

	resolveModel := func(ref *dsl.Ref, path string) {
		if ref == nil {
			return
		}
		if m, ok := st.Models[ref.ID]; ok {
			lk.ModelOf[ref] = m
		} else {
			unresolved("model", ref.ID, path)
		}
	}
	resolveMemory := func(ref *dsl.Ref, path string) {
		if ref == nil {
			return
		}
		if m, ok := st.Memories[ref.ID]; ok {
			lk.MemoryOf[ref] = m
		} else {
			unresolved("memory", ref.ID, path)
		}
	}
	resolveAuth := func(ref *dsl.Ref, path string) {
		if ref == nil {
			return
		}
		if a, ok := st.Auths[ref.ID]; ok {
			lk.AuthOf[ref] = a
		} else {
			unresolved("auth", ref.ID, path)
		}
	}
	resolveTool := func(ref *dsl.Ref, path string) {
		if ref == nil {
			return
		}
		if t, ok := st.Tools[ref.ID]; ok {
			lk.ToolOf[ref] = t
		} else {
			unresolved("tool", ref.ID, path)
		}
	}
	resolveIndex := func(ref *dsl.Ref, path string) {
		if ref == nil {
			return
		}
		if i, ok := st.Indexes[ref.ID]; ok {
			lk.IndexOf[ref] = i
		} else {
			unresolved("index", ref.ID, path)
		}
	}
	resolveFlow := func(ref *dsl.Ref, path string) {
		if ref == nil {
			return
		}
		if f, ok := st.Flows[ref.ID]; ok {
			lk.FlowOf[ref] = f
		} else {
			unresolved("flow", ref.ID, path)
		}
	}

	for _, m := range app.Models {
		resolveAuth(m.Auth, "models."+m.ID+".auth")
	}
	for _, i := range app.Indexes {
		resolveAuth(i.Auth, "indexes."+i.ID+".auth")
		if i.Kind == dsl.IndexVector {
			resolveModel(i.EmbeddingModel, "indexes."+i.ID+".embedding_model")
		}
	}
	for _, t := range app.Tools {
		if t.Kind == dsl.ToolAPI {
			resolveAuth(t.Auth, "tools."+t.ID+".auth")
		}
	}
	for _, ts := range app.Telemetry {
		resolveAuth(ts.Auth, "telemetry."+ts.ID+".auth")
	}

	for _, f := range app.Flows {
		stepsByID := map[string]dsl.Step{}
		var index func(steps []dsl.Step)
		index = func(steps []dsl.Step) {
			for _, s := range steps {
				stepsByID[s.Base().ID] = s
				if c, ok := s.(*dsl.Condition); ok {
					if c.Then != nil && c.Then.Inline != nil {
						index([]dsl.Step{c.Then.Inline})
					}
					if c.Else != nil && c.Else.Inline != nil {
						index([]dsl.Step{c.Else.Inline})
					}
				}
			}
		}
		index(f.Steps)
		lk.StepsByFlow[f.ID] = stepsByID

		resolveBranch := func(b *dsl.Branch, path string) {
			if b == nil {
				return
			}
			if b.Inline != nil {
				lk.StepOf[b] = b.Inline
				return
			}
			if s, ok := stepsByID[b.StepID]; ok {
				lk.StepOf[b] = s
			} else {
				unresolved("step", b.StepID, path)
			}
		}

		var walk func(steps []dsl.Step)
		walk = func(steps []dsl.Step) {
			for _, s := range steps {
				path := fmt.Sprintf("flows.%s.steps.%s", f.ID, s.Base().ID)
				switch v := s.(type) {
				case *dsl.Agent:
					resolveModel(v.Model, path+".model")
					resolveMemory(v.Memory, path+".memory")
					for _, tr := range v.Tools {
						resolveTool(tr, path+".tools")
					}
				case *dsl.LLMInference:
					resolveModel(v.Model, path+".model")
					resolveMemory(v.Memory, path+".memory")
				case *dsl.InvokeTool:
					resolveTool(v.Tool, path+".tool")
				case *dsl.InvokeFlow:
					resolveFlow(v.Flow, path+".flow")
				case *dsl.SQLSource:
					resolveAuth(v.Auth, path+".auth")
				case *dsl.DocumentEmbedder:
					resolveModel(v.Model, path+".model")
				case *dsl.VectorSearch:
					resolveIndex(v.Index, path+".index")
				case *dsl.DocumentSearch:
					resolveIndex(v.Index, path+".index")
				case *dsl.IndexUpsert:
					resolveIndex(v.Index, path+".index")
				case *dsl.Reranker:
					resolveModel(v.Model, path+".model")
				case *dsl.Condition:
					resolveBranch(v.Then, path+".then")
					resolveBranch(v.Else, path+".else")
					if v.Then != nil && v.Then.Inline != nil {
						walk([]dsl.Step{v.Then.Inline})
					}
					if v.Else != nil && v.Else.Inline != nil {
						walk([]dsl.Step{v.Else.Inline})
					}
				}
			}
		}
		walk(f.Steps)
	}

	return lk, diags
}
