// Package checker enforces the document's semantic invariants against a
// parsed, linked dsl.Document and produces the immutable Semantic IR the
// interpreter executes against. Like the parser, it aggregates
// diagnostics rather than stopping at the first violation.
package checker

import (
	"fmt"
	"regexp"

	"github.com/bazaarvoice/qtype/core"
	"github.com/bazaarvoice/qtype/dsl"
	"github.com/bazaarvoice/qtype/ir"
	"github.com/bazaarvoice/qtype/linker"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)

// Check resolves doc via the linker, validates every semantic invariant
// against the result, and returns the Semantic IR alongside any
// diagnostics found. Diagnostics with error severity mean the IR is not
// safe to execute; callers must check diags.HasErrors().
func Check(doc *dsl.Document) (*ir.SemanticIR, core.Diagnostics) {
	var diags core.Diagnostics
	linked, linkDiags := linker.Link(doc)
	diags = append(diags, linkDiags...)

	app := doc.App
	checkDuplicateIDs(app, &diags)
	for _, f := range app.Flows {
		checkFlow(linked, f, &diags)
	}
	checkFlowRecursion(linked, app, &diags)

	return ir.New(app, linked), diags
}

// checkFlowRecursion rejects self-invocation and mutually-recursive
// InvokeFlow chains: the flow-invocation graph must be acyclic
// even though the per-flow step graphs already are.
func checkFlowRecursion(linked *linker.Linked, app *dsl.Application, diags *core.Diagnostics) {
	invokes := map[string][]string{}
	for _, f := range app.Flows {
		walkSteps(f.Steps, func(s dsl.Step) {
			inv, ok := s.(*dsl.InvokeFlow)
			if !ok {
				return
			}
			if sub, ok := linked.FlowOf[inv.Flow]; ok {
				invokes[f.ID] = append(invokes[f.ID], sub.ID)
			}
		})
	}

	const (
		visiting = 1
		done     = 2
	)
	state := map[string]int{}
	var visit func(id string) bool
	visit = func(id string) bool {
		switch state[id] {
		case visiting:
			return true
		case done:
			return false
		}
		state[id] = visiting
		for _, succ := range invokes[id] {
			if visit(succ) {
				return true
			}
		}
		state[id] = done
		return false
	}
	for _, f := range app.Flows {
		if state[f.ID] == 0 && visit(f.ID) {
			*diags = append(*diags, core.Diagnostic{
				Code: core.CheckerFlowCyclic, Severity: core.SeverityError,
				Message: fmt.Sprintf("flow %q participates in a recursive InvokeFlow chain", f.ID),
				Path:    "flows." + f.ID,
			})
		}
	}
}

func checkDuplicateIDs(app *dsl.Application, diags *core.Diagnostics) {
	seen := map[string]string{}
	add := func(id, path string) {
		if id == "" {
			return
		}
		if first, ok := seen[id]; ok {
			*diags = append(*diags, core.Diagnostic{
				Code: core.CheckerDuplicateID, Severity: core.SeverityError,
				Message: fmt.Sprintf("id %q is declared more than once (first at %s)", id, first),
				Path:    path,
			})
			return
		}
		seen[id] = path
	}
	for _, m := range app.Models {
		add(m.ID, "models."+m.ID)
	}
	for _, m := range app.Memories {
		add(m.ID, "memories."+m.ID)
	}
	for _, a := range app.Auths {
		add(a.ID, "auths."+a.ID)
	}
	for _, t := range app.Tools {
		add(t.ID, "tools."+t.ID)
	}
	for _, i := range app.Indexes {
		add(i.ID, "indexes."+i.ID)
	}
	for _, t := range app.Types {
		add(t.ID, "types."+t.ID)
	}
	for _, f := range app.Flows {
		add(f.ID, "flows."+f.ID)
	}
	for _, v := range app.Variables {
		add(v.ID, "variables."+v.ID)
	}

	for _, f := range app.Flows {
		fseen := map[string]string{}
		fadd := func(id, path string) {
			if id == "" {
				return
			}
			if first, ok := fseen[id]; ok {
				*diags = append(*diags, core.Diagnostic{
					Code: core.CheckerDuplicateID, Severity: core.SeverityError,
					Message: fmt.Sprintf("id %q is declared more than once in flow %q (first at %s)", id, f.ID, first),
					Path:    path,
				})
				return
			}
			fseen[id] = path
		}
		for _, v := range f.Variables {
			fadd(v.ID, "flows."+f.ID+".variables."+v.ID)
		}
		walkSteps(f.Steps, func(s dsl.Step) {
			fadd(s.Base().ID, "flows."+f.ID+".steps."+s.Base().ID)
		})
	}
}

// walkSteps visits every step reachable from steps, including those only
// reachable through an inline Condition branch.
func walkSteps(steps []dsl.Step, visit func(dsl.Step)) {
	for _, s := range steps {
		visit(s)
		if c, ok := s.(*dsl.Condition); ok {
			if c.Then != nil && c.Then.Inline != nil {
				walkSteps([]dsl.Step{c.Then.Inline}, visit)
			}
			if c.Else != nil && c.Else.Inline != nil {
				walkSteps([]dsl.Step{c.Else.Inline}, visit)
			}
		}
	}
}

func flattenSteps(steps []dsl.Step) []dsl.Step {
	var out []dsl.Step
	walkSteps(steps, func(s dsl.Step) { out = append(out, s) })
	return out
}

func checkFlow(linked *linker.Linked, f *dsl.Flow, diags *core.Diagnostics) {
	declared := map[string]*dsl.Variable{}
	for _, v := range f.Variables {
		declared[v.ID] = v
	}
	checkDeclared := func(ids []string, path string) {
		for _, id := range ids {
			if _, ok := declared[id]; !ok {
				*diags = append(*diags, core.Diagnostic{
					Code: core.CheckerUnproducedInput, Severity: core.SeverityError,
					Message: fmt.Sprintf("variable %q is not declared in flow %q", id, f.ID),
					Path:    path,
				})
			}
		}
	}
	checkDeclared(f.Inputs, "flows."+f.ID+".inputs")
	checkDeclared(f.Outputs, "flows."+f.ID+".outputs")
	checkDeclared(f.SessionInputs, "flows."+f.ID+".session_inputs")

	steps := flattenSteps(f.Steps)
	for _, s := range steps {
		checkDeclared(s.Base().Inputs, "flows."+f.ID+".steps."+s.Base().ID+".inputs")
		checkDeclared(s.Base().Outputs, "flows."+f.ID+".steps."+s.Base().ID+".outputs")
	}

	// producerOf: variable id -> producing step id, used for both the
	// dependency graph and the "producible anywhere in the flow" check.
	// "Produced by an earlier step" is a property of the derived topological
	// order, not of declaration order, so membership in this set plus an
	// acyclic graph together satisfy it (see checkAcyclic below).
	producerOf := map[string]string{}
	for _, s := range steps {
		for _, out := range s.Base().Outputs {
			producerOf[out] = s.Base().ID
		}
	}

	available := map[string]bool{}
	for _, id := range f.Inputs {
		available[id] = true
	}
	for _, id := range f.SessionInputs {
		available[id] = true
	}
	for id := range producerOf {
		available[id] = true
	}
	for _, s := range steps {
		if s.Base().Cardinality == dsl.CardinalitySource {
			continue
		}
		for _, in := range s.Base().Inputs {
			if !available[in] {
				*diags = append(*diags, core.Diagnostic{
					Code: core.CheckerUnproducedInput, Severity: core.SeverityError,
					Message: fmt.Sprintf("step %q input %q is not produced by any step or declared flow input", s.Base().ID, in),
					Path:    "flows." + f.ID + ".steps." + s.Base().ID + ".inputs",
				})
			}
		}
	}

	checkAcyclic(f, steps, producerOf, diags)
	checkReachability(f, steps, producerOf, diags)
	checkPromptTemplates(f, diags)
	checkInterface(f, declared, diags)
	checkEmbeddingDimensions(linked, f, steps, diags)
	checkConditionBranches(linked, f, steps, declared, diags)
	checkBindings(linked, f, steps, declared, diags)
}

// checkBindings applies type compatibility where
// it has observable effect: InvokeTool/InvokeFlow bindings pair a
// parameter of one declared shape (a Tool input/output, or a sub-Flow
// input/output) against a flow Variable of another. Direct step-to-step
// variable wiring shares a variable id (and therefore a type) by
// construction, so this is the one place producer and consumer types can
// genuinely diverge.
func checkBindings(linked *linker.Linked, f *dsl.Flow, steps []dsl.Step, declared map[string]*dsl.Variable, diags *core.Diagnostics) {
	checkPair := func(stepID, paramName string, paramType core.TypeRef, varID string, producerToConsumer bool, path string) {
		v, ok := declared[varID]
		if !ok {
			return // already reported as CheckerUnproducedInput
		}
		var producer, consumer core.TypeRef
		if producerToConsumer {
			producer, consumer = v.Type, paramType
		} else {
			producer, consumer = paramType, v.Type
		}
		if !typesCompatible(linked.Symbols, producer, consumer) {
			*diags = append(*diags, core.Diagnostic{
				Code: core.CheckerTypeMismatch, Severity: core.SeverityError,
				Message: fmt.Sprintf("step %q: parameter %q (%s) is not type-compatible with variable %q (%s)", stepID, paramName, paramType.String(), varID, v.Type.String()),
				Path:    path,
			})
		}
	}

	for _, s := range steps {
		switch v := s.(type) {
		case *dsl.InvokeTool:
			tool, ok := linked.ToolOf[v.Tool]
			if !ok {
				continue
			}
			byName := map[string]*dsl.Variable{}
			for _, in := range tool.Inputs {
				byName[in.ID] = in
			}
			for _, out := range tool.Outputs {
				byName[out.ID] = out
			}
			for _, b := range v.InputBindings {
				if p, ok := byName[b.Param]; ok {
					checkPair(v.ID, b.Param, p.Type, b.VarID, false, "flows."+f.ID+".steps."+v.ID+".input_bindings")
				}
			}
			for _, b := range v.OutputBindings {
				if p, ok := byName[b.Param]; ok {
					checkPair(v.ID, b.Param, p.Type, b.VarID, true, "flows."+f.ID+".steps."+v.ID+".output_bindings")
				}
			}
		case *dsl.InvokeFlow:
			sub, ok := linked.FlowOf[v.Flow]
			if !ok {
				continue
			}
			subVars := map[string]*dsl.Variable{}
			for _, sv := range sub.Variables {
				subVars[sv.ID] = sv
			}
			for _, b := range v.InputBindings {
				if p, ok := subVars[b.Param]; ok {
					checkPair(v.ID, b.Param, p.Type, b.VarID, false, "flows."+f.ID+".steps."+v.ID+".input_bindings")
				}
			}
			for _, b := range v.OutputBindings {
				if p, ok := subVars[b.Param]; ok {
					checkPair(v.ID, b.Param, p.Type, b.VarID, true, "flows."+f.ID+".steps."+v.ID+".output_bindings")
				}
			}
		}
	}
}

// typesCompatible decides producer/consumer assignability: identical
// primitives, structurally-assignable custom types (every consumer field
// exists on the producer with a compatible type), compatible list
// element types, or a non-optional producer feeding an optional consumer.
func typesCompatible(st *linker.SymbolTable, producer, consumer core.TypeRef) bool {
	return typeAssignable(st, producer, consumer, map[string]bool{})
}

func typeAssignable(st *linker.SymbolTable, p, c core.TypeRef, seen map[string]bool) bool {
	if !(c.Optional && !p.Optional) && p.Optional != c.Optional {
		return false
	}
	switch c.Form {
	case core.FormPrimitive:
		return p.Form == core.FormPrimitive && p.Primitive == c.Primitive
	case core.FormList:
		if p.Form != core.FormList || p.Elem == nil || c.Elem == nil {
			return false
		}
		return typeAssignable(st, *p.Elem, *c.Elem, seen)
	case core.FormCustom:
		if p.Form != core.FormCustom {
			return false
		}
		if p.CustomID == c.CustomID {
			return true
		}
		key := p.CustomID + "=>" + c.CustomID
		if seen[key] {
			return true
		}
		seen[key] = true
		pt, pok := st.Types[p.CustomID]
		ct, cok := st.Types[c.CustomID]
		if !pok || !cok || pt.Kind != ct.Kind {
			return false
		}
		if pt.Kind == dsl.CustomArray {
			if pt.Elem == nil || ct.Elem == nil {
				return false
			}
			return typeAssignable(st, *pt.Elem, *ct.Elem, seen)
		}
		producerFields := map[string]core.TypeRef{}
		for _, field := range pt.Fields {
			producerFields[field.Name] = field.Type
		}
		for _, cf := range ct.Fields {
			pf, ok := producerFields[cf.Name]
			if !ok || !typeAssignable(st, pf, cf.Type, seen) {
				return false
			}
		}
		return true
	}
	return false
}

// checkAcyclic runs Kahn's algorithm over the step/variable dependency
// graph; steps left with a nonzero in-degree sit on a cycle.
func checkAcyclic(f *dsl.Flow, steps []dsl.Step, producerOf map[string]string, diags *core.Diagnostics) {
	inDegree := make(map[string]int, len(steps))
	successors := make(map[string][]string)
	for _, s := range steps {
		inDegree[s.Base().ID] = 0
	}
	for _, s := range steps {
		for _, in := range s.Base().Inputs {
			producer, ok := producerOf[in]
			if !ok || producer == s.Base().ID {
				continue
			}
			successors[producer] = append(successors[producer], s.Base().ID)
			inDegree[s.Base().ID]++
		}
	}

	queue := make([]string, 0, len(steps))
	for _, s := range steps {
		if inDegree[s.Base().ID] == 0 {
			queue = append(queue, s.Base().ID)
		}
	}
	visited := 0
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		visited++
		for _, succ := range successors[cur] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}
	if visited < len(steps) {
		var cyclic []string
		for _, s := range steps {
			if inDegree[s.Base().ID] > 0 {
				cyclic = append(cyclic, s.Base().ID)
			}
		}
		*diags = append(*diags, core.Diagnostic{
			Code: core.CheckerFlowCyclic, Severity: core.SeverityError,
			Message: fmt.Sprintf("flow %q has a cyclic step dependency: %v", f.ID, cyclic),
			Path:    "flows." + f.ID + ".steps",
		})
	}
}

// checkReachability warns (non-fatally) about steps whose inputs never
// trace back to a flow input, session input, or source step.
func checkReachability(f *dsl.Flow, steps []dsl.Step, producerOf map[string]string, diags *core.Diagnostics) {
	reachable := map[string]bool{}
	avail := map[string]bool{}
	for _, id := range f.Inputs {
		avail[id] = true
	}
	for _, id := range f.SessionInputs {
		avail[id] = true
	}
	changed := true
	for changed {
		changed = false
		for _, s := range steps {
			id := s.Base().ID
			if reachable[id] {
				continue
			}
			ready := s.Base().Cardinality == dsl.CardinalitySource
			if !ready {
				ready = true
				for _, in := range s.Base().Inputs {
					if !avail[in] {
						ready = false
						break
					}
				}
			}
			if ready {
				reachable[id] = true
				for _, out := range s.Base().Outputs {
					avail[out] = true
				}
				changed = true
			}
		}
	}
	for _, s := range steps {
		if !reachable[s.Base().ID] {
			*diags = append(*diags, core.Diagnostic{
				Code: core.CheckerStepUnreachable, Severity: core.SeverityWarning,
				Message: fmt.Sprintf("step %q in flow %q is unreachable from the flow's inputs", s.Base().ID, f.ID),
				Path:    "flows." + f.ID + ".steps." + s.Base().ID,
			})
		}
	}
}

func checkPromptTemplates(f *dsl.Flow, diags *core.Diagnostics) {
	walkSteps(f.Steps, func(s dsl.Step) {
		pt, ok := s.(*dsl.PromptTemplate)
		if !ok {
			return
		}
		inputs := map[string]bool{}
		for _, in := range pt.Inputs {
			inputs[in] = true
		}
		for _, m := range placeholderPattern.FindAllStringSubmatch(pt.Template, -1) {
			if !inputs[m[1]] {
				*diags = append(*diags, core.Diagnostic{
					Code: core.CheckerTemplatePlaceholder, Severity: core.SeverityError,
					Message: fmt.Sprintf("PromptTemplate %q references placeholder %q which is not one of its declared inputs", pt.ID, m[1]),
					Path:    "flows." + f.ID + ".steps." + pt.ID + ".template",
				})
			}
		}
	})
}

func checkInterface(f *dsl.Flow, declared map[string]*dsl.Variable, diags *core.Diagnostics) {
	if f.Interface != dsl.InterfaceConversational {
		return
	}
	isChatMessage := func(id string) bool {
		v, ok := declared[id]
		return ok && v.Type.Form == core.FormCustom && v.Type.CustomID == dsl.TypeChatMessage
	}
	hasChatInput := false
	for _, id := range f.Inputs {
		if isChatMessage(id) {
			hasChatInput = true
			break
		}
	}
	if !hasChatInput {
		*diags = append(*diags, core.Diagnostic{
			Code: core.CheckerInterfaceConstraint, Severity: core.SeverityError,
			Message: fmt.Sprintf("Conversational flow %q must declare at least one ChatMessage input", f.ID),
			Path:    "flows." + f.ID + ".inputs",
		})
	}
	if len(f.Outputs) != 1 || !isChatMessage(f.Outputs[0]) {
		*diags = append(*diags, core.Diagnostic{
			Code: core.CheckerInterfaceConstraint, Severity: core.SeverityError,
			Message: fmt.Sprintf("Conversational flow %q must declare exactly one ChatMessage output", f.ID),
			Path:    "flows." + f.ID + ".outputs",
		})
	}
}

// checkEmbeddingDimensions checks dimensionality at flow granularity: every
// vector index touched by a VectorSearch/IndexUpsert in the flow must
// agree in dimensionality with every explicit embedding model the flow
// also uses (typically a DocumentEmbedder feeding that same index).
// Tracing the exact producer/consumer path per reference is not done;
// a flow that legitimately mixes multiple unrelated vector pipelines
// would need per-path tracing this simplification does not attempt.
func checkEmbeddingDimensions(linked *linker.Linked, f *dsl.Flow, steps []dsl.Step, diags *core.Diagnostics) {
	var indexes []*dsl.Index
	var models []*dsl.Model
	for _, s := range steps {
		switch v := s.(type) {
		case *dsl.VectorSearch:
			if idx, ok := linked.IndexOf[v.Index]; ok && idx.Kind == dsl.IndexVector {
				indexes = append(indexes, idx)
			}
		case *dsl.IndexUpsert:
			if idx, ok := linked.IndexOf[v.Index]; ok && idx.Kind == dsl.IndexVector {
				indexes = append(indexes, idx)
			}
		case *dsl.DocumentEmbedder:
			if m, ok := linked.ModelOf[v.Model]; ok {
				models = append(models, m)
			}
		}
	}
	for _, idx := range indexes {
		embModel, ok := linked.ModelOf[idx.EmbeddingModel]
		if !ok {
			continue
		}
		for _, m := range models {
			if m.ID == embModel.ID {
				continue
			}
			if m.Dimensions != embModel.Dimensions {
				*diags = append(*diags, core.Diagnostic{
					Code: core.CheckerDimensionMismatch, Severity: core.SeverityError,
					Message: fmt.Sprintf("vector index %q embedding model %q (dimensions=%d) does not match embedding model %q (dimensions=%d) used in the same flow %q", idx.ID, embModel.ID, embModel.Dimensions, m.ID, m.Dimensions, f.ID),
					Path:    "flows." + f.ID,
				})
			}
		}
	}
}

// checkConditionBranches rejects branch-arity mismatches:
// mismatched output shape between Then and Else is an error,
// and a missing Else whose outputs are consumed downstream is a warning.
func checkConditionBranches(linked *linker.Linked, f *dsl.Flow, steps []dsl.Step, declared map[string]*dsl.Variable, diags *core.Diagnostics) {
	consumed := map[string]bool{}
	for _, s := range steps {
		for _, in := range s.Base().Inputs {
			consumed[in] = true
		}
	}
	for _, out := range f.Outputs {
		consumed[out] = true
	}

	for _, s := range steps {
		c, ok := s.(*dsl.Condition)
		if !ok {
			continue
		}
		path := "flows." + f.ID + ".steps." + c.ID

		thenStep, thenOK := linked.StepOf[c.Then]
		if !thenOK {
			continue // unresolved, already reported by the linker
		}
		if c.Else == nil {
			hasConsumer := false
			for _, out := range thenStep.Base().Outputs {
				if consumed[out] {
					hasConsumer = true
					break
				}
			}
			if hasConsumer {
				*diags = append(*diags, core.Diagnostic{
					Code: core.CheckerConditionBranchArity, Severity: core.SeverityWarning,
					Message: fmt.Sprintf("Condition %q has no else branch but then-branch %q's outputs are consumed; the else path will produce nothing", c.ID, thenStep.Base().ID),
					Path:    path,
				})
			}
			continue
		}
		elseStep, elseOK := linked.StepOf[c.Else]
		if !elseOK {
			continue
		}
		if !sameShape(thenStep.Base().Outputs, elseStep.Base().Outputs, declared) {
			*diags = append(*diags, core.Diagnostic{
				Code: core.CheckerConditionBranchArity, Severity: core.SeverityError,
				Message: fmt.Sprintf("Condition %q: then-branch %q and else-branch %q produce incompatible output shapes", c.ID, thenStep.Base().ID, elseStep.Base().ID),
				Path:    path,
			})
		}
	}
}

func sameShape(a, b []string, declared map[string]*dsl.Variable) bool {
	if len(a) != len(b) {
		return false
	}
	bSet := map[string]*dsl.Variable{}
	for _, id := range b {
		bSet[id] = declared[id]
	}
	for _, id := range a {
		av, aok := declared[id]
		bv, bok := bSet[id]
		if !aok || !bok {
			return false
		}
		if aok && bok && av != nil && bv != nil && av.Type.String() != bv.Type.String() {
			return false
		}
	}
	return true
}
