package dsl

import (
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/bazaarvoice/qtype/core"
	"github.com/bazaarvoice/qtype/loader"
)

// nodeCtx threads the yaml.Node being parsed alongside the diagnostics
// sink and the document's source map, so every FieldInvalid/UnknownVariant
// diagnostic can carry a real (file, line, column).
type nodeCtx struct {
	sm    loader.SourceMap
	diags *core.Diagnostics
	app   *Application
}

func (c *nodeCtx) errorf(n *yaml.Node, code, path, format string, args ...any) {
	*c.diags = append(*c.diags, core.Diagnostic{
		Code:     code,
		Severity: core.SeverityError,
		Message:  fmt.Sprintf(format, args...),
		Path:     path,
		Location: c.sm.Locate(n),
	})
}

func (c *nodeCtx) warnf(n *yaml.Node, code, path, format string, args ...any) {
	*c.diags = append(*c.diags, core.Diagnostic{
		Code:     code,
		Severity: core.SeverityWarning,
		Message:  fmt.Sprintf(format, args...),
		Path:     path,
		Location: c.sm.Locate(n),
	})
}

// field looks up a key in a mapping node, returning nil if n is not a
// mapping or the key is absent.
func field(n *yaml.Node, key string) *yaml.Node {
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}

// fieldKeys returns every key present on a mapping node, in document order.
func fieldKeys(n *yaml.Node) []string {
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	keys := make([]string, 0, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		keys = append(keys, n.Content[i].Value)
	}
	return keys
}

func items(n *yaml.Node) []*yaml.Node {
	if n == nil || n.Kind != yaml.SequenceNode {
		return nil
	}
	return n.Content
}

func strVal(n *yaml.Node) string {
	if n == nil {
		return ""
	}
	return n.Value
}

func boolVal(n *yaml.Node) bool {
	if n == nil {
		return false
	}
	b, _ := strconv.ParseBool(n.Value)
	return b
}

func intVal(n *yaml.Node) int {
	if n == nil {
		return 0
	}
	i, _ := strconv.Atoi(n.Value)
	return i
}

func floatVal(n *yaml.Node) float64 {
	if n == nil {
		return 0
	}
	f, _ := strconv.ParseFloat(n.Value, 64)
	return f
}

func stringList(n *yaml.Node) []string {
	var out []string
	for _, it := range items(n) {
		out = append(out, strVal(it))
	}
	return out
}

// genericValue decodes a node into a generic any (map[string]any,
// []any, or scalar) for fields whose shape QType leaves open (tool
// config args, inference params, decoder schema payloads, ...).
func genericValue(n *yaml.Node) any {
	if n == nil {
		return nil
	}
	var v any
	_ = n.Decode(&v)
	return v
}

func genericMap(n *yaml.Node) map[string]any {
	v := genericValue(n)
	m, _ := v.(map[string]any)
	return m
}

// isPlainRefMap reports whether n is the explicit `{ ref: id }` form
// as opposed to an inline embedded entity.
func isPlainRefMap(n *yaml.Node) bool {
	if n == nil || n.Kind != yaml.MappingNode {
		return false
	}
	return field(n, "ref") != nil && len(fieldKeys(n)) == 1
}

// parseRef parses a reference slot in any of its three surface forms
//: a plain string, an explicit {ref: id} map, or an inline
// embedded entity (any mapping other than a single-key {ref: id} map).
// Inline entities reaching this generic
// path (one whose kind isn't one of Model/Tool/Index/Auth — see
// refModel/refTool/refIndex/refAuth) keep only their id; callers that
// expect a typed inline payload must use the kind-specific helper.
func parseRef(n *yaml.Node) *Ref {
	if n == nil {
		return nil
	}
	if n.Kind == yaml.ScalarNode {
		return &Ref{ID: n.Value}
	}
	if n.Kind == yaml.MappingNode {
		if isPlainRefMap(n) {
			return &Ref{ID: strVal(field(n, "ref"))}
		}
		// Inline embedded entity: the Ref carries the entity's own "id"
		// field, which is empty when the entity declares none.
		id := strVal(field(n, "id"))
		return &Ref{ID: id, Inline: true}
	}
	return nil
}

// refModel resolves a model reference slot, materializing and
// registering an inline Model definition into the application's symbol
// table when the slot embeds one rather than naming one.
// synth is the id assigned when the inline entity declares none.
func refModel(ctx *nodeCtx, n *yaml.Node, synth string) *Ref {
	if n == nil {
		return nil
	}
	if n.Kind == yaml.MappingNode && !isPlainRefMap(n) {
		m := parseModel(ctx, n)
		if m == nil {
			return nil
		}
		if m.ID == "" {
			m.ID = synth
		}
		ctx.app.Models = append(ctx.app.Models, m)
		return &Ref{ID: m.ID, Inline: true}
	}
	return parseRef(n)
}

// refTool is the Tool analogue of refModel.
func refTool(ctx *nodeCtx, n *yaml.Node, synth string) *Ref {
	if n == nil {
		return nil
	}
	if n.Kind == yaml.MappingNode && !isPlainRefMap(n) {
		t := parseTool(ctx, n)
		if t == nil {
			return nil
		}
		if t.ID == "" {
			t.ID = synth
		}
		ctx.app.Tools = append(ctx.app.Tools, t)
		return &Ref{ID: t.ID, Inline: true}
	}
	return parseRef(n)
}

// refIndex is the Index analogue of refModel.
func refIndex(ctx *nodeCtx, n *yaml.Node, synth string) *Ref {
	if n == nil {
		return nil
	}
	if n.Kind == yaml.MappingNode && !isPlainRefMap(n) {
		idx := parseIndex(ctx, n)
		if idx == nil {
			return nil
		}
		if idx.ID == "" {
			idx.ID = synth
		}
		ctx.app.Indexes = append(ctx.app.Indexes, idx)
		return &Ref{ID: idx.ID, Inline: true}
	}
	return parseRef(n)
}

// refAuth is the AuthorizationProvider analogue of refModel.
func refAuth(ctx *nodeCtx, n *yaml.Node, synth string) *Ref {
	if n == nil {
		return nil
	}
	if n.Kind == yaml.MappingNode && !isPlainRefMap(n) {
		a := parseAuth(ctx, n)
		if a == nil {
			return nil
		}
		if a.ID == "" {
			a.ID = synth
		}
		ctx.app.Auths = append(ctx.app.Auths, a)
		return &Ref{ID: a.ID, Inline: true}
	}
	return parseRef(n)
}
