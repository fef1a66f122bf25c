package interpreter

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/bazaarvoice/qtype/core"
	"github.com/bazaarvoice/qtype/dsl"
)

// fieldExtractorExecutor projects a value out of a structured variable
// with a gjson path expression: dot traversal, bracket index, and
// #(field==value) filter queries. A leading "$." root marker is
// stripped; script expressions are not supported.
type fieldExtractorExecutor struct {
	env  *runEnv
	step *dsl.FieldExtractor
}

func newFieldExtractorExecutor(env *runEnv, _ *dsl.Flow, step dsl.Step) (Executor, error) {
	return &fieldExtractorExecutor{env: env, step: step.(*dsl.FieldExtractor)}, nil
}

func (e *fieldExtractorExecutor) Process(ctx context.Context, in <-chan *FlowMessage) <-chan *FlowMessage {
	return mapOrdered(ctx, e.env, e.step, in, e.extract)
}

func (e *fieldExtractorExecutor) extract(_ context.Context, msg *FlowMessage) (*FlowMessage, error) {
	v, _ := msg.Var(e.step.Inputs[0])
	var payload []byte
	switch t := v.(type) {
	case string:
		payload = []byte(t)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, &core.RuntimeError{Class: core.RuntimeMessageFailure, Code: core.RuntimeDecodeError, Message: "encoding extractor input: " + err.Error(), Cause: err}
		}
		payload = data
	}

	path := strings.TrimPrefix(e.step.JSONPath, "$.")
	res := gjson.GetBytes(payload, path)
	if !res.Exists() {
		return nil, &core.RuntimeError{
			Class: core.RuntimeMessageFailure, Code: core.RuntimeDecodeError,
			Message: fmt.Sprintf("path %q matched nothing", e.step.JSONPath),
		}
	}
	return msg.WithVar(e.step.Outputs[0], res.Value()), nil
}

// constructExecutor builds a custom-typed value from its named inputs,
// validating required fields against the type definition.
type constructExecutor struct {
	env  *runEnv
	step *dsl.Construct
}

func newConstructExecutor(env *runEnv, _ *dsl.Flow, step dsl.Step) (Executor, error) {
	return &constructExecutor{env: env, step: step.(*dsl.Construct)}, nil
}

func (e *constructExecutor) Process(ctx context.Context, in <-chan *FlowMessage) <-chan *FlowMessage {
	return mapOrdered(ctx, e.env, e.step, in, e.construct)
}

func (e *constructExecutor) construct(_ context.Context, msg *FlowMessage) (*FlowMessage, error) {
	value := map[string]any{}
	for _, in := range e.step.Inputs {
		if v, ok := msg.Var(in); ok {
			value[fieldName(in)] = v
		}
	}
	if ct, ok := e.env.interp.sem.Type(e.step.TypeID); ok && ct.Kind == dsl.CustomObject {
		for _, f := range ct.Fields {
			if f.Type.Optional {
				continue
			}
			if _, ok := value[f.Name]; !ok {
				return nil, &core.RuntimeError{
					Class: core.RuntimeMessageFailure, Code: core.RuntimeDecodeError,
					Message: fmt.Sprintf("constructing %s: required field %q has no input", e.step.TypeID, f.Name),
				}
			}
		}
	}
	return msg.WithVar(e.step.Outputs[0], value), nil
}

// fieldName maps an input variable id onto the constructed field name:
// a dotted id contributes its last segment, so `person.name` fills
// `name`.
func fieldName(varID string) string {
	if i := strings.LastIndex(varID, "."); i >= 0 {
		return varID[i+1:]
	}
	return varID
}

// decoderExecutor parses a text payload per the step's format.
type decoderExecutor struct {
	env     *runEnv
	step    *dsl.Decoder
	pattern *regexp.Regexp // DecodeCustom
}

func newDecoderExecutor(env *runEnv, _ *dsl.Flow, step dsl.Step) (Executor, error) {
	d := step.(*dsl.Decoder)
	e := &decoderExecutor{env: env, step: d}
	if d.Format == dsl.DecodeCustom {
		p, err := regexp.Compile(d.Pattern)
		if err != nil {
			return nil, fmt.Errorf("interpreter: decoder %q: compiling pattern: %w", d.ID, err)
		}
		e.pattern = p
	}
	return e, nil
}

func (e *decoderExecutor) Process(ctx context.Context, in <-chan *FlowMessage) <-chan *FlowMessage {
	return mapOrdered(ctx, e.env, e.step, in, e.decode)
}

func (e *decoderExecutor) decode(_ context.Context, msg *FlowMessage) (*FlowMessage, error) {
	v, _ := msg.Var(e.step.Inputs[0])
	text, ok := chatText(v)
	if !ok {
		text = stringify(v)
	}

	decoded, err := e.decodeText(text)
	if err != nil {
		if e.step.Fallback != "" {
			return msg.WithVar(e.step.Outputs[0], e.step.Fallback), nil
		}
		return nil, &core.RuntimeError{Class: core.RuntimeMessageFailure, Code: core.RuntimeDecodeError, Message: err.Error(), Cause: err}
	}
	return msg.WithVar(e.step.Outputs[0], decoded), nil
}

func (e *decoderExecutor) decodeText(text string) (any, error) {
	switch e.step.Format {
	case dsl.DecodeJSON:
		return e.decodeJSON(text)
	case dsl.DecodeXML:
		return decodeXML(text)
	case dsl.DecodeCSV:
		return e.decodeCSV(text)
	case dsl.DecodeCustom:
		return e.decodeRegex(text)
	default:
		return nil, fmt.Errorf("unknown decode format %q", e.step.Format)
	}
}

func (e *decoderExecutor) decodeJSON(text string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		if e.step.StrictMode {
			return nil, fmt.Errorf("decoding json: %w", err)
		}
		// Lenient mode allows partial extraction: take the first JSON
		// object embedded in surrounding prose, a shape LLM output
		// regularly takes.
		if start := strings.IndexAny(text, "{["); start >= 0 {
			dec := json.NewDecoder(strings.NewReader(text[start:]))
			if decErr := dec.Decode(&v); decErr == nil {
				return e.validateSchema(v, false)
			}
		}
		return nil, fmt.Errorf("decoding json: %w", err)
	}
	return e.validateSchema(v, e.step.StrictMode)
}

// validateSchema checks a decoded object against the step's schema type.
// Strict mode fails on any missing required field; lenient mode passes
// whatever decoded.
func (e *decoderExecutor) validateSchema(v any, strict bool) (any, error) {
	if e.step.Schema == "" || !strict {
		return v, nil
	}
	ct, ok := e.env.interp.sem.Type(e.step.Schema)
	if !ok || ct.Kind != dsl.CustomObject {
		return v, nil
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("decoded value is not a %s object", e.step.Schema)
	}
	for _, f := range ct.Fields {
		if f.Type.Optional {
			continue
		}
		if _, ok := obj[f.Name]; !ok {
			return nil, fmt.Errorf("decoded %s is missing required field %q", e.step.Schema, f.Name)
		}
	}
	return v, nil
}

func (e *decoderExecutor) decodeCSV(text string) (any, error) {
	r := csv.NewReader(strings.NewReader(text))
	if e.step.Delimiter != "" {
		r.Comma = rune(e.step.Delimiter[0])
	}
	var (
		header []string
		rows   []any
	)
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decoding csv: %w", err)
		}
		if e.step.HasHeader && header == nil {
			header = row
			continue
		}
		record := map[string]any{}
		for i, cell := range row {
			key := fmt.Sprintf("col%d", i)
			if header != nil && i < len(header) {
				key = header[i]
			}
			record[key] = cell
		}
		rows = append(rows, record)
	}
}

func (e *decoderExecutor) decodeRegex(text string) (any, error) {
	match := e.pattern.FindStringSubmatch(text)
	if match == nil {
		return nil, fmt.Errorf("pattern %q matched nothing", e.step.Pattern)
	}
	out := map[string]any{}
	for i, name := range e.pattern.SubexpNames() {
		if i == 0 || name == "" {
			continue
		}
		out[name] = match[i]
	}
	return out, nil
}

// decodeXML converts an XML document into nested maps: attributes and
// child elements become keys, repeated elements become lists, character
// data lands under "#text" (or becomes the element's value when it has
// no children).
func decodeXML(text string) (any, error) {
	dec := xml.NewDecoder(strings.NewReader(text))
	var root any
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decoding xml: %w", err)
		}
		if start, ok := tok.(xml.StartElement); ok {
			elem, err := decodeXMLElement(dec, start)
			if err != nil {
				return nil, err
			}
			root = map[string]any{start.Name.Local: elem}
			break
		}
	}
	if root == nil {
		return nil, fmt.Errorf("decoding xml: no root element")
	}
	return root, nil
}

func decodeXMLElement(dec *xml.Decoder, start xml.StartElement) (any, error) {
	children := map[string]any{}
	for _, attr := range start.Attr {
		children["@"+attr.Name.Local] = attr.Value
	}
	var text strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("decoding xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := decodeXMLElement(dec, t)
			if err != nil {
				return nil, err
			}
			name := t.Name.Local
			switch existing := children[name].(type) {
			case nil:
				children[name] = child
			case []any:
				children[name] = append(existing, child)
			default:
				children[name] = []any{existing, child}
			}
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			trimmed := strings.TrimSpace(text.String())
			if len(children) == 0 {
				return trimmed, nil
			}
			if trimmed != "" {
				children["#text"] = trimmed
			}
			return children, nil
		}
	}
}

// echoExecutor forwards its inputs as outputs unchanged.
type echoExecutor struct {
	env  *runEnv
	step *dsl.Echo
}

func newEchoExecutor(env *runEnv, _ *dsl.Flow, step dsl.Step) (Executor, error) {
	return &echoExecutor{env: env, step: step.(*dsl.Echo)}, nil
}

func (e *echoExecutor) Process(ctx context.Context, in <-chan *FlowMessage) <-chan *FlowMessage {
	return mapOrdered(ctx, e.env, e.step, in, e.echo)
}

func (e *echoExecutor) echo(_ context.Context, msg *FlowMessage) (*FlowMessage, error) {
	if len(e.step.Outputs) == 0 {
		return msg, nil
	}
	out := msg.Clone()
	for i, outVar := range e.step.Outputs {
		if i < len(e.step.Inputs) {
			if v, ok := msg.Var(e.step.Inputs[i]); ok {
				out.Variables[outVar] = v
			}
		}
	}
	return out, nil
}
