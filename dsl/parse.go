package dsl

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/bazaarvoice/qtype/core"
	"github.com/bazaarvoice/qtype/loader"
)

// Parse converts a loaded RawTree into a typed Document. Field-level
// errors are aggregated rather than short-circuited: Parse always
// returns as complete a Document as it could build, plus every diagnostic
// found along the way. Callers must check diags.HasErrors() before handing
// the result to the linker.
func Parse(tree *loader.RawTree, sm loader.SourceMap) (*Document, core.Diagnostics) {
	var diags core.Diagnostics
	ctx := &nodeCtx{sm: sm, diags: &diags}

	root := tree.Root
	if root == nil || root.Kind != yaml.MappingNode {
		ctx.errorf(root, core.ParserFieldInvalid, "", "document root must be a mapping")
		return &Document{App: &Application{}}, diags
	}

	app := &Application{
		ID:    strVal(field(root, "id")),
		Types: BuiltinTypes(),
	}
	ctx.app = app

	for _, n := range items(field(root, "memories")) {
		app.Memories = append(app.Memories, parseMemory(ctx, n))
	}
	for _, n := range items(field(root, "models")) {
		if m := parseModel(ctx, n); m != nil {
			app.Models = append(app.Models, m)
		}
	}
	for _, n := range items(field(root, "types")) {
		if t := parseCustomType(ctx, n); t != nil {
			app.Types = append(app.Types, t)
		}
	}
	for _, n := range items(field(root, "variables")) {
		app.Variables = append(app.Variables, parseVariable(ctx, n, "variables"))
	}
	for _, n := range items(field(root, "auths")) {
		if a := parseAuth(ctx, n); a != nil {
			app.Auths = append(app.Auths, a)
		}
	}
	for _, n := range items(field(root, "tools")) {
		if t := parseTool(ctx, n); t != nil {
			app.Tools = append(app.Tools, t)
		}
	}
	for _, n := range items(field(root, "indexes")) {
		if idx := parseIndex(ctx, n); idx != nil {
			app.Indexes = append(app.Indexes, idx)
		}
	}
	for _, n := range items(field(root, "telemetry")) {
		app.Telemetry = append(app.Telemetry, parseTelemetrySink(ctx, n))
	}
	for _, n := range items(field(root, "flows")) {
		app.Flows = append(app.Flows, parseFlow(ctx, n))
	}
	app.References = stringList(field(root, "references"))

	return &Document{App: app}, diags
}

func parseMemory(ctx *nodeCtx, n *yaml.Node) *Memory {
	m := &Memory{
		ID:                    strVal(field(n, "id")),
		TokenLimit:            DefaultTokenLimit,
		ChatHistoryTokenRatio: DefaultChatHistoryTokenRatio,
		TokenFlushSize:        DefaultTokenFlushSize,
	}
	if v := field(n, "token_limit"); v != nil {
		m.TokenLimit = intVal(v)
		if m.TokenLimit <= 0 {
			ctx.errorf(v, core.ParserFieldInvalid, "memories."+m.ID+".token_limit", "token_limit must be positive")
		}
	}
	if v := field(n, "chat_history_token_ratio"); v != nil {
		m.ChatHistoryTokenRatio = floatVal(v)
		if m.ChatHistoryTokenRatio <= 0 || m.ChatHistoryTokenRatio > 1 {
			ctx.errorf(v, core.ParserFieldInvalid, "memories."+m.ID+".chat_history_token_ratio", "chat_history_token_ratio must be in (0, 1]")
		}
	}
	if v := field(n, "token_flush_size"); v != nil {
		m.TokenFlushSize = intVal(v)
		if m.TokenFlushSize <= 0 {
			ctx.errorf(v, core.ParserFieldInvalid, "memories."+m.ID+".token_flush_size", "token_flush_size must be positive")
		}
	}
	return m
}

func parseModel(ctx *nodeCtx, n *yaml.Node) *Model {
	kind := strVal(field(n, "type"))
	id := strVal(field(n, "id"))
	m := &Model{
		ID:              id,
		Provider:        strVal(field(n, "provider")),
		ProviderModelID: strVal(field(n, "provider_model_id")),
		InferenceParams: genericMap(field(n, "inference_params")),
		Auth:            refAuth(ctx, field(n, "auth"), "models."+id+".auth"),
	}
	switch kind {
	case "", string(ModelGenerative):
		m.Kind = ModelGenerative
	case string(ModelEmbedding):
		m.Kind = ModelEmbedding
		m.Dimensions = intVal(field(n, "dimensions"))
		if m.Dimensions <= 0 {
			ctx.errorf(n, core.ParserFieldInvalid, "models."+id+".dimensions", "embedding model dimensions must be positive")
		}
	default:
		ctx.errorf(n, core.ParserUnknownVariant, "models."+id+".type", "unknown model variant %q", kind)
		return nil
	}
	return m
}

func parseCustomType(ctx *nodeCtx, n *yaml.Node) *CustomType {
	id := strVal(field(n, "id"))
	kind := strVal(field(n, "type"))
	ct := &CustomType{ID: id}
	switch kind {
	case "", string(CustomObject):
		ct.Kind = CustomObject
		for _, fn := range items(field(n, "fields")) {
			tr, err := ParseTypeRef(strVal(field(fn, "type")))
			if err != nil {
				ctx.errorf(fn, core.ParserFieldInvalid, "types."+id+".fields", "%v", err)
				continue
			}
			ct.Fields = append(ct.Fields, Field{Name: strVal(field(fn, "name")), Type: tr})
		}
	case string(CustomArray):
		ct.Kind = CustomArray
		tr, err := ParseTypeRef(strVal(field(n, "element")))
		if err != nil {
			ctx.errorf(n, core.ParserFieldInvalid, "types."+id+".element", "%v", err)
			return ct
		}
		ct.Elem = &tr
	default:
		ctx.errorf(n, core.ParserUnknownVariant, "types."+id+".type", "unknown custom type variant %q", kind)
		return nil
	}
	return ct
}

func parseVariable(ctx *nodeCtx, n *yaml.Node, pathPrefix string) *Variable {
	id := strVal(field(n, "id"))
	typeStr := strVal(field(n, "type"))
	tr, err := ParseTypeRef(typeStr)
	if err != nil {
		ctx.errorf(n, core.ParserFieldInvalid, pathPrefix+"."+id+".type", "%v", err)
	}
	optional := tr.Optional
	if v := field(n, "optional"); v != nil {
		optional = boolVal(v)
	}
	return &Variable{ID: id, Type: tr, Optional: optional, UIHint: strVal(field(n, "ui_hint"))}
}

func parseSecretField(n *yaml.Node) SecretField {
	if n == nil {
		return SecretField{}
	}
	if n.Kind == yaml.ScalarNode {
		return SecretField{Literal: n.Value}
	}
	return SecretField{Ref: &SecretReference{
		SecretName: strVal(field(n, "secret_name")),
		Key:        strVal(field(n, "key")),
	}}
}

func parseAuth(ctx *nodeCtx, n *yaml.Node) *AuthorizationProvider {
	id := strVal(field(n, "id"))
	kind := strVal(field(n, "type"))
	a := &AuthorizationProvider{ID: id, Kind: AuthKind(kind)}
	switch a.Kind {
	case AuthAPIKey:
		a.APIKey = parseSecretField(field(n, "api_key"))
		a.HeaderName = strVal(field(n, "header_name"))
		if a.HeaderName == "" {
			a.HeaderName = "X-Api-Key"
		}
	case AuthBearer:
		a.Token = parseSecretField(field(n, "token"))
	case AuthOAuth2:
		a.ClientID = parseSecretField(field(n, "client_id"))
		a.ClientSecret = parseSecretField(field(n, "client_secret"))
		a.TokenURL = strVal(field(n, "token_url"))
		a.Scopes = stringList(field(n, "scopes"))
	case AuthAWS:
		a.AccessKeyID = parseSecretField(field(n, "access_key_id"))
		a.SecretAccessKey = parseSecretField(field(n, "secret_access_key"))
		a.Region = strVal(field(n, "region"))
	default:
		ctx.errorf(n, core.ParserUnknownVariant, "auths."+id+".type", "unknown auth provider variant %q", kind)
		return nil
	}
	return a
}

func parseTool(ctx *nodeCtx, n *yaml.Node) *Tool {
	id := strVal(field(n, "id"))
	kind := strVal(field(n, "type"))
	t := &Tool{
		ID:          id,
		Name:        strVal(field(n, "name")),
		Description: strVal(field(n, "description")),
	}
	for _, vn := range items(field(n, "inputs")) {
		t.Inputs = append(t.Inputs, parseVariable(ctx, vn, "tools."+id+".inputs"))
	}
	for _, vn := range items(field(n, "outputs")) {
		t.Outputs = append(t.Outputs, parseVariable(ctx, vn, "tools."+id+".outputs"))
	}
	switch kind {
	case string(ToolAPI):
		t.Kind = ToolAPI
		t.Endpoint = strVal(field(n, "endpoint"))
		t.Method = strVal(field(n, "method"))
		if t.Method == "" {
			t.Method = "POST"
		}
		t.Headers = map[string]string{}
		for k, v := range genericMap(field(n, "headers")) {
			if s, ok := v.(string); ok {
				t.Headers[k] = s
			}
		}
		t.Auth = refAuth(ctx, field(n, "auth"), "tools."+id+".auth")
	case string(ToolNative):
		t.Kind = ToolNative
		t.ModulePath = strVal(field(n, "module_path"))
		t.FunctionName = strVal(field(n, "function_name"))
	default:
		ctx.errorf(n, core.ParserDiscriminatorMissing, "tools."+id+".type", "unknown or missing tool variant %q", kind)
		return nil
	}
	return t
}

func parseIndex(ctx *nodeCtx, n *yaml.Node) *Index {
	id := strVal(field(n, "id"))
	kind := strVal(field(n, "type"))
	idx := &Index{
		ID:   id,
		Name: strVal(field(n, "name")),
		Auth: refAuth(ctx, field(n, "auth"), "indexes."+id+".auth"),
		Args: genericMap(field(n, "args")),
	}
	switch kind {
	case string(IndexVector):
		idx.Kind = IndexVector
		idx.EmbeddingModel = refModel(ctx, field(n, "embedding_model"), "indexes."+id+".embedding_model")
		if idx.EmbeddingModel == nil {
			ctx.errorf(n, core.ParserFieldInvalid, "indexes."+id+".embedding_model", "vector index requires embedding_model")
		}
	case string(IndexDocument):
		idx.Kind = IndexDocument
	default:
		ctx.errorf(n, core.ParserDiscriminatorMissing, "indexes."+id+".type", "unknown or missing index variant %q", kind)
		return nil
	}
	return idx
}

func parseTelemetrySink(ctx *nodeCtx, n *yaml.Node) *TelemetrySink {
	id := strVal(field(n, "id"))
	return &TelemetrySink{
		ID:       id,
		Endpoint: strVal(field(n, "endpoint")),
		Auth:     refAuth(ctx, field(n, "auth"), "telemetry."+id+".auth"),
	}
}

func parseFlow(ctx *nodeCtx, n *yaml.Node) *Flow {
	id := strVal(field(n, "id"))
	f := &Flow{
		ID:          id,
		Description: strVal(field(n, "description")),
		Interface:   InterfaceComplete,
	}
	if v := strVal(field(n, "interface")); v != "" {
		f.Interface = FlowInterfaceKind(v)
		if f.Interface != InterfaceComplete && f.Interface != InterfaceConversational {
			ctx.errorf(n, core.ParserFieldInvalid, "flows."+id+".interface", "unknown flow interface %q", v)
		}
	}
	f.SessionInputs = stringList(field(n, "session_inputs"))
	for _, vn := range items(field(n, "variables")) {
		f.Variables = append(f.Variables, parseVariable(ctx, vn, "flows."+id+".variables"))
	}
	f.Inputs = stringList(field(n, "inputs"))
	f.Outputs = stringList(field(n, "outputs"))
	for _, sn := range items(field(n, "steps")) {
		if s := parseStep(ctx, sn, "flows."+id+".steps"); s != nil {
			f.Steps = append(f.Steps, s)
		}
	}
	declareAutoOutputs(f)
	return f
}

// declareAutoOutputs registers a flow variable for every synthesized
// `{id}.response`/`{id}.prompt`/`{id}.stats` output a step acquired via
// autoOutput, so downstream layers see them as ordinary declared
// variables.
func declareAutoOutputs(f *Flow) {
	declared := map[string]bool{}
	for _, v := range f.Variables {
		declared[v.ID] = true
	}
	text := core.TypeRef{Form: core.FormPrimitive, Primitive: core.KindText}
	stats := core.TypeRef{Form: core.FormCustom, CustomID: TypeAggregateStats}
	var walk func(steps []Step)
	walk = func(steps []Step) {
		for _, s := range steps {
			base := s.Base()
			for _, out := range base.Outputs {
				if declared[out] {
					continue
				}
				var tr core.TypeRef
				switch out {
				case base.ID + ".response", base.ID + ".prompt":
					tr = text
				case base.ID + ".stats":
					tr = stats
				default:
					continue
				}
				f.Variables = append(f.Variables, &Variable{ID: out, Type: tr})
				declared[out] = true
			}
			if c, ok := s.(*Condition); ok {
				if c.Then != nil && c.Then.Inline != nil {
					walk([]Step{c.Then.Inline})
				}
				if c.Else != nil && c.Else.Inline != nil {
					walk([]Step{c.Else.Inline})
				}
			}
		}
	}
	walk(f.Steps)
}

func parseStepBase(n *yaml.Node, cardinality Cardinality) StepBase {
	concurrency := 5
	if v := field(n, "concurrency"); v != nil {
		concurrency = intVal(v)
	}
	return StepBase{
		ID:          strVal(field(n, "id")),
		Inputs:      stringList(field(n, "inputs")),
		Outputs:     stringList(field(n, "outputs")),
		Cardinality: cardinality,
		Concurrency: concurrency,
		BatchSize:   intVal(field(n, "batch_size")),
	}
}

// autoOutput synthesizes a single `{id}.response`/`{id}.prompt`-style
// output variable id when the step declared none.
func autoOutput(base *StepBase, suffix string) {
	if len(base.Outputs) == 0 {
		base.Outputs = []string{base.ID + "." + suffix}
	}
}

func parseStep(ctx *nodeCtx, n *yaml.Node, pathPrefix string) Step {
	kind := strVal(field(n, "type"))
	id := strVal(field(n, "id"))
	path := fmt.Sprintf("%s.%s", pathPrefix, id)
	if kind == "" {
		ctx.errorf(n, core.ParserDiscriminatorMissing, path+".type", "step %q is missing its type discriminator", id)
		return nil
	}

	switch kind {
	case StepTypeLLMInference:
		s := &LLMInference{
			StepBase:      parseStepBase(n, CardinalityOneToOne),
			Model:         refModel(ctx, field(n, "model"), path+".model"),
			Memory:        parseRef(field(n, "memory")),
			SystemMessage: strVal(field(n, "system_message")),
		}
		autoOutput(&s.StepBase, "response")
		return s
	case StepTypeAgent:
		a := &Agent{
			LLMInference: LLMInference{
				StepBase:      parseStepBase(n, CardinalityOneToOne),
				Model:         refModel(ctx, field(n, "model"), path+".model"),
				Memory:        parseRef(field(n, "memory")),
				SystemMessage: strVal(field(n, "system_message")),
			},
			MaxIterations: AgentDefaultMaxIterations,
		}
		for i, tn := range items(field(n, "tools")) {
			a.Tools = append(a.Tools, refTool(ctx, tn, fmt.Sprintf("%s.tools[%d]", path, i)))
		}
		if v := field(n, "max_iterations"); v != nil {
			a.MaxIterations = intVal(v)
		}
		autoOutput(&a.StepBase, "response")
		return a
	case StepTypePromptTemplate:
		s := &PromptTemplate{
			StepBase: parseStepBase(n, CardinalityOneToOne),
			Template: strVal(field(n, "template")),
		}
		autoOutput(&s.StepBase, "prompt")
		if len(s.Outputs) != 1 {
			ctx.errorf(n, core.ParserFieldInvalid, path+".outputs", "PromptTemplate must declare exactly one output")
		}
		return s
	case StepTypeInvokeTool:
		return &InvokeTool{
			StepBase:       parseStepBase(n, CardinalityOneToOne),
			Tool:           refTool(ctx, field(n, "tool"), path+".tool"),
			InputBindings:  parseBindings(field(n, "input_bindings")),
			OutputBindings: parseBindings(field(n, "output_bindings")),
		}
	case StepTypeInvokeFlow:
		return &InvokeFlow{
			StepBase:       parseStepBase(n, CardinalityOneToOne),
			Flow:           parseRef(field(n, "flow")),
			InputBindings:  parseBindings(field(n, "input_bindings")),
			OutputBindings: parseBindings(field(n, "output_bindings")),
		}
	case StepTypeCondition:
		return &Condition{
			StepBase: parseStepBase(n, CardinalityOneToOne),
			Equals:   strVal(field(n, "equals")),
			Then:     parseBranch(ctx, field(n, "then"), path+".then"),
			Else:     parseBranch(ctx, field(n, "else"), path+".else"),
		}
	case StepTypeFileSource:
		return &FileSource{StepBase: parseStepBase(n, CardinalitySource), Path: strVal(field(n, "path"))}
	case StepTypeSQLSource:
		return &SQLSource{
			StepBase:   parseStepBase(n, CardinalitySource),
			Connection: strVal(field(n, "connection")),
			Query:      strVal(field(n, "query")),
			Auth:       refAuth(ctx, field(n, "auth"), path+".auth"),
		}
	case StepTypeDocumentSource:
		return &DocumentSource{
			StepBase:     parseStepBase(n, CardinalitySource),
			ReaderModule: strVal(field(n, "reader_module")),
			Args:         genericMap(field(n, "args")),
			LoaderArgs:   genericMap(field(n, "loader_args")),
		}
	case StepTypeDocumentSplitter:
		return &DocumentSplitter{
			StepBase:     parseStepBase(n, CardinalityOneToMany),
			SplitterName: strVal(field(n, "splitter_name")),
			ChunkSize:    intVal(field(n, "chunk_size")),
			ChunkOverlap: intVal(field(n, "chunk_overlap")),
		}
	case StepTypeDocumentEmbedder:
		return &DocumentEmbedder{StepBase: parseStepBase(n, CardinalityOneToOne), Model: refModel(ctx, field(n, "model"), path+".model")}
	case StepTypeVectorSearch:
		s := &VectorSearch{
			StepBase:    parseStepBase(n, CardinalityOneToOne),
			Index:       refIndex(ctx, field(n, "index"), path+".index"),
			DefaultTopK: intVal(field(n, "default_top_k")),
		}
		if v := field(n, "score_threshold"); v != nil {
			f := floatVal(v)
			s.ScoreThreshold = &f
		}
		return s
	case StepTypeDocumentSearch:
		return &DocumentSearch{
			StepBase:     parseStepBase(n, CardinalityOneToOne),
			Index:        refIndex(ctx, field(n, "index"), path+".index"),
			MaxResults:   intVal(field(n, "max_results")),
			SearchFields: stringList(field(n, "search_fields")),
			Filters:      genericMap(field(n, "filters")),
		}
	case StepTypeIndexUpsert:
		// Batched one-to-one: accumulates up to batch_size, issues one
		// upsert, then re-emits one message per input in input order.
		return &IndexUpsert{StepBase: parseStepBase(n, CardinalityOneToOne), Index: refIndex(ctx, field(n, "index"), path+".index")}
	case StepTypeReranker:
		return &Reranker{StepBase: parseStepBase(n, CardinalityOneToOne), Model: refModel(ctx, field(n, "model"), path+".model"), TopN: intVal(field(n, "top_n"))}
	case StepTypeAggregate:
		a := &Aggregate{StepBase: parseStepBase(n, CardinalityManyToOne)}
		autoOutput(&a.StepBase, "stats")
		reductions := genericMap(field(n, "reductions"))
		if len(reductions) > 0 {
			a.Reductions = map[string]string{}
			for k, v := range reductions {
				if s, ok := v.(string); ok {
					a.Reductions[k] = s
				}
			}
		}
		return a
	case StepTypeExplode:
		return &Explode{StepBase: parseStepBase(n, CardinalityOneToMany)}
	case StepTypeCollect:
		return &Collect{StepBase: parseStepBase(n, CardinalityManyToOne), BatchSizeOverride: intVal(field(n, "batch_size"))}
	case StepTypeFieldExtractor:
		return &FieldExtractor{StepBase: parseStepBase(n, CardinalityOneToOne), JSONPath: strVal(field(n, "json_path"))}
	case StepTypeConstruct:
		return &Construct{StepBase: parseStepBase(n, CardinalityOneToOne), TypeID: strVal(field(n, "type_id"))}
	case StepTypeDecoder:
		d := &Decoder{
			StepBase:   parseStepBase(n, CardinalityOneToOne),
			Format:     DecodeFormat(strVal(field(n, "format"))),
			Schema:     strVal(field(n, "schema")),
			StrictMode: boolVal(field(n, "strict_mode")),
			Fallback:   strVal(field(n, "fallback")),
			Pattern:    strVal(field(n, "pattern")),
			Delimiter:  strVal(field(n, "delimiter")),
			HasHeader:  boolVal(field(n, "has_header")),
		}
		switch d.Format {
		case DecodeJSON, DecodeXML, DecodeCSV, DecodeCustom:
		default:
			ctx.errorf(n, core.ParserFieldInvalid, path+".format", "unknown decoder format %q", d.Format)
		}
		return d
	case StepTypeEcho:
		return &Echo{StepBase: parseStepBase(n, CardinalityOneToOne)}
	default:
		ctx.errorf(n, core.ParserUnknownVariant, path+".type", "unknown step variant %q", kind)
		return nil
	}
}

func parseBindings(n *yaml.Node) []Binding {
	var out []Binding
	for _, bn := range items(n) {
		out = append(out, Binding{Param: strVal(field(bn, "param")), VarID: strVal(field(bn, "var"))})
	}
	return out
}

func parseBranch(ctx *nodeCtx, n *yaml.Node, path string) *Branch {
	if n == nil {
		return nil
	}
	if n.Kind == yaml.ScalarNode {
		return &Branch{StepID: n.Value}
	}
	return &Branch{Inline: parseStep(ctx, n, path)}
}
