package dsl

// Step type discriminator strings, matched 1:1 against the `type` key of
// a step entry in the document.
const (
	StepTypeLLMInference     = "LLMInference"
	StepTypeAgent            = "Agent"
	StepTypePromptTemplate   = "PromptTemplate"
	StepTypeInvokeTool       = "InvokeTool"
	StepTypeInvokeFlow       = "InvokeFlow"
	StepTypeCondition        = "Condition"
	StepTypeFileSource       = "FileSource"
	StepTypeSQLSource        = "SQLSource"
	StepTypeDocumentSource   = "DocumentSource"
	StepTypeDocumentSplitter = "DocumentSplitter"
	StepTypeDocumentEmbedder = "DocumentEmbedder"
	StepTypeVectorSearch     = "VectorSearch"
	StepTypeDocumentSearch   = "DocumentSearch"
	StepTypeIndexUpsert      = "IndexUpsert"
	StepTypeReranker         = "Reranker"
	StepTypeAggregate        = "Aggregate"
	StepTypeExplode          = "Explode"
	StepTypeCollect          = "Collect"
	StepTypeFieldExtractor   = "FieldExtractor"
	StepTypeConstruct        = "Construct"
	StepTypeDecoder          = "Decoder"
	StepTypeEcho             = "Echo"
)

// AgentDefaultMaxIterations is the default bound on an Agent's tool-call
// loop before it fails with AgentLoopExhausted.
const AgentDefaultMaxIterations = 8

// LLMInference issues a single model call.
type LLMInference struct {
	StepBase
	Model         *Ref
	Memory        *Ref // optional
	SystemMessage string
}

func (s *LLMInference) StepType() string { return StepTypeLLMInference }

// Agent extends LLMInference with tool access and an iteration bound.
type Agent struct {
	LLMInference
	Tools         []*Ref
	MaxIterations int
}

func (s *Agent) StepType() string { return StepTypeAgent }

// PromptTemplate performs placeholder substitution.
type PromptTemplate struct {
	StepBase
	Template string
}

func (s *PromptTemplate) StepType() string { return StepTypePromptTemplate }

// Binding maps a tool/flow parameter name to a flow variable id.
type Binding struct {
	Param string
	VarID string
}

// InvokeTool calls a Tool, binding its parameters from/to flow variables.
type InvokeTool struct {
	StepBase
	Tool            *Ref
	InputBindings   []Binding
	OutputBindings  []Binding
}

func (s *InvokeTool) StepType() string { return StepTypeInvokeTool }

// InvokeFlow drives a sub-flow to completion.
type InvokeFlow struct {
	StepBase
	Flow           *Ref
	InputBindings  []Binding
	OutputBindings []Binding
}

func (s *InvokeFlow) StepType() string { return StepTypeInvokeFlow }

// Branch is one arm of a Condition: either a reference to an existing step
// in the same flow, or an inline step definition.
type Branch struct {
	StepID string
	Inline Step
}

// Condition routes based on variable equality.
type Condition struct {
	StepBase
	Equals string // variable id
	Then   *Branch
	Else   *Branch // optional
}

func (s *Condition) StepType() string { return StepTypeCondition }

// FileSource emits one capsule per row of a delimited file.
type FileSource struct {
	StepBase
	Path string
}

func (s *FileSource) StepType() string { return StepTypeFileSource }

// SQLSource emits one capsule per row of a SQL query.
type SQLSource struct {
	StepBase
	Connection string
	Query      string
	Auth       *Ref
}

func (s *SQLSource) StepType() string { return StepTypeSQLSource }

// DocumentSource emits one capsule per loaded document.
type DocumentSource struct {
	StepBase
	ReaderModule string
	Args         map[string]any
	LoaderArgs   map[string]any
}

func (s *DocumentSource) StepType() string { return StepTypeDocumentSource }

// DocumentSplitter fans one document out into many chunks.
type DocumentSplitter struct {
	StepBase
	SplitterName  string
	ChunkSize     int
	ChunkOverlap  int
}

func (s *DocumentSplitter) StepType() string { return StepTypeDocumentSplitter }

// DocumentEmbedder embeds chunks via a Model.
type DocumentEmbedder struct {
	StepBase
	Model *Ref
}

func (s *DocumentEmbedder) StepType() string { return StepTypeDocumentEmbedder }

// VectorSearch queries a vector Index.
type VectorSearch struct {
	StepBase
	Index         *Ref
	DefaultTopK   int
	ScoreThreshold *float64
}

func (s *VectorSearch) StepType() string { return StepTypeVectorSearch }

// DocumentSearch queries a document Index.
type DocumentSearch struct {
	StepBase
	Index         *Ref
	MaxResults    int
	SearchFields  []string
	Filters       map[string]any
}

func (s *DocumentSearch) StepType() string { return StepTypeDocumentSearch }

// IndexUpsert writes items into an Index.
type IndexUpsert struct {
	StepBase
	Index *Ref
}

func (s *IndexUpsert) StepType() string { return StepTypeIndexUpsert }

// Reranker reorders search results via a Model.
type Reranker struct {
	StepBase
	Model *Ref
	TopN  int
}

func (s *Reranker) StepType() string { return StepTypeReranker }

// Aggregate fans a stream in into one capsule of AggregateStats plus
// optional named reductions.
type Aggregate struct {
	StepBase
	Reductions map[string]string // output var id -> reduction kind ("sum", "list", ...)
}

func (s *Aggregate) StepType() string { return StepTypeAggregate }

// Explode fans a list-typed input out into one message per element.
type Explode struct {
	StepBase
}

func (s *Explode) StepType() string { return StepTypeExplode }

// Collect fans a stream in into one message carrying a list variable.
type Collect struct {
	StepBase
	BatchSizeOverride int // 0 = until upstream completion
}

func (s *Collect) StepType() string { return StepTypeCollect }

// FieldExtractor projects a value out of a structured variable via a
// JSONPath-subset expression.
type FieldExtractor struct {
	StepBase
	JSONPath string
}

func (s *FieldExtractor) StepType() string { return StepTypeFieldExtractor }

// Construct builds a custom-typed value from named inputs.
type Construct struct {
	StepBase
	TypeID string
}

func (s *Construct) StepType() string { return StepTypeConstruct }

// DecodeFormat is the closed set of Decoder formats.
type DecodeFormat string

const (
	DecodeJSON   DecodeFormat = "json"
	DecodeXML    DecodeFormat = "xml"
	DecodeCSV    DecodeFormat = "csv"
	DecodeCustom DecodeFormat = "custom"
)

// Decoder parses a structured payload per Format.
type Decoder struct {
	StepBase
	Format     DecodeFormat
	Schema     string // custom type id, optional
	StrictMode bool
	Fallback   string // fallback value/behavior, format-specific
	Pattern    string // DecodeCustom: named regex capture groups
	Delimiter  string // DecodeCSV
	HasHeader  bool   // DecodeCSV
}

func (s *Decoder) StepType() string { return StepTypeDecoder }

// Echo forwards its inputs as outputs unchanged.
type Echo struct {
	StepBase
}

func (s *Echo) StepType() string { return StepTypeEcho }
