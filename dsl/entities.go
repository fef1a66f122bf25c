// Package dsl holds the typed, discriminated document model QType's Parser
// produces: Application and its entities (Variable, Model, Memory,
// AuthorizationProvider, Tool, Index, CustomType, TelemetrySink, Flow) and
// the closed set of Step variants. Reference slots are still
// unresolved strings/refs at this layer; the linker (package linker)
// resolves them into object pointers.
package dsl

import "github.com/bazaarvoice/qtype/core"

// Document is the root of a parsed QType file.
type Document struct {
	App *Application
}

// Application is the root container entity.
type Application struct {
	ID         string
	Memories   []*Memory
	Models     []*Model
	Types      []*CustomType
	Variables  []*Variable
	Flows      []*Flow
	Auths      []*AuthorizationProvider
	Tools      []*Tool
	Indexes    []*Index
	Telemetry  []*TelemetrySink
	References []string // paths to other QType documents, included but not inlined
}

// Variable is a typed, named slot carrying a single value.
type Variable struct {
	ID       string
	Type     core.TypeRef
	Optional bool
	UIHint   string
}

// Ref is a reference slot as accepted by the surface syntax: a
// plain string id, an explicit {ref: id} map, or an inline embedded
// entity. Inline records only whether the entity was embedded inline; a
// plain string and an explicit {ref: id} map produce identical Refs.
type Ref struct {
	ID     string // resolved or to-be-resolved target id
	Inline bool   // true if the entity was embedded inline rather than referenced
}

// MemoryDefaults are applied by the parser when a Memory entity omits a
// field.
const (
	DefaultTokenLimit            = 100000
	DefaultChatHistoryTokenRatio = 0.7
	DefaultTokenFlushSize        = 3000
)

// Memory is a per-session append-only chat-history store.
type Memory struct {
	ID                    string
	TokenLimit            int
	ChatHistoryTokenRatio float64
	TokenFlushSize        int
}

// ModelKind discriminates the two Model variants.
type ModelKind string

const (
	ModelGenerative ModelKind = "generative"
	ModelEmbedding  ModelKind = "embedding"
)

// Model is a bound language or embedding model.
type Model struct {
	ID              string
	Kind            ModelKind
	Provider        string
	ProviderModelID string
	InferenceParams map[string]any
	Auth            *Ref
	Dimensions      int // ModelEmbedding only
}

// AuthKind discriminates the four AuthorizationProvider variants.
type AuthKind string

const (
	AuthAPIKey AuthKind = "api-key"
	AuthBearer AuthKind = "bearer"
	AuthOAuth2 AuthKind = "oauth2"
	AuthAWS    AuthKind = "aws"
)

// SecretField accepts either a literal string or a SecretReference.
type SecretField struct {
	Literal string
	Ref     *SecretReference
}

// SecretReference points at an externally stored credential. Its
// resolution is delegated to a pluggable SecretResolver (package
// secretref); the dsl layer only carries the reference shape.
type SecretReference struct {
	SecretName string
	Key        string
}

// AuthorizationProvider is a tagged-union credential source.
type AuthorizationProvider struct {
	ID   string
	Kind AuthKind

	// api-key
	APIKey     SecretField
	HeaderName string // default "X-Api-Key" when empty, set by the parser

	// bearer
	Token SecretField

	// oauth2
	ClientID     SecretField
	ClientSecret SecretField
	TokenURL     string
	Scopes       []string

	// aws
	AccessKeyID     SecretField
	SecretAccessKey SecretField
	Region          string
}

// ToolKind discriminates the two Tool variants.
type ToolKind string

const (
	ToolAPI    ToolKind = "api"
	ToolNative ToolKind = "native"
)

// Tool is an externally invocable function exposed to flows or agents
//.
type Tool struct {
	ID          string
	Name        string
	Description string
	Inputs      []*Variable
	Outputs     []*Variable
	Kind        ToolKind

	// api
	Endpoint string
	Method   string
	Headers  map[string]string
	Auth     *Ref

	// native
	ModulePath   string
	FunctionName string
}

// IndexKind discriminates the two Index variants.
type IndexKind string

const (
	IndexVector   IndexKind = "vector"
	IndexDocument IndexKind = "document"
)

// Index is an abstraction over a vector or document store.
type Index struct {
	ID             string
	Name           string
	Kind           IndexKind
	Auth           *Ref
	Args           map[string]any
	EmbeddingModel *Ref // IndexVector only
}

// CustomTypeKind discriminates the two CustomType variants.
type CustomTypeKind string

const (
	CustomObject CustomTypeKind = "object"
	CustomArray  CustomTypeKind = "array"
)

// Field is one member of an object CustomType.
type Field struct {
	Name string
	Type core.TypeRef
}

// CustomType is a user-declared object or array type.
type CustomType struct {
	ID     string
	Kind   CustomTypeKind
	Fields []Field       // CustomObject only, ordered
	Elem   *core.TypeRef // CustomArray only
}

// TelemetrySink is the application's single observability backend.
type TelemetrySink struct {
	ID       string
	Endpoint string
	Auth     *Ref
}
