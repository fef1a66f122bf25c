package dsl

import "github.com/bazaarvoice/qtype/core"

// Built-in domain type ids. These are registered into every
// Application's CustomType symbol table by the parser, whether or not the
// document mentions them explicitly, so flow authors can reference
// ChatMessage etc. without redeclaring them.
const (
	TypeChatMessage    = "ChatMessage"
	TypeChatContent    = "ChatContent"
	TypeEmbedding      = "Embedding"
	TypeRAGDocument    = "RAGDocument"
	TypeRAGChunk       = "RAGChunk"
	TypeRAGSearchResult = "RAGSearchResult"
	TypeAggregateStats = "AggregateStats"
)

// MessageRole is the closed set of ChatMessage.role values.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
	RoleTool      MessageRole = "tool"
	RoleFunction  MessageRole = "function"
	RoleDeveloper MessageRole = "developer"
	RoleModel     MessageRole = "model"
	RoleChatbot   MessageRole = "chatbot"
)

// BuiltinTypes returns the domain CustomType declarations every QType
// document carries implicitly. The parser merges these into
// Application.Types ahead of the document's own types. The linker's
// symbol table keeps the last write for an id, but the checker reports a
// document type that reuses one of these ids as a DuplicateID error.
func BuiltinTypes() []*CustomType {
	text := core.TypeRef{Form: core.FormPrimitive, Primitive: core.KindText}
	optText := text
	optText.Optional = true
	float := core.TypeRef{Form: core.FormPrimitive, Primitive: core.KindFloat}
	listFloat := core.TypeRef{Form: core.FormList, Elem: &float}

	chatContent := core.TypeRef{Form: core.FormCustom, CustomID: TypeChatContent}
	listChatContent := core.TypeRef{Form: core.FormList, Elem: &chatContent}

	return []*CustomType{
		{
			ID:   TypeChatContent,
			Kind: CustomObject,
			Fields: []Field{
				{Name: "type", Type: text},
				{Name: "content", Type: text},
				{Name: "mime_type", Type: optText},
			},
		},
		{
			ID:   TypeChatMessage,
			Kind: CustomObject,
			Fields: []Field{
				{Name: "role", Type: text},
				{Name: "blocks", Type: listChatContent},
			},
		},
		{
			ID:   TypeEmbedding,
			Kind: CustomObject,
			Fields: []Field{
				{Name: "vector", Type: listFloat},
				{Name: "source_text", Type: optText},
				{Name: "metadata", Type: optText},
			},
		},
		{
			ID:   TypeRAGDocument,
			Kind: CustomObject,
			Fields: []Field{
				{Name: "id", Type: text},
				{Name: "text", Type: text},
				{Name: "metadata", Type: optText},
			},
		},
		{
			ID:   TypeRAGChunk,
			Kind: CustomObject,
			Fields: []Field{
				{Name: "id", Type: text},
				{Name: "document_id", Type: text},
				{Name: "text", Type: text},
				{Name: "metadata", Type: optText},
			},
		},
		{
			ID:   TypeRAGSearchResult,
			Kind: CustomObject,
			Fields: []Field{
				{Name: "chunk_id", Type: text},
				{Name: "text", Type: text},
				{Name: "score", Type: float},
			},
		},
		{
			ID:   TypeAggregateStats,
			Kind: CustomObject,
			Fields: []Field{
				{Name: "num_successful", Type: core.TypeRef{Form: core.FormPrimitive, Primitive: core.KindInt}},
				{Name: "num_failed", Type: core.TypeRef{Form: core.FormPrimitive, Primitive: core.KindInt}},
				{Name: "num_total", Type: core.TypeRef{Form: core.FormPrimitive, Primitive: core.KindInt}},
			},
		},
	}
}
