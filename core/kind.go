// Package core holds the types shared by every layer of the pipeline:
// the scalar type model, source locations, diagnostics, and the error
// taxonomy described in the design's error handling section.
package core

import "fmt"

// PrimitiveKind is one of the closed set of scalar value kinds a Variable
// or CustomType field may carry.
type PrimitiveKind string

const (
	KindText             PrimitiveKind = "text"
	KindInt              PrimitiveKind = "int"
	KindFloat            PrimitiveKind = "float"
	KindBoolean          PrimitiveKind = "boolean"
	KindBytes            PrimitiveKind = "bytes"
	KindDate             PrimitiveKind = "date"
	KindTime             PrimitiveKind = "time"
	KindDatetime         PrimitiveKind = "datetime"
	KindFile             PrimitiveKind = "file"
	KindImage            PrimitiveKind = "image"
	KindAudio            PrimitiveKind = "audio"
	KindVideo            PrimitiveKind = "video"
	KindThinking         PrimitiveKind = "thinking"
	KindCitationDocument PrimitiveKind = "citation_document"
	KindCitationURL      PrimitiveKind = "citation_url"
)

var primitiveKinds = map[PrimitiveKind]bool{
	KindText: true, KindInt: true, KindFloat: true, KindBoolean: true,
	KindBytes: true, KindDate: true, KindTime: true, KindDatetime: true,
	KindFile: true, KindImage: true, KindAudio: true, KindVideo: true,
	KindThinking: true, KindCitationDocument: true, KindCitationURL: true,
}

// IsPrimitiveKind reports whether name names one of the closed set of
// primitive kinds.
func IsPrimitiveKind(name string) bool {
	return primitiveKinds[PrimitiveKind(name)]
}

// TypeRefForm records which surface syntax a type reference was written
// in, so the parser can normalize while the checker still reports
// sensible diagnostics.
type TypeRefForm int

const (
	FormPrimitive TypeRefForm = iota
	FormCustom
	FormList
)

// TypeRef is a normalized type reference: a primitive kind, a named
// custom type, an ordered-sequence ("list[T]"), or any of those made
// optional ("T?").
type TypeRef struct {
	Form     TypeRefForm
	Primitive PrimitiveKind // valid when Form == FormPrimitive
	CustomID  string        // valid when Form == FormCustom
	Elem      *TypeRef      // valid when Form == FormList
	Optional  bool
}

// String renders the type reference back into QType's surface syntax
// for diagnostics.
func (t TypeRef) String() string {
	var base string
	switch t.Form {
	case FormPrimitive:
		base = string(t.Primitive)
	case FormCustom:
		base = t.CustomID
	case FormList:
		if t.Elem == nil {
			base = "list[]"
		} else {
			base = fmt.Sprintf("list[%s]", t.Elem.String())
		}
	}
	if t.Optional {
		return base + "?"
	}
	return base
}

// NonOptional returns a copy of t with Optional cleared, used when
// computing producer/consumer compatibility.
func (t TypeRef) NonOptional() TypeRef {
	t.Optional = false
	return t
}
