package dsl

import (
	"fmt"
	"strings"

	"github.com/bazaarvoice/qtype/core"
)

// ParseTypeRef normalizes one of the three surface forms accepted wherever
// a type slot is declared: a primitive name, `name?` (optional),
// `list[T]` (sequence, itself optionally suffixed with `?`), or a custom
// type id.
func ParseTypeRef(raw string) (core.TypeRef, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return core.TypeRef{}, fmt.Errorf("empty type reference")
	}

	optional := false
	if strings.HasSuffix(s, "?") {
		optional = true
		s = strings.TrimSuffix(s, "?")
	}

	if strings.HasPrefix(s, "list[") && strings.HasSuffix(s, "]") {
		inner := s[len("list[") : len(s)-1]
		elem, err := ParseTypeRef(inner)
		if err != nil {
			return core.TypeRef{}, fmt.Errorf("list element: %w", err)
		}
		return core.TypeRef{Form: core.FormList, Elem: &elem, Optional: optional}, nil
	}

	if core.IsPrimitiveKind(s) {
		return core.TypeRef{Form: core.FormPrimitive, Primitive: core.PrimitiveKind(s), Optional: optional}, nil
	}

	return core.TypeRef{Form: core.FormCustom, CustomID: s, Optional: optional}, nil
}
