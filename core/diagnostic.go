package core

import "fmt"

// Severity classifies a Diagnostic's impact on pipeline progression.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// SourceLocation pins a diagnostic to the loader's source map, derived
// from the originating yaml.Node position.
type SourceLocation struct {
	File   string
	Line   int
	Column int
}

func (l SourceLocation) String() string {
	if l.File == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d:%d", l.File, l.Line, l.Column)
}

// Diagnostic is a single, stably-coded finding produced by the parser,
// linker, or checker. Diagnostics are aggregated per document rather than
// short-circuited, so a single pass can report every problem.
type Diagnostic struct {
	Code     string
	Severity Severity
	Message  string
	Path     string // dotted entity/field path, e.g. "flows.chat.steps.ask"
	Location SourceLocation
}

func (d Diagnostic) String() string {
	loc := d.Location.String()
	if loc != "" {
		loc = " (" + loc + ")"
	}
	if d.Path != "" {
		return fmt.Sprintf("%s: %s: %s%s", d.Code, d.Path, d.Message, loc)
	}
	return fmt.Sprintf("%s: %s%s", d.Code, d.Message, loc)
}

// Diagnostics is a collection of Diagnostic with convenience accessors.
type Diagnostics []Diagnostic

// HasErrors reports whether any diagnostic has error severity.
func (ds Diagnostics) HasErrors() bool {
	for _, d := range ds {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Errors returns only the error-severity diagnostics.
func (ds Diagnostics) Errors() Diagnostics {
	out := make(Diagnostics, 0, len(ds))
	for _, d := range ds {
		if d.Severity == SeverityError {
			out = append(out, d)
		}
	}
	return out
}

// Warnings returns only the warning-severity diagnostics.
func (ds Diagnostics) Warnings() Diagnostics {
	out := make(Diagnostics, 0, len(ds))
	for _, d := range ds {
		if d.Severity == SeverityWarning {
			out = append(out, d)
		}
	}
	return out
}
