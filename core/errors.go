package core

import "fmt"

// LoaderError reports a failure in the loader: unresolved environment
// variable, include cycle, or YAML decode failure.
type LoaderError struct {
	Code     string
	Message  string
	Location SourceLocation
	Cause    error
}

func (e *LoaderError) Error() string {
	loc := e.Location.String()
	if loc != "" {
		return fmt.Sprintf("loader: %s: %s (%s)", e.Code, e.Message, loc)
	}
	return fmt.Sprintf("loader: %s: %s", e.Code, e.Message)
}

func (e *LoaderError) Unwrap() error { return e.Cause }

// Loader error codes.
const (
	LoaderEnvVarUnresolved = "EnvVarUnresolved"
	LoaderIncludeCycle     = "IncludeCycle"
	LoaderDecodeFailed     = "YAMLDecodeFailed"
	LoaderIOFailed         = "IOFailed"
)

// ParserError reports a failure turning the raw tree into a typed DSL
// document: unknown discriminator, missing discriminator, or invalid
// field. dsl.Parse itself reports these failures as core.Diagnostics,
// using the parser error codes below, rather than as ParserError values.
type ParserError struct {
	Code     string
	Message  string
	Path     string
	Location SourceLocation
}

func (e *ParserError) Error() string {
	return fmt.Sprintf("parser: %s: %s: %s", e.Code, e.Path, e.Message)
}

// Parser error codes.
const (
	ParserUnknownVariant      = "UnknownVariant"
	ParserDiscriminatorMissing = "DiscriminatorMissing"
	ParserFieldInvalid        = "FieldInvalid"
)

// ParserErrors is an aggregated collection of ParserError, satisfying
// error.
type ParserErrors []*ParserError

func (es ParserErrors) Error() string {
	if len(es) == 0 {
		return "parser: no errors"
	}
	if len(es) == 1 {
		return es[0].Error()
	}
	return fmt.Sprintf("parser: %d errors, first: %s", len(es), es[0].Error())
}

// LinkError reports a failure resolving a reference to an entity.
type LinkError struct {
	Code     string
	Message  string
	Path     string
	Location SourceLocation
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("linker: %s: %s: %s", e.Code, e.Path, e.Message)
}

// Linker error codes.
const (
	LinkRefUnresolved   = "RefUnresolved"
	LinkRefKindMismatch = "RefKindMismatch"
)

// CheckerError reports a semantic invariant violation.
// The checker, like the parser, aggregates these instead of stopping at
// the first violation.
type CheckerError struct {
	Code     string
	Message  string
	Path     string
	Location SourceLocation
}

func (e *CheckerError) Error() string {
	return fmt.Sprintf("checker: %s: %s: %s", e.Code, e.Path, e.Message)
}

// Checker error codes.
const (
	CheckerDuplicateID           = "DuplicateID"
	CheckerFlowCyclic            = "FlowCyclic"
	CheckerTypeMismatch          = "TypeMismatch"
	CheckerUnproducedInput       = "UnproducedInput"
	CheckerTemplatePlaceholder   = "TemplatePlaceholderInvalid"
	CheckerInterfaceConstraint   = "InterfaceConstraint"
	CheckerDimensionMismatch     = "EmbeddingDimensionMismatch"
	CheckerMemoryMisuse          = "MemoryMisuse"
	CheckerConditionBranchArity  = "CN-COND-ARITY"
	CheckerStepUnreachable       = "StepUnreachable" // warning severity
)

type CheckerErrors []*CheckerError

func (es CheckerErrors) Error() string {
	if len(es) == 0 {
		return "checker: no errors"
	}
	if len(es) == 1 {
		return es[0].Error()
	}
	return fmt.Sprintf("checker: %d errors, first: %s", len(es), es[0].Error())
}

// RuntimeErrorClass distinguishes the three runtime error dispositions:
// retried locally, carried inside a FlowMessage, or fatal to the whole
// flow.
type RuntimeErrorClass string

const (
	RuntimeTransient      RuntimeErrorClass = "Transient"
	RuntimeMessageFailure RuntimeErrorClass = "MessageFailure"
	RuntimeFatal          RuntimeErrorClass = "Fatal"
)

// RuntimeError is the interpreter's runtime error record. Transient
// errors are retried per the interpreter's RetryPolicy before becoming a
// MessageFailure; MessageFailure rides inside FlowMessage.Error; Fatal
// errors abort the entire flow.
type RuntimeError struct {
	Class   RuntimeErrorClass
	Code    string
	Message string
	StepID  string
	Cause   error
}

func (e *RuntimeError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("runtime.%s: %s: %s (step %s)", e.Class, e.Code, e.Message, e.StepID)
	}
	return fmt.Sprintf("runtime.%s: %s: %s", e.Class, e.Code, e.Message)
}

func (e *RuntimeError) Unwrap() error { return e.Cause }

// Runtime error codes.
const (
	RuntimeTemplateError       = "TemplateError"
	RuntimeDecodeError         = "DecodeError"
	RuntimeToolError           = "ToolError"
	RuntimeAgentLoopExhausted  = "AgentLoopExhausted"
	RuntimeIndexUnavailable    = "IndexUnavailable"
	RuntimeInvariantViolation  = "InvariantViolation"
	RuntimeProviderTransient   = "ProviderTransient"
	RuntimeRateLimited         = "RateLimited"
	RuntimeTimeout             = "Timeout"
)

// Cancelled is returned when a run is aborted by cancellation or
// deadline. It is distinct from RuntimeError because
// cancellation is not a step failure — it is a property of the run.
type Cancelled struct {
	Reason string
}

func (e *Cancelled) Error() string {
	if e.Reason == "" {
		return "cancelled"
	}
	return "cancelled: " + e.Reason
}
