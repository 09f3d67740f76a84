package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Code identifies one failure class in the compile pipeline.
type Code string

const (
	CodeCycle                 Code = "cycle"
	CodeConflict              Code = "conflict"
	CodeUnsatisfiedDependency Code = "unsatisfied_dependency"
	CodeInvalidStat           Code = "invalid_stat"
	CodePathConflict          Code = "path_conflict"
	CodePackageNotFound       Code = "package_not_found"
	CodeAdapterUnavailable    Code = "adapter_unavailable"
)

// Phase records where in the pipeline an error surfaced. Declaration and
// resolution errors are caught before any filesystem mutation; apply errors
// surface while materializing the plan.
type Phase string

const (
	PhaseDeclaration Phase = "declaration"
	PhaseResolution  Phase = "resolution"
	PhaseApply       Phase = "apply"
)

// CompileError is the structured error for everything the compiler can
// reject: it names the offending item, feature, resource or package so the
// failure boundary can report a precise message.
type CompileError struct {
	Code      Code   `json:"code"`
	Phase     Phase  `json:"phase"`
	Message   string `json:"message"`
	Item      string `json:"item,omitempty"`
	Feature   string `json:"feature,omitempty"`
	Resource  string `json:"resource,omitempty"`
	Package   string `json:"package,omitempty"`
	Retryable bool   `json:"retryable"`
	Cause     error  `json:"-"`
}

func (e *CompileError) Error() string {
	var where []string
	if e.Feature != "" {
		where = append(where, "feature "+e.Feature)
	}
	if e.Item != "" {
		where = append(where, "item "+e.Item)
	}
	if e.Resource != "" {
		where = append(where, "resource "+e.Resource)
	}
	if e.Package != "" {
		where = append(where, "package "+e.Package)
	}
	if len(where) > 0 {
		return fmt.Sprintf("[%s:%s] %s (%s)", e.Phase, e.Code, e.Message, strings.Join(where, ", "))
	}
	return fmt.Sprintf("[%s:%s] %s", e.Phase, e.Code, e.Message)
}

func (e *CompileError) Unwrap() error {
	return e.Cause
}

func (e *CompileError) IsRetryable() bool {
	return e.Retryable
}

// IsCode reports whether err (or anything it wraps) is a CompileError with
// the given code.
func IsCode(err error, code Code) bool {
	var ce *CompileError
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}

// AsCompileError unwraps err to a *CompileError, or nil.
func AsCompileError(err error) *CompileError {
	var ce *CompileError
	if errors.As(err, &ce) {
		return ce
	}
	return nil
}

// NewCycleError reports a reference cycle. chain lists the entities along
// the cycle, starting and ending at the repeated one.
func NewCycleError(phase Phase, chain []string) *CompileError {
	return &CompileError{
		Code:    CodeCycle,
		Phase:   phase,
		Message: fmt.Sprintf("dependency cycle: %s", strings.Join(chain, " -> ")),
		Feature: chain[0],
	}
}

func NewConflictError(resource string, itemA, itemB string) *CompileError {
	return &CompileError{
		Code:     CodeConflict,
		Phase:    PhaseResolution,
		Message:  fmt.Sprintf("%s and %s both provide %s with incompatible contents", itemA, itemB, resource),
		Item:     itemB,
		Resource: resource,
	}
}

func NewUnsatisfiedDependencyError(resource string, item string) *CompileError {
	return &CompileError{
		Code:     CodeUnsatisfiedDependency,
		Phase:    PhaseResolution,
		Message:  fmt.Sprintf("nothing provides %s", resource),
		Item:     item,
		Resource: resource,
	}
}

func NewInvalidStatError(item string, cause error) *CompileError {
	return &CompileError{
		Code:    CodeInvalidStat,
		Phase:   PhaseDeclaration,
		Message: fmt.Sprintf("malformed stat options: %v", cause),
		Item:    item,
		Cause:   cause,
	}
}

func NewPathConflictError(path string, item string, detail string) *CompileError {
	return &CompileError{
		Code:     CodePathConflict,
		Phase:    PhaseApply,
		Message:  detail,
		Item:     item,
		Resource: "path:" + path,
	}
}

func NewPackageNotFoundError(pkg string, cause error) *CompileError {
	return &CompileError{
		Code:    CodePackageNotFound,
		Phase:   PhaseApply,
		Message: fmt.Sprintf("package %s not found in repo snapshot", pkg),
		Package: pkg,
		Cause:   cause,
	}
}

func NewAdapterUnavailableError(operation string, cause error) *CompileError {
	return &CompileError{
		Code:      CodeAdapterUnavailable,
		Phase:     PhaseApply,
		Message:   fmt.Sprintf("package installer adapter unavailable during %s: %v", operation, cause),
		Retryable: true,
		Cause:     cause,
	}
}
