// Package engine provides the core types and interfaces for the suiteforge
// build engine. It turns a set of resolved build units into a dependency
// graph, schedules the graph per platform target, and aggregates results.
package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an error for propagation logic.
type ErrorClass string

const (
	// ErrorClassStructural indicates a manifest or graph error.
	// Structural errors abort the entire run before any build attempt,
	// since no partial build order can be trusted.
	ErrorClassStructural ErrorClass = "structural"

	// ErrorClassPlatform indicates an overlay resolution failure.
	// Aborts only the affected node's target.
	ErrorClassPlatform ErrorClass = "platform"

	// ErrorClassNode indicates a per-node build failure (toolchain or
	// layout). The node is marked Failed and its transitive dependents
	// are Blocked; independent subtrees continue.
	ErrorClassNode ErrorClass = "node"

	// ErrorClassCache indicates a build cache inconsistency. Triggers a
	// forced rebuild rather than silent trust of the stored entry.
	ErrorClassCache ErrorClass = "cache"
)

// BuildError represents a classified error with node and target context.
type BuildError struct {
	// Class is the error classification for propagation logic.
	Class ErrorClass `json:"class"`

	// Code is the error code for programmatic handling.
	Code string `json:"code"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Node is the qualified node name that caused the error, if applicable.
	Node string `json:"node,omitempty"`

	// Target is the os-arch pair being built when the error occurred.
	Target string `json:"target,omitempty"`

	// Cycle holds the full cycle path for cyclic dependency errors.
	Cycle []string `json:"cycle,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *BuildError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Code, e.Message)
	if e.Node != "" {
		fmt.Fprintf(&b, " (node=%s", e.Node)
		if e.Target != "" {
			fmt.Fprintf(&b, ", target=%s", e.Target)
		}
		b.WriteString(")")
	}
	if len(e.Cycle) > 0 {
		fmt.Fprintf(&b, ": %s", strings.Join(e.Cycle, " -> "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *BuildError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *BuildError) Is(target error) bool {
	t, ok := target.(*BuildError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// WithNode adds node context to an error.
func (e *BuildError) WithNode(node string) *BuildError {
	e.Node = node
	return e
}

// WithTarget adds target context to an error.
func (e *BuildError) WithTarget(tgt Target) *BuildError {
	e.Target = tgt.String()
	return e
}

// Error codes, one per taxonomy entry.
const (
	ErrCodeSchema              = "SCHEMA_ERROR"
	ErrCodeUnresolvedReference = "UNRESOLVED_REFERENCE"
	ErrCodeCyclicDependency    = "CYCLIC_DEPENDENCY"
	ErrCodeOverlayResolution   = "OVERLAY_RESOLUTION"
	ErrCodeLayoutToken         = "LAYOUT_TOKEN"
	ErrCodeToolchain           = "TOOLCHAIN_FAILED"
	ErrCodeCacheCorruption     = "CACHE_CORRUPTION"
	ErrCodeCancelled           = "CANCELLED"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// NewSchemaError creates a structural error for a malformed manifest entity.
// The path identifies the offending entity (e.g. "polyglot/projects/libshim").
func NewSchemaError(path, message string, err error) *BuildError {
	return &BuildError{
		Class:   ErrorClassStructural,
		Code:    ErrCodeSchema,
		Message: fmt.Sprintf("%s: %s", path, message),
		Err:     err,
	}
}

// NewUnresolvedReferenceError creates a structural error for a dangling
// dependency name.
func NewUnresolvedReferenceError(ref, from string) *BuildError {
	return &BuildError{
		Class:   ErrorClassStructural,
		Code:    ErrCodeUnresolvedReference,
		Message: fmt.Sprintf("reference %q from %s does not resolve to any project or distribution", ref, from),
		Node:    from,
	}
}

// NewCyclicDependencyError creates a structural error carrying the cycle path.
// The cycle slice starts and ends with the same node.
func NewCyclicDependencyError(cycle []string) *BuildError {
	return &BuildError{
		Class:   ErrorClassStructural,
		Code:    ErrCodeCyclicDependency,
		Message: "dependency cycle detected",
		Cycle:   cycle,
	}
}

// NewOverlayResolutionError creates a platform error for a missing overlay branch.
func NewOverlayResolutionError(node, osName, arch string) *BuildError {
	return &BuildError{
		Class:   ErrorClassPlatform,
		Code:    ErrCodeOverlayResolution,
		Message: fmt.Sprintf("no overlay branch matches os=%s arch=%s and no wildcard is declared", osName, arch),
		Node:    node,
	}
}

// NewLayoutTokenError creates a node error for a dangling or premature
// layout token reference.
func NewLayoutTokenError(token, message string) *BuildError {
	return &BuildError{
		Class:   ErrorClassNode,
		Code:    ErrCodeLayoutToken,
		Message: fmt.Sprintf("layout token %q: %s", token, message),
	}
}

// NewToolchainError creates a node error for a failed or timed out external
// toolchain invocation.
func NewToolchainError(message string, err error) *BuildError {
	return &BuildError{
		Class:   ErrorClassNode,
		Code:    ErrCodeToolchain,
		Message: message,
		Err:     err,
	}
}

// NewCacheCorruptionError creates a cache error for a stored hash that does
// not match the recomputed content.
func NewCacheCorruptionError(key, message string) *BuildError {
	return &BuildError{
		Class:   ErrorClassCache,
		Code:    ErrCodeCacheCorruption,
		Message: fmt.Sprintf("cache entry %s: %s", key, message),
	}
}

// NewInternalError creates a structural error for an engine invariant violation.
func NewInternalError(message string, err error) *BuildError {
	return &BuildError{
		Class:   ErrorClassStructural,
		Code:    ErrCodeInternal,
		Message: message,
		Err:     err,
	}
}

// IsStructural returns true if the error aborts the entire run.
func IsStructural(err error) bool {
	var e *BuildError
	if errors.As(err, &e) {
		return e.Class == ErrorClassStructural
	}
	return false
}

// IsPlatform returns true if the error aborts only the affected target.
func IsPlatform(err error) bool {
	var e *BuildError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPlatform
	}
	return false
}

// IsCacheCorruption returns true if the error indicates a corrupt cache entry.
func IsCacheCorruption(err error) bool {
	var e *BuildError
	if errors.As(err, &e) {
		return e.Code == ErrCodeCacheCorruption
	}
	return false
}

// ClassOf extracts the error class from a classified error, or
// ErrorClassNode for unclassified errors.
func ClassOf(err error) ErrorClass {
	var e *BuildError
	if errors.As(err, &e) {
		return e.Class
	}
	return ErrorClassNode
}

// ErrorCode extracts the error code from a classified error, or
// ErrCodeInternal for unclassified errors.
func ErrorCode(err error) string {
	var e *BuildError
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}
