package build

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownDependency indicates a target depends on a name no document defines.
	ErrUnknownDependency = errors.New("unknown dependency")
	// ErrMissingType indicates a target has no type tag.
	ErrMissingType = errors.New("missing type")
	// ErrNoStartTarget indicates no start target is configured and none is given.
	ErrNoStartTarget = errors.New("no start target")
	// ErrUnknownStartTarget indicates the start target is not defined.
	ErrUnknownStartTarget = errors.New("unknown start target")
	// ErrCircularDependency indicates the dependency graph has a cycle.
	ErrCircularDependency = errors.New("circular dependency")
	// ErrDuplicateTarget indicates two documents define the same target name.
	ErrDuplicateTarget = errors.New("duplicate target")

	// ErrNoBackendForType indicates no available backend handles a target type.
	ErrNoBackendForType = errors.New("no backend for type")
	// ErrAmbiguousBackend indicates more than one backend handles a target type.
	ErrAmbiguousBackend = errors.New("ambiguous backend")

	// ErrIncomplete indicates not all targets were built.
	ErrIncomplete = errors.New("incomplete")
	// ErrFailureNotCacheable is returned when storing a failed result into the cache.
	ErrFailureNotCacheable = errors.New("failure results are not cacheable")
)

// ConfigError reports a problem in the project description.
// It matches its Kind sentinel with errors.Is.
type ConfigError struct {
	Kind   error
	Target string
	Detail string
	// Path is the dependency chain for ErrCircularDependency.
	Path []string
}

func (e *ConfigError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Kind.Error())
	if e.Target != "" {
		fmt.Fprintf(&sb, " %q", e.Target)
	}
	if len(e.Path) > 0 {
		sb.WriteString(": ")
		sb.WriteString(strings.Join(e.Path, " -> "))
	}
	if e.Detail != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Detail)
	}
	return sb.String()
}

// Unwrap returns the Kind sentinel.
func (e *ConfigError) Unwrap() error {
	return e.Kind
}

// ToolchainError reports a target no backend can serve unambiguously.
type ToolchainError struct {
	Kind       error
	Target     string
	Type       string
	Candidates []string
}

func (e *ToolchainError) Error() string {
	msg := fmt.Sprintf("%v %q (target %q)", e.Kind, e.Type, e.Target)
	if len(e.Candidates) > 0 {
		msg += ": " + strings.Join(e.Candidates, ", ")
	}
	return msg
}

// Unwrap returns the Kind sentinel.
func (e *ToolchainError) Unwrap() error {
	return e.Kind
}
