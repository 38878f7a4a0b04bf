package types

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for errors.Is checks. The typed errors below unwrap to them.
var (
	ErrCatalogLoad    = errors.New("catalog load failed")
	ErrGraphNotFound  = errors.New("graph not found")
	ErrCycle          = errors.New("cyclic dependency")
	ErrInvalidRequest = errors.New("invalid request")
)

// CatalogLoadError is fatal at startup: a duplicate id, a dangling dependency
// or an otherwise malformed definition.
type CatalogLoadError struct {
	GraphID string
	Reason  string
}

func (e *CatalogLoadError) Error() string {
	if e.GraphID == "" {
		return fmt.Sprintf("catalog load: %s", e.Reason)
	}
	return fmt.Sprintf("catalog load: graph %q: %s", e.GraphID, e.Reason)
}

func (e *CatalogLoadError) Unwrap() error { return ErrCatalogLoad }

// UnknownGraphError lists every requested id that is absent from the catalog.
type UnknownGraphError struct {
	IDs []string
}

func (e *UnknownGraphError) Error() string {
	if len(e.IDs) == 1 {
		return fmt.Sprintf("unknown graph: %s", e.IDs[0])
	}
	return fmt.Sprintf("unknown graphs: %s", strings.Join(e.IDs, ", "))
}

func (e *UnknownGraphError) Unwrap() error { return ErrGraphNotFound }

// CyclicDependencyError reports a dependency cycle. Cycle starts and ends with
// the same id, e.g. [a b a].
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic dependency: %s", strings.Join(e.Cycle, " -> "))
}

func (e *CyclicDependencyError) Unwrap() error { return ErrCycle }

// InvalidRequestError is returned before any dispatch for a malformed request.
type InvalidRequestError struct {
	Field  string
	Reason string
	Value  any
}

func (e *InvalidRequestError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("invalid request: %s %s (got %v)", e.Field, e.Reason, e.Value)
	}
	return fmt.Sprintf("invalid request: %s %s", e.Field, e.Reason)
}

func (e *InvalidRequestError) Unwrap() error { return ErrInvalidRequest }
