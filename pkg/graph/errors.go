package graph

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across packages. Typed errors below wrap richer
// context; use errors.Is / errors.As at call sites.
var (
	// ErrClosed is returned by operations on a closed store or engine.
	ErrClosed = errors.New("engramdb: closed")
	// ErrPoolExhausted is returned when a bounded resource pool has no
	// free capacity within its acquisition timeout.
	ErrPoolExhausted = errors.New("engramdb: pool exhausted")
	// ErrTimeout is returned when an operation exceeds its deadline.
	ErrTimeout = errors.New("engramdb: timeout")
)

// ValidationError reports a missing or malformed field on a payload or patch.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: field %q %s", e.Field, e.Reason)
}

// NotFoundError reports a missing node or edge.
type NotFoundError struct {
	Kind string // "node" or "edge"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// NewNodeNotFound builds a NotFoundError for a node id.
func NewNodeNotFound(id NodeID) *NotFoundError {
	return &NotFoundError{Kind: "node", ID: string(id)}
}

// NewEdgeNotFound builds a NotFoundError for an edge id.
func NewEdgeNotFound(id EdgeID) *NotFoundError {
	return &NotFoundError{Kind: "edge", ID: string(id)}
}

// DuplicateError reports an explicit-id collision on create.
type DuplicateError struct {
	Kind string
	ID   string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s %q already exists", e.Kind, e.ID)
}

// ImmutableFieldError reports a patch touching an immutable field
// (id, kind, creation time, or an immutable payload field).
type ImmutableFieldError struct {
	Field string
}

func (e *ImmutableFieldError) Error() string {
	return fmt.Sprintf("field %q is immutable", e.Field)
}

// CycleError reports an Inherits edge that would close a cycle.
// The graph is unchanged when this error is returned.
type CycleError struct {
	From NodeID
	To   NodeID
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("inherits edge %s -> %s would form a cycle", e.From, e.To)
}

// TypeMismatchError reports an edge whose endpoint kinds violate the edge
// type's contract.
type TypeMismatchError struct {
	EdgeType EdgeType
	Endpoint string // "from" or "to"
	Want     NodeKind
	Got      NodeKind
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("edge type %s requires %s endpoint of kind %s, got %s", e.EdgeType, e.Endpoint, e.Want, e.Got)
}

// InvalidTransitionError reports an illegal agent status transition.
type InvalidTransitionError struct {
	From AgentStatus
	To   AgentStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid agent status transition %s -> %s", e.From, e.To)
}

// ConcurrentModificationError reports an optimistic-lock conflict: the record
// version moved between the caller's read and its write. This is the one
// error class callers are expected to retry.
type ConcurrentModificationError struct {
	ID       string
	Expected uint64
	Actual   uint64
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("record %q modified concurrently: expected version %d, found %d", e.ID, e.Expected, e.Actual)
}

// IsRetryable reports whether err is a conflict the caller should retry.
func IsRetryable(err error) bool {
	var cm *ConcurrentModificationError
	return errors.As(err, &cm)
}

// CorruptRecordError reports a record that failed checksum or structural
// decoding. It is distinct from wrong data: a corrupt record is never
// returned as a value.
type CorruptRecordError struct {
	Key    string
	Reason string
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("corrupt record %q: %s", e.Key, e.Reason)
}

// MigrationError reports a failed schema migration step.
type MigrationError struct {
	Name   string
	Stage  string // "register", "plan", "scan", "rewrite", "stamp"
	Reason string
	Cause  error
}

func (e *MigrationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("migration %q failed at %s: %s: %v", e.Name, e.Stage, e.Reason, e.Cause)
	}
	return fmt.Sprintf("migration %q failed at %s: %s", e.Name, e.Stage, e.Reason)
}

func (e *MigrationError) Unwrap() error { return e.Cause }
