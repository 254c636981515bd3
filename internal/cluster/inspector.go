// Package cluster abstracts the target cluster behind a capability
// interface. The orchestrator core depends only on this contract; the
// concrete binding (which cluster API serves it) is an external
// collaborator's choice.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ResourceStatus is the observed state of one cluster resource.
type ResourceStatus struct {
	Ref        string    `json:"ref"`
	Kind       string    `json:"kind,omitempty"`
	Phase      string    `json:"phase"`
	Restarts   int       `json:"restarts,omitempty"`
	Message    string    `json:"message,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

// LogLine is one log excerpt from a resource.
type LogLine struct {
	Ref       string    `json:"ref"`
	Timestamp time.Time `json:"timestamp"`
	Line      string    `json:"line"`
}

// Filter narrows a resource listing.
type Filter struct {
	Refs []string `json:"refs,omitempty"`
}

// Action is a concrete remediation step to apply against the cluster.
type Action struct {
	Class  string `json:"class"`
	Target string `json:"target"`
	Detail string `json:"detail,omitempty"`
}

// String renders the action for history entries and reports.
func (a Action) String() string {
	if a.Detail != "" {
		return fmt.Sprintf("%s %s (%s)", a.Class, a.Target, a.Detail)
	}
	return fmt.Sprintf("%s %s", a.Class, a.Target)
}

// ActionResult is the outcome of applying an Action.
type ActionResult struct {
	Key         string    `json:"key"`
	Success     bool      `json:"success"`
	StateChange string    `json:"state_change,omitempty"`
	AppliedAt   time.Time `json:"applied_at"`
	// Replayed is true when the key was seen before and the prior result
	// was returned without re-applying the action.
	Replayed bool `json:"replayed,omitempty"`
}

// Inspector is the capability interface against the target cluster.
//
// ApplyAction must be idempotent from the caller's perspective: a repeat
// call with the same key is a no-op that returns the prior result.
type Inspector interface {
	ListResources(ctx context.Context, filter Filter) ([]ResourceStatus, error)
	FetchLogs(ctx context.Context, ref string, since time.Time) ([]LogLine, error)
	ApplyAction(ctx context.Context, key string, action Action) (*ActionResult, error)
}

// ErrorKind classifies inspector failures for the caller's retry policy.
type ErrorKind string

const (
	// KindUnreachable is transient; callers may retry with backoff.
	KindUnreachable ErrorKind = "unreachable"
	// KindForbidden is a permission denial; never retried.
	KindForbidden ErrorKind = "forbidden"
	// KindNotFound means the target resource is gone; callers treat the
	// failure as having self-resolved.
	KindNotFound ErrorKind = "not_found"
)

// Error is an inspector failure with a retry classification.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("cluster: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the classification of err, or "" when err is not an
// inspector error.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// IsForbidden reports whether err is a permission denial.
func IsForbidden(err error) bool { return KindOf(err) == KindForbidden }

// IsNotFound reports whether err means the target resource is gone.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsUnreachable reports whether err is transient and retryable.
func IsUnreachable(err error) bool { return KindOf(err) == KindUnreachable }
