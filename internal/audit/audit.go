// Package audit records committed operations. Sinks receive one Event per
// write or read; a failing sink is logged by the caller and never fails the
// operation it describes.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/ehr/fhirstore/internal/platform/fhir"
)

// Operation names what was done.
type Operation string

const (
	OpCreate  Operation = "create"
	OpRead    Operation = "read"
	OpVRead   Operation = "vread"
	OpUpdate  Operation = "update"
	OpDelete  Operation = "delete"
	OpSearch  Operation = "search"
	OpHistory Operation = "history"
	OpExport  Operation = "export"
	OpImport  Operation = "import"
)

// Event describes one operation on one resource. ID and Version are empty
// for type-level operations like search.
type Event struct {
	ResourceType fhir.ResourceType `json:"resourceType"`
	ID           string            `json:"id,omitempty"`
	Version      int               `json:"version,omitempty"`
	Operation    Operation         `json:"operation"`
	Timestamp    time.Time         `json:"timestamp"`
	Actor        string            `json:"actor,omitempty"`
}

// Notifier receives audit events.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, e Event) error

func (f NotifierFunc) Notify(ctx context.Context, e Event) error { return f(ctx, e) }

// Multi fans each event out to every sink. All sinks are tried; their
// failures are joined.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

type actorKey struct{}

// WithActor tags ctx with the authenticated principal.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the principal stored by WithActor, or "".
func ActorFrom(ctx context.Context) string {
	s, _ := ctx.Value(actorKey{}).(string)
	return s
}
