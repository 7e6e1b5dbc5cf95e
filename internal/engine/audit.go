package engine

import (
	"context"

	"github.com/ehr/fhirstore/internal/audit"
	"github.com/ehr/fhirstore/internal/bundle"
	"github.com/ehr/fhirstore/internal/platform/fhir"
	"github.com/ehr/fhirstore/internal/store"
)

// notify reports one operation. Sink failures are logged only.
func (e *Engine) notify(ctx context.Context, op audit.Operation, rt fhir.ResourceType, v *store.Version) {
	ev := audit.Event{
		ResourceType: rt,
		Operation:    op,
		Timestamp:    e.now(),
		Actor:        audit.ActorFrom(ctx),
	}
	if v != nil {
		ev.ResourceType, ev.ID, ev.Version = v.ResourceType, v.ID, v.VersionID
	}
	if err := e.audit.Notify(ctx, ev); err != nil {
		e.logger.Warn().Err(err).
			Str("op", string(op)).
			Str("resource_type", string(ev.ResourceType)).
			Str("id", ev.ID).
			Msg("audit notification failed")
	}
}

var bundleOps = map[bundle.Op]audit.Operation{
	bundle.OpCreate: audit.OpCreate,
	bundle.OpUpdate: audit.OpUpdate,
	bundle.OpDelete: audit.OpDelete,
	bundle.OpRead:   audit.OpRead,
	bundle.OpVRead:  audit.OpVRead,
}

// notifyBundle reports every entry that touched a resource. Conditional
// entries that changed nothing are reported as reads of what they found.
func (e *Engine) notifyBundle(ctx context.Context, res *bundle.Result) {
	for _, er := range res.Entries {
		if er.Err != nil || er.Version == nil {
			continue
		}
		op, ok := bundleOps[er.Op]
		if !ok {
			continue
		}
		if !er.Changed && (er.Op == bundle.OpCreate || er.Op == bundle.OpUpdate) {
			op = audit.OpRead
		}
		e.notify(ctx, op, er.Version.ResourceType, er.Version)
	}
}

// auditedWriter routes bulk imports through the store and the audit trail.
type auditedWriter struct {
	e *Engine
}

func (w auditedWriter) Create(ctx context.Context, rt fhir.ResourceType, content fhir.Resource) (*store.Version, error) {
	v, err := w.e.store.Create(ctx, rt, content)
	if err != nil {
		return nil, err
	}
	w.e.notify(ctx, audit.OpCreate, rt, v)
	return v, nil
}

func (w auditedWriter) Update(ctx context.Context, rt fhir.ResourceType, id string, content fhir.Resource, expected *int) (*store.Version, error) {
	v, err := w.e.store.Update(ctx, rt, id, content, expected)
	if err != nil {
		return nil, err
	}
	op := audit.OpUpdate
	if v.VersionID == 1 {
		op = audit.OpCreate
	}
	w.e.notify(ctx, op, rt, v)
	return v, nil
}
