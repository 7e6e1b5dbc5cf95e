package engine

import (
	"context"

	"github.com/ehr/fhirstore/internal/audit"
	"github.com/ehr/fhirstore/internal/conditional"
	"github.com/ehr/fhirstore/internal/platform/fhir"
	"github.com/ehr/fhirstore/internal/store"
)

// Create validates content and stores it under a fresh id. With ifNoneExist
// set, an existing match is returned instead (Outcome Existing).
func (e *Engine) Create(ctx context.Context, rt fhir.ResourceType, content fhir.Resource, ifNoneExist string) (conditional.Result, error) {
	if err := e.gate.Validate(rt, content); err != nil {
		return conditional.Result{}, err
	}
	if ifNoneExist != "" {
		r, err := e.resolver.Create(ctx, rt, content, ifNoneExist)
		if err != nil {
			return r, err
		}
		if r.Outcome == conditional.Created {
			e.notify(ctx, audit.OpCreate, rt, r.Version)
		}
		return r, nil
	}
	v, err := e.store.Create(ctx, rt, content)
	if err != nil {
		return conditional.Result{}, err
	}
	e.logger.Debug().Str("resource_type", string(rt)).Str("id", v.ID).Msg("resource created")
	e.notify(ctx, audit.OpCreate, rt, v)
	return conditional.Result{Version: v, Outcome: conditional.Created}, nil
}

// Read returns the current version. Resources outside the caller's
// compartment are reported as not found.
func (e *Engine) Read(ctx context.Context, rt fhir.ResourceType, id string) (*store.Version, error) {
	v, err := e.store.Read(ctx, rt, id)
	if err != nil {
		return nil, err
	}
	if f := e.filter(ctx); f != nil && !f(v) {
		return nil, fhir.NewNotFound(rt, id)
	}
	e.notify(ctx, audit.OpRead, rt, v)
	return v, nil
}

// VRead returns one historical version.
func (e *Engine) VRead(ctx context.Context, rt fhir.ResourceType, id string, versionID int) (*store.Version, error) {
	v, err := e.store.VRead(ctx, rt, id, versionID)
	if err != nil {
		return nil, err
	}
	if f := e.filter(ctx); f != nil && !f(v) {
		return nil, fhir.NewNotFound(rt, id)
	}
	e.notify(ctx, audit.OpVRead, rt, v)
	return v, nil
}

// Update validates content and writes it as the next version of rt/id,
// creating the resource when it does not exist. ifMatch, when set, must be
// the current version.
func (e *Engine) Update(ctx context.Context, rt fhir.ResourceType, id string, content fhir.Resource, ifMatch *int) (conditional.Result, error) {
	if content != nil && content.ID() == "" {
		content = content.Clone()
		content["id"] = id
	}
	if err := e.gate.Validate(rt, content); err != nil {
		return conditional.Result{}, err
	}
	v, err := e.store.Update(ctx, rt, id, content, ifMatch)
	if err != nil {
		return conditional.Result{}, err
	}
	r := conditional.Result{Version: v, Outcome: conditional.Updated}
	op := audit.OpUpdate
	if v.VersionID == 1 {
		r.Outcome, op = conditional.Created, audit.OpCreate
	}
	e.notify(ctx, op, rt, v)
	return r, nil
}

// ConditionalUpdate updates the single resource matching criteria, or
// creates one when nothing matches.
func (e *Engine) ConditionalUpdate(ctx context.Context, rt fhir.ResourceType, criteria string, content fhir.Resource, ifMatch *int) (conditional.Result, error) {
	if err := e.gate.Validate(rt, content); err != nil {
		return conditional.Result{}, err
	}
	r, err := e.resolver.Update(ctx, rt, content, criteria, ifMatch)
	if err != nil {
		return r, err
	}
	op := audit.OpUpdate
	if r.Outcome == conditional.Created {
		op = audit.OpCreate
	}
	e.notify(ctx, op, rt, r.Version)
	return r, nil
}

// Delete writes a tombstone for rt/id.
func (e *Engine) Delete(ctx context.Context, rt fhir.ResourceType, id string) (conditional.Result, error) {
	v, err := e.store.Delete(ctx, rt, id)
	if err != nil {
		return conditional.Result{}, err
	}
	e.notify(ctx, audit.OpDelete, rt, v)
	return conditional.Result{Version: v, Outcome: conditional.Deleted}, nil
}

// ConditionalDelete deletes the single resource matching criteria. No match
// is a successful no-op.
func (e *Engine) ConditionalDelete(ctx context.Context, rt fhir.ResourceType, criteria string) (conditional.Result, error) {
	r, err := e.resolver.Delete(ctx, rt, criteria)
	if err != nil {
		return r, err
	}
	if r.Outcome == conditional.Deleted {
		e.notify(ctx, audit.OpDelete, rt, r.Version)
	}
	return r, nil
}

// History returns every version of rt/id newest first, strictly below
// before when it is positive. Versions outside the caller's compartment are
// dropped; tombstones are kept.
func (e *Engine) History(ctx context.Context, rt fhir.ResourceType, id string, before int) ([]*store.Version, error) {
	versions, err := e.store.History(ctx, rt, id, before)
	if err != nil {
		return nil, err
	}
	if f := e.filter(ctx); f != nil {
		kept := versions[:0]
		for _, v := range versions {
			if v.Deleted || f(v) {
				kept = append(kept, v)
			}
		}
		if !hasContent(kept) {
			return nil, fhir.NewNotFound(rt, id)
		}
		versions = kept
	}
	e.notify(ctx, audit.OpHistory, rt, &store.Version{ResourceType: rt, ID: id})
	return versions, nil
}

func hasContent(vs []*store.Version) bool {
	for _, v := range vs {
		if !v.Deleted {
			return true
		}
	}
	return false
}
