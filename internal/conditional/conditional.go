// Package conditional selects the targets of conditional create, update and
// delete and applies them without check-then-act races.
package conditional

import (
	"context"

	"github.com/ehr/fhirstore/internal/platform/fhir"
	"github.com/ehr/fhirstore/internal/platform/keylock"
	"github.com/ehr/fhirstore/internal/search"
	"github.com/ehr/fhirstore/internal/store"
)

// Outcome reports what a conditional operation did.
type Outcome string

const (
	Created  Outcome = "created"
	Existing Outcome = "existing"
	Updated  Outcome = "updated"
	Deleted  Outcome = "deleted"
	NoMatch  Outcome = "no-match"
)

// Result is the version a conditional operation produced or found. Version
// is nil for NoMatch.
type Result struct {
	Version *store.Version
	Outcome Outcome
}

// Writer is the write surface a conditional operation acts on. *store.Tx
// implements it, so the same logic serves single requests and bundles.
type Writer interface {
	Create(rt fhir.ResourceType, content fhir.Resource) (*store.Version, error)
	Update(rt fhir.ResourceType, id string, content fhir.Resource, expected *int) (*store.Version, error)
	Delete(rt fhir.ResourceType, id string) (*store.Version, error)
	Read(rt fhir.ResourceType, id string) (*store.Version, error)
}

// Resolver evaluates criteria through the search executor. Every
// check-then-act sequence runs under a per-type lock so two conditional
// creates with the same criteria cannot both see zero matches.
type Resolver struct {
	exec  *search.Executor
	store *store.Store
	types *keylock.Map[fhir.ResourceType]
}

func New(st *store.Store, exec *search.Executor) *Resolver {
	return &Resolver{exec: exec, store: st, types: keylock.New[fhir.ResourceType]()}
}

// LockTypes takes the conditional locks of every listed type in sorted
// order. Transactions call it once, before touching any resource key.
func (r *Resolver) LockTypes(types ...fhir.ResourceType) (unlock func()) {
	return r.types.LockAll(types)
}

// Match returns the ids of current resources of rt satisfying criteria.
func (r *Resolver) Match(ctx context.Context, rt fhir.ResourceType, criteria string) ([]string, error) {
	q, err := search.ParseCriteria(r.exec.Registry(), rt, criteria)
	if err != nil {
		return nil, err
	}
	return r.exec.Match(ctx, q)
}

// Create creates content unless criteria already matches a resource.
func (r *Resolver) Create(ctx context.Context, rt fhir.ResourceType, content fhir.Resource, criteria string) (Result, error) {
	unlock := r.LockTypes(rt)
	defer unlock()
	return r.run(ctx, func(w Writer) (Result, error) { return r.CreateIn(ctx, w, rt, content, criteria) })
}

// Update updates the single resource matching criteria, or creates one.
func (r *Resolver) Update(ctx context.Context, rt fhir.ResourceType, content fhir.Resource, criteria string, expected *int) (Result, error) {
	unlock := r.LockTypes(rt)
	defer unlock()
	return r.run(ctx, func(w Writer) (Result, error) { return r.UpdateIn(ctx, w, rt, content, criteria, expected) })
}

// Delete deletes the single resource matching criteria. No match is not an
// error.
func (r *Resolver) Delete(ctx context.Context, rt fhir.ResourceType, criteria string) (Result, error) {
	unlock := r.LockTypes(rt)
	defer unlock()
	return r.run(ctx, func(w Writer) (Result, error) { return r.DeleteIn(ctx, w, rt, criteria) })
}

func (r *Resolver) run(ctx context.Context, op func(Writer) (Result, error)) (Result, error) {
	var res Result
	v, err := r.store.Do(ctx, func(tx *store.Tx) (*store.Version, error) {
		var err error
		res, err = op(tx)
		return res.Version, err
	})
	if err != nil {
		return Result{}, err
	}
	res.Version = v
	return res, nil
}

// CreateIn is Create against w. The caller holds the type lock.
func (r *Resolver) CreateIn(ctx context.Context, w Writer, rt fhir.ResourceType, content fhir.Resource, criteria string) (Result, error) {
	ids, err := r.Match(ctx, rt, criteria)
	if err != nil {
		return Result{}, err
	}
	switch len(ids) {
	case 0:
		v, err := w.Create(rt, content)
		if err != nil {
			return Result{}, err
		}
		return Result{Version: v, Outcome: Created}, nil
	case 1:
		v, err := w.Read(rt, ids[0])
		if err != nil {
			return Result{}, err
		}
		return Result{Version: v, Outcome: Existing}, nil
	default:
		return Result{}, fhir.NewMultipleMatches(rt, criteria, len(ids))
	}
}

// UpdateIn is Update against w. The caller holds the type lock.
func (r *Resolver) UpdateIn(ctx context.Context, w Writer, rt fhir.ResourceType, content fhir.Resource, criteria string, expected *int) (Result, error) {
	ids, err := r.Match(ctx, rt, criteria)
	if err != nil {
		return Result{}, err
	}
	bodyID := content.ID()
	switch len(ids) {
	case 0:
		var v *store.Version
		if bodyID != "" {
			v, err = w.Update(rt, bodyID, content, expected)
		} else {
			v, err = w.Create(rt, content)
		}
		if err != nil {
			return Result{}, err
		}
		return Result{Version: v, Outcome: Created}, nil
	case 1:
		if bodyID != "" && bodyID != ids[0] {
			return Result{}, fhir.Invalid(rt, "id", "resource id %q does not match the resource %q selected by the criteria", bodyID, ids[0])
		}
		v, err := w.Update(rt, ids[0], content, expected)
		if err != nil {
			return Result{}, err
		}
		return Result{Version: v, Outcome: Updated}, nil
	default:
		return Result{}, fhir.NewMultipleMatches(rt, criteria, len(ids))
	}
}

// DeleteIn is Delete against w. The caller holds the type lock.
func (r *Resolver) DeleteIn(ctx context.Context, w Writer, rt fhir.ResourceType, criteria string) (Result, error) {
	ids, err := r.Match(ctx, rt, criteria)
	if err != nil {
		return Result{}, err
	}
	switch len(ids) {
	case 0:
		return Result{Outcome: NoMatch}, nil
	case 1:
		v, err := w.Delete(rt, ids[0])
		if err != nil {
			return Result{}, err
		}
		return Result{Version: v, Outcome: Deleted}, nil
	default:
		return Result{}, fhir.NewMultipleMatches(rt, criteria, len(ids))
	}
}
