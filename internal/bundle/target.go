package bundle

import (
	"context"

	"github.com/ehr/fhirstore/internal/conditional"
	"github.com/ehr/fhirstore/internal/platform/fhir"
	"github.com/ehr/fhirstore/internal/store"
)

// Target is where an entry's writes land. A transaction stages into its
// Tx; a batch commits every entry on its own.
type Target interface {
	conditional.Writer
	ConditionalCreate(rt fhir.ResourceType, content fhir.Resource, criteria string) (conditional.Result, error)
	ConditionalUpdate(rt fhir.ResourceType, content fhir.Resource, criteria string, expected *int) (conditional.Result, error)
	ConditionalDelete(rt fhir.ResourceType, criteria string) (conditional.Result, error)
}

// txTarget stages into an open transaction. The caller already holds the
// conditional locks of every type the transaction touches conditionally.
type txTarget struct {
	*store.Tx
	ctx      context.Context
	resolver *conditional.Resolver
}

func (t txTarget) ConditionalCreate(rt fhir.ResourceType, content fhir.Resource, criteria string) (conditional.Result, error) {
	return t.resolver.CreateIn(t.ctx, t.Tx, rt, content, criteria)
}

func (t txTarget) ConditionalUpdate(rt fhir.ResourceType, content fhir.Resource, criteria string, expected *int) (conditional.Result, error) {
	return t.resolver.UpdateIn(t.ctx, t.Tx, rt, content, criteria, expected)
}

func (t txTarget) ConditionalDelete(rt fhir.ResourceType, criteria string) (conditional.Result, error) {
	return t.resolver.DeleteIn(t.ctx, t.Tx, rt, criteria)
}

// directTarget commits each write immediately.
type directTarget struct {
	ctx      context.Context
	store    *store.Store
	resolver *conditional.Resolver
}

func (t directTarget) Create(rt fhir.ResourceType, content fhir.Resource) (*store.Version, error) {
	return t.store.Create(t.ctx, rt, content)
}

func (t directTarget) Update(rt fhir.ResourceType, id string, content fhir.Resource, expected *int) (*store.Version, error) {
	return t.store.Update(t.ctx, rt, id, content, expected)
}

func (t directTarget) Delete(rt fhir.ResourceType, id string) (*store.Version, error) {
	return t.store.Delete(t.ctx, rt, id)
}

func (t directTarget) Read(rt fhir.ResourceType, id string) (*store.Version, error) {
	return t.store.Read(t.ctx, rt, id)
}

func (t directTarget) ConditionalCreate(rt fhir.ResourceType, content fhir.Resource, criteria string) (conditional.Result, error) {
	return t.resolver.Create(t.ctx, rt, content, criteria)
}

func (t directTarget) ConditionalUpdate(rt fhir.ResourceType, content fhir.Resource, criteria string, expected *int) (conditional.Result, error) {
	return t.resolver.Update(t.ctx, rt, content, criteria, expected)
}

func (t directTarget) ConditionalDelete(rt fhir.ResourceType, criteria string) (conditional.Result, error) {
	return t.resolver.Delete(t.ctx, rt, criteria)
}
