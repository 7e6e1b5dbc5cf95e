// Package index maintains the search parameter values derived from the current
// version of every resource and answers single-parameter predicates over them.
package index

import (
	"sort"
	"sync"

	"github.com/ehr/fhirstore/internal/platform/fhir"
)

// Predicate is one parameter test: name[:modifier]=value, where value is a
// single OR alternative including any comparison prefix.
type Predicate struct {
	Param    string
	Modifier fhir.SearchModifier
	Value    string
}

// IDSet is a set of logical ids of one resource type.
type IDSet map[string]struct{}

func (s IDSet) Add(id string) { s[id] = struct{}{} }

func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Intersect returns the ids present in both sets.
func (s IDSet) Intersect(o IDSet) IDSet {
	small, large := s, o
	if len(large) < len(small) {
		small, large = large, small
	}
	out := make(IDSet, len(small))
	for id := range small {
		if large.Has(id) {
			out.Add(id)
		}
	}
	return out
}

// Union adds every id of o to s and returns s.
func (s IDSet) Union(o IDSet) IDSet {
	for id := range o {
		s.Add(id)
	}
	return s
}

// Sorted returns the ids in ascending order.
func (s IDSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

type entry map[string][]Value

// Index holds, per resource type and id, the values of every parameter.
// The store drives it through Reindex and RemoveAll inside its commit
// critical section.
type Index struct {
	reg *Registry

	mu   sync.RWMutex
	rows map[fhir.ResourceType]map[string]entry
}

func New(reg *Registry) *Index {
	if reg == nil {
		reg = NewRegistry()
	}
	return &Index{reg: reg, rows: make(map[fhir.ResourceType]map[string]entry)}
}

// Registry returns the parameter tables the index extracts with.
func (ix *Index) Registry() *Registry { return ix.reg }

// Reindex replaces every entry of (rt, id) with values derived from content.
func (ix *Index) Reindex(rt fhir.ResourceType, id string, content fhir.Resource) {
	e := make(entry)
	root := map[string]interface{}(content)
	for _, d := range ix.reg.Params(rt) {
		if vals := Extract(d, root); len(vals) > 0 {
			e[d.Name] = vals
		}
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	byID := ix.rows[rt]
	if byID == nil {
		byID = make(map[string]entry)
		ix.rows[rt] = byID
	}
	byID[id] = e
}

// RemoveAll drops every entry of (rt, id).
func (ix *Index) RemoveAll(rt fhir.ResourceType, id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.rows[rt], id)
}

// Param resolves a parameter name or alias.
func (ix *Index) Param(rt fhir.ResourceType, name string) (ParamDef, bool) {
	return ix.reg.Param(rt, name)
}

// All returns the ids of every indexed resource of rt.
func (ix *Index) All(rt fhir.ResourceType) IDSet {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make(IDSet, len(ix.rows[rt]))
	for id := range ix.rows[rt] {
		out.Add(id)
	}
	return out
}

// Contains reports whether (rt, id) is indexed.
func (ix *Index) Contains(rt fhir.ResourceType, id string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, ok := ix.rows[rt][id]
	return ok
}

// Values returns the indexed values of one parameter of one resource.
func (ix *Index) Values(rt fhir.ResourceType, id, param string) ([]Value, error) {
	d, ok := ix.reg.Param(rt, param)
	if !ok {
		return nil, fhir.NewUnsupportedParameter(rt, param, "unknown search parameter")
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	vals := ix.rows[rt][id][d.Name]
	return append([]Value(nil), vals...), nil
}

// Lookup returns the ids of rt matching p.
func (ix *Index) Lookup(rt fhir.ResourceType, p Predicate) (IDSet, error) {
	d, ok := ix.reg.Param(rt, p.Param)
	if !ok {
		return nil, fhir.NewUnsupportedParameter(rt, p.Param, "unknown search parameter")
	}
	if err := checkModifier(d, p.Modifier); err != nil {
		return nil, fhir.NewUnsupportedParameter(rt, p.Param, err.Error())
	}

	if p.Modifier == fhir.ModifierMissing {
		var missing bool
		switch p.Value {
		case "true":
			missing = true
		case "false":
		default:
			return nil, fhir.NewUnsupportedParameter(rt, p.Param, ":missing takes true or false")
		}
		ix.mu.RLock()
		defer ix.mu.RUnlock()
		out := make(IDSet)
		for id, e := range ix.rows[rt] {
			if (len(e[d.Name]) == 0) == missing {
				out.Add(id)
			}
		}
		return out, nil
	}

	m, err := compile(d, p.Modifier, p.Value)
	if err != nil {
		return nil, fhir.NewUnsupportedParameter(rt, p.Param, err.Error())
	}
	negate := p.Modifier == fhir.ModifierNot

	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make(IDSet)
	for id, e := range ix.rows[rt] {
		hit := false
		for _, v := range e[d.Name] {
			if m(v) {
				hit = true
				break
			}
		}
		if hit != negate {
			out.Add(id)
		}
	}
	return out, nil
}
