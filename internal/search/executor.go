package search

import (
	"context"
	"sort"

	"github.com/ehr/fhirstore/internal/index"
	"github.com/ehr/fhirstore/internal/platform/fhir"
	"github.com/ehr/fhirstore/internal/store"
)

// Entry is one resource of a search result.
type Entry struct {
	Version *store.Version
	Mode    string
}

// Result is one page of a search. Total counts every match regardless of
// paging; included resources are never counted.
type Result struct {
	Entries []Entry
	Total   int
	Count   int
	Offset  int
}

// SearchEntries converts the result for fhir.NewSearchBundle.
func (r *Result) SearchEntries() []fhir.SearchEntry {
	out := make([]fhir.SearchEntry, 0, len(r.Entries))
	for _, e := range r.Entries {
		out = append(out, fhir.SearchEntry{Resource: e.Version.Content, Mode: e.Mode})
	}
	return out
}

// Executor evaluates queries against a consistent view of store and index.
type Executor struct {
	store *store.Store
	index *index.Index
}

func NewExecutor(st *store.Store, ix *index.Index) *Executor {
	return &Executor{store: st, index: ix}
}

// Registry exposes the parameter tables queries are parsed against.
func (e *Executor) Registry() *index.Registry { return e.index.Registry() }

// Search runs q. filter, when set, hides non-admitted matches and includes.
func (e *Executor) Search(ctx context.Context, q *Query, filter Filter) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res := &Result{Count: q.Count, Offset: q.Offset}
	err := e.store.View(func(snap store.Snapshot) error {
		ids, err := e.candidates(q)
		if err != nil {
			return err
		}
		matches := make([]*store.Version, 0, len(ids))
		for id := range ids {
			v, ok := snap.Current(q.Type, id)
			if !ok || (filter != nil && !filter(v)) {
				continue
			}
			matches = append(matches, v)
		}
		sortVersions(matches)
		res.Total = len(matches)
		if q.Summary == SummaryCount {
			return nil
		}

		page := paginate(matches, q.Offset, q.Count)
		seen := make(map[string]bool, len(page))
		for _, v := range page {
			seen[v.Reference()] = true
			res.Entries = append(res.Entries, Entry{Version: v.Clone(), Mode: fhir.SearchModeMatch})
		}
		included, err := e.includes(snap, q, page, filter, seen)
		if err != nil {
			return err
		}
		for _, v := range included {
			res.Entries = append(res.Entries, Entry{Version: v, Mode: fhir.SearchModeInclude})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, entry := range res.Entries {
		entry.Version.Content = Project(entry.Version.Content, q.Summary, q.Elements)
	}
	return res, nil
}

// Match returns the ids of every current resource matching q, ignoring
// paging, projection and includes. Used to select conditional targets.
func (e *Executor) Match(ctx context.Context, q *Query) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []string
	err := e.store.View(func(snap store.Snapshot) error {
		ids, err := e.candidates(q)
		if err != nil {
			return err
		}
		for _, id := range ids.Sorted() {
			if _, ok := snap.Current(q.Type, id); ok {
				out = append(out, id)
			}
		}
		return nil
	})
	return out, err
}

// Everything returns the patient followed by every Patient compartment
// member referencing it, grouped by type then id.
func (e *Executor) Everything(ctx context.Context, patientID string, filter Filter) ([]*store.Version, error) {
	if _, err := e.store.Read(ctx, fhir.TypePatient, patientID); err != nil {
		return nil, err
	}
	focal := fhir.FormatReference(fhir.TypePatient, patientID)
	var out []*store.Version
	err := e.store.View(func(snap store.Snapshot) error {
		patient, ok := snap.Current(fhir.TypePatient, patientID)
		if !ok {
			return fhir.NewNotFound(fhir.TypePatient, patientID)
		}
		if filter != nil && !filter(patient) {
			return fhir.NewNotFound(fhir.TypePatient, patientID)
		}
		out = append(out, patient.Clone())
		for _, rt := range PatientCompartment.MemberTypes() {
			members := make(index.IDSet)
			for _, param := range PatientCompartment.Members[rt] {
				ids, err := e.index.Lookup(rt, index.Predicate{Param: param, Value: focal})
				if err != nil {
					return err
				}
				members.Union(ids)
			}
			for _, id := range members.Sorted() {
				v, ok := snap.Current(rt, id)
				if !ok || (filter != nil && !filter(v)) {
					continue
				}
				out = append(out, v.Clone())
			}
		}
		return nil
	})
	return out, err
}

func (e *Executor) candidates(q *Query) (index.IDSet, error) {
	set := e.index.All(q.Type)
	for _, p := range q.Params {
		var combined index.IDSet
		for _, value := range p.Values {
			ids, err := e.index.Lookup(q.Type, index.Predicate{Param: p.Name, Modifier: p.Modifier, Value: value})
			if err != nil {
				return nil, err
			}
			switch {
			case combined == nil:
				combined = ids
			case p.Modifier == fhir.ModifierNot:
				// :not=a,b excludes both a and b.
				combined = combined.Intersect(ids)
			default:
				combined.Union(ids)
			}
		}
		if combined == nil {
			combined = make(index.IDSet)
		}
		set = set.Intersect(combined)
	}

	for _, c := range q.Chains {
		targets := make(map[string]bool)
		for _, rt := range c.TargetTypes {
			for _, value := range c.Values {
				ids, err := e.index.Lookup(rt, index.Predicate{Param: c.Param, Modifier: c.Modifier, Value: value})
				if err != nil {
					return nil, fhir.NewUnsupportedChain(q.Type, c.Ref+"."+c.Param, err.Error())
				}
				for id := range ids {
					targets[fhir.FormatReference(rt, id)] = true
				}
			}
		}
		next := make(index.IDSet)
		for id := range set {
			vals, err := e.index.Values(q.Type, id, c.Ref)
			if err != nil {
				return nil, err
			}
			for _, v := range vals {
				if targets[v.Ref] {
					next.Add(id)
					break
				}
			}
		}
		set = next
	}
	return set, nil
}

func (e *Executor) includes(snap store.Snapshot, q *Query, page []*store.Version, filter Filter, seen map[string]bool) ([]*store.Version, error) {
	reg := e.index.Registry()
	var out []*store.Version
	add := func(v *store.Version) {
		ref := v.Reference()
		if seen[ref] || (filter != nil && !filter(v)) {
			return
		}
		seen[ref] = true
		out = append(out, v.Clone())
	}
	paramsOf := func(rt fhir.ResourceType, param string) []string {
		if param != "*" {
			return []string{param}
		}
		var names []string
		for _, d := range reg.ReferenceParams(rt) {
			names = append(names, d.Name)
		}
		return names
	}

	for _, in := range q.Includes {
		params := paramsOf(q.Type, in.Param)
		for _, m := range page {
			for _, p := range params {
				vals, err := e.index.Values(q.Type, m.ID, p)
				if err != nil {
					return nil, err
				}
				for _, val := range vals {
					rt, id, ok := fhir.ParseReference(val.Ref)
					if !ok || (in.Target != "" && rt != in.Target) {
						continue
					}
					if v, ok := snap.Current(rt, id); ok {
						add(v)
					}
				}
			}
		}
	}

	for _, in := range q.RevIncludes {
		if in.Target != "" && in.Target != q.Type {
			continue
		}
		params := paramsOf(in.Source, in.Param)
		for _, m := range page {
			for _, p := range params {
				ids, err := e.index.Lookup(in.Source, index.Predicate{Param: p, Value: m.Reference()})
				if err != nil {
					return nil, err
				}
				for _, id := range ids.Sorted() {
					if v, ok := snap.Current(in.Source, id); ok {
						add(v)
					}
				}
			}
		}
	}
	return out, nil
}

// sortVersions orders by lastUpdated descending, then id ascending.
func sortVersions(vs []*store.Version) {
	sort.Slice(vs, func(i, j int) bool {
		if !vs[i].LastUpdated.Equal(vs[j].LastUpdated) {
			return vs[i].LastUpdated.After(vs[j].LastUpdated)
		}
		return vs[i].ID < vs[j].ID
	})
}

func paginate(vs []*store.Version, offset, count int) []*store.Version {
	if offset >= len(vs) {
		return nil
	}
	end := offset + count
	if end > len(vs) {
		end = len(vs)
	}
	return vs[offset:end]
}
