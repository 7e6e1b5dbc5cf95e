package bulk

import (
	"context"
	"fmt"
	"io"
	"iter"
	"sort"
	"strings"

	"github.com/ehr/fhirstore/internal/platform/fhir"
	"github.com/ehr/fhirstore/internal/search"
	"github.com/ehr/fhirstore/internal/store"
)

// Source yields the current version of every live resource, grouped by type.
type Source interface {
	Current(types ...fhir.ResourceType) iter.Seq[*store.Version]
}

// Exporter streams current resources as NDJSON.
type Exporter struct {
	source Source
}

func NewExporter(src Source) *Exporter {
	return &Exporter{source: src}
}

// Summary counts the resources written per type.
type Summary struct {
	Counts map[fhir.ResourceType]int
	Total  int
}

// Types returns the exported types in sorted order.
func (s Summary) Types() []fhir.ResourceType {
	out := make([]fhir.ResourceType, 0, len(s.Counts))
	for rt := range s.Counts {
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseTypes splits a _type value like "Patient,Observation". Unknown types
// are rejected; an empty value selects every type.
func ParseTypes(raw string) ([]fhir.ResourceType, error) {
	var out []fhir.ResourceType
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if !fhir.IsKnownResourceType(s) {
			return nil, fhir.NewUnsupportedParameter("", "_type", fmt.Sprintf("unknown resource type %q", s))
		}
		out = append(out, fhir.ResourceType(s))
	}
	return out, nil
}

// Export writes the current non-deleted resources of the given types (all
// types when none are given) to w, grouped by type. filter, when set, drops
// resources outside a compartment. The context is checked between records.
func (e *Exporter) Export(ctx context.Context, w io.Writer, types []fhir.ResourceType, filter search.Filter) (Summary, error) {
	sum := Summary{Counts: make(map[fhir.ResourceType]int)}
	out := NewNDJSONWriter(w)
	for v := range e.source.Current(types...) {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if filter != nil && !filter(v) {
			continue
		}
		if err := out.WriteResource(v.Content); err != nil {
			return sum, fmt.Errorf("write %s: %w", v.Reference(), err)
		}
		sum.Counts[v.ResourceType]++
		sum.Total++
	}
	if err := out.Flush(); err != nil {
		return sum, fmt.Errorf("flush export: %w", err)
	}
	return sum, nil
}
