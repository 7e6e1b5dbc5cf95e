package engine

import (
	"context"
	"net/url"
	"strings"

	"github.com/ehr/fhirstore/internal/audit"
	"github.com/ehr/fhirstore/internal/platform/fhir"
	"github.com/ehr/fhirstore/internal/search"
	"github.com/ehr/fhirstore/internal/store"
)

// Page is one page of search results together with the query that produced
// it, which the paging links are rendered from.
type Page struct {
	Type   fhir.ResourceType
	Query  *search.Query
	Result *search.Result
}

// Bundle renders the page as a searchset. baseURL prefixes fullUrls and
// links, e.g. "http://host/fhir".
func (p *Page) Bundle(baseURL string) *fhir.Bundle {
	searchURL := string(p.Type)
	if baseURL != "" {
		searchURL = strings.TrimRight(baseURL, "/") + "/" + searchURL
	}
	return fhir.NewSearchBundle(p.Result.SearchEntries(), fhir.SearchBundleParams{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		SearchURL: searchURL,
		QueryStr:  p.Query.Encode(),
		Count:     p.Result.Count,
		Offset:    p.Result.Offset,
		Total:     p.Result.Total,
	})
}

// Search runs a type-level search from URL parameters.
func (e *Engine) Search(ctx context.Context, rt fhir.ResourceType, values url.Values) (*Page, error) {
	q, err := search.Parse(e.index.Registry(), rt, values)
	if err != nil {
		return nil, err
	}
	res, err := e.exec.Search(ctx, q, e.filter(ctx))
	if err != nil {
		return nil, err
	}
	e.notify(ctx, audit.OpSearch, rt, nil)
	return &Page{Type: rt, Query: q, Result: res}, nil
}

// Everything returns the patient and every resource of its compartment.
func (e *Engine) Everything(ctx context.Context, patientID string) ([]*store.Version, error) {
	out, err := e.exec.Everything(ctx, patientID, e.filter(ctx))
	if err != nil {
		return nil, err
	}
	for _, v := range out {
		e.notify(ctx, audit.OpRead, v.ResourceType, v)
	}
	return out, nil
}

// EverythingBundle renders an $everything result as a searchset.
func EverythingBundle(versions []*store.Version, baseURL string) *fhir.Bundle {
	entries := make([]fhir.SearchEntry, 0, len(versions))
	for _, v := range versions {
		entries = append(entries, fhir.SearchEntry{Resource: v.Content, Mode: fhir.SearchModeMatch})
	}
	b := fhir.NewSearchBundle(entries, fhir.SearchBundleParams{BaseURL: strings.TrimRight(baseURL, "/"), Total: len(entries)})
	b.Link = nil
	return b
}

// Validate runs every validation phase without storing anything. rt may be
// empty to accept any declared type.
func (e *Engine) Validate(_ context.Context, rt fhir.ResourceType, content fhir.Resource) *fhir.OperationOutcome {
	issues := e.gate.Check(rt, content)
	if len(issues) == 0 {
		return fhir.SuccessOutcome("validation successful")
	}
	return fhir.MultiValidationOutcome(issues)
}

// Capabilities describes the supported types, interactions and search
// parameters.
func (e *Engine) Capabilities(baseURL string) *fhir.CapabilityStatement {
	reg := e.index.Registry()
	var resources []fhir.CSResource
	for _, rt := range fhir.ResourceTypes() {
		var params []fhir.CSSearchParam
		for _, d := range reg.Params(rt) {
			params = append(params, fhir.CSSearchParam{Name: d.Name, Type: string(d.Type)})
		}
		resources = append(resources, fhir.ResourceCapability(string(rt), params))
	}
	return fhir.NewCapabilityStatement(baseURL, resources)
}
