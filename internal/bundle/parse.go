// Package bundle executes batch and transaction bundles. A batch runs each
// entry on its own; a transaction resolves urn:uuid placeholders, stages
// every entry in one store transaction and commits or rolls back as a unit.
package bundle

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ehr/fhirstore/internal/platform/fhir"
)

// Entry is one request of a bundle with its url already decomposed.
type Entry struct {
	Index       int
	FullURL     string
	Resource    fhir.Resource
	Method      string
	URL         string
	IfNoneExist string
	IfMatch     string

	Type fhir.ResourceType
	ID   string
	// VersionID is set for GET Type/id/_history/n.
	VersionID int
	// Query holds search parameters for GET, or the criteria of a
	// conditional PUT or DELETE.
	Query    string
	HasQuery bool
	Expected *int
}

// Bundle is a parsed batch or transaction.
type Bundle struct {
	Type    string
	Entries []Entry
}

var methods = map[string]bool{"GET": true, "POST": true, "PUT": true, "DELETE": true}

// Parse decodes a bundle body and checks its shape. Any problem is reported
// as one ValidationFailed error before anything executes.
func Parse(body []byte) (*Bundle, error) {
	res, err := fhir.ParseResource(body)
	if err != nil {
		return nil, fhir.Invalid(fhir.TypeBundle, "", "invalid JSON: %v", err)
	}
	return FromResource(res)
}

type rawEntry struct {
	FullURL  string              `json:"fullUrl,omitempty"`
	Resource json.RawMessage     `json:"resource,omitempty"`
	Request  *fhir.BundleRequest `json:"request,omitempty"`
}

// FromResource checks the shape of an already decoded bundle.
func FromResource(res fhir.Resource) (*Bundle, error) {
	if res.Type() != string(fhir.TypeBundle) {
		return nil, fhir.Invalid(fhir.TypeBundle, "resourceType", "expected resourceType Bundle, got %q", res.Type())
	}
	data, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode bundle: %w", err)
	}
	var raw struct {
		Type  string     `json:"type"`
		Entry []rawEntry `json:"entry"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fhir.Invalid(fhir.TypeBundle, "Bundle.entry", "malformed bundle: %v", err)
	}

	var issues []fhir.ValidationIssue
	add := func(code, loc, format string, args ...interface{}) {
		issues = append(issues, fhir.ValidationIssue{
			Severity:    fhir.IssueSeverityError,
			Code:        code,
			Location:    loc,
			Diagnostics: fmt.Sprintf(format, args...),
		})
	}

	if raw.Type != fhir.BundleTypeTransaction && raw.Type != fhir.BundleTypeBatch {
		add(fhir.IssueTypeValue, "Bundle.type", "bundle type must be transaction or batch, got %q", raw.Type)
	}

	b := &Bundle{Type: raw.Type, Entries: make([]Entry, 0, len(raw.Entry))}
	fullURLs := make(map[string]int)
	for i, re := range raw.Entry {
		prefix := fmt.Sprintf("Bundle.entry[%d]", i)
		e := Entry{Index: i, FullURL: re.FullURL}

		if re.FullURL != "" {
			if first, dup := fullURLs[re.FullURL]; dup {
				add(fhir.IssueTypeBusinessRule, prefix+".fullUrl", "entry %d: fullUrl %q duplicates entry %d", i, re.FullURL, first)
			} else {
				fullURLs[re.FullURL] = i
			}
		}

		if len(re.Resource) > 0 && string(re.Resource) != "null" {
			r, err := fhir.ParseResource(re.Resource)
			if err != nil {
				add(fhir.IssueTypeStructure, prefix+".resource", "entry %d: %v", i, err)
			}
			e.Resource = r
		}

		if re.Request == nil {
			add(fhir.IssueTypeRequired, prefix+".request", "entry %d: request is required", i)
			b.Entries = append(b.Entries, e)
			continue
		}
		e.Method = strings.ToUpper(re.Request.Method)
		e.URL = re.Request.URL
		e.IfNoneExist = re.Request.IfNoneExist
		e.IfMatch = re.Request.IfMatch

		switch {
		case e.Method == "":
			add(fhir.IssueTypeRequired, prefix+".request.method", "entry %d: request.method is required", i)
		case !methods[e.Method]:
			add(fhir.IssueTypeNotSupported, prefix+".request.method", "entry %d: method %q is not supported", i, e.Method)
		}
		if e.URL == "" {
			add(fhir.IssueTypeRequired, prefix+".request.url", "entry %d: request.url is required", i)
			b.Entries = append(b.Entries, e)
			continue
		}
		if err := e.parseURL(); err != nil {
			add(fhir.IssueTypeValue, prefix+".request.url", "entry %d: %v", i, err)
			b.Entries = append(b.Entries, e)
			continue
		}
		if e.IfMatch != "" {
			v, err := fhir.ParseETag(e.IfMatch)
			if err != nil {
				add(fhir.IssueTypeValue, prefix+".request.ifMatch", "entry %d: %v", i, err)
			} else {
				e.Expected = &v
			}
		}

		switch e.Method {
		case "POST", "PUT":
			if e.Resource == nil {
				add(fhir.IssueTypeRequired, prefix+".resource", "entry %d: %s requires a resource", i, e.Method)
			} else if e.Resource.Type() != string(e.Type) {
				add(fhir.IssueTypeInvalid, prefix+".resource", "entry %d: resource type %q does not match url type %s", i, e.Resource.Type(), e.Type)
			}
		}
		switch e.Method {
		case "POST":
			if e.ID != "" || e.HasQuery {
				add(fhir.IssueTypeValue, prefix+".request.url", "entry %d: POST url must name only the resource type", i)
			}
		case "PUT", "DELETE":
			if e.ID == "" && !e.HasQuery {
				add(fhir.IssueTypeValue, prefix+".request.url", "entry %d: %s url needs an id or search criteria", i, e.Method)
			}
			if e.VersionID > 0 {
				add(fhir.IssueTypeValue, prefix+".request.url", "entry %d: %s cannot target a specific version", i, e.Method)
			}
		}
		b.Entries = append(b.Entries, e)
	}

	if len(issues) > 0 {
		return nil, fhir.NewValidationFailed(fhir.TypeBundle, issues)
	}
	return b, nil
}

// parseURL decomposes request.url. Accepted forms:
//
//	Patient
//	Patient/123
//	Patient/123/_history/2
//	Patient?identifier=x
//	http://server/fhir/Patient/123
func (e *Entry) parseURL() error {
	path, query, hasQuery := strings.Cut(e.URL, "?")
	e.Query, e.HasQuery = query, hasQuery

	segments := strings.Split(strings.Trim(path, "/"), "/")
	start := -1
	for i, s := range segments {
		if fhir.IsKnownResourceType(s) {
			start = i
			break
		}
	}
	if start < 0 {
		return fmt.Errorf("url %q does not name a supported resource type", e.URL)
	}
	segments = segments[start:]
	e.Type = fhir.ResourceType(segments[0])

	switch len(segments) {
	case 1:
	case 2:
		e.ID = segments[1]
	case 4:
		if segments[2] != "_history" {
			return fmt.Errorf("url %q is not a resource or version path", e.URL)
		}
		v, err := strconv.Atoi(segments[3])
		if err != nil || v < 1 {
			return fmt.Errorf("url %q has an invalid version", e.URL)
		}
		e.ID, e.VersionID = segments[1], v
	default:
		return fmt.Errorf("url %q is not a resource or version path", e.URL)
	}
	if e.ID != "" && hasQuery {
		return fmt.Errorf("url %q mixes an id with search criteria", e.URL)
	}
	return nil
}

// conditional reports whether the entry selects its target by criteria.
func (e *Entry) conditional() bool {
	switch e.Method {
	case "POST":
		return e.IfNoneExist != ""
	case "PUT", "DELETE":
		return e.HasQuery
	}
	return false
}

var placeholderPattern = regexp.MustCompile(`urn:uuid:[A-Za-z0-9\-]+`)

// placeholders returns every urn:uuid reference the entry depends on, from
// the reference elements of its body, its url and its ifNoneExist criteria.
// Other urn:uuid strings, such as identifier values, are plain data.
func (e *Entry) placeholders() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	if e.Resource != nil {
		fhir.WalkReferences(e.Resource, func(ref string) string {
			if fhir.IsPlaceholder(ref) {
				add(ref)
			}
			return ref
		})
	}
	for _, s := range []string{e.URL, e.IfNoneExist} {
		for _, p := range placeholderPattern.FindAllString(s, -1) {
			add(p)
		}
	}
	return out
}

// rewrite replaces resolved placeholders in the body, url and criteria.
func (e *Entry) rewrite(mapping map[string]string) {
	if len(mapping) == 0 {
		return
	}
	if e.Resource != nil {
		fhir.WalkReferences(e.Resource, func(ref string) string {
			if r, ok := mapping[ref]; ok {
				return r
			}
			return ref
		})
	}
	replace := func(s string) string {
		if !strings.Contains(s, fhir.PlaceholderPrefix) {
			return s
		}
		return placeholderPattern.ReplaceAllStringFunc(s, func(p string) string {
			if r, ok := mapping[p]; ok {
				return r
			}
			return p
		})
	}
	e.URL = replace(e.URL)
	e.Query = replace(e.Query)
	e.IfNoneExist = replace(e.IfNoneExist)
}
