package bundle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirstore/internal/conditional"
	"github.com/ehr/fhirstore/internal/platform/fhir"
	"github.com/ehr/fhirstore/internal/search"
	"github.com/ehr/fhirstore/internal/store"
	"github.com/ehr/fhirstore/internal/validation"
)

// Op names what an entry did, for auditing.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpRead   Op = "read"
	OpVRead  Op = "vread"
	OpSearch Op = "search"
)

// EntryResult is the outcome of one entry. Err is set, and Outcome
// describes it, when the entry failed.
type EntryResult struct {
	Index    int
	Op       Op
	Status   string
	Version  *store.Version
	Resource fhir.Resource
	Outcome  *fhir.OperationOutcome
	Err      error
	// Changed is false when a conditional operation found nothing to do.
	Changed bool
}

// Result lists entry outcomes in input order.
type Result struct {
	Type    string
	Entries []EntryResult
}

// Processor executes bundles against the store.
type Processor struct {
	store    *store.Store
	resolver *conditional.Resolver
	exec     *search.Executor
	gate     *validation.Gate
	logger   zerolog.Logger
}

func NewProcessor(st *store.Store, resolver *conditional.Resolver, exec *search.Executor, gate *validation.Gate, logger zerolog.Logger) *Processor {
	return &Processor{store: st, resolver: resolver, exec: exec, gate: gate, logger: logger}
}

// Execute runs b. filter restricts what read and search entries may return.
// A batch never fails as a whole; a transaction either commits every entry
// or returns an error and leaves no trace.
func (p *Processor) Execute(ctx context.Context, b *Bundle, filter search.Filter) (*Result, error) {
	switch b.Type {
	case fhir.BundleTypeBatch:
		return p.batch(ctx, b, filter), nil
	case fhir.BundleTypeTransaction:
		return p.transaction(ctx, b, filter)
	}
	return nil, fhir.Invalid(fhir.TypeBundle, "Bundle.type", "bundle type must be transaction or batch, got %q", b.Type)
}

func (p *Processor) batch(ctx context.Context, b *Bundle, filter search.Filter) *Result {
	res := &Result{Type: fhir.BundleTypeBatchResponse, Entries: make([]EntryResult, len(b.Entries))}
	t := directTarget{ctx: ctx, store: p.store, resolver: p.resolver}
	for i := range b.Entries {
		e := b.Entries[i]
		var out EntryResult
		if ph := e.placeholders(); len(ph) > 0 {
			out = failed(e, fhir.NewUnresolvableReference(ph, "placeholders are only resolved in transactions"))
		} else {
			var err error
			out, err = p.entry(ctx, t, e, filter)
			if err != nil {
				out = failed(e, err)
			}
		}
		if out.Err != nil {
			p.logger.Debug().Err(out.Err).Int("entry", i).Str("method", e.Method).Str("url", e.URL).Msg("batch entry failed")
		}
		res.Entries[i] = out
	}
	return res
}

func failed(e Entry, err error) EntryResult {
	return EntryResult{
		Index:   e.Index,
		Status:  fhir.StatusForKind(fhir.KindOf(err)),
		Outcome: fhir.OutcomeFor(err),
		Err:     err,
	}
}

func (p *Processor) transaction(ctx context.Context, b *Bundle, filter search.Filter) (*Result, error) {
	declared := make(map[string]bool)
	for _, e := range b.Entries {
		if fhir.IsPlaceholder(e.FullURL) {
			declared[e.FullURL] = true
		}
	}
	var dangling []string
	for _, e := range b.Entries {
		for _, ph := range e.placeholders() {
			if !declared[ph] {
				dangling = append(dangling, ph)
			}
		}
	}
	if len(dangling) > 0 {
		sort.Strings(dangling)
		return nil, fhir.NewUnresolvableReference(dangling, "no entry declares these fullUrls")
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tx := p.store.Begin(ctx)
	defer tx.Rollback()

	var condTypes []fhir.ResourceType
	for _, e := range b.Entries {
		if e.conditional() {
			condTypes = append(condTypes, e.Type)
		}
	}
	unlock := p.resolver.LockTypes(condTypes...)
	defer unlock()

	t := txTarget{Tx: tx, ctx: ctx, resolver: p.resolver}
	results := make([]EntryResult, len(b.Entries))
	mapping := make(map[string]string)
	pending := make([]int, len(b.Entries))
	for i := range pending {
		pending[i] = i
	}

	for len(pending) > 0 {
		var deferred []int
		for _, i := range pending {
			e := &b.Entries[i]
			if unresolved(e, mapping) {
				deferred = append(deferred, i)
				continue
			}
			e.rewrite(mapping)
			out, err := p.entry(ctx, t, *e, filter)
			if err != nil {
				return nil, fhir.NewRolledBack(i, err)
			}
			if ref := resolvedReference(*e, out); ref != "" && fhir.IsPlaceholder(e.FullURL) {
				mapping[e.FullURL] = ref
			}
			results[i] = out
		}
		if len(deferred) == len(pending) {
			return nil, fhir.NewUnresolvableReference(remaining(b, deferred, mapping), "placeholders could not be resolved; the entries reference each other in a cycle")
		}
		pending = deferred
	}

	if _, err := tx.Commit(ctx); err != nil {
		return nil, fhir.NewRolledBack(-1, err)
	}
	p.logger.Debug().Int("entries", len(results)).Msg("transaction committed")
	return &Result{Type: fhir.BundleTypeTransactionResponse, Entries: results}, nil
}

func unresolved(e *Entry, mapping map[string]string) bool {
	for _, ph := range e.placeholders() {
		if _, ok := mapping[ph]; !ok {
			return true
		}
	}
	return false
}

func remaining(b *Bundle, idx []int, mapping map[string]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, i := range idx {
		for _, ph := range b.Entries[i].placeholders() {
			if _, ok := mapping[ph]; !ok && !seen[ph] {
				seen[ph] = true
				out = append(out, ph)
			}
		}
	}
	sort.Strings(out)
	return out
}

// resolvedReference is what a placeholder fullUrl turns into once its entry
// ran: the Type/id of the resource the entry produced or targeted. It is
// empty when the entry identified no resource.
func resolvedReference(e Entry, out EntryResult) string {
	if out.Version != nil {
		return out.Version.Reference()
	}
	if e.ID != "" {
		return fhir.FormatReference(e.Type, e.ID)
	}
	return ""
}

// entry dispatches one request. The returned error is the entry's failure.
func (p *Processor) entry(ctx context.Context, t Target, e Entry, filter search.Filter) (EntryResult, error) {
	out := EntryResult{Index: e.Index}
	switch e.Method {
	case "POST":
		if err := p.gate.Validate(e.Type, e.Resource); err != nil {
			return out, err
		}
		out.Op = OpCreate
		if e.IfNoneExist != "" {
			r, err := t.ConditionalCreate(e.Type, e.Resource, e.IfNoneExist)
			if err != nil {
				return out, err
			}
			return conditionalResult(out, r), nil
		}
		v, err := t.Create(e.Type, e.Resource)
		if err != nil {
			return out, err
		}
		return written(out, v, "201 Created"), nil

	case "PUT":
		if err := p.gate.Validate(e.Type, e.Resource); err != nil {
			return out, err
		}
		out.Op = OpUpdate
		if e.HasQuery {
			r, err := t.ConditionalUpdate(e.Type, e.Resource, e.Query, e.Expected)
			if err != nil {
				return out, err
			}
			return conditionalResult(out, r), nil
		}
		v, err := t.Update(e.Type, e.ID, e.Resource, e.Expected)
		if err != nil {
			return out, err
		}
		status := "200 OK"
		if v.VersionID == 1 {
			status = "201 Created"
		}
		return written(out, v, status), nil

	case "DELETE":
		out.Op = OpDelete
		if e.HasQuery {
			r, err := t.ConditionalDelete(e.Type, e.Query)
			if err != nil {
				return out, err
			}
			return conditionalResult(out, r), nil
		}
		v, err := t.Delete(e.Type, e.ID)
		if err != nil {
			return out, err
		}
		out = written(out, v, "204 No Content")
		out.Resource = nil
		return out, nil

	case "GET":
		return p.get(ctx, t, e, filter)
	}
	return out, fhir.Invalid(e.Type, "request.method", "method %q is not supported", e.Method)
}

func (p *Processor) get(ctx context.Context, t Target, e Entry, filter search.Filter) (EntryResult, error) {
	out := EntryResult{Index: e.Index, Status: "200 OK"}
	switch {
	case e.VersionID > 0:
		out.Op = OpVRead
		v, err := p.store.VRead(ctx, e.Type, e.ID, e.VersionID)
		if err != nil {
			return out, err
		}
		if filter != nil && !filter(v) {
			return out, fhir.NewNotFound(e.Type, e.ID)
		}
		out.Version, out.Resource = v, v.Content
		return out, nil

	case e.ID != "":
		out.Op = OpRead
		v, err := t.Read(e.Type, e.ID)
		if err != nil {
			return out, err
		}
		if filter != nil && !filter(v) {
			return out, fhir.NewNotFound(e.Type, e.ID)
		}
		out.Version, out.Resource = v, v.Content
		return out, nil
	}

	out.Op = OpSearch
	values, err := url.ParseQuery(e.Query)
	if err != nil {
		return out, fhir.NewUnsupportedParameter(e.Type, e.Query, "malformed query string")
	}
	q, err := search.Parse(p.exec.Registry(), e.Type, values)
	if err != nil {
		return out, err
	}
	sr, err := p.exec.Search(ctx, q, filter)
	if err != nil {
		return out, err
	}
	sb := fhir.NewSearchBundle(sr.SearchEntries(), fhir.SearchBundleParams{
		SearchURL: string(e.Type),
		QueryStr:  q.Encode(),
		Count:     sr.Count,
		Offset:    sr.Offset,
		Total:     sr.Total,
	})
	out.Resource, err = toResource(sb)
	return out, err
}

func written(out EntryResult, v *store.Version, status string) EntryResult {
	out.Status = status
	out.Version = v
	out.Resource = v.Content
	out.Changed = true
	return out
}

func conditionalResult(out EntryResult, r conditional.Result) EntryResult {
	switch r.Outcome {
	case conditional.Created:
		return written(out, r.Version, "201 Created")
	case conditional.Updated:
		return written(out, r.Version, "200 OK")
	case conditional.Deleted:
		out = written(out, r.Version, "204 No Content")
		out.Resource = nil
		return out
	case conditional.Existing:
		out.Status = "200 OK"
		out.Version = r.Version
		out.Resource = r.Version.Content
		out.Outcome = fhir.NewOperationOutcome(fhir.IssueSeverityInformation, fhir.IssueTypeInformational,
			"a resource matching the criteria already exists")
		return out
	default:
		out.Status = "204 No Content"
		out.Outcome = fhir.NewOperationOutcome(fhir.IssueSeverityInformation, fhir.IssueTypeInformational,
			"no resource matched the criteria")
		return out
	}
}

// Bundle renders the result as a transaction-response or batch-response.
func (r *Result) Bundle(baseURL string) *fhir.Bundle {
	entries := make([]fhir.BundleEntry, 0, len(r.Entries))
	for _, er := range r.Entries {
		be := fhir.BundleEntry{Response: &fhir.BundleResponse{Status: er.Status, Outcome: er.Outcome}}
		if v := er.Version; v != nil {
			lm := v.LastUpdated
			be.Response.Location = v.Location()
			be.Response.Etag = fhir.FormatETag(v.VersionID)
			be.Response.LastModified = &lm
			if baseURL != "" {
				be.FullURL = baseURL + "/" + v.Reference()
			} else {
				be.FullURL = v.Reference()
			}
		}
		if er.Resource != nil {
			be.Resource, _ = er.Resource.Marshal()
		}
		entries = append(entries, be)
	}
	if r.Type == fhir.BundleTypeBatchResponse {
		return fhir.NewBatchResponse(entries)
	}
	return fhir.NewTransactionResponse(entries)
}

func toResource(b *fhir.Bundle) (fhir.Resource, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode search bundle: %w", err)
	}
	return fhir.ParseResource(raw)
}

// Failed reports whether any batch entry failed.
func (r *Result) Failed() bool {
	for _, e := range r.Entries {
		if e.Err != nil {
			return true
		}
	}
	return false
}
