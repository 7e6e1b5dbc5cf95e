// Package engine is the operation API of the resource server. It wires the
// validation gate, conditional resolver, store, search executor and bundle
// processor into the request flow and reports every committed operation to
// the audit notifier.
package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirstore/internal/audit"
	"github.com/ehr/fhirstore/internal/bulk"
	"github.com/ehr/fhirstore/internal/bundle"
	"github.com/ehr/fhirstore/internal/conditional"
	"github.com/ehr/fhirstore/internal/index"
	"github.com/ehr/fhirstore/internal/search"
	"github.com/ehr/fhirstore/internal/store"
	"github.com/ehr/fhirstore/internal/validation"
)

type Engine struct {
	store    *store.Store
	index    *index.Index
	exec     *search.Executor
	resolver *conditional.Resolver
	gate     *validation.Gate
	bundles  *bundle.Processor
	exporter *bulk.Exporter
	importer *bulk.Importer
	audit    audit.Notifier
	logger   zerolog.Logger
	now      func() time.Time
}

type Option func(*Engine)

func WithGate(g *validation.Gate) Option { return func(e *Engine) { e.gate = g } }

func WithAudit(n audit.Notifier) Option { return func(e *Engine) { e.audit = n } }

func WithLogger(l zerolog.Logger) Option { return func(e *Engine) { e.logger = l } }

// New builds an engine over st, which must have been created with ix as its
// indexer.
func New(st *store.Store, ix *index.Index, opts ...Option) *Engine {
	e := &Engine{
		store:  st,
		index:  ix,
		audit:  audit.Nop{},
		logger: zerolog.Nop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(e)
	}
	if e.gate == nil {
		e.gate = validation.New(validation.WithLogger(e.logger))
	}
	e.exec = search.NewExecutor(st, ix)
	e.resolver = conditional.New(st, e.exec)
	e.bundles = bundle.NewProcessor(st, e.resolver, e.exec, e.gate, e.logger)
	e.exporter = bulk.NewExporter(st)
	e.importer = bulk.NewImporter(auditedWriter{e: e}, e.gate, e.logger)
	return e
}

// NewInMemory builds an engine over a fresh journal-less store.
func NewInMemory(opts ...Option) *Engine {
	ix := index.New(nil)
	return New(store.New(store.WithIndexer(ix)), ix, opts...)
}

// Gate exposes the validation gate, e.g. to load profiles.
func (e *Engine) Gate() *validation.Gate { return e.gate }

// Exporter exposes the NDJSON exporter for scheduled snapshots.
func (e *Engine) Exporter() *bulk.Exporter { return e.exporter }

// Registry exposes the search parameter tables.
func (e *Engine) Registry() *index.Registry { return e.index.Registry() }

type patientKey struct{}

// WithPatient restricts reads and searches made with ctx to the Patient
// compartment of id. Writes are not restricted.
func WithPatient(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, patientKey{}, id)
}

// PatientFrom returns the compartment restriction set by WithPatient.
func PatientFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(patientKey{}).(string)
	return id, ok && id != ""
}

func (e *Engine) filter(ctx context.Context) search.Filter {
	id, ok := PatientFrom(ctx)
	if !ok {
		return nil
	}
	return search.PatientCompartment.Filter(e.index.Registry(), id)
}
