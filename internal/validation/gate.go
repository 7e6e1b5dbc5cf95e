// Package validation checks resource content before it is persisted.
//
// A Gate runs three phases in order. Each phase collects every issue it
// finds; a phase that reports an error stops the later phases, since they
// assume the shape the earlier ones establish. Warnings never fail a
// resource.
package validation

import (
	"sync"

	"github.com/gofhir/fhirpath"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirstore/internal/platform/fhir"
)

// Gate validates resources against the structural rules, the typed R4
// model and any declared profiles.
type Gate struct {
	terminology *Terminology
	profiles    *Profiles
	logger      zerolog.Logger

	exprMu sync.RWMutex
	exprs  map[string]*fhirpath.Expression
}

type Option func(*Gate)

// WithProfiles replaces the built-in profile registry.
func WithProfiles(p *Profiles) Option {
	return func(g *Gate) { g.profiles = p }
}

// WithTerminology replaces the built-in value sets.
func WithTerminology(t *Terminology) Option {
	return func(g *Gate) { g.terminology = t }
}

func WithLogger(l zerolog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// New returns a Gate using the built-in value sets and US Core profiles
// unless options replace them.
func New(opts ...Option) *Gate {
	g := &Gate{
		logger: zerolog.Nop(),
		exprs:  make(map[string]*fhirpath.Expression),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.terminology == nil {
		g.terminology = NewTerminology()
	}
	if g.profiles == nil {
		g.profiles = NewProfiles()
	}
	return g
}

// Profiles exposes the registry so callers can load more definitions.
func (g *Gate) Profiles() *Profiles { return g.profiles }

// Terminology exposes the value sets bindings are checked against.
func (g *Gate) Terminology() *Terminology { return g.terminology }

// Check runs every applicable phase and returns all issues, warnings
// included. expected may be empty when the caller has no type in hand.
func (g *Gate) Check(expected fhir.ResourceType, res fhir.Resource) []fhir.ValidationIssue {
	var issues []fhir.ValidationIssue

	rt, structural := checkStructure(expected, res)
	issues = append(issues, structural...)
	if hasErrors(structural) {
		return issues
	}

	typed := checkSchema(rt, res)
	issues = append(issues, typed...)
	if hasErrors(typed) {
		return issues
	}

	return append(issues, g.checkProfiles(rt, res)...)
}

// Validate returns a ValidationFailed error carrying every issue when any
// phase reports an error.
func (g *Gate) Validate(expected fhir.ResourceType, res fhir.Resource) error {
	issues := g.Check(expected, res)
	if !hasErrors(issues) {
		return nil
	}
	rt := expected
	if rt == "" && res != nil {
		rt = fhir.ResourceType(res.Type())
	}
	return fhir.NewValidationFailed(rt, issues)
}

func hasErrors(issues []fhir.ValidationIssue) bool {
	for _, is := range issues {
		if is.IsError() {
			return true
		}
	}
	return false
}

func errorIssue(code, location, diagnostics string) fhir.ValidationIssue {
	return fhir.ValidationIssue{
		Severity:    fhir.IssueSeverityError,
		Code:        code,
		Location:    location,
		Diagnostics: diagnostics,
	}
}

func warningIssue(code, location, diagnostics string) fhir.ValidationIssue {
	return fhir.ValidationIssue{
		Severity:    fhir.IssueSeverityWarning,
		Code:        code,
		Location:    location,
		Diagnostics: diagnostics,
	}
}
