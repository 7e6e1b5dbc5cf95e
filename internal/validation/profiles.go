package validation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gofhir/fhir/r4"
	"github.com/gofhir/fhirpath"
	"github.com/gofhir/fhirpath/types"

	"github.com/ehr/fhirstore/internal/platform/fhir"
)

// Invariant is a FHIRPath rule a conforming resource must satisfy.
type Invariant struct {
	Key        string
	Severity   string
	Human      string
	Expression string
}

// Profile is the subset of a StructureDefinition the gate enforces:
// required top-level elements and invariants.
type Profile struct {
	URL        string
	Name       string
	Type       fhir.ResourceType
	Required   []string
	Invariants []Invariant
}

// Profiles is a registry of profiles keyed by canonical URL.
type Profiles struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

// NewProfiles returns a registry holding the built-in US Core profiles.
func NewProfiles() *Profiles {
	p := &Profiles{profiles: make(map[string]*Profile)}
	for _, prof := range usCoreProfiles() {
		p.Add(prof)
	}
	return p
}

func (p *Profiles) Add(prof *Profile) {
	if prof == nil || prof.URL == "" {
		return
	}
	p.mu.Lock()
	p.profiles[prof.URL] = prof
	p.mu.Unlock()
}

func (p *Profiles) Get(url string) (*Profile, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	prof, ok := p.profiles[url]
	return prof, ok
}

// URLs lists the registered profile URLs in order.
func (p *Profiles) URLs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.profiles))
	for url := range p.profiles {
		out = append(out, url)
	}
	sort.Strings(out)
	return out
}

// LoadDir reads every *.json file in dir. StructureDefinitions become
// profiles and ValueSets are added to t when t is non-nil. Other resources
// are skipped. A missing directory loads nothing.
func (p *Profiles) LoadDir(dir string, t *Terminology) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read profile dir: %w", err)
	}
	loaded := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return loaded, fmt.Errorf("read %s: %w", path, err)
		}
		var head struct {
			ResourceType string `json:"resourceType"`
		}
		if err := json.Unmarshal(data, &head); err != nil {
			return loaded, fmt.Errorf("parse %s: %w", path, err)
		}
		switch head.ResourceType {
		case "StructureDefinition":
			var sd r4.StructureDefinition
			if err := json.Unmarshal(data, &sd); err != nil {
				return loaded, fmt.Errorf("parse %s: %w", path, err)
			}
			prof, err := profileFromDefinition(&sd)
			if err != nil {
				return loaded, fmt.Errorf("%s: %w", path, err)
			}
			p.Add(prof)
			loaded++
		case "ValueSet":
			if t == nil {
				continue
			}
			var vs r4.ValueSet
			if err := json.Unmarshal(data, &vs); err != nil {
				return loaded, fmt.Errorf("parse %s: %w", path, err)
			}
			t.Add(&vs)
			loaded++
		}
	}
	return loaded, nil
}

// profileFromDefinition keeps the differential (or snapshot when there is
// no differential) elements of the form Type.element with min > 0, and
// every constraint carrying an expression.
func profileFromDefinition(sd *r4.StructureDefinition) (*Profile, error) {
	url := deref(sd.Url)
	if url == "" {
		return nil, fmt.Errorf("structure definition has no url")
	}
	typeName := deref(sd.Type)
	rt, ok := fhir.ParseResourceType(typeName)
	if !ok {
		return nil, fmt.Errorf("profile %s constrains unsupported type %q", url, typeName)
	}

	var elements []r4.ElementDefinition
	switch {
	case sd.Differential != nil && len(sd.Differential.Element) > 0:
		elements = sd.Differential.Element
	case sd.Snapshot != nil:
		elements = sd.Snapshot.Element
	}

	prof := &Profile{URL: url, Name: deref(sd.Name), Type: rt}
	seen := make(map[string]bool)
	for _, el := range elements {
		path := deref(el.Path)
		head, rest, nested := strings.Cut(path, ".")
		if head != typeName {
			continue
		}
		if nested && !strings.Contains(rest, ".") && el.Min != nil && *el.Min > 0 && !seen[rest] {
			seen[rest] = true
			prof.Required = append(prof.Required, rest)
		}
		for _, c := range el.Constraint {
			expr := deref(c.Expression)
			if expr == "" {
				continue
			}
			sev := fhir.IssueSeverityError
			if c.Severity != nil {
				sev = string(*c.Severity)
			}
			prof.Invariants = append(prof.Invariants, Invariant{
				Key:        deref(c.Key),
				Severity:   sev,
				Human:      deref(c.Human),
				Expression: expr,
			})
		}
	}
	return prof, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// checkProfiles is the third phase: base bindings, then every declared
// profile.
func (g *Gate) checkProfiles(rt fhir.ResourceType, res fhir.Resource) []fhir.ValidationIssue {
	issues := g.terminology.checkBindings(rt, res)

	var encoded []byte
	for _, url := range res.Profiles() {
		prof, ok := g.profiles.Get(url)
		if !ok {
			issues = append(issues, warningIssue(fhir.IssueTypeNotSupported, string(rt)+".meta.profile",
				"profile "+url+" is not known; resource checked against the base definition only"))
			continue
		}
		if prof.Type != rt {
			issues = append(issues, errorIssue(fhir.IssueTypeInvalid, string(rt)+".meta.profile",
				fmt.Sprintf("profile %s constrains %s, not %s", url, prof.Type, rt)))
			continue
		}
		for _, el := range prof.Required {
			if isEmpty(res[el]) {
				issues = append(issues, errorIssue(fhir.IssueTypeRequired, string(rt)+"."+el,
					fmt.Sprintf("element %s is required by profile %s", el, url)))
			}
		}
		if len(prof.Invariants) == 0 {
			continue
		}
		if encoded == nil {
			var err error
			if encoded, err = json.Marshal(res); err != nil {
				issues = append(issues, errorIssue(fhir.IssueTypeException, string(rt), "encode resource: "+err.Error()))
				continue
			}
		}
		for _, inv := range prof.Invariants {
			issues = append(issues, g.checkInvariant(rt, url, inv, encoded)...)
		}
	}
	return issues
}

func (g *Gate) checkInvariant(rt fhir.ResourceType, url string, inv Invariant, encoded []byte) []fhir.ValidationIssue {
	expr, err := g.compile(inv.Expression)
	if err != nil {
		g.logger.Warn().Err(err).Str("profile", url).Str("key", inv.Key).Msg("invariant does not compile")
		return []fhir.ValidationIssue{warningIssue(fhir.IssueTypeInvariant, string(rt),
			fmt.Sprintf("invariant %s of %s could not be compiled", inv.Key, url))}
	}
	result, err := expr.Evaluate(encoded)
	if err != nil {
		g.logger.Warn().Err(err).Str("profile", url).Str("key", inv.Key).Msg("invariant evaluation failed")
		return []fhir.ValidationIssue{warningIssue(fhir.IssueTypeInvariant, string(rt),
			fmt.Sprintf("invariant %s of %s could not be evaluated", inv.Key, url))}
	}
	if satisfied(result) {
		return nil
	}
	msg := fmt.Sprintf("invariant %s failed: %s", inv.Key, inv.Human)
	if inv.Severity == fhir.IssueSeverityError {
		return []fhir.ValidationIssue{errorIssue(fhir.IssueTypeInvariant, string(rt), msg)}
	}
	return []fhir.ValidationIssue{warningIssue(fhir.IssueTypeInvariant, string(rt), msg)}
}

func (g *Gate) compile(expression string) (*fhirpath.Expression, error) {
	g.exprMu.RLock()
	expr, ok := g.exprs[expression]
	g.exprMu.RUnlock()
	if ok {
		return expr, nil
	}
	expr, err := fhirpath.Compile(expression)
	if err != nil {
		return nil, err
	}
	g.exprMu.Lock()
	g.exprs[expression] = expr
	g.exprMu.Unlock()
	return expr, nil
}

// satisfied applies constraint truthiness: empty passes, a single boolean
// is its value, anything else passes.
func satisfied(result types.Collection) bool {
	if len(result) == 0 {
		return true
	}
	if len(result) == 1 {
		if b, ok := result[0].(types.Boolean); ok {
			return b.Bool()
		}
	}
	return true
}

func usCoreProfiles() []*Profile {
	const base = "http://hl7.org/fhir/us/core/StructureDefinition/"
	return []*Profile{
		{
			URL:      base + "us-core-patient",
			Name:     "USCorePatientProfile",
			Type:     fhir.TypePatient,
			Required: []string{"identifier", "name", "gender"},
			Invariants: []Invariant{{
				Key:        "us-core-6",
				Severity:   fhir.IssueSeverityError,
				Human:      "Patient.name.given or Patient.name.family or both SHALL be present",
				Expression: "name.family.exists() or name.given.exists()",
			}},
		},
		{
			URL:      base + "us-core-observation-lab",
			Name:     "USCoreLaboratoryResultObservationProfile",
			Type:     fhir.TypeObservation,
			Required: []string{"status", "category", "code", "subject"},
		},
		{
			URL:      base + "us-core-condition",
			Name:     "USCoreCondition",
			Type:     fhir.TypeCondition,
			Required: []string{"category", "code", "subject"},
		},
		{
			URL:      base + "us-core-encounter",
			Name:     "USCoreEncounterProfile",
			Type:     fhir.TypeEncounter,
			Required: []string{"status", "class", "type", "subject"},
		},
		{
			URL:      base + "us-core-allergyintolerance",
			Name:     "USCoreAllergyIntolerance",
			Type:     fhir.TypeAllergyIntolerance,
			Required: []string{"code", "patient"},
		},
	}
}
