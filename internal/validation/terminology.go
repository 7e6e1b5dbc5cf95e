package validation

import (
	"sync"

	"github.com/gofhir/fhir/r4"

	"github.com/ehr/fhirstore/internal/platform/fhir"
)

const (
	vsAdministrativeGender = "http://hl7.org/fhir/ValueSet/administrative-gender"
	vsObservationStatus    = "http://hl7.org/fhir/ValueSet/observation-status"
	vsTaskStatus           = "http://hl7.org/fhir/ValueSet/task-status"
	vsTaskIntent           = "http://hl7.org/fhir/ValueSet/task-intent"
	vsEncounterStatus      = "http://hl7.org/fhir/ValueSet/encounter-status"
	vsMedRequestStatus     = "http://hl7.org/fhir/ValueSet/medicationrequest-status"
	vsRequestStatus        = "http://hl7.org/fhir/ValueSet/request-status"
	vsRequestIntent        = "http://hl7.org/fhir/ValueSet/request-intent"
	vsEventStatus          = "http://hl7.org/fhir/ValueSet/event-status"
	vsReportStatus         = "http://hl7.org/fhir/ValueSet/diagnostic-report-status"
	vsImmunizationStatus   = "http://hl7.org/fhir/ValueSet/immunization-status"
	vsAppointmentStatus    = "http://hl7.org/fhir/ValueSet/appointmentstatus"
	vsBundleType           = "http://hl7.org/fhir/ValueSet/bundle-type"
)

// binding ties a top-level code element to a required value set.
type binding struct {
	element  string
	valueSet string
}

var bindings = map[fhir.ResourceType][]binding{
	fhir.TypePatient:           {{"gender", vsAdministrativeGender}},
	fhir.TypePractitioner:      {{"gender", vsAdministrativeGender}},
	fhir.TypeObservation:       {{"status", vsObservationStatus}},
	fhir.TypeRiskAssessment:    {{"status", vsObservationStatus}},
	fhir.TypeTask:              {{"status", vsTaskStatus}, {"intent", vsTaskIntent}},
	fhir.TypeEncounter:         {{"status", vsEncounterStatus}},
	fhir.TypeMedicationRequest: {{"status", vsMedRequestStatus}},
	fhir.TypeServiceRequest:    {{"status", vsRequestStatus}, {"intent", vsRequestIntent}},
	fhir.TypeProcedure:         {{"status", vsEventStatus}},
	fhir.TypeDiagnosticReport:  {{"status", vsReportStatus}},
	fhir.TypeImmunization:      {{"status", vsImmunizationStatus}},
	fhir.TypeAppointment:       {{"status", vsAppointmentStatus}},
	fhir.TypeBundle:            {{"type", vsBundleType}},
}

// Terminology holds expanded value sets keyed by canonical URL. Codes of
// an unknown value set are accepted.
type Terminology struct {
	mu   sync.RWMutex
	sets map[string]*r4.ValueSet
}

// NewTerminology returns the value sets behind the base R4 bindings.
func NewTerminology() *Terminology {
	t := &Terminology{sets: make(map[string]*r4.ValueSet)}
	builtin := map[string][]string{
		vsAdministrativeGender: {"male", "female", "other", "unknown"},
		vsObservationStatus:    {"registered", "preliminary", "final", "amended", "corrected", "cancelled", "entered-in-error", "unknown"},
		vsTaskStatus:           {"draft", "requested", "received", "accepted", "rejected", "ready", "cancelled", "in-progress", "on-hold", "failed", "completed", "entered-in-error"},
		vsTaskIntent:           {"unknown", "proposal", "plan", "order", "original-order", "reflex-order", "filler-order", "instance-order", "option"},
		vsEncounterStatus:      {"planned", "arrived", "triaged", "in-progress", "onleave", "finished", "cancelled", "entered-in-error", "unknown"},
		vsMedRequestStatus:     {"active", "on-hold", "cancelled", "completed", "entered-in-error", "stopped", "draft", "unknown"},
		vsRequestStatus:        {"draft", "active", "on-hold", "revoked", "completed", "entered-in-error", "unknown"},
		vsRequestIntent:        {"proposal", "plan", "directive", "order", "original-order", "reflex-order", "filler-order", "instance-order", "option"},
		vsEventStatus:          {"preparation", "in-progress", "not-done", "on-hold", "stopped", "completed", "entered-in-error", "unknown"},
		vsReportStatus:         {"registered", "partial", "preliminary", "final", "amended", "corrected", "appended", "cancelled", "entered-in-error", "unknown"},
		vsImmunizationStatus:   {"completed", "entered-in-error", "not-done"},
		vsAppointmentStatus:    {"proposed", "pending", "booked", "arrived", "fulfilled", "cancelled", "noshow", "entered-in-error", "checked-in", "waitlist"},
		vsBundleType:           {"document", "message", "transaction", "transaction-response", "batch", "batch-response", "history", "searchset", "collection"},
	}
	for url, codes := range builtin {
		t.Add(expandedValueSet(url, codes))
	}
	return t
}

func expandedValueSet(url string, codes []string) *r4.ValueSet {
	contains := make([]r4.ValueSetExpansionContains, 0, len(codes))
	for _, c := range codes {
		code := c
		contains = append(contains, r4.ValueSetExpansionContains{Code: &code})
	}
	u := url
	return &r4.ValueSet{Url: &u, Expansion: &r4.ValueSetExpansion{Contains: contains}}
}

// Add registers vs under its url, replacing any earlier definition.
func (t *Terminology) Add(vs *r4.ValueSet) {
	if vs == nil || vs.Url == nil || *vs.Url == "" {
		return
	}
	t.mu.Lock()
	t.sets[*vs.Url] = vs
	t.mu.Unlock()
}

// Contains reports whether code is in the expansion of url. known is false
// when url is not registered.
func (t *Terminology) Contains(url, code string) (ok, known bool) {
	t.mu.RLock()
	vs, known := t.sets[url]
	t.mu.RUnlock()
	if !known {
		return true, false
	}
	if vs.Expansion != nil && containsCode(vs.Expansion.Contains, code) {
		return true, true
	}
	if vs.Compose != nil {
		for _, inc := range vs.Compose.Include {
			for _, c := range inc.Concept {
				if c.Code != nil && *c.Code == code {
					return true, true
				}
			}
		}
	}
	return false, true
}

func containsCode(list []r4.ValueSetExpansionContains, code string) bool {
	for _, c := range list {
		if c.Code != nil && *c.Code == code {
			return true
		}
		if containsCode(c.Contains, code) {
			return true
		}
	}
	return false
}

// checkBindings validates the bound code elements of rt.
func (t *Terminology) checkBindings(rt fhir.ResourceType, res fhir.Resource) []fhir.ValidationIssue {
	var issues []fhir.ValidationIssue
	for _, b := range bindings[rt] {
		code, ok := res[b.element].(string)
		if !ok {
			continue
		}
		if found, _ := t.Contains(b.valueSet, code); !found {
			issues = append(issues, errorIssue(fhir.IssueTypeCodeInvalid, string(rt)+"."+b.element,
				"code "+code+" is not in value set "+b.valueSet))
		}
	}
	return issues
}
