package search

import (
	"sort"

	"github.com/ehr/fhirstore/internal/index"
	"github.com/ehr/fhirstore/internal/platform/fhir"
	"github.com/ehr/fhirstore/internal/store"
)

// Compartment maps member resource types to the reference parameters that
// link them to the compartment's focal resource.
type Compartment struct {
	Type    fhir.ResourceType
	Members map[fhir.ResourceType][]string
}

// PatientCompartment is the Patient compartment restricted to the stored
// resource types. Practitioner, Organization and Bundle are outside it.
var PatientCompartment = Compartment{
	Type: fhir.TypePatient,
	Members: map[fhir.ResourceType][]string{
		fhir.TypeObservation:        {"subject", "performer"},
		fhir.TypeEncounter:          {"subject"},
		fhir.TypeCondition:          {"subject"},
		fhir.TypeMedicationRequest:  {"subject"},
		fhir.TypeProcedure:          {"subject"},
		fhir.TypeAllergyIntolerance: {"patient"},
		fhir.TypeDiagnosticReport:   {"subject"},
		fhir.TypeImmunization:       {"patient"},
		fhir.TypeTask:               {"subject", "owner"},
		fhir.TypeServiceRequest:     {"subject"},
		fhir.TypeAppointment:        {"actor"},
		fhir.TypeSpecimen:           {"subject"},
		fhir.TypeRiskAssessment:     {"subject"},
	},
}

// MemberTypes returns the member types in name order.
func (c Compartment) MemberTypes() []fhir.ResourceType {
	out := make([]fhir.ResourceType, 0, len(c.Members))
	for rt := range c.Members {
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Filter is the read restriction applied to search results, includes and
// reads. A nil Filter admits everything.
type Filter func(v *store.Version) bool

// Filter returns a predicate admitting the focal resource id and every
// member whose linking parameters reference it. Membership is derived from
// the version's own content, so it holds for historical versions too.
func (c Compartment) Filter(reg *index.Registry, id string) Filter {
	focal := fhir.FormatReference(c.Type, id)
	return func(v *store.Version) bool {
		if v.ResourceType == c.Type {
			return v.ID == id
		}
		if v.Content == nil {
			return false
		}
		for _, param := range c.Members[v.ResourceType] {
			def, ok := reg.Param(v.ResourceType, param)
			if !ok {
				continue
			}
			for _, val := range index.Extract(def, v.Content) {
				if val.Ref == focal {
					return true
				}
			}
		}
		return false
	}
}
