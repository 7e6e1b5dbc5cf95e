package fhir

import "sort"

// ResourceType is the closed set of resource types the server stores.
type ResourceType string

const (
	TypePatient            ResourceType = "Patient"
	TypePractitioner       ResourceType = "Practitioner"
	TypeOrganization       ResourceType = "Organization"
	TypeObservation        ResourceType = "Observation"
	TypeEncounter          ResourceType = "Encounter"
	TypeCondition          ResourceType = "Condition"
	TypeMedicationRequest  ResourceType = "MedicationRequest"
	TypeProcedure          ResourceType = "Procedure"
	TypeAllergyIntolerance ResourceType = "AllergyIntolerance"
	TypeDiagnosticReport   ResourceType = "DiagnosticReport"
	TypeImmunization       ResourceType = "Immunization"
	TypeTask               ResourceType = "Task"
	TypeServiceRequest     ResourceType = "ServiceRequest"
	TypeAppointment        ResourceType = "Appointment"
	TypeSpecimen           ResourceType = "Specimen"
	TypeRiskAssessment     ResourceType = "RiskAssessment"
	TypeBundle             ResourceType = "Bundle"
)

var knownResourceTypes = map[ResourceType]bool{
	TypePatient:            true,
	TypePractitioner:       true,
	TypeOrganization:       true,
	TypeObservation:        true,
	TypeEncounter:          true,
	TypeCondition:          true,
	TypeMedicationRequest:  true,
	TypeProcedure:          true,
	TypeAllergyIntolerance: true,
	TypeDiagnosticReport:   true,
	TypeImmunization:       true,
	TypeTask:               true,
	TypeServiceRequest:     true,
	TypeAppointment:        true,
	TypeSpecimen:           true,
	TypeRiskAssessment:     true,
	TypeBundle:             true,
}

// ParseResourceType maps a resourceType string onto the enumeration.
func ParseResourceType(s string) (ResourceType, bool) {
	rt := ResourceType(s)
	return rt, knownResourceTypes[rt]
}

// IsKnownResourceType reports whether s names a stored resource type.
func IsKnownResourceType(s string) bool {
	return knownResourceTypes[ResourceType(s)]
}

// ResourceTypes returns every supported type in name order.
func ResourceTypes() []ResourceType {
	out := make([]ResourceType, 0, len(knownResourceTypes))
	for rt := range knownResourceTypes {
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (rt ResourceType) String() string { return string(rt) }
