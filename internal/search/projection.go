package search

import "github.com/ehr/fhirstore/internal/platform/fhir"

// mandatoryElements survive every projection.
var mandatoryElements = []string{"resourceType", "id", "meta"}

// summaryElements lists the isSummary elements kept by _summary=true.
var summaryElements = map[fhir.ResourceType][]string{
	fhir.TypePatient: {"identifier", "active", "name", "telecom", "gender", "birthDate",
		"deceasedBoolean", "deceasedDateTime", "address", "managingOrganization", "link"},
	fhir.TypePractitioner: {"identifier", "active", "name", "telecom", "address", "gender", "birthDate"},
	fhir.TypeOrganization: {"identifier", "active", "type", "name", "alias", "partOf"},
	fhir.TypeObservation: {"identifier", "basedOn", "status", "category", "code", "subject",
		"encounter", "effectiveDateTime", "effectivePeriod", "effectiveInstant", "issued",
		"valueQuantity", "valueCodeableConcept", "valueString", "dataAbsentReason",
		"interpretation", "hasMember"},
	fhir.TypeEncounter: {"identifier", "status", "class", "type", "subject", "participant",
		"appointment", "period", "serviceProvider"},
	fhir.TypeCondition: {"identifier", "clinicalStatus", "verificationStatus", "category",
		"severity", "code", "subject", "encounter", "onsetDateTime", "onsetPeriod",
		"abatementDateTime", "recordedDate"},
	fhir.TypeMedicationRequest: {"identifier", "status", "intent", "medicationCodeableConcept",
		"medicationReference", "subject", "encounter", "authoredOn", "requester"},
	fhir.TypeProcedure: {"identifier", "status", "code", "subject", "encounter",
		"performedDateTime", "performedPeriod"},
	fhir.TypeAllergyIntolerance: {"identifier", "clinicalStatus", "verificationStatus", "type",
		"category", "criticality", "code", "patient", "onsetDateTime", "recordedDate"},
	fhir.TypeDiagnosticReport: {"identifier", "basedOn", "status", "category", "code", "subject",
		"encounter", "effectiveDateTime", "effectivePeriod", "issued", "performer", "result"},
	fhir.TypeImmunization: {"identifier", "status", "vaccineCode", "patient", "occurrenceDateTime"},
	fhir.TypeTask: {"identifier", "status", "intent", "priority", "code", "focus", "for",
		"authoredOn", "owner"},
	fhir.TypeServiceRequest: {"identifier", "basedOn", "requisition", "status", "intent",
		"priority", "code", "subject", "encounter", "authoredOn", "requester"},
	fhir.TypeAppointment: {"identifier", "status", "serviceType", "start", "end", "participant"},
	fhir.TypeSpecimen: {"identifier", "accessionIdentifier", "status", "type", "subject"},
	fhir.TypeRiskAssessment: {"identifier", "status", "method", "code", "subject", "encounter",
		"occurrenceDateTime", "condition", "performer"},
	fhir.TypeBundle: {"identifier", "type", "timestamp", "total"},
}

// Project applies _elements (which wins when both are given) or _summary to
// a resource. The input must be a private copy; it is modified in place.
func Project(r fhir.Resource, summary Summary, elements []string) fhir.Resource {
	if len(elements) > 0 {
		retain(r, elements)
		markSubsetted(r)
		return r
	}
	switch summary {
	case SummaryTrue:
		retain(r, summaryElements[fhir.ResourceType(r.Type())])
		markSubsetted(r)
	case SummaryText:
		retain(r, []string{"text"})
		markSubsetted(r)
	case SummaryData:
		delete(r, "text")
		markSubsetted(r)
	}
	return r
}

func retain(r fhir.Resource, keep []string) {
	allowed := make(map[string]bool, len(keep)+len(mandatoryElements))
	for _, k := range mandatoryElements {
		allowed[k] = true
	}
	for _, k := range keep {
		allowed[k] = true
	}
	for k := range r {
		if !allowed[k] {
			delete(r, k)
		}
	}
}

// markSubsetted tags partial content so clients do not mistake it for the
// full resource.
func markSubsetted(r fhir.Resource) {
	meta, ok := r["meta"].(map[string]interface{})
	if !ok {
		meta = make(map[string]interface{})
		r["meta"] = meta
	}
	tags, _ := meta["tag"].([]interface{})
	tags = append(tags, map[string]interface{}{
		"system": "http://terminology.hl7.org/CodeSystem/v3-ObservationValue",
		"code":   "SUBSETTED",
	})
	meta["tag"] = tags
}
