package index

import (
	"sort"

	"github.com/ehr/fhirstore/internal/platform/fhir"
)

// ParamType is the FHIR search parameter type.
type ParamType string

const (
	ParamString    ParamType = "string"
	ParamToken     ParamType = "token"
	ParamReference ParamType = "reference"
	ParamDate      ParamType = "date"
	ParamNumber    ParamType = "number"
	ParamQuantity  ParamType = "quantity"
	ParamURI       ParamType = "uri"
	ParamComposite ParamType = "composite"
)

// ParamDef describes how a search parameter is derived from resource content.
type ParamDef struct {
	Name string
	Type ParamType
	// Paths are dotted element paths. Arrays along a path are flattened; an
	// empty path denotes the resource itself.
	Paths []string
	// Targets restricts reference parameters to the listed resource types.
	Targets []fhir.ResourceType
	Aliases []string
	// Components are evaluated relative to each node selected by Paths.
	Components []ParamDef
}

func (d ParamDef) alias(names ...string) ParamDef {
	d.Aliases = append(d.Aliases, names...)
	return d
}

func (d ParamDef) targets(types ...fhir.ResourceType) ParamDef {
	d.Targets = types
	return d
}

func (d ParamDef) acceptsTarget(rt fhir.ResourceType) bool {
	if len(d.Targets) == 0 {
		return true
	}
	for _, t := range d.Targets {
		if t == rt {
			return true
		}
	}
	return false
}

func str(name string, paths ...string) ParamDef {
	return ParamDef{Name: name, Type: ParamString, Paths: paths}
}

func token(name string, paths ...string) ParamDef {
	return ParamDef{Name: name, Type: ParamToken, Paths: paths}
}

func ref(name string, paths ...string) ParamDef {
	return ParamDef{Name: name, Type: ParamReference, Paths: paths}
}

func date(name string, paths ...string) ParamDef {
	return ParamDef{Name: name, Type: ParamDate, Paths: paths}
}

func number(name string, paths ...string) ParamDef {
	return ParamDef{Name: name, Type: ParamNumber, Paths: paths}
}

func quantity(name string, paths ...string) ParamDef {
	return ParamDef{Name: name, Type: ParamQuantity, Paths: paths}
}

func uri(name string, paths ...string) ParamDef {
	return ParamDef{Name: name, Type: ParamURI, Paths: paths}
}

func composite(name, path string, components ...ParamDef) ParamDef {
	return ParamDef{Name: name, Type: ParamComposite, Paths: []string{path}, Components: components}
}

var commonParams = []ParamDef{
	token("_id", "id"),
	date("_lastUpdated", "meta.lastUpdated"),
	uri("_profile", "meta.profile"),
	token("_tag", "meta.tag"),
}

var (
	clinicians = []fhir.ResourceType{fhir.TypePractitioner, fhir.TypeOrganization}
	actors     = []fhir.ResourceType{fhir.TypePatient, fhir.TypePractitioner, fhir.TypeOrganization}
)

var typeParams = map[fhir.ResourceType][]ParamDef{
	fhir.TypePatient: {
		token("identifier", "identifier"),
		str("family", "name.family"),
		str("given", "name.given"),
		str("name", "name"),
		date("birthdate", "birthDate"),
		token("gender", "gender"),
		token("active", "active"),
		token("telecom", "telecom"),
		str("address", "address"),
		str("address-city", "address.city"),
		ref("general-practitioner", "generalPractitioner").targets(clinicians...),
		ref("organization", "managingOrganization").targets(fhir.TypeOrganization),
	},
	fhir.TypePractitioner: {
		token("identifier", "identifier"),
		str("family", "name.family"),
		str("given", "name.given"),
		str("name", "name"),
		token("active", "active"),
		token("telecom", "telecom"),
	},
	fhir.TypeOrganization: {
		token("identifier", "identifier"),
		str("name", "name", "alias"),
		token("type", "type"),
		token("active", "active"),
		str("address", "address"),
		ref("partof", "partOf").targets(fhir.TypeOrganization),
	},
	fhir.TypeObservation: {
		token("identifier", "identifier"),
		token("code", "code"),
		token("category", "category"),
		token("status", "status"),
		ref("subject", "subject").alias("patient"),
		ref("encounter", "encounter").targets(fhir.TypeEncounter),
		ref("performer", "performer").targets(actors...),
		ref("based-on", "basedOn").targets(fhir.TypeServiceRequest, fhir.TypeMedicationRequest),
		ref("specimen", "specimen").targets(fhir.TypeSpecimen),
		date("date", "effectiveDateTime", "effectivePeriod", "effectiveInstant"),
		quantity("value-quantity", "valueQuantity"),
		composite("code-value-quantity", "",
			token("code", "code"),
			quantity("value-quantity", "valueQuantity")),
		composite("component-code-value-quantity", "component",
			token("code", "code"),
			quantity("value-quantity", "valueQuantity")),
	},
	fhir.TypeEncounter: {
		token("identifier", "identifier"),
		token("status", "status"),
		token("class", "class"),
		token("type", "type"),
		ref("subject", "subject").alias("patient"),
		ref("participant", "participant.individual").targets(fhir.TypePractitioner),
		ref("service-provider", "serviceProvider").targets(fhir.TypeOrganization),
		ref("appointment", "appointment").targets(fhir.TypeAppointment),
		date("date", "period"),
	},
	fhir.TypeCondition: {
		token("identifier", "identifier"),
		token("code", "code"),
		token("category", "category"),
		token("clinical-status", "clinicalStatus"),
		ref("subject", "subject").alias("patient"),
		ref("encounter", "encounter").targets(fhir.TypeEncounter),
		date("onset-date", "onsetDateTime", "onsetPeriod"),
		date("recorded-date", "recordedDate"),
	},
	fhir.TypeMedicationRequest: {
		token("identifier", "identifier"),
		token("status", "status"),
		token("intent", "intent"),
		token("code", "medicationCodeableConcept"),
		ref("subject", "subject").alias("patient"),
		ref("encounter", "encounter").targets(fhir.TypeEncounter),
		ref("requester", "requester").targets(actors...),
		date("authoredon", "authoredOn"),
	},
	fhir.TypeProcedure: {
		token("identifier", "identifier"),
		token("status", "status"),
		token("code", "code"),
		ref("subject", "subject").alias("patient"),
		ref("encounter", "encounter").targets(fhir.TypeEncounter),
		ref("performer", "performer.actor").targets(clinicians...),
		date("date", "performedDateTime", "performedPeriod"),
	},
	fhir.TypeAllergyIntolerance: {
		token("identifier", "identifier"),
		token("clinical-status", "clinicalStatus").alias("status"),
		token("code", "code"),
		token("criticality", "criticality"),
		ref("patient", "patient").targets(fhir.TypePatient),
		date("date", "recordedDate"),
	},
	fhir.TypeDiagnosticReport: {
		token("identifier", "identifier"),
		token("status", "status"),
		token("code", "code"),
		token("category", "category"),
		ref("subject", "subject").alias("patient"),
		ref("encounter", "encounter").targets(fhir.TypeEncounter),
		ref("performer", "performer").targets(clinicians...),
		ref("result", "result").targets(fhir.TypeObservation),
		date("date", "effectiveDateTime", "effectivePeriod"),
	},
	fhir.TypeImmunization: {
		token("identifier", "identifier"),
		token("status", "status"),
		token("vaccine-code", "vaccineCode"),
		ref("patient", "patient").targets(fhir.TypePatient),
		ref("performer", "performer.actor").targets(clinicians...),
		date("date", "occurrenceDateTime"),
	},
	fhir.TypeTask: {
		token("identifier", "identifier"),
		token("status", "status"),
		token("code", "code"),
		ref("subject", "for").alias("patient"),
		ref("owner", "owner").targets(actors...),
		ref("based-on", "basedOn").targets(fhir.TypeServiceRequest),
		date("authored-on", "authoredOn"),
	},
	fhir.TypeServiceRequest: {
		token("identifier", "identifier"),
		token("status", "status"),
		token("intent", "intent"),
		token("priority", "priority"),
		token("code", "code"),
		token("requisition", "requisition"),
		ref("subject", "subject").alias("patient"),
		ref("encounter", "encounter").targets(fhir.TypeEncounter),
		ref("requester", "requester").targets(actors...),
		date("authored", "authoredOn"),
	},
	fhir.TypeAppointment: {
		token("identifier", "identifier"),
		token("status", "status"),
		token("service-type", "serviceType"),
		ref("actor", "participant.actor").targets(actors...),
		ref("patient", "participant.actor").targets(fhir.TypePatient),
		ref("practitioner", "participant.actor").targets(fhir.TypePractitioner),
		ref("based-on", "basedOn").targets(fhir.TypeServiceRequest),
		date("date", "start"),
	},
	fhir.TypeSpecimen: {
		token("identifier", "identifier"),
		token("status", "status"),
		token("type", "type"),
		token("accession", "accessionIdentifier"),
		ref("subject", "subject").alias("patient"),
		date("collected", "collection.collectedDateTime", "collection.collectedPeriod"),
	},
	fhir.TypeRiskAssessment: {
		token("identifier", "identifier"),
		token("status", "status"),
		token("method", "method"),
		token("risk", "prediction.qualitativeRisk"),
		ref("subject", "subject").alias("patient"),
		ref("encounter", "encounter").targets(fhir.TypeEncounter),
		ref("condition", "condition").targets(fhir.TypeCondition),
		ref("performer", "performer").targets(clinicians...),
		number("probability", "prediction.probabilityDecimal"),
		date("date", "occurrenceDateTime", "occurrencePeriod"),
	},
	fhir.TypeBundle: {
		token("identifier", "identifier"),
		token("type", "type"),
		date("timestamp", "timestamp"),
	},
}

// Registry resolves search parameter names, including aliases, per type.
type Registry struct {
	defs   map[fhir.ResourceType][]ParamDef
	byName map[fhir.ResourceType]map[string]ParamDef
}

// NewRegistry returns the built-in parameter tables.
func NewRegistry() *Registry {
	r := &Registry{
		defs:   make(map[fhir.ResourceType][]ParamDef),
		byName: make(map[fhir.ResourceType]map[string]ParamDef),
	}
	for _, rt := range fhir.ResourceTypes() {
		defs := append(append([]ParamDef{}, commonParams...), typeParams[rt]...)
		names := make(map[string]ParamDef, len(defs))
		for _, d := range defs {
			names[d.Name] = d
			for _, a := range d.Aliases {
				names[a] = d
			}
		}
		r.defs[rt] = defs
		r.byName[rt] = names
	}
	return r
}

// Param resolves name (or one of its aliases) on rt.
func (r *Registry) Param(rt fhir.ResourceType, name string) (ParamDef, bool) {
	d, ok := r.byName[rt][name]
	return d, ok
}

// Params returns every parameter of rt, common parameters first.
func (r *Registry) Params(rt fhir.ResourceType) []ParamDef {
	return r.defs[rt]
}

// ReferenceParams returns the reference parameters of rt in name order.
func (r *Registry) ReferenceParams(rt fhir.ResourceType) []ParamDef {
	var out []ParamDef
	for _, d := range r.defs[rt] {
		if d.Type == ParamReference {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
