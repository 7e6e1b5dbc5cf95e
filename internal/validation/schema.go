package validation

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/gofhir/fhir/r4"

	"github.com/ehr/fhirstore/internal/platform/fhir"
)

// models maps each stored type onto its typed R4 model.
var models = map[fhir.ResourceType]reflect.Type{
	fhir.TypePatient:            reflect.TypeOf(r4.Patient{}),
	fhir.TypePractitioner:       reflect.TypeOf(r4.Practitioner{}),
	fhir.TypeOrganization:       reflect.TypeOf(r4.Organization{}),
	fhir.TypeObservation:        reflect.TypeOf(r4.Observation{}),
	fhir.TypeEncounter:          reflect.TypeOf(r4.Encounter{}),
	fhir.TypeCondition:          reflect.TypeOf(r4.Condition{}),
	fhir.TypeMedicationRequest:  reflect.TypeOf(r4.MedicationRequest{}),
	fhir.TypeProcedure:          reflect.TypeOf(r4.Procedure{}),
	fhir.TypeAllergyIntolerance: reflect.TypeOf(r4.AllergyIntolerance{}),
	fhir.TypeDiagnosticReport:   reflect.TypeOf(r4.DiagnosticReport{}),
	fhir.TypeImmunization:       reflect.TypeOf(r4.Immunization{}),
	fhir.TypeTask:               reflect.TypeOf(r4.Task{}),
	fhir.TypeServiceRequest:     reflect.TypeOf(r4.ServiceRequest{}),
	fhir.TypeAppointment:        reflect.TypeOf(r4.Appointment{}),
	fhir.TypeSpecimen:           reflect.TypeOf(r4.Specimen{}),
	fhir.TypeRiskAssessment:     reflect.TypeOf(r4.RiskAssessment{}),
	fhir.TypeBundle:             reflect.TypeOf(r4.Bundle{}),
}

// element is one top-level JSON element of a typed model.
type element struct {
	typ       reflect.Type
	repeating bool
}

var (
	elementsMu    sync.Mutex
	elementTables = make(map[fhir.ResourceType]map[string]element)
)

// elementsOf derives the cardinality table of rt from its model's JSON tags.
func elementsOf(rt fhir.ResourceType) map[string]element {
	elementsMu.Lock()
	defer elementsMu.Unlock()
	if t, ok := elementTables[rt]; ok {
		return t
	}
	table := make(map[string]element)
	if model, ok := models[rt]; ok {
		collectElements(model, table)
	}
	elementTables[rt] = table
	return table
}

func collectElements(t reflect.Type, table map[string]element) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Anonymous && f.Type.Kind() == reflect.Struct {
			collectElements(f.Type, table)
			continue
		}
		if !f.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			continue
		}
		table[name] = element{typ: f.Type, repeating: f.Type.Kind() == reflect.Slice}
	}
}

// checkSchema is the second phase. Every element is decoded on its own so
// one bad element does not hide the others.
func checkSchema(rt fhir.ResourceType, res fhir.Resource) []fhir.ValidationIssue {
	table := elementsOf(rt)
	var issues []fhir.ValidationIssue

	for _, key := range sortedKeys(res) {
		if key == "resourceType" {
			continue
		}
		loc := string(rt) + "." + key
		value := res[key]

		if strings.HasPrefix(key, "_") {
			if _, ok := table[key[1:]]; !ok {
				issues = append(issues, errorIssue(fhir.IssueTypeStructure, loc, "primitive extension for unknown element "+key[1:]))
			}
			continue
		}

		el, ok := table[key]
		if !ok {
			issues = append(issues, errorIssue(fhir.IssueTypeStructure, loc, "unknown element "+key))
			continue
		}
		_, isArray := value.([]interface{})
		switch {
		case el.repeating && !isArray:
			issues = append(issues, errorIssue(fhir.IssueTypeStructure, loc, key+" repeats and must be an array"))
			continue
		case !el.repeating && isArray:
			issues = append(issues, errorIssue(fhir.IssueTypeStructure, loc, key+" does not repeat and must not be an array"))
			continue
		}
		if err := decodeInto(el.typ, value); err != nil {
			issues = append(issues, errorIssue(fhir.IssueTypeStructure, loc, fmt.Sprintf("invalid %s: %v", key, err)))
		}
	}

	issues = append(issues, checkExtensions(string(rt), res)...)
	issues = append(issues, checkMetaProfile(rt, res)...)
	return issues
}

func decodeInto(t reflect.Type, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, reflect.New(t).Interface())
}

// checkExtensions verifies every extension anywhere in the resource has a
// url and either a single value[x] or nested extensions.
func checkExtensions(path string, v interface{}) []fhir.ValidationIssue {
	var issues []fhir.ValidationIssue
	switch t := v.(type) {
	case map[string]interface{}:
		for _, key := range sortedKeys(t) {
			child := path + "." + key
			if key == "extension" || key == "modifierExtension" {
				list, ok := t[key].([]interface{})
				if !ok {
					continue
				}
				for i, ext := range list {
					issues = append(issues, checkExtension(fmt.Sprintf("%s[%d]", child, i), ext)...)
				}
				continue
			}
			issues = append(issues, checkExtensions(child, t[key])...)
		}
	case []interface{}:
		for i, item := range t {
			issues = append(issues, checkExtensions(fmt.Sprintf("%s[%d]", path, i), item)...)
		}
	}
	return issues
}

func checkExtension(loc string, v interface{}) []fhir.ValidationIssue {
	ext, ok := v.(map[string]interface{})
	if !ok {
		return []fhir.ValidationIssue{errorIssue(fhir.IssueTypeStructure, loc, "extension must be an object")}
	}
	var issues []fhir.ValidationIssue
	if url, _ := ext["url"].(string); url == "" {
		issues = append(issues, errorIssue(fhir.IssueTypeRequired, loc+".url", "extension requires a url"))
	}
	values := 0
	for key := range ext {
		if strings.HasPrefix(key, "value") {
			values++
		}
	}
	nested, hasNested := ext["extension"].([]interface{})
	switch {
	case values > 1:
		issues = append(issues, errorIssue(fhir.IssueTypeStructure, loc, "extension carries more than one value[x]"))
	case values == 1 && hasNested && len(nested) > 0:
		issues = append(issues, errorIssue(fhir.IssueTypeStructure, loc, "extension carries both a value and nested extensions"))
	case values == 0 && len(nested) == 0:
		issues = append(issues, errorIssue(fhir.IssueTypeStructure, loc, "extension carries neither a value nor nested extensions"))
	}
	for i, n := range nested {
		issues = append(issues, checkExtension(fmt.Sprintf("%s.extension[%d]", loc, i), n)...)
	}
	return issues
}

func checkMetaProfile(rt fhir.ResourceType, res fhir.Resource) []fhir.ValidationIssue {
	meta, ok := res["meta"].(map[string]interface{})
	if !ok {
		return nil
	}
	raw, present := meta["profile"]
	if !present {
		return nil
	}
	loc := string(rt) + ".meta.profile"
	list, ok := raw.([]interface{})
	if !ok {
		return []fhir.ValidationIssue{errorIssue(fhir.IssueTypeStructure, loc, "meta.profile must be an array of canonical URLs")}
	}
	var issues []fhir.ValidationIssue
	for i, p := range list {
		if s, ok := p.(string); !ok || s == "" {
			issues = append(issues, errorIssue(fhir.IssueTypeStructure, fmt.Sprintf("%s[%d]", loc, i), "profile must be a non-empty string"))
		}
	}
	return issues
}
