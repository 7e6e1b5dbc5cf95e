package validation

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/ehr/fhirstore/internal/platform/fhir"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9\-\.]{1,64}$`)

// requiredElements lists the base R4 elements with min=1 per type.
var requiredElements = map[fhir.ResourceType][]string{
	fhir.TypeObservation:        {"status", "code"},
	fhir.TypeEncounter:          {"status", "class"},
	fhir.TypeCondition:          {"subject"},
	fhir.TypeMedicationRequest:  {"status", "intent", "subject"},
	fhir.TypeProcedure:          {"status", "subject"},
	fhir.TypeAllergyIntolerance: {"patient"},
	fhir.TypeDiagnosticReport:   {"status", "code"},
	fhir.TypeImmunization:       {"status", "vaccineCode", "patient"},
	fhir.TypeTask:               {"status", "intent"},
	fhir.TypeServiceRequest:     {"status", "intent", "subject"},
	fhir.TypeAppointment:        {"status", "participant"},
	fhir.TypeRiskAssessment:     {"status", "subject"},
	fhir.TypeBundle:             {"type"},
}

// checkStructure is the first phase. It returns the resolved type, which is
// only meaningful when no error was reported.
func checkStructure(expected fhir.ResourceType, res fhir.Resource) (fhir.ResourceType, []fhir.ValidationIssue) {
	if res == nil {
		return "", []fhir.ValidationIssue{errorIssue(fhir.IssueTypeStructure, "", "resource must be a JSON object")}
	}

	raw, present := res["resourceType"]
	typeName, isString := raw.(string)
	switch {
	case !present:
		return "", []fhir.ValidationIssue{errorIssue(fhir.IssueTypeRequired, "resourceType", "missing required element resourceType")}
	case !isString || typeName == "":
		return "", []fhir.ValidationIssue{errorIssue(fhir.IssueTypeStructure, "resourceType", "resourceType must be a non-empty string")}
	}
	rt, known := fhir.ParseResourceType(typeName)
	if !known {
		return "", []fhir.ValidationIssue{errorIssue(fhir.IssueTypeNotSupported, "resourceType",
			fmt.Sprintf("unsupported resource type %q", typeName))}
	}
	if expected != "" && rt != expected {
		return "", []fhir.ValidationIssue{errorIssue(fhir.IssueTypeInvalid, "resourceType",
			fmt.Sprintf("resourceType %s does not match the expected type %s", rt, expected))}
	}

	var issues []fhir.ValidationIssue
	if rawID, ok := res["id"]; ok {
		id, isString := rawID.(string)
		if !isString || !idPattern.MatchString(id) {
			issues = append(issues, errorIssue(fhir.IssueTypeValue, typeName+".id",
				"id must be 1-64 characters of letters, digits, '-' or '.'"))
		}
	}

	for _, el := range requiredElements[rt] {
		if isEmpty(res[el]) {
			issues = append(issues, errorIssue(fhir.IssueTypeRequired, typeName+"."+el,
				"missing required element "+el))
		}
	}

	issues = append(issues, identifierQuality(typeName, res)...)
	return rt, issues
}

// identifierQuality warns about identifiers carrying neither system nor
// value. Such identifiers cannot be matched by search.
func identifierQuality(typeName string, res fhir.Resource) []fhir.ValidationIssue {
	ids, ok := res["identifier"].([]interface{})
	if !ok {
		return nil
	}
	var issues []fhir.ValidationIssue
	for i, raw := range ids {
		m, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if isEmpty(m["system"]) && isEmpty(m["value"]) {
			issues = append(issues, warningIssue(fhir.IssueTypeValue, fmt.Sprintf("%s.identifier[%d]", typeName, i),
				"identifier should carry a system or a value"))
		}
	}
	return issues
}

func isEmpty(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []interface{}:
		return len(t) == 0
	case map[string]interface{}:
		return len(t) == 0
	}
	return false
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
