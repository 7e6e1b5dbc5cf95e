package fhir

import "strings"

const (
	ContentTypeJSON   = "application/fhir+json; charset=utf-8"
	ContentTypeNDJSON = "application/fhir+ndjson"
)

// PreferReturn is the return directive of a Prefer header.
type PreferReturn string

const (
	ReturnMinimal          PreferReturn = "minimal"
	ReturnRepresentation   PreferReturn = "representation"
	ReturnOperationOutcome PreferReturn = "OperationOutcome"
)

// ParsePreferReturn reads return=... from a Prefer header. Directives may be
// separated by commas or semicolons; anything unrecognised means
// representation.
func ParsePreferReturn(prefer string) PreferReturn {
	fields := strings.FieldsFunc(prefer, func(r rune) bool { return r == ',' || r == ';' })
	for _, f := range fields {
		key, val, ok := strings.Cut(strings.TrimSpace(f), "=")
		if !ok || strings.TrimSpace(key) != "return" {
			continue
		}
		switch p := PreferReturn(strings.Trim(strings.TrimSpace(val), `"`)); p {
		case ReturnMinimal, ReturnRepresentation, ReturnOperationOutcome:
			return p
		}
	}
	return ReturnRepresentation
}
