package fhir

import "testing"

func TestParseReference(t *testing.T) {
	tests := []struct {
		ref    string
		wantRT ResourceType
		wantID string
		ok     bool
	}{
		{"Patient/123", TypePatient, "123", true},
		{"http://example.org/fhir/Patient/123", TypePatient, "123", true},
		{"http://example.org/fhir/Patient/123/_history/2", TypePatient, "123", true},
		{"Patient/123?foo=bar", TypePatient, "123", true},
		{"urn:uuid:5b1c0a2e", "", "", false},
		{"#contained", "", "", false},
		{"Spaceship/1", "", "", false},
		{"Patient/", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			rt, id, ok := ParseReference(tt.ref)
			if rt != tt.wantRT || id != tt.wantID || ok != tt.ok {
				t.Errorf("ParseReference(%q) = (%q, %q, %v), want (%q, %q, %v)", tt.ref, rt, id, ok, tt.wantRT, tt.wantID, tt.ok)
			}
		})
	}
}

func TestNormalizeReference(t *testing.T) {
	if got := NormalizeReference("http://x/fhir/Observation/o1/_history/3"); got != "Observation/o1" {
		t.Errorf("NormalizeReference = %q", got)
	}
	if got := NormalizeReference("urn:uuid:abc"); got != "urn:uuid:abc" {
		t.Errorf("placeholders must pass through, got %q", got)
	}
}

func TestWalkReferences_RewritesNested(t *testing.T) {
	res := Resource{
		"resourceType": "Observation",
		"subject":      map[string]interface{}{"reference": "urn:uuid:p"},
		"performer": []interface{}{
			map[string]interface{}{"reference": "Practitioner/1"},
			map[string]interface{}{"reference": "urn:uuid:p"},
		},
	}
	WalkReferences(res, func(ref string) string {
		if ref == "urn:uuid:p" {
			return "Patient/real"
		}
		return ref
	})

	if got := res["subject"].(map[string]interface{})["reference"]; got != "Patient/real" {
		t.Errorf("subject = %v", got)
	}
	perf := res["performer"].([]interface{})
	if perf[0].(map[string]interface{})["reference"] != "Practitioner/1" {
		t.Error("unrelated reference changed")
	}
	if perf[1].(map[string]interface{})["reference"] != "Patient/real" {
		t.Error("array reference not rewritten")
	}
}
