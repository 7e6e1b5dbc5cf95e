package fhir

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_IsMatchesKind(t *testing.T) {
	err := fmt.Errorf("read: %w", NewNotFound(TypePatient, "p1"))
	if !errors.Is(err, ErrNotFound) {
		t.Error("wrapped not-found should match ErrNotFound")
	}
	if errors.Is(err, ErrGone) {
		t.Error("not-found must not match ErrGone")
	}
	if KindOf(err) != KindNotFound {
		t.Errorf("KindOf = %q", KindOf(err))
	}
	if KindOf(errors.New("plain")) != "" {
		t.Error("plain errors have no kind")
	}
}

func TestError_Message(t *testing.T) {
	tests := []struct {
		err  *Error
		want []string
	}{
		{NewNotFound(TypePatient, "p1"), []string{"not-found Patient/p1", "resource not found"}},
		{NewGone(TypeObservation, "o1", 3), []string{"gone Observation/o1", "version 3"}},
		{NewVersionConflict(TypePatient, "p1", 1, 2), []string{"expected version 1", "current version is 2"}},
		{NewUnsupportedParameter(TypePatient, "_bogus", "unknown parameter"), []string{"param=_bogus"}},
		{NewMultipleMatches(TypePatient, "family=Doe", 2), []string{"matched 2 resources"}},
		{NewUnresolvableReference([]string{"urn:uuid:a", "urn:uuid:b"}, "cycle"), []string{"cycle: urn:uuid:a, urn:uuid:b"}},
		{NewRolledBack(2, NewNotFound(TypePatient, "x")), []string{"rolled-back entry=2", "not-found Patient/x"}},
	}
	for _, tt := range tests {
		msg := tt.err.Error()
		for _, w := range tt.want {
			if !strings.Contains(msg, w) {
				t.Errorf("%q does not contain %q", msg, w)
			}
		}
	}
}

func TestNewValidationFailed_Diagnostics(t *testing.T) {
	issues := []ValidationIssue{
		{Severity: IssueSeverityError, Code: IssueTypeRequired, Location: "Observation.status", Diagnostics: "status is required"},
		{Severity: IssueSeverityError, Code: IssueTypeRequired, Location: "Observation.code", Diagnostics: "code is required"},
	}
	err := NewValidationFailed(TypeObservation, issues)
	if err.Diagnostics != "status is required (and 1 more issues)" {
		t.Errorf("Diagnostics = %q", err.Diagnostics)
	}

	out := err.Outcome()
	if len(out.Issue) != 2 {
		t.Fatalf("expected one issue per validation issue, got %d", len(out.Issue))
	}
	if out.Issue[1].Expression[0] != "Observation.code" {
		t.Errorf("expression = %v", out.Issue[1].Expression)
	}

	single := Invalid(TypePatient, "Patient.gender", "bad code %q", "x")
	if single.Kind != KindValidationFailed || single.Issues[0].Diagnostics != `bad code "x"` {
		t.Errorf("Invalid built %+v", single)
	}
}

func TestError_OutcomeCodes(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{NewNotFound(TypePatient, "p1"), IssueTypeNotFound},
		{NewGone(TypePatient, "p1", 2), IssueTypeDeleted},
		{NewVersionConflict(TypePatient, "p1", 1, 2), IssueTypeConflict},
		{NewUnsupportedChain(TypeObservation, "subject.name.family", "too deep"), IssueTypeNotSupported},
		{NewMultipleMatches(TypePatient, "x=y", 3), IssueTypeMultiple},
		{errors.New("boom"), IssueTypeException},
	}
	for _, tt := range tests {
		out := OutcomeFor(tt.err)
		if out.Issue[0].Code != tt.code {
			t.Errorf("%v: code = %q, want %q", tt.err, out.Issue[0].Code, tt.code)
		}
	}
}

func TestRolledBack_OutcomeKeepsCause(t *testing.T) {
	out := NewRolledBack(1, NewVersionConflict(TypePatient, "p1", 1, 3)).Outcome()
	if len(out.Issue) != 2 {
		t.Fatalf("expected cause plus rollback issue, got %d", len(out.Issue))
	}
	if out.Issue[0].Code != IssueTypeConflict {
		t.Errorf("first issue code = %q", out.Issue[0].Code)
	}
	if !strings.Contains(out.Issue[1].Diagnostics, "entry 1") {
		t.Errorf("rollback diagnostics = %q", out.Issue[1].Diagnostics)
	}
}

func TestStatusForKind(t *testing.T) {
	tests := map[ErrorKind]string{
		KindNotFound:              "404 Not Found",
		KindGone:                  "410 Gone",
		KindVersionConflict:       "409 Conflict",
		KindValidationFailed:      "422 Unprocessable Entity",
		KindUnsupportedParameter:  "400 Bad Request",
		KindUnresolvableReference: "400 Bad Request",
		KindRolledBack:            "400 Bad Request",
		KindMultipleMatches:       "412 Precondition Failed",
		ErrorKind("other"):        "500 Internal Server Error",
	}
	for kind, want := range tests {
		if got := StatusForKind(kind); got != want {
			t.Errorf("StatusForKind(%q) = %q, want %q", kind, got, want)
		}
	}
}
