package fhir

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies failures surfaced by the resource engine.
type ErrorKind string

const (
	KindNotFound              ErrorKind = "not-found"
	KindGone                  ErrorKind = "gone"
	KindVersionConflict       ErrorKind = "version-conflict"
	KindValidationFailed      ErrorKind = "validation-failed"
	KindUnsupportedParameter  ErrorKind = "unsupported-parameter"
	KindUnsupportedChain      ErrorKind = "unsupported-chain"
	KindMultipleMatches       ErrorKind = "multiple-matches"
	KindUnresolvableReference ErrorKind = "unresolvable-reference"
	KindRolledBack            ErrorKind = "rolled-back"
)

// Sentinels for errors.Is. A *Error matches the sentinel of its Kind.
var (
	ErrNotFound              = &Error{Kind: KindNotFound}
	ErrGone                  = &Error{Kind: KindGone}
	ErrVersionConflict       = &Error{Kind: KindVersionConflict}
	ErrValidationFailed      = &Error{Kind: KindValidationFailed}
	ErrUnsupportedParameter  = &Error{Kind: KindUnsupportedParameter}
	ErrUnsupportedChain      = &Error{Kind: KindUnsupportedChain}
	ErrMultipleMatches       = &Error{Kind: KindMultipleMatches}
	ErrUnresolvableReference = &Error{Kind: KindUnresolvableReference}
	ErrRolledBack            = &Error{Kind: KindRolledBack}
)

// Error is a typed engine failure with enough detail for a transport layer
// to choose a status code without the engine knowing about protocols.
type Error struct {
	Kind         ErrorKind
	ResourceType string
	ID           string
	Param        string
	Diagnostics  string
	Issues       []ValidationIssue
	// EntryIndex is the zero-based bundle entry that failed; -1 when not tied to an entry.
	EntryIndex int
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.ResourceType != "" {
		b.WriteString(" ")
		b.WriteString(e.ResourceType)
		if e.ID != "" {
			b.WriteString("/")
			b.WriteString(e.ID)
		}
	}
	if e.Param != "" {
		fmt.Fprintf(&b, " param=%s", e.Param)
	}
	if e.Kind == KindRolledBack && e.EntryIndex >= 0 {
		fmt.Fprintf(&b, " entry=%d", e.EntryIndex)
	}
	if e.Diagnostics != "" {
		b.WriteString(": ")
		b.WriteString(e.Diagnostics)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, so errors.Is(err, ErrNotFound) works
// for errors carrying resource details.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Outcome renders the error as an OperationOutcome.
func (e *Error) Outcome() *OperationOutcome {
	if e.Kind == KindValidationFailed && len(e.Issues) > 0 {
		return MultiValidationOutcome(e.Issues)
	}
	if e.Kind == KindRolledBack {
		var inner *Error
		if errors.As(e.Err, &inner) {
			out := inner.Outcome()
			out.Issue = append(out.Issue, OperationOutcomeIssue{
				Severity:    IssueSeverityError,
				Code:        IssueTypeProcessing,
				Diagnostics: fmt.Sprintf("transaction rolled back at entry %d", e.EntryIndex),
			})
			return out
		}
	}
	return NewOperationOutcome(IssueSeverityError, issueTypeForKind(e.Kind), e.Error())
}

func issueTypeForKind(k ErrorKind) string {
	switch k {
	case KindNotFound:
		return IssueTypeNotFound
	case KindGone:
		return IssueTypeDeleted
	case KindVersionConflict:
		return IssueTypeConflict
	case KindValidationFailed:
		return IssueTypeInvalid
	case KindUnsupportedParameter, KindUnsupportedChain:
		return IssueTypeNotSupported
	case KindMultipleMatches:
		return IssueTypeMultiple
	case KindUnresolvableReference:
		return IssueTypeNotFound
	default:
		return IssueTypeProcessing
	}
}

// KindOf returns the kind of the first *Error in err's chain, or "" when none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// OutcomeFor renders any error as an OperationOutcome.
func OutcomeFor(err error) *OperationOutcome {
	var e *Error
	if errors.As(err, &e) {
		return e.Outcome()
	}
	return InternalErrorOutcome(err.Error())
}

// StatusForKind returns the Bundle entry response status for an error kind.
func StatusForKind(k ErrorKind) string {
	switch k {
	case KindNotFound:
		return "404 Not Found"
	case KindGone:
		return "410 Gone"
	case KindVersionConflict:
		return "409 Conflict"
	case KindValidationFailed:
		return "422 Unprocessable Entity"
	case KindUnsupportedParameter, KindUnsupportedChain, KindUnresolvableReference, KindRolledBack:
		return "400 Bad Request"
	case KindMultipleMatches:
		return "412 Precondition Failed"
	default:
		return "500 Internal Server Error"
	}
}

func NewNotFound(rt ResourceType, id string) *Error {
	return &Error{Kind: KindNotFound, ResourceType: string(rt), ID: id, EntryIndex: -1,
		Diagnostics: "resource not found"}
}

func NewGone(rt ResourceType, id string, versionID int) *Error {
	return &Error{Kind: KindGone, ResourceType: string(rt), ID: id, EntryIndex: -1,
		Diagnostics: fmt.Sprintf("resource deleted at version %d", versionID)}
}

func NewVersionConflict(rt ResourceType, id string, expected, current int) *Error {
	return &Error{Kind: KindVersionConflict, ResourceType: string(rt), ID: id, EntryIndex: -1,
		Diagnostics: fmt.Sprintf("expected version %d but current version is %d", expected, current)}
}

func NewValidationFailed(rt ResourceType, issues []ValidationIssue) *Error {
	diag := "resource failed validation"
	if len(issues) > 0 {
		diag = issues[0].Diagnostics
		if len(issues) > 1 {
			diag = fmt.Sprintf("%s (and %d more issues)", diag, len(issues)-1)
		}
	}
	return &Error{Kind: KindValidationFailed, ResourceType: string(rt), Issues: issues, EntryIndex: -1,
		Diagnostics: diag}
}

// Invalid is a ValidationFailed error with a single issue.
func Invalid(rt ResourceType, location, format string, args ...interface{}) *Error {
	return NewValidationFailed(rt, []ValidationIssue{{
		Severity:    IssueSeverityError,
		Code:        IssueTypeInvalid,
		Location:    location,
		Diagnostics: fmt.Sprintf(format, args...),
	}})
}

func NewUnsupportedParameter(rt ResourceType, param, reason string) *Error {
	return &Error{Kind: KindUnsupportedParameter, ResourceType: string(rt), Param: param, EntryIndex: -1,
		Diagnostics: reason}
}

func NewUnsupportedChain(rt ResourceType, chain, reason string) *Error {
	return &Error{Kind: KindUnsupportedChain, ResourceType: string(rt), Param: chain, EntryIndex: -1,
		Diagnostics: reason}
}

func NewMultipleMatches(rt ResourceType, criteria string, count int) *Error {
	return &Error{Kind: KindMultipleMatches, ResourceType: string(rt), Param: criteria, EntryIndex: -1,
		Diagnostics: fmt.Sprintf("criteria matched %d resources", count)}
}

func NewUnresolvableReference(placeholders []string, reason string) *Error {
	return &Error{Kind: KindUnresolvableReference, EntryIndex: -1,
		Diagnostics: fmt.Sprintf("%s: %s", reason, strings.Join(placeholders, ", "))}
}

// NewRolledBack wraps the failure of the given entry of a transaction.
func NewRolledBack(entryIndex int, cause error) *Error {
	return &Error{Kind: KindRolledBack, EntryIndex: entryIndex, Err: cause}
}
