// Package fhir is the thin HTTP boundary over the persistence engine:
// OperationOutcome payloads, version/ETag handling, and the generic
// resource endpoints. It is not a FHIR model or validation layer.
package fhir

import "fmt"

// OperationOutcome is the FHIR error/information payload returned by the
// REST boundary.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string `json:"severity"`
	Code        string `json:"code"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

const (
	IssueSeverityError       = "error"
	IssueSeverityInformation = "information"

	IssueTypeConflict      = "conflict"
	IssueTypeDeleted       = "deleted"
	IssueTypeNotFound      = "not-found"
	IssueTypeInvalid       = "invalid"
	IssueTypeProcessing    = "processing"
	IssueTypeInformational = "informational"
)

// NewOperationOutcome creates an outcome with a single issue.
func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{Severity: severity, Code: code, Diagnostics: diagnostics},
		},
	}
}

// ConflictOutcome reports a lost update race (409).
func ConflictOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeConflict,
		fmt.Sprintf("%s/%s was modified by another request; re-read and retry", resourceType, id))
}

// GoneOutcome reports a deleted resource (410).
func GoneOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeDeleted,
		fmt.Sprintf("%s/%s has been deleted", resourceType, id))
}

// NotFoundOutcome reports an unknown resource (404).
func NotFoundOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeNotFound,
		fmt.Sprintf("%s/%s not found", resourceType, id))
}

// InvalidOutcome reports a malformed request (400).
func InvalidOutcome(message string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeInvalid, message)
}

// ServerErrorOutcome reports an internal failure without leaking detail.
func ServerErrorOutcome() *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeProcessing,
		"an internal error occurred while processing the request")
}
