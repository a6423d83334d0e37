// Package compliance watches the audit stream for policy violations and
// tracks their remediation lifecycle.
package compliance

import (
	"errors"
	"time"
)

var (
	ErrInvalidInput = errors.New("compliance: invalid input")
	ErrNotFound     = errors.New("compliance: violation not found")
	ErrInvalidState = errors.New("compliance: invalid state transition")
	ErrNoteRequired = errors.New("compliance: resolution note required")
)

// Severity grades a violation for routing and reporting.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Status is the remediation state of a violation. Transitions are
// open -> acknowledged -> resolved, or open -> false_positive.
type Status string

const (
	StatusOpen          Status = "open"
	StatusAcknowledged  Status = "acknowledged"
	StatusResolved      Status = "resolved"
	StatusFalsePositive Status = "false_positive"
)

// Violation is one detection produced by a rule.
type Violation struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Rule           string    `json:"rule"`
	Severity       Severity  `json:"severity"`
	Status         Status    `json:"status"`
	Summary        string    `json:"summary"`
	ActorID        string    `json:"actor_id,omitempty"`
	ResourceType   string    `json:"resource_type,omitempty"`
	AuditRecordID  string    `json:"audit_record_id,omitempty"`
	AcknowledgedBy string    `json:"acknowledged_by,omitempty"`
	AcknowledgedAt time.Time `json:"acknowledged_at,omitzero"`
	ResolvedBy     string    `json:"resolved_by,omitempty"`
	ResolvedAt     time.Time `json:"resolved_at,omitzero"`
	ResolutionNote string    `json:"resolution_note,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// CanTransition reports whether the violation may move to the target status.
func (v Violation) CanTransition(to Status) bool {
	switch v.Status {
	case StatusOpen:
		return to == StatusAcknowledged || to == StatusResolved || to == StatusFalsePositive
	case StatusAcknowledged:
		return to == StatusResolved
	default:
		return false
	}
}

// Filter selects violations for queries. Zero values are ignored.
type Filter struct {
	OrganizationID string
	Rule           string
	Status         Status
	Severity       Severity
	ActorID        string
	From           time.Time
	To             time.Time
	Limit          int
	Offset         int
}
