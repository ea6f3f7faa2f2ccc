package model

import "time"

// Severity classifies a rollback trigger evaluation (spec.md §4.10).
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// RolloutState is the mutable, Admission-consulted cohort gate that the
// Auto-Rollback Controller writes and nothing else (spec.md §4.10).
type RolloutState struct {
	Enabled        bool
	RolloutPercent int
}

// RollbackExecution is one audit-ring entry recording a controller
// evaluation: the trigger that fired (if any), and the state transition
// applied atomically (spec.md §4.10).
type RollbackExecution struct {
	EvaluatedAt time.Time
	Trigger     string
	Severity    Severity
	PriorState  RolloutState
	NewState    RolloutState
}
