package domain

import "time"

// ActionType distinguishes the two kinds of work a request performs on a collection.
type ActionType string

const (
	ActionAccess  ActionType = "access"
	ActionErasure ActionType = "erasure"
)

// ExecutionStatus is the state of one node of a request plan.
type ExecutionStatus string

const (
	ExecutionPending    ExecutionStatus = "pending"
	ExecutionInProgress ExecutionStatus = "in_progress"
	ExecutionRetrying   ExecutionStatus = "retrying"
	ExecutionComplete   ExecutionStatus = "complete"
	ExecutionError      ExecutionStatus = "error"
	ExecutionSkipped    ExecutionStatus = "skipped"
)

// Failed reports whether the node ended without producing a usable result.
func (s ExecutionStatus) Failed() bool {
	return s == ExecutionError || s == ExecutionSkipped
}

// ExecutionLog is the audit and checkpoint record of one (request, collection, action).
type ExecutionLog struct {
	RequestID      string
	Collection     CollectionAddress
	Action         ActionType
	Status         ExecutionStatus
	Attempts       int
	RowCount       int
	AffectedCount  int
	FieldsAffected []string
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// LogKey identifies an execution log within a request.
type LogKey struct {
	Collection CollectionAddress
	Action     ActionType
}

// Key returns the identity of the log entry within its request.
func (l *ExecutionLog) Key() LogKey {
	return LogKey{Collection: l.Collection, Action: l.Action}
}
