package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Common domain errors
var (
	ErrRequestNotFound    = errors.New("privacy request not found")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrPolicyNotFound     = errors.New("policy not found")
	ErrConnectorNotFound  = errors.New("no connector registered for type")
	ErrStrategyNotFound   = errors.New("masking strategy not found")
	ErrConfigInvalid      = errors.New("invalid configuration")
	ErrRequestTerminal    = errors.New("privacy request already finished")
)

// GraphError reports bad dataset declarations or an unusable induced graph.
// The request never starts.
type GraphError struct {
	Reason  string
	Address string
	Cycle   []string
}

func (e *GraphError) Error() string {
	var b strings.Builder
	b.WriteString("graph error: ")
	b.WriteString(e.Reason)
	if e.Address != "" {
		b.WriteString(" (")
		b.WriteString(e.Address)
		b.WriteString(")")
	}
	if len(e.Cycle) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Cycle, " -> "))
	}
	return b.String()
}

// PlanError reports that no safe execution order exists.
type PlanError struct {
	Reason string
	Nodes  []string
}

func (e *PlanError) Error() string {
	if len(e.Nodes) == 0 {
		return "plan error: " + e.Reason
	}
	return fmt.Sprintf("plan error: %s: %s", e.Reason, strings.Join(e.Nodes, ", "))
}

// ConnectorErrorKind tells the coordinator whether a failed call is worth retrying.
type ConnectorErrorKind string

const (
	ConnectorTransient   ConnectorErrorKind = "transient"
	ConnectorPermanent   ConnectorErrorKind = "permanent"
	ConnectorAuthFailure ConnectorErrorKind = "auth_failure"
)

// ConnectorError wraps a failure reported by a connector adapter.
type ConnectorError struct {
	Kind       ConnectorErrorKind
	Connection string
	Op         string
	Err        error
}

func (e *ConnectorError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(" connector error")
	if e.Op != "" {
		b.WriteString(" during ")
		b.WriteString(e.Op)
	}
	if e.Connection != "" {
		b.WriteString(" on ")
		b.WriteString(e.Connection)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ConnectorError) Unwrap() error {
	return e.Err
}

// DecryptionError reports a corrupt secret bundle or missing key. It is fatal
// for the nodes of that connection only.
type DecryptionError struct {
	ConnectionKey string
	Err           error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decrypt secrets for connection %s: %v", e.ConnectionKey, e.Err)
}

func (e *DecryptionError) Unwrap() error {
	return e.Err
}
