package domain

import "time"

// RequestStatus is the lifecycle state of a privacy request.
type RequestStatus string

const (
	RequestPending            RequestStatus = "pending"
	RequestInProcessing       RequestStatus = "in_processing"
	RequestComplete           RequestStatus = "complete"
	RequestCompleteWithErrors RequestStatus = "complete_with_errors"
	RequestError              RequestStatus = "error"
	RequestPaused             RequestStatus = "paused"
	RequestCancelled          RequestStatus = "cancelled"
)

// Terminal reports whether no further execution will happen without an explicit resume.
func (s RequestStatus) Terminal() bool {
	switch s {
	case RequestComplete, RequestCompleteWithErrors, RequestError, RequestCancelled:
		return true
	default:
		return false
	}
}

// Interrupt is an out-of-band instruction honoured at the next level boundary.
type Interrupt string

const (
	InterruptNone   Interrupt = ""
	InterruptPause  Interrupt = "pause"
	InterruptCancel Interrupt = "cancel"
)

// PrivacyRequest is a data subject's access or erasure request.
type PrivacyRequest struct {
	ID         string
	Identity   map[string]string
	PolicyKey  string
	Status     RequestStatus
	Interrupt  Interrupt
	Partial    bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}

// Clone returns a copy that does not share the identity map.
func (r *PrivacyRequest) Clone() *PrivacyRequest {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Identity != nil {
		clone.Identity = make(map[string]string, len(r.Identity))
		for k, v := range r.Identity {
			clone.Identity[k] = v
		}
	}
	return &clone
}
