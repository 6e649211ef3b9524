package session

import (
	"errors"
	"fmt"
)

// ErrSessionClosed is returned for operations against a finalized session.
var ErrSessionClosed = errors.New("session is closed")

// ErrNoPendingChallenge is returned when an answer arrives with no challenge
// outstanding.
var ErrNoPendingChallenge = errors.New("no pending challenge")

// TransitionError reports a transition request that is illegal from the
// session's current status. It is always surfaced synchronously; silently
// ignoring it would desynchronize the caller's view from the engine state.
type TransitionError struct {
	From Status
	Op   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: cannot %s while %s", e.Op, e.From)
}

// InfrastructureError wraps a collaborator failure (store write, sink append).
// The in-memory mutation has already been applied; the caller may retry
// persistence without recomputing it.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("infrastructure failure during %s: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() error { return e.Err }
