package lifecycle

import (
	"errors"
	"fmt"
)

// ErrPauseReasonRequired is returned by Pause when no reason is supplied.
var ErrPauseReasonRequired = errors.New("pause requires a reason")

// UnknownAgentError reports an operation against an agent id that was never
// started. Distinct from TransitionError so callers can tell "no such agent"
// apart from "agent in the wrong state".
type UnknownAgentError struct {
	AgentID string
}

func (e *UnknownAgentError) Error() string {
	return fmt.Sprintf("unknown agent %q", e.AgentID)
}

// TransitionError reports an illegal lifecycle transition. It names the
// offending source state; the record is left unchanged.
type TransitionError struct {
	AgentID string
	Op      string
	From    State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("agent %q: cannot %s from state %s", e.AgentID, e.Op, e.From)
}
