package agentproc

import (
	"errors"
	"fmt"
)

// ErrShuttingDown is returned for requests that were pending, or
// arrived, while the supervisor was tearing down.
var ErrShuttingDown = errors.New("agent supervisor shutting down")

// ErrProcessExited is returned for requests that were in flight when
// the agent process exited unexpectedly. The supervisor restarts the
// process on the next Ask; callers do not retry automatically.
var ErrProcessExited = errors.New("agent process exited")

// ErrTimeout is returned when no matching response arrived within the
// per-request deadline. The request id is forgotten on expiry, so a
// late response is discarded rather than misdelivered.
var ErrTimeout = errors.New("agent response timed out")

// AgentError is a structured failure reported by the agent process
// itself, carrying the detail string from its error response.
type AgentError struct {
	Detail string
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent error: %s", e.Detail)
}
