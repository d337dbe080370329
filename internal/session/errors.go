// ABOUTME: Session error taxonomy: not-ready preconditions and teardown failures
// ABOUTME: TeardownError reports failed logout steps and the terminal state reached

package session

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotReady is returned when an operation needs a READY, connected session.
	ErrNotReady = errors.New("session not ready")

	// ErrNoSession is returned when no backend session exists.
	ErrNoSession = errors.New("no backend session")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session manager closed")
)

// Teardown steps, in execution order.
const (
	StepLogout   = "logout"
	StepDestroy  = "destroy"
	StepRemove   = "remove_credentials"
	StepRecreate = "recreate"
)

// StepError is one failed teardown step.
type StepError struct {
	Step string
	Err  error
}

// TeardownError is returned by Logout when any step fails.
//
// When RolledBack is true the backend logout itself failed and nothing was
// changed: the previous session is still in place. Otherwise logout succeeded
// and the remaining steps rolled forward; State is where the manager ended up.
type TeardownError struct {
	Steps      []StepError
	State      State
	RolledBack bool
}

func (e *TeardownError) Error() string {
	parts := make([]string, 0, len(e.Steps))
	for _, s := range e.Steps {
		parts = append(parts, fmt.Sprintf("%s: %v", s.Step, s.Err))
	}
	outcome := "rolled forward"
	if e.RolledBack {
		outcome = "rolled back"
	}
	return fmt.Sprintf("teardown failed (%s, state %s): %s", outcome, e.State, strings.Join(parts, "; "))
}

// Unwrap exposes the step errors to errors.Is / errors.As.
func (e *TeardownError) Unwrap() []error {
	errs := make([]error, 0, len(e.Steps))
	for _, s := range e.Steps {
		errs = append(errs, s.Err)
	}
	return errs
}
