package login

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCallback     = errors.New("callback carries neither code nor error")
	ErrStateMismatch       = errors.New("state token mismatch")
	ErrFlowContextExpired  = errors.New("login flow context expired or missing")
	ErrUserCancelled       = errors.New("login cancelled by user")
	ErrAuthorizationFailed = errors.New("authorization failed")
)

// FlowError records the state a flow was in when it failed.
type FlowError struct {
	At  FlowState
	Err error
}

func (e *FlowError) Error() string {
	return fmt.Sprintf("login flow failed in %s: %v", e.At, e.Err)
}

func (e *FlowError) Unwrap() error { return e.Err }
