package agent

import "errors"

var (
	ErrConfiguration = errors.New("invalid agent configuration")
	ErrPrecondition  = errors.New("agent precondition violated")
	ErrNotReady      = errors.New("agent not initialized")
)
