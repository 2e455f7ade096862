package domain

import (
	"errors"
	"fmt"
)

// ErrUnrecoverable marks failures a tool must not hide from the loop, such
// as exhausted resources. Errors wrapping it abort the current turn.
var ErrUnrecoverable = errors.New("unrecoverable")

// ConfigurationError reports broken configuration discovered while serving a turn.
type ConfigurationError struct {
	Setting string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Setting, e.Reason)
}

// ProtocolViolationError reports a model response that breaks the request contract.
type ProtocolViolationError struct {
	Reason string
}

func (e *ProtocolViolationError) Error() string {
	return "protocol violation: " + e.Reason
}
