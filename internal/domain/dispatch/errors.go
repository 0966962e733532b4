package dispatch

import "errors"

var (
	ErrInvalidCommand = errors.New("invalid command")
	ErrNotInUse       = errors.New("device is not in use")
	ErrNoSession      = errors.New("device has no active session")
	ErrCommandFailed  = errors.New("command failed")
)
