package registry

import "errors"

var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrDeviceInUse    = errors.New("device is in use")
	ErrInvalidDevice  = errors.New("invalid device")
	ErrLocked         = errors.New("device is locked by another reservation")
	ErrNoWDAPort      = errors.New("no free wdaLocalPort in configured range")
	ErrConflict       = errors.New("device changed concurrently, retry")
)
