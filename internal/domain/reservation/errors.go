package reservation

import (
	"errors"
	"fmt"

	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/shared/types"
)

var (
	ErrInvalidRequest    = errors.New("invalid request")
	ErrNotAvailable      = errors.New("device is not available")
	ErrBecameUnavailable = errors.New("device became unavailable")
	ErrNotInUse          = errors.New("device is not in use")
	ErrSessionFailed     = errors.New("failed to start Appium session")
)

// UnavailableError reports the status that prevented a reservation.
type UnavailableError struct {
	DeviceID string
	Status   types.Status
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("Device is %s", e.Status)
}

// Is makes UnavailableError match ErrNotAvailable.
func (e *UnavailableError) Is(target error) bool {
	return target == ErrNotAvailable
}
