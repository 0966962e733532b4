package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/domain/audit"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/domain/dispatch"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/domain/pool"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/domain/registry"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/domain/reservation"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/transport/appium"
)

// errInvalidBody is reported when a request body fails to bind.
var errInvalidBody = errors.New("invalid request body")

// statusFor maps domain errors to HTTP status codes. Order matters: the
// first match wins, so more specific errors come first.
var statusFor = []struct {
	err    error
	status int
}{
	{errInvalidBody, http.StatusBadRequest},
	{reservation.ErrInvalidRequest, http.StatusBadRequest},
	{dispatch.ErrInvalidCommand, http.StatusBadRequest},
	{registry.ErrInvalidDevice, http.StatusBadRequest},

	{registry.ErrDeviceNotFound, http.StatusNotFound},
	{audit.ErrNotFound, http.StatusNotFound},

	{reservation.ErrNotAvailable, http.StatusConflict},
	{reservation.ErrBecameUnavailable, http.StatusConflict},
	{reservation.ErrNotInUse, http.StatusConflict},
	{dispatch.ErrNotInUse, http.StatusConflict},
	{dispatch.ErrNoSession, http.StatusConflict},
	{registry.ErrDeviceInUse, http.StatusConflict},
	{registry.ErrConflict, http.StatusConflict},

	{registry.ErrLocked, http.StatusLocked},

	{appium.ErrUnavailable, http.StatusServiceUnavailable},
	{pool.ErrNoServers, http.StatusServiceUnavailable},
	{registry.ErrNoWDAPort, http.StatusServiceUnavailable},

	{context.DeadlineExceeded, http.StatusGatewayTimeout},
	{reservation.ErrSessionFailed, http.StatusBadGateway},
	{dispatch.ErrCommandFailed, http.StatusBadGateway},
}

// StatusCode returns the HTTP status for err.
func StatusCode(err error) int {
	for _, m := range statusFor {
		if errors.Is(err, m.err) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}

// respondError writes {"error", "detail"} with the status mapped from err.
func respondError(c *gin.Context, err error) {
	status := StatusCode(err)
	kind := http.StatusText(status)
	for _, m := range statusFor {
		if errors.Is(err, m.err) {
			kind = m.err.Error()
			break
		}
	}
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error":  kind,
		"detail": err.Error(),
	})
}

// badRequest reports a request that failed binding or query parsing.
func badRequest(c *gin.Context, detail string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":  errInvalidBody.Error(),
		"detail": detail,
	})
}
