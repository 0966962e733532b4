package appium

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNoSessionID = errors.New("cannot parse Appium sessionId")
	ErrUnavailable = errors.New("appium server unavailable")
)

// Error is a non-2xx answer from an Appium server. Message carries the W3C
// error text when the body had one.
type Error struct {
	Op         string
	Server     string
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("appium %s on %s: %d %s: %s", e.Op, e.Server, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("appium %s on %s: %d %s", e.Op, e.Server, e.StatusCode, e.Message)
}

// IsClientError reports whether err is a 4xx answer from Appium.
func IsClientError(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.StatusCode >= http.StatusBadRequest && ae.StatusCode < http.StatusInternalServerError
	}
	return false
}

// StatusCode returns the Appium status carried by err, or 0.
func StatusCode(err error) int {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.StatusCode
	}
	return 0
}
