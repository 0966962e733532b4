package types

import "encoding/json"

// ReserveRequest asks for exclusive use of a device
type ReserveRequest struct {
	DeviceID string `json:"device_id" binding:"required"`
	TestID   string `json:"test_id" binding:"required"`
	// WDALocalPort overrides the WebDriverAgent port for iOS devices
	WDALocalPort *int `json:"wda_local_port,omitempty"`
}

// ReserveResult is returned after a successful reservation
type ReserveResult struct {
	Message       string `json:"message"`
	SessionID     string `json:"session_id"`
	ReservationID string `json:"reservation_id"`
	WDALocalPort  *int   `json:"wdaLocalPort"`
	AppiumServer  string `json:"appiumServer"`
}

// ReleaseRequest carries an optional release reason
type ReleaseRequest struct {
	Reason *string `json:"reason,omitempty"`
}

// HeartbeatRequest marks a device as alive
type HeartbeatRequest struct {
	DeviceID string `json:"device_id" binding:"required"`
}

// Command is a W3C WebDriver command relative to the device's session
type Command struct {
	Method    string          `json:"method" binding:"required"`
	Path      string          `json:"path"`
	Body      json.RawMessage `json:"body,omitempty"`
	TimeoutMS int             `json:"timeout_ms,omitempty"`
}

// CommandResult is the outcome of a dispatched command
type CommandResult struct {
	CommandID string          `json:"command_id"`
	DeviceID  string          `json:"device_id"`
	SessionID string          `json:"session_id"`
	Value     json.RawMessage `json:"value"`
	ElapsedMS int64           `json:"elapsed_ms"`
}

// PoolStats describes the Appium server pool
type PoolStats struct {
	Configured []string `json:"configured"`
	Available  []string `json:"available"`
	InUse      []string `json:"in_use"`
}
