package appium

import (
	"encoding/json"
	"time"

	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/shared/types"
)

// SessionRequest describes the device a new session is opened on.
type SessionRequest struct {
	DeviceID     string
	Platform     types.Platform
	Version      string
	WDALocalPort *int
}

// capabilities builds the W3C new-session payload.
func (r SessionRequest) capabilities() map[string]any {
	match := map[string]any{
		"platformName":    string(r.Platform),
		"platformVersion": r.Version,
		"deviceName":      r.DeviceID,
		"automationName":  r.Platform.AutomationName(),
	}
	if r.Platform == types.PlatformIOS && r.WDALocalPort != nil && *r.WDALocalPort > 0 {
		match["wdaLocalPort"] = *r.WDALocalPort
	}
	return map[string]any{
		"capabilities": map[string]any{
			"firstMatch": []map[string]any{match},
		},
	}
}

// ServerStatus is the answer of GET /status.
type ServerStatus struct {
	Server  string          `json:"server"`
	Ready   bool            `json:"ready"`
	Message string          `json:"message,omitempty"`
	Build   json.RawMessage `json:"build,omitempty"`
	Latency time.Duration   `json:"latency"`
}

// envelope is the W3C response wrapper. Value stays raw because its shape
// depends on the endpoint.
type envelope struct {
	Value     json.RawMessage `json:"value"`
	SessionID string          `json:"sessionId"`
}

type sessionValue struct {
	SessionID string `json:"sessionId"`
}

type errorValue struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type statusValue struct {
	Ready   *bool           `json:"ready"`
	Message string          `json:"message"`
	Build   json.RawMessage `json:"build"`
}
