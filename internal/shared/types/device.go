package types

import (
	"fmt"
	"time"
)

// Platform identifies the device operating system
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
)

// Valid reports whether p is a supported platform
func (p Platform) Valid() bool {
	return p == PlatformAndroid || p == PlatformIOS
}

// AutomationName returns the Appium driver used for the platform
func (p Platform) AutomationName() string {
	if p == PlatformAndroid {
		return "UiAutomator2"
	}
	return "XCUITest"
}

// ParsePlatform parses a platform name, rejecting unknown values
func ParsePlatform(s string) (Platform, error) {
	p := Platform(s)
	if !p.Valid() {
		return "", fmt.Errorf("invalid platform %q (expected android or ios)", s)
	}
	return p, nil
}

// Status represents the connection status of a device
type Status string

const (
	StatusAvailable Status = "available"
	StatusInUse     Status = "in_use"
	StatusOffline   Status = "offline"
)

// AllStatuses lists every status in index order
var AllStatuses = []Status{StatusAvailable, StatusInUse, StatusOffline}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusInUse, StatusOffline:
		return true
	}
	return false
}

// ParseStatus parses a status name, rejecting unknown values
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("invalid status %q (expected available, in_use or offline)", s)
	}
	return st, nil
}

// Device is a mobile device tracked by the registry
type Device struct {
	DeviceID       string     `json:"device_id" yaml:"device_id" toml:"device_id"`
	Platform       Platform   `json:"platform" yaml:"platform" toml:"platform"`
	Version        string     `json:"version" yaml:"version" toml:"version"`
	Location       *string    `json:"location,omitempty" yaml:"location" toml:"location"`
	Status         Status     `json:"status" yaml:"status" toml:"status"`
	CurrentSession *string    `json:"current_session,omitempty" yaml:"-" toml:"-"`
	AppiumServer   *string    `json:"appium_server,omitempty" yaml:"-" toml:"-"`
	TestID         *string    `json:"test_id,omitempty" yaml:"-" toml:"-"`
	ReservationID  *string    `json:"reservation_id,omitempty" yaml:"-" toml:"-"`
	WDALocalPort   *int       `json:"wda_local_port,omitempty" yaml:"wda_local_port" toml:"wda_local_port"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty" yaml:"-" toml:"-"`
	LastActivity   *time.Time `json:"last_activity,omitempty" yaml:"-" toml:"-"`
}

// InUse reports whether the device holds an active session
func (d *Device) InUse() bool {
	return d.Status == StatusInUse && d.CurrentSession != nil && *d.CurrentSession != ""
}

// DeviceFilter narrows a registry listing. Empty fields match everything.
type DeviceFilter struct {
	Status   Status
	Platform Platform
}

// StatusCounts holds the number of devices per effective status
type StatusCounts map[Status]int

// StringPtr returns a pointer to s, or nil when s is empty
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// IntPtr returns a pointer to n, or nil when n is zero
func IntPtr(n int) *int {
	if n == 0 {
		return nil
	}
	return &n
}

// Deref returns the pointed-to string or ""
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
