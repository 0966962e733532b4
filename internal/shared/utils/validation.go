package utils

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Size limits (in bytes)
const (
	MaxJSONSize        = 1 * 1024 * 1024 // maximum request payload
	MaxCommandBodySize = 256 * 1024      // body forwarded to an Appium session
)

// String length limits
const (
	MaxIDLength       = 128
	MaxVersionLength  = 32
	MaxLocationLength = 256
	MaxReasonLength   = 512
	MaxPathLength     = 512
)

var (
	// DeviceIDPattern covers adb serials, iOS UDIDs and host:port emulator serials
	DeviceIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._:-]+$`)
	// TestIDPattern allows the characters CI systems put in run identifiers
	TestIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._:/#-]+$`)
	// CommandPathPattern matches W3C endpoint paths relative to a session
	CommandPathPattern = regexp.MustCompile(`^[a-zA-Z0-9._/-]*$`)
)

// JSONSizeValidator validates JSON size limits
type JSONSizeValidator struct {
	maxSize int
}

// NewJSONSizeValidator creates a new validator with the specified max size
func NewJSONSizeValidator(maxSize int) *JSONSizeValidator {
	return &JSONSizeValidator{maxSize: maxSize}
}

// ValidateSize checks if the data size is within limits
func (v *JSONSizeValidator) ValidateSize(data []byte) error {
	if size := len(data); size > v.maxSize {
		return fmt.Errorf("JSON size %d bytes exceeds maximum %d bytes", size, v.maxSize)
	}
	return nil
}

// ValidateJSON validates both size and JSON structure
func (v *JSONSizeValidator) ValidateJSON(data []byte) error {
	if err := v.ValidateSize(data); err != nil {
		return err
	}
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON")
	}
	return nil
}

// ValidateString validates a string field with length and content checks
func ValidateString(value, fieldName string, minLen, maxLen int, required bool) error {
	if required && value == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	if value == "" {
		return nil
	}

	length := utf8.RuneCountInString(value)
	if length < minLen {
		return fmt.Errorf("%s must be at least %d characters", fieldName, minLen)
	}
	if length > maxLen {
		return fmt.Errorf("%s must not exceed %d characters", fieldName, maxLen)
	}

	if strings.Contains(value, "\x00") {
		return fmt.Errorf("%s contains invalid characters", fieldName)
	}

	return nil
}

// ValidateDeviceID validates a device identifier
func ValidateDeviceID(id string, required bool) error {
	if err := ValidateString(id, "device_id", 1, MaxIDLength, required); err != nil {
		return err
	}
	if id != "" && !DeviceIDPattern.MatchString(id) {
		return fmt.Errorf("device_id contains invalid characters (only alphanumeric, dots, colons, hyphens, and underscores allowed)")
	}
	return nil
}

// ValidateTestID validates the identifier of the test run owning a reservation
func ValidateTestID(id string) error {
	if err := ValidateString(id, "test_id", 1, MaxIDLength, true); err != nil {
		return err
	}
	if !TestIDPattern.MatchString(id) {
		return fmt.Errorf("test_id contains invalid characters")
	}
	return nil
}

// ValidatePort validates a TCP port, optionally restricted to [min, max]
func ValidatePort(port int, fieldName string, min, max int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535", fieldName)
	}
	if min > 0 && max > 0 && (port < min || port > max) {
		return fmt.Errorf("%s must be between %d and %d", fieldName, min, max)
	}
	return nil
}

// ValidateCommandMethod accepts the HTTP methods used by the W3C protocol
func ValidateCommandMethod(method string) (string, error) {
	m := strings.ToUpper(strings.TrimSpace(method))
	switch m {
	case http.MethodGet, http.MethodPost, http.MethodDelete:
		return m, nil
	}
	return "", fmt.Errorf("method %q not allowed (expected GET, POST or DELETE)", method)
}

// ValidateCommandPath validates a path relative to /session/{id}
func ValidateCommandPath(path string) (string, error) {
	p := strings.Trim(strings.TrimSpace(path), "/")
	if err := ValidateString(p, "path", 0, MaxPathLength, false); err != nil {
		return "", err
	}
	if !CommandPathPattern.MatchString(p) {
		return "", fmt.Errorf("path contains invalid characters")
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." || seg == "." {
			return "", fmt.Errorf("path must not contain relative segments")
		}
	}
	return p, nil
}
