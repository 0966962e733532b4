// Package utils provides input validation shared by the API surface and the
// domain services.
//
// Validation:
//   - String length and null-byte checks
//   - Device IDs (adb serials, UDIDs, host:port emulator serials)
//   - Command methods and session-relative paths
//   - JSON payload size limits
//   - Port ranges
//
// Example Usage:
//
//	if err := utils.ValidateDeviceID(id, true); err != nil {
//	    c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
//	}
package utils
