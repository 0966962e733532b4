// Package types provides shared data structures for the device manager.
//
// Core Types:
//   - Device: A registered mobile device and its live status
//   - Platform: Device platform (android, ios)
//   - Status: Device connection status (available, in_use, offline)
//   - DeviceFilter: Registry list filter
//
// Request Types:
//   - ReserveRequest, ReleaseRequest, HeartbeatRequest: reservation lifecycle
//   - Command, CommandResult: W3C WebDriver commands forwarded to a session
//
// Example Usage:
//
//	dev := types.Device{
//	    DeviceID: "emulator-5554",
//	    Platform: types.PlatformAndroid,
//	    Version:  "14",
//	    Status:   types.StatusAvailable,
//	}
package types
