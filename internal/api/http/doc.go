// Package http provides HTTP handlers and routing for the device manager
// REST API.
//
// Endpoints:
//   - Health: / and /health
//   - Devices: /devices, /devices/register, /devices/:id
//   - Reservations: /devices/reserve, /devices/:id/release,
//     /devices/heartbeat, /reservations, /reservations/:id
//   - Commands: /devices/:id/commands
//   - Appium: /appium/servers
//   - Metrics: /metrics/json
//
// Errors are JSON objects {"error", "detail"}; domain errors map to status
// codes in errors.go.
//
// Example Usage:
//
//	handlers := http.NewHandlers(http.Deps{Devices: manager, Registry: store, ...})
//	handlers.Routes(router)
package http
