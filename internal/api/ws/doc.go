// Package ws streams device events over WebSocket.
//
// Clients connect to /devices/events and receive every event published on
// the event bus, optionally narrowed with ?device_id= and ?types= (comma
// separated). Slow clients miss events rather than stall publishers.
//
// Message Types (Client → Server):
//   - ping: Keep-alive ping
//
// Message Types (Server → Client):
//   - system: Connection established
//   - event: A device event
//   - pong: Reply to ping
//   - error: Error occurred
//
// Example Usage:
//
//	handler := ws.NewHandler(bus, metrics, logger)
//	router.GET("/devices/events", handler.HandleConnection)
package ws
