// Package config provides 12-factor configuration management for the device manager.
//
// Configuration is loaded from environment variables with sensible defaults.
// CLI flags can override environment variables for development flexibility.
//
// Configuration Sections:
//   - Server: HTTP listener (host, port 8090) and shutdown timeout
//   - Redis: Device registry and Appium pool storage
//   - Appium: Appium server pool and outbound call limits
//   - Reservation: Lock/heartbeat TTLs, WDA port range, idle session expiry
//   - Dispatch: Command timeout and concurrency bound
//   - ADB: Optional Android device discovery through an ADB host server
//   - MQTT: Optional device event publishing
//   - Audit: Reservation history database
//   - Inventory: Device inventory files loaded at startup
//   - Logging: Log level and output format
//   - RateLimit: Per-IP rate limiting configuration
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	fmt.Printf("Server running on %s\n", cfg.Server.Addr())
//
// Environment Variables:
//   - HOST, PORT, SHUTDOWN_TIMEOUT
//   - REDIS_URL
//   - APPIUM_SERVERS, APPIUM_SERVER, APPIUM_RPS
//   - RESERVE_LOCK_TTL, HEARTBEAT_TTL, WDA_PORT_START, WDA_PORT_END
//   - SESSION_IDLE_TIMEOUT, REAPER_INTERVAL
//   - COMMAND_TIMEOUT, MAX_CONCURRENT_COMMANDS
//   - ADB_ENABLED, ADB_ADDR, ADB_POLL_INTERVAL, ADB_LOCATION
//   - MQTT_BROKER, MQTT_CLIENT_ID, MQTT_TOPIC_PREFIX, MQTT_USERNAME, MQTT_PASSWORD
//   - AUDIT_DB_PATH, DEVICES_GLOB
//   - LOG_LEVEL, LOG_DEV
//   - RATE_LIMIT_RPS, RATE_LIMIT_BURST, RATE_LIMIT_ENABLED
package config
