// Package main is the entry point for the Mobile Device Manager.
//
// The service keeps a Redis-backed registry of Android and iOS devices,
// hands them out to test runs with an Appium session attached and proxies
// WebDriver commands to the reserved device.
//
// Architecture:
//
//	Test runners → HTTP API → Reservation manager → Appium servers → Devices
//	                        → Redis (registry, locks, pool)
//	                        → SQLite (reservation history)
//
// Configuration:
//   - Environment variables (12-factor), see internal/infrastructure/config
//   - CLI flags (override env vars)
//
// Usage:
//
//	REDIS_URL=redis://localhost:6379/0 APPIUM_SERVERS=http://a:4723,http://b:4723 ./server
//	./server -port 9000 -dev
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
