/*
Package monitoring provides Prometheus metrics for the device manager.

# Overview

Every Metrics value owns a private prometheus.Registry. The server mounts
Handler on GET /metrics; tests can build as many collectors as they like
without tripping duplicate registration.

# Metrics

  - mdm_http_*: request count and latency per route template
  - mdm_devices{status}: registry size by status, refreshed on a ticker
  - mdm_reservations_total, mdm_releases_total, mdm_sessions_reaped_total
  - mdm_appium_*: calls and latency per operation (session_start,
    session_stop, execute, status)
  - mdm_commands_*: dispatcher throughput and in-flight gauge
  - mdm_events_*: published and dropped device events

# Usage

	metrics := monitoring.NewMetrics()
	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	timer := monitoring.NewTimer(metrics, "session_start")
	// ... call Appium ...
	timer.Stop("ok")
*/
package monitoring
