// Package middleware holds the HTTP middleware shared by the device API.
//
//   - CORS: wraps gin-contrib/cors and exposes the trace headers
//   - RateLimit: per-IP token buckets with idle eviction
//   - BodyLimit: caps request bodies
//
// Probe paths such as /health and /metrics can be exempted from limiting:
//
//	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
//	router.Use(middleware.BodyLimit(utils.MaxJSONSize))
//	router.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))
package middleware
