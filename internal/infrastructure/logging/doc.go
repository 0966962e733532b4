// Package logging provides structured logging using uber/zap.
//
// Two modes:
//   - Production: JSON output for log shippers
//   - Development: colored console output (LOG_DEV=true)
//
// Components take a *zap.Logger; the field helpers (DeviceID, SessionID,
// ReservationID, Server) keep the keys identical across packages.
//
// Example Usage:
//
//	logger := logging.NewFromSettings(cfg.Logging.Level, cfg.Logging.Development)
//	logger.Info("device reserved", logging.DeviceID(id), logging.SessionID(sid))
package logging
