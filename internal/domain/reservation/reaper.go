package reservation

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/domain/registry"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/infrastructure/logging"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/shared/types"
)

// Reaper releases sessions that have been idle too long.
type Reaper struct {
	manager  *Manager
	idle     time.Duration
	interval time.Duration
	logger   *zap.Logger
}

// NewReaper creates a reaper. An idle timeout of zero disables it.
func NewReaper(manager *Manager, idle, interval time.Duration, logger *zap.Logger) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{
		manager:  manager,
		idle:     idle,
		interval: interval,
		logger:   logger.Named("reaper"),
	}
}

// Run sweeps every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	if r.idle <= 0 {
		r.logger.Info("session reaper disabled")
		return nil
	}
	r.logger.Info("session reaper started", zap.Duration("idle_timeout", r.idle), zap.Duration("interval", r.interval))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("reaper sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep releases every in-use device idle beyond the timeout and returns
// their ids.
func (r *Reaper) Sweep(ctx context.Context) ([]string, error) {
	if r.idle <= 0 {
		return nil, nil
	}

	devices, err := r.manager.registry.List(ctx, types.DeviceFilter{Status: types.StatusInUse})
	if err != nil {
		return nil, err
	}

	cutoff := r.manager.now().Add(-r.idle)
	var (
		reaped []string
		errs   []error
	)
	for _, d := range devices {
		last := d.LastActivity
		if last == nil {
			last = d.UpdatedAt
		}
		if last != nil && last.After(cutoff) {
			continue
		}

		err := r.manager.Release(ctx, d.DeviceID, ReasonExpired)
		switch {
		case err == nil:
			reaped = append(reaped, d.DeviceID)
			if r.manager.metrics != nil {
				r.manager.metrics.SessionsReaped.Inc()
			}
			r.logger.Info("expired idle session",
				logging.DeviceID(d.DeviceID),
				logging.SessionID(types.Deref(d.CurrentSession)))
		case errors.Is(err, registry.ErrLocked), errors.Is(err, ErrNotInUse), errors.Is(err, registry.ErrDeviceNotFound):
			// Someone else is working on it; next sweep decides.
		default:
			errs = append(errs, err)
		}
	}
	return reaped, errors.Join(errs...)
}
