package adb

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/domain/events"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/infrastructure/logging"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/shared/types"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/shared/utils"
)

const (
	versionProperty = "ro.build.version.release"
	unknownVersion  = "unknown"
	probeLimit      = 4
	probeTimeout    = 5 * time.Second
)

// Registry is the part of the device registry discovery writes to.
type Registry interface {
	Exists(ctx context.Context, deviceID string) (bool, error)
	Register(ctx context.Context, d types.Device) (bool, error)
	Heartbeat(ctx context.Context, deviceID string) (bool, error)
}

// Options configures discovery.
type Options struct {
	Interval time.Duration
	Location string
}

// PollResult summarizes one poll.
type PollResult struct {
	Seen       int
	Registered []string
	Heartbeats int
	Restored   []string
	Skipped    []string
}

// Discovery keeps Android devices attached to the ADB server registered and
// heartbeated.
type Discovery struct {
	host      Host
	registry  Registry
	publisher events.Publisher
	metrics   *monitoring.Metrics
	opts      Options
	logger    *zap.Logger
}

// NewDiscovery creates a discovery worker. publisher and metrics may be nil.
func NewDiscovery(host Host, registry Registry, publisher events.Publisher, metrics *monitoring.Metrics, opts Options, logger *zap.Logger) *Discovery {
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Second
	}
	if publisher == nil {
		publisher = events.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discovery{
		host:      host,
		registry:  registry,
		publisher: publisher,
		metrics:   metrics,
		opts:      opts,
		logger:    logger.Named("adb"),
	}
}

// Run polls until ctx is done. Poll errors are logged, not returned.
func (d *Discovery) Run(ctx context.Context) error {
	d.logger.Info("adb discovery started", zap.Duration("interval", d.opts.Interval))

	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()

	for {
		if _, err := d.Poll(ctx); err != nil && ctx.Err() == nil {
			d.logger.Warn("adb poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			d.logger.Info("adb discovery stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Poll lists attached devices once, registering unknown ones and
// heartbeating the rest.
func (d *Discovery) Poll(ctx context.Context) (PollResult, error) {
	attached, err := d.host.Devices(ctx)
	if err != nil {
		return PollResult{}, err
	}

	var (
		mu     sync.Mutex
		result = PollResult{Seen: len(attached)}
		errs   []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeLimit)

	for _, a := range attached {
		if !a.Online || utils.ValidateDeviceID(a.Serial, true) != nil {
			result.Skipped = append(result.Skipped, a.Serial)
			continue
		}
		g.Go(func() error {
			registered, restored, err := d.sync(gctx, a)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				errs = append(errs, err)
			case registered:
				result.Registered = append(result.Registered, a.Serial)
			default:
				result.Heartbeats++
				if restored {
					result.Restored = append(result.Restored, a.Serial)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	return result, errors.Join(errs...)
}

func (d *Discovery) sync(ctx context.Context, a Attached) (registered, restored bool, err error) {
	log := d.logger.With(logging.DeviceID(a.Serial))

	known, err := d.registry.Exists(ctx, a.Serial)
	if err != nil {
		return false, false, err
	}

	if known {
		restored, err = d.registry.Heartbeat(ctx, a.Serial)
		if err != nil {
			return false, false, err
		}
		if d.metrics != nil {
			d.metrics.HeartbeatsTotal.Inc()
		}
		if restored {
			log.Info("device back online")
			if d.metrics != nil {
				d.metrics.DevicesRecovered.Inc()
			}
			d.publisher.Publish(events.New(events.TypeHeartbeatRestored, a.Serial, types.StatusAvailable, map[string]any{"source": "adb"}))
		}
		return false, restored, nil
	}

	version := d.version(ctx, a.Serial)
	dev := types.Device{
		DeviceID: a.Serial,
		Platform: types.PlatformAndroid,
		Version:  version,
		Status:   types.StatusAvailable,
	}
	if d.opts.Location != "" {
		dev.Location = types.StringPtr(d.opts.Location)
	}

	if _, err := d.registry.Register(ctx, dev); err != nil {
		return false, false, err
	}
	if d.metrics != nil {
		d.metrics.Registrations.Inc()
	}
	log.Info("device discovered",
		zap.String("version", version),
		zap.String("model", a.Model),
		zap.String("product", a.Product))
	d.publisher.Publish(events.New(events.TypeRegistered, a.Serial, types.StatusAvailable, map[string]any{
		"source":   "adb",
		"platform": string(types.PlatformAndroid),
		"version":  version,
		"model":    a.Model,
	}))
	return true, false, nil
}

func (d *Discovery) version(ctx context.Context, serial string) string {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	v, err := d.host.Property(ctx, serial, versionProperty)
	if err != nil || v == "" {
		d.logger.Debug("cannot read android version", logging.DeviceID(serial), zap.Error(err))
		return unknownVersion
	}
	return v
}
