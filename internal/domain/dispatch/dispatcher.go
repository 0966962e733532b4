package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/domain/audit"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/domain/events"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/domain/registry"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/infrastructure/logging"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/shared/id"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/shared/types"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/shared/utils"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/transport/appium"
)

// Executor runs one command inside an Appium session.
type Executor interface {
	Execute(ctx context.Context, server, sessionID string, cmd types.Command, timeout time.Duration) ([]byte, error)
}

// CommandLog records dispatched commands. *audit.Log implements it.
type CommandLog interface {
	RecordCommand(ctx context.Context, c audit.CommandRecord) error
}

// Options bound command execution.
type Options struct {
	// Timeout applies when a command does not ask for its own.
	Timeout time.Duration
	// MaxTimeout caps per-command timeouts.
	MaxTimeout time.Duration
	// MaxConcurrent bounds commands in flight across all devices.
	MaxConcurrent int64
}

// DefaultOptions returns the service defaults.
func DefaultOptions() Options {
	return Options{
		Timeout:       60 * time.Second,
		MaxTimeout:    5 * time.Minute,
		MaxConcurrent: 32,
	}
}

// Deps are the collaborators of a Dispatcher. History, Events and Metrics
// are optional.
type Deps struct {
	Registry *registry.Store
	Appium   Executor
	History  CommandLog
	Events   events.Publisher
	Metrics  *monitoring.Metrics
	Logger   *zap.Logger
}

var commandBody = utils.NewJSONSizeValidator(utils.MaxCommandBodySize)

// Dispatcher forwards commands to reserved devices.
type Dispatcher struct {
	registry *registry.Store
	appium   Executor
	history  CommandLog
	events   events.Publisher
	metrics  *monitoring.Metrics
	logger   *zap.Logger
	opts     Options
	sem      *semaphore.Weighted
	locks    *deviceLocks
}

// New creates a dispatcher.
func New(deps Deps, opts Options) *Dispatcher {
	def := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.MaxTimeout < opts.Timeout {
		opts.MaxTimeout = opts.Timeout
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = def.MaxConcurrent
	}
	if deps.Events == nil {
		deps.Events = events.Discard
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Dispatcher{
		registry: deps.Registry,
		appium:   deps.Appium,
		history:  deps.History,
		events:   deps.Events,
		metrics:  deps.Metrics,
		logger:   deps.Logger.Named("dispatch"),
		opts:     opts,
		sem:      semaphore.NewWeighted(opts.MaxConcurrent),
		locks:    newDeviceLocks(),
	}
}

// Dispatch runs cmd against the session of a reserved device and returns
// the WebDriver value.
func (d *Dispatcher) Dispatch(ctx context.Context, deviceID string, cmd types.Command) (result *types.CommandResult, err error) {
	start := time.Now()
	label := "invalid"
	defer func() {
		if d.metrics != nil {
			d.metrics.RecordCommand(label, outcome(err), time.Since(start))
		}
	}()

	if err := utils.ValidateDeviceID(deviceID, true); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	method, err := utils.ValidateCommandMethod(cmd.Method)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	path, err := utils.ValidateCommandPath(cmd.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	if cmd.TimeoutMS < 0 {
		return nil, fmt.Errorf("%w: timeout_ms must not be negative", ErrInvalidCommand)
	}
	if len(cmd.Body) > 0 {
		if err := commandBody.ValidateJSON(cmd.Body); err != nil {
			return nil, fmt.Errorf("%w: body: %v", ErrInvalidCommand, err)
		}
	}
	cmd.Method, cmd.Path = method, path
	label = method

	if _, err := d.session(ctx, deviceID); err != nil {
		return nil, err
	}

	// Commands queued behind a busy device must not hold a global slot.
	unlock, err := d.locks.lock(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer d.sem.Release(1)

	// The reservation may have ended while we queued.
	dev, err := d.session(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	server, sessionID := types.Deref(dev.AppiumServer), types.Deref(dev.CurrentSession)

	if d.metrics != nil {
		d.metrics.CommandsInFlight.Inc()
		defer d.metrics.CommandsInFlight.Dec()
	}

	commandID := id.NewCommandID().String()
	log := d.logger.With(
		logging.DeviceID(deviceID),
		logging.SessionID(sessionID),
		zap.String("command_id", commandID),
		zap.String("trace_id", string(tracing.GetTraceID(ctx))),
	)

	value, execErr := d.appium.Execute(ctx, server, sessionID, cmd, d.timeout(cmd))
	elapsed := time.Since(start)

	if terr := d.registry.Touch(context.WithoutCancel(ctx), deviceID); terr != nil {
		log.Warn("failed to record activity", zap.Error(terr))
	}

	if execErr != nil {
		execErr = fmt.Errorf("%w: %w", ErrCommandFailed, execErr)
	}
	d.record(ctx, log, audit.CommandRecord{
		CommandID:     commandID,
		ReservationID: types.Deref(dev.ReservationID),
		DeviceID:      deviceID,
		Method:        cmd.Method,
		Path:          cmd.Path,
		Outcome:       outcome(execErr),
		ElapsedMS:     elapsed.Milliseconds(),
		CreatedAt:     start,
	})

	if execErr != nil {
		log.Warn("command failed",
			zap.String("method", cmd.Method),
			zap.String("path", cmd.Path),
			zap.Duration("elapsed", elapsed),
			zap.Error(execErr))
		return nil, execErr
	}

	log.Debug("command done",
		zap.String("method", cmd.Method),
		zap.String("path", cmd.Path),
		zap.Duration("elapsed", elapsed))

	return &types.CommandResult{
		CommandID: commandID,
		DeviceID:  deviceID,
		SessionID: sessionID,
		Value:     json.RawMessage(value),
		ElapsedMS: elapsed.Milliseconds(),
	}, nil
}

// session returns the device if it is reserved with a live session.
func (d *Dispatcher) session(ctx context.Context, deviceID string) (*types.Device, error) {
	dev, err := d.registry.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if dev.Status != types.StatusInUse {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotInUse, deviceID, dev.Status)
	}
	if types.Deref(dev.CurrentSession) == "" || types.Deref(dev.AppiumServer) == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, deviceID)
	}
	return dev, nil
}

func (d *Dispatcher) timeout(cmd types.Command) time.Duration {
	if cmd.TimeoutMS <= 0 {
		return d.opts.Timeout
	}
	t := time.Duration(cmd.TimeoutMS) * time.Millisecond
	if t > d.opts.MaxTimeout {
		return d.opts.MaxTimeout
	}
	return t
}

func (d *Dispatcher) record(ctx context.Context, log *zap.Logger, rec audit.CommandRecord) {
	if d.history != nil {
		if err := d.history.RecordCommand(context.WithoutCancel(ctx), rec); err != nil {
			log.Warn("failed to record command", zap.Error(err))
		}
	}
	d.events.Publish(events.New(events.TypeCommand, rec.DeviceID, types.StatusInUse, map[string]any{
		"command_id": rec.CommandID,
		"method":     rec.Method,
		"path":       rec.Path,
		"outcome":    rec.Outcome,
		"elapsed_ms": rec.ElapsedMS,
	}))
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidCommand):
		return "invalid"
	case errors.Is(err, registry.ErrDeviceNotFound):
		return "not_found"
	case errors.Is(err, ErrNotInUse), errors.Is(err, ErrNoSession):
		return "not_in_use"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, appium.ErrUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
