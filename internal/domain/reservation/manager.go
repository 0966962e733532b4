package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/domain/audit"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/domain/events"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/domain/pool"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/domain/registry"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/infrastructure/logging"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/shared/id"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/shared/types"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/shared/utils"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/transport/appium"
)

// Release reasons recorded in the history.
const (
	ReasonManual  = "manual"
	ReasonExpired = "expired"
)

// SessionDriver opens and closes Appium sessions.
type SessionDriver interface {
	StartSession(ctx context.Context, server string, req appium.SessionRequest) (string, error)
	StopSession(ctx context.Context, server, sessionID string) error
}

// History records reservations. *audit.Log implements it.
type History interface {
	RecordReserved(ctx context.Context, r audit.Record) error
	RecordReleased(ctx context.Context, reservationID, reason string, at time.Time) error
}

// Deps are the collaborators of a Manager. History, Events and Metrics are
// optional.
type Deps struct {
	Registry *registry.Store
	Pool     *pool.Pool
	Appium   SessionDriver
	History  History
	Events   events.Publisher
	Metrics  *monitoring.Metrics
	Logger   *zap.Logger
}

// Manager owns device registration, reservation and release.
type Manager struct {
	registry *registry.Store
	pool     *pool.Pool
	appium   SessionDriver
	history  History
	events   events.Publisher
	metrics  *monitoring.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewManager creates a manager.
func NewManager(deps Deps) *Manager {
	if deps.Events == nil {
		deps.Events = events.Discard
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Manager{
		registry: deps.Registry,
		pool:     deps.Pool,
		appium:   deps.Appium,
		history:  deps.History,
		events:   deps.Events,
		metrics:  deps.Metrics,
		logger:   deps.Logger.Named("reservation"),
		now:      time.Now,
	}
}

// Register adds or updates a device.
func (m *Manager) Register(ctx context.Context, d types.Device) error {
	created, err := m.registry.Register(ctx, d)
	if err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.Registrations.Inc()
	}
	if created {
		m.events.Publish(events.New(events.TypeRegistered, d.DeviceID, d.Status, map[string]any{
			"platform": string(d.Platform),
			"version":  d.Version,
		}))
	}
	return nil
}

// Unregister removes an idle device.
func (m *Manager) Unregister(ctx context.Context, deviceID string) error {
	d, err := m.registry.Delete(ctx, deviceID)
	if err != nil {
		return err
	}
	m.events.Publish(events.New(events.TypeUnregistered, deviceID, d.Status, nil))
	return nil
}

// Reserve gives the caller exclusive use of a device through a new Appium
// session.
func (m *Manager) Reserve(ctx context.Context, req types.ReserveRequest) (result *types.ReserveResult, err error) {
	start := m.now()
	platform := "unknown"
	defer func() {
		if m.metrics != nil {
			m.metrics.RecordReservation(platform, outcome(err), m.now().Sub(start))
		}
	}()

	if err := utils.ValidateDeviceID(req.DeviceID, true); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := utils.ValidateTestID(req.TestID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.WDALocalPort != nil {
		if err := utils.ValidatePort(*req.WDALocalPort, "wda_local_port", 0, 0); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}

	d, err := m.registry.Get(ctx, req.DeviceID)
	if err != nil {
		return nil, err
	}
	platform = string(d.Platform)
	if d.Status != types.StatusAvailable {
		return nil, &UnavailableError{DeviceID: d.DeviceID, Status: d.Status}
	}

	token, err := m.registry.AcquireLock(ctx, req.DeviceID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := m.registry.ReleaseLock(context.WithoutCancel(ctx), req.DeviceID, token); rerr != nil {
			m.logger.Warn("failed to release reservation lock", logging.DeviceID(req.DeviceID), zap.Error(rerr))
		}
	}()

	d, err = m.registry.Get(ctx, req.DeviceID)
	if errors.Is(err, registry.ErrDeviceNotFound) || (err == nil && d.Status != types.StatusAvailable) {
		return nil, fmt.Errorf("%w: %s", ErrBecameUnavailable, req.DeviceID)
	}
	if err != nil {
		return nil, err
	}

	wdaPort, err := m.assignWDAPort(ctx, d, req.WDALocalPort)
	if err != nil {
		return nil, err
	}

	server, err := m.pool.Acquire(ctx)
	if err != nil {
		m.freeWDAPort(ctx, d, wdaPort)
		return nil, err
	}
	log := m.logger.With(logging.DeviceID(d.DeviceID), logging.Server(server))

	sessionID, err := m.appium.StartSession(ctx, server, appium.SessionRequest{
		DeviceID:     d.DeviceID,
		Platform:     d.Platform,
		Version:      d.Version,
		WDALocalPort: wdaPort,
	})
	if err != nil {
		m.releaseServer(ctx, server)
		m.freeWDAPort(ctx, d, wdaPort)
		log.Warn("appium session failed to start", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrSessionFailed, err)
	}

	reservationID := id.NewReservationID().String()
	err = m.registry.Reserve(ctx, d.DeviceID, registry.Reservation{
		ReservationID: reservationID,
		SessionID:     sessionID,
		AppiumServer:  server,
		TestID:        req.TestID,
	})
	if err != nil {
		m.stopSession(ctx, server, sessionID)
		m.releaseServer(ctx, server)
		m.freeWDAPort(ctx, d, wdaPort)
		return nil, err
	}

	if m.history != nil {
		rec := audit.Record{
			ReservationID: reservationID,
			DeviceID:      d.DeviceID,
			Platform:      d.Platform,
			TestID:        req.TestID,
			SessionID:     sessionID,
			AppiumServer:  server,
			WDALocalPort:  wdaPort,
			ReservedAt:    m.now(),
		}
		if herr := m.history.RecordReserved(ctx, rec); herr != nil {
			log.Warn("failed to record reservation", zap.Error(herr))
		}
	}

	data := map[string]any{
		"reservation_id": reservationID,
		"session_id":     sessionID,
		"test_id":        req.TestID,
		"appium_server":  server,
	}
	if wdaPort != nil {
		data["wda_local_port"] = *wdaPort
	}
	m.events.Publish(events.New(events.TypeReserved, d.DeviceID, types.StatusInUse, data))

	log.Info("device reserved",
		logging.SessionID(sessionID),
		logging.ReservationID(reservationID),
		zap.String("test_id", req.TestID))

	return &types.ReserveResult{
		Message:       fmt.Sprintf("Device %s reserved", d.DeviceID),
		SessionID:     sessionID,
		ReservationID: reservationID,
		WDALocalPort:  wdaPort,
		AppiumServer:  server,
	}, nil
}

// assignWDAPort picks the iOS WebDriverAgent port: the requested one, the
// one stored on the device, or a new one. The chosen port is stored on the
// device and marked used. Android devices pass through unchanged.
func (m *Manager) assignWDAPort(ctx context.Context, d *types.Device, requested *int) (*int, error) {
	if d.Platform != types.PlatformIOS {
		return d.WDALocalPort, nil
	}

	var port int
	switch {
	case requested != nil:
		port = *requested
	case d.WDALocalPort != nil:
		port = *d.WDALocalPort
	default:
		p, err := m.registry.AllocateWDAPort(ctx)
		if err != nil {
			return nil, err
		}
		port = p
		if m.metrics != nil {
			m.metrics.WDAPortsAllocated.Inc()
		}
	}

	if err := m.registry.SetWDAPort(ctx, d.DeviceID, port); err != nil {
		m.freeWDAPort(ctx, d, &port)
		return nil, err
	}
	return &port, nil
}

// Release ends the reservation of a device. The Appium session is stopped
// on a best effort basis; the server always goes back to the pool.
func (m *Manager) Release(ctx context.Context, deviceID, reason string) error {
	if err := utils.ValidateString(reason, "reason", 0, utils.MaxReasonLength, false); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if reason == "" {
		reason = ReasonManual
	}

	d, err := m.registry.Get(ctx, deviceID)
	if err != nil {
		return err
	}
	if d.Status != types.StatusInUse {
		return fmt.Errorf("%w: %s", ErrNotInUse, deviceID)
	}

	token, err := m.registry.AcquireLock(ctx, deviceID)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := m.registry.ReleaseLock(context.WithoutCancel(ctx), deviceID, token); rerr != nil {
			m.logger.Warn("failed to release reservation lock", logging.DeviceID(deviceID), zap.Error(rerr))
		}
	}()

	d, err = m.registry.Get(ctx, deviceID)
	if err != nil {
		return err
	}
	if d.Status != types.StatusInUse {
		return fmt.Errorf("%w: %s", ErrNotInUse, deviceID)
	}

	server := types.Deref(d.AppiumServer)
	sessionID := types.Deref(d.CurrentSession)
	if server != "" && sessionID != "" {
		m.stopSession(ctx, server, sessionID)
	}
	if server != "" {
		m.releaseServer(ctx, server)
	}

	if err := m.registry.Release(ctx, deviceID); err != nil {
		return err
	}

	reservationID := types.Deref(d.ReservationID)
	if m.history != nil && reservationID != "" {
		if herr := m.history.RecordReleased(ctx, reservationID, reason, m.now()); herr != nil {
			m.logger.Warn("failed to record release", logging.ReservationID(reservationID), zap.Error(herr))
		}
	}
	if m.metrics != nil {
		label := ReasonManual
		if reason == ReasonExpired {
			label = ReasonExpired
		}
		m.metrics.RecordRelease(label)
	}

	eventType := events.TypeReleased
	if reason == ReasonExpired {
		eventType = events.TypeExpired
	}
	m.events.Publish(events.New(eventType, deviceID, types.StatusAvailable, map[string]any{
		"reservation_id": reservationID,
		"session_id":     sessionID,
		"reason":         reason,
	}))

	m.logger.Info("device released",
		logging.DeviceID(deviceID),
		logging.SessionID(sessionID),
		zap.String("reason", reason))
	return nil
}

// Heartbeat marks a device alive.
func (m *Manager) Heartbeat(ctx context.Context, deviceID string) error {
	if err := utils.ValidateDeviceID(deviceID, true); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	restored, err := m.registry.HeartbeatActive(ctx, deviceID)
	if err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.HeartbeatsTotal.Inc()
	}
	if restored {
		if m.metrics != nil {
			m.metrics.DevicesRecovered.Inc()
		}
		m.events.Publish(events.New(events.TypeHeartbeatRestored, deviceID, types.StatusAvailable, nil))
		m.logger.Info("device back online", logging.DeviceID(deviceID))
	}
	return nil
}

func (m *Manager) stopSession(ctx context.Context, server, sessionID string) {
	if err := m.appium.StopSession(context.WithoutCancel(ctx), server, sessionID); err != nil {
		m.logger.Warn("failed to stop appium session",
			logging.Server(server),
			logging.SessionID(sessionID),
			zap.Error(err))
	}
}

func (m *Manager) releaseServer(ctx context.Context, server string) {
	if err := m.pool.Release(context.WithoutCancel(ctx), server); err != nil {
		m.logger.Error("failed to return appium server to pool", logging.Server(server), zap.Error(err))
	}
}

func (m *Manager) freeWDAPort(ctx context.Context, d *types.Device, port *int) {
	if port == nil || d.Platform != types.PlatformIOS {
		return
	}
	if err := m.registry.FreeWDAPort(context.WithoutCancel(ctx), *port); err != nil {
		m.logger.Warn("failed to free wda port", zap.Int("port", *port), zap.Error(err))
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, registry.ErrDeviceNotFound):
		return "not_found"
	case errors.Is(err, ErrNotAvailable), errors.Is(err, ErrBecameUnavailable):
		return "unavailable"
	case errors.Is(err, registry.ErrLocked):
		return "locked"
	case errors.Is(err, pool.ErrNoServers), errors.Is(err, registry.ErrNoWDAPort):
		return "exhausted"
	case errors.Is(err, ErrSessionFailed):
		return "appium_error"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid"
	default:
		return "error"
	}
}
