package http

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/domain/audit"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/domain/dispatch"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/domain/pool"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/domain/registry"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/domain/reservation"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/shared/types"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/shared/utils"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/transport/appium"
)

const (
	serviceName   = "Mobile Device Manager"
	healthTimeout = 2 * time.Second
)

// Deps are the collaborators of the HTTP handlers. History and Metrics are
// optional.
type Deps struct {
	Devices    *reservation.Manager
	Registry   *registry.Store
	Pool       *pool.Pool
	Dispatcher *dispatch.Dispatcher
	Appium     *appium.Client
	History    *audit.Log
	Metrics    *monitoring.Metrics
	Logger     *zap.Logger
	Version    string
}

// Handlers contains all HTTP handlers
type Handlers struct {
	devices    *reservation.Manager
	registry   *registry.Store
	pool       *pool.Pool
	dispatcher *dispatch.Dispatcher
	appium     *appium.Client
	history    *audit.Log
	metrics    *monitoring.Metrics
	logger     *zap.Logger
	version    string
}

// NewHandlers creates a new handler set
func NewHandlers(deps Deps) *Handlers {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Version == "" {
		deps.Version = "dev"
	}
	return &Handlers{
		devices:    deps.Devices,
		registry:   deps.Registry,
		pool:       deps.Pool,
		dispatcher: deps.Dispatcher,
		appium:     deps.Appium,
		history:    deps.History,
		metrics:    deps.Metrics,
		logger:     deps.Logger.Named("http"),
		version:    deps.Version,
	}
}

// Root handles the service banner
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": serviceName,
		"version": h.version,
	})
}

// Health reports Redis reachability, device counts and the Appium pool
func (h *Handlers) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	if err := h.registry.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"redis":  gin.H{"connected": false, "error": err.Error()},
		})
		return
	}

	counts, err := h.registry.Counts(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	stats, err := h.pool.Stats(ctx)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"redis":       gin.H{"connected": true},
		"devices":     counts,
		"appium_pool": stats,
	})
}

// RegisterDevice registers or updates a device
func (h *Handlers) RegisterDevice(c *gin.Context) {
	var d types.Device
	if err := c.ShouldBindJSON(&d); err != nil {
		badRequest(c, err.Error())
		return
	}

	if err := h.devices.Register(c.Request.Context(), d); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": fmt.Sprintf("Device %s registered/updated.", d.DeviceID),
	})
}

// ListDevices lists devices, optionally filtered by status and platform
func (h *Handlers) ListDevices(c *gin.Context) {
	var filter types.DeviceFilter

	if s := c.Query("status"); s != "" {
		status, err := types.ParseStatus(s)
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		filter.Status = status
	}
	if p := c.Query("platform"); p != "" {
		platform, err := types.ParsePlatform(p)
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		filter.Platform = platform
	}

	devices, err := h.registry.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	if devices == nil {
		devices = []types.Device{}
	}
	c.JSON(http.StatusOK, devices)
}

// GetDevice returns one device
func (h *Handlers) GetDevice(c *gin.Context) {
	deviceID := c.Param("id")
	if err := utils.ValidateDeviceID(deviceID, true); err != nil {
		badRequest(c, err.Error())
		return
	}

	d, err := h.registry.Get(c.Request.Context(), deviceID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// DeleteDevice unregisters an idle device
func (h *Handlers) DeleteDevice(c *gin.Context) {
	deviceID := c.Param("id")
	if err := utils.ValidateDeviceID(deviceID, true); err != nil {
		badRequest(c, err.Error())
		return
	}

	if err := h.devices.Unregister(c.Request.Context(), deviceID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": fmt.Sprintf("Device %s unregistered", deviceID),
	})
}

// ReserveDevice reserves a device and opens an Appium session on it
func (h *Handlers) ReserveDevice(c *gin.Context) {
	var req types.ReserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	res, err := h.devices.Reserve(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ReleaseDevice ends the reservation of a device. The body is optional.
func (h *Handlers) ReleaseDevice(c *gin.Context) {
	deviceID := c.Param("id")
	if err := utils.ValidateDeviceID(deviceID, true); err != nil {
		badRequest(c, err.Error())
		return
	}

	var req types.ReleaseRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}

	if err := h.devices.Release(c.Request.Context(), deviceID, types.Deref(req.Reason)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": fmt.Sprintf("Device %s released", deviceID),
	})
}

// Heartbeat marks a device alive
func (h *Handlers) Heartbeat(c *gin.Context) {
	var req types.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	if err := h.devices.Heartbeat(c.Request.Context(), req.DeviceID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "ok"})
}

// ExecuteCommand forwards a WebDriver command to a reserved device
func (h *Handlers) ExecuteCommand(c *gin.Context) {
	var cmd types.Command
	if err := c.ShouldBindJSON(&cmd); err != nil {
		badRequest(c, err.Error())
		return
	}

	res, err := h.dispatcher.Dispatch(c.Request.Context(), c.Param("id"), cmd)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ListReservations returns the reservation history, newest first
func (h *Handlers) ListReservations(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusOK, gin.H{"reservations": []audit.Record{}})
		return
	}

	q := audit.Query{
		DeviceID: c.Query("device_id"),
		TestID:   c.Query("test_id"),
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			badRequest(c, "limit must be a positive integer")
			return
		}
		q.Limit = limit
	}
	if v := c.Query("open"); v != "" {
		open, err := strconv.ParseBool(v)
		if err != nil {
			badRequest(c, "open must be a boolean")
			return
		}
		q.Open = open
	}

	records, err := h.history.List(c.Request.Context(), q)
	if err != nil {
		respondError(c, err)
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	c.JSON(http.StatusOK, gin.H{
		"reservations": records,
		"count":        len(records),
	})
}

// GetReservation returns one reservation with its commands
func (h *Handlers) GetReservation(c *gin.Context) {
	if h.history == nil {
		respondError(c, audit.ErrNotFound)
		return
	}

	ctx := c.Request.Context()
	rec, err := h.history.Get(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	cmds, err := h.history.Commands(ctx, rec.ReservationID, 0)
	if err != nil {
		respondError(c, err)
		return
	}
	if cmds == nil {
		cmds = []audit.CommandRecord{}
	}
	c.JSON(http.StatusOK, gin.H{
		"reservation": rec,
		"commands":    cmds,
	})
}

// serverProbe is the readiness of one Appium server
type serverProbe struct {
	Server    string `json:"server"`
	Ready     bool   `json:"ready"`
	Message   string `json:"message,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// AppiumServers reports the pool and circuit breaker state. With
// ?probe=true every configured server is asked for its status.
func (h *Handlers) AppiumServers(c *gin.Context) {
	ctx := c.Request.Context()
	stats, err := h.pool.Stats(ctx)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := gin.H{
		"pool":     stats,
		"breakers": h.appium.BreakerStates(),
	}

	if probe, _ := strconv.ParseBool(c.Query("probe")); probe {
		servers := h.pool.Servers()
		probes := make([]serverProbe, len(servers))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(8)
		for i, server := range servers {
			g.Go(func() error {
				p := serverProbe{Server: server}
				st, err := h.appium.Status(gctx, server)
				if err != nil {
					p.Error = err.Error()
				} else {
					p.Ready = st.Ready
					p.Message = st.Message
					p.LatencyMS = st.Latency.Milliseconds()
				}
				probes[i] = p
				return nil
			})
		}
		_ = g.Wait()
		resp["status"] = probes
	}

	c.JSON(http.StatusOK, resp)
}

// MetricsSummary returns the running totals as JSON
func (h *Handlers) MetricsSummary(c *gin.Context) {
	if h.metrics == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}

	ctx := c.Request.Context()
	resp := gin.H{
		"timestamp": time.Now(),
		"backend":   h.metrics.Snapshot(),
	}
	if counts, err := h.registry.Counts(ctx); err == nil {
		resp["devices"] = counts
	}
	if stats, err := h.pool.Stats(ctx); err == nil {
		resp["appium_pool"] = gin.H{
			"configured": len(stats.Configured),
			"available":  len(stats.Available),
			"in_use":     len(stats.InUse),
		}
	}
	c.JSON(http.StatusOK, resp)
}
