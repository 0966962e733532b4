package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apihttp "github.com/GriffinCanCode/MobileDeviceManager/backend/internal/api/http"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/api/middleware"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/api/ws"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/domain/audit"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/domain/dispatch"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/domain/events"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/domain/pool"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/domain/registry"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/domain/reservation"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/infrastructure/config"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/infrastructure/database"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/infrastructure/logging"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/infrastructure/mqtt"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/infrastructure/store"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/shared/utils"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/transport/adb"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/transport/appium"
)

// Version is stamped at build time with -ldflags "-X ...server.Version=...".
var Version = "dev"

const gaugeInterval = 15 * time.Second

// worker is a background loop that runs for the life of the server.
type worker struct {
	name string
	run  func(ctx context.Context) error
}

// Server wraps the HTTP server and dependencies
type Server struct {
	router   *gin.Engine
	config   *config.Config
	logger   *logging.Logger
	metrics  *monitoring.Metrics
	tracer   *tracing.Tracer
	redis    *redis.Client
	db       *database.DB
	bus      *events.Bus
	mqtt     *mqtt.Client
	registry *registry.Store
	pool     *pool.Pool
	devices  *reservation.Manager
	workers  []worker
}

// NewServer connects to Redis, opens the history database and wires every
// component. Failing to reach Redis is fatal; MQTT and ADB are optional.
func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	logger := logging.NewFromSettings(cfg.Logging.Level, cfg.Logging.Development)

	servers := cfg.Appium.ServerList()
	logger.Info("Initializing Mobile Device Manager",
		zap.String("addr", cfg.Server.Addr()),
		zap.Strings("appium_servers", servers),
		zap.Bool("adb", cfg.ADB.Enabled),
		zap.Bool("mqtt", cfg.MQTT.Enabled()),
	)

	metrics := monitoring.NewMetrics()
	tracer := tracing.New("device-manager", logger.Logger)

	rdb, err := store.Open(ctx, cfg.Redis.URL)
	if err != nil {
		tracer.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	logger.Info("Connected to Redis")

	s := &Server{
		config:  cfg,
		logger:  logger,
		metrics: metrics,
		tracer:  tracer,
		redis:   rdb,
	}
	if err := s.build(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}

	logger.Info("Server initialized successfully")
	return s, nil
}

func (s *Server) build(ctx context.Context) error {
	cfg, logger := s.config, s.logger.Logger

	db, err := database.Open(ctx, cfg.Audit.Path)
	if err != nil {
		return fmt.Errorf("failed to open reservation history: %w", err)
	}
	s.db = db
	history := audit.New(db, logger)

	s.bus = events.NewBus(s.metrics, logger)
	if cfg.MQTT.Enabled() {
		client, err := mqtt.Connect(cfg.MQTT, logger)
		if err != nil {
			logger.Warn("MQTT unavailable, events stay local", zap.String("broker", cfg.MQTT.Broker), zap.Error(err))
		} else {
			s.mqtt = client
			s.bus.AddSink(events.NewMQTTSink(client))
			logger.Info("Publishing events to MQTT", zap.String("broker", cfg.MQTT.Broker))
		}
	}

	s.registry = registry.New(s.redis, registry.Options{
		LockTTL:      cfg.Reservation.LockTTL(),
		HeartbeatTTL: cfg.Reservation.HeartbeatTTL(),
		WDAPortStart: cfg.Reservation.WDAPortStart,
		WDAPortEnd:   cfg.Reservation.WDAPortEnd,
	}, logger)

	if cfg.Inventory.Glob != "" {
		res, err := registry.NewSeeder(s.registry, cfg.Inventory.Glob, logger).Seed(ctx)
		if err != nil {
			logger.Warn("Failed to seed device inventory", zap.Error(err))
		} else {
			logger.Info("Seeded device inventory",
				zap.Int("files", res.Files),
				zap.Int("loaded", res.Loaded),
				zap.Int("failed", res.Failed))
		}
	}

	s.pool, err = pool.New(ctx, s.redis, cfg.Appium.ServerList(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Appium pool: %w", err)
	}

	appiumOpts := appium.DefaultOptions()
	appiumOpts.RequestsPerSecond = cfg.Appium.RequestsPerSecond
	appiumClient := appium.NewClient(appiumOpts, s.metrics, logger)

	s.devices = reservation.NewManager(reservation.Deps{
		Registry: s.registry,
		Pool:     s.pool,
		Appium:   appiumClient,
		History:  history,
		Events:   s.bus,
		Metrics:  s.metrics,
		Logger:   logger,
	})

	dispatcher := dispatch.New(dispatch.Deps{
		Registry: s.registry,
		Appium:   appiumClient,
		History:  history,
		Events:   s.bus,
		Metrics:  s.metrics,
		Logger:   logger,
	}, dispatch.Options{
		Timeout:       cfg.Dispatch.CommandTimeout,
		MaxTimeout:    cfg.Dispatch.MaxCommandTimeout,
		MaxConcurrent: cfg.Dispatch.MaxConcurrentCommands,
	})

	reaper := reservation.NewReaper(s.devices, cfg.Reservation.SessionIdleTimeout, cfg.Reservation.ReaperInterval, logger)
	s.workers = append(s.workers,
		worker{name: "reaper", run: reaper.Run},
		worker{name: "gauges", run: s.collectGauges},
	)

	if cfg.ADB.Enabled {
		discovery := adb.NewDiscovery(adb.NewServerHost(cfg.ADB.Address), s.registry, s.bus, s.metrics, adb.Options{
			Interval: cfg.ADB.PollInterval,
			Location: cfg.ADB.Location,
		}, logger)
		s.workers = append(s.workers, worker{name: "adb", run: discovery.Run})
		logger.Info("ADB discovery enabled", zap.String("addr", cfg.ADB.Address))
	}

	handlers := apihttp.NewHandlers(apihttp.Deps{
		Devices:    s.devices,
		Registry:   s.registry,
		Pool:       s.pool,
		Dispatcher: dispatcher,
		Appium:     appiumClient,
		History:    history,
		Metrics:    s.metrics,
		Logger:     logger,
		Version:    Version,
	})
	s.router = s.newRouter(handlers, ws.NewHandler(s.bus, s.metrics, logger))
	return nil
}

func (s *Server) newRouter(handlers *apihttp.Handlers, stream *ws.Handler) *gin.Engine {
	cfg := s.config
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(s.tracer))
	router.Use(monitoring.Middleware(s.metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	router.Use(middleware.BodyLimit(utils.MaxJSONSize))
	if cfg.RateLimit.Enabled {
		s.logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		rl := middleware.DefaultRateLimitConfig()
		rl.RequestsPerSecond = cfg.RateLimit.RequestsPerSecond
		rl.Burst = cfg.RateLimit.Burst
		router.Use(middleware.RateLimit(rl))
	}

	handlers.Routes(router)
	router.GET("/devices/events", stream.HandleConnection)
	router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	return router
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves HTTP and runs the background workers until ctx is done or one
// of them fails, then shuts down within the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	addr := s.config.Server.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("Starting HTTP server", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	for _, w := range s.workers {
		g.Go(func() error {
			err := w.run(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s: %w", w.name, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("Shutting down HTTP server", zap.Duration("timeout", s.config.Server.ShutdownTimeout))
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.Server.ShutdownTimeout)
		defer cancel()
		// Hijacked event streams are not tracked by Shutdown; closing the bus ends them.
		s.bus.Close()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// collectGauges refreshes the device and pool gauges until ctx is done.
func (s *Server) collectGauges(ctx context.Context) error {
	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()

	for {
		s.refreshGauges(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Server) refreshGauges(ctx context.Context) {
	counts, err := s.registry.Counts(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("Failed to count devices", zap.Error(err))
		}
		return
	}
	byStatus := make(map[string]int, len(counts))
	for status, n := range counts {
		byStatus[string(status)] = n
	}
	s.metrics.SetDeviceCounts(byStatus)

	stats, err := s.pool.Stats(ctx)
	if err != nil {
		return
	}
	s.metrics.SetPool(len(stats.Configured), len(stats.InUse))
}

// Close releases connections. It is safe to call after a failed NewServer.
func (s *Server) Close() error {
	s.logger.Info("Closing server resources")

	var errs []error
	if s.bus != nil {
		s.bus.Close()
	}
	if s.mqtt != nil {
		if err := s.mqtt.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close MQTT client: %w", err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close history database: %w", err))
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close Redis client: %w", err))
		}
	}
	if s.tracer != nil {
		s.tracer.Close()
	}

	for _, err := range errs {
		s.logger.Error("Shutdown error", zap.Error(err))
	}
	_ = s.logger.Sync()

	return errors.Join(errs...)
}
