package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig
	Redis       RedisConfig
	Appium      AppiumConfig
	Reservation ReservationConfig
	Dispatch    DispatchConfig
	ADB         ADBConfig
	MQTT        MQTTConfig
	Audit       AuditConfig
	Inventory   InventoryConfig
	Logging     LogConfig
	RateLimit   RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8090"`
	Host            string        `envconfig:"HOST" default:"0.0.0.0"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, s.Port)
}

// RedisConfig holds the registry store connection.
type RedisConfig struct {
	URL string `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
}

// AppiumConfig holds the Appium server pool configuration.
type AppiumConfig struct {
	// Servers is a comma separated list of Appium base URLs.
	Servers []string `envconfig:"APPIUM_SERVERS"`
	// Server is the single-server fallback used when Servers is empty.
	Server string `envconfig:"APPIUM_SERVER" default:"http://localhost:4723/wd/hub"`
	// RequestsPerSecond limits outbound Appium calls; 0 disables the limit.
	RequestsPerSecond float64 `envconfig:"APPIUM_RPS" default:"0"`
}

// ServerList returns the configured servers, falling back to the single server.
func (a AppiumConfig) ServerList() []string {
	var out []string
	for _, s := range a.Servers {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 && strings.TrimSpace(a.Server) != "" {
		out = append(out, strings.TrimSpace(a.Server))
	}
	return out
}

// ReservationConfig holds reservation lifecycle settings. TTLs are in seconds.
type ReservationConfig struct {
	LockTTLSeconds      int           `envconfig:"RESERVE_LOCK_TTL" default:"60"`
	HeartbeatTTLSeconds int           `envconfig:"HEARTBEAT_TTL" default:"120"`
	WDAPortStart        int           `envconfig:"WDA_PORT_START" default:"8100"`
	WDAPortEnd          int           `envconfig:"WDA_PORT_END" default:"8199"`
	SessionIdleTimeout  time.Duration `envconfig:"SESSION_IDLE_TIMEOUT" default:"30m"`
	ReaperInterval      time.Duration `envconfig:"REAPER_INTERVAL" default:"1m"`
}

// LockTTL returns the reservation lock TTL.
func (r ReservationConfig) LockTTL() time.Duration {
	return time.Duration(r.LockTTLSeconds) * time.Second
}

// HeartbeatTTL returns the heartbeat TTL.
func (r ReservationConfig) HeartbeatTTL() time.Duration {
	return time.Duration(r.HeartbeatTTLSeconds) * time.Second
}

// DispatchConfig holds command dispatch settings.
type DispatchConfig struct {
	CommandTimeout        time.Duration `envconfig:"COMMAND_TIMEOUT" default:"60s"`
	MaxCommandTimeout     time.Duration `envconfig:"MAX_COMMAND_TIMEOUT" default:"5m"`
	MaxConcurrentCommands int64         `envconfig:"MAX_CONCURRENT_COMMANDS" default:"32"`
}

// ADBConfig holds Android discovery settings.
type ADBConfig struct {
	Enabled      bool          `envconfig:"ADB_ENABLED" default:"false"`
	Address      string        `envconfig:"ADB_ADDR" default:"localhost:5037"`
	PollInterval time.Duration `envconfig:"ADB_POLL_INTERVAL" default:"15s"`
	Location     string        `envconfig:"ADB_LOCATION"`
}

// MQTTConfig holds event publishing settings. An empty broker disables MQTT.
type MQTTConfig struct {
	Broker      string `envconfig:"MQTT_BROKER"`
	ClientID    string `envconfig:"MQTT_CLIENT_ID" default:"mobile-device-manager"`
	TopicPrefix string `envconfig:"MQTT_TOPIC_PREFIX" default:"mdm"`
	Username    string `envconfig:"MQTT_USERNAME"`
	Password    string `envconfig:"MQTT_PASSWORD"`
}

// Enabled reports whether a broker is configured.
func (m MQTTConfig) Enabled() bool {
	return m.Broker != ""
}

// AuditConfig holds the reservation history database. An empty path keeps
// history in memory.
type AuditConfig struct {
	Path string `envconfig:"AUDIT_DB_PATH"`
}

// InventoryConfig holds the device inventory files loaded at startup.
type InventoryConfig struct {
	Glob string `envconfig:"DEVICES_GLOB"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8090",
			Host:            "0.0.0.0",
			ShutdownTimeout: 15 * time.Second,
		},
		Redis: RedisConfig{
			URL: "redis://localhost:6379/0",
		},
		Appium: AppiumConfig{
			Server: "http://localhost:4723/wd/hub",
		},
		Reservation: ReservationConfig{
			LockTTLSeconds:      60,
			HeartbeatTTLSeconds: 120,
			WDAPortStart:        8100,
			WDAPortEnd:          8199,
			SessionIdleTimeout:  30 * time.Minute,
			ReaperInterval:      time.Minute,
		},
		Dispatch: DispatchConfig{
			CommandTimeout:        60 * time.Second,
			MaxCommandTimeout:     5 * time.Minute,
			MaxConcurrentCommands: 32,
		},
		ADB: ADBConfig{
			Address:      "localhost:5037",
			PollInterval: 15 * time.Second,
		},
		MQTT: MQTTConfig{
			ClientID:    "mobile-device-manager",
			TopicPrefix: "mdm",
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}

// Validate checks cross-field constraints envconfig cannot express.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Appium.ServerList()) == 0 {
		errs = append(errs, errors.New("no Appium servers configured"))
	}
	r := c.Reservation
	if r.WDAPortStart < 1 || r.WDAPortEnd > 65535 || r.WDAPortStart > r.WDAPortEnd {
		errs = append(errs, fmt.Errorf("WDA port range %d-%d is invalid", r.WDAPortStart, r.WDAPortEnd))
	}
	if r.LockTTLSeconds <= 0 {
		errs = append(errs, errors.New("RESERVE_LOCK_TTL must be positive"))
	}
	if r.HeartbeatTTLSeconds <= 0 {
		errs = append(errs, errors.New("HEARTBEAT_TTL must be positive"))
	}
	if c.Dispatch.MaxConcurrentCommands <= 0 {
		errs = append(errs, errors.New("MAX_CONCURRENT_COMMANDS must be positive"))
	}
	if c.ADB.Enabled && c.ADB.PollInterval <= 0 {
		errs = append(errs, errors.New("ADB_POLL_INTERVAL must be positive"))
	}

	return errors.Join(errs...)
}
