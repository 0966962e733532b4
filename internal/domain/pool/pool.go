// Package pool hands out Appium servers from a Redis backed pool.
//
// A server is in exactly one of appium:servers:available or
// appium:servers:in_use. Acquire pops from the first into the second;
// Release moves it back, or drops it if it is no longer configured.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/shared/types"
)

const (
	AvailableKey = "appium:servers:available"
	InUseKey     = "appium:servers:in_use"
)

var (
	ErrNoServers     = errors.New("no available Appium servers")
	ErrNotConfigured = errors.New("no Appium servers configured")
)

// acquireScript moves one server from available to in_use atomically.
var acquireScript = redis.NewScript(`
local server = redis.call("SPOP", KEYS[1])
if not server then
	return false
end
redis.call("SADD", KEYS[2], server)
return server
`)

// Pool is the Appium server pool.
type Pool struct {
	rdb        redis.UniversalClient
	servers    []string
	configured map[string]struct{}
	logger     *zap.Logger
}

// Normalize trims whitespace and trailing slashes from a server URL.
func Normalize(server string) string {
	return strings.TrimRight(strings.TrimSpace(server), "/")
}

// New builds the pool and reconciles Redis with the configured servers:
// stale available entries are dropped and missing servers are added.
// Servers still marked in use are left alone until released.
func New(ctx context.Context, rdb redis.UniversalClient, servers []string, logger *zap.Logger) (*Pool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		rdb:        rdb,
		configured: make(map[string]struct{}),
		logger:     logger,
	}
	for _, s := range servers {
		s = Normalize(s)
		if s == "" {
			continue
		}
		if _, dup := p.configured[s]; dup {
			continue
		}
		p.configured[s] = struct{}{}
		p.servers = append(p.servers, s)
	}
	if len(p.servers) == 0 {
		return nil, ErrNotConfigured
	}

	if err := p.reconcile(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pool) reconcile(ctx context.Context) error {
	available, err := p.rdb.SMembers(ctx, AvailableKey).Result()
	if err != nil {
		return fmt.Errorf("reading available servers: %w", err)
	}
	inUse, err := p.rdb.SMembers(ctx, InUseKey).Result()
	if err != nil {
		return fmt.Errorf("reading in-use servers: %w", err)
	}

	existing := make(map[string]struct{}, len(available)+len(inUse))
	var stale []any
	for _, s := range available {
		existing[s] = struct{}{}
		if _, ok := p.configured[s]; !ok {
			stale = append(stale, s)
		}
	}
	for _, s := range inUse {
		existing[s] = struct{}{}
	}

	var missing []any
	for _, s := range p.servers {
		if _, ok := existing[s]; !ok {
			missing = append(missing, s)
		}
	}

	_, err = p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(stale) > 0 {
			pipe.SRem(ctx, AvailableKey, stale...)
		}
		if len(missing) > 0 {
			pipe.SAdd(ctx, AvailableKey, missing...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("registering servers: %w", err)
	}

	p.logger.Info("appium pool ready",
		zap.Strings("servers", p.servers),
		zap.Int("stale_removed", len(stale)),
		zap.Int("added", len(missing)),
	)
	return nil
}

// Acquire takes a free server.
func (p *Pool) Acquire(ctx context.Context) (string, error) {
	server, err := acquireScript.Run(ctx, p.rdb, []string{AvailableKey, InUseKey}).Text()
	if errors.Is(err, redis.Nil) {
		return "", ErrNoServers
	}
	if err != nil {
		return "", fmt.Errorf("acquiring appium server: %w", err)
	}
	return Normalize(server), nil
}

// Release returns a server to the pool. Servers no longer configured are
// only removed from the in-use set.
func (p *Pool) Release(ctx context.Context, server string) error {
	server = Normalize(server)
	if server == "" {
		return nil
	}
	_, err := p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, InUseKey, server)
		if _, ok := p.configured[server]; ok {
			pipe.SAdd(ctx, AvailableKey, server)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("releasing appium server %s: %w", server, err)
	}
	return nil
}

// Servers returns the configured servers in configuration order.
func (p *Pool) Servers() []string {
	out := make([]string, len(p.servers))
	copy(out, p.servers)
	return out
}

// Stats reports the configured, available and in-use servers.
func (p *Pool) Stats(ctx context.Context) (types.PoolStats, error) {
	available, err := p.rdb.SMembers(ctx, AvailableKey).Result()
	if err != nil {
		return types.PoolStats{}, fmt.Errorf("reading available servers: %w", err)
	}
	inUse, err := p.rdb.SMembers(ctx, InUseKey).Result()
	if err != nil {
		return types.PoolStats{}, fmt.Errorf("reading in-use servers: %w", err)
	}
	sort.Strings(available)
	sort.Strings(inUse)
	return types.PoolStats{
		Configured: p.Servers(),
		Available:  available,
		InUse:      inUse,
	}, nil
}
