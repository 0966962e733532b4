package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// AllocateWDAPort reserves the lowest free WebDriverAgent port in the
// configured range. A busy pool lock is retried until ctx ends.
func (s *Store) AllocateWDAPort(ctx context.Context) (int, error) {
	for {
		ok, err := s.rdb.SetNX(ctx, wdaPoolLockKey, "1", wdaPoolLockTTL).Result()
		if err != nil {
			return 0, fmt.Errorf("acquiring wda pool lock: %w", err)
		}
		if ok {
			return s.allocateLocked(ctx)
		}

		timer := time.NewTimer(s.opts.WDARetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return 0, fmt.Errorf("waiting for wda pool lock: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

func (s *Store) allocateLocked(ctx context.Context) (int, error) {
	defer s.rdb.Del(context.WithoutCancel(ctx), wdaPoolLockKey)

	members, err := s.rdb.SMembers(ctx, wdaUsedKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("reading used wda ports: %w", err)
	}
	used := make(map[int]struct{}, len(members))
	for _, m := range members {
		if p, err := strconv.Atoi(m); err == nil {
			used[p] = struct{}{}
		}
	}

	for p := s.opts.WDAPortStart; p <= s.opts.WDAPortEnd; p++ {
		if _, taken := used[p]; taken {
			continue
		}
		if err := s.rdb.SAdd(ctx, wdaUsedKey, p).Err(); err != nil {
			return 0, fmt.Errorf("marking wda port %d: %w", p, err)
		}
		return p, nil
	}
	return 0, ErrNoWDAPort
}

// SetWDAPort assigns a port to a device and marks it used.
func (s *Store) SetWDAPort(ctx context.Context, deviceID string, port int) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, deviceKey(deviceID),
			fieldWDALocalPort, strconv.Itoa(port),
			fieldUpdatedAt, s.timestamp(),
		)
		pipe.SAdd(ctx, wdaUsedKey, port)
		return nil
	})
	if err != nil {
		return fmt.Errorf("setting wda port on %s: %w", deviceID, err)
	}
	return nil
}

// FreeWDAPort drops the in-use marker for a port.
func (s *Store) FreeWDAPort(ctx context.Context, port int) error {
	return s.rdb.SRem(ctx, wdaUsedKey, port).Err()
}

// UsedWDAPorts lists ports currently marked used.
func (s *Store) UsedWDAPorts(ctx context.Context) ([]int, error) {
	members, err := s.rdb.SMembers(ctx, wdaUsedKey).Result()
	if err != nil {
		return nil, err
	}
	ports := make([]int, 0, len(members))
	for _, m := range members {
		if p, err := strconv.Atoi(m); err == nil {
			ports = append(ports, p)
		}
	}
	return ports, nil
}
