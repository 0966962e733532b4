package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/infrastructure/logging"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/shared/id"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/shared/types"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/shared/utils"
)

// Options tunes the registry.
type Options struct {
	LockTTL      time.Duration
	HeartbeatTTL time.Duration
	WDAPortStart int
	WDAPortEnd   int
	// WDARetryInterval is the wait between attempts on a busy port pool lock.
	WDARetryInterval time.Duration
}

// DefaultOptions mirrors the service defaults.
func DefaultOptions() Options {
	return Options{
		LockTTL:          60 * time.Second,
		HeartbeatTTL:     120 * time.Second,
		WDAPortStart:     8100,
		WDAPortEnd:       8199,
		WDARetryInterval: 100 * time.Millisecond,
	}
}

const (
	wdaPoolLockTTL = 5 * time.Second
	// maxUpsertAttempts bounds retries when a registration races another
	// write to the same device.
	maxUpsertAttempts = 5
)

// releaseLockScript deletes a lock only if it still holds our token, so an
// expired-and-retaken lock is never released by its previous owner.
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Reservation is the session data written onto a device when it is reserved.
type Reservation struct {
	ReservationID string
	SessionID     string
	AppiumServer  string
	TestID        string
}

// Store is the Redis backed device registry.
type Store struct {
	rdb    redis.UniversalClient
	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

// New creates a registry store.
func New(rdb redis.UniversalClient, opts Options, logger *zap.Logger) *Store {
	def := DefaultOptions()
	if opts.LockTTL <= 0 {
		opts.LockTTL = def.LockTTL
	}
	if opts.HeartbeatTTL <= 0 {
		opts.HeartbeatTTL = def.HeartbeatTTL
	}
	if opts.WDAPortStart == 0 && opts.WDAPortEnd == 0 {
		opts.WDAPortStart, opts.WDAPortEnd = def.WDAPortStart, def.WDAPortEnd
	}
	if opts.WDARetryInterval <= 0 {
		opts.WDARetryInterval = def.WDARetryInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		rdb:    rdb,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

// Options returns the effective options.
func (s *Store) Options() Options {
	return s.opts
}

// Ping checks the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Validate checks the fields a registration must carry.
func Validate(d *types.Device) error {
	if err := utils.ValidateDeviceID(d.DeviceID, true); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDevice, err)
	}
	if !d.Platform.Valid() {
		return fmt.Errorf("%w: platform must be android or ios", ErrInvalidDevice)
	}
	if err := utils.ValidateString(d.Version, "version", 1, utils.MaxVersionLength, true); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDevice, err)
	}
	if err := utils.ValidateString(types.Deref(d.Location), "location", 0, utils.MaxLocationLength, false); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDevice, err)
	}
	if d.Status == "" {
		d.Status = types.StatusAvailable
	}
	if !d.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidDevice, d.Status)
	}
	if d.WDALocalPort != nil {
		if err := utils.ValidatePort(*d.WDALocalPort, "wda_local_port", 1, 65535); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidDevice, err)
		}
	}
	return nil
}

// Register upserts a device and refreshes its heartbeat. It reports whether
// the device was new. A device that is currently in use keeps its status
// and session fields.
func (s *Store) Register(ctx context.Context, d types.Device) (bool, error) {
	return s.upsert(ctx, d, true)
}

func (s *Store) upsert(ctx context.Context, d types.Device, heartbeat bool) (bool, error) {
	if err := Validate(&d); err != nil {
		return false, err
	}

	key := deviceKey(d.DeviceID)
	var (
		created   bool
		newStatus types.Status
	)
	// Reserve and Release write the same hash; WATCH makes the read and the
	// write one step so a concurrent reservation is never overwritten.
	txf := func(tx *redis.Tx) error {
		old, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("reading device %s: %w", d.DeviceID, err)
		}
		created = len(old) == 0
		oldStatus := types.Status(old[fieldStatus])
		oldPlatform := types.Platform(old[fieldPlatform])

		fields := map[string]any{
			fieldDeviceID:     d.DeviceID,
			fieldPlatform:     string(d.Platform),
			fieldVersion:      d.Version,
			fieldLocation:     types.Deref(d.Location),
			fieldWDALocalPort: formatPort(d.WDALocalPort),
			fieldUpdatedAt:    s.timestamp(),
		}

		newStatus = d.Status
		if oldStatus == types.StatusInUse {
			// Re-registration while reserved must not orphan the session.
			newStatus = types.StatusInUse
			if d.WDALocalPort == nil && old[fieldWDALocalPort] != "" {
				fields[fieldWDALocalPort] = old[fieldWDALocalPort]
			}
		} else {
			fields[fieldStatus] = string(newStatus)
			fields[fieldCurrentSession] = ""
			fields[fieldAppiumServer] = ""
			fields[fieldTestID] = ""
			fields[fieldReservationID] = ""
			fields[fieldLastActivity] = ""
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			if oldPlatform != "" && oldPlatform != d.Platform {
				pipe.SRem(ctx, platformKey(oldPlatform), d.DeviceID)
			}
			pipe.SAdd(ctx, platformKey(d.Platform), d.DeviceID)
			if oldStatus != "" && oldStatus != newStatus {
				pipe.SRem(ctx, statusKey(oldStatus), d.DeviceID)
			}
			pipe.SAdd(ctx, statusKey(newStatus), d.DeviceID)

			if d.Platform == types.PlatformIOS && d.WDALocalPort != nil {
				pipe.SAdd(ctx, wdaUsedKey, *d.WDALocalPort)
			}
			if heartbeat {
				pipe.Set(ctx, heartbeatKey(d.DeviceID), "1", s.opts.HeartbeatTTL)
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxUpsertAttempts; attempt++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("registering device %s: %w", d.DeviceID, err)
		}
		s.logger.Debug("device registered",
			logging.DeviceID(d.DeviceID),
			zap.String("platform", string(d.Platform)),
			zap.String("status", string(newStatus)),
			zap.Bool("created", created),
		)
		return created, nil
	}
	return false, fmt.Errorf("registering device %s: %w", d.DeviceID, ErrConflict)
}

// Get returns a device with its effective status.
func (s *Store) Get(ctx context.Context, deviceID string) (*types.Device, error) {
	raw, err := s.rdb.HGetAll(ctx, deviceKey(deviceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading device %s: %w", deviceID, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}

	d := fromHash(raw)
	if d.Status == types.StatusAvailable {
		alive, err := s.rdb.Exists(ctx, heartbeatKey(deviceID)).Result()
		if err != nil {
			return nil, fmt.Errorf("reading heartbeat %s: %w", deviceID, err)
		}
		if alive == 0 {
			d.Status = types.StatusOffline
		}
	}
	return d, nil
}

// Exists reports whether a device is registered.
func (s *Store) Exists(ctx context.Context, deviceID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, deviceKey(deviceID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// List returns devices sorted by id, filtered on their effective status.
func (s *Store) List(ctx context.Context, filter types.DeviceFilter) ([]types.Device, error) {
	var statusSets []string
	switch filter.Status {
	case "":
		for _, st := range types.AllStatuses {
			statusSets = append(statusSets, statusKey(st))
		}
	case types.StatusOffline:
		// Stored available devices surface as offline once their heartbeat lapses.
		statusSets = []string{statusKey(types.StatusOffline), statusKey(types.StatusAvailable)}
	default:
		statusSets = []string{statusKey(filter.Status)}
	}

	ids, err := s.rdb.SUnion(ctx, statusSets...).Result()
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}

	if filter.Platform != "" {
		members, err := s.rdb.SMembers(ctx, platformKey(filter.Platform)).Result()
		if err != nil {
			return nil, fmt.Errorf("listing devices: %w", err)
		}
		ids = intersect(ids, members)
	}
	sort.Strings(ids)

	devices := make([]types.Device, 0, len(ids))
	for _, deviceID := range ids {
		d, err := s.Get(ctx, deviceID)
		if errors.Is(err, ErrDeviceNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		devices = append(devices, *d)
	}
	return devices, nil
}

// Counts returns the number of devices per effective status.
func (s *Store) Counts(ctx context.Context) (types.StatusCounts, error) {
	devices, err := s.List(ctx, types.DeviceFilter{})
	if err != nil {
		return nil, err
	}
	counts := make(types.StatusCounts, len(types.AllStatuses))
	for _, st := range types.AllStatuses {
		counts[st] = 0
	}
	for _, d := range devices {
		counts[d.Status]++
	}
	return counts, nil
}

// AcquireLock takes the reservation lock for a device. It returns the
// token needed to release it, or ErrLocked when another holder has it.
func (s *Store) AcquireLock(ctx context.Context, deviceID string) (string, error) {
	token := id.Default().GenerateString()
	ok, err := s.rdb.SetNX(ctx, lockKey(deviceID), token, s.opts.LockTTL).Result()
	if err != nil {
		return "", fmt.Errorf("acquiring lock %s: %w", deviceID, err)
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrLocked, deviceID)
	}
	return token, nil
}

// ReleaseLock drops the reservation lock if token still owns it.
func (s *Store) ReleaseLock(ctx context.Context, deviceID, token string) error {
	if err := releaseLockScript.Run(ctx, s.rdb, []string{lockKey(deviceID)}, token).Err(); err != nil {
		return fmt.Errorf("releasing lock %s: %w", deviceID, err)
	}
	return nil
}

// Reserve marks a device in use by a session.
func (s *Store) Reserve(ctx context.Context, deviceID string, r Reservation) error {
	now := s.timestamp()
	key := deviceKey(deviceID)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]any{
			fieldStatus:         string(types.StatusInUse),
			fieldCurrentSession: r.SessionID,
			fieldAppiumServer:   r.AppiumServer,
			fieldTestID:         r.TestID,
			fieldReservationID:  r.ReservationID,
			fieldLastActivity:   now,
			fieldUpdatedAt:      now,
		})
		pipe.SRem(ctx, statusKey(types.StatusAvailable), deviceID)
		pipe.SRem(ctx, statusKey(types.StatusOffline), deviceID)
		pipe.SAdd(ctx, statusKey(types.StatusInUse), deviceID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("reserving device %s: %w", deviceID, err)
	}
	return nil
}

// Release returns a device to available and clears its session fields.
// The device keeps its WDA port; only the in-use marker is freed.
func (s *Store) Release(ctx context.Context, deviceID string) error {
	key := deviceKey(deviceID)
	port, err := s.rdb.HGet(ctx, key, fieldWDALocalPort).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("reading device %s: %w", deviceID, err)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]any{
			fieldStatus:         string(types.StatusAvailable),
			fieldCurrentSession: "",
			fieldAppiumServer:   "",
			fieldTestID:         "",
			fieldReservationID:  "",
			fieldLastActivity:   "",
			fieldUpdatedAt:      s.timestamp(),
		})
		pipe.SRem(ctx, statusKey(types.StatusInUse), deviceID)
		pipe.SAdd(ctx, statusKey(types.StatusAvailable), deviceID)
		if p, err := strconv.Atoi(port); err == nil {
			pipe.SRem(ctx, wdaUsedKey, p)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("releasing device %s: %w", deviceID, err)
	}
	return nil
}

// Heartbeat refreshes the liveness marker. It reports whether the device
// was offline before the heartbeat; a stored offline device becomes
// available. Session activity is left alone, so a reserved device that is
// merely attached still idles out.
func (s *Store) Heartbeat(ctx context.Context, deviceID string) (bool, error) {
	_, restored, err := s.heartbeat(ctx, deviceID)
	return restored, err
}

// HeartbeatActive is Heartbeat sent on behalf of the session owner: on a
// reserved device it also records activity.
func (s *Store) HeartbeatActive(ctx context.Context, deviceID string) (bool, error) {
	d, restored, err := s.heartbeat(ctx, deviceID)
	if err != nil {
		return false, err
	}
	if d.Status == types.StatusInUse {
		if err := s.Touch(ctx, deviceID); err != nil {
			return false, err
		}
	}
	return restored, nil
}

func (s *Store) heartbeat(ctx context.Context, deviceID string) (*types.Device, bool, error) {
	d, err := s.Get(ctx, deviceID)
	if err != nil {
		return nil, false, err
	}

	if err := s.rdb.Set(ctx, heartbeatKey(deviceID), "1", s.opts.HeartbeatTTL).Err(); err != nil {
		return nil, false, fmt.Errorf("heartbeat %s: %w", deviceID, err)
	}

	restored := d.Status == types.StatusOffline
	if restored {
		if err := s.setStatus(ctx, deviceID, types.StatusAvailable); err != nil {
			return nil, false, err
		}
	}
	return d, restored, nil
}

// setStatus moves a device to a new stored status.
func (s *Store) setStatus(ctx context.Context, deviceID string, to types.Status) error {
	key := deviceKey(deviceID)
	stored, err := s.rdb.HGet(ctx, key, fieldStatus).Result()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	if err != nil {
		return fmt.Errorf("reading device %s: %w", deviceID, err)
	}
	if types.Status(stored) == to {
		return nil
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fieldStatus, string(to), fieldUpdatedAt, s.timestamp())
		pipe.SRem(ctx, statusKey(types.Status(stored)), deviceID)
		pipe.SAdd(ctx, statusKey(to), deviceID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("updating status %s: %w", deviceID, err)
	}
	return nil
}

// Touch records activity on a reserved device.
func (s *Store) Touch(ctx context.Context, deviceID string) error {
	if err := s.rdb.HSet(ctx, deviceKey(deviceID), fieldLastActivity, s.timestamp()).Err(); err != nil {
		return fmt.Errorf("touching device %s: %w", deviceID, err)
	}
	return nil
}

// Delete unregisters an idle device and returns what was stored.
func (s *Store) Delete(ctx context.Context, deviceID string) (*types.Device, error) {
	d, err := s.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if d.Status == types.StatusInUse {
		return nil, fmt.Errorf("%w: %s", ErrDeviceInUse, deviceID)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, deviceKey(deviceID), heartbeatKey(deviceID))
		for _, st := range types.AllStatuses {
			pipe.SRem(ctx, statusKey(st), deviceID)
		}
		pipe.SRem(ctx, platformKey(d.Platform), deviceID)
		if d.WDALocalPort != nil {
			pipe.SRem(ctx, wdaUsedKey, *d.WDALocalPort)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("deleting device %s: %w", deviceID, err)
	}
	return d, nil
}

func (s *Store) timestamp() string {
	return strconv.FormatInt(s.now().Unix(), 10)
}

func fromHash(h map[string]string) *types.Device {
	d := &types.Device{
		DeviceID:       h[fieldDeviceID],
		Platform:       types.Platform(h[fieldPlatform]),
		Version:        h[fieldVersion],
		Location:       types.StringPtr(h[fieldLocation]),
		Status:         types.Status(h[fieldStatus]),
		CurrentSession: types.StringPtr(h[fieldCurrentSession]),
		AppiumServer:   types.StringPtr(h[fieldAppiumServer]),
		TestID:         types.StringPtr(h[fieldTestID]),
		ReservationID:  types.StringPtr(h[fieldReservationID]),
		UpdatedAt:      parseUnix(h[fieldUpdatedAt]),
		LastActivity:   parseUnix(h[fieldLastActivity]),
	}
	if p, err := strconv.Atoi(h[fieldWDALocalPort]); err == nil {
		d.WDALocalPort = types.IntPtr(p)
	}
	if d.Status == "" {
		d.Status = types.StatusAvailable
	}
	return d
}

func formatPort(p *int) string {
	if p == nil {
		return ""
	}
	return strconv.Itoa(*p)
}

func parseUnix(s string) *time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func intersect(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, x := range b {
		set[x] = struct{}{}
	}
	out := a[:0]
	for _, x := range a {
		if _, ok := set[x]; ok {
			out = append(out, x)
		}
	}
	return out
}
