package reservation

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/domain/audit"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/domain/events"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/domain/pool"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/domain/registry"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/infrastructure/database"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/shared/types"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/shared/utils"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/testutil"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/transport/appium"
)

type fixture struct {
	mr       *miniredis.Miniredis
	store    *registry.Store
	pool     *pool.Pool
	fake     *testutil.FakeAppium
	fakes    map[string]*testutil.FakeAppium
	history  *audit.Log
	bus      *events.Bus
	sub      *events.Subscription
	manager  *Manager
	registry registry.Options
}

type fixtureOpts struct {
	servers  int
	wdaStart int
	wdaEnd   int
	driver   SessionDriver
}

func newFixture(t *testing.T, o fixtureOpts) *fixture {
	t.Helper()
	ctx := context.Background()
	if o.servers == 0 {
		o.servers = 1
	}
	if o.wdaStart == 0 {
		o.wdaStart, o.wdaEnd = 8100, 8102
	}

	mr, rdb := testutil.NewRedis(t)

	opts := registry.DefaultOptions()
	opts.WDAPortStart, opts.WDAPortEnd = o.wdaStart, o.wdaEnd
	opts.WDARetryInterval = 5 * time.Millisecond
	store := registry.New(rdb, opts, nil)

	fakes := make(map[string]*testutil.FakeAppium, o.servers)
	var servers []string
	for i := 0; i < o.servers; i++ {
		fake := testutil.NewFakeAppium(t)
		fakes[fake.URL] = fake
		servers = append(servers, fake.URL)
	}
	p, err := pool.New(ctx, rdb, servers, nil)
	require.NoError(t, err)

	db, err := database.Open(ctx, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	history := audit.New(db, nil)

	bus := events.NewBus(nil, nil)
	t.Cleanup(bus.Close)

	driver := o.driver
	if driver == nil {
		copts := appium.DefaultOptions()
		copts.Retries = 0
		driver = appium.NewClient(copts, nil, nil)
	}

	m := NewManager(Deps{
		Registry: store,
		Pool:     p,
		Appium:   driver,
		History:  history,
		Events:   bus,
		Metrics:  monitoring.NewMetrics(),
	})

	return &fixture{
		mr:       mr,
		store:    store,
		pool:     p,
		fake:     fakes[servers[0]],
		fakes:    fakes,
		history:  history,
		bus:      bus,
		sub:      bus.Subscribe(events.Filter{}),
		manager:  m,
		registry: opts,
	}
}

func (f *fixture) register(t *testing.T, id string, platform types.Platform) {
	t.Helper()
	require.NoError(t, f.manager.Register(context.Background(), types.Device{
		DeviceID: id,
		Platform: platform,
		Version:  "14",
	}))
}

// sessions counts open sessions across every fake server.
func (f *fixture) sessions() int {
	n := 0
	for _, fake := range f.fakes {
		n += len(fake.Sessions())
	}
	return n
}

func (f *fixture) capabilities(server, sessionID string) map[string]any {
	return f.fakes[server].Capabilities(sessionID)
}

func (f *fixture) nextEvent(t *testing.T, want events.Type) events.Event {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case e := <-f.sub.C():
			if e.Type == want {
				return e
			}
		case <-deadline:
			t.Fatalf("no %s event", want)
			return events.Event{}
		}
	}
}

func (f *fixture) assertUnlocked(t *testing.T, id string) {
	t.Helper()
	assert.False(t, f.mr.Exists("lock:device:"+id), "reservation lock must be released")
}

func reserveReq(id string) types.ReserveRequest {
	return types.ReserveRequest{DeviceID: id, TestID: "suite-1"}
}

func TestReserveAndroid(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	f.register(t, "emulator-5554", types.PlatformAndroid)

	res, err := f.manager.Reserve(ctx, reserveReq("emulator-5554"))
	require.NoError(t, err)
	assert.Equal(t, "Device emulator-5554 reserved", res.Message)
	assert.NotEmpty(t, res.SessionID)
	assert.Contains(t, res.ReservationID, "res_")
	assert.Equal(t, f.fake.URL, res.AppiumServer)
	assert.Nil(t, res.WDALocalPort)
	f.assertUnlocked(t, "emulator-5554")

	d, err := f.store.Get(ctx, "emulator-5554")
	require.NoError(t, err)
	assert.Equal(t, types.StatusInUse, d.Status)
	assert.Equal(t, res.SessionID, *d.CurrentSession)
	assert.Equal(t, res.AppiumServer, *d.AppiumServer)
	assert.Equal(t, "suite-1", *d.TestID)
	assert.NotNil(t, d.LastActivity)

	caps := f.fake.Capabilities(res.SessionID)
	assert.Equal(t, "UiAutomator2", caps["automationName"])

	stats, err := f.pool.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{f.fake.URL}, stats.InUse)

	rec, err := f.history.Get(ctx, res.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, res.SessionID, rec.SessionID)

	e := f.nextEvent(t, events.TypeReserved)
	assert.Equal(t, "emulator-5554", e.DeviceID)
	assert.Equal(t, res.ReservationID, e.Data["reservation_id"])
}

func TestReserveRejections(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T, f *fixture)
		req     types.ReserveRequest
		wantErr error
		wantMsg string
	}{
		{
			name:    "unknown device",
			req:     reserveReq("ghost"),
			wantErr: registry.ErrDeviceNotFound,
		},
		{
			name:    "invalid device id",
			req:     reserveReq("bad id!"),
			wantErr: ErrInvalidRequest,
		},
		{
			name:    "missing test id",
			req:     types.ReserveRequest{DeviceID: "d1"},
			wantErr: ErrInvalidRequest,
		},
		{
			name: "already in use",
			setup: func(t *testing.T, f *fixture) {
				f.register(t, "d1", types.PlatformAndroid)
				_, err := f.manager.Reserve(context.Background(), reserveReq("d1"))
				require.NoError(t, err)
			},
			req:     reserveReq("d1"),
			wantErr: ErrNotAvailable,
			wantMsg: "Device is in_use",
		},
		{
			name: "heartbeat lapsed",
			setup: func(t *testing.T, f *fixture) {
				f.register(t, "d1", types.PlatformAndroid)
				f.mr.FastForward(f.registry.HeartbeatTTL + time.Second)
			},
			req:     reserveReq("d1"),
			wantErr: ErrNotAvailable,
			wantMsg: "Device is offline",
		},
		{
			name: "lock held elsewhere",
			setup: func(t *testing.T, f *fixture) {
				f.register(t, "d1", types.PlatformAndroid)
				require.NoError(t, f.mr.Set("lock:device:d1", "someone-else"))
			},
			req:     reserveReq("d1"),
			wantErr: registry.ErrLocked,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, fixtureOpts{servers: 2})
			if tt.setup != nil {
				tt.setup(t, f)
			}

			_, err := f.manager.Reserve(context.Background(), tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			if tt.wantMsg != "" {
				assert.Equal(t, tt.wantMsg, err.Error())
			}
		})
	}
}

func TestReserveKeepsForeignLock(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.register(t, "d1", types.PlatformAndroid)
	require.NoError(t, f.mr.Set("lock:device:d1", "someone-else"))

	_, err := f.manager.Reserve(context.Background(), reserveReq("d1"))
	require.ErrorIs(t, err, registry.ErrLocked)

	v, err := f.mr.Get("lock:device:d1")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", v)
}

func TestReserveIOSAllocatesWDAPorts(t *testing.T) {
	f := newFixture(t, fixtureOpts{servers: 3})
	ctx := context.Background()
	f.register(t, "ios-1", types.PlatformIOS)
	f.register(t, "ios-2", types.PlatformIOS)
	f.register(t, "ios-3", types.PlatformIOS)

	r1, err := f.manager.Reserve(ctx, reserveReq("ios-1"))
	require.NoError(t, err)
	require.NotNil(t, r1.WDALocalPort)
	assert.Equal(t, 8100, *r1.WDALocalPort)
	caps := f.capabilities(r1.AppiumServer, r1.SessionID)
	assert.EqualValues(t, 8100, caps["wdaLocalPort"])
	assert.Equal(t, "XCUITest", caps["automationName"])

	r2, err := f.manager.Reserve(ctx, reserveReq("ios-2"))
	require.NoError(t, err)
	assert.Equal(t, 8101, *r2.WDALocalPort)

	// An explicit port wins over allocation
	req := reserveReq("ios-3")
	req.WDALocalPort = types.IntPtr(8150)
	r3, err := f.manager.Reserve(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 8150, *r3.WDALocalPort)

	used, err := f.store.UsedWDAPorts(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{8100, 8101, 8150}, used)

	// Release frees the marker; the device keeps its port for next time
	require.NoError(t, f.manager.Release(ctx, "ios-1", ""))
	used, err = f.store.UsedWDAPorts(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{8101, 8150}, used)

	again, err := f.manager.Reserve(ctx, reserveReq("ios-1"))
	require.NoError(t, err)
	assert.Equal(t, 8100, *again.WDALocalPort)
}

func TestReserveWDAExhausted(t *testing.T) {
	f := newFixture(t, fixtureOpts{servers: 2, wdaStart: 8100, wdaEnd: 8100})
	ctx := context.Background()
	f.register(t, "ios-1", types.PlatformIOS)
	f.register(t, "ios-2", types.PlatformIOS)

	_, err := f.manager.Reserve(ctx, reserveReq("ios-1"))
	require.NoError(t, err)

	_, err = f.manager.Reserve(ctx, reserveReq("ios-2"))
	require.ErrorIs(t, err, registry.ErrNoWDAPort)
	f.assertUnlocked(t, "ios-2")

	stats, err := f.pool.Stats(ctx)
	require.NoError(t, err)
	assert.Len(t, stats.Available, 1, "no server consumed by a failed reservation")
}

func TestReserveNoServers(t *testing.T) {
	f := newFixture(t, fixtureOpts{servers: 1})
	ctx := context.Background()
	f.register(t, "d1", types.PlatformAndroid)
	f.register(t, "d2", types.PlatformAndroid)

	_, err := f.manager.Reserve(ctx, reserveReq("d1"))
	require.NoError(t, err)

	_, err = f.manager.Reserve(ctx, reserveReq("d2"))
	require.ErrorIs(t, err, pool.ErrNoServers)
	f.assertUnlocked(t, "d2")

	d, err := f.store.Get(ctx, "d2")
	require.NoError(t, err)
	assert.Equal(t, types.StatusAvailable, d.Status)
}

func TestReserveAppiumFailureReturnsServer(t *testing.T) {
	f := newFixture(t, fixtureOpts{wdaStart: 8100, wdaEnd: 8105})
	ctx := context.Background()
	f.register(t, "ios-1", types.PlatformIOS)
	f.fake.FailStart(500)

	_, err := f.manager.Reserve(ctx, reserveReq("ios-1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionFailed)
	assert.Contains(t, err.Error(), "device refused the session")
	f.assertUnlocked(t, "ios-1")

	stats, err := f.pool.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{f.fake.URL}, stats.Available)
	assert.Empty(t, stats.InUse)

	used, err := f.store.UsedWDAPorts(ctx)
	require.NoError(t, err)
	assert.Empty(t, used)

	d, err := f.store.Get(ctx, "ios-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusAvailable, d.Status)
}

func TestReserveConcurrentSingleWinner(t *testing.T) {
	f := newFixture(t, fixtureOpts{servers: 3})
	f.register(t, "d1", types.PlatformAndroid)

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.manager.Reserve(context.Background(), reserveReq("d1"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				success++
			case errors.Is(err, registry.ErrLocked), errors.Is(err, ErrNotAvailable), errors.Is(err, ErrBecameUnavailable):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, success)
	assert.Equal(t, 1, f.sessions())
	f.assertUnlocked(t, "d1")
}

func TestRelease(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	f.register(t, "d1", types.PlatformAndroid)

	res, err := f.manager.Reserve(ctx, reserveReq("d1"))
	require.NoError(t, err)

	require.NoError(t, f.manager.Release(ctx, "d1", "done"))
	f.assertUnlocked(t, "d1")
	assert.Empty(t, f.fake.Sessions())

	d, err := f.store.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusAvailable, d.Status)
	assert.Nil(t, d.CurrentSession)
	assert.Nil(t, d.AppiumServer)

	stats, err := f.pool.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{f.fake.URL}, stats.Available)

	rec, err := f.history.Get(ctx, res.ReservationID)
	require.NoError(t, err)
	require.NotNil(t, rec.ReleaseReason)
	assert.Equal(t, "done", *rec.ReleaseReason)

	e := f.nextEvent(t, events.TypeReleased)
	assert.Equal(t, "done", e.Data["reason"])
}

func TestReleaseRejections(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	f.register(t, "d1", types.PlatformAndroid)

	err := f.manager.Release(ctx, "ghost", "")
	assert.ErrorIs(t, err, registry.ErrDeviceNotFound)

	err = f.manager.Release(ctx, "d1", "")
	assert.ErrorIs(t, err, ErrNotInUse)

	_, err = f.manager.Reserve(ctx, reserveReq("d1"))
	require.NoError(t, err)
	err = f.manager.Release(ctx, "d1", strings.Repeat("x", utils.MaxReasonLength+1))
	assert.ErrorIs(t, err, ErrInvalidRequest)

	d, err := f.store.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusInUse, d.Status)
}

func TestReleaseIgnoresStopFailure(t *testing.T) {
	driver := testutil.NewMockAppium(t)
	f := newFixture(t, fixtureOpts{driver: driver})
	ctx := context.Background()
	f.register(t, "d1", types.PlatformAndroid)

	_, err := f.manager.Reserve(ctx, reserveReq("d1"))
	require.NoError(t, err)

	driver.ExpectedCalls = nil
	driver.On("StopSession", mock.Anything, f.fake.URL, "session-1").Return(errors.New("connection refused")).Once()

	require.NoError(t, f.manager.Release(ctx, "d1", ""))
	driver.AssertExpectations(t)

	d, err := f.store.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusAvailable, d.Status)
}

func TestHeartbeat(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	assert.ErrorIs(t, f.manager.Heartbeat(ctx, "ghost"), registry.ErrDeviceNotFound)
	assert.ErrorIs(t, f.manager.Heartbeat(ctx, ""), ErrInvalidRequest)

	require.NoError(t, f.manager.Register(ctx, types.Device{
		DeviceID: "d1", Platform: types.PlatformAndroid, Version: "14", Status: types.StatusOffline,
	}))
	require.NoError(t, f.manager.Heartbeat(ctx, "d1"))
	f.nextEvent(t, events.TypeHeartbeatRestored)

	d, err := f.store.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusAvailable, d.Status)
}

func TestHeartbeatCountsAsSessionActivity(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	f.register(t, "d1", types.PlatformAndroid)

	_, err := f.manager.Reserve(ctx, reserveReq("d1"))
	require.NoError(t, err)
	stale := time.Now().Add(-time.Hour).Unix()
	f.mr.HSet("device:d1", "last_activity", strconv.FormatInt(stale, 10))

	require.NoError(t, f.manager.Heartbeat(ctx, "d1"))

	d, err := f.store.Get(ctx, "d1")
	require.NoError(t, err)
	require.NotNil(t, d.LastActivity)
	assert.Greater(t, d.LastActivity.Unix(), stale)

	reaped, err := NewReaper(f.manager, 10*time.Minute, time.Minute, nil).Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, reaped)
}

func TestUnregister(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	f.register(t, "d1", types.PlatformAndroid)
	f.register(t, "d2", types.PlatformAndroid)

	_, err := f.manager.Reserve(ctx, reserveReq("d2"))
	require.NoError(t, err)

	require.NoError(t, f.manager.Unregister(ctx, "d1"))
	f.nextEvent(t, events.TypeUnregistered)
	_, err = f.store.Get(ctx, "d1")
	assert.ErrorIs(t, err, registry.ErrDeviceNotFound)

	assert.ErrorIs(t, f.manager.Unregister(ctx, "d2"), registry.ErrDeviceInUse)
}
