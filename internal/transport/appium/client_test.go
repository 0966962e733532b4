package appium_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/shared/types"
	helpers "github.com/GriffinCanCode/MobileDeviceManager/backend/internal/testutil"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/transport/appium"
)

func newClient(t *testing.T) (*appium.Client, *monitoring.Metrics) {
	t.Helper()
	metrics := monitoring.NewMetrics()
	opts := appium.DefaultOptions()
	opts.Retries = 0
	return appium.NewClient(opts, metrics, nil), metrics
}

func TestStartSessionAndroid(t *testing.T) {
	fake := helpers.NewFakeAppium(t)
	client, _ := newClient(t)

	sid, err := client.StartSession(context.Background(), fake.URL+"/", appium.SessionRequest{
		DeviceID: "emulator-5554",
		Platform: types.PlatformAndroid,
		Version:  "14",
	})
	require.NoError(t, err)
	require.NotEmpty(t, sid)

	caps := fake.Capabilities(sid)
	assert.Equal(t, "android", caps["platformName"])
	assert.Equal(t, "14", caps["platformVersion"])
	assert.Equal(t, "emulator-5554", caps["deviceName"])
	assert.Equal(t, "UiAutomator2", caps["automationName"])
	assert.NotContains(t, caps, "wdaLocalPort")
}

func TestStartSessionIOSCarriesWDAPort(t *testing.T) {
	fake := helpers.NewFakeAppium(t)
	client, _ := newClient(t)

	sid, err := client.StartSession(context.Background(), fake.URL, appium.SessionRequest{
		DeviceID:     "00008110-000A",
		Platform:     types.PlatformIOS,
		Version:      "17.2",
		WDALocalPort: types.IntPtr(8101),
	})
	require.NoError(t, err)

	caps := fake.Capabilities(sid)
	assert.Equal(t, "XCUITest", caps["automationName"])
	assert.EqualValues(t, 8101, caps["wdaLocalPort"])
}

func TestStartSessionLegacySessionID(t *testing.T) {
	fake := helpers.NewFakeAppium(t)
	fake.UseLegacySessionID()
	client, _ := newClient(t)

	sid, err := client.StartSession(context.Background(), fake.URL, appium.SessionRequest{
		DeviceID: "d1", Platform: types.PlatformAndroid, Version: "13",
	})
	require.NoError(t, err)
	assert.Contains(t, fake.Sessions(), sid)
}

func TestStartSessionMissingSessionID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"value":{"capabilities":{}}}`))
	}))
	defer srv.Close()
	client, _ := newClient(t)

	_, err := client.StartSession(context.Background(), srv.URL, appium.SessionRequest{
		DeviceID: "d1", Platform: types.PlatformAndroid, Version: "13",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, appium.ErrNoSessionID)
}

func TestStartSessionFailure(t *testing.T) {
	fake := helpers.NewFakeAppium(t)
	fake.FailStart(http.StatusInternalServerError)
	client, metrics := newClient(t)

	_, err := client.StartSession(context.Background(), fake.URL, appium.SessionRequest{
		DeviceID: "d1", Platform: types.PlatformAndroid, Version: "13",
	})
	require.Error(t, err)

	var ae *appium.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusInternalServerError, ae.StatusCode)
	assert.Equal(t, "session not created", ae.Code)
	assert.Equal(t, "device refused the session", ae.Message)
	assert.False(t, appium.IsClientError(err))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AppiumCalls.WithLabelValues("start_session", "error")))

	// New sessions are never retried
	assert.Len(t, fake.Requests(), 1)
}

func TestStopSession(t *testing.T) {
	fake := helpers.NewFakeAppium(t)
	client, _ := newClient(t)
	ctx := context.Background()

	sid, err := client.StartSession(ctx, fake.URL, appium.SessionRequest{
		DeviceID: "d1", Platform: types.PlatformAndroid, Version: "13",
	})
	require.NoError(t, err)

	require.NoError(t, client.StopSession(ctx, fake.URL, sid))
	assert.Empty(t, fake.Sessions())

	err = client.StopSession(ctx, fake.URL, sid)
	require.Error(t, err)
	assert.True(t, appium.IsClientError(err))
	assert.Equal(t, http.StatusNotFound, appium.StatusCode(err))
}

func TestExecute(t *testing.T) {
	fake := helpers.NewFakeAppium(t)
	client, _ := newClient(t)
	ctx := context.Background()

	sid, err := client.StartSession(ctx, fake.URL, appium.SessionRequest{
		DeviceID: "d1", Platform: types.PlatformAndroid, Version: "13",
	})
	require.NoError(t, err)

	tests := []struct {
		name     string
		cmd      types.Command
		wantPath string
		wantBody any
	}{
		{
			name:     "get source",
			cmd:      types.Command{Method: "GET", Path: "source"},
			wantPath: "source",
		},
		{
			name:     "post with body",
			cmd:      types.Command{Method: "POST", Path: "/element/", Body: json.RawMessage(`{"using":"id","value":"login"}`)},
			wantPath: "element",
			wantBody: map[string]any{"using": "id", "value": "login"},
		},
		{
			name:     "post without body sends empty object",
			cmd:      types.Command{Method: "post", Path: "appium/device/lock"},
			wantPath: "appium/device/lock",
			wantBody: map[string]any{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := client.Execute(ctx, fake.URL, sid, tt.cmd, 0)
			require.NoError(t, err)

			var value struct {
				Method string `json:"method"`
				Path   string `json:"path"`
				Body   any    `json:"body"`
			}
			require.NoError(t, json.Unmarshal(raw, &value))
			assert.Equal(t, tt.wantPath, value.Path)
			assert.Equal(t, tt.wantBody, value.Body)
		})
	}
}

func TestExecuteUnknownSession(t *testing.T) {
	fake := helpers.NewFakeAppium(t)
	client, _ := newClient(t)

	_, err := client.Execute(context.Background(), fake.URL, "nope", types.Command{Method: "GET", Path: "url"}, 0)
	require.Error(t, err)
	assert.True(t, appium.IsClientError(err))
	assert.Contains(t, err.Error(), "invalid session id")
}

func TestExecuteTimeout(t *testing.T) {
	fake := helpers.NewFakeAppium(t)
	fake.SetCommandDelay(time.Second)
	client, _ := newClient(t)
	ctx := context.Background()

	sid, err := client.StartSession(ctx, fake.URL, appium.SessionRequest{
		DeviceID: "d1", Platform: types.PlatformAndroid, Version: "13",
	})
	require.NoError(t, err)

	_, err = client.Execute(ctx, fake.URL, sid, types.Command{Method: "GET", Path: "url"}, 50*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStatus(t *testing.T) {
	fake := helpers.NewFakeAppium(t)
	client, _ := newClient(t)

	st, err := client.Status(context.Background(), fake.URL)
	require.NoError(t, err)
	assert.True(t, st.Ready)
	assert.Equal(t, fake.URL, st.Server)
	assert.Contains(t, string(st.Build), "2.11.0")
}

func TestStatusRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"value":{"ready":false,"message":"busy"}}`))
	}))
	defer srv.Close()

	opts := appium.DefaultOptions()
	opts.Retries = 2
	client := appium.NewClient(opts, nil, nil)

	st, err := client.Status(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.False(t, st.Ready)
	assert.Equal(t, "busy", st.Message)
	assert.EqualValues(t, 2, calls.Load())
}

func TestTraceHeadersPropagated(t *testing.T) {
	fake := helpers.NewFakeAppium(t)
	client, _ := newClient(t)

	h := http.Header{}
	h.Set(tracing.HeaderTraceID, "trace-123")
	h.Set(tracing.HeaderSpanID, "span-456")
	ctx := tracing.Extract(context.Background(), h)

	_, err := client.Status(ctx, fake.URL)
	require.NoError(t, err)

	reqs := fake.Requests()
	require.NotEmpty(t, reqs)
	assert.Equal(t, "trace-123", reqs[0].Header.Get(tracing.HeaderTraceID))
	assert.Equal(t, "span-456", reqs[0].Header.Get(tracing.HeaderSpanID))
}

func TestBreakerOpensPerServer(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()
	fake := helpers.NewFakeAppium(t)

	opts := appium.DefaultOptions()
	opts.Retries = 0
	opts.Breaker = resilience.Settings{
		Timeout:     time.Minute,
		ReadyToTrip: func(c resilience.Counts) bool { return c.ConsecutiveFailures >= 2 },
	}
	metrics := monitoring.NewMetrics()
	client := appium.NewClient(opts, metrics, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := client.Status(ctx, down.URL)
		require.Error(t, err)
	}

	_, err := client.Status(ctx, down.URL)
	require.Error(t, err)
	assert.True(t, errors.Is(err, appium.ErrUnavailable))

	// Other servers are unaffected
	_, err = client.Status(ctx, fake.URL)
	require.NoError(t, err)

	states := client.BreakerStates()
	assert.Equal(t, "open", states[down.URL])
	assert.Equal(t, "closed", states[fake.URL])
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.BreakerTransitions.WithLabelValues(down.URL, "open")))
}

func TestClientErrorsDoNotTripBreaker(t *testing.T) {
	fake := helpers.NewFakeAppium(t)

	opts := appium.DefaultOptions()
	opts.Breaker = resilience.Settings{
		ReadyToTrip: func(c resilience.Counts) bool { return c.ConsecutiveFailures >= 1 },
	}
	client := appium.NewClient(opts, nil, nil)

	for i := 0; i < 3; i++ {
		err := client.StopSession(context.Background(), fake.URL, "missing")
		require.Error(t, err)
		assert.True(t, appium.IsClientError(err))
	}
	assert.Equal(t, "closed", client.BreakerStates()[fake.URL])
}
