package appium

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/infrastructure/logging"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/shared/types"
)

// Options configures the Appium client.
type Options struct {
	// RequestsPerSecond limits outbound calls across all servers; 0 is unlimited.
	RequestsPerSecond float64
	StartTimeout      time.Duration
	StopTimeout       time.Duration
	CommandTimeout    time.Duration
	StatusTimeout     time.Duration
	// Retries applies to idempotent GETs only. Session creation is never retried.
	Retries   int
	UserAgent string
	Breaker   resilience.Settings
}

// DefaultOptions returns the standard Appium timeouts.
func DefaultOptions() Options {
	return Options{
		StartTimeout:   60 * time.Second,
		StopTimeout:    30 * time.Second,
		CommandTimeout: 60 * time.Second,
		StatusTimeout:  5 * time.Second,
		Retries:        2,
		UserAgent:      "MobileDeviceManager/1.0",
		Breaker: resilience.Settings{
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts resilience.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		},
	}
}

// Client talks to any number of Appium servers.
type Client struct {
	resty    *resty.Client
	limiter  *rate.Limiter
	breakers *resilience.Group
	opts     Options
	metrics  *monitoring.Metrics
	logger   *zap.Logger
}

// NewClient creates an Appium client. metrics may be nil.
func NewClient(opts Options, metrics *monitoring.Metrics, logger *zap.Logger) *Client {
	def := DefaultOptions()
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = def.StartTimeout
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = def.StopTimeout
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = def.CommandTimeout
	}
	if opts.StatusTimeout <= 0 {
		opts.StatusTimeout = def.StatusTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = def.UserAgent
	}
	if opts.Breaker.ReadyToTrip == nil {
		opts.Breaker = def.Breaker
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("appium")

	// Pooled transport from retryablehttp; retry policy is resty's
	retryClient := retryablehttp.NewClient()
	retryClient.Logger = nil

	r := resty.New().
		SetRetryCount(opts.Retries).
		SetRetryWaitTime(200*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		SetHeader("User-Agent", opts.UserAgent).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetJSONMarshaler(sonic.Marshal).
		SetJSONUnmarshaler(sonic.Unmarshal).
		AddRetryCondition(retryIdempotent)
	r.SetTransport(retryClient.HTTPClient.Transport)

	settings := opts.Breaker
	settings.IsSuccessful = func(err error) bool {
		return err == nil || IsClientError(err)
	}
	settings.OnStateChange = func(name string, from, to resilience.State) {
		logger.Warn("appium circuit breaker state change",
			logging.Server(name),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
		if metrics != nil {
			metrics.RecordBreakerTransition(name, to.String())
		}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	return &Client{
		resty:    r,
		limiter:  limiter,
		breakers: resilience.NewGroup(settings),
		opts:     opts,
		metrics:  metrics,
		logger:   logger,
	}
}

// retryIdempotent retries GETs on transport errors and 5xx answers.
func retryIdempotent(resp *resty.Response, err error) bool {
	if resp == nil || resp.Request == nil || resp.Request.Method != http.MethodGet {
		return false
	}
	return err != nil || resp.StatusCode() >= http.StatusInternalServerError
}

// StartSession opens a session on server for the device and returns its id.
func (c *Client) StartSession(ctx context.Context, server string, req SessionRequest) (string, error) {
	resp, err := c.call(ctx, "start_session", server, http.MethodPost, base(server)+"/session", req.capabilities(), c.opts.StartTimeout)
	if err != nil {
		return "", err
	}

	var env envelope
	if err := sonic.Unmarshal(resp.Body(), &env); err != nil {
		return "", fmt.Errorf("%w from: %s", ErrNoSessionID, resp.String())
	}
	var val sessionValue
	if len(env.Value) > 0 && sonic.Unmarshal(env.Value, &val) == nil && val.SessionID != "" {
		return val.SessionID, nil
	}
	if env.SessionID != "" {
		return env.SessionID, nil
	}
	return "", fmt.Errorf("%w from: %s", ErrNoSessionID, resp.String())
}

// StopSession deletes a session.
func (c *Client) StopSession(ctx context.Context, server, sessionID string) error {
	_, err := c.call(ctx, "stop_session", server, http.MethodDelete, sessionURL(server, sessionID, ""), nil, c.opts.StopTimeout)
	return err
}

// Execute forwards cmd to the session and returns the W3C value. timeout
// overrides the client's command timeout when positive.
func (c *Client) Execute(ctx context.Context, server, sessionID string, cmd types.Command, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = c.opts.CommandTimeout
	}

	method := strings.ToUpper(cmd.Method)
	var body any
	if method == http.MethodPost {
		if len(cmd.Body) > 0 {
			body = []byte(cmd.Body)
		} else {
			body = []byte("{}")
		}
	}

	resp, err := c.call(ctx, "command", server, method, sessionURL(server, sessionID, cmd.Path), body, timeout)
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := sonic.Unmarshal(resp.Body(), &env); err != nil || len(env.Value) == 0 {
		return resp.Body(), nil
	}
	return env.Value, nil
}

// Status asks server for its readiness.
func (c *Client) Status(ctx context.Context, server string) (*ServerStatus, error) {
	start := time.Now()
	resp, err := c.call(ctx, "status", server, http.MethodGet, base(server)+"/status", nil, c.opts.StatusTimeout)
	if err != nil {
		return nil, err
	}

	st := &ServerStatus{Server: server, Ready: true, Latency: time.Since(start)}
	var env envelope
	if sonic.Unmarshal(resp.Body(), &env) == nil && len(env.Value) > 0 {
		var val statusValue
		if sonic.Unmarshal(env.Value, &val) == nil {
			if val.Ready != nil {
				st.Ready = *val.Ready
			}
			st.Message = val.Message
			st.Build = val.Build
		}
	}
	return st, nil
}

// BreakerStates reports the breaker state of every server contacted so far.
func (c *Client) BreakerStates() map[string]string {
	states := c.breakers.States()
	out := make(map[string]string, len(states))
	for server, st := range states {
		out[server] = st.String()
	}
	return out
}

func (c *Client) call(ctx context.Context, op, server, method, target string, body any, timeout time.Duration) (*resty.Response, error) {
	timer := monitoring.NewTimer(c.metrics, op)

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := c.limiter.Wait(ctx); err != nil {
		timer.Stop("rate_limited")
		return nil, fmt.Errorf("appium rate limit: %w", err)
	}

	key := base(server)
	var resp *resty.Response
	err := c.breakers.Get(key).Execute(ctx, func(ctx context.Context) error {
		req := c.resty.R().SetContext(ctx)
		tracing.Inject(ctx, req.Header)
		if body != nil {
			req.SetBody(body)
		}

		r, err := req.Execute(method, target)
		if err != nil {
			return fmt.Errorf("appium %s on %s: %w", op, key, err)
		}
		resp = r
		if r.IsError() {
			return decodeError(op, key, r)
		}
		return nil
	})

	switch {
	case err == nil:
		timer.Stop("ok")
	case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, resilience.ErrTooManyRequests):
		timer.Stop("unavailable")
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, key, err)
	case IsClientError(err):
		timer.Stop("client_error")
	default:
		timer.Stop("error")
	}
	if err != nil {
		c.logger.Debug("appium call failed",
			zap.String("op", op),
			logging.Server(key),
			zap.String("trace_id", string(tracing.GetTraceID(ctx))),
			zap.Error(err))
		return nil, err
	}
	return resp, nil
}

func decodeError(op, server string, resp *resty.Response) error {
	e := &Error{Op: op, Server: server, StatusCode: resp.StatusCode(), Message: http.StatusText(resp.StatusCode())}

	var env envelope
	if sonic.Unmarshal(resp.Body(), &env) == nil && len(env.Value) > 0 {
		var val errorValue
		if sonic.Unmarshal(env.Value, &val) == nil {
			e.Code = val.Error
			if val.Message != "" {
				e.Message = val.Message
			}
			return e
		}
	}
	if text := strings.TrimSpace(resp.String()); text != "" {
		e.Message = text
	}
	return e
}

func base(server string) string {
	return strings.TrimRight(server, "/")
}

func sessionURL(server, sessionID, path string) string {
	u := base(server) + "/session/" + url.PathEscape(sessionID)
	if path = strings.Trim(path, "/"); path != "" {
		u += "/" + path
	}
	return u
}
