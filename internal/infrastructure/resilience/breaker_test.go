package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFailed = errors.New("failed")

func run(b *Breaker, success bool) error {
	return b.Execute(context.Background(), func(context.Context) error {
		if success {
			return nil
		}
		return errFailed
	})
}

// fakeClock lets tests move the breaker through timeouts without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(settings Settings) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := New("appium", settings)
	b.now = clock.Now
	b.expiry = clock.Now().Add(b.settings.Interval)
	return b, clock
}

func TestBreakerStateTransitions(t *testing.T) {
	tests := []struct {
		name          string
		settings      Settings
		requests      []bool // true = success, false = failure
		expectedState State
	}{
		{
			name:          "stays closed on successes",
			settings:      Settings{MaxRequests: 1},
			requests:      []bool{true, true, true},
			expectedState: StateClosed,
		},
		{
			name: "opens after consecutive failures",
			settings: Settings{
				ReadyToTrip: func(counts Counts) bool { return counts.ConsecutiveFailures >= 3 },
			},
			requests:      []bool{false, false, false},
			expectedState: StateOpen,
		},
		{
			name: "success resets consecutive failures",
			settings: Settings{
				ReadyToTrip: func(counts Counts) bool { return counts.ConsecutiveFailures >= 2 },
			},
			requests:      []bool{false, true, false},
			expectedState: StateClosed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _ := newTestBreaker(tt.settings)
			for _, success := range tt.requests {
				_ = run(b, success)
			}
			assert.Equal(t, tt.expectedState, b.State())
		})
	}
}

func TestBreakerCounts(t *testing.T) {
	b, _ := newTestBreaker(Settings{})

	require.NoError(t, run(b, true))
	counts := b.Counts()
	assert.Equal(t, uint32(1), counts.Requests)
	assert.Equal(t, uint32(1), counts.TotalSuccesses)

	assert.ErrorIs(t, run(b, false), errFailed)
	counts = b.Counts()
	assert.Equal(t, uint32(2), counts.Requests)
	assert.Equal(t, uint32(1), counts.TotalFailures)
	assert.Equal(t, uint32(1), counts.ConsecutiveFailures)
	assert.Equal(t, uint32(0), counts.ConsecutiveSuccesses)
}

func TestBreakerOpenRejects(t *testing.T) {
	b, _ := newTestBreaker(Settings{
		ReadyToTrip: func(counts Counts) bool { return counts.ConsecutiveFailures >= 2 },
	})
	_ = run(b, false)
	_ = run(b, false)

	called := false
	err := b.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b, clock := newTestBreaker(Settings{
		MaxRequests: 2,
		Timeout:     time.Second,
		ReadyToTrip: func(counts Counts) bool { return counts.ConsecutiveFailures >= 2 },
	})
	_ = run(b, false)
	_ = run(b, false)
	require.Equal(t, StateOpen, b.State())

	clock.Advance(2 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, run(b, true))
	require.NoError(t, run(b, true))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(Settings{
		Timeout:     time.Second,
		ReadyToTrip: func(counts Counts) bool { return counts.ConsecutiveFailures >= 1 },
	})
	_ = run(b, false)
	clock.Advance(2 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	_ = run(b, false)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerIsSuccessful(t *testing.T) {
	clientErr := errors.New("404 from appium")
	b, _ := newTestBreaker(Settings{
		ReadyToTrip:  func(counts Counts) bool { return counts.ConsecutiveFailures >= 1 },
		IsSuccessful: func(err error) bool { return err == nil || errors.Is(err, clientErr) },
	})

	err := b.Execute(context.Background(), func(context.Context) error { return clientErr })
	assert.ErrorIs(t, err, clientErr)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerCancelledContext(t *testing.T) {
	b, _ := newTestBreaker(Settings{
		ReadyToTrip: func(counts Counts) bool { return counts.ConsecutiveFailures >= 1 },
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.Execute(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, uint32(0), b.Counts().Requests)

	err = b.Execute(context.Background(), func(context.Context) error { return context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerCallbacks(t *testing.T) {
	var transitions []string

	b, clock := newTestBreaker(Settings{
		Timeout:     time.Second,
		ReadyToTrip: func(counts Counts) bool { return counts.ConsecutiveFailures >= 2 },
		OnStateChange: func(name string, from State, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	_ = run(b, false)
	_ = run(b, false)
	clock.Advance(2 * time.Second)
	_ = b.State()

	assert.Equal(t, []string{"closed->open", "open->half-open"}, transitions)
}

func TestDo(t *testing.T) {
	b, _ := newTestBreaker(Settings{})

	v, err := Do(context.Background(), b, func(context.Context) (string, error) {
		return "session-1", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "session-1", v)
}

func TestGroup(t *testing.T) {
	g := NewGroup(Settings{
		ReadyToTrip: func(counts Counts) bool { return counts.ConsecutiveFailures >= 1 },
	})

	a := g.Get("http://a:4723")
	assert.Same(t, a, g.Get("http://a:4723"))

	_ = run(a, false)
	_ = run(g.Get("http://b:4723"), true)

	states := g.States()
	assert.Equal(t, StateOpen, states["http://a:4723"])
	assert.Equal(t, StateClosed, states["http://b:4723"])
}
