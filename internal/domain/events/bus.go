package events

import (
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/infrastructure/logging"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/infrastructure/monitoring"
)

const (
	defaultQueueSize        = 256
	defaultSubscriberBuffer = 64
)

// Sink receives every event off the publishing path.
type Sink interface {
	Name() string
	Deliver(e Event) error
}

// Bus fans events out to subscribers and sinks. Publish never blocks: a full
// subscriber buffer or sink queue drops the event and counts it.
type Bus struct {
	logger  *zap.Logger
	metrics *monitoring.Metrics

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	sinks  []Sink
	closed bool

	queue chan Event
	done  chan struct{}
}

// NewBus creates a bus and starts its sink worker. metrics may be nil.
func NewBus(metrics *monitoring.Metrics, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		logger:  logger.Named("events"),
		metrics: metrics,
		subs:    make(map[uint64]*Subscription),
		queue:   make(chan Event, defaultQueueSize),
		done:    make(chan struct{}),
	}
	go b.deliver()
	return b
}

// AddSink registers a sink. Sinks added after an event was queued still see it.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Publish sends e to every matching subscriber and queues it for the sinks.
func (b *Bus) Publish(e Event) {
	if e.ID == "" || e.Timestamp.IsZero() {
		fresh := New(e.Type, e.DeviceID, e.Status, e.Data)
		if e.ID == "" {
			e.ID = fresh.ID
		}
		if e.Timestamp.IsZero() {
			e.Timestamp = fresh.Timestamp
		}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	if b.metrics != nil {
		b.metrics.EventsPublished.WithLabelValues(string(e.Type)).Inc()
	}

	for _, sub := range b.subs {
		if !sub.filter.Match(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.dropped("subscriber")
		}
	}

	if len(b.sinks) == 0 {
		return
	}
	select {
	case b.queue <- e:
	default:
		b.dropped("queue")
	}
}

// Subscribe returns a subscription receiving events that match filter.
func (b *Bus) Subscribe(filter Filter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		bus:    b,
		filter: filter,
		ch:     make(chan Event, defaultSubscriberBuffer),
	}
	if b.closed {
		close(sub.ch)
		sub.closed = true
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close stops the sink worker after draining queued events and closes all
// subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.queue)
	for id, sub := range b.subs {
		delete(b.subs, id)
		sub.closed = true
		close(sub.ch)
	}
	b.mu.Unlock()

	<-b.done
}

func (b *Bus) deliver() {
	defer close(b.done)
	for e := range b.queue {
		b.mu.RLock()
		sinks := b.sinks
		b.mu.RUnlock()

		for _, s := range sinks {
			if err := s.Deliver(e); err != nil {
				b.dropped(s.Name())
				b.logger.Debug("event sink failed",
					zap.String("sink", s.Name()),
					zap.String("event", string(e.Type)),
					logging.DeviceID(e.DeviceID),
					zap.Error(err))
			}
		}
	}
}

func (b *Bus) dropped(sink string) {
	if b.metrics != nil {
		b.metrics.EventsDropped.WithLabelValues(sink).Inc()
	}
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.closed {
		return
	}
	delete(b.subs, sub.id)
	sub.closed = true
	close(sub.ch)
}

// Subscription is a live event feed.
type Subscription struct {
	id     uint64
	bus    *Bus
	filter Filter
	ch     chan Event
	// closed is guarded by bus.mu
	closed bool
}

// C returns the event channel. It is closed by Close or when the bus closes.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close ends the subscription.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}
