package dispatch

import (
	"context"
	"sync"
)

// deviceLocks is a set of per-device mutexes that can be waited on with a
// context. Entries are dropped once nobody holds or waits for them.
type deviceLocks struct {
	mu    sync.Mutex
	locks map[string]*deviceLock
}

type deviceLock struct {
	ch   chan struct{}
	refs int
}

func newDeviceLocks() *deviceLocks {
	return &deviceLocks{locks: make(map[string]*deviceLock)}
}

// lock blocks until the device is free or ctx ends. The returned func
// unlocks it.
func (l *deviceLocks) lock(ctx context.Context, deviceID string) (func(), error) {
	l.mu.Lock()
	dl, ok := l.locks[deviceID]
	if !ok {
		dl = &deviceLock{ch: make(chan struct{}, 1)}
		l.locks[deviceID] = dl
	}
	dl.refs++
	l.mu.Unlock()

	select {
	case dl.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-dl.ch
				l.put(deviceID, dl)
			})
		}, nil
	case <-ctx.Done():
		l.put(deviceID, dl)
		return nil, ctx.Err()
	}
}

func (l *deviceLocks) put(deviceID string, dl *deviceLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	dl.refs--
	if dl.refs == 0 {
		delete(l.locks, deviceID)
	}
}

func (l *deviceLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
