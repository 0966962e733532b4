// Package id provides centralized ID generation for the device manager.
//
// IDs are ULIDs with a short type prefix (res_*, req_*, cmd_*, evt_*):
//   - Lexicographic sortability: reservation history sorts by creation time
//   - Prefixed types: readable in logs and audit rows
//   - Type safety: separate string types prevent mixing reservation and event IDs
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ReservationID identifies a device reservation (a session bound to one device)
type ReservationID string

// RequestID identifies an API request or trace span
type RequestID string

// CommandID identifies a command dispatched to a device
type CommandID string

// EventID identifies a published device event
type EventID string

const (
	ReservationPrefix = "res"
	RequestPrefix     = "req"
	CommandPrefix     = "cmd"
	EventPrefix       = "evt"
)

// Generator generates ULIDs with optional prefixes
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator backed by crypto/rand
func NewGenerator() *Generator {
	return &Generator{
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateString creates a new ULID as a string
func (g *Generator) GenerateString() string {
	return g.Generate().String()
}

// prefixed creates a prefixed ULID string
func (g *Generator) prefixed(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.GenerateString())
}

// NewReservationID generates a new reservation ID
func NewReservationID() ReservationID {
	return ReservationID(Default().prefixed(ReservationPrefix))
}

// NewRequestID generates a new request ID
func NewRequestID() RequestID {
	return RequestID(Default().prefixed(RequestPrefix))
}

// NewCommandID generates a new command ID
func NewCommandID() CommandID {
	return CommandID(Default().prefixed(CommandPrefix))
}

// NewEventID generates a new event ID
func NewEventID() EventID {
	return EventID(Default().prefixed(EventPrefix))
}

func (id ReservationID) String() string { return string(id) }
func (id RequestID) String() string     { return string(id) }
func (id CommandID) String() string     { return string(id) }
func (id EventID) String() string       { return string(id) }
