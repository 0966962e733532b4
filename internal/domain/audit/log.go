// Package audit keeps the reservation and command history in SQLite.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/infrastructure/database"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/infrastructure/logging"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/shared/types"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// timeLayout is fixed width so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ErrNotFound is returned when a reservation is not in the history.
var ErrNotFound = errors.New("reservation not found")

// Record is one reservation of a device.
type Record struct {
	ReservationID string         `json:"reservation_id"`
	DeviceID      string         `json:"device_id"`
	Platform      types.Platform `json:"platform"`
	TestID        string         `json:"test_id"`
	SessionID     string         `json:"session_id"`
	AppiumServer  string         `json:"appium_server"`
	WDALocalPort  *int           `json:"wda_local_port,omitempty"`
	ReservedAt    time.Time      `json:"reserved_at"`
	ReleasedAt    *time.Time     `json:"released_at,omitempty"`
	ReleaseReason *string        `json:"release_reason,omitempty"`
}

// CommandRecord is one command dispatched during a reservation.
type CommandRecord struct {
	CommandID     string    `json:"command_id"`
	ReservationID string    `json:"reservation_id,omitempty"`
	DeviceID      string    `json:"device_id"`
	Method        string    `json:"method"`
	Path          string    `json:"path"`
	Outcome       string    `json:"outcome"`
	ElapsedMS     int64     `json:"elapsed_ms"`
	CreatedAt     time.Time `json:"created_at"`
}

// Query filters the reservation history. Zero values match everything.
type Query struct {
	DeviceID string
	TestID   string
	// Open restricts to reservations not yet released.
	Open  bool
	Limit int
}

// Log writes and reads the history.
type Log struct {
	db     *sql.DB
	logger *zap.Logger
}

// New creates a history log on an opened database.
func New(db *database.DB, logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{db: db.DB, logger: logger.Named("audit")}
}

// RecordReserved inserts a new reservation.
func (l *Log) RecordReserved(ctx context.Context, r Record) error {
	if r.ReservedAt.IsZero() {
		r.ReservedAt = time.Now()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO reservations
		 (reservation_id, device_id, platform, test_id, session_id, appium_server, wda_local_port, reserved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ReservationID, r.DeviceID, string(r.Platform), r.TestID, r.SessionID, r.AppiumServer,
		nullInt(r.WDALocalPort), r.ReservedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("recording reservation %s: %w", r.ReservationID, err)
	}
	return nil
}

// RecordReleased closes a reservation. Closing twice keeps the first release.
func (l *Log) RecordReleased(ctx context.Context, reservationID, reason string, at time.Time) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE reservations SET released_at = ?, release_reason = ?
		 WHERE reservation_id = ? AND released_at IS NULL`,
		at.UTC().Format(timeLayout), reason, reservationID,
	)
	if err != nil {
		return fmt.Errorf("recording release %s: %w", reservationID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, reservationID)
	}
	l.logger.Debug("reservation closed", logging.ReservationID(reservationID), zap.String("reason", reason))
	return nil
}

// RecordCommand appends a dispatched command.
func (l *Log) RecordCommand(ctx context.Context, c CommandRecord) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO commands
		 (command_id, reservation_id, device_id, method, path, status, elapsed_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.CommandID, nullString(c.ReservationID), c.DeviceID, c.Method, c.Path, c.Outcome,
		c.ElapsedMS, c.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("recording command %s: %w", c.CommandID, err)
	}
	return nil
}

// Get returns one reservation.
func (l *Log) Get(ctx context.Context, reservationID string) (*Record, error) {
	rows, err := l.db.QueryContext(ctx, selectReservations+" WHERE reservation_id = ?", reservationID)
	if err != nil {
		return nil, fmt.Errorf("getting reservation: %w", err)
	}
	records, err := scanReservations(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, reservationID)
	}
	return &records[0], nil
}

// List returns reservations newest first.
func (l *Log) List(ctx context.Context, q Query) ([]Record, error) {
	var (
		where []string
		args  []any
	)
	if q.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, q.DeviceID)
	}
	if q.TestID != "" {
		where = append(where, "test_id = ?")
		args = append(args, q.TestID)
	}
	if q.Open {
		where = append(where, "released_at IS NULL")
	}

	query := selectReservations
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY reserved_at DESC, reservation_id DESC LIMIT ?"
	args = append(args, clampLimit(q.Limit))

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing reservations: %w", err)
	}
	return scanReservations(rows)
}

// Commands returns the commands of a reservation in dispatch order.
func (l *Log) Commands(ctx context.Context, reservationID string, limit int) ([]CommandRecord, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT command_id, reservation_id, device_id, method, path, status, elapsed_ms, created_at
		 FROM commands WHERE reservation_id = ?
		 ORDER BY created_at, command_id LIMIT ?`,
		reservationID, clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("listing commands: %w", err)
	}
	defer rows.Close()

	var out []CommandRecord
	for rows.Next() {
		var (
			c             CommandRecord
			reservationID sql.NullString
			createdAt     string
		)
		if err := rows.Scan(&c.CommandID, &reservationID, &c.DeviceID, &c.Method, &c.Path,
			&c.Outcome, &c.ElapsedMS, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning command: %w", err)
		}
		c.ReservationID = reservationID.String
		c.CreatedAt, _ = time.Parse(timeLayout, createdAt) //nolint:errcheck // format is controlled
		out = append(out, c)
	}
	return out, rows.Err()
}

const selectReservations = `SELECT reservation_id, device_id, platform, test_id, session_id, appium_server,
	wda_local_port, reserved_at, released_at, release_reason FROM reservations`

func scanReservations(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		var (
			r          Record
			platform   string
			port       sql.NullInt64
			reservedAt string
			releasedAt sql.NullString
			reason     sql.NullString
		)
		if err := rows.Scan(&r.ReservationID, &r.DeviceID, &platform, &r.TestID, &r.SessionID,
			&r.AppiumServer, &port, &reservedAt, &releasedAt, &reason); err != nil {
			return nil, fmt.Errorf("scanning reservation: %w", err)
		}
		r.Platform = types.Platform(platform)
		if port.Valid {
			r.WDALocalPort = types.IntPtr(int(port.Int64))
		}
		r.ReservedAt, _ = time.Parse(timeLayout, reservedAt) //nolint:errcheck // format is controlled
		if releasedAt.Valid {
			t, _ := time.Parse(timeLayout, releasedAt.String) //nolint:errcheck // format is controlled
			r.ReleasedAt = &t
		}
		if reason.Valid {
			r.ReleaseReason = &reason.String
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func clampLimit(n int) int {
	if n <= 0 {
		return defaultLimit
	}
	if n > maxLimit {
		return maxLimit
	}
	return n
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
