package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenInMemory(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, "")
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.HealthCheck(ctx))
	assert.Empty(t, db.Path())

	versions, err := db.AppliedVersions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"0001", "0002"}, versions)

	_, err = db.ExecContext(ctx, "SELECT count(*) FROM reservations")
	assert.NoError(t, err)
}

func TestOpenFileIsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "audit.db")

	db, err := Open(ctx, path)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO reservations
		(reservation_id, device_id, platform, test_id, session_id, appium_server, reserved_at)
		VALUES ('res_1', 'd1', 'android', 't1', 's1', 'http://a', '2026-01-01T00:00:00Z')`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// Reopening must not re-run migrations or lose rows.
	db, err = Open(ctx, path)
	require.NoError(t, err)
	defer db.Close()

	var n int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT count(*) FROM reservations").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestLoadMigrationsSorted(t *testing.T) {
	migrations, err := loadMigrations()
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, "reservations", migrations[0].Name)
	assert.Equal(t, "commands", migrations[1].Name)
}
