package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/shared/types"
)

const yamlInventory = `devices:
  - device_id: pixel-8
    platform: android
    version: "14"
    location: rack-1
  - device_id: ipad-7
    platform: ios
    version: "17.4"
    wda_local_port: 8101
`

const tomlInventory = `[[devices]]
device_id = "galaxy-s23"
platform = "android"
version = "13"

[[devices]]
device_id = "broken"
platform = "symbian"
version = "9"
`

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestLoadInventory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "lab.yaml", yamlInventory)

	inv, err := LoadInventory(filepath.Join(dir, "lab.yaml"))
	require.NoError(t, err)
	require.Len(t, inv.Devices, 2)
	assert.Equal(t, types.PlatformIOS, inv.Devices[1].Platform)
	assert.Equal(t, 8101, *inv.Devices[1].WDALocalPort)
	assert.Equal(t, "rack-1", types.Deref(inv.Devices[0].Location))

	writeFile(t, dir, "lab.json", "{}")
	_, err = LoadInventory(filepath.Join(dir, "lab.json"))
	assert.ErrorContains(t, err, "unsupported")
}

func TestSeed(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	dir := t.TempDir()
	writeFile(t, dir, "racks/a/lab.yaml", yamlInventory)
	writeFile(t, dir, "racks/b/lab.toml", tomlInventory)
	writeFile(t, dir, "racks/c/bad.yml", "devices: [")

	res, err := NewSeeder(s, filepath.Join(dir, "racks/**/*.{yaml,yml,toml}"), nil).Seed(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Files)
	assert.Equal(t, 3, res.Loaded)
	assert.Equal(t, 2, res.Failed) // unparsable file + unknown platform
	assert.ElementsMatch(t, []string{"pixel-8", "ipad-7", "galaxy-s23"}, res.Devices)

	// Seeded devices wait for their first heartbeat.
	assert.False(t, mr.Exists("hb:device:pixel-8"))
	got, err := s.Get(ctx, "pixel-8")
	require.NoError(t, err)
	assert.Equal(t, types.StatusOffline, got.Status)

	ok, _ := mr.SIsMember(wdaUsedKey, "8101")
	assert.True(t, ok)
}

func TestSeedEmptyGlob(t *testing.T) {
	s, _ := newTestStore(t)
	res, err := NewSeeder(s, "", nil).Seed(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Loaded)

	res, err = NewSeeder(s, filepath.Join(t.TempDir(), "*.yaml"), nil).Seed(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Files)
}
