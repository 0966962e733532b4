package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/infrastructure/logging"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/shared/types"
)

// Inventory is the on-disk device list.
type Inventory struct {
	Devices []types.Device `yaml:"devices" toml:"devices"`
}

// SeedResult summarizes a seeding run.
type SeedResult struct {
	Files   int
	Loaded  int
	Failed  int
	Devices []string
}

// Seeder loads a device inventory into the registry at startup.
type Seeder struct {
	store  *Store
	glob   string
	logger *zap.Logger
}

// NewSeeder creates a seeder for files matching glob.
func NewSeeder(store *Store, glob string, logger *zap.Logger) *Seeder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Seeder{store: store, glob: glob, logger: logger}
}

// Seed registers every device from matching inventory files. Seeded devices
// get no heartbeat, so they list as offline until they report in. A bad
// file or device is logged and counted, never fatal.
func (s *Seeder) Seed(ctx context.Context) (SeedResult, error) {
	var res SeedResult
	if s.glob == "" {
		return res, nil
	}

	matches, err := doublestar.FilepathGlob(s.glob)
	if err != nil {
		return res, fmt.Errorf("invalid DEVICES_GLOB %q: %w", s.glob, err)
	}
	if len(matches) == 0 {
		s.logger.Warn("no inventory files matched", zap.String("glob", s.glob))
		return res, nil
	}

	for _, path := range matches {
		inv, err := LoadInventory(path)
		if err != nil {
			s.logger.Warn("failed to load inventory", zap.String("path", path), zap.Error(err))
			res.Failed++
			continue
		}
		res.Files++

		for _, d := range inv.Devices {
			if _, err := s.store.upsert(ctx, d, false); err != nil {
				s.logger.Warn("failed to seed device",
					zap.String("path", path),
					logging.DeviceID(d.DeviceID),
					zap.Error(err),
				)
				res.Failed++
				continue
			}
			res.Loaded++
			res.Devices = append(res.Devices, d.DeviceID)
		}
	}

	s.logger.Info("inventory seeded",
		zap.Int("files", res.Files),
		zap.Int("loaded", res.Loaded),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

// LoadInventory decodes a YAML or TOML inventory file.
func LoadInventory(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var inv Inventory
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &inv)
	case ".toml":
		err = toml.Unmarshal(data, &inv)
	default:
		return nil, fmt.Errorf("unsupported inventory format %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	return &inv, nil
}
