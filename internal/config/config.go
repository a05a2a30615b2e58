// Package config loads and validates the filament-hub daemon configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rusq/osenv/v2"
	"gopkg.in/yaml.v3"
)

// ErrConfigInvalid is returned when the loaded configuration fails
// validation. Callers treat this as a fatal startup error.
var ErrConfigInvalid = errors.New("config invalid")

// Config is the root of the YAML configuration file.
type Config struct {
	CAN             CAN             `yaml:"can"`
	Klipper         Klipper         `yaml:"klipper"`
	FilamentRunout  FilamentRunout  `yaml:"filament_runout"`
	ExtruderMapping ExtruderMapping `yaml:"extruder_mapping"`
	RFID            RFID            `yaml:"rfid"`
	Logging         Logging         `yaml:"logging"`
}

type CAN struct {
	Interface string `yaml:"interface"`
	Bitrate   int    `yaml:"bitrate"`
}

type Klipper struct {
	BaseURL        string        `yaml:"base_url"`
	UpdateInterval time.Duration `yaml:"update_interval"`
}

type FilamentRunout struct {
	Enabled bool     `yaml:"enabled"`
	Sensors []string `yaml:"sensors"`
}

type ExtruderMapping struct {
	DefaultActive int           `yaml:"default_active"`
	TubeMapping   map[int]int   `yaml:"tube_mapping"` // extruder id -> buffer zone id
}

type RFID struct {
	Enabled                bool   `yaml:"enabled"`
	AutoSetTemperature     bool   `yaml:"auto_set_temperature"`
	DataDir                string `yaml:"data_dir"`
	TransferTimeoutSeconds int    `yaml:"transfer_timeout_seconds"`
	CleanupIntervalSeconds int    `yaml:"cleanup_interval_seconds"`
}

type Logging struct {
	Level         string `yaml:"level"`
	LogDir        string `yaml:"log_dir"`
	MaxSizeMB     int    `yaml:"max_size_mb"`
	BackupCount   int    `yaml:"backup_count"`
	RetentionDays int    `yaml:"retention_days"`
}

// Defaults applied before the YAML file and environment overrides are
// layered on top, mirroring the flag-default style of cmd/tp's cfg.go.
func Defaults() Config {
	return Config{
		CAN: CAN{
			Interface: "can0",
			Bitrate:   1_000_000,
		},
		Klipper: Klipper{
			BaseURL:        "http://127.0.0.1:7125",
			UpdateInterval: 2 * time.Second,
		},
		FilamentRunout: FilamentRunout{
			Enabled: true,
		},
		ExtruderMapping: ExtruderMapping{
			DefaultActive: 0,
		},
		RFID: RFID{
			Enabled:                true,
			DataDir:                "/var/lib/filament-hub/rfid",
			TransferTimeoutSeconds: 10,
			CleanupIntervalSeconds: 5,
		},
		Logging: Logging{
			Level: "info",
		},
	}
}

// Load reads the YAML file at path, applies defaults and environment
// overrides, and validates the result. A validation failure wraps
// ErrConfigInvalid so callers can detect it with errors.Is.
func Load(path string) (Config, error) {
	cfg := Defaults()

	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("%w: reading config file: %w", ErrConfigInvalid, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: parsing config file: %w", ErrConfigInvalid, err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}
	return cfg, nil
}

// applyEnvOverrides layers a handful of operationally useful environment
// variables over the file-provided configuration, the same file-then-env
// precedence the teacher's small CLIs use for container deployments.
func applyEnvOverrides(cfg *Config) {
	cfg.CAN.Interface = osenv.String("FILAMENT_HUB_CAN_INTERFACE", cfg.CAN.Interface)
	cfg.Klipper.BaseURL = osenv.String("FILAMENT_HUB_KLIPPER_BASE_URL", cfg.Klipper.BaseURL)
	cfg.Logging.Level = osenv.String("FILAMENT_HUB_LOG_LEVEL", cfg.Logging.Level)
	cfg.RFID.DataDir = osenv.String("FILAMENT_HUB_RFID_DATA_DIR", cfg.RFID.DataDir)
}

// Validate checks the invariants spec'd in §3/§6: the extruder mapping must
// be a total function over configured extruders with pairwise-distinct
// buffer zones, and the default active extruder must appear in the map.
func (c Config) Validate() error {
	if c.CAN.Interface == "" {
		return errors.New("can.interface must not be empty")
	}
	if c.CAN.Bitrate <= 0 {
		return errors.New("can.bitrate must be positive")
	}
	if c.Klipper.BaseURL == "" {
		return errors.New("klipper.base_url must not be empty")
	}
	if len(c.ExtruderMapping.TubeMapping) == 0 {
		return errors.New("extruder_mapping.tube_mapping must not be empty")
	}
	seenZones := make(map[int]int, len(c.ExtruderMapping.TubeMapping))
	for extruder, zone := range c.ExtruderMapping.TubeMapping {
		if other, ok := seenZones[zone]; ok {
			return fmt.Errorf("buffer zone %d is mapped from both extruder %d and extruder %d", zone, other, extruder)
		}
		seenZones[zone] = extruder
	}
	if _, ok := c.ExtruderMapping.TubeMapping[c.ExtruderMapping.DefaultActive]; !ok {
		return fmt.Errorf("extruder_mapping.default_active %d has no tube_mapping entry", c.ExtruderMapping.DefaultActive)
	}
	if c.RFID.Enabled && c.RFID.DataDir == "" {
		return errors.New("rfid.data_dir must be set when rfid.enabled is true")
	}
	return nil
}
