// Package config provides layered configuration for nudgekit:
// hardcoded defaults, overridden by an optional YAML file, overridden by
// NUDGE_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// sections are the nested config groups an environment key may address.
var sections = map[string]bool{
	"server":  true,
	"window":  true,
	"segment": true,
	"plateau": true,
	"spawn":   true,
}

type Config struct {
	DBPath  string        `koanf:"db_path"`
	Server  ServerConfig  `koanf:"server"`
	Window  WindowConfig  `koanf:"window"`
	Segment SegmentConfig `koanf:"segment"`
	Plateau PlateauConfig `koanf:"plateau"`
	Spawn   SpawnConfig   `koanf:"spawn"`
}

type ServerConfig struct {
	Port      int    `koanf:"port"`
	TokenFile string `koanf:"token_file"`
}

type WindowConfig struct {
	// Hours is the attribution window applied uniformly to every
	// selection. It is not adjusted per variant or per segment.
	Hours int `koanf:"hours"`
}

func (w WindowConfig) Duration() time.Duration {
	return time.Duration(w.Hours) * time.Hour
}

type SegmentConfig struct {
	// MinSamples is the resolved-outcome count a segment must accumulate
	// before its ranking biases selection. Below it, cold start applies
	// and every boost is 1.0.
	MinSamples int `koanf:"min_samples"`
	// Boosts are the multipliers for the segment's top-ranked variants,
	// position 0 applying to rank 1. Variants past the end get 1.0.
	Boosts []float64 `koanf:"boosts"`
	// SuperWeight scales super-segment outcomes mixed in during cold start.
	SuperWeight float64 `koanf:"super_weight"`
}

type PlateauConfig struct {
	SampleThreshold int     `koanf:"sample_threshold"`
	GapThreshold    float64 `koanf:"gap_threshold"`
	SpawnCount      int     `koanf:"spawn_count"`
}

type SpawnConfig struct {
	// Templates is the seed pool the default generator rotates through
	// when the plateau cycle needs fresh candidate text.
	Templates []string `koanf:"templates"`
}

// Load reads configuration from the YAML file at configPath (skipped when
// empty or missing) and then applies NUDGE_* environment overrides.
//
// Environment variables map section_field, with top-level keys passed
// through unchanged, e.g.:
//
//	NUDGE_SERVER_PORT           -> server.port
//	NUDGE_WINDOW_HOURS          -> window.hours
//	NUDGE_PLATEAU_GAP_THRESHOLD -> plateau.gap_threshold
//	NUDGE_DB_PATH               -> db_path
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		content, err := os.ReadFile(configPath)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err == nil {
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
			}
		}
	}

	if err := k.Load(env.Provider("NUDGE_", ".", func(s string) string {
		// NUDGE_SERVER_PORT -> server.port: strip the prefix, lowercase,
		// split section from field on the first underscore. Keys that do
		// not start with a config section (e.g. NUDGE_DB_PATH -> db_path)
		// stay flat.
		lower := strings.ToLower(strings.TrimPrefix(s, "NUDGE_"))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 2 && sections[parts[0]] {
			return parts[0] + "." + parts[1]
		}
		return lower
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Default returns the built-in configuration with no file or env input.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = "./nudgekit.db"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.TokenFile == "" {
		cfg.Server.TokenFile = "./.ngk-token"
	}
	if cfg.Window.Hours == 0 {
		cfg.Window.Hours = 48
	}
	if cfg.Segment.MinSamples == 0 {
		cfg.Segment.MinSamples = 5
	}
	if len(cfg.Segment.Boosts) == 0 {
		cfg.Segment.Boosts = []float64{1.20, 1.10, 1.05}
	}
	if cfg.Segment.SuperWeight == 0 {
		cfg.Segment.SuperWeight = 0.25
	}
	if cfg.Plateau.SampleThreshold == 0 {
		cfg.Plateau.SampleThreshold = 50
	}
	if cfg.Plateau.GapThreshold == 0 {
		cfg.Plateau.GapThreshold = 0.05
	}
	if cfg.Plateau.SpawnCount == 0 {
		cfg.Plateau.SpawnCount = 2
	}
	if len(cfg.Spawn.Templates) == 0 {
		cfg.Spawn.Templates = []string{
			"What part of {topic} would you tackle first?",
			"Has anyone tried a different approach to {topic}?",
			"What's the one thing about {topic} you wish you'd known earlier?",
		}
	}
}

func (c *Config) Validate() error {
	if c.Window.Hours < 1 {
		return fmt.Errorf("window.hours must be at least 1, got %d", c.Window.Hours)
	}
	if c.Segment.MinSamples < 1 {
		return fmt.Errorf("segment.min_samples must be at least 1, got %d", c.Segment.MinSamples)
	}
	for i, b := range c.Segment.Boosts {
		if b < 1.0 {
			return fmt.Errorf("segment.boosts[%d] must be >= 1.0, got %g", i, b)
		}
	}
	if c.Plateau.SampleThreshold < 1 {
		return fmt.Errorf("plateau.sample_threshold must be at least 1, got %d", c.Plateau.SampleThreshold)
	}
	if c.Plateau.GapThreshold <= 0 || c.Plateau.GapThreshold >= 1 {
		return fmt.Errorf("plateau.gap_threshold must be in (0, 1), got %g", c.Plateau.GapThreshold)
	}
	if c.Plateau.SpawnCount < 1 {
		return fmt.Errorf("plateau.spawn_count must be at least 1, got %d", c.Plateau.SpawnCount)
	}
	if c.Segment.SuperWeight <= 0 || c.Segment.SuperWeight > 1 {
		return fmt.Errorf("segment.super_weight must be in (0, 1], got %g", c.Segment.SuperWeight)
	}
	return nil
}
