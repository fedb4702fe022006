package cli

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/nudgekit/nudgekit/internal/config"
	"github.com/nudgekit/nudgekit/internal/engine"
)

// loadConfig builds the effective configuration from file, environment
// and the --db override.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	return cfg, nil
}

// withEngine opens the engine, runs fn, and closes it afterwards.
func withEngine(fn func(*config.Config, *engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer log.Sync()

	eng, err := engine.Open(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to open engine: %w", err)
	}
	defer eng.Close()

	return fn(cfg, eng)
}
