package cli

import (
	"fmt"

	"github.com/harun/otaku/internal/config"
	"github.com/harun/otaku/internal/logger"
)

// loadConfig reads the config file named by --config and applies
// --log-level
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// newLogger builds the process logger. Interactive commands log to the
// file only so stdout carries nothing but answers.
func newLogger(cfg *config.Config, console bool) (*logger.Logger, error) {
	secrets := []string{cfg.Gateway.SharedSecret}
	for _, p := range cfg.LLM.Profiles {
		secrets = append(secrets, p.APIKey)
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   console,
		Pretty:    console,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
		Secrets:   secrets,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return log, nil
}
