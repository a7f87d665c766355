package config

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
)

// ConfigureLogging points the default charmbracelet logger at stderr with the
// configured level and formatter.
func ConfigureLogging(cfg Config) error {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("CC_LOG_LEVEL: %w", err)
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Level:           level,
	})
	switch cfg.LogFormat {
	case "json":
		logger.SetFormatter(log.JSONFormatter)
	case "text":
		logger.SetFormatter(log.TextFormatter)
	default:
		logger.SetFormatter(log.LogfmtFormatter)
	}
	log.SetDefault(logger)
	return nil
}
