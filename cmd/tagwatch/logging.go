package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/tagwatch/pkg/config"
)

// configureLogger creates the logger from the configuration.
// --log-level takes precedence over the configured level.
func configureLogger(cmd *cobra.Command, cfg *config.Config) (*logrus.Logger, error) {
	logLevelStr, _ := cmd.Flags().GetString("log-level")
	if logLevelStr != "" {
		switch logLevelStr {
		case "debug", "info", "warn", "error":
			cfg.LogLevel = logLevelStr
		default:
			return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", logLevelStr)
		}
	}
	return cfg.NewLogger(), nil
}

// quietForLiveView keeps routine info logs from scrolling the live table away.
// Unless --log-level is given or the configuration names a non-default level,
// only warnings and errors are printed.
func quietForLiveView(cmd *cobra.Command, cfg *config.Config, logger *logrus.Logger) {
	if flag, _ := cmd.Flags().GetString("log-level"); flag != "" {
		return
	}
	if cfg.LogLevel != config.DefaultConfig().LogLevel {
		return
	}
	if logger.IsLevelEnabled(logrus.InfoLevel) {
		logger.SetLevel(logrus.WarnLevel)
	}
}
