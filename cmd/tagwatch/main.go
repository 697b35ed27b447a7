package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/tagwatch/pkg/config"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tagwatch",
	Short: "BLE temperature/humidity tag monitor",
	Long: `tagwatch discovers nearby BLE sensor tags, connects to each one,
switches its sensor on and shows the decoded temperature and humidity live.

- watch:    live device table in the terminal
- serve:    HTTP/WebSocket API with MongoDB and MQTT forwarding
- decode:   decode a captured notification payload offline
- profiles: list the built-in sensor profiles`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true
	rootCmd.SetVersionTemplate(fmt.Sprintf("tagwatch %s (commit %s, built %s)\n", formatVersion(version), commit, date))

	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(decodeCmd)
	rootCmd.AddCommand(profilesCmd)

	rootCmd.PersistentFlags().String("config", "", "Path to a YAML configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("backend", "", "BLE backend (go-ble, tinygo)")
	rootCmd.PersistentFlags().String("profile", "", "Sensor profile (see 'tagwatch profiles')")

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}

// loadConfig loads the configuration and applies the global flag overrides on top of it
func loadConfig(cmd *cobra.Command) (*config.Config, *logrus.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}

	if backend, _ := cmd.Flags().GetString("backend"); backend != "" {
		cfg.Backend = backend
	}
	if name, _ := cmd.Flags().GetString("profile"); name != "" {
		cfg.Profile.Name = name
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
