package main

import (
	"flag"
	"fmt"
	"os"
)

// CLIConfig holds command-line configuration.
type CLIConfig struct {
	ConfigPath  string
	LogLevel    string
	LogFormat   string
	ShowVersion bool
	Validate    bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("ECHOMUX_CONFIG", "configs/echomux.yaml"),
		"Path to configuration file (env: ECHOMUX_CONFIG)")
	flag.StringVar(&cfg.ConfigPath, "c",
		getEnv("ECHOMUX_CONFIG", "configs/echomux.yaml"),
		"Path to configuration file (env: ECHOMUX_CONFIG)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("ECHOMUX_LOG_LEVEL", ""),
		"Override log level: debug, info, warn, error (env: ECHOMUX_LOG_LEVEL)")
	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("ECHOMUX_LOG_FORMAT", ""),
		"Override log format: json, text (env: ECHOMUX_LOG_FORMAT)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Usage = printUsage
	flag.Parse()

	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion {
		return nil
	}

	if _, err := os.Stat(cfg.ConfigPath); err != nil {
		return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
	}

	switch cfg.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	switch cfg.LogFormat {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	return nil
}

func printUsage() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - per-session echo server over a multiplexed transport

Usage: %s [options]

Options:
`, appName, os.Args[0])
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run with custom config
  %s --config=/etc/echomux/config.yaml

  # Validate configuration only
  %s --validate

Version: %s
`, os.Args[0], os.Args[0], Version)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
