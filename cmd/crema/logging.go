package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// configureLogger creates a logger honoring the --log-level flag over the
// config file's log_level, with --verbose as a fallback shorthand for debug.
func configureLogger(cmd *cobra.Command, configLevel string) (*logrus.Logger, error) {
	levelStr := configLevel
	if levelStr == "" {
		levelStr = "info"
	}

	// --log-level takes precedence over the config file
	if flagLevel, _ := cmd.Flags().GetString("log-level"); flagLevel != "" {
		levelStr = flagLevel
	} else if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		levelStr = "debug"
	}

	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", levelStr)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger, nil
}
