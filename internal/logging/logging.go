// Package logging configures the process logger.
package logging

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Formats accepted by Configure
const (
	FormatJSON = "json"
	FormatText = "text"
)

// Configure applies level and format to logger. An empty level means info
// and an empty format means json.
func Configure(logger *logrus.Logger, level, format string) error {
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	switch format {
	case FormatJSON, "":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	case FormatText:
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		return fmt.Errorf("invalid log format %q", format)
	}

	logger.SetLevel(lvl)
	return nil
}

// New returns a logger configured like Configure.
func New(level, format string) (*logrus.Logger, error) {
	logger := logrus.New()
	if err := Configure(logger, level, format); err != nil {
		return nil, err
	}
	return logger, nil
}
