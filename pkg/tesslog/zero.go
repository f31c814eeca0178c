package tesslog

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

var Zero = NewZeroLogger("")

func NewZeroLogger(filepath string) *zerolog.Logger {
	output := zerolog.ConsoleWriter{Out: writerFor(filepath), TimeFormat: time.RFC3339}
	logger := zerolog.New(output).With().Timestamp().Logger()

	return &logger
}

func UpdateZeroLogLevel(logLevel string) error {
	level := parseLevel(logLevel)
	zeroLogger := Zero.With().Logger().Level(level)
	Zero = &zeroLogger
	return nil
}

func writerFor(filepath string) *os.File {
	if filepath == "" {
		return os.Stdout
	}
	f, err := os.OpenFile(filepath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return os.Stdout
	}
	return f
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}
