// Package logger provides the process-wide zerolog instance: console
// output in development, JSON in production.
package logger

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var (
	once sync.Once
	log  *zerolog.Logger
)

// Get returns the singleton logger, initializing it on first call from
// the ENV and LOG_LEVEL environment variables.
func Get() *zerolog.Logger {
	once.Do(func() {
		log = newLogger()
	})
	return log
}

func newLogger() *zerolog.Logger {
	level := zerolog.InfoLevel
	if levelStr := os.Getenv("LOG_LEVEL"); levelStr != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(levelStr)); err == nil {
			level = parsed
		} else {
			fmt.Fprintf(os.Stderr, "Invalid LOG_LEVEL %q; defaulting to 'info'\n", levelStr)
		}
	}
	zerolog.SetGlobalLevel(level)

	env := os.Getenv("ENV")
	if env == "development" || env == "dev" || env == "" {
		output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "2006-01-02 15:04:05"}
		zl := zerolog.New(output).With().Timestamp().Logger()
		return &zl
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zl := zerolog.New(os.Stderr).With().Timestamp().Logger()
	return &zl
}
