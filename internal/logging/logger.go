// Package logging builds the service logger and bridges it into asynq.
package logging

import (
	"fmt"
	"os"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

// New constructs a zerolog.Logger for the given environment. An empty or
// unknown level falls back to info (debug in development).
func New(env, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
		if env == "development" {
			lvl = zerolog.DebugLevel
		}
	}

	logger := zerolog.New(os.Stdout).
		Level(lvl).
		With().
		Timestamp().
		Str("service", "songforge").
		Logger()

	if env == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}

	return logger
}

// AsynqLogger adapts zerolog to asynq.Logger
type AsynqLogger struct {
	log zerolog.Logger
}

// NewAsynqLogger wraps log for use as asynq.Config.Logger
func NewAsynqLogger(log zerolog.Logger) *AsynqLogger {
	return &AsynqLogger{log: log.With().Str("component", "asynq").Logger()}
}

func (l *AsynqLogger) Debug(args ...interface{}) { l.log.Debug().Msg(fmt.Sprint(args...)) }
func (l *AsynqLogger) Info(args ...interface{})  { l.log.Info().Msg(fmt.Sprint(args...)) }
func (l *AsynqLogger) Warn(args ...interface{})  { l.log.Warn().Msg(fmt.Sprint(args...)) }
func (l *AsynqLogger) Error(args ...interface{}) { l.log.Error().Msg(fmt.Sprint(args...)) }

// Fatal logs and exits, as asynq expects
func (l *AsynqLogger) Fatal(args ...interface{}) { l.log.Fatal().Msg(fmt.Sprint(args...)) }

// AsynqLevel maps a zerolog level onto asynq's
func AsynqLevel(lvl zerolog.Level) asynq.LogLevel {
	switch {
	case lvl <= zerolog.DebugLevel:
		return asynq.DebugLevel
	case lvl == zerolog.InfoLevel:
		return asynq.InfoLevel
	case lvl == zerolog.WarnLevel:
		return asynq.WarnLevel
	case lvl == zerolog.ErrorLevel:
		return asynq.ErrorLevel
	default:
		return asynq.FatalLevel
	}
}

var _ asynq.Logger = (*AsynqLogger)(nil)
