package log_helper

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var allLogLevels = map[string]zerolog.Level{
	"error":   zerolog.ErrorLevel,
	"warning": zerolog.WarnLevel,
	"warn":    zerolog.WarnLevel,
	"info":    zerolog.InfoLevel,
	"debug":   zerolog.DebugLevel,
	"trace":   zerolog.TraceLevel,
}

// SetLogLevelFromString applies general.log_level, falling back to info.
func SetLogLevelFromString(logLevel string) {
	level, ok := allLogLevels[logLevel]
	if !ok {
		log.Warn().Msgf("unexpected log_level=%v, will apply `info`", logLevel)
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// ValidLogLevel reports whether SetLogLevelFromString accepts logLevel as is.
func ValidLogLevel(logLevel string) bool {
	_, ok := allLogLevels[logLevel]
	return ok
}
