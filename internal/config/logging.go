package config

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogging configures the global zerolog logger the way the teacher's
// cmd/server/main.go does: RFC3339Nano timestamps, a base logger tagged
// with the service name, and a pretty console writer only in dev.
func InitLogging(serviceName string, cfg Config) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", serviceName).Logger()

	if cfg.IsDev() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
}
