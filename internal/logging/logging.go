package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"threatwatch-service/internal/config"
)

// Setup configures the global zerolog logger and returns the root logger.
// When logdy is enabled every line is also forwarded to its web UI.
func Setup(cfg config.LogConfig) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var out io.Writer = os.Stdout
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	var logdyURL string
	var logdyErr error
	if cfg.LogdyEnabled {
		var w io.Writer
		if w, logdyURL, logdyErr = StartLogdy(cfg); logdyErr == nil {
			out = zerolog.MultiLevelWriter(out, w)
		}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = zerolog.New(out).With().Timestamp().Str("app", "threatwatch").Logger()

	switch {
	case logdyErr != nil:
		log.Warn().Err(logdyErr).Msg("logdy disabled")
	case logdyURL != "":
		log.Info().Str("url", logdyURL).Msg("logdy UI available")
	}
	return log.Logger
}

func NewServiceLogger(base zerolog.Logger, service string) zerolog.Logger {
	return base.With().Str("service", service).Logger()
}

func WithCamera(base zerolog.Logger, cameraID string) zerolog.Logger {
	return base.With().Str("camera_id", cameraID).Logger()
}
