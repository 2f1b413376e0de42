// Package logging configures the global zerolog logger.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dkeye/callcore/internal/config"
)

// Setup installs the global logger: console output in dev, JSON otherwise,
// plus a rotated file when cfg.File is set. The returned closer flushes the
// file sink.
func Setup(cfg config.LogConfig, env string) io.Closer {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = os.Stderr
	if env == "dev" {
		out = zerolog.ConsoleWriter{Out: os.Stderr}
	}

	var file *lumberjack.Logger
	if cfg.File != "" {
		file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		}
		out = zerolog.MultiLevelWriter(out, file)
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	log.Info().Str("module", "logging").Str("level", level.String()).Str("file", cfg.File).Msg("logger ready")

	if file == nil {
		return io.NopCloser(nil)
	}
	return file
}
