package logger

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New returns the service logger. Development environments get a console writer at debug level;
// everything else emits JSON at info level. LOG_LEVEL overrides the level when it parses.
func New(appEnv string) zerolog.Logger {
	return newWithWriter(appEnv, os.Stdout, os.Getenv("LOG_LEVEL"))
}

func newWithWriter(appEnv string, out io.Writer, level string) zerolog.Logger {
	env := strings.ToLower(strings.TrimSpace(appEnv))
	isDev := env == "development" || env == "dev"

	lvl := zerolog.InfoLevel
	if isDev {
		lvl = zerolog.DebugLevel
	}
	if level != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(level)); err == nil {
			lvl = parsed
		}
	}

	if isDev {
		cw := zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
			w.Out = out
			w.TimeFormat = "2006-01-02 15:04:05"
		})
		return zerolog.New(cw).Level(lvl).With().Timestamp().Str("service", "kale").Logger()
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Str("service", "kale").Logger()
}

// Nop returns a disabled logger, useful for tests.
func Nop() zerolog.Logger {
	return zerolog.New(io.Discard)
}
