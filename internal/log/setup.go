package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// Format selects how log lines are rendered
type Format string

const (
	FormatAuto    Format = "auto"    // console on a terminal, JSON otherwise
	FormatConsole Format = "console" // human readable
	FormatJSON    Format = "json"    // one JSON object per line
)

// Setup configures the global zerolog logger and returns it
func Setup(level string, format Format) (zerolog.Logger, error) {
	return SetupWriter(os.Stderr, isTerminal(os.Stderr), level, format)
}

// SetupWriter is Setup against an arbitrary writer
func SetupWriter(w io.Writer, tty bool, level string, format Format) (zerolog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, err
	}

	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(lvl)

	out := w
	switch format {
	case FormatConsole:
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen, NoColor: !tty}
	case FormatJSON:
	case FormatAuto, "":
		if tty {
			out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
		}
	default:
		return zerolog.Logger{}, fmt.Errorf("unknown log format %q (auto|console|json)", format)
	}

	log.Logger = zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	return log.Logger, nil
}

// ParseLevel accepts zerolog level names; empty means info
func ParseLevel(level string) (zerolog.Level, error) {
	if strings.TrimSpace(level) == "" {
		return zerolog.InfoLevel, nil
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return lvl, nil
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
