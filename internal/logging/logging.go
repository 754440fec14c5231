package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the root logger for the relay. Development mode uses a pretty
// console writer; production emits structured JSON.
func New(development bool) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	if development {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
		return zerolog.New(output).With().Timestamp().Caller().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// Component returns a child logger tagged with the owning component.
func Component(log zerolog.Logger, component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Session returns a child logger tagged with a session code.
func Session(log zerolog.Logger, code string) zerolog.Logger {
	return log.With().Str("session", code).Logger()
}
