package log

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

const timeFormat = "060102 15:04:05.000"

// Start starts the logging system with the given log level.
// Must be called before any log output is produced.
func Start(level Severity) {
	if !started.SetToIf(false, true) {
		return
	}

	logLevel.Store(uint32(level))

	handler := tint.NewHandler(os.Stdout, &tint.Options{
		AddSource:  true,
		Level:      level.toSLogLevel(),
		TimeFormat: timeFormat,
		NoColor:    !isStdoutTerminal(),
	})

	slog.SetDefault(slog.New(handler))
	slog.SetLogLoggerLevel(level.toSLogLevel())
}

// StartForTesting enables log output for tests with everything on trace level.
func StartForTesting() {
	if !started.SetToIf(false, true) {
		return
	}

	logLevel.Store(uint32(TraceLevel))

	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: time.Kitchen,
		NoColor:    true,
	})

	slog.SetDefault(slog.New(handler))
	slog.SetLogLoggerLevel(slog.LevelDebug)
}

func isStdoutTerminal() bool {
	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
