package internal

import (
	"log/slog"
	"os"
	"strings"
)

var Logger *slog.Logger

// VerboseMode switches the CLI from spinners and progress bars to debug logs.
var VerboseMode bool

func init() {
	Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetLogLevel rebuilds Logger at the given level. Debug also turns on VerboseMode.
func SetLogLevel(level string) {
	lvl := ParseLevel(level)
	VerboseMode = lvl == slog.LevelDebug
	Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	}))
}
