package logging

import (
	"log/slog"
	"os"
	"strings"
)

type SubSystem string

const (
	Config      SubSystem = "config"
	Registry    SubSystem = "registry"
	Shards      SubSystem = "shards"
	GroundTruth SubSystem = "ground_truth"
	Risk        SubSystem = "risk"
	Difficulty  SubSystem = "difficulty"
	Coordinator SubSystem = "coordinator"
	Validation  SubSystem = "validation"
	Events      SubSystem = "events"
	Server      SubSystem = "server"
	System      SubSystem = "system"
)

// Setup installs the default slog handler. Unknown levels fall back to info.
func Setup(level string, json bool) {
	var logLevel slog.LevelVar
	logLevel.Set(parseLevel(level))

	opts := &slog.HandlerOptions{Level: &logLevel}
	var handler slog.Handler
	if json {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func parseLevel(level string) slog.Level {
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

func setNoopLogger() {
	var logLevel slog.LevelVar
	// Set the level above all normal levels
	logLevel.Set(slog.Level(100))

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: &logLevel,
	}))
	slog.SetDefault(logger)
}

func WithNoopLogger(action func() (any, error)) (any, error) {
	currentLogger := slog.Default()
	defer slog.SetDefault(currentLogger)

	setNoopLogger()
	return action()
}

func Warn(msg string, subSystem SubSystem, keyvals ...interface{}) {
	withSubsystem := append([]interface{}{"subsystem", subSystem}, keyvals...)
	slog.Warn(msg, withSubsystem...)
}

func Info(msg string, subSystem SubSystem, keyvals ...interface{}) {
	withSubsystem := append([]interface{}{"subsystem", subSystem}, keyvals...)
	slog.Info(msg, withSubsystem...)
}
func Error(msg string, subSystem SubSystem, keyvals ...interface{}) {
	withSubsystem := append([]interface{}{"subsystem", subSystem}, keyvals...)
	slog.Error(msg, withSubsystem...)
}
func Debug(msg string, subSystem SubSystem, keyvals ...interface{}) {
	withSubsystem := append([]interface{}{"subsystem", subSystem}, keyvals...)
	slog.Debug(msg, withSubsystem...)
}
