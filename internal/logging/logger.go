package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var globalLogger *zap.Logger

// Init initializes the global logger. Production config (JSON) when APP_ENV
// is "production", development config otherwise.
func Init(appEnv string) error {
	var config zap.Config
	if appEnv == "production" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
	}
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	globalLogger = logger
	return nil
}

// L returns the global logger, falling back to a production logger when Init
// was not called (tests).
func L() *zap.Logger {
	if globalLogger == nil {
		globalLogger = zap.NewNop()
	}
	return globalLogger
}

// Named returns a component logger.
func Named(component string) *zap.Logger { return L().Named(component) }

// Close flushes any buffered logs.
func Close() {
	if globalLogger != nil {
		_ = globalLogger.Sync()
	}
}
