// Package main is the entry point for the tagsync server.
package main

import (
	"os"
	"strings"

	"github.com/go-logr/zapr"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/clouddeck/tagsync-server/cmd/tagsync-server/app"
	"github.com/clouddeck/tagsync-server/internal/config"
)

// getLogLevel parses the TAGSYNC_LOG_LEVEL environment variable.
// Defaults to info if unset or invalid.
func getLogLevel() zapcore.Level {
	v := viper.New()
	v.SetEnvPrefix(config.EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	switch strings.ToLower(v.GetString("LOG_LEVEL")) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func main() {
	// Structured JSON logging on stderr, keeping stdout clean for commands
	// that output data (e.g. version --format json).
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(getLogLevel())
	zapCfg.OutputPaths = []string{"stderr"}

	zapLogger, err := zapCfg.Build()
	if err != nil {
		os.Exit(1)
	}
	defer func() { _ = zapLogger.Sync() }()

	logger := zapr.NewLogger(zapLogger)
	logger.Info("Starting tagsync server")

	if err := app.NewRootCmd(logger).Execute(); err != nil {
		os.Exit(1)
	}
}
