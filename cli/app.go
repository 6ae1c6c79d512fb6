// Package cli implements the photodav command-line interface.
package cli

import (
	"context"

	"github.com/alecthomas/kingpin/v2"
	"go.uber.org/zap/zapcore"

	"github.com/photodav/photodav/internal/logging"
)

var (
	app = kingpin.New("photodav", "Read-optimizing HTTP/WebDAV photo gateway.")

	configFile = app.Flag("config-file", "Path to the KEY=VALUE settings file.").Default("config.txt").String()
	logLevel   = app.Flag("log-level", "Console log level.").Default("info").Enum("debug", "info", "warn", "error")

	serverCommands = app.Command("server", "Commands to control the gateway server.")
)

// App returns the command-line application object.
func App() *kingpin.Application {
	return app
}

// rootContext builds the base context carrying the console logger.
func rootContext() context.Context {
	var level zapcore.Level

	switch *logLevel {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	return logging.WithLogger(context.Background(), logging.ZapFactory(logging.NewConsoleLogger(level)))
}
