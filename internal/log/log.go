// Package log holds the process-wide logrus loggers of the monitor: the
// default one used by every component and a separate one that grpc-go
// writes through.
package log

import (
	"os"
	"strings"

	grpc_logrus "github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus"
	"github.com/sirupsen/logrus"
)

// LogTimestampFormat is the timestamp layout of both formatters.
const LogTimestampFormat = "2006-01-02T15:04:05.000Z"

var (
	defaultLogger = logrus.StandardLogger()
	grpcGo        = logrus.New()

	// Loggers lists every logger Configure should be applied to.
	Loggers = []*logrus.Logger{defaultLogger, grpcGo}
)

func init() {
	// stdout until the configuration has been loaded
	for _, l := range Loggers {
		l.Out = os.Stdout
	}
}

// Configure applies format and level to loggers. The grpc-go logger runs one
// level quieter at info, see mapGrpcLogLevel. An unknown level means info;
// an empty or unknown format keeps the current formatter, config validation
// rejects unknown formats before this is called.
func Configure(loggers []*logrus.Logger, format string, level string) {
	formatter := newFormatter(format)

	logrusLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logrusLevel = logrus.InfoLevel
	}

	for _, l := range loggers {
		l.SetLevel(logrusLevel)
		if l == grpcGo {
			l.SetLevel(mapGrpcLogLevel(logrusLevel))
		}

		if formatter != nil {
			l.Formatter = formatter
		}
	}
}

func newFormatter(format string) logrus.Formatter {
	switch format {
	case "json":
		return &logrus.JSONFormatter{TimestampFormat: LogTimestampFormat}
	case "text":
		return &logrus.TextFormatter{TimestampFormat: LogTimestampFormat}
	default:
		return nil
	}
}

// RedirectGrpcLogger makes grpc-go log through GrpcGo.
func RedirectGrpcLogger() {
	grpc_logrus.ReplaceGrpcLogger(GrpcGo())
}

var grpcSeverities = map[string]logrus.Level{
	"error":   logrus.ErrorLevel,
	"warning": logrus.WarnLevel,
	"info":    logrus.InfoLevel,
}

// mapGrpcLogLevel returns the level of the grpc-go logger. An explicit
// GRPC_GO_LOG_SEVERITY_LEVEL wins. Otherwise info is lowered to warn, since
// grpc-go reports every reconnect of the subscription stream at info.
func mapGrpcLogLevel(level logrus.Level) logrus.Level {
	if severity, ok := grpcSeverities[strings.ToLower(os.Getenv("GRPC_GO_LOG_SEVERITY_LEVEL"))]; ok {
		return severity
	}

	if level == logrus.InfoLevel {
		return logrus.WarnLevel
	}
	return level
}

// Default returns the logger components derive their entries from.
func Default() *logrus.Entry { return defaultLogger.WithField("pid", os.Getpid()) }

// GrpcGo returns the logger grpc-go writes through.
func GrpcGo() *logrus.Entry { return grpcGo.WithField("pid", os.Getpid()) }
