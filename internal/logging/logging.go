// Package logging configures the Logrus logging library.
package logging

import (
	"github.com/sirupsen/logrus"

	"github.com/bryanwahyu/analyzer-engine/internal/config"
)

// App is the value of the "app" field on every log line.
const App = "analyzer-engine"

// Configure sets up the logrus instance from the logging section of config.yaml
//   - log line format (text[default] or json)
//   - min log level to include (debug, info [default], warn, error, fatal, panic)
//   - include source file and line number for every event (false [default], true)
func Configure(cfg config.Logging) {
	switch cfg.Format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	switch cfg.Level {
	case "trace":
		logrus.SetLevel(logrus.TraceLevel)
		logrus.Warn("Trace logging level configured. Not recommended for production!")
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
		logrus.Warn("Debug logging level configured. Not recommended for production!")
	case "warn":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	case "fatal":
		logrus.SetLevel(logrus.FatalLevel)
	case "panic":
		logrus.SetLevel(logrus.PanicLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}

	logrus.SetReportCaller(cfg.Source)
}

// For returns the component logger used by a package.
func For(component string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"app":       App,
		"component": component,
	})
}
