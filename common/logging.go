// Package common provides shared logging and error infrastructure for the
// bridge service. The logging side implements output routing that directs
// error messages to stderr while sending other log levels to stdout, enabling
// proper stream separation for containerized deployments.
//
// The logging system is built on logrus for structured logging. Service
// components receive a *logrus.Entry through their Config struct so that log
// fields (component, process_id) are attached once at construction time.
//
// Output Routing:
//
//	Error-level messages are directed to stderr for immediate attention;
//	info, debug, and warning messages go to stdout for general log
//	processing. Orchestration platforms and log aggregators can then apply
//	different handling per stream.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log output to stdout or stderr based on the
// entry's level marker. It operates on logrus's final formatted output, so it
// works with both the text and JSON formatters.
type OutputSplitter struct{}

// Write implements io.Writer, routing error-level entries to stderr and
// everything else to stdout. Safe for concurrent use.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the root logger for the bridge service. Components should not use
// it directly; the application context derives per-component entries from it
// via NewComponentLogger.
var Logger = logrus.New()

// NewComponentLogger returns a logger entry tagged with the component name.
// Every long-running component (pipeline, health monitor, recovery
// controller, ...) logs through an entry created here so lines are
// attributable in aggregated output.
func NewComponentLogger(component string) *logrus.Entry {
	return Logger.WithField("component", component)
}

// ConfigureLogging applies the service-level log settings. Level accepts the
// standard logrus level names; format is "text" or "json".
func ConfigureLogging(level, format string) {
	if lvl, err := logrus.ParseLevel(level); err == nil {
		Logger.SetLevel(lvl)
	}
	switch format {
	case "json":
		Logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

func init() {
	Logger.SetOutput(&OutputSplitter{})
}
