package transpose

import "github.com/sirupsen/logrus"

// Logger is the package-level logger every transposer run writes through.
// Default level is Info; a run's own lines (nothing to transpose, and the
// completion summary) log at Debug, so it is silent unless a host binary
// opts in via SetLogLevel. There is no per-block or per-instruction tracing.
var Logger = logrus.New()

func init() {
	Logger.SetLevel(logrus.InfoLevel)
}

// SetLogLevel adjusts the verbosity of Logger. Pass logrus.DebugLevel to see
// each run's Debug lines.
func SetLogLevel(level logrus.Level) {
	Logger.SetLevel(level)
}

// Option configures a Run invocation.
type Option func(*transposer)

// WithLogger overrides the logger instance used by this run, e.g. to attach
// fields a host binary wants on every line in addition to run_id.
func WithLogger(logger *logrus.Logger) Option {
	return func(t *transposer) {
		t.logger = logger.WithField("run_id", t.runID)
	}
}
