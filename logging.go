package querycelery

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
)

// newLogger creates the logger an App writes to when none is supplied.
func newLogger(out io.Writer) *log.Logger {
	if out == nil {
		out = os.Stderr
	}
	logger := log.New()
	logger.SetOutput(out)
	logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	return logger
}

// setupLogLevel applies the configured level. Unknown levels were rejected
// when the configuration was validated.
func setupLogLevel(logger *log.Logger, level string) {
	lvl, err := parseLevel(level)
	if err != nil {
		logger.Warnf("Failed to set log level: %s. Use default: info", level)
		lvl = log.InfoLevel
	}
	logger.SetLevel(lvl)
	logger.Debug("Log Level: ", lvl)
}

// cronLogger adapts a logrus entry to cron.Logger.
type cronLogger struct {
	entry *log.Entry
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(kvFields(keysAndValues)).WithError(err).Error(msg)
}

func kvFields(keysAndValues []interface{}) log.Fields {
	fields := make(log.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
