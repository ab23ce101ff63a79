// internal/logging/logrus.go
package logging

import (
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logrus builds component loggers that share one level, format and output.
type Logrus struct {
	level  string
	format string
	logger *logrus.Logger
}

// NewLogrus creates the root logger. Unknown levels fall back to info;
// format "json" selects the JSON formatter, anything else is text.
func NewLogrus(level, format string, output io.Writer) *Logrus {
	log := logrus.New()
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	log.SetLevel(parsed)
	if strings.EqualFold(format, "json") {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}
	log.SetOutput(output)

	return &Logrus{level: level, format: format, logger: log}
}

// Get returns an entry tagged with the component name.
func (l *Logrus) Get(component string) *logrus.Entry {
	return l.logger.WithField("component", component)
}

// Discard returns an entry that writes nowhere, for tests and optional wiring.
func Discard() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}
