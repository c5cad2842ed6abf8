package logger

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Setup configures the standard logrus logger from level and format strings.
func Setup(level, format string) {
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
	logrus.SetOutput(os.Stdout)

	if strings.EqualFold(format, "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// Module returns an entry tagged with the module name.
func Module(name string) *logrus.Entry {
	return logrus.WithField("module", name)
}

// OrDefault returns l, or a module entry on the standard logger when l is nil.
func OrDefault(l *logrus.Entry, name string) *logrus.Entry {
	if l != nil {
		return l
	}
	return Module(name)
}
