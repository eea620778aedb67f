// Package xlog builds the logrus logger used for ambient, non-data-path
// events: handle lifecycle, cache eviction, pool eviction, aborted reads.
// Nothing on the read hot path logs per-chunk; these are the same kind of
// events libphdi's HAVE_DEBUG_OUTPUT notify stream would have reported.
package xlog

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// New builds a *logrus.Logger honoring PHDI_LOG_LEVEL (panic, fatal, error,
// warn, info, debug, trace). Defaults to warn level so a library consumer
// that never configures logging doesn't get chatty output by default.
func New() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.WarnLevel)

	if levelName := os.Getenv("PHDI_LOG_LEVEL"); levelName != "" {
		if lvl, err := logrus.ParseLevel(levelName); err == nil {
			l.SetLevel(lvl)
		}
	}
	return l
}

// Nop returns a logger with output fully discarded, used as the default
// collaborator for packages that accept an optional *logrus.Entry.
func Nop() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}
