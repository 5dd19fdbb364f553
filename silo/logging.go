package silo

import (
	stdlog "log"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
)

// NewLogger returns a stderr logger for a config logLevel. "none" discards
// everything, "error" keeps only Error calls, "debug" enables every
// verbosity level. Any other value, including "warn" which logr has no
// level for, logs errors and V(0) info.
func NewLogger(level string) logr.Logger {
	level = strings.ToLower(level)
	switch level {
	case "none":
		return logr.Discard()
	case "debug":
		stdr.SetVerbosity(5)
	default:
		stdr.SetVerbosity(0)
	}
	log := stdr.NewWithOptions(stdlog.New(os.Stderr, "", stdlog.LstdFlags), stdr.Options{LogCaller: stdr.Error})
	if level == "error" {
		return logr.New(errorOnlySink{log.GetSink()})
	}
	return log
}

// errorOnlySink drops every Info call.
type errorOnlySink struct {
	logr.LogSink
}

func (s errorOnlySink) Enabled(level int) bool {
	return false
}

func (s errorOnlySink) WithValues(keysAndValues ...interface{}) logr.LogSink {
	return errorOnlySink{s.LogSink.WithValues(keysAndValues...)}
}

func (s errorOnlySink) WithName(name string) logr.LogSink {
	return errorOnlySink{s.LogSink.WithName(name)}
}

func (s errorOnlySink) WithCallDepth(depth int) logr.LogSink {
	if cd, ok := s.LogSink.(logr.CallDepthLogSink); ok {
		return errorOnlySink{cd.WithCallDepth(depth)}
	}
	return s
}
