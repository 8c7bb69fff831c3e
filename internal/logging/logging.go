// Package logging provides the proxy's structured event log. Every log call
// names an event; config-driven allow/deny lists and a level switch decide
// whether it is emitted. Filters are fixed at construction.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// debugEvents are high-volume events suppressed at info level and above.
var debugEvents = map[string]struct{}{
	"downstream_tx":               {},
	"upstream_tx":                 {},
	"miner_method":                {},
	"submit_snapshot":             {},
	"job_forwarded_diff_state":    {},
	"downstream_send_notify":      {},
	"downstream_send_raw":         {},
	"downstream_send_diff":        {},
	"scheduler_tick":              {},
	"downstream_extranonce_check": {},
}

// Fields carries the structured payload of one event.
type Fields = logrus.Fields

// Options configures a Logger.
type Options struct {
	Level  string   // "debug", "info", "warn", "error", "quiet"
	Allow  []string // if non-empty, only these events are emitted
	Deny   []string // these events are never emitted
	Output io.Writer
}

// Logger emits JSON event records.
type Logger struct {
	log   *logrus.Logger
	allow map[string]struct{}
	deny  map[string]struct{}
	quiet bool
	debug bool
}

// New builds a Logger from options.
func New(opts Options) *Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05Z07:00"})
	if opts.Output != nil {
		l.SetOutput(opts.Output)
	} else {
		l.SetOutput(os.Stdout)
	}
	l.SetLevel(logrus.InfoLevel)

	lg := &Logger{log: l}
	switch opts.Level {
	case "quiet", "off", "none":
		lg.quiet = true
	case "debug", "trace":
		lg.debug = true
	}
	if len(opts.Allow) > 0 {
		lg.allow = make(map[string]struct{}, len(opts.Allow))
		for _, e := range opts.Allow {
			lg.allow[e] = struct{}{}
		}
	}
	if len(opts.Deny) > 0 {
		lg.deny = make(map[string]struct{}, len(opts.Deny))
		for _, e := range opts.Deny {
			lg.deny[e] = struct{}{}
		}
	}
	return lg
}

// Enabled reports whether an event would be emitted. Allowlist has the
// highest priority, then denylist, then the level switch.
func (lg *Logger) Enabled(event string) bool {
	if lg.allow != nil {
		_, ok := lg.allow[event]
		return ok
	}
	if _, denied := lg.deny[event]; denied {
		return false
	}
	if lg.quiet {
		return false
	}
	if !lg.debug {
		if _, isDebug := debugEvents[event]; isDebug {
			return false
		}
	}
	return true
}

// Event emits one structured record.
func (lg *Logger) Event(event string, fields Fields) {
	if !lg.Enabled(event) {
		return
	}
	if fields == nil {
		lg.log.WithField("event", event).Info(event)
		return
	}
	lg.log.WithFields(fields).WithField("event", event).Info(event)
}
