package model

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// LoggingContext buckets log messages by kind. This is the orchestration
// core's own per-job report log, kept separate from the ambient zerolog
// output emitted by the controller and worker processes themselves.
type LoggingContext string

const (
	ContextError          LoggingContext = "ERRORS"
	ContextWarning        LoggingContext = "WARNINGS"
	ContextInfo           LoggingContext = "INFO"
	ContextEvent          LoggingContext = "EVENTS"
	ContextNetwork        LoggingContext = "NETWORK"
	ContextFileSystem     LoggingContext = "FILE_SYSTEM"
	ContextStartup        LoggingContext = "STARTUP"
	ContextShutdown       LoggingContext = "SHUTDOWN"
	ContextUser           LoggingContext = "USER"
	ContextAuthentication LoggingContext = "AUTHENTICATION"
	ContextSecurity       LoggingContext = "SECURITY"
)

var fancyColors = map[LoggingContext]string{
	ContextError:          "\033[31m",
	ContextWarning:        "\033[33m",
	ContextInfo:           "\033[34m",
	ContextEvent:          "\033[97m",
	ContextNetwork:        "\033[35m",
	ContextFileSystem:     "\033[95m",
	ContextStartup:        "\033[36m",
	ContextShutdown:       "\033[96m",
	ContextUser:           "\033[90m",
	ContextAuthentication: "\033[93m",
	ContextSecurity:       "\033[91m",
}

const fancyRestore = "\033[0m"

// Fancy returns the context name decorated with an ANSI color code, for
// terminal rendering of a job's report log.
func (c LoggingContext) Fancy() string {
	color, ok := fancyColors[c]
	if !ok {
		color = fancyRestore
	}
	return color + string(c) + fancyRestore
}

// LogMessage is a single entry in a job's report log.
type LogMessage struct {
	Body     string    `json:"body"`
	Origin   string    `json:"origin,omitempty"`
	DateTime time.Time `json:"datetime"`
}

// NewLogMessage builds a LogMessage stamped with the current time.
func NewLogMessage(body, origin string) LogMessage {
	return LogMessage{Body: body, Origin: origin, DateTime: time.Now().UTC()}
}

// Claim overrides the message's origin.
func (m LogMessage) Claim(origin string) LogMessage {
	m.Origin = origin
	return m
}

func (m LogMessage) render(fmtStr string) string {
	r := strings.NewReplacer(
		"{datetime}", m.DateTime.Format(time.RFC3339),
		"{origin}", m.Origin,
		"{body}", m.Body,
	)
	return r.Replace(fmtStr)
}

const defaultLogFormat = "[{datetime}] {origin}: {body}"

// Logger accumulates LogMessages grouped by LoggingContext for a single
// job. It is embedded in Report and is distinct from the ambient zerolog
// logger used for operational output.
type Logger struct {
	defaultOrigin string
	format        string
	report        map[LoggingContext][]LogMessage
}

// NewLogger returns an empty Logger using defaultOrigin for messages logged
// without an explicit origin.
func NewLogger(defaultOrigin string) *Logger {
	return &Logger{
		defaultOrigin: defaultOrigin,
		format:        defaultLogFormat,
		report:        map[LoggingContext][]LogMessage{},
	}
}

// SetDefaultOrigin updates the origin used for future Log calls that don't
// specify one.
func (l *Logger) SetDefaultOrigin(origin string) { l.defaultOrigin = origin }

// DefaultOrigin returns the logger's configured default origin.
func (l *Logger) DefaultOrigin() string { return l.defaultOrigin }

// Log appends body (optionally multiple bodies) to context, using origin if
// given or the logger's default origin otherwise.
func (l *Logger) Log(context LoggingContext, origin string, bodies ...string) {
	if l.report == nil {
		l.report = map[LoggingContext][]LogMessage{}
	}
	o := origin
	if o == "" {
		o = l.defaultOrigin
		if o == "" {
			o = "unknown"
		}
	}
	for _, b := range bodies {
		l.report[context] = append(l.report[context], NewLogMessage(b, o))
	}
}

// Append adds pre-built LogMessages to context as-is.
func (l *Logger) Append(context LoggingContext, msgs ...LogMessage) {
	if l.report == nil {
		l.report = map[LoggingContext][]LogMessage{}
	}
	l.report[context] = append(l.report[context], msgs...)
}

// Keys returns the contexts currently present in the log, in no particular
// order.
func (l *Logger) Keys() []LoggingContext {
	keys := make([]LoggingContext, 0, len(l.report))
	for k := range l.report {
		keys = append(keys, k)
	}
	return keys
}

// Get returns the messages logged under context.
func (l *Logger) Get(context LoggingContext) []LogMessage {
	return l.report[context]
}

// Has reports whether any message has been logged under context.
func (l *Logger) Has(context LoggingContext) bool {
	return len(l.report[context]) > 0
}

// Empty reports whether the logger has no entries at all.
func (l *Logger) Empty() bool { return len(l.report) == 0 }

// Pick returns a new Logger containing only the given contexts, or (if
// complement is true) all contexts except the given ones.
func (l *Logger) Pick(complement bool, contexts ...LoggingContext) *Logger {
	out := NewLogger(l.defaultOrigin)
	want := map[LoggingContext]bool{}
	for _, c := range contexts {
		want[c] = true
	}
	for c, msgs := range l.report {
		if want[c] != complement {
			out.Append(c, msgs...)
		}
	}
	return out
}

// Merge copies messages from other into l, optionally restricted to a
// subset of contexts (nil copies everything).
func (l *Logger) Merge(other *Logger, contexts []LoggingContext) {
	if other == nil {
		return
	}
	keys := contexts
	if keys == nil {
		keys = other.Keys()
	}
	for _, c := range keys {
		l.Append(c, other.Get(c)...)
	}
}

// Octopus combines several Loggers into a new one.
func Octopus(defaultOrigin string, loggers ...*Logger) *Logger {
	out := NewLogger(defaultOrigin)
	for _, lg := range loggers {
		out.Merge(lg, nil)
	}
	return out
}

// RenderOptions controls Logger.Render's text output.
type RenderOptions struct {
	Fancy         bool
	Format        string
	SortBy        func(a, b LogMessage) bool
	Flatten       bool
}

// Render formats the logger as human-readable text, one line per message,
// grouped by context unless Flatten is set.
func (l *Logger) Render(opt RenderOptions) string {
	format := opt.Format
	if format == "" {
		format = l.format
	}
	var lines []string
	if opt.Flatten {
		type entry struct {
			ctx LoggingContext
			msg LogMessage
		}
		var entries []entry
		for c, msgs := range l.report {
			for _, m := range msgs {
				entries = append(entries, entry{c, m})
			}
		}
		if opt.SortBy != nil {
			sort.SliceStable(entries, func(i, j int) bool { return opt.SortBy(entries[i].msg, entries[j].msg) })
		}
		for _, e := range entries {
			label := string(e.ctx)
			if opt.Fancy {
				label = e.ctx.Fancy()
			}
			lines = append(lines, label+" "+e.msg.render(format))
		}
		return strings.Join(lines, "\n")
	}

	for c, msgs := range l.report {
		if len(msgs) == 0 {
			continue
		}
		if opt.Fancy {
			lines = append(lines, c.Fancy())
		} else {
			lines = append(lines, string(c))
		}
		ordered := msgs
		if opt.SortBy != nil {
			ordered = append([]LogMessage(nil), msgs...)
			sort.SliceStable(ordered, func(i, j int) bool { return opt.SortBy(ordered[i], ordered[j]) })
		}
		for _, m := range ordered {
			lines = append(lines, "* "+m.render(format))
		}
	}
	return strings.Join(lines, "\n")
}

func (l *Logger) String() string { return l.Render(RenderOptions{}) }

// MarshalJSON renders the logger as {"CONTEXT": [messages...], ...},
// omitting the logger's configuration fields the way the original's
// `.json` property does.
func (l *Logger) MarshalJSON() ([]byte, error) {
	out := map[LoggingContext][]LogMessage{}
	for c, msgs := range l.report {
		out[c] = msgs
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores a logger previously produced by MarshalJSON.
func (l *Logger) UnmarshalJSON(data []byte) error {
	raw := map[LoggingContext][]LogMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	l.report = raw
	l.format = defaultLogFormat
	return nil
}
