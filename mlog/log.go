// Package mlog provides logging with log levels and structured fields, built
// on log/slog.
//
// Packages create their logger with New, adding a "pkg" field to each logged
// line. Each level has a plain logging function and an "x" variant that takes
// an error to log as "err" field. Log levels are configured per package with
// SetConfig, with the empty package name as default. Operations spanning
// multiple log lines get a correlation id ("cid") through WithCid or a
// context value under CidKey.
//
// Trace-level logging is for protocol data. LevelTrace logs regular protocol
// lines, LevelTraceauth those containing credentials and LevelTracedata bulk
// data transfers.
package mlog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Logfmt selects logfmt output instead of the default console-like output.
var Logfmt bool

// Additional levels, below debug, for protocol data.
const (
	LevelTracedata = slog.LevelDebug - 8
	LevelTraceauth = slog.LevelDebug - 6
	LevelTrace     = slog.LevelDebug - 4
	LevelDebug     = slog.LevelDebug
	LevelInfo      = slog.LevelInfo
	LevelWarn      = slog.LevelWarn
	LevelError     = slog.LevelError
	LevelFatal     = slog.LevelError + 4 // Always logged, process exits.
	LevelPrint     = slog.LevelInfo + 1  // For command-line tools, always printed.
)

// Levels map configured names to their slog level.
var Levels = map[string]slog.Level{
	"tracedata": LevelTracedata,
	"traceauth": LevelTraceauth,
	"trace":     LevelTrace,
	"debug":     LevelDebug,
	"info":      LevelInfo,
	"warn":      LevelWarn,
	"error":     LevelError,
	"fatal":     LevelFatal,
	"print":     LevelPrint,
}

// LevelStrings map levels back to their configured names.
var LevelStrings = map[slog.Level]string{
	LevelTracedata: "tracedata",
	LevelTraceauth: "traceauth",
	LevelTrace:     "trace",
	LevelDebug:     "debug",
	LevelInfo:      "info",
	LevelWarn:      "warn",
	LevelError:     "error",
	LevelFatal:     "fatal",
	LevelPrint:     "print",
}

// LogStringer is used when formatting values during logging. If a value
// implements it, LogString is called for the value to log.
type LogStringer interface {
	LogString() string
}

var noctx = context.Background()

type key string

// CidKey is a context key for a correlation id. Logged as "cid" when present.
var CidKey key = "cid"

var cidGen atomic.Int64

func init() {
	cidGen.Store(time.Now().UnixMilli())
}

// Cid returns a new unique id, for correlating log lines of an operation.
func Cid() int64 {
	return cidGen.Add(1)
}

// config holds the log level per package, with the empty name as default.
var config atomic.Value

func init() {
	config.Store(map[string]slog.Level{"": LevelInfo})
}

// SetConfig atomically replaces the log levels per package.
func SetConfig(levels map[string]slog.Level) {
	config.Store(levels)
}

// Log wraps a slog.Logger with logging methods that take explicit attributes
// and optional errors.
type Log struct {
	*slog.Logger
}

// New returns a Log that adds pkg to each logged line. If elog is nil, the
// process-wide handler writing to stderr is used.
func New(pkg string, elog *slog.Logger) Log {
	if elog == nil {
		elog = slog.New(&handler{})
	}
	return Log{elog}.WithPkg(pkg)
}

// WithPkg returns a logger with pkg added, for logging and for looking up the
// configured log level. Packages passing their logger to another package
// typically hand over l.Logger and let the callee's New add its own pkg.
func (l Log) WithPkg(pkg string) Log {
	h := l.Logger.Handler()
	if ph, ok := h.(*handler); ok {
		return Log{slog.New(ph.withPkg(pkg))}
	}
	return Log{slog.New(h.WithAttrs([]slog.Attr{slog.String("pkg", pkg)}))}
}

// With returns a logger with attrs added to each message.
func (l Log) With(attrs ...slog.Attr) Log {
	return Log{slog.New(l.Logger.Handler().WithAttrs(attrs))}
}

// WithCid adds cid to each message.
func (l Log) WithCid(cid int64) Log {
	return l.With(slog.Int64("cid", cid))
}

// WithContext adds the cid from ctx, if present.
func (l Log) WithContext(ctx context.Context) Log {
	v := ctx.Value(CidKey)
	if v == nil {
		return l
	}
	cid, ok := v.(int64)
	if !ok {
		return l
	}
	return l.WithCid(cid)
}

// WithFunc calls fn for additional attributes on each logged message, for
// attributes that are expensive to compute or that change between calls.
func (l Log) WithFunc(fn func() []slog.Attr) Log {
	h := l.Logger.Handler()
	if ph, ok := h.(*handler); ok {
		return Log{slog.New(ph.withFunc(fn))}
	}
	// Fallback for foreign handlers evaluates fn once.
	return Log{slog.New(h.WithAttrs(fn()))}
}

func errAttr(err error) slog.Attr {
	return slog.Any("err", err)
}

// LogWriter returns a writer that turns each write into a logging call on
// "log" with the given level and msg and the written content as an error.
// Can be used for making a Go log.Logger for use in http.Server.ErrorLog.
func LogWriter(log Log, level slog.Level, msg string) io.Writer {
	return logWriter{log, level, msg}
}

type logWriter struct {
	log   Log
	level slog.Level
	msg   string
}

func (w logWriter) Write(buf []byte) (int, error) {
	err := errors.New(strings.TrimSpace(string(buf)))
	w.log.LogAttrs(noctx, w.level, w.msg, errAttr(err))
	return len(buf), nil
}

// Check logs an error-level message if err is not nil. For errors that are
// good to know but do not influence program flow.
func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		l.Errorx(msg, err, attrs...)
	}
}

func (l Log) Debug(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelDebug, msg, attrs...)
}

func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{errAttr(err)}, attrs...)
	}
	l.Logger.LogAttrs(noctx, LevelDebug, msg, attrs...)
}

func (l Log) Info(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelInfo, msg, attrs...)
}

func (l Log) Infox(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{errAttr(err)}, attrs...)
	}
	l.Logger.LogAttrs(noctx, LevelInfo, msg, attrs...)
}

func (l Log) Warn(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelWarn, msg, attrs...)
}

func (l Log) Warnx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{errAttr(err)}, attrs...)
	}
	l.Logger.LogAttrs(noctx, LevelWarn, msg, attrs...)
}

func (l Log) Error(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelError, msg, attrs...)
}

func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{errAttr(err)}, attrs...)
	}
	l.Logger.LogAttrs(noctx, LevelError, msg, attrs...)
}

// Fatal logs msg and exits with code 1.
func (l Log) Fatal(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelFatal, msg, attrs...)
	os.Exit(1)
}

func (l Log) Fatalx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{errAttr(err)}, attrs...)
	}
	l.Logger.LogAttrs(noctx, LevelFatal, msg, attrs...)
	os.Exit(1)
}

// Print logs at a level that is always printed, for command-line tools.
func (l Log) Print(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelPrint, msg, attrs...)
}

func (l Log) Printx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{errAttr(err)}, attrs...)
	}
	l.Logger.LogAttrs(noctx, LevelPrint, msg, attrs...)
}

// Trace logs data at a trace level with prefix, if enabled. Returns whether
// the level is enabled, so callers can skip preparing expensive data.
func (l Log) Trace(level slog.Level, prefix string, data []byte) bool {
	h := l.Logger.Handler()
	if !h.Enabled(noctx, level) {
		return false
	}
	msg := prefix + strconv.QuoteToASCII(string(data))
	r := slog.NewRecord(time.Now(), level, msg, 0)
	if err := h.Handle(noctx, r); err != nil {
		fmt.Fprintf(os.Stderr, "mlog: writing trace: %v\n", err)
	}
	return true
}

// handler is the process-wide slog.Handler, writing console-like or logfmt
// lines to stderr.
type handler struct {
	pkg    string
	groups string // Dotted prefix for attribute keys.
	attrs  []slog.Attr
	fn     func() []slog.Attr
}

var outMutex sync.Mutex
var out io.Writer = os.Stderr

// SetOutput changes where log lines are written, for tests.
func SetOutput(w io.Writer) {
	outMutex.Lock()
	defer outMutex.Unlock()
	out = w
}

func (h *handler) clone() *handler {
	nh := *h
	nh.attrs = append([]slog.Attr{}, h.attrs...)
	return &nh
}

func (h *handler) withPkg(pkg string) *handler {
	nh := h.clone()
	if nh.pkg == "" {
		nh.pkg = pkg
	}
	return nh
}

func (h *handler) withFunc(fn func() []slog.Attr) *handler {
	nh := h.clone()
	nh.fn = fn
	return nh
}

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	if level >= LevelFatal {
		return true
	}
	levels := config.Load().(map[string]slog.Level)
	l, ok := levels[h.pkg]
	if !ok {
		l = levels[""]
	}
	return level >= l
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := h.clone()
	for _, a := range attrs {
		if h.groups != "" {
			a.Key = h.groups + a.Key
		}
		nh.attrs = append(nh.attrs, a)
	}
	return nh
}

func (h *handler) WithGroup(name string) slog.Handler {
	nh := h.clone()
	nh.groups += name + "."
	return nh
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	var sb strings.Builder
	if Logfmt {
		fmt.Fprintf(&sb, "l=%s m=%s", levelString(r.Level), strconv.Quote(r.Message))
	} else {
		sb.WriteString(r.Time.Format("2006-01-02 15:04:05.000 "))
		sb.WriteString(levelString(r.Level))
		sb.WriteString(" ")
		sb.WriteString(r.Message)
		sb.WriteString(";")
	}
	if h.pkg != "" {
		writeAttr(&sb, "pkg", h.pkg)
	}
	if v := ctx.Value(CidKey); v != nil {
		if cid, ok := v.(int64); ok {
			writeAttr(&sb, "cid", cid)
		}
	}
	for _, a := range h.attrs {
		writeAttr(&sb, a.Key, a.Value.Any())
	}
	if h.fn != nil {
		for _, a := range h.fn() {
			writeAttr(&sb, a.Key, a.Value.Any())
		}
	}
	prefix := h.groups
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&sb, prefix+a.Key, a.Value.Any())
		return true
	})
	sb.WriteString("\n")

	outMutex.Lock()
	defer outMutex.Unlock()
	_, err := io.WriteString(out, sb.String())
	return err
}

func levelString(l slog.Level) string {
	if s, ok := LevelStrings[l]; ok {
		return s
	}
	return l.String()
}

func writeAttr(sb *strings.Builder, k string, v any) {
	var s string
	switch ev := v.(type) {
	case LogStringer:
		s = ev.LogString()
	case error:
		s = ev.Error()
	case string:
		s = ev
	case fmt.Stringer:
		s = ev.String()
	default:
		s = fmt.Sprintf("%v", v)
	}
	if s == "" || strings.ContainsAny(s, " \t\n\"=") {
		s = strconv.Quote(s)
	}
	fmt.Fprintf(sb, " %s=%s", k, s)
}
