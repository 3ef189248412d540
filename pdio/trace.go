package pdio

import (
	"io"
	"log/slog"

	"github.com/mjl-/postdir/mlog"
)

// Protocol tracing: the probing clients wrap their connections so all bytes
// on the wire are logged at trace level. The level is switched to traceauth
// while credentials are exchanged, keeping them out of regular trace logs.

type tracer struct {
	log    mlog.Log
	prefix string
	level  slog.Level
}

// SetTrace changes the level data is logged at, e.g. to LevelTraceauth while
// credentials are on the wire.
func (t *tracer) SetTrace(level slog.Level) {
	t.level = level
}

func (t *tracer) trace(buf []byte) {
	t.log.Trace(t.level, t.prefix, buf)
}

// TraceWriter logs written protocol data before passing it on.
type TraceWriter struct {
	tracer
	w io.Writer
}

// NewTraceWriter wraps w, logging each write with prefix.
func NewTraceWriter(log mlog.Log, prefix string, w io.Writer) *TraceWriter {
	return &TraceWriter{tracer{log, prefix, mlog.LevelTrace}, w}
}

func (w *TraceWriter) Write(buf []byte) (int, error) {
	w.trace(buf)
	return w.w.Write(buf)
}

// TraceReader logs protocol data of each successful read.
type TraceReader struct {
	tracer
	r io.Reader
}

// NewTraceReader wraps r, logging the data of each read with prefix.
func NewTraceReader(log mlog.Log, prefix string, r io.Reader) *TraceReader {
	return &TraceReader{tracer{log, prefix, mlog.LevelTrace}, r}
}

func (r *TraceReader) Read(buf []byte) (int, error) {
	n, err := r.r.Read(buf)
	if n > 0 {
		r.trace(buf[:n])
	}
	return n, err
}
