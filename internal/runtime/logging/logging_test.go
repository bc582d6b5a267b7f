package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferedSlog(buf *bytes.Buffer) ServiceLogger {
	return NewSlogServiceLogger(slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: LevelTrace})))
}

func TestSlogServiceLoggerLevels(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := newBufferedSlog(buf)

	logger.Trace("tracing", nil)
	logger.Debug("debugging", LogFields{"k": "v"})
	logger.Info("hello", nil)
	logger.Warn("careful", LogFields{"endpoint": "orders"})
	logger.Error("failed", errors.New("boom"), nil)

	out := buf.String()
	assert.Contains(t, out, "level=DEBUG-4 msg=tracing")
	assert.Contains(t, out, "level=DEBUG msg=debugging k=v")
	assert.Contains(t, out, "level=INFO msg=hello")
	assert.Contains(t, out, "level=WARN msg=careful endpoint=orders")
	assert.Contains(t, out, "level=ERROR msg=failed error=boom")
}

func TestSlogServiceLoggerWith(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := newBufferedSlog(buf)

	assert.Same(t, logger, logger.With(nil))

	logger.With(LogFields{"instance": "billing"}).Info("ready", nil)
	assert.Contains(t, buf.String(), "instance=billing")
}

func TestSlogLoggerPanicsOnNil(t *testing.T) {
	assert.Panics(t, func() { NewSlogServiceLogger(nil) })
}

func TestWatermillServiceLoggerDelegates(t *testing.T) {
	base := newRecordingWatermillLogger()
	logger := NewWatermillServiceLogger(base)

	logger.Debug("dbg", LogFields{"component": "watermill"})
	logger.Info("info", nil)
	logger.Warn("warn", LogFields{"k": "v"})
	logger.Trace("trace", LogFields{"trace": true})
	logger.Error("oops", errors.New("boom"), LogFields{"failed": true})

	child := logger.With(LogFields{"child": "yes"})
	child.Info("child_info", nil)

	require.Len(t, base.entries, 7)
	assert.Equal(t, "debug", base.entries[0].level)
	assert.Equal(t, "watermill", base.entries[0].fields["component"])
	assert.Equal(t, "info", base.entries[2].level)
	assert.Equal(t, "warn", base.entries[2].fields["level"])
	assert.Equal(t, "v", base.entries[2].fields["k"])
	assert.Equal(t, "error", base.entries[4].level)
	assert.Equal(t, "with", base.entries[5].level)
	assert.Equal(t, "yes", base.entries[5].fields["child"])
}

func TestWatermillServiceLoggerPanicsOnNilLogger(t *testing.T) {
	assert.Panics(t, func() { NewWatermillServiceLogger(nil) })
}

func TestNopLoggerDiscards(t *testing.T) {
	logger := NewNopLogger()
	assert.NotPanics(t, func() {
		logger.Warn("ignored", nil)
		logger.With(LogFields{"a": 1}).Error("ignored", errors.New("x"), nil)
	})
}

func TestWatermillAdapterDelegates(t *testing.T) {
	buf := &bytes.Buffer{}
	adapter := NewWatermillAdapter(newBufferedSlog(buf))

	adapter.Debug("dbg", watermill.LogFields{"k": "v"})
	adapter.Info("info", nil)
	adapter.Trace("trace", nil)
	adapter.Error("err", errors.New("boom"), nil)
	adapter.With(watermill.LogFields{"child": "yes"}).Info("child_info", nil)

	out := buf.String()
	assert.Equal(t, 5, strings.Count(out, "\n"))
	assert.Contains(t, out, "msg=child_info child=yes")
	assert.Contains(t, out, "error=boom")
}

func TestWatermillAdapterUnwrapsWatermillLogger(t *testing.T) {
	base := newRecordingWatermillLogger()
	assert.Same(t, base, NewWatermillAdapter(NewWatermillServiceLogger(base)))
}

func TestWatermillAdapterPanicsOnNil(t *testing.T) {
	assert.Panics(t, func() { NewWatermillAdapter(nil) })
}

func TestWatermillFieldConversions(t *testing.T) {
	assert.Nil(t, toWatermillFields(nil))
	assert.Nil(t, fromWatermillFields(nil))

	wm := toWatermillFields(LogFields{"a": 1})
	assert.Equal(t, 1, wm["a"])
	assert.Equal(t, 1, fromWatermillFields(wm)["a"])
}

type recordingWatermillLogger struct {
	entries []watermillEntry
	sink    *[]watermillEntry
}

func newRecordingWatermillLogger() *recordingWatermillLogger {
	logger := &recordingWatermillLogger{}
	logger.sink = &logger.entries
	return logger
}

func (r *recordingWatermillLogger) record(entry watermillEntry) {
	*r.sink = append(*r.sink, entry)
}

type watermillEntry struct {
	level  string
	fields watermill.LogFields
	err    error
}

func (r *recordingWatermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	r.record(watermillEntry{level: "error", fields: fields, err: err})
}

func (r *recordingWatermillLogger) Info(msg string, fields watermill.LogFields) {
	r.record(watermillEntry{level: "info", fields: fields})
}

func (r *recordingWatermillLogger) Debug(msg string, fields watermill.LogFields) {
	r.record(watermillEntry{level: "debug", fields: fields})
}

func (r *recordingWatermillLogger) Trace(msg string, fields watermill.LogFields) {
	r.record(watermillEntry{level: "trace", fields: fields})
}

func (r *recordingWatermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	child := &recordingWatermillLogger{sink: r.sink}
	child.record(watermillEntry{level: "with", fields: fields})
	return child
}
