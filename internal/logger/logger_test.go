package logger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type logEntry struct {
	level  string
	msg    string
	fields map[string]interface{}
}

// recorder captures entries so level routing can be asserted.
type recorder struct {
	entries *[]logEntry
	fields  map[string]interface{}
}

func newRecorder() *recorder {
	return &recorder{entries: &[]logEntry{}, fields: map[string]interface{}{}}
}

func (r *recorder) record(level, msg string) {
	*r.entries = append(*r.entries, logEntry{level: level, msg: msg, fields: r.fields})
}

func (r *recorder) Trace(msg string, _ ...interface{}) { r.record("trace", msg) }
func (r *recorder) Debug(msg string, _ ...interface{}) { r.record("debug", msg) }
func (r *recorder) Info(msg string, _ ...interface{})  { r.record("info", msg) }
func (r *recorder) Warn(msg string, _ ...interface{})  { r.record("warn", msg) }
func (r *recorder) Error(msg string, _ ...interface{}) { r.record("error", msg) }
func (r *recorder) Fatal(msg string, _ ...interface{}) { r.record("fatal", msg) }
func (r *recorder) Panic(msg string, _ ...interface{}) { r.record("panic", msg) }

func (r *recorder) WithField(key string, value interface{}) Logger {
	return r.WithFields(map[string]interface{}{key: value})
}

func (r *recorder) WithFields(fields map[string]interface{}) Logger {
	merged := make(map[string]interface{}, len(r.fields)+len(fields))
	for k, v := range r.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &recorder{entries: r.entries, fields: merged}
}

func (r *recorder) WithContext(context.Context) Logger { return r }
func (r *recorder) SetLevel(LogLevel)                  {}
func (r *recorder) GetLevel() LogLevel                 { return LevelInfo }

func TestPerformanceLoggerLevels(t *testing.T) {
	rec := newRecorder()
	pl := NewPerformanceLogger(rec)

	pl.LogPerformance("factor_batch", 120*time.Millisecond, map[string]interface{}{"symbols": 3})
	pl.LogPerformance("local_backtest", 6*time.Second, nil)

	entries := *rec.entries
	require.Len(t, entries, 2)

	assert.Equal(t, "info", entries[0].level)
	assert.Equal(t, "factor_batch", entries[0].fields["operation"])
	assert.Equal(t, 3, entries[0].fields["symbols"])

	// Slow operations get promoted to a warning.
	assert.Equal(t, "warn", entries[1].level)
	assert.Equal(t, int64(6000), entries[1].fields["duration_ms"])
}

func TestRequestLoggerLevels(t *testing.T) {
	rec := newRecorder()
	rl := NewRequestLogger(rec)

	rl.LogRequest("GET", "/health", 200, 5*time.Millisecond, nil)
	rl.LogRequest("POST", "/api/backtest/run", 400, 5*time.Millisecond, nil)
	rl.LogRequest("GET", "/api/backtest/results", 500, 5*time.Millisecond, nil)

	entries := *rec.entries
	require.Len(t, entries, 3)
	assert.Equal(t, "info", entries[0].level)
	assert.Equal(t, "warn", entries[1].level)
	assert.Equal(t, "error", entries[2].level)
	assert.Equal(t, "/health", entries[0].fields["path"])
}
