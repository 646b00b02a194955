package log

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func capture(t *testing.T, l Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(l)
	t.Cleanup(func() {
		SetOutput(nopWriter{})
		SetLevel(LevelInfo)
	})
	return &buf
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestInfoWritesKeyValues(t *testing.T) {
	buf := capture(t, LevelInfo)
	Info("pass done", "changed", 2, "run_id", "abc")

	out := buf.String()
	assert.Contains(t, out, "pass done")
	assert.Contains(t, out, "changed=2")
	assert.Contains(t, out, "run_id=abc")
}

func TestDebugSuppressedAtInfo(t *testing.T) {
	buf := capture(t, LevelInfo)
	Debug("noisy")
	assert.Empty(t, buf.String())
}

func TestErrorIncludesErr(t *testing.T) {
	buf := capture(t, LevelError)
	Info("hidden")
	Error("write failed", errors.New("disk full"), "path", "a/b")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "disk full")
	assert.Contains(t, out, "path=a/b")
}

func TestOddKVIgnoresTrailingKey(t *testing.T) {
	buf := capture(t, LevelInfo)
	Info("msg", "k", "v", "dangling")
	assert.Contains(t, buf.String(), "k=v")
	assert.NotContains(t, buf.String(), "dangling")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelError, ParseLevel(" ERROR "))
	assert.Equal(t, LevelInfo, ParseLevel("bogus"))
}

func TestCronLoggerFormatsTimes(t *testing.T) {
	buf := capture(t, LevelDebug)
	ts := time.Date(2018, 3, 5, 8, 0, 0, 0, time.UTC)
	CronLogger().Info("schedule", "next", ts)
	assert.Contains(t, buf.String(), "next=2018-03-05T08:00:00Z")
}

func TestErrorValuedKVIsRendered(t *testing.T) {
	buf := capture(t, LevelInfo)
	Warn("unit skipped", "err", errors.New("disk full"))

	assert.Contains(t, buf.String(), "disk full")
}
