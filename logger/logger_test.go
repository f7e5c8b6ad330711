package logger

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("ingestor")
	assert.Equal(t, "ingestor", entry.Entry.Data["component"])
}

func TestConfigureInvalidLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	require.Error(t, log.Configure("invalid", "json", "stdout", 0))
	require.Error(t, log.Configure("info", "xml", "stdout", 0))
}

func TestConfigureFileOutput(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	path := filepath.Join(t.TempDir(), "logs", "tickflow.log")
	log := Logger()
	require.NoError(t, log.Configure("debug", "text", path, 7))
	log.WithComponent("test").Info("rotated output")
	assert.FileExists(t, path)
}

func TestWithEnv(t *testing.T) {
	t.Setenv("FOO", "bar")
	entry := Logger().WithEnv("FOO")
	assert.Equal(t, "bar", entry.Entry.Data["FOO"])
}

func TestWarnAndErrorFeedComponentCounters(t *testing.T) {
	var buf bytes.Buffer
	log := Logger()
	log.SetOutput(&buf)

	log.WithComponent("counter_test").Warn("w")
	log.WithComponent("counter_test").Error("e")

	cs := componentFor("counter_test")
	assert.EqualValues(t, 1, cs.warns)
	assert.EqualValues(t, 1, cs.errors)

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.SplitN(buf.Bytes(), []byte("\n"), 2)[0], &line))
	assert.Equal(t, "w", line["message"])
	assert.Equal(t, "warning", line["level"])
}

func TestCountersAccumulate(t *testing.T) {
	before := Counters()
	IncrementTicks(3)
	IncrementFlush(60)
	IncrementFlushError()
	IncrementPublish(false)
	after := Counters()

	assert.Equal(t, before["ticks_ingested"]+3, after["ticks_ingested"])
	assert.Equal(t, before["rows_written"]+60, after["rows_written"])
	assert.Equal(t, before["flushes"]+1, after["flushes"])
	assert.Equal(t, before["flush_errors"]+1, after["flush_errors"])
	assert.Equal(t, before["publish_failures"]+1, after["publish_failures"])
}
