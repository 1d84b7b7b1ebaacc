package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readRecords(t *testing.T, path string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var records []map[string]any
	start := 0
	for i, b := range data {
		if b != '\n' {
			continue
		}
		var r map[string]any
		if err := json.Unmarshal(data[start:i], &r); err == nil {
			records = append(records, r)
		}
		start = i + 1
	}
	return records
}

func findMsg(records []map[string]any, msg string) map[string]any {
	for _, r := range records {
		if r["msg"] == msg {
			return r
		}
	}
	return nil
}

func TestInitWritesJSONL(t *testing.T) {
	Shutdown()
	dir := t.TempDir()
	Init(Config{LogDir: dir})
	defer Shutdown()

	Logger().Info("test_message", "key", "value")

	rec := findMsg(readRecords(t, filepath.Join(dir, LogFileName)), "test_message")
	require.NotNil(t, rec)
	assert.Equal(t, "value", rec["key"])
}

func TestInitWithoutSinksDiscards(t *testing.T) {
	Shutdown()
	Init(Config{})
	defer Shutdown()

	require.NotNil(t, Logger())
	Logger().Info("this goes nowhere")
	assert.Empty(t, RecentLines(10))
}

func TestForComponentBeforeInit(t *testing.T) {
	Shutdown()
	cl := ForComponent(CompLinker)

	dir := t.TempDir()
	Init(Config{LogDir: dir})
	defer Shutdown()

	cl.Info("linked", "session", "abc")

	rec := findMsg(readRecords(t, filepath.Join(dir, LogFileName)), "linked")
	require.NotNil(t, rec)
	assert.Equal(t, CompLinker, rec["component"])
	assert.Equal(t, "abc", rec["session"])
}

func TestLevelFilteringAndRuntimeDebug(t *testing.T) {
	Shutdown()
	dir := t.TempDir()
	Init(Config{LogDir: dir, Level: "warn"})
	defer Shutdown()

	Logger().Info("filtered")
	Logger().Warn("kept")
	assert.False(t, DebugEnabled())

	SetDebug(true, "warn")
	assert.True(t, DebugEnabled())
	Logger().Debug("debug_after_toggle")

	SetDebug(false, "warn")
	Logger().Info("filtered_again")

	records := readRecords(t, filepath.Join(dir, LogFileName))
	assert.Nil(t, findMsg(records, "filtered"))
	assert.NotNil(t, findMsg(records, "kept"))
	assert.NotNil(t, findMsg(records, "debug_after_toggle"))
	assert.Nil(t, findMsg(records, "filtered_again"))
}

func TestTextFormat(t *testing.T) {
	Shutdown()
	dir := t.TempDir()
	Init(Config{LogDir: dir, Format: "text"})
	defer Shutdown()

	Logger().Info("text_format_test")

	data, err := os.ReadFile(filepath.Join(dir, LogFileName))
	require.NoError(t, err)
	var record map[string]any
	assert.Error(t, json.Unmarshal(data, &record))
	assert.Contains(t, string(data), "msg=text_format_test")
}

func TestRecentLinesAndDump(t *testing.T) {
	Shutdown()
	dir := t.TempDir()
	Init(Config{LogDir: dir, RingBufferSize: 4096})
	defer Shutdown()

	Logger().Info("first")
	Logger().Info("second")

	lines := RecentLines(1)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "second")

	dumpPath := filepath.Join(dir, "dump.jsonl")
	require.NoError(t, DumpRingBuffer(dumpPath))
	data, err := os.ReadFile(dumpPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "first")
}

func TestEventTotalsCountAggregatedEvents(t *testing.T) {
	Shutdown()
	Init(Config{})
	defer Shutdown()

	Aggregate(CompHook, "edit_buffer")
	Aggregate(CompHook, "edit_buffer")
	Aggregate(CompIPC, "frame")

	totals := EventTotals()
	require.Len(t, totals, 2)
	assert.Equal(t, EventTotal{Component: CompHook, Event: "edit_buffer", Count: 2}, totals[0])
	assert.Equal(t, EventTotal{Component: CompIPC, Event: "frame", Count: 1}, totals[1])
}
