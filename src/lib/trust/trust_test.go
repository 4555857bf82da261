package trust

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func withBuffer(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	old := SetSink(NewConsoleSink(&buf, false))
	prev := SetLevel(ErrorMask | WarnMask | InfoMask | DebugMask | StatsMask)
	t.Cleanup(func() {
		SetSink(old)
		SetLevel(prev)
	})
	return &buf
}

func TestLevelsAreTagged(t *testing.T) {
	buf := withBuffer(t)
	Errorf("bad %d", 1)
	Warnf("careful")
	Infof("hello\n")
	Debugf("x=%#x", 16)
	assert.Equal(t, "ERROR:bad 1\n WARN:careful\n INFO:hello\nDEBUG:x=0x10\n", buf.String())
}

func TestMaskSuppresses(t *testing.T) {
	buf := withBuffer(t)
	SetLevel(ErrorMask)
	Infof("hidden")
	Debugf("hidden")
	Errorf("shown")
	assert.Equal(t, "ERROR:shown\n", buf.String())
}

func TestStatsCategory(t *testing.T) {
	buf := withBuffer(t)
	Statsf("exit", "attempts=%d", 3)
	assert.Equal(t, "STATS:[exit] attempts=3\n", buf.String())
}

func TestLoggerPrefix(t *testing.T) {
	buf := withBuffer(t)
	NewLogger("segment").Warnf("skipping %#x", 0x1001)
	assert.Equal(t, " WARN:segment: skipping 0x1001\n", buf.String())
}

func TestFatalfIsNotMaskable(t *testing.T) {
	buf := withBuffer(t)
	SetLevel(Nothing)
	code := -1
	old := SetExit(func(c int) { code = c })
	defer SetExit(old)
	Fatalf(3, "halted")
	assert.Equal(t, 3, code)
	assert.Contains(t, buf.String(), "FATAL:halted")
}

func TestSetLevelByName(t *testing.T) {
	withBuffer(t)
	require.True(t, SetLevelByName("warn"))
	assert.Equal(t, ErrorMask|WarnMask|fatalMask, Level())
	assert.Equal(t, "error warn ", LevelToString())
	assert.False(t, SetLevelByName("loud"))
}

func TestZapSink(t *testing.T) {
	withBuffer(t)
	core, logs := observer.New(zap.DebugLevel)
	SetSink(NewZapSink(zap.New(core)))
	Warnf("stale key %d", 7)
	Debugf("detail")
	require.Equal(t, 2, logs.Len())
	entries := logs.All()
	assert.Equal(t, "stale key 7", entries[0].Message)
	assert.Equal(t, zap.WarnLevel, entries[0].Level)
	assert.Equal(t, zap.DebugLevel, entries[1].Level)
}
