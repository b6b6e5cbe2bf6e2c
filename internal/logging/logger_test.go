package logging

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func captureStderr(t *testing.T, fn func()) string {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	orig := os.Stderr
	os.Stderr = w
	defer func() { os.Stderr = orig }()

	fn()
	require.NoError(t, w.Close())

	var buf bytes.Buffer
	_, err = buf.ReadFrom(r)
	require.NoError(t, err)
	return buf.String()
}

func TestComponentLoggerFormatsLine(t *testing.T) {
	out := captureStderr(t, func() {
		logger := &componentLogger{component: "Orchestrator", category: "SERVICE", out: os.Stderr}
		logger.Info("execution %s started", "s1")
	})
	require.True(t, strings.Contains(out, "[INFO]"))
	require.True(t, strings.Contains(out, "[SERVICE]"))
	require.True(t, strings.Contains(out, "[Orchestrator]"))
	require.True(t, strings.Contains(out, "execution s1 started"))
}

func TestSetMinLevelSuppressesLowerLevels(t *testing.T) {
	SetMinLevel(LevelWarn)
	defer SetMinLevel(LevelInfo)

	out := captureStderr(t, func() {
		logger := &componentLogger{component: "Test", category: "SERVICE", out: os.Stderr}
		logger.Info("should not appear")
		logger.Warn("should appear")
	})
	require.False(t, strings.Contains(out, "should not appear"))
	require.True(t, strings.Contains(out, "should appear"))
}

func TestOrNopReturnsUsableLogger(t *testing.T) {
	l := OrNop(nil)
	require.NotPanics(t, func() {
		l.Debug("x")
		l.Info("x")
		l.Warn("x")
		l.Error("x")
	})
}

func TestNewCategoryLoggerTagsCategory(t *testing.T) {
	out := captureStderr(t, func() {
		logger := NewCategoryLogger("KERNEL", "KernelStage")
		logger.Warn("draining")
	})
	require.True(t, strings.Contains(out, "[KERNEL]"))
	require.True(t, strings.Contains(out, "[KernelStage]"))
}
