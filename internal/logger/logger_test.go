package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestLogger creates a temp log file and initializes the logger with it.
// Returns the path to the temp file and a cleanup function.
func setupTestLogger(t *testing.T) (string, func()) {
	t.Helper()
	Reset()

	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "test-debug.log")
	require.NoError(t, Init(logPath))

	return logPath, func() {
		Reset()
	}
}

func TestDebug_Formatting(t *testing.T) {
	_, cleanup := setupTestLogger(t)
	defer cleanup()

	// Formatting must not panic regardless of verb mix
	Debug("integer: %d", 123)
	Debug("string: %s", "hello")
	Debug("float: %.2f", 3.14159)
	Info("multiple: %s=%d", "count", 5)
}

func TestClose(t *testing.T) {
	_, cleanup := setupTestLogger(t)
	defer cleanup()

	Close()
}

func TestLogFile_ContainsMessage(t *testing.T) {
	logPath, cleanup := setupTestLogger(t)
	defer cleanup()

	SetDebug(true)
	defer SetDebug(false)

	testMsg := "test-unique-string-12345"
	Debug("%s", testMsg)

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), testMsg)
}

func TestLevelFiltering(t *testing.T) {
	logPath, cleanup := setupTestLogger(t)
	defer cleanup()

	SetDebug(false)
	Debug("suppressed-debug-marker")
	Info("visible-info-marker")

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.NotContains(t, string(content), "suppressed-debug-marker")
	assert.Contains(t, string(content), "visible-info-marker")
}

func TestComponentLogger_AttachesComponent(t *testing.T) {
	logPath, cleanup := setupTestLogger(t)
	defer cleanup()

	log := ComponentLogger("MergeQueue")
	log.Info("component marker message")

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "component=MergeQueue")
}

func TestWithSession_AttachesSessionID(t *testing.T) {
	logPath, cleanup := setupTestLogger(t)
	defer cleanup()

	log := WithSession("sess-42")
	log.Info("session marker message")

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "sessionID=sess-42")
}

func TestLog_Concurrent(t *testing.T) {
	_, cleanup := setupTestLogger(t)
	defer cleanup()

	done := make(chan bool)

	for i := 0; i < 10; i++ {
		go func(n int) {
			for j := 0; j < 100; j++ {
				Debug("concurrent test %d-%d", n, j)
			}
			done <- true
		}(i)
	}

	for i := 0; i < 10; i++ {
		<-done
	}
}

func TestReset(t *testing.T) {
	tmpDir := t.TempDir()
	logPath1 := filepath.Join(tmpDir, "log1.log")
	require.NoError(t, Init(logPath1))

	SetDebug(true)
	Debug("message to log1")

	Reset()

	logPath2 := filepath.Join(tmpDir, "log2.log")
	require.NoError(t, Init(logPath2))

	SetDebug(true)
	Debug("message to log2")

	content1, err := os.ReadFile(logPath1)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(content1), "message to log1"))
	assert.False(t, strings.Contains(string(content1), "message to log2"))

	content2, err := os.ReadFile(logPath2)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(content2), "message to log2"))
	assert.False(t, strings.Contains(string(content2), "message to log1"))

	Reset()
	SetDebug(false)
}

func TestAppendAgentLog(t *testing.T) {
	sessionID := "append-agent-log-test"
	path := AgentLogPath(sessionID)
	t.Cleanup(func() { _ = os.Remove(path) })

	AppendAgentLog(sessionID, "warning: rate limited")
	AppendAgentLog(sessionID, "retrying\n")
	AppendAgentLog(sessionID, "")

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "warning: rate limited\nretrying\n", string(content))
}
