package channel

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseStreamLine_AssistantText(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[{"type":"text","text":"hello "},{"type":"text","text":"world"}]}}`

	chunks, outcome := parseStreamLine(line, discardLogger())

	require.Nil(t, outcome)
	require.Len(t, chunks, 2)
	assert.Equal(t, "hello ", chunks[0].Text)
	assert.Equal(t, "world", chunks[1].Text)
}

func TestParseStreamLine_ToolUse(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash","input":{"command":"go test ./..."}}]}}`

	chunks, outcome := parseStreamLine(line, discardLogger())

	require.Nil(t, outcome)
	require.Len(t, chunks, 1)
	assert.Equal(t, "Running: go test ./...", chunks[0].Progress)
}

func TestParseStreamLine_ResultSuccess(t *testing.T) {
	line := `{"type":"result","subtype":"success","result":"done","session_id":"conv-9","usage":{"input_tokens":120,"output_tokens":45}}`

	chunks, outcome := parseStreamLine(line, discardLogger())

	assert.Empty(t, chunks)
	require.NotNil(t, outcome)
	assert.Equal(t, "done", outcome.Result)
	assert.Empty(t, outcome.Error)
	assert.Equal(t, "conv-9", outcome.SessionID)
	assert.Equal(t, int64(120), outcome.InputTokens)
	assert.Equal(t, int64(45), outcome.OutputTokens)
}

func TestParseStreamLine_ResultError(t *testing.T) {
	line := `{"type":"result","subtype":"error_during_execution","result":"ran out of budget"}`

	_, outcome := parseStreamLine(line, discardLogger())

	require.NotNil(t, outcome)
	assert.Equal(t, "ran out of budget", outcome.Error)
}

func TestParseStreamLine_MalformedSkipped(t *testing.T) {
	for _, line := range []string{"", "   ", "not json", `{"no_type":true}`, `{"type":"mystery"}`} {
		chunks, outcome := parseStreamLine(line, discardLogger())
		assert.Nil(t, chunks, "line %q", line)
		assert.Nil(t, outcome, "line %q", line)
	}
}

func TestDescribeToolUse(t *testing.T) {
	tests := []struct {
		name  string
		tool  string
		input string
		want  string
	}{
		{"read shortens path", "Read", `{"file_path":"/home/dev/repo/main.go"}`, "Reading: main.go"},
		{"grep pattern", "Grep", `{"pattern":"func main"}`, "Searching: func main"},
		{"bash truncates", "Bash", `{"command":"echo aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}`, "Running: echo aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa..."},
		{"unknown tool", "Mystery", `{"x":"y"}`, "Using Mystery"},
		{"no input", "Read", ``, "Reading"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, describeToolUse(tt.tool, []byte(tt.input)))
		})
	}
}
