package process

import (
	"testing"
)

func TestExtractConversationID(t *testing.T) {
	tests := []struct {
		name     string
		cmdLine  string
		expected string
	}{
		{
			name:     "resume with space",
			cmdLine:  "claude --print --resume abc123-def456 fix the bug",
			expected: "abc123-def456",
		},
		{
			name:     "resume with equals",
			cmdLine:  "claude --print --resume=abc123-def456 fix the bug",
			expected: "abc123-def456",
		},
		{
			name:     "session-id with space",
			cmdLine:  "claude --print --session-id abc123 hello",
			expected: "abc123",
		},
		{
			name:     "session-id with equals",
			cmdLine:  "claude --print --session-id=abc123 hello",
			expected: "abc123",
		},
		{
			name:     "no conversation flag",
			cmdLine:  "claude --print --output-format stream-json hello",
			expected: "",
		},
		{
			name:     "app server has no conversation id",
			cmdLine:  "gemini --app-server",
			expected: "",
		},
		{
			name:     "empty command line",
			cmdLine:  "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ExtractConversationID(tt.cmdLine)
			if result != tt.expected {
				t.Errorf("ExtractConversationID(%q) = %q, want %q", tt.cmdLine, result, tt.expected)
			}
		})
	}
}

func TestFindOrphanedAgentProcesses_IgnoresUnownedConversations(t *testing.T) {
	// Whatever is running on the host, none of it resumes a conversation in
	// an empty owned set.
	orphans, err := FindOrphanedAgentProcesses(map[string]bool{})
	if err != nil {
		t.Errorf("FindOrphanedAgentProcesses() error = %v, want nil", err)
	}
	if len(orphans) != 0 {
		t.Errorf("FindOrphanedAgentProcesses() returned %d orphans, want 0", len(orphans))
	}
}

func TestCleanupOrphanedAgents_NoOwnedConversations(t *testing.T) {
	killed, err := CleanupOrphanedAgents(map[string]bool{})
	if err != nil {
		t.Errorf("CleanupOrphanedAgents() error = %v, want nil", err)
	}
	if killed != 0 {
		t.Errorf("CleanupOrphanedAgents() killed %d, want 0", killed)
	}
}

func TestAgentProcess_Fields(t *testing.T) {
	proc := AgentProcess{
		PID:     12345,
		Command: "claude --print --resume conv-123",
	}

	if proc.PID != 12345 {
		t.Errorf("PID = %d, want 12345", proc.PID)
	}
	if proc.Command == "" {
		t.Error("Command should not be empty")
	}
}
