package notification

import (
	"errors"
	"testing"
	"time"
)

// mockNotification records calls to the notification function
type mockNotification struct {
	calls []struct {
		title   string
		message string
		icon    any
	}
	err error
}

func (m *mockNotification) notify(title, message string, icon any) error {
	m.calls = append(m.calls, struct {
		title   string
		message string
		icon    any
	}{title, message, icon})
	return m.err
}

func TestSend(t *testing.T) {
	tests := []struct {
		name        string
		title       string
		message     string
		mockErr     error
		expectError bool
	}{
		{
			name:        "successful notification",
			title:       "Test Title",
			message:     "Test Message",
			mockErr:     nil,
			expectError: false,
		},
		{
			name:        "notification error",
			title:       "Test Title",
			message:     "Test Message",
			mockErr:     errors.New("notification failed"),
			expectError: true,
		},
		{
			name:        "empty title",
			title:       "",
			message:     "Message with empty title",
			mockErr:     nil,
			expectError: false,
		},
		{
			name:        "empty message",
			title:       "Title",
			message:     "",
			mockErr:     nil,
			expectError: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockNotification{err: tt.mockErr}
			SetNotifier(mock.notify)
			defer ResetNotifier()

			err := Send(tt.title, tt.message)

			if tt.expectError && err == nil {
				t.Error("expected error but got nil")
			}
			if !tt.expectError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}

			if len(mock.calls) != 1 {
				t.Fatalf("expected 1 call, got %d", len(mock.calls))
			}

			call := mock.calls[0]
			if call.title != tt.title {
				t.Errorf("title = %q, want %q", call.title, tt.title)
			}
			if call.message != tt.message {
				t.Errorf("message = %q, want %q", call.message, tt.message)
			}
		})
	}
}

func TestMilestoneMessages(t *testing.T) {
	tests := []struct {
		name            string
		send            func() error
		expectedMessage string
	}{
		{
			name:            "session ready",
			send:            func() error { return SessionReady("Add parser") },
			expectedMessage: "Add parser is ready for review",
		},
		{
			name:            "merge completed",
			send:            func() error { return MergeCompleted("Add parser") },
			expectedMessage: "Add parser merged",
		},
		{
			name:            "merge failed",
			send:            func() error { return MergeFailed("Add parser") },
			expectedMessage: "Add parser failed to merge",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockNotification{}
			SetNotifier(mock.notify)
			defer ResetNotifier()

			if err := tt.send(); err != nil {
				t.Errorf("unexpected error: %v", err)
			}

			if len(mock.calls) != 1 {
				t.Fatalf("expected 1 call, got %d", len(mock.calls))
			}
			if mock.calls[0].title != "Conductor" {
				t.Errorf("title = %q, want %q", mock.calls[0].title, "Conductor")
			}
			if mock.calls[0].message != tt.expectedMessage {
				t.Errorf("message = %q, want %q", mock.calls[0].message, tt.expectedMessage)
			}
		})
	}
}

func TestLimiter(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l := NewLimiter(30 * time.Second)
	l.now = func() time.Time { return now }

	if !l.Allow("session-a") {
		t.Error("first notification should be allowed")
	}
	if l.Allow("session-a") {
		t.Error("immediate repeat should be suppressed")
	}
	if !l.Allow("session-b") {
		t.Error("other sessions are limited independently")
	}

	now = now.Add(29 * time.Second)
	if l.Allow("session-a") {
		t.Error("notification inside the interval should be suppressed")
	}

	now = now.Add(2 * time.Second)
	if !l.Allow("session-a") {
		t.Error("notification after the interval should be allowed")
	}
}
