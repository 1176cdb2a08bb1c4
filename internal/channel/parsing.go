package channel

import (
	"encoding/json"
	"log/slog"
	"strings"
)

// streamMessage represents one JSON line of a provider's stream output.
type streamMessage struct {
	Type    string `json:"type"`    // "system", "assistant", "user", "result"
	Subtype string `json:"subtype"` // "init", "success", "error_during_execution"
	Message struct {
		Content []struct {
			Type  string          `json:"type"` // "text", "tool_use", "tool_result"
			Text  string          `json:"text,omitempty"`
			Name  string          `json:"name,omitempty"`
			Input json.RawMessage `json:"input,omitempty"`
		} `json:"content"`
	} `json:"message"`
	Result    string       `json:"result,omitempty"`
	Error     string       `json:"error,omitempty"`
	SessionID string       `json:"session_id,omitempty"`
	Usage     *streamUsage `json:"usage,omitempty"`
}

type streamUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// streamChunk is the parsed content of one stream line.
type streamChunk struct {
	Text     string // assistant text, empty otherwise
	Progress string // short activity description, empty otherwise
}

// turnOutcome is populated when the final "result" message arrives.
type turnOutcome struct {
	Result       string
	Error        string
	SessionID    string
	InputTokens  int64
	OutputTokens int64
}

// parseStreamLine parses one line of stream output. Malformed or unknown
// fragments are logged at debug and skipped. The second return value is
// non-nil only for the final result message.
func parseStreamLine(line string, log *slog.Logger) ([]streamChunk, *turnOutcome) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}

	var msg streamMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		log.Debug("skipping unparseable stream line", "error", err, "line", truncateForLog(line))
		return nil, nil
	}
	if msg.Type == "" {
		log.Debug("skipping stream line with no type", "line", truncateForLog(line))
		return nil, nil
	}

	var chunks []streamChunk

	switch msg.Type {
	case "system":
		if msg.Subtype == "init" {
			log.Debug("agent stream initialized", "conversationID", msg.SessionID)
		}

	case "assistant":
		for _, content := range msg.Message.Content {
			switch content.Type {
			case "text":
				if content.Text != "" {
					chunks = append(chunks, streamChunk{Text: content.Text})
				}
			case "tool_use":
				desc := describeToolUse(content.Name, content.Input)
				chunks = append(chunks, streamChunk{Progress: desc})
				log.Debug("tool use", "tool", content.Name, "input", desc)
			}
		}

	case "user":
		// Tool results; nothing to surface.

	case "result":
		outcome := &turnOutcome{
			Result:    msg.Result,
			Error:     msg.Error,
			SessionID: msg.SessionID,
		}
		if msg.Usage != nil {
			outcome.InputTokens = msg.Usage.InputTokens
			outcome.OutputTokens = msg.Usage.OutputTokens
		}
		if msg.Subtype != "success" && outcome.Error == "" && outcome.Result != "" {
			// Error results carry the message in the result field.
			outcome.Error = outcome.Result
		}
		return chunks, outcome

	default:
		log.Debug("unknown stream message type", "type", msg.Type)
	}

	return chunks, nil
}

// toolVerbs maps tool names to short activity verbs for progress lines.
var toolVerbs = map[string]string{
	"Read":      "Reading",
	"Edit":      "Editing",
	"Write":     "Writing",
	"Glob":      "Searching",
	"Grep":      "Searching",
	"Bash":      "Running",
	"Task":      "Delegating",
	"WebFetch":  "Fetching",
	"WebSearch": "Searching",
}

// toolInputFields maps tool names to the input field worth showing.
var toolInputFields = map[string]string{
	"Read":      "file_path",
	"Edit":      "file_path",
	"Write":     "file_path",
	"Glob":      "pattern",
	"Grep":      "pattern",
	"Bash":      "command",
	"Task":      "description",
	"WebFetch":  "url",
	"WebSearch": "query",
}

const maxToolInputLen = 40

// describeToolUse produces a short "Verb: detail" progress line for a tool
// invocation.
func describeToolUse(toolName string, input json.RawMessage) string {
	verb, ok := toolVerbs[toolName]
	if !ok {
		verb = "Using " + toolName
	}

	detail := ""
	if field, ok := toolInputFields[toolName]; ok && len(input) > 0 {
		var inputMap map[string]any
		if err := json.Unmarshal(input, &inputMap); err == nil {
			if value, ok := inputMap[field].(string); ok {
				detail = value
			}
		}
	}
	if detail == "" {
		return verb
	}

	if field := toolInputFields[toolName]; field == "file_path" {
		detail = shortenPath(detail)
	}
	if len(detail) > maxToolInputLen {
		detail = detail[:maxToolInputLen] + "..."
	}
	return verb + ": " + detail
}

// shortenPath returns just the last path component.
func shortenPath(path string) string {
	parts := strings.Split(path, "/")
	return parts[len(parts)-1]
}

// truncateForLog truncates long strings for log messages.
func truncateForLog(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
