// Package anthropic_messages holds the few places where the Anthropic
// Messages API differs from the openai chat completions dialect: auth headers,
// the top-level system prompt and the event payloads of its stream.
package anthropic_messages

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"codegravity/internal/providers"
)

const (
	Version          = "2023-06-01"
	DefaultMaxTokens = 4096
)

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type request struct {
	Model     string    `json:"model"`
	System    string    `json:"system,omitempty"`
	Messages  []message `json:"messages"`
	MaxTokens int       `json:"max_tokens"`
	Stream    bool      `json:"stream,omitempty"`
}

// SetAuth applies the key header pair the Messages API expects instead of a
// bearer token.
func SetAuth(h http.Header, apiKey string) {
	h.Set("x-api-key", apiKey)
	h.Set("anthropic-version", Version)
}

// BuildBody lifts system messages into the top-level system field; every
// other message keeps its position.
func BuildBody(model string, msgs []providers.ChatMessage, stream bool) ([]byte, error) {
	req := request{
		Model:     model,
		Messages:  make([]message, 0, len(msgs)),
		MaxTokens: DefaultMaxTokens,
		Stream:    stream,
	}
	var system []string
	for _, m := range msgs {
		if m.Role == providers.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		req.Messages = append(req.Messages, message{Role: string(m.Role), Content: m.Content})
	}
	req.System = strings.Join(system, "\n\n")
	b, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal messages payload: %w", err)
	}
	return b, nil
}

// Frame is the decoded form of one stream event.
type Frame struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
	Done             bool
	Err              string
}

type event struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Message struct {
		Usage usage `json:"usage"`
	} `json:"message"`
	Usage usage `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ParseFrame decodes the JSON payload of a "data:" line.
func ParseFrame(payload []byte) (Frame, error) {
	var ev event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Frame{}, err
	}
	switch ev.Type {
	case "content_block_delta":
		return Frame{Text: ev.Delta.Text}, nil
	case "message_start":
		return Frame{PromptTokens: ev.Message.Usage.InputTokens, CompletionTokens: ev.Message.Usage.OutputTokens}, nil
	case "message_delta":
		// output_tokens here is cumulative for the whole message
		return Frame{CompletionTokens: ev.Usage.OutputTokens}, nil
	case "message_stop":
		return Frame{Done: true}, nil
	case "error":
		msg := ev.Error.Message
		if msg == "" {
			msg = ev.Error.Type
		}
		return Frame{Err: "anthropic: " + msg}, nil
	default:
		return Frame{}, nil
	}
}

// ParseResponse extracts the text and token usage of a non-streaming reply.
func ParseResponse(body []byte) (string, int, error) {
	var resp struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Usage usage `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", 0, fmt.Errorf("decode messages response: %w", err)
	}
	if len(resp.Content) == 0 {
		return "", 0, fmt.Errorf("empty content in messages response")
	}
	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String(), resp.Usage.InputTokens + resp.Usage.OutputTokens, nil
}
