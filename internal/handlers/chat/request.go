package chat

import (
	"fmt"
	"strings"

	"github.com/tidwall/sjson"
)

// Message is one conversation turn from the client.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the inbound body of POST /v1/chat and /v1/chat/stream.
// Roles follow the familiar user/assistant convention; "model" is
// accepted as an alias for assistant.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	System      string    `json:"system"`
	Temperature *float64  `json:"temperature"`
	TopP        *float64  `json:"top_p"`
	MaxTokens   int       `json:"max_tokens"`
}

func (r *ChatRequest) validate() error {
	if len(r.Messages) == 0 {
		return fmt.Errorf("messages must not be empty")
	}
	for i, m := range r.Messages {
		if strings.TrimSpace(m.Content) == "" {
			return fmt.Errorf("messages[%d].content must not be empty", i)
		}
		switch m.Role {
		case "user", "assistant", "model":
		default:
			return fmt.Errorf("messages[%d].role %q is not supported", i, m.Role)
		}
	}
	return nil
}

// buildPayload translates the chat request into a generateContent body.
func buildPayload(r *ChatRequest) ([]byte, error) {
	body := []byte(`{}`)
	var err error
	for i, m := range r.Messages {
		role := m.Role
		if role == "assistant" {
			role = "model"
		}
		if body, err = sjson.SetBytes(body, fmt.Sprintf("contents.%d.role", i), role); err != nil {
			return nil, err
		}
		if body, err = sjson.SetBytes(body, fmt.Sprintf("contents.%d.parts.0.text", i), m.Content); err != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(r.System) != "" {
		if body, err = sjson.SetBytes(body, "systemInstruction.parts.0.text", r.System); err != nil {
			return nil, err
		}
	}
	if r.Temperature != nil {
		if body, err = sjson.SetBytes(body, "generationConfig.temperature", *r.Temperature); err != nil {
			return nil, err
		}
	}
	if r.TopP != nil {
		if body, err = sjson.SetBytes(body, "generationConfig.topP", *r.TopP); err != nil {
			return nil, err
		}
	}
	if r.MaxTokens > 0 {
		if body, err = sjson.SetBytes(body, "generationConfig.maxOutputTokens", r.MaxTokens); err != nil {
			return nil, err
		}
	}
	return body, nil
}
