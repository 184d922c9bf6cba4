// Package llm talks to the chat model used for extraction and supervision.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Message represents one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Schema describes the expected JSON output structure for structured chat responses.
type Schema struct {
	Type       string                    `json:"type"`
	Properties map[string]SchemaProperty `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

// SchemaProperty describes a single field within a Schema.
type SchemaProperty struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Client sends a chat and returns the assistant's reply. When schema is
// non-nil the model is asked for JSON matching it.
type Client interface {
	Chat(ctx context.Context, model string, messages []Message, schema *Schema) (string, error)
}

// Options selects and configures a Client.
type Options struct {
	Provider string
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
}

// New returns the Client for opts.Provider ("ollama" or "openai").
func New(opts Options) (Client, error) {
	switch strings.ToLower(opts.Provider) {
	case "", "ollama":
		return NewOllama(opts.BaseURL, opts.Timeout), nil
	case "openai":
		return NewOpenAI(opts.APIKey, opts.BaseURL, opts.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", opts.Provider)
	}
}
