// Package llm talks to text-generation providers through the dispatcher.
package llm

import "context"

// Message is one turn of a conversation. Role is "user" or "assistant".
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SamplingOptions tune generation. Zero values use provider defaults.
type SamplingOptions struct {
	Temperature     float64 `json:"temperature,omitempty"`
	TopP            float64 `json:"top_p,omitempty"`
	MaxOutputTokens int     `json:"max_output_tokens,omitempty"`
}

// Request is a single chat completion request.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Request struct {
	// Operation labels the call in logs and metrics.
	Operation string           `json:"operation,omitempty"`
	System    string           `json:"system,omitempty"`
	Messages  []Message        `json:"messages"`
	Options   *SamplingOptions `json:"options,omitempty"`
}

// Prompt builds a single-turn request.
func Prompt(operation, system, prompt string, opts *SamplingOptions) Request {
	return Request{
		Operation: operation,
		System:    system,
		Messages:  []Message{{Role: "user", Content: prompt}},
		Options:   opts,
	}
}

// Response is the provider's answer.
type Response struct {
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason,omitempty"`
	CredentialID string `json:"-"`
	Attempts     int    `json:"-"`
}

// Client is the chat capability used by agents.
type Client interface {
	Chat(ctx context.Context, req Request) (*Response, error)
}
