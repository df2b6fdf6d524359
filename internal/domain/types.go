// Package domain holds the types shared between the chat orchestrator,
// the completion providers and the HTTP frontdoor.
package domain

import (
	"fmt"
	"io"
)

// Role is the author of a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ParseRole validates a wire role value.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleSystem, RoleUser, RoleAssistant:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Message represents a single conversation turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// FinishReason reports why a completion stopped generating.
type FinishReason string

const (
	FinishReasonStop      FinishReason = "stop"
	FinishReasonLength    FinishReason = "length"
	FinishReasonToolCalls FinishReason = "tool-calls"
	FinishReasonOther     FinishReason = "other"
	FinishReasonError     FinishReason = "error"
)

// FinishReasonFromAnthropic maps an Anthropic stop_reason to a FinishReason.
func FinishReasonFromAnthropic(stopReason string) FinishReason {
	switch stopReason {
	case "end_turn", "stop_sequence":
		return FinishReasonStop
	case "max_tokens":
		return FinishReasonLength
	case "tool_use":
		return FinishReasonToolCalls
	default:
		return FinishReasonOther
	}
}

// Usage represents token usage.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// FinishResult is delivered exactly once per completion call, after the
// completion body has been fully written.
type FinishResult struct {
	// Text is the full text generated by this call.
	Text   string
	Reason FinishReason
	Usage  Usage
	// Err is set when generation failed; Reason is then FinishReasonError.
	Err error
}

// CompletionRequest is one call to a completion provider.
type CompletionRequest struct {
	Model     string
	Messages  []Message
	MaxTokens int
	// DisableTools suppresses tool use for this call.
	DisableTools bool
	// OnFinish is invoked once, after Body has reached end of stream.
	OnFinish func(FinishResult)
}

// RateLimitInfo contains upstream rate limit information.
type RateLimitInfo struct {
	RequestsLimit     int
	RequestsRemaining int
	RequestsReset     string
	TokensLimit       int
	TokensRemaining   int
	TokensReset       string
}

// Completion is an in-flight completion call.
type Completion struct {
	// Body streams the generated text as it is produced.
	Body io.ReadCloser
	// RateLimits is populated from the upstream response headers when available.
	RateLimits *RateLimitInfo
}
