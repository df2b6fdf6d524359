// Package anthropic implements the chat completion capability on top of
// the Anthropic Messages API.
package anthropic

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	anthropicapi "github.com/tjfontaine/chatrelay/internal/api/anthropic"
	"github.com/tjfontaine/chatrelay/internal/domain"
)

// defaultMaxTokens is used when a request does not set MaxTokens.
const defaultMaxTokens = 8192

// ProviderOption configures the provider.
type ProviderOption func(*Provider)

// WithBaseURL sets a custom base URL for the API.
func WithBaseURL(baseURL string) ProviderOption {
	return func(p *Provider) {
		p.baseURL = baseURL
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ProviderOption {
	return func(p *Provider) {
		p.httpClient = httpClient
	}
}

// WithBetaFeatures sets the anthropic-beta header sent with every call.
func WithBetaFeatures(beta string) ProviderOption {
	return func(p *Provider) {
		p.beta = beta
	}
}

// WithSystemPrompt sets a system prompt prepended to every call.
func WithSystemPrompt(prompt string) ProviderOption {
	return func(p *Provider) {
		p.systemPrompt = prompt
	}
}

// Provider streams completions from Anthropic.
type Provider struct {
	client       *anthropicapi.Client
	baseURL      string
	httpClient   *http.Client
	beta         string
	systemPrompt string
}

// New creates a new Anthropic provider.
func New(apiKey string, opts ...ProviderOption) *Provider {
	p := &Provider{}

	for _, opt := range opts {
		opt(p)
	}

	var clientOpts []anthropicapi.ClientOption
	if p.baseURL != "" {
		clientOpts = append(clientOpts, anthropicapi.WithBaseURL(p.baseURL))
	}
	if p.httpClient != nil {
		clientOpts = append(clientOpts, anthropicapi.WithHTTPClient(p.httpClient))
	}

	p.client = anthropicapi.NewClient(apiKey, clientOpts...)
	return p
}

// Stream starts a completion. The returned body yields the generated text.
// Once generation ends the body is closed by the writer side first and
// req.OnFinish is called afterwards, so a reader that saw end of stream has
// seen every byte of the segment.
func (p *Provider) Stream(ctx context.Context, req *domain.CompletionRequest) (*domain.Completion, error) {
	apiReq := p.toAPIRequest(req)

	var opts *anthropicapi.RequestOptions
	if p.beta != "" {
		opts = &anthropicapi.RequestOptions{BetaFeatures: p.beta}
	}

	ctx, cancel := context.WithCancel(ctx)
	stream, err := p.client.StreamMessage(ctx, apiReq, opts)
	if err != nil {
		cancel()
		return nil, err
	}

	pr, pw := io.Pipe()
	go p.pump(cancel, stream.Events, pw, req.OnFinish)

	return &domain.Completion{
		Body:       pr,
		RateLimits: stream.RateLimits,
	}, nil
}

// pump drains SSE events into w and reports the outcome exactly once.
// Closing the body from the reader side aborts the upstream request.
func (p *Provider) pump(cancel context.CancelFunc, events <-chan anthropicapi.StreamEventResult, w *io.PipeWriter, onFinish func(domain.FinishResult)) {
	defer cancel()

	var text strings.Builder
	var stopReason string
	var usage domain.Usage

	fail := func(err error) {
		w.CloseWithError(err)
		cancel()
		// Let the SSE reader exit; its body is closed on return.
		for range events {
		}
		if onFinish != nil {
			onFinish(domain.FinishResult{
				Text:   text.String(),
				Reason: domain.FinishReasonError,
				Usage:  usage,
				Err:    err,
			})
		}
	}

	for result := range events {
		if result.Err != nil {
			fail(result.Err)
			return
		}

		switch result.EventType {
		case "message_start":
			event, err := result.ParseMessageStart()
			if err != nil {
				fail(fmt.Errorf("parse message_start: %w", err))
				return
			}
			usage.PromptTokens = event.Message.Usage.InputTokens

		case "content_block_delta":
			event, err := result.ParseContentBlockDelta()
			if err != nil {
				fail(fmt.Errorf("parse content_block_delta: %w", err))
				return
			}
			if event.Delta.Type != "text_delta" || event.Delta.Text == "" {
				continue
			}
			text.WriteString(event.Delta.Text)
			if _, err := io.WriteString(w, event.Delta.Text); err != nil {
				// The reader went away; the consumer cancelled this segment.
				fail(err)
				return
			}

		case "message_delta":
			event, err := result.ParseMessageDelta()
			if err != nil {
				fail(fmt.Errorf("parse message_delta: %w", err))
				return
			}
			if event.Delta.StopReason != "" {
				stopReason = event.Delta.StopReason
			}
			if event.Usage != nil {
				usage.CompletionTokens = event.Usage.OutputTokens
			}

		case "error":
			fail(result.ParseError())
			return

		case "message_stop":
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
			w.Close()
			if onFinish != nil {
				onFinish(domain.FinishResult{
					Text:   text.String(),
					Reason: domain.FinishReasonFromAnthropic(stopReason),
					Usage:  usage,
				})
			}
			return

		default:
			// ping, content_block_start, content_block_stop
			continue
		}
	}

	fail(fmt.Errorf("stream closed before message_stop: %w", io.ErrUnexpectedEOF))
}

// toAPIRequest converts a completion request to an Anthropic API request.
// Tools are never sent, which keeps tool use disabled.
func (p *Provider) toAPIRequest(req *domain.CompletionRequest) *anthropicapi.MessagesRequest {
	var systemBlocks anthropicapi.SystemMessages
	var messages []anthropicapi.Message

	if p.systemPrompt != "" {
		systemBlocks = append(systemBlocks, anthropicapi.SystemBlock{
			Type: "text",
			Text: p.systemPrompt,
		})
	}

	for _, m := range req.Messages {
		switch m.Role {
		case domain.RoleSystem:
			systemBlocks = append(systemBlocks, anthropicapi.SystemBlock{
				Type: "text",
				Text: m.Content,
			})
		case domain.RoleUser, domain.RoleAssistant:
			messages = append(messages, anthropicapi.Message{
				Role:    string(m.Role),
				Content: anthropicapi.ContentBlock{{Type: "text", Text: m.Content}},
			})
		}
	}

	apiReq := &anthropicapi.MessagesRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   true,
	}

	if len(systemBlocks) > 0 {
		apiReq.System = systemBlocks
	}

	if req.MaxTokens > 0 {
		apiReq.MaxTokens = req.MaxTokens
	} else {
		apiReq.MaxTokens = defaultMaxTokens
	}

	return apiReq
}
